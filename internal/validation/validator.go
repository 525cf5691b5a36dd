package validation

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// Validator validates structs against their `validate` tags
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// Validate validates a struct
func (v *Validator) Validate(s interface{}) error {
	val := reflect.ValueOf(s)
	if val.Kind() == reflect.Ptr {
		val = val.Elem()
	}

	if val.Kind() != reflect.Struct {
		return fmt.Errorf("validate expects a struct")
	}

	typ := val.Type()

	for i := 0; i < val.NumField(); i++ {
		field := val.Field(i)
		fieldType := typ.Field(i)
		tag := fieldType.Tag.Get("validate")

		if tag == "" {
			continue
		}

		if err := v.validateField(field, tag); err != nil {
			return fmt.Errorf("%s: %w", fieldType.Name, err)
		}
	}

	return nil
}

// validateField validates a single field
func (v *Validator) validateField(field reflect.Value, tag string) error {
	rules := strings.Split(tag, ",")

	for _, rule := range rules {
		parts := strings.SplitN(rule, "=", 2)
		ruleName := parts[0]

		switch ruleName {
		case "required":
			if field.IsZero() {
				return fmt.Errorf("field is required")
			}

		case "oneof":
			if len(parts) < 2 || field.Kind() != reflect.String {
				continue
			}
			value := field.String()
			if value == "" {
				continue
			}
			allowed := strings.Fields(parts[1])
			found := false
			for _, a := range allowed {
				if value == a {
					found = true
					break
				}
			}
			if !found {
				return fmt.Errorf("must be one of %s", strings.Join(allowed, ", "))
			}

		case "min":
			if len(parts) < 2 || field.Kind() != reflect.String {
				continue
			}
			min, err := strconv.Atoi(parts[1])
			if err != nil {
				continue
			}
			if len(field.String()) < min {
				return fmt.Errorf("minimum length is %d", min)
			}

		case "max":
			if len(parts) < 2 || field.Kind() != reflect.String {
				continue
			}
			max, err := strconv.Atoi(parts[1])
			if err != nil {
				continue
			}
			if len(field.String()) > max {
				return fmt.Errorf("maximum length is %d", max)
			}
		}
	}

	return nil
}
