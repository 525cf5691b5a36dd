package broker

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEscape(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"abc-123_~", "abc-123_~"},
		{"!*'()", "!*'()"},
		{"a b", "a%20b"},
		{"/real-devices/x/control/", "%2Freal-devices%2Fx%2Fcontrol%2F"},
		{"a=b&c", "a%3Db%26c"},
		{"percent%", "percent%25"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, escape(tt.in), "escape(%q)", tt.in)
	}
}

func TestBaseStringPreservesOrder(t *testing.T) {
	params := []param{
		{key: "POST", value: "/real-devices/abc/control/"},
		{key: "timestamp", value: "1700000000"},
		{key: "user-agent", value: "operator one"},
	}

	got := baseString(params)
	want := "POST=%2Freal-devices%2Fabc%2Fcontrol%2F&timestamp=1700000000&user-agent=operator%20one"
	assert.Equal(t, want, got)
}

func TestSignComposition(t *testing.T) {
	params := []param{
		{key: "DELETE", value: "/real-devices/udid-1/control/"},
		{key: "timestamp", value: "1700000000"},
	}

	// The signed payload is the doubly encoded base string behind a "&&"
	// marker, keyed by the secret with a trailing "&".
	payload := "&&" + escape(baseString(params))
	mac := hmac.New(sha1.New, []byte("s3cret&"))
	mac.Write([]byte(payload))
	want := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	assert.Equal(t, want, sign("s3cret", params))
}

func TestSignDependsOnOrder(t *testing.T) {
	a := sign("k", []param{{key: "x", value: "1"}, {key: "y", value: "2"}})
	b := sign("k", []param{{key: "y", value: "2"}, {key: "x", value: "1"}})
	assert.NotEqual(t, a, b)
}
