package driver

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsCoordinateRace(t *testing.T) {
	assert.False(t, IsCoordinateRace(nil))
	assert.False(t, IsCoordinateRace(errors.New("device unreachable")))

	assert.True(t, IsCoordinateRace(errors.New("automation server error invalid argument: Invalid touch point (0, 0)")))
	assert.True(t, IsCoordinateRace(errors.New("coordinate is invalid for current orientation")))
	assert.True(t, IsCoordinateRace(errors.New("element has zero size")))
}
