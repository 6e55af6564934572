package helpers_test

import (
	"math"
	"testing"

	"github.com/sharpeye/fastproxy/internal/helpers"
	"github.com/stretchr/testify/assert"
)

func TestClampInt(t *testing.T) {
	tests := []struct {
		name       string
		v          int
		lowerLimit int
		upperLimit int
		want       int
	}{
		{name: "below", v: 0, lowerLimit: 10, upperLimit: 20, want: 10},
		{name: "inside", v: 15, lowerLimit: 10, upperLimit: 20, want: 15},
		{name: "above", v: 25, lowerLimit: 10, upperLimit: 20, want: 20},
		{name: "at-lower", v: 10, lowerLimit: 10, upperLimit: 20, want: 10},
		{name: "at-upper", v: 20, lowerLimit: 10, upperLimit: 20, want: 20},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, helpers.ClampInt(tt.v, tt.lowerLimit, tt.upperLimit))
		})
	}
}

func TestClampIntToUint16(t *testing.T) {
	tests := []struct {
		name string
		in   int
		want uint16
	}{
		{name: "negative", in: -1, want: 0},
		{name: "zero", in: 0, want: 0},
		{name: "http-default", in: 80, want: 80},
		{name: "max", in: int(math.MaxUint16), want: math.MaxUint16},
		{name: "above-max", in: int(math.MaxUint16) + 1, want: math.MaxUint16},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, helpers.ClampIntToUint16(tt.in))
		})
	}
}

func TestClampInt64ToInt(t *testing.T) {
	assert.Equal(t, 0, helpers.ClampInt64ToInt(0))
	assert.Equal(t, 4096, helpers.ClampInt64ToInt(4096))
	assert.Equal(t, -1, helpers.ClampInt64ToInt(-1))
	assert.Equal(t, math.MaxInt, helpers.ClampInt64ToInt(math.MaxInt64))
}

func TestClampSeconds(t *testing.T) {
	assert.Equal(t, 0, helpers.ClampSeconds(-3))
	assert.Equal(t, 0, helpers.ClampSeconds(0))
	assert.Equal(t, 4, helpers.ClampSeconds(4))
}
