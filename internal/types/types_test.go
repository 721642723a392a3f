package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPixelCount(t *testing.T) {
	cases := []struct {
		width, height int
		want          int
		ok            bool
	}{
		{224, 172, 224 * 172, true},
		{0, 1 << 40, 0, true},
		{-1, 4, 0, false},
		{4096, 4096, MaxPixels, true},
		{4097, 4096, 0, false},
		{1 << 33, 1 << 31, 0, false},
	}
	for _, tc := range cases {
		got, ok := PixelCount(tc.width, tc.height)
		assert.Equal(t, tc.ok, ok, "%dx%d", tc.width, tc.height)
		assert.Equal(t, tc.want, got, "%dx%d", tc.width, tc.height)
	}
}
