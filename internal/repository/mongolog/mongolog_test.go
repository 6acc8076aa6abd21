package mongolog

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClampRange(t *testing.T) {
	cases := []struct {
		from, to, length, want int
	}{
		{0, 3, 5, 3},
		{0, 2000000000, 5, 5},
		{4, 9, 5, 5},
		{7, 9, 5, 7},
		{0, 0, 0, 0},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, clampRange(tc.from, tc.to, tc.length), "[%d, %d) of %d", tc.from, tc.to, tc.length)
	}
}
