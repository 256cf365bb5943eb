package usage

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormatNumber(t *testing.T) {
	cases := map[int]string{
		5:        "5",
		500:      "500",
		5000:     "5,000",
		1234567:  "1,234,567",
	}
	for in, want := range cases {
		assert.Equal(t, want, FormatNumber(in))
	}
}

func TestFormatCost(t *testing.T) {
	assert.Equal(t, "$1.2346", FormatCost(1.23456))
}
