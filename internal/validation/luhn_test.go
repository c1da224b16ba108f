package validation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsValidOrderNumber(t *testing.T) {
	tests := []struct {
		number string
		valid  bool
	}{
		{"79927398713", true},
		{"12345678903", true},
		{"4561261212345467", true},
		{"49927398716", true},
		{"0", true},
		{"79927398710", false},
		{"12345678900", false},
		{"1234a67890", false},
		{" 79927398713", false},
		{"-79927398713", false},
		{"", false},
		{strings.Repeat("0", MaxOrderNumberLen), true},
		{strings.Repeat("0", MaxOrderNumberLen+1), false},
	}

	for _, tt := range tests {
		t.Run(tt.number, func(t *testing.T) {
			assert.Equal(t, tt.valid, IsValidOrderNumber(tt.number))
		})
	}
}
