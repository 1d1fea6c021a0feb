package utils

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateCardNumber(t *testing.T) {
	tests := []struct {
		name   string
		number string
		want   bool
	}{
		{name: "valid visa", number: "4561261212345467", want: true},
		{name: "valid short", number: "79927398713", want: true},
		{name: "checksum off by one", number: "4561261212345464", want: false},
		{name: "empty", number: "", want: false},
		{name: "not a number", number: "4561a61212345467", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, ValidateCardNumber(tt.number))
		})
	}
}
