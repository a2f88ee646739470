package usdc

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		input string
		want  int64
		ok    bool
	}{
		{"1.50", 1500000, true},
		{"0.000001", 1, true},
		{"100", 100000000, true},
		{"0", 0, true},
		{"", 0, true},
		{"0.5", 500000, true},
		{"1.123456789", 1123456, true}, // extra precision truncated
		{"-1.50", 0, false},
		{"1.2.3", 0, false},
		{"abc", 0, false},
		{"1.5a", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, ok := Parse(tt.input)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				require.NotNil(t, got)
				assert.Equal(t, tt.want, got.Int64())
			}
		})
	}
}

func TestFormat(t *testing.T) {
	tests := []struct {
		input int64
		want  string
	}{
		{1500000, "1.500000"},
		{1, "0.000001"},
		{0, "0.000000"},
		{100000000, "100.000000"},
		{-1500000, "-1.500000"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, Format(big.NewInt(tt.input)))
	}

	assert.Equal(t, "0.000000", Format(nil))
}

func TestParseFormatRoundTrip(t *testing.T) {
	for _, s := range []string{"0.000000", "1.500000", "42.123456", "1000000.000001"} {
		v, ok := Parse(s)
		require.True(t, ok)
		assert.Equal(t, s, Format(v))
	}
}

func TestSum(t *testing.T) {
	total, ok := Sum("1.50", "2.25", "0.25")
	require.True(t, ok)
	assert.Equal(t, "4.000000", Format(total))

	total, ok = Sum()
	require.True(t, ok)
	assert.Equal(t, int64(0), total.Int64())

	_, ok = Sum("1.50", "bogus")
	assert.False(t, ok)
}

func TestIsPositive(t *testing.T) {
	assert.True(t, IsPositive("0.000001"))
	assert.True(t, IsPositive("10"))
	assert.False(t, IsPositive("0"))
	assert.False(t, IsPositive(""))
	assert.False(t, IsPositive("-1"))
	assert.False(t, IsPositive("junk"))
}
