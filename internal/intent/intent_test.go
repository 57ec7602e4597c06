package intent

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/storefront-system/internal/model"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	lines := []model.CartLine{
		{ProductID: "p1", Name: "Soap", UnitPrice: decimal.NewFromInt(30), Quantity: 3},
	}

	oi := New(7, "GIFTAB12CD", lines)

	raw, err := Encode(oi)
	require.NoError(t, err)

	decoded, ok := Decode(raw)
	require.True(t, ok)

	require.NotNil(t, decoded.UserID)
	assert.Equal(t, int64(7), *decoded.UserID)
	assert.Equal(t, "GIFTAB12CD", decoded.CouponCode)
	require.Len(t, decoded.Lines, 1)
	assert.Equal(t, "p1", decoded.Lines[0].ProductID)
	assert.Equal(t, 3, decoded.Lines[0].Quantity)
	assert.True(t, decoded.Lines[0].Price.Equal(decimal.NewFromInt(30)))
}

func TestDecodeMalformed(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{
			name: "empty string",
			raw:  "",
		},
		{
			name: "whitespace only",
			raw:  "   ",
		},
		{
			name: "literal null",
			raw:  "null",
		},
		{
			name: "literal undefined",
			raw:  "undefined",
		},
		{
			name: "broken json",
			raw:  `{"v":1,"u":`,
		},
		{
			name: "not json at all",
			raw:  "order_1699999999",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decoded, ok := Decode(tt.raw)
			assert.False(t, ok)
			assert.Nil(t, decoded.UserID)
			assert.Empty(t, decoded.CouponCode)
			assert.NotNil(t, decoded.Lines)
			assert.Empty(t, decoded.Lines)
		})
	}
}

func TestDecodeMissingLines(t *testing.T) {
	decoded, ok := Decode(`{"v":1,"u":3}`)
	require.True(t, ok)
	assert.NotNil(t, decoded.Lines)
	assert.Empty(t, decoded.Lines)
}
