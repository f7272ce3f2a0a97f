package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve(t *testing.T) {
	type want struct {
		coins int64
		found bool
	}

	c := New(
		Entry{ProductID: "petly_coins_100", Coins: 100},
		Entry{ProductID: "petly_coins_500", Coins: 500},
	)

	tests := []struct {
		name      string
		productID string
		want      want
	}{
		{
			name:      "exact match",
			productID: "petly_coins_500",
			want:      want{coins: 500, found: true},
		},
		{
			name:      "platform suffix",
			productID: "petly_coins_500:p1y",
			want:      want{coins: 500, found: true},
		},
		{
			name:      "platform prefix",
			productID: "ru.petly.petly_coins_100",
			want:      want{coins: 100, found: true},
		},
		{
			name:      "unknown product",
			productID: "petly_gems_10",
			want:      want{found: false},
		},
		{
			name:      "empty product id",
			productID: "",
			want:      want{found: false},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			coins, found := c.Resolve(tt.productID)
			assert.Equal(t, tt.want.found, found)
			assert.Equal(t, tt.want.coins, coins)
		})
	}
}

func TestResolve_DeclarationOrderWinsOnAmbiguity(t *testing.T) {
	// Оба ключа входят в декорированный SKU; выигрывает объявленный первым.
	c := New(
		Entry{ProductID: "coins_50", Coins: 50},
		Entry{ProductID: "coins_500", Coins: 500},
	)

	coins, found := c.Resolve("store.coins_500.promo")
	require.True(t, found)
	assert.Equal(t, int64(50), coins)
}

func TestResolve_ExactMatchBeatsContainment(t *testing.T) {
	c := New(
		Entry{ProductID: "coins_50", Coins: 50},
		Entry{ProductID: "coins_500", Coins: 500},
	)

	coins, found := c.Resolve("coins_500")
	require.True(t, found)
	assert.Equal(t, int64(500), coins)
}

func TestNew_DropsInvalidEntries(t *testing.T) {
	c := New(
		Entry{ProductID: "free_coins", Coins: 0},
		Entry{ProductID: "negative_coins", Coins: -10},
		Entry{ProductID: "", Coins: 100},
	)

	_, found := c.Resolve("free_coins")
	assert.False(t, found)

	_, found = c.Resolve("negative_coins")
	assert.False(t, found)
}

func TestDefault_AllProductsPositive(t *testing.T) {
	c := Default()

	for _, e := range c.entries {
		coins, found := c.Resolve(e.ProductID)
		require.True(t, found)
		assert.Positive(t, coins)
	}
}
