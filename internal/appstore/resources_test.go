package appstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseIAPType(t *testing.T) {
	tests := []struct {
		input   string
		want    IAPType
		wantErr bool
	}{
		{"", TypeConsumable, false},
		{"CONSUMABLE", TypeConsumable, false},
		{"consumable", TypeConsumable, false},
		{" Non_Consumable ", TypeNonConsumable, false},
		{"AUTO_RENEWABLE", TypeAutoRenewable, false},
		{"AUTO_RENEWABLE_SUBSCRIPTION", TypeAutoRenewable, false},
		{"NON_RENEWING_SUBSCRIPTION", TypeNonRenewing, false},
		{"LOOT_BOX", "", true},
	}
	for _, tc := range tests {
		got, err := ParseIAPType(tc.input)
		if tc.wantErr {
			assert.Error(t, err, "input %q", tc.input)
			continue
		}
		require.NoError(t, err, "input %q", tc.input)
		assert.Equal(t, tc.want, got, "input %q", tc.input)
	}
}

func TestFilterRestrictedTerritories(t *testing.T) {
	territories := []Territory{
		{ID: "USA", Currency: "USD"},
		{ID: "CHN", Currency: "CNY"},
		{ID: "CN", Currency: "CNY"},
		{ID: "HKG", Currency: "HKD"},
		{ID: "MAC", Currency: "MOP"},
		{ID: "TWN", Currency: "TWD"},
		{ID: "TW", Currency: "TWD"},
		{ID: "JPN", Currency: "JPY"},
	}

	filtered := FilterRestrictedTerritories(territories)

	require.Len(t, filtered, 2)
	assert.Equal(t, "USA", filtered[0].ID)
	assert.Equal(t, "JPN", filtered[1].ID)
}

func TestIsRestrictedTerritory(t *testing.T) {
	for _, id := range []string{"CHN", "CN", "HKG", "HK", "MAC", "MO", "TWN", "TW"} {
		assert.True(t, IsRestrictedTerritory(id), id)
	}
	assert.False(t, IsRestrictedTerritory("USA"))
	assert.False(t, IsRestrictedTerritory(""))
}

func TestMatchPricePointExactSubstring(t *testing.T) {
	points := []PricePoint{
		{ID: "p1", CustomerPrice: "0.49"},
		{ID: "p2", CustomerPrice: "0.99"},
		{ID: "p3", CustomerPrice: "1.99"},
	}

	match := MatchPricePoint("0.99", points)
	require.NotNil(t, match)
	assert.Equal(t, "p2", match.ID)
}

func TestMatchPricePointClosestNumeric(t *testing.T) {
	points := []PricePoint{
		{ID: "p1", CustomerPrice: "$0.49"},
		{ID: "p2", CustomerPrice: "$0.99"},
		{ID: "p3", CustomerPrice: "$1.99"},
	}

	// nothing contains "1.10", p2 is numerically closest
	match := MatchPricePoint("1.10", points)
	require.NotNil(t, match)
	assert.Equal(t, "p2", match.ID)
}

func TestMatchPricePointNoCandidates(t *testing.T) {
	assert.Nil(t, MatchPricePoint("0.99", nil))
	assert.Nil(t, MatchPricePoint("not-a-number", []PricePoint{{ID: "p1", CustomerPrice: "junk"}}))
}
