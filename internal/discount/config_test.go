package discount

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseStackingConfigDefaults(t *testing.T) {
	for _, raw := range []string{"", "  ", "null", "{}"} {
		cfg, err := ParseStackingConfig([]byte(raw))
		require.NoError(t, err, raw)
		require.Equal(t, DefaultStackingConfig(), cfg, raw)
	}
}

func TestParseStackingConfigOverlay(t *testing.T) {
	cfg, err := ParseStackingConfig([]byte(`{
		"campaign": {"mode": "Exclusive"},
		"bulk": {"mode": "incremental", "exclude_with_campaign": true},
		"max_total_discount": "40"
	}`))
	require.NoError(t, err)
	require.Equal(t, ModeExclusive, cfg.Campaign.Mode)
	require.True(t, cfg.Bulk.ExcludeWithCampaign)
	require.Equal(t, ModeIncremental, cfg.Loyalty.Mode)
	require.Equal(t, ModeAbsolute, cfg.VIP.Mode)
	require.Equal(t, ModeFallback, cfg.Standard.Mode)
	require.NotNil(t, cfg.MaxTotalDiscount)
	requireDecimal(t, "40", *cfg.MaxTotalDiscount)
}

func TestParseStackingConfigRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"unknown key":               `{"coupon": {"mode": "incremental"}}`,
		"unknown mode":              `{"bulk": {"mode": "best_of"}}`,
		"standard not fallback":     `{"standard": {"mode": "incremental"}}`,
		"fallback outside standard": `{"vip": {"mode": "fallback"}}`,
		"campaign self exclusion":   `{"campaign": {"mode": "incremental", "exclude_with_campaign": true}}`,
		"cap above 100":             `{"max_total_discount": 140}`,
		"negative cap":              `{"max_total_discount": -1}`,
		"not json":                  `{"bulk":`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseStackingConfig([]byte(raw))
			require.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}
