package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := Default("acme")
	require.NoError(t, cfg.Validate())
	require.Equal(t, "acme", cfg.Organization.ID)
	require.Equal(t, 0.7, cfg.Payout.DefaultR)
	require.Equal(t, 0.75, cfg.Review.AIThreshold)
	require.Equal(t, 0.8, cfg.Review.FallbackConfidence)
}

func TestGeneratedYAMLRoundTrips(t *testing.T) {
	cfg, err := FromYAML([]byte(GenerateDefault("acme")))
	require.NoError(t, err)
	require.Equal(t, Default("acme"), cfg)
}

func TestValidateRejectsBadTunables(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing org", func(c *Config) { c.Organization.ID = "" }, "organization.id"},
		{"r out of range", func(c *Config) { c.Payout.DefaultR = 1.5 }, "default_r"},
		{"inverted bounds", func(c *Config) { c.Payout.RBounds.Min = 0.9; c.Payout.RBounds.Max = 0.1 }, "r_bounds"},
		{"zero beta", func(c *Config) { c.Payout.QCBeta = 0 }, "qc_beta"},
		{"gamma at one", func(c *Config) { c.Payout.QCGamma = 1 }, "qc_gamma"},
		{"negative pm x", func(c *Config) { c.Payout.PMX = -0.1 }, "pm_x"},
		{"threshold above one", func(c *Config) { c.Review.AIThreshold = 1.2 }, "ai_threshold"},
		{"negative max passes", func(c *Config) { c.Review.MaxPasses = -1 }, "max_passes"},
		{"zero half life", func(c *Config) { c.Sales.DecayHalfLifeDays = 0 }, "decay_half_life_days"},
		{"webhook without url", func(c *Config) { c.Webhooks = []WebhookConfig{{}} }, "webhooks[0].url"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default("acme")
			tc.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.want)
		})
	}
}
