package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/greyhat-cli/api/schemas"
)

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()

	assert.Equal(t, "info", cfg.Logger.Level)
	assert.Equal(t, "greyhat", cfg.Logger.ServiceName)
	assert.Equal(t, 3, cfg.Providers.FailureThreshold)
	assert.Equal(t, 5*time.Minute, cfg.Providers.Cooldown)
	assert.Equal(t, 120*time.Second, cfg.Gate.ConfirmationTimeout)
	assert.Equal(t, 10*time.Second, cfg.Orchestrator.CancelGrace)
	assert.True(t, cfg.Orchestrator.ProviderFailureFatal)

	require.NoError(t, cfg.Validate())
}

func TestPolicyFor_DefaultsAndOverrides(t *testing.T) {
	cfg := NewDefaultConfig()

	recon := cfg.Orchestrator.PolicyFor(schemas.PhaseRecon)
	assert.Equal(t, schemas.ClassFast, recon.PreferredClass)

	exploit := cfg.Orchestrator.PolicyFor(schemas.PhaseExploitation)
	assert.Equal(t, schemas.ClassCode, exploit.PreferredClass)
	assert.True(t, exploit.GateAll, "exploitation defaults to gating everything")

	// An unconfigured phase falls back to the deep class.
	empty := OrchestratorConfig{}
	pol := empty.PolicyFor(schemas.PhaseAnalysis)
	assert.Equal(t, schemas.ClassDeep, pol.PreferredClass)
}

func TestNewConfigFromViper_ProviderKeyFromEnv(t *testing.T) {
	t.Setenv("GREYHAT_GEMINI_FAST_API_KEY", "test-key")

	v := viper.New()
	SetDefaults(v)
	v.Set("providers.backends", []map[string]any{
		{"name": "gemini-fast", "class": "fast", "model": "gemini-1.5-flash"},
	})

	cfg, err := NewConfigFromViper(v)
	require.NoError(t, err)
	require.Len(t, cfg.Providers.Backends, 1)
	assert.Equal(t, "test-key", cfg.Providers.Backends[0].APIKey)
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			"zero failure threshold",
			func(c *Config) { c.Providers.FailureThreshold = 0 },
			"failure_threshold",
		},
		{
			"zero confirmation timeout",
			func(c *Config) { c.Gate.ConfirmationTimeout = 0 },
			"confirmation_timeout",
		},
		{
			"duplicate backend",
			func(c *Config) {
				c.Providers.Backends = []schemas.ProviderConfig{
					{Name: "a", Class: schemas.ClassFast},
					{Name: "a", Class: schemas.ClassDeep},
				}
			},
			"duplicate provider",
		},
		{
			"unknown class",
			func(c *Config) {
				c.Providers.Backends = []schemas.ProviderConfig{{Name: "a", Class: "turbo"}}
			},
			"capability class",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
