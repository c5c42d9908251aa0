package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()

	assert.Equal(t, "info", cfg.Logger.Level)
	assert.Equal(t, "cryptoscope", cfg.Logger.ServiceName)
	assert.Equal(t, FamilyChrome, cfg.Browser.Family)
	assert.Equal(t, 3, cfg.Debugger.ScopeMaxDepth)
	assert.Equal(t, 15, cfg.Debugger.ScopeMaxTotalProps)
	assert.Equal(t, 30*time.Second, cfg.Debugger.PerPauseTimeout)
	assert.Equal(t, 10*time.Minute, cfg.Debugger.SessionDuration)
	assert.Equal(t, "result/logs", cfg.Debugger.TranscriptDir)
	assert.True(t, cfg.Debugger.ReloadOnStart)
	assert.Equal(t, ProviderGemini, cfg.Oracle.Provider)
	assert.Equal(t, "gemini-2.5-flash", cfg.Oracle.Model)
	assert.Equal(t, "gemini-2.5-pro", cfg.Oracle.AnalysisModel)

	require.NoError(t, cfg.Validate())
}

func TestNewConfigFromViper(t *testing.T) {
	t.Run("overrides defaults", func(t *testing.T) {
		v := viper.New()
		SetDefaults(v)
		v.Set("browser.family", "edge")
		v.Set("debugger.per_pause_timeout", "5s")
		v.Set("oracle.provider", "deepseek")
		v.Set("oracle.model", "deepseek-chat")

		cfg, err := NewConfigFromViper(v)
		require.NoError(t, err)
		assert.Equal(t, FamilyEdge, cfg.Browser.Family)
		assert.Equal(t, 5*time.Second, cfg.Debugger.PerPauseTimeout)
		assert.Equal(t, ProviderDeepSeek, cfg.Oracle.Provider)
	})

	t.Run("api key from environment", func(t *testing.T) {
		t.Setenv("CRYPTOSCOPE_ORACLE_API_KEY", "sk-from-env")
		v := viper.New()
		SetDefaults(v)

		cfg, err := NewConfigFromViper(v)
		require.NoError(t, err)
		assert.Equal(t, "sk-from-env", cfg.Oracle.APIKey)
	})

	t.Run("explicit key wins over environment", func(t *testing.T) {
		t.Setenv("CRYPTOSCOPE_ORACLE_API_KEY", "sk-from-env")
		v := viper.New()
		SetDefaults(v)
		v.Set("oracle.api_key", "sk-explicit")

		cfg, err := NewConfigFromViper(v)
		require.NoError(t, err)
		assert.Equal(t, "sk-explicit", cfg.Oracle.APIKey)
	})

	t.Run("invalid configuration rejected", func(t *testing.T) {
		v := viper.New()
		SetDefaults(v)
		v.Set("debugger.scope_max_depth", 0)

		_, err := NewConfigFromViper(v)
		assert.Error(t, err)
	})
}

func TestConfigValidate(t *testing.T) {
	valid := func() *Config { return NewDefaultConfig() }

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad browser family", func(c *Config) { c.Browser.Family = "netscape" }},
		{"zero scope depth", func(c *Config) { c.Debugger.ScopeMaxDepth = 0 }},
		{"zero prop budget", func(c *Config) { c.Debugger.ScopeMaxTotalProps = 0 }},
		{"zero pause timeout", func(c *Config) { c.Debugger.PerPauseTimeout = 0 }},
		{"zero session duration", func(c *Config) { c.Debugger.SessionDuration = 0 }},
		{"bad pressure fraction", func(c *Config) { c.Debugger.MemoryPressureFraction = 1.5 }},
		{"missing oracle provider", func(c *Config) { c.Oracle.Provider = "" }},
		{"unknown oracle provider", func(c *Config) { c.Oracle.Provider = "oracle9i" }},
		{"negative rate limit", func(c *Config) { c.Oracle.RequestsPerMinute = -1 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	t.Run("custom provider requires base url", func(t *testing.T) {
		cfg := valid()
		cfg.Oracle.Provider = ProviderCustom
		assert.Error(t, cfg.Validate())

		cfg.Oracle.BaseURL = "http://localhost:8080/v1"
		assert.NoError(t, cfg.Validate())
	})
}
