package config

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "prod", cfg.Env)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "127.0.0.1:8118", cfg.Proxy.Listen)
	assert.Equal(t, "/var/lib/rr-shield", cfg.Sync.CacheDir)
	assert.Equal(t, 5*time.Second, cfg.Sync.StartupDelay)
	assert.Equal(t, 60*time.Second, cfg.Sync.RetryInterval)
	assert.Equal(t, 12*time.Hour, cfg.Sync.RefreshInterval)
	assert.Equal(t, 30*time.Second, cfg.Sync.Timeout)
	assert.Equal(t, 64*datasize.MB, cfg.Sync.MaxSize)
	assert.Equal(t, 100, cfg.Cache.Size)
	assert.True(t, cfg.Shields.AdBlock)
	assert.True(t, cfg.Shields.HTTPSUpgrade)
	assert.True(t, cfg.Shields.SafeBrowsing)
	assert.False(t, cfg.Shields.ScriptBlocking)
	assert.Empty(t, cfg.Shields.DisabledHosts)
	assert.Contains(t, cfg.Sources.RegionalURL, "{locale}")
	assert.Equal(t, DEFAULT_APP_CONFIG.Region.WellTested, cfg.Region.WellTested)
}

func TestLoad_ValidOverrides(t *testing.T) {
	t.Setenv("SHIELD_ENV", "dev")
	t.Setenv("SHIELD_LOG_LEVEL", "debug")
	t.Setenv("SHIELD_PROXY_LISTEN", ":3128")
	t.Setenv("SHIELD_SYNC_CACHE_DIR", "/tmp/shield")
	t.Setenv("SHIELD_SYNC_STARTUP_DELAY", "1s")
	t.Setenv("SHIELD_SYNC_RETRY_INTERVAL", "2m")
	t.Setenv("SHIELD_SYNC_MAX_SIZE", "8MB")
	t.Setenv("SHIELD_CACHE_SIZE", "500")
	t.Setenv("SHIELD_SOURCES_ADBLOCK", "https://a.example/list.txt")
	t.Setenv("SHIELD_REGION_LOCALE", "FR")
	t.Setenv("SHIELD_REGION_OPT_IN", "true")
	t.Setenv("SHIELD_REGION_WELL_TESTED", "de")
	t.Setenv("SHIELD_SHIELDS_ADBLOCK", "false")
	t.Setenv("SHIELD_SHIELDS_SCRIPTS", "true")
	t.Setenv("SHIELD_SHIELDS_DISABLED_HOSTS", "example.com, news.example.org")
	t.Setenv("SHIELD_UNKNOWN_KEY", "ignored")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "dev", cfg.Env)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, ":3128", cfg.Proxy.Listen)
	assert.Equal(t, "/tmp/shield", cfg.Sync.CacheDir)
	assert.Equal(t, time.Second, cfg.Sync.StartupDelay)
	assert.Equal(t, 2*time.Minute, cfg.Sync.RetryInterval)
	assert.Equal(t, 8*datasize.MB, cfg.Sync.MaxSize)
	assert.Equal(t, 500, cfg.Cache.Size)
	assert.Equal(t, "https://a.example/list.txt", cfg.Sources.AdBlockURL)
	assert.Equal(t, "fr", cfg.Region.Locale)
	assert.True(t, cfg.Region.OptIn)
	assert.Equal(t, []string{"de"}, cfg.Region.WellTested)
	assert.False(t, cfg.Shields.AdBlock)
	assert.True(t, cfg.Shields.ScriptBlocking)
	assert.Equal(t, []string{"example.com", "news.example.org"}, cfg.Shields.DisabledHosts)
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string]string{
		"SHIELD_ENV":                 "staging",
		"SHIELD_LOG_LEVEL":           "trace",
		"SHIELD_PROXY_LISTEN":        "no-port",
		"SHIELD_SYNC_CACHE_DIR":      "",
		"SHIELD_SYNC_RETRY_INTERVAL": "0s",
		"SHIELD_SYNC_TIMEOUT":        "soon",
		"SHIELD_CACHE_SIZE":          "-1",
		"SHIELD_SOURCES_TRACKING":    "ftp://lists.example/t.txt",
		"SHIELD_REGION_LOCALE":       "fra",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestLoad_WhenKoanfDefaultLoadFails(t *testing.T) {
	orig := defaultLoader
	defaultLoader = func(k *koanf.Koanf) error { return errors.New("mocked error") }
	defer func() { defaultLoader = orig }()

	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "mocked error") {
		t.Fatal("expected error when loading defaults, got nil")
	}
}

func TestLoad_WhenKoanfEnvLoadFails(t *testing.T) {
	orig := envLoader
	envLoader = func(k *koanf.Koanf) error { return errors.New("mocked error") }
	defer func() { envLoader = orig }()

	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "mocked error") {
		t.Fatal("expected error when loading env, got nil")
	}
}

func TestLoad_RegisterValidationFails(t *testing.T) {
	orig := registerValidation
	registerValidation = func(v *validator.Validate) error { return errors.New("mocked validation error") }
	defer func() { registerValidation = orig }()

	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "mocked validation error") {
		t.Fatal("expected error when registering validation, got nil")
	}
}

func TestDefaultLoader_InvalidDefault_ValidationFails(t *testing.T) {
	orig := DEFAULT_APP_CONFIG
	defer func() { DEFAULT_APP_CONFIG = orig }()

	DEFAULT_APP_CONFIG.Shields.DisabledHosts = []string{"not a host"}
	_, err := Load()
	assert.Error(t, err)
}

func TestCustomValidators(t *testing.T) {
	validate := validator.New()
	require.NoError(t, registerValidation(validate))

	type S struct {
		Addr   string `validate:"host_port"`
		URL    string `validate:"http_url"`
		Locale string `validate:"locale"`
	}
	assert.NoError(t, validate.Struct(S{Addr: "127.0.0.1:8118", URL: "https://x.example/a", Locale: "de"}))
	assert.NoError(t, validate.Struct(S{Addr: ":80", URL: "http://x.example", Locale: "jp"}))

	bad := []S{
		{Addr: "127.0.0.1", URL: "https://x.example", Locale: "de"},
		{Addr: "127.0.0.1:0", URL: "https://x.example", Locale: "de"},
		{Addr: "127.0.0.1:80", URL: "x.example/a", Locale: "de"},
		{Addr: "127.0.0.1:80", URL: "https://x.example", Locale: "DE"},
		{Addr: "127.0.0.1:80", URL: "https://x.example", Locale: "d1"},
	}
	for _, s := range bad {
		assert.Error(t, validate.Struct(s), "%+v", s)
	}
}

func TestRegionConfig_RegionalEnabled(t *testing.T) {
	assert.False(t, RegionConfig{}.RegionalEnabled())
	assert.True(t, RegionConfig{Locale: "de", WellTested: []string{"de"}}.RegionalEnabled())
	assert.False(t, RegionConfig{Locale: "xx", WellTested: []string{"de"}}.RegionalEnabled())
	assert.True(t, RegionConfig{Locale: "xx", OptIn: true}.RegionalEnabled())
}
