package config

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// AppConfig holds configuration values parsed from environment variables.
type AppConfig struct {
	// Env is the runtime environment, either "dev" or "prod".
	Env string `koanf:"env" validate:"required,oneof=dev prod"`

	Log     LoggingConfig `koanf:"log"`
	Proxy   ProxyConfig   `koanf:"proxy"`
	Sync    SyncConfig    `koanf:"sync"`
	Cache   CacheConfig   `koanf:"cache"`
	Sources SourcesConfig `koanf:"sources"`
	Region  RegionConfig  `koanf:"region"`
	Shields ShieldsConfig `koanf:"shields"`
}

// LoggingConfig controls log verbosity: "debug", "info", "warn", or "error".
type LoggingConfig struct {
	Level string `koanf:"level" validate:"required,oneof=debug info warn error"`
}

// ProxyConfig holds the listen addresses of the daemon's front ends.
type ProxyConfig struct {
	Listen        string `koanf:"listen" validate:"required,host_port"`
	MetricsListen string `koanf:"metrics_listen" validate:"omitempty,host_port"`
}

// SyncConfig tunes the rule data sync manager.
type SyncConfig struct {
	CacheDir        string            `koanf:"cache_dir" validate:"required"`
	StartupDelay    time.Duration     `koanf:"startup_delay" validate:"gte=0"`
	RetryInterval   time.Duration     `koanf:"retry_interval" validate:"gt=0"`
	RefreshInterval time.Duration     `koanf:"refresh_interval" validate:"gt=0"`
	Timeout         time.Duration     `koanf:"timeout" validate:"gt=0"`
	MaxSize         datasize.ByteSize `koanf:"max_size" validate:"gt=0"`
}

// CacheConfig sizes the decision cache. A size of 0 disables caching.
type CacheConfig struct {
	Size int `koanf:"size" validate:"gte=0"`
}

// SourcesConfig holds the remote URLs of every rule list. RegionalURL may
// contain a "{locale}" placeholder.
type SourcesConfig struct {
	AdBlockURL      string `koanf:"adblock_url" validate:"required,http_url"`
	RegionalURL     string `koanf:"regional_url" validate:"omitempty,http_url"`
	SafeBrowsingURL string `koanf:"safebrowsing_url" validate:"required,http_url"`
	TrackingURL     string `koanf:"tracking_url" validate:"required,http_url"`
	HTTPSURL        string `koanf:"https_url" validate:"required,http_url"`
}

// RegionConfig selects the regional ad-block list.
type RegionConfig struct {
	Locale     string   `koanf:"locale" validate:"omitempty,locale"`
	OptIn      bool     `koanf:"opt_in"`
	WellTested []string `koanf:"well_tested" validate:"dive,locale"`
}

// ShieldsConfig holds the default shield toggles and the hosts on which every
// shield is off.
type ShieldsConfig struct {
	AdBlock        bool     `koanf:"adblock"`
	HTTPSUpgrade   bool     `koanf:"https_upgrade"`
	SafeBrowsing   bool     `koanf:"safebrowsing"`
	ScriptBlocking bool     `koanf:"script_blocking"`
	DisabledHosts  []string `koanf:"disabled_hosts" validate:"dive,hostname_rfc1123"`
}

// DEFAULT_APP_CONFIG defines the default application configuration.
var DEFAULT_APP_CONFIG = AppConfig{
	Env: "prod",
	Log: LoggingConfig{Level: "info"},
	Proxy: ProxyConfig{
		Listen:        "127.0.0.1:8118",
		MetricsListen: "127.0.0.1:9118",
	},
	Sync: SyncConfig{
		CacheDir:        "/var/lib/rr-shield",
		StartupDelay:    5 * time.Second,
		RetryInterval:   60 * time.Second,
		RefreshInterval: 12 * time.Hour,
		Timeout:         30 * time.Second,
		MaxSize:         64 * datasize.MB,
	},
	Cache: CacheConfig{Size: 100},
	Sources: SourcesConfig{
		AdBlockURL:      "https://lists.rr-shield.dev/adblock/rules.txt",
		RegionalURL:     "https://lists.rr-shield.dev/adblock/regional/{locale}.txt",
		SafeBrowsingURL: "https://lists.rr-shield.dev/safebrowsing/hosts.txt",
		TrackingURL:     "https://lists.rr-shield.dev/tracking/hosts.txt",
		HTTPSURL:        "https://lists.rr-shield.dev/https/rulesets.json",
	},
	Region: RegionConfig{
		WellTested: []string{"de", "fr", "ru", "nl", "jp", "es", "pl"},
	},
	Shields: ShieldsConfig{
		AdBlock:      true,
		HTTPSUpgrade: true,
		SafeBrowsing: true,
	},
}

// envKeys maps SHIELD_* variables to koanf keys. Variables that are not
// listed are ignored.
var envKeys = map[string]string{
	"ENV":                    "env",
	"LOG_LEVEL":              "log.level",
	"PROXY_LISTEN":           "proxy.listen",
	"PROXY_METRICS_LISTEN":   "proxy.metrics_listen",
	"SYNC_CACHE_DIR":         "sync.cache_dir",
	"SYNC_STARTUP_DELAY":     "sync.startup_delay",
	"SYNC_RETRY_INTERVAL":    "sync.retry_interval",
	"SYNC_REFRESH_INTERVAL":  "sync.refresh_interval",
	"SYNC_TIMEOUT":           "sync.timeout",
	"SYNC_MAX_SIZE":          "sync.max_size",
	"CACHE_SIZE":             "cache.size",
	"SOURCES_ADBLOCK":        "sources.adblock_url",
	"SOURCES_REGIONAL":       "sources.regional_url",
	"SOURCES_SAFEBROWSING":   "sources.safebrowsing_url",
	"SOURCES_TRACKING":       "sources.tracking_url",
	"SOURCES_HTTPS":          "sources.https_url",
	"REGION_LOCALE":          "region.locale",
	"REGION_OPT_IN":          "region.opt_in",
	"REGION_WELL_TESTED":     "region.well_tested",
	"SHIELDS_ADBLOCK":        "shields.adblock",
	"SHIELDS_HTTPS_UPGRADE":  "shields.https_upgrade",
	"SHIELDS_SAFEBROWSING":   "shields.safebrowsing",
	"SHIELDS_SCRIPTS":        "shields.script_blocking",
	"SHIELDS_DISABLED_HOSTS": "shields.disabled_hosts",
}

// listKeys are split on spaces and commas even when a single value is given.
var listKeys = map[string]struct{}{
	"region.well_tested":     {},
	"shields.disabled_hosts": {},
}

// validHostPort validates a "host:port" listen address. The host may be empty
// (all interfaces) or a name or IP.
func validHostPort(fl validator.FieldLevel) bool {
	_, port, err := net.SplitHostPort(fl.Field().String())
	if err != nil || port == "" {
		return false
	}
	portNum, err := strconv.ParseUint(port, 10, 16)
	return err == nil && portNum > 0
}

// validHTTPURL accepts absolute http and https URLs with a host.
func validHTTPURL(fl validator.FieldLevel) bool {
	u, err := url.Parse(fl.Field().String())
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// validLocale accepts 2-letter lowercase region codes.
func validLocale(fl validator.FieldLevel) bool {
	s := fl.Field().String()
	if len(s) != 2 {
		return false
	}
	for _, r := range s {
		if r < 'a' || r > 'z' {
			return false
		}
	}
	return true
}

// envLoader loads SHIELD_* environment variables. Values containing spaces or
// commas become lists. It can be mocked in tests.
var envLoader = func(k *koanf.Koanf) error {
	return k.Load(env.Provider(".", env.Opt{
		Prefix: "SHIELD_",
		TransformFunc: func(key, value string) (string, any) {
			mapped, ok := envKeys[strings.TrimPrefix(key, "SHIELD_")]
			if !ok {
				return "", nil
			}
			value = strings.TrimSpace(value)

			_, isList := listKeys[mapped]
			if value == "" {
				if isList {
					return mapped, []string{}
				}
				return mapped, value
			}

			if isList || strings.Contains(value, " ") || strings.Contains(value, ",") {
				parts := strings.FieldsFunc(value, func(r rune) bool {
					return r == ' ' || r == ','
				})
				return mapped, parts
			}

			return mapped, value
		},
	}), nil)
}

// defaultLoader loads DEFAULT_APP_CONFIG through the structs provider.
var defaultLoader = func(k *koanf.Koanf) error {
	return k.Load(structs.Provider(DEFAULT_APP_CONFIG, "koanf"), nil)
}

// registerValidation registers the custom "host_port", "http_url" and
// "locale" validations.
var registerValidation = func(v *validator.Validate) error {
	if err := v.RegisterValidation("host_port", validHostPort); err != nil {
		return err
	}
	if err := v.RegisterValidation("http_url", validHTTPURL); err != nil {
		return err
	}
	return v.RegisterValidation("locale", validLocale)
}

// Load parses environment variables and returns an AppConfig instance.
// It applies default values and runs validation automatically.
func Load() (*AppConfig, error) {
	k := koanf.New(".")

	err := defaultLoader(k)
	if err != nil {
		return nil, fmt.Errorf("error loading default config: %w", err)
	}

	err = envLoader(k)
	if err != nil {
		return nil, fmt.Errorf("error loading env: %w", err)
	}

	var cfg AppConfig
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}
	cfg.Region.Locale = strings.ToLower(cfg.Region.Locale)

	validate := validator.New(validator.WithRequiredStructEnabled())

	err = registerValidation(validate)
	if err != nil {
		return nil, fmt.Errorf("error registering validation: %w", err)
	}

	err = validate.Struct(&cfg)
	if err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	return &cfg, nil
}

// RegionalEnabled reports whether the regional list for Locale should be
// loaded: the locale is well tested or the user opted in.
func (c RegionConfig) RegionalEnabled() bool {
	if c.Locale == "" {
		return false
	}
	if c.OptIn {
		return true
	}
	for _, l := range c.WellTested {
		if strings.EqualFold(l, c.Locale) {
			return true
		}
	}
	return false
}
