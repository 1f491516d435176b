package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/developingchet/authguard/internal/netaddr"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Config holds all application configuration.
type Config struct {
	// Rate limiter
	CounterExpiry        time.Duration `koanf:"counter_expiry"`
	CleanupInterval      time.Duration `koanf:"cleanup_interval"`
	TableName            string        `koanf:"table_name"`
	LoginHostScale       time.Duration `koanf:"login_host_scale"`
	LoginHostLimit       int64         `koanf:"login_host_limit"`
	LoginIdentifierScale time.Duration `koanf:"login_identifier_scale"`
	LoginIdentifierLimit int64         `koanf:"login_identifier_limit"`

	// Network rules
	NetworkDefaultAction string `koanf:"network_default_action"`
	RulesFile            string `koanf:"rules_file"`

	// Storage
	StoreBackend  string `koanf:"store_backend"`
	DataDir       string `koanf:"data_dir"`
	RedisAddr     string `koanf:"redis_addr"`
	RedisPassword string `koanf:"redis_password"`
	RedisDB       int    `koanf:"redis_db"`

	// CrowdSec disallowed-host feed
	CrowdSecEnabled       bool          `koanf:"crowdsec_enabled"`
	CrowdSecLAPIURL       string        `koanf:"crowdsec_lapi_url"`
	CrowdSecLAPIKey       string        `koanf:"crowdsec_lapi_key"`
	CrowdSecLAPIVerifyTLS bool          `koanf:"crowdsec_lapi_verify_tls"`
	CrowdSecOrigins       []string      `koanf:"crowdsec_origins"`
	CrowdSecPollInterval  time.Duration `koanf:"crowdsec_poll_interval"`
	BlockScenarioExclude  []string      `koanf:"block_scenario_exclude"`
	BlockWhitelist        []string      `koanf:"block_whitelist"`
	BlockMinDuration      time.Duration `koanf:"block_min_duration"`
	BlockSkipPrivate      bool          `koanf:"block_skip_private"`

	// LAPIMetricsPushInterval controls usage-metrics reporting to the LAPI.
	// 0 disables it; positive values below 10m are raised to 10m.
	LAPIMetricsPushInterval time.Duration `koanf:"lapi_metrics_push_interval"`

	// Worker Pool
	PoolWorkers    int           `koanf:"pool_workers"`
	PoolQueueDepth int           `koanf:"pool_queue_depth"`
	PoolMaxRetries int           `koanf:"pool_max_retries"`
	PoolRetryBase  time.Duration `koanf:"pool_retry_base"`

	// Operational
	LogLevel       string `koanf:"log_level"`
	LogFormat      string `koanf:"log_format"`
	MetricsEnabled bool   `koanf:"metrics_enabled"`
	MetricsAddr    string `koanf:"metrics_addr"`
	HealthAddr     string `koanf:"health_addr"`
	APIAddr        string `koanf:"api_addr"`
}

// Store backends.
const (
	BackendBbolt  = "bbolt"
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// sanitise removes a single layer of matching surrounding quotes from all string
// fields and string slice elements. This normalises values from Docker --env-file
// which does not strip shell quoting.
func (c *Config) sanitise() {
	c.TableName = stripEnvQuotes(c.TableName)
	c.NetworkDefaultAction = stripEnvQuotes(c.NetworkDefaultAction)
	c.RulesFile = stripEnvQuotes(c.RulesFile)
	c.StoreBackend = stripEnvQuotes(c.StoreBackend)
	c.DataDir = stripEnvQuotes(c.DataDir)
	c.RedisAddr = stripEnvQuotes(c.RedisAddr)
	c.RedisPassword = stripEnvQuotes(c.RedisPassword)
	c.CrowdSecLAPIURL = stripEnvQuotes(c.CrowdSecLAPIURL)
	c.CrowdSecLAPIKey = stripEnvQuotes(c.CrowdSecLAPIKey)
	c.LogLevel = stripEnvQuotes(c.LogLevel)
	c.LogFormat = stripEnvQuotes(c.LogFormat)
	c.MetricsAddr = stripEnvQuotes(c.MetricsAddr)
	c.HealthAddr = stripEnvQuotes(c.HealthAddr)
	c.APIAddr = stripEnvQuotes(c.APIAddr)

	for _, list := range [][]string{c.CrowdSecOrigins, c.BlockWhitelist, c.BlockScenarioExclude} {
		for i, s := range list {
			list[i] = stripEnvQuotes(s)
		}
	}
}

// defaults sets sensible default values.
func defaults() map[string]interface{} {
	return map[string]interface{}{
		"counter_expiry":             "2h",
		"cleanup_interval":           "10m",
		"table_name":                 "authguard_counters",
		"login_host_scale":           "1m",
		"login_host_limit":           30,
		"login_identifier_scale":     "5m",
		"login_identifier_limit":     5,
		"network_default_action":     "allow",
		"store_backend":              BackendBbolt,
		"data_dir":                   "/data",
		"redis_addr":                 "localhost:6379",
		"redis_db":                   0,
		"crowdsec_enabled":           false,
		"crowdsec_lapi_url":          "http://crowdsec:8080",
		"crowdsec_lapi_verify_tls":   true,
		"crowdsec_poll_interval":     "30s",
		"block_min_duration":         "0s",
		"block_skip_private":         true,
		"lapi_metrics_push_interval": "30m",
		"pool_workers":               4,
		"pool_queue_depth":           4096,
		"pool_max_retries":           3,
		"pool_retry_base":            "1s",
		"log_level":                  "info",
		"log_format":                 "json",
		"metrics_enabled":            true,
		"metrics_addr":               ":9090",
		"health_addr":                ":8081",
		"api_addr":                   ":8080",
	}
}

// stripEnvQuotes removes a single layer of matching surrounding single or double
// quotes from s. Unpaired or mismatched quotes are left as-is.
func stripEnvQuotes(s string) string {
	if len(s) < 2 {
		return s
	}
	if (s[0] == '\'' && s[len(s)-1] == '\'') ||
		(s[0] == '"' && s[len(s)-1] == '"') {
		return s[1 : len(s)-1]
	}
	return s
}

// Load reads configuration from environment variables, applying _FILE secret injection.
func Load() (*Config, error) {
	// ENV_FILE names a dotenv file; variables already set in the process win.
	if path := os.Getenv("ENV_FILE"); path != "" {
		if err := godotenv.Load(path); err != nil {
			return nil, fmt.Errorf("load ENV_FILE %s: %w", path, err)
		}
	}

	// "." keeps underscore-separated env names flat: TABLE_NAME → "table_name".
	k := koanf.New(".")

	if err := k.Load(&rawProvider{data: defaults()}, nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if err := k.Load(env.Provider("", ".", func(s string) string {
		return strings.ToLower(s)
	}), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	if err := injectFileSecrets(k); err != nil {
		return nil, fmt.Errorf("inject file secrets: %w", err)
	}

	cfg := &Config{}
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// koanf does not split comma-separated env values on its own
	cfg.CrowdSecOrigins = splitCSV(k.String("crowdsec_origins"))
	cfg.BlockScenarioExclude = splitCSV(k.String("block_scenario_exclude"))
	cfg.BlockWhitelist = splitCSV(k.String("block_whitelist"))

	cfg.sanitise()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields and semantic constraints.
func (c *Config) Validate() error {
	for _, d := range []struct {
		name string
		val  time.Duration
	}{
		{"COUNTER_EXPIRY", c.CounterExpiry},
		{"CLEANUP_INTERVAL", c.CleanupInterval},
		{"LOGIN_HOST_SCALE", c.LoginHostScale},
		{"LOGIN_IDENTIFIER_SCALE", c.LoginIdentifierScale},
	} {
		if d.val <= 0 {
			return fmt.Errorf("%s must be > 0; got %s", d.name, d.val)
		}
	}
	if c.LoginHostLimit <= 0 {
		return fmt.Errorf("LOGIN_HOST_LIMIT must be > 0; got %d", c.LoginHostLimit)
	}
	if c.LoginIdentifierLimit <= 0 {
		return fmt.Errorf("LOGIN_IDENTIFIER_LIMIT must be > 0; got %d", c.LoginIdentifierLimit)
	}

	// A row must outlive its window or the sweeper could drop a live count.
	if c.CounterExpiry <= c.LoginHostScale {
		return fmt.Errorf("COUNTER_EXPIRY (%s) must exceed LOGIN_HOST_SCALE (%s)", c.CounterExpiry, c.LoginHostScale)
	}
	if c.CounterExpiry <= c.LoginIdentifierScale {
		return fmt.Errorf("COUNTER_EXPIRY (%s) must exceed LOGIN_IDENTIFIER_SCALE (%s)", c.CounterExpiry, c.LoginIdentifierScale)
	}

	if c.TableName == "" {
		return fmt.Errorf("TABLE_NAME is required")
	}

	if c.NetworkDefaultAction != "allow" && c.NetworkDefaultAction != "deny" {
		return fmt.Errorf("NETWORK_DEFAULT_ACTION must be allow or deny; got %q", c.NetworkDefaultAction)
	}

	switch c.StoreBackend {
	case BackendBbolt:
		if c.DataDir == "" {
			return fmt.Errorf("DATA_DIR is required for the bbolt backend")
		}
	case BackendMemory:
	case BackendRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR is required for the redis backend")
		}
		if c.RedisDB < 0 {
			return fmt.Errorf("REDIS_DB must be >= 0; got %d", c.RedisDB)
		}
	default:
		return fmt.Errorf("STORE_BACKEND must be bbolt, memory, or redis; got %q", c.StoreBackend)
	}

	if c.CrowdSecEnabled {
		if c.CrowdSecLAPIKey == "" {
			return fmt.Errorf("CROWDSEC_LAPI_KEY is required when CROWDSEC_ENABLED is true")
		}
		if !strings.HasPrefix(c.CrowdSecLAPIURL, "http://") && !strings.HasPrefix(c.CrowdSecLAPIURL, "https://") {
			return fmt.Errorf("CROWDSEC_LAPI_URL must start with http:// or https://; got %q", c.CrowdSecLAPIURL)
		}
		if c.CrowdSecPollInterval <= 0 {
			return fmt.Errorf("CROWDSEC_POLL_INTERVAL must be > 0; got %s", c.CrowdSecPollInterval)
		}
	}

	if _, err := netaddr.ParseWhitelist(c.BlockWhitelist); err != nil {
		return fmt.Errorf("BLOCK_WHITELIST: %w", err)
	}
	if c.BlockMinDuration < 0 {
		return fmt.Errorf("BLOCK_MIN_DURATION must be >= 0; got %s", c.BlockMinDuration)
	}

	if c.LAPIMetricsPushInterval < 0 {
		return fmt.Errorf("LAPI_METRICS_PUSH_INTERVAL must be >= 0; got %s", c.LAPIMetricsPushInterval)
	}

	if c.PoolWorkers < 1 || c.PoolWorkers > 64 {
		return fmt.Errorf("POOL_WORKERS must be 1-64; got %d", c.PoolWorkers)
	}
	if c.PoolQueueDepth < 1 {
		return fmt.Errorf("POOL_QUEUE_DEPTH must be >= 1; got %d", c.PoolQueueDepth)
	}
	if c.PoolMaxRetries < 0 {
		return fmt.Errorf("POOL_MAX_RETRIES must be >= 0; got %d", c.PoolMaxRetries)
	}

	validLogLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn":  true, "error": true, "fatal": true, "panic": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of trace,debug,info,warn,error,fatal,panic; got %q", c.LogLevel)
	}

	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("LOG_FORMAT must be json or text; got %q", c.LogFormat)
	}

	if c.APIAddr == "" {
		return fmt.Errorf("API_ADDR is required")
	}

	return nil
}

// fileSecretKeys may be supplied as <KEY>_FILE pointing at a mounted secret.
var fileSecretKeys = []string{
	"crowdsec_lapi_key",
	"redis_password",
}

func injectFileSecrets(k *koanf.Koanf) error {
	for _, key := range fileSecretKeys {
		fileKey := key + "_file"
		filePath := k.String(fileKey)
		if filePath == "" {
			filePath = os.Getenv(strings.ToUpper(key) + "_FILE")
		}
		if filePath == "" {
			continue
		}
		filePath = stripEnvQuotes(filePath)
		content, err := os.ReadFile(filePath)
		if err != nil {
			return fmt.Errorf("reading secret file for %s (%s): %w", key, filePath, err)
		}
		if err := k.Set(key, strings.TrimSpace(string(content))); err != nil {
			return fmt.Errorf("setting %s from file: %w", key, err)
		}
	}
	return nil
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

// rawProvider implements koanf.Provider for a map[string]interface{}.
type rawProvider struct {
	data map[string]interface{}
}

// Read returns the config map directly (no Parser needed).
func (r *rawProvider) Read() (map[string]interface{}, error) {
	return r.data, nil
}

// ReadBytes is not used by rawProvider; koanf calls Read() when no Parser is given.
func (r *rawProvider) ReadBytes() ([]byte, error) {
	return nil, fmt.Errorf("rawProvider does not support ReadBytes")
}
