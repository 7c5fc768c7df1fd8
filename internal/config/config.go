// Package config resolves ingestd's runtime configuration.
// Resolution order per field (first non-empty/non-zero value wins):
//  1. CLI flag (e.g. --assessor-api-key)
//  2. Prefixed environment variable (PHOENIX_REI_ASSESSOR_API_KEY)
//  3. Unprefixed environment variable (ASSESSOR_API_KEY), for drop-in
//     compatibility with deployments that set the bare variable name.
//  4. config.json in the current working directory
//  5. Built-in default
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultConfigFile   = "config.json"
	DefaultMongoURI     = "mongodb://localhost:27017"
	DefaultDatabaseName = "phoenix_real_estate"
	DefaultAssessorURL  = "https://api.assessor.maricopa.gov/v1/"
	DefaultOllamaURL    = "http://localhost:11434"
	DefaultOllamaModel  = "llama3"
	DefaultTimeout      = 30 * time.Second
	DefaultMaxConns     = 20
	DefaultMaxPerHost   = 8
	DefaultRate         = 5.0
	DefaultQueueCap     = 200
	DefaultWorkers      = 8
	DefaultServicePort  = 8080
	DefaultDBPath       = ".phoenix-rei/state.db" // sessions + DLQ bbolt files live under this dir

	DefaultSessionMaxAge           = 6 * time.Hour
	DefaultProxyFailThreshold      = 3
	DefaultProxyBanThreshold       = 10
	DefaultProxyCooldown           = 15 * time.Minute
	DefaultBreakerFailureThreshold = 5
	DefaultBreakerWindow           = time.Minute
	DefaultBreakerCooldown         = 30 * time.Second
	DefaultBatchSize               = 25
	DefaultMaxConcurrent           = 4
	DefaultItemTimeout             = 20 * time.Second
	DefaultCacheMaxEntries         = 5000
	DefaultCacheTTL                = 24 * time.Hour

	envPrefix = "PHOENIX_REI_"
)

// File is the on-disk representation of config.json.
type File struct {
	MongoURI        string   `json:"mongo_uri"`
	DatabaseName    string   `json:"database_name"`
	AssessorAPIKey  string   `json:"assessor_api_key"`
	AssessorBaseURL string   `json:"assessor_base_url"`
	OllamaServerURL string   `json:"ollama_server_url"`
	OllamaModel     string   `json:"ollama_model"`
	Zipcodes        []string `json:"zipcodes"`
	Timeout         string   `json:"timeout"`
	Rate            float64  `json:"rate"`
	MaxConns        int      `json:"max_conns"`
	MaxPerHost      int      `json:"max_per_host"`
	QueueCapacity   int      `json:"queue_capacity"`
	Workers         int      `json:"workers"`
	ServicePort     int      `json:"service_port"`
	DBPath          string   `json:"db_path"`

	ProxyAddresses          []string `json:"proxy_addresses"`
	ProxyFailThreshold      int      `json:"proxy_fail_threshold"`
	ProxyBanThreshold       int      `json:"proxy_ban_threshold"`
	ProxyCooldown           string   `json:"proxy_cooldown"`
	SessionMaxAge           string   `json:"session_max_age"`
	BreakerFailureThreshold int      `json:"breaker_failure_threshold"`
	BreakerWindow           string   `json:"breaker_window"`
	BreakerCooldown         string   `json:"breaker_cooldown"`
	BatchSize               int      `json:"batch_size"`
	MaxConcurrent           int      `json:"max_concurrent"`
	ItemTimeout             string   `json:"item_timeout"`
	CacheMaxEntries         int      `json:"cache_max_entries"`
	CacheTTL                string   `json:"cache_ttl"`
}

// Flags holds the subset of fields a CLI invocation may override.
type Flags struct {
	AssessorAPIKey string
	MongoURI       string
	ServicePort    int
}

// Config is the fully-resolved runtime configuration every component
// constructor takes a slice of.
type Config struct {
	MongoURI        string
	DatabaseName    string
	AssessorAPIKey  string
	AssessorBaseURL string
	OllamaServerURL string
	OllamaModel     string
	Zipcodes        []string
	Timeout         time.Duration
	Rate            float64
	MaxConns        int
	MaxPerHost      int
	QueueCapacity   int
	Workers         int
	ServicePort     int
	DBPath          string
	ConfigPath      string // path of the config.json that was loaded (empty if none found)

	ProxyAddresses          []string
	ProxyFailThreshold      int
	ProxyBanThreshold       int
	ProxyCooldown           time.Duration
	SessionMaxAge           time.Duration
	BreakerFailureThreshold int
	BreakerWindow           time.Duration
	BreakerCooldown         time.Duration
	BatchSize               int
	MaxConcurrent           int
	ItemTimeout             time.Duration
	CacheMaxEntries         int
	CacheTTL                time.Duration

	Debug bool
}

// SessionPath is where the session cookie jar bbolt file lives,
// alongside the dead-letter queue under DBPath's directory.
func (c *Config) SessionPath() string {
	return c.DBPath + ".sessions"
}

// DLQPath is where the dead-letter queue bbolt file lives.
func (c *Config) DLQPath() string {
	return c.DBPath + ".dlq"
}

// Load resolves configuration from every source, highest priority
// last-applied.
func Load(flags Flags) (*Config, error) {
	cfg := &Config{
		MongoURI:        DefaultMongoURI,
		DatabaseName:    DefaultDatabaseName,
		AssessorBaseURL: DefaultAssessorURL,
		OllamaServerURL: DefaultOllamaURL,
		OllamaModel:     DefaultOllamaModel,
		Timeout:         DefaultTimeout,
		Rate:            DefaultRate,
		MaxConns:        DefaultMaxConns,
		MaxPerHost:      DefaultMaxPerHost,
		QueueCapacity:   DefaultQueueCap,
		Workers:         DefaultWorkers,
		ServicePort:     DefaultServicePort,
		DBPath:          DefaultDBPath,
		ProxyFailThreshold: DefaultProxyFailThreshold,
		ProxyBanThreshold:  DefaultProxyBanThreshold,
		ProxyCooldown:      DefaultProxyCooldown,
		SessionMaxAge:      DefaultSessionMaxAge,
		BreakerFailureThreshold: DefaultBreakerFailureThreshold,
		BreakerWindow:           DefaultBreakerWindow,
		BreakerCooldown:         DefaultBreakerCooldown,
		BatchSize:          DefaultBatchSize,
		MaxConcurrent:      DefaultMaxConcurrent,
		ItemTimeout:        DefaultItemTimeout,
		CacheMaxEntries:    DefaultCacheMaxEntries,
		CacheTTL:           DefaultCacheTTL,
	}

	if f, path, err := loadFile(); err == nil {
		applyFile(cfg, f, path)
	}

	applyEnv(cfg)

	if flags.AssessorAPIKey != "" {
		cfg.AssessorAPIKey = flags.AssessorAPIKey
	}
	if flags.MongoURI != "" {
		cfg.MongoURI = flags.MongoURI
	}
	if flags.ServicePort != 0 {
		cfg.ServicePort = flags.ServicePort
	}

	if home, err := os.UserHomeDir(); err == nil && cfg.DBPath == DefaultDBPath {
		cfg.DBPath = filepath.Join(home, DefaultDBPath)
	}

	return cfg, nil
}

// Validate returns an error describing every required field that is
// still missing after resolution.
func (c *Config) Validate() error {
	var missing []string
	if c.AssessorAPIKey == "" {
		missing = append(missing, "assessor_api_key")
	}
	if c.MongoURI == "" {
		missing = append(missing, "mongo_uri")
	}
	if len(c.Zipcodes) == 0 {
		missing = append(missing, "zipcodes")
	}
	if len(missing) > 0 {
		return fmt.Errorf(
			"configuration incomplete, missing: %s\n\n"+
				"Set each one of:\n"+
				"  1. CLI flag, e.g. --assessor-api-key YOUR_KEY\n"+
				"  2. Environment: %sASSESSOR_API_KEY=YOUR_KEY (or ASSESSOR_API_KEY)\n"+
				"  3. config.json: {\"assessor_api_key\": \"YOUR_KEY\"}",
			strings.Join(missing, ", "), envPrefix)
	}
	return nil
}

// RedactedAPIKey returns the assessor API key with most characters
// replaced by asterisks, safe for logging and display.
func (c *Config) RedactedAPIKey() string {
	return redact(c.AssessorAPIKey)
}

func redact(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return key[:2] + "****" + key[len(key)-2:]
}

func loadFile() (*File, string, error) {
	path, err := filepath.Abs(DefaultConfigFile)
	if err != nil {
		return nil, "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, "", fmt.Errorf("config.json not found at %s", path)
		}
		return nil, "", fmt.Errorf("reading config.json: %w", err)
	}
	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, "", fmt.Errorf("parsing config.json: %w", err)
	}
	return &f, path, nil
}

func applyFile(cfg *Config, f *File, path string) {
	cfg.ConfigPath = path
	if f.MongoURI != "" {
		cfg.MongoURI = f.MongoURI
	}
	if f.DatabaseName != "" {
		cfg.DatabaseName = f.DatabaseName
	}
	if f.AssessorAPIKey != "" {
		cfg.AssessorAPIKey = f.AssessorAPIKey
	}
	if f.AssessorBaseURL != "" {
		cfg.AssessorBaseURL = f.AssessorBaseURL
	}
	if f.OllamaServerURL != "" {
		cfg.OllamaServerURL = f.OllamaServerURL
	}
	if f.OllamaModel != "" {
		cfg.OllamaModel = f.OllamaModel
	}
	if len(f.Zipcodes) > 0 {
		cfg.Zipcodes = f.Zipcodes
	}
	if f.Timeout != "" {
		if d, err := time.ParseDuration(f.Timeout); err == nil {
			cfg.Timeout = d
		}
	}
	if f.Rate > 0 {
		cfg.Rate = f.Rate
	}
	if f.MaxConns > 0 {
		cfg.MaxConns = f.MaxConns
	}
	if f.MaxPerHost > 0 {
		cfg.MaxPerHost = f.MaxPerHost
	}
	if f.QueueCapacity > 0 {
		cfg.QueueCapacity = f.QueueCapacity
	}
	if f.Workers > 0 {
		cfg.Workers = f.Workers
	}
	if f.ServicePort > 0 {
		cfg.ServicePort = f.ServicePort
	}
	if f.DBPath != "" {
		cfg.DBPath = f.DBPath
	}
	if len(f.ProxyAddresses) > 0 {
		cfg.ProxyAddresses = f.ProxyAddresses
	}
	if f.ProxyFailThreshold > 0 {
		cfg.ProxyFailThreshold = f.ProxyFailThreshold
	}
	if f.ProxyBanThreshold > 0 {
		cfg.ProxyBanThreshold = f.ProxyBanThreshold
	}
	if d, err := time.ParseDuration(f.ProxyCooldown); err == nil {
		cfg.ProxyCooldown = d
	}
	if d, err := time.ParseDuration(f.SessionMaxAge); err == nil {
		cfg.SessionMaxAge = d
	}
	if f.BreakerFailureThreshold > 0 {
		cfg.BreakerFailureThreshold = f.BreakerFailureThreshold
	}
	if d, err := time.ParseDuration(f.BreakerWindow); err == nil {
		cfg.BreakerWindow = d
	}
	if d, err := time.ParseDuration(f.BreakerCooldown); err == nil {
		cfg.BreakerCooldown = d
	}
	if f.BatchSize > 0 {
		cfg.BatchSize = f.BatchSize
	}
	if f.MaxConcurrent > 0 {
		cfg.MaxConcurrent = f.MaxConcurrent
	}
	if d, err := time.ParseDuration(f.ItemTimeout); err == nil {
		cfg.ItemTimeout = d
	}
	if f.CacheMaxEntries > 0 {
		cfg.CacheMaxEntries = f.CacheMaxEntries
	}
	if d, err := time.ParseDuration(f.CacheTTL); err == nil {
		cfg.CacheTTL = d
	}
}

// envVar reads the prefixed variant first, falling back to the bare
// name so deployments that already export e.g. MONGO_URI keep
// working without the PHOENIX_REI_ prefix.
func envVar(name string) string {
	if v := os.Getenv(envPrefix + name); v != "" {
		return v
	}
	return os.Getenv(name)
}

func applyEnv(cfg *Config) {
	if v := envVar("MONGO_URI"); v != "" {
		cfg.MongoURI = v
	}
	if v := envVar("DATABASE_NAME"); v != "" {
		cfg.DatabaseName = v
	}
	if v := envVar("ASSESSOR_API_KEY"); v != "" {
		cfg.AssessorAPIKey = v
	}
	if v := envVar("ASSESSOR_BASE_URL"); v != "" {
		cfg.AssessorBaseURL = v
	}
	if v := envVar("OLLAMA_SERVER_URL"); v != "" {
		cfg.OllamaServerURL = v
	}
	if v := envVar("OLLAMA_MODEL"); v != "" {
		cfg.OllamaModel = v
	}
	if v := envVar("ZIPCODES"); v != "" {
		cfg.Zipcodes = strings.Split(v, ",")
	}
	if v := envVar("TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Timeout = d
		}
	}
	if v := envVar("DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := envVar("SERVICE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.ServicePort = port
		}
	}
	if v := envVar("DEBUG"); v != "" {
		cfg.Debug = v == "1" || strings.EqualFold(v, "true")
	}
}

// Template returns a File populated with sensible defaults, suitable
// for writing an initial config.json.
func Template() File {
	return File{
		DatabaseName:    DefaultDatabaseName,
		AssessorBaseURL: DefaultAssessorURL,
		OllamaServerURL: DefaultOllamaURL,
		OllamaModel:     DefaultOllamaModel,
		Timeout:         "30s",
		Rate:            DefaultRate,
		MaxConns:        DefaultMaxConns,
		MaxPerHost:      DefaultMaxPerHost,
		QueueCapacity:   DefaultQueueCap,
		Workers:         DefaultWorkers,
		ServicePort:     DefaultServicePort,
	}
}

// WriteFile serializes a File to path with owner-only permissions,
// since it may carry credentials.
func WriteFile(path string, f File) error {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	return os.WriteFile(path, append(data, '\n'), 0600)
}
