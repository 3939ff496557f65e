package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"
)

// Config holds all application configuration values for the streaming gateway.
// It covers the HTTP surface, the channel catalog database, upstream fetch
// behavior, and the timing knobs that drive admission, caching, and cleanup.
type Config struct {
	BaseURL             string        `json:"baseURL"`             // Base URL for rewritten segment/manifest links
	ListenPort          int           `json:"listenPort"`          // HTTP listen port
	DatabasePath        string        `json:"databasePath"`        // Path to the catalog SQLite database
	Debug               bool          `json:"debug"`               // Enable debug logging
	ObfuscateUrls       bool          `json:"obfuscateUrls"`       // Obfuscate upstream URLs in logs
	UserAgent           string        `json:"userAgent"`           // HTTP User-Agent for upstream requests
	ReqOrigin           string        `json:"reqOrigin"`           // HTTP Origin header for upstream requests
	ReqReferrer         string        `json:"reqReferrer"`         // HTTP Referer header for upstream requests
	WorkerThreads       int           `json:"workerThreads"`       // Worker pool size for background sweeps and probes
	MaxConnectionsToApp int           `json:"maxConnectionsToApp"` // Maximum concurrent client connections to the gateway

	InteractiveFreshness time.Duration `json:"interactiveFreshness"` // Manifest cache window for interactive clients
	CastingFreshness     time.Duration `json:"castingFreshness"`     // Manifest cache window for casting devices
	TokenLifetime        time.Duration `json:"tokenLifetime"`        // Access token sliding-expiration window
	HeartbeatTimeout     time.Duration `json:"heartbeatTimeout"`     // Session reclaimed after this much heartbeat silence
	ManifestIdleTimeout  time.Duration `json:"manifestIdleTimeout"`  // Manifest cache entry dropped after this idle period
	CleanupInterval      time.Duration `json:"cleanupInterval"`      // Cleanup scheduler tick interval
	UpstreamTimeout      time.Duration `json:"upstreamTimeout"`      // Timeout for a single upstream manifest fetch
	SegmentTimeout       time.Duration `json:"segmentTimeout"`       // Timeout for a single upstream segment fetch
	SegmentRetryDelay    time.Duration `json:"segmentRetryDelay"`    // Fixed delay between segment fetch retries
	SegmentRetries       int           `json:"segmentRetries"`       // Segment fetch retries after the initial attempt
	FailoverMaxAttempts  int           `json:"failoverMaxAttempts"`  // Maximum backup channels tried per failover
	ProviderHealthTTL    time.Duration `json:"providerHealthTTL"`    // How long a provider health verdict is remembered
	ProviderFailureLimit int           `json:"providerFailureLimit"` // Consecutive failures before a provider is flagged unhealthy
}

// ConfigFile mirrors Config for JSON (un)marshaling. Duration fields are
// stored as strings (e.g. "12s") and parsed into time.Duration values.
type ConfigFile struct {
	BaseURL             string `json:"baseURL"`
	ListenPort          int    `json:"listenPort"`
	DatabasePath        string `json:"databasePath"`
	Debug               bool   `json:"debug"`
	ObfuscateUrls       bool   `json:"obfuscateUrls"`
	UserAgent           string `json:"userAgent"`
	ReqOrigin           string `json:"reqOrigin"`
	ReqReferrer         string `json:"reqReferrer"`
	WorkerThreads       int    `json:"workerThreads"`
	MaxConnectionsToApp int    `json:"maxConnectionsToApp"`

	InteractiveFreshness string `json:"interactiveFreshness"`
	CastingFreshness     string `json:"castingFreshness"`
	TokenLifetime        string `json:"tokenLifetime"`
	HeartbeatTimeout     string `json:"heartbeatTimeout"`
	ManifestIdleTimeout  string `json:"manifestIdleTimeout"`
	CleanupInterval      string `json:"cleanupInterval"`
	UpstreamTimeout      string `json:"upstreamTimeout"`
	SegmentTimeout       string `json:"segmentTimeout"`
	SegmentRetryDelay    string `json:"segmentRetryDelay"`
	SegmentRetries       int    `json:"segmentRetries"`
	FailoverMaxAttempts  int    `json:"failoverMaxAttempts"`
	ProviderHealthTTL    string `json:"providerHealthTTL"`
	ProviderFailureLimit int    `json:"providerFailureLimit"`
}

var (
	configCache *Config      // Cached configuration instance (singleton)
	configMutex sync.RWMutex // Mutex for safe concurrent access to configCache
)

// LoadConfig loads the configuration from file or returns the cached instance.
//
// Process:
//   - Uses double-checked locking to avoid redundant reloads.
//   - Attempts to load from `/settings/config.json`.
//   - Falls back to default config if the file is missing or invalid.
//   - Runs validation to ensure safe defaults.
func LoadConfig() *Config {
	configMutex.RLock()
	if configCache != nil {
		defer configMutex.RUnlock()
		return configCache
	}
	configMutex.RUnlock()

	configMutex.Lock()
	defer configMutex.Unlock()

	// Double-check under write lock
	if configCache != nil {
		return configCache
	}

	configPath := "/settings/config.json"
	config, err := loadFromFile(configPath)
	if err != nil {
		log.Printf("Failed to load config from %s: %v", configPath, err)
		log.Printf("Falling back to default configuration...")
		config = Default()
	}

	validateAndSetDefaults(config)
	configCache = config

	if config.Debug {
		log.Printf("Configuration loaded:")
		log.Printf("  Base URL: %s", config.BaseURL)
		log.Printf("  Database: %s", config.DatabasePath)
		log.Printf("  Freshness: interactive=%s casting=%s", config.InteractiveFreshness, config.CastingFreshness)
		log.Printf("  Token lifetime: %s", config.TokenLifetime)
	}

	return config
}

// loadFromFile reads and parses the configuration from a JSON file.
func loadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var configFile ConfigFile
	if err := json.Unmarshal(data, &configFile); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	return convertFromFile(&configFile)
}

// convertFromFile converts a ConfigFile to Config, parsing duration strings.
func convertFromFile(cf *ConfigFile) (*Config, error) {
	config := &Config{
		BaseURL:              cf.BaseURL,
		ListenPort:           cf.ListenPort,
		DatabasePath:         cf.DatabasePath,
		Debug:                cf.Debug,
		ObfuscateUrls:        cf.ObfuscateUrls,
		UserAgent:            cf.UserAgent,
		ReqOrigin:            cf.ReqOrigin,
		ReqReferrer:          cf.ReqReferrer,
		WorkerThreads:        cf.WorkerThreads,
		MaxConnectionsToApp:  cf.MaxConnectionsToApp,
		SegmentRetries:       cf.SegmentRetries,
		FailoverMaxAttempts:  cf.FailoverMaxAttempts,
		ProviderFailureLimit: cf.ProviderFailureLimit,
	}

	durations := []struct {
		name  string
		value string
		dst   *time.Duration
	}{
		{"interactiveFreshness", cf.InteractiveFreshness, &config.InteractiveFreshness},
		{"castingFreshness", cf.CastingFreshness, &config.CastingFreshness},
		{"tokenLifetime", cf.TokenLifetime, &config.TokenLifetime},
		{"heartbeatTimeout", cf.HeartbeatTimeout, &config.HeartbeatTimeout},
		{"manifestIdleTimeout", cf.ManifestIdleTimeout, &config.ManifestIdleTimeout},
		{"cleanupInterval", cf.CleanupInterval, &config.CleanupInterval},
		{"upstreamTimeout", cf.UpstreamTimeout, &config.UpstreamTimeout},
		{"segmentTimeout", cf.SegmentTimeout, &config.SegmentTimeout},
		{"segmentRetryDelay", cf.SegmentRetryDelay, &config.SegmentRetryDelay},
		{"providerHealthTTL", cf.ProviderHealthTTL, &config.ProviderHealthTTL},
	}

	for _, d := range durations {
		if d.value == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.value)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", d.name, err)
		}
		*d.dst = parsed
	}

	return config, nil
}

// Default returns a baseline configuration with sensible defaults
// for when no config file is present.
func Default() *Config {
	return &Config{
		BaseURL:              "http://localhost:8080",
		ListenPort:           8080,
		DatabasePath:         "/settings/catalog.db",
		Debug:                false,
		ObfuscateUrls:        false,
		UserAgent:            "VLC/3.0.18 LibVLC/3.0.18",
		WorkerThreads:        8,
		MaxConnectionsToApp:  100,
		InteractiveFreshness: 3 * time.Second,
		CastingFreshness:     12 * time.Second,
		TokenLifetime:        time.Hour,
		HeartbeatTimeout:     30 * time.Second,
		ManifestIdleTimeout:  30 * time.Second,
		CleanupInterval:      10 * time.Second,
		UpstreamTimeout:      10 * time.Second,
		SegmentTimeout:       10 * time.Second,
		SegmentRetryDelay:    500 * time.Millisecond,
		SegmentRetries:       2,
		FailoverMaxAttempts:  3,
		ProviderHealthTTL:    30 * time.Second,
		ProviderFailureLimit: 3,
	}
}

// validateAndSetDefaults ensures all config values are valid,
// filling in defaults for missing/invalid ones.
func validateAndSetDefaults(config *Config) {
	def := Default()

	if config.BaseURL == "" {
		config.BaseURL = def.BaseURL
	}
	if config.ListenPort <= 0 {
		config.ListenPort = def.ListenPort
	}
	if config.DatabasePath == "" {
		config.DatabasePath = def.DatabasePath
	}
	if config.UserAgent == "" {
		config.UserAgent = def.UserAgent
	}
	if config.WorkerThreads <= 0 {
		config.WorkerThreads = def.WorkerThreads
	}
	if config.MaxConnectionsToApp <= 0 {
		config.MaxConnectionsToApp = def.MaxConnectionsToApp
	}
	if config.InteractiveFreshness <= 0 {
		config.InteractiveFreshness = def.InteractiveFreshness
	}
	if config.CastingFreshness <= 0 {
		config.CastingFreshness = def.CastingFreshness
	}
	if config.TokenLifetime <= 0 {
		config.TokenLifetime = def.TokenLifetime
	}
	if config.HeartbeatTimeout <= 0 {
		config.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if config.ManifestIdleTimeout <= 0 {
		config.ManifestIdleTimeout = def.ManifestIdleTimeout
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = def.CleanupInterval
	}
	if config.UpstreamTimeout <= 0 {
		config.UpstreamTimeout = def.UpstreamTimeout
	}
	if config.SegmentTimeout <= 0 {
		config.SegmentTimeout = def.SegmentTimeout
	}
	if config.SegmentRetryDelay <= 0 {
		config.SegmentRetryDelay = def.SegmentRetryDelay
	}
	if config.SegmentRetries <= 0 {
		config.SegmentRetries = def.SegmentRetries
	}
	if config.FailoverMaxAttempts <= 0 {
		config.FailoverMaxAttempts = def.FailoverMaxAttempts
	}
	if config.ProviderHealthTTL <= 0 {
		config.ProviderHealthTTL = def.ProviderHealthTTL
	}
	if config.ProviderFailureLimit <= 0 {
		config.ProviderFailureLimit = def.ProviderFailureLimit
	}
}

// CreateExampleConfig writes an example config file to disk.
func CreateExampleConfig(path string) error {
	example := ConfigFile{
		BaseURL:              "http://localhost:8080",
		ListenPort:           8080,
		DatabasePath:         "/settings/catalog.db",
		Debug:                false,
		ObfuscateUrls:        true,
		UserAgent:            "VLC/3.0.18 LibVLC/3.0.18",
		ReqOrigin:            "",
		ReqReferrer:          "",
		WorkerThreads:        8,
		MaxConnectionsToApp:  100,
		InteractiveFreshness: "3s",
		CastingFreshness:     "12s",
		TokenLifetime:        "1h",
		HeartbeatTimeout:     "30s",
		ManifestIdleTimeout:  "30s",
		CleanupInterval:      "10s",
		UpstreamTimeout:      "10s",
		SegmentTimeout:       "10s",
		SegmentRetryDelay:    "500ms",
		SegmentRetries:       2,
		FailoverMaxAttempts:  3,
		ProviderHealthTTL:    "30s",
		ProviderFailureLimit: 3,
	}

	data, err := json.MarshalIndent(example, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// ClearConfigCache resets the configCache to nil.
// Forces a reload on the next LoadConfig() call.
func ClearConfigCache() {
	configMutex.Lock()
	defer configMutex.Unlock()
	configCache = nil
}
