// Package config provides configuration management for the Osiris Hive.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all Hive configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Redis      RedisConfig      `yaml:"redis"`
	Agents     AgentConfig      `yaml:"agents"`
	Intel      IntelConfig      `yaml:"threat_intel"`
	Detection  DetectionConfig  `yaml:"detection"`
	Risk       RiskConfig       `yaml:"risk"`
	Playbooks  PlaybookConfig   `yaml:"playbooks"`
	Federation FederationConfig `yaml:"federation"`
	Notify     NotifyConfig     `yaml:"notifications"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr        string `yaml:"addr"`
	PasswordEnv string `yaml:"password_env"`
	DB          int    `yaml:"db"`
	PoolSize    int    `yaml:"pool_size"`
}

// AgentConfig holds agent control channel settings.
type AgentConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	MaxQueueDepth     int           `yaml:"max_queue_depth"`
}

// FeedConfig describes one threat intelligence feed.
type FeedConfig struct {
	URL         string `yaml:"url"`
	Type        string `yaml:"type"` // ip, hash, url
	Description string `yaml:"description"`
}

// IntelConfig holds threat intel settings.
type IntelConfig struct {
	Feeds          map[string]FeedConfig `yaml:"feeds"`
	UpdateInterval time.Duration         `yaml:"update_interval"`
	FetchTimeout   time.Duration         `yaml:"fetch_timeout"`
	VirusTotal     VirusTotalConfig      `yaml:"virustotal"`
}

// VirusTotalConfig holds VirusTotal hash reputation settings.
type VirusTotalConfig struct {
	Enabled   bool          `yaml:"enabled"`
	APIKeyEnv string        `yaml:"api_key_env"`
	BaseURL   string        `yaml:"base_url"`
	Timeout   time.Duration `yaml:"timeout"`
	RateLimit int           `yaml:"rate_limit"` // requests per minute; free tier: 4
}

// DetectionConfig holds detection engine settings.
type DetectionConfig struct {
	RulesPath string `yaml:"rules_path"`
	Product   string `yaml:"product"` // logsource product emitted by agents
}

// RiskConfig holds risk accumulator settings.
type RiskConfig struct {
	DecayFactor       float64       `yaml:"decay_factor"`
	CriticalThreshold int           `yaml:"critical_threshold"`
	HighThreshold     int           `yaml:"high_threshold"`
	ScoreTTL          time.Duration `yaml:"score_ttl"`
}

// PlaybookConfig holds playbook engine settings.
type PlaybookConfig struct {
	Path   string `yaml:"path"`
	DryRun bool   `yaml:"dry_run"`
}

// NodeConfig describes one federated Hive node.
type NodeConfig struct {
	ID      string `yaml:"id"`
	BaseURL string `yaml:"base_url"`
}

// FederationConfig holds federated query settings.
type FederationConfig struct {
	Nodes        []NodeConfig  `yaml:"nodes"`
	QueryTimeout time.Duration `yaml:"query_timeout"`
	ResultTTL    time.Duration `yaml:"result_ttl"`
	MaxQueryAge  time.Duration `yaml:"max_query_age"`
}

// NotifyConfig holds notification channel settings: channel name to
// webhook URL.
type NotifyConfig struct {
	Webhooks map[string]string `yaml:"webhooks"`
}

// RateLimitConfig holds API rate limit settings.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
}

// TelemetryConfig holds logging and metrics settings.
type TelemetryConfig struct {
	ServiceName    string `yaml:"service_name"`
	LogLevel       string `yaml:"log_level"`  // debug, info, warn, error
	LogFormat      string `yaml:"log_format"` // json, console
	MetricsEnabled bool   `yaml:"metrics_enabled"`
}

// Load reads configuration from a YAML file over defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8443,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Redis: RedisConfig{
			Addr:        "localhost:6379",
			PasswordEnv: "HIVE_REDIS_PASSWORD",
			DB:          0,
			PoolSize:    10,
		},
		Agents: AgentConfig{
			HeartbeatInterval: 5 * time.Second,
			WriteTimeout:      5 * time.Second,
			MaxQueueDepth:     256,
		},
		Intel: IntelConfig{
			Feeds: map[string]FeedConfig{
				"feodo": {
					URL:         "https://feodotracker.abuse.ch/downloads/ipblocklist.txt",
					Type:        "ip",
					Description: "Feodo Tracker C2 IPs",
				},
				"malware_bazaar": {
					URL:         "https://bazaar.abuse.ch/export/txt/recent/",
					Type:        "hash",
					Description: "MalwareBazaar recent hashes",
				},
				"urlhaus": {
					URL:         "https://urlhaus.abuse.ch/downloads/text/",
					Type:        "url",
					Description: "URLhaus malicious URLs",
				},
			},
			UpdateInterval: 1 * time.Hour,
			FetchTimeout:   30 * time.Second,
			VirusTotal: VirusTotalConfig{
				Enabled:   false,
				APIKeyEnv: "VIRUSTOTAL_API_KEY",
				BaseURL:   "https://www.virustotal.com/vtapi/v2",
				Timeout:   30 * time.Second,
				RateLimit: 4,
			},
		},
		Detection: DetectionConfig{
			RulesPath: "rules",
			Product:   "osiris",
		},
		Risk: RiskConfig{
			DecayFactor:       0.95,
			CriticalThreshold: 100,
			HighThreshold:     70,
			ScoreTTL:          24 * time.Hour,
		},
		Playbooks: PlaybookConfig{
			Path:   "playbooks",
			DryRun: false,
		},
		Federation: FederationConfig{
			QueryTimeout: 30 * time.Second,
			ResultTTL:    1 * time.Hour,
			MaxQueryAge:  24 * time.Hour,
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerMinute: 120,
		},
		Telemetry: TelemetryConfig{
			ServiceName:    "osiris-hive",
			LogLevel:       "info",
			LogFormat:      "json",
			MetricsEnabled: true,
		},
	}
}
