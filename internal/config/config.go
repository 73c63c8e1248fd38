package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const envPrefix = "OLLAMACHAT"

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `mapstructure:"basic_config"`
	Databases   map[string]DatabaseConfig `mapstructure:"databases"`
	Redis       RedisConfig               `mapstructure:"redis"`
	Ollama      OllamaConfig              `mapstructure:"ollama"`
	Providers   map[string]ProviderConfig `mapstructure:"providers"`
	Limits      LimitsConfig              `mapstructure:"limits"`
	Auth        AuthConfig                `mapstructure:"auth"`
}

type BasicConfig struct {
	ServerAddress     string `mapstructure:"server_address"`
	MinWorkers        int    `mapstructure:"min_workers"`
	MaxWorkers        int    `mapstructure:"max_workers"`
	QueueSize         int    `mapstructure:"queue_size"`
	WorkerIdleTimeout int    `mapstructure:"worker_idle_timeout"` // minutes
	FileBaseDir       string `mapstructure:"file_base_dir"`
	AttachmentTTL     int    `mapstructure:"attachment_ttl"` // minutes
	CleanInterval     int    `mapstructure:"clean_interval"` // minutes
	TokenTTL          int    `mapstructure:"token_ttl"`      // hours
	StreamTimeout     int    `mapstructure:"stream_timeout"` // seconds
}

type DatabaseConfig struct {
	DSN      string `mapstructure:"dsn"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"db_name"`
	Params   string `mapstructure:"params"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type OllamaConfig struct {
	BaseURL      string `mapstructure:"base_url"`
	DefaultModel string `mapstructure:"default_model"`
	Timeout      int    `mapstructure:"timeout"` // seconds, non-streaming calls
}

type ProviderConfig struct {
	BaseURL string `mapstructure:"base_url"`
	Model   string `mapstructure:"model"`
}

type LimitsConfig struct {
	GuestMessages     int `mapstructure:"guest_messages"`
	DailyMessages     int `mapstructure:"daily_messages"`
	RequestsPerSecond int `mapstructure:"requests_per_second"`
	MaxUploadMB       int `mapstructure:"max_upload_mb"`
	UserStorageMB     int `mapstructure:"user_storage_mb"`
}

type AuthConfig struct {
	GuestSecret   string `mapstructure:"guest_secret"`
	GuestTokenTTL int    `mapstructure:"guest_token_ttl"` // hours
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("basic_config.server_address", ":8090")
	v.SetDefault("basic_config.min_workers", 1)
	v.SetDefault("basic_config.max_workers", 4)
	v.SetDefault("basic_config.queue_size", 64)
	v.SetDefault("basic_config.worker_idle_timeout", 5)
	v.SetDefault("basic_config.file_base_dir", "./data/uploads")
	v.SetDefault("basic_config.attachment_ttl", 24*60)
	v.SetDefault("basic_config.clean_interval", 60)
	v.SetDefault("basic_config.token_ttl", 24)
	v.SetDefault("basic_config.stream_timeout", 300)
	v.SetDefault("redis.host", "127.0.0.1")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("ollama.base_url", "http://127.0.0.1:11434")
	v.SetDefault("ollama.default_model", "llama3.2")
	v.SetDefault("ollama.timeout", 30)
	v.SetDefault("limits.guest_messages", 10)
	v.SetDefault("limits.daily_messages", 200)
	v.SetDefault("limits.requests_per_second", 20)
	v.SetDefault("limits.max_upload_mb", 10)
	v.SetDefault("limits.user_storage_mb", 50)
	v.SetDefault("auth.guest_token_ttl", 24)
}

// Load reads configuration from the provided path (defaults to config.json).
// Values can be overridden through OLLAMACHAT_* environment variables.
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(absPath)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", absPath, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if len(cfg.Databases) == 0 {
		return nil, fmt.Errorf("at least one database must be configured")
	}
	if db, ok := cfg.Databases["sqlite3"]; ok {
		if db.DSN == "" {
			return nil, fmt.Errorf("sqlite3 dsn must be configured")
		}
		if db.DSN != ":memory:" && !strings.HasPrefix(db.DSN, "file:") && !filepath.IsAbs(db.DSN) {
			db.DSN = filepath.Join(filepath.Dir(absPath), db.DSN)
			cfg.Databases["sqlite3"] = db
		}
	}

	return &cfg, nil
}

// Default returns a configuration populated with defaults only, backed by an
// in-memory sqlite database. Used by tests and tooling.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	cfg.Databases = map[string]DatabaseConfig{"sqlite3": {DSN: ":memory:"}}
	return &cfg
}
