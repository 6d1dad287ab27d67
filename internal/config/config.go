// Package config loads the regsync configuration from flags, environment
// variables (prefix REGSYNC_) and an optional config file.
package config

import (
	"strings"
	"time"

	"emperror.dev/errors"
	"github.com/spf13/viper"
)

const EnvPrefix = "REGSYNC"

type Config struct {
	Listen  string `mapstructure:"listen"`
	BaseURL string `mapstructure:"base_url"`

	Backend                   string `mapstructure:"backend"`
	Tokens                    string `mapstructure:"tokens"`
	NotificationQueue         string `mapstructure:"notification_queue"`
	NotificationQueueCapacity int    `mapstructure:"notification_queue_capacity"`

	PageSize         int           `mapstructure:"page_size"`
	TokenTTL         time.Duration `mapstructure:"token_ttl"`
	MetadataPrefixes []string      `mapstructure:"metadata_prefixes"`

	RegistriesFile     string        `mapstructure:"registries_file"`
	HarvestInterval    time.Duration `mapstructure:"harvest_interval"`
	HarvestConcurrency int           `mapstructure:"harvest_concurrency"`
	HarvestMaxPages    int           `mapstructure:"harvest_max_pages"`
	HarvestTimeout     time.Duration `mapstructure:"harvest_timeout"`
	TokenPurgeInterval time.Duration `mapstructure:"token_purge_interval"`
	OperationRetention time.Duration `mapstructure:"operation_retention"`

	JWTSecret       string        `mapstructure:"jwt_secret"`
	JWTAudience     string        `mapstructure:"jwt_audience"`
	PeerUsername    string        `mapstructure:"peer_username"`
	PeerPassword    string        `mapstructure:"peer_password"`
	RateLimitMax    int           `mapstructure:"rate_limit_max"`
	RateLimitWindow time.Duration `mapstructure:"rate_limit_window"`

	MailRecipients []string `mapstructure:"mail_recipients"`

	Log LogConfig `mapstructure:"log"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// New returns a viper instance with the regsync defaults and environment
// binding in place.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
	return v
}

func SetDefaults(v *viper.Viper) {
	v.SetDefault("listen", ":8080")
	v.SetDefault("base_url", "")
	v.SetDefault("backend", "memory://")
	v.SetDefault("tokens", "")
	v.SetDefault("notification_queue", "memory://")
	v.SetDefault("notification_queue_capacity", 1024)
	v.SetDefault("page_size", 50)
	v.SetDefault("token_ttl", 30*time.Minute)
	v.SetDefault("metadata_prefixes", []string{"oai_dc"})
	v.SetDefault("registries_file", "")
	v.SetDefault("harvest_interval", 5*time.Minute)
	v.SetDefault("harvest_concurrency", 4)
	v.SetDefault("harvest_max_pages", 10000)
	v.SetDefault("harvest_timeout", 30*time.Second)
	v.SetDefault("token_purge_interval", time.Minute)
	v.SetDefault("operation_retention", time.Duration(0))
	v.SetDefault("jwt_secret", "")
	v.SetDefault("jwt_audience", "regsync")
	v.SetDefault("peer_username", "")
	v.SetDefault("peer_password", "")
	v.SetDefault("rate_limit_max", 0)
	v.SetDefault("rate_limit_window", time.Minute)
	v.SetDefault("mail_recipients", []string{})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Load reads path when it is set and decodes the merged settings.
func Load(v *viper.Viper, path string) (Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, errors.WrapIfWithDetails(err, "read config file", "path", path)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, errors.WrapIf(err, "decode config")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.PageSize <= 0 {
		errs = append(errs, errors.NewWithDetails("page_size must be positive", "page_size", c.PageSize))
	}
	if c.TokenTTL <= 0 {
		errs = append(errs, errors.NewWithDetails("token_ttl must be positive", "token_ttl", c.TokenTTL))
	}
	if c.HarvestInterval <= 0 {
		errs = append(errs, errors.NewWithDetails("harvest_interval must be positive", "harvest_interval", c.HarvestInterval))
	}
	if c.HarvestConcurrency <= 0 {
		errs = append(errs, errors.NewWithDetails("harvest_concurrency must be positive", "harvest_concurrency", c.HarvestConcurrency))
	}
	if c.OperationRetention < 0 {
		errs = append(errs, errors.NewWithDetails("operation_retention must not be negative", "operation_retention", c.OperationRetention))
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "console":
	default:
		errs = append(errs, errors.NewWithDetails("log.format must be json or console", "log.format", c.Log.Format))
	}
	return errors.Combine(errs...)
}
