package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig     `mapstructure:"server"`
	Redis     RedisConfig      `mapstructure:"redis"`
	RateLimit RateLimitConfig  `mapstructure:"rate_limit"`
	Cache     CacheConfig      `mapstructure:"cache"`
	Pool      PoolConfig       `mapstructure:"pool"`
	Outbound  OutboundConfig   `mapstructure:"outbound"`
	Providers []ProviderConfig `mapstructure:"providers"`
}

type ServerConfig struct {
	Host           string `mapstructure:"host"`
	AdminPort      int    `mapstructure:"admin_port"`
	MetricsEnabled bool   `mapstructure:"metrics_enabled"`
	LogLevel       string `mapstructure:"log_level"`
}

type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     int           `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TLS      bool          `mapstructure:"tls"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type TierConfig struct {
	Limit  int           `mapstructure:"limit"`
	Window time.Duration `mapstructure:"window"`
	Burst  int           `mapstructure:"burst"`
}

type RateLimitConfig struct {
	Mode string `mapstructure:"mode"`
	// FailurePolicy must be "open" or "closed"; there is no default.
	FailurePolicy string                `mapstructure:"failure_policy"`
	BurstWindow   time.Duration         `mapstructure:"burst_window"`
	Tiers         map[string]TierConfig `mapstructure:"tiers"`
}

type CacheConfig struct {
	LocalTTL        time.Duration `mapstructure:"local_ttl"`
	LocalMaxEntries int           `mapstructure:"local_max_entries"`
	SharedTTL       time.Duration `mapstructure:"shared_ttl"`
}

type PoolConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	MaxAttempts      int           `mapstructure:"max_attempts"`
	ProbeInterval    time.Duration `mapstructure:"probe_interval"`
}

type OutboundConfig struct {
	Timeout            time.Duration `mapstructure:"timeout"`
	InsecureSkipVerify bool          `mapstructure:"insecure_skip_verify"`
	MaxConnsPerHost    int           `mapstructure:"max_conns_per_host"`
	UserAgent          string        `mapstructure:"user_agent"`
}

var globalConfig Config

func Load(configPath string) error {
	if err := loadConfigFile(configPath, "config", &globalConfig); err != nil {
		return fmt.Errorf("could not load main config file: %w", err)
	}
	if err := globalConfig.Validate(); err != nil {
		return err
	}
	return nil
}

func loadConfigFile(configPath, fileName string, out interface{}) error {
	viper.SetConfigName(fileName)
	viper.SetConfigType("yaml")
	viper.AddConfigPath(configPath)
	viper.AddConfigPath("./config")
	viper.AddConfigPath(".")

	viper.SetEnvPrefix("EDGEWARD")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if errors.As(err, &configFileNotFoundError) {
			return fmt.Errorf("config file %s.yaml not found, using only environment variables", fileName)
		}
		return fmt.Errorf("error reading config file %s.yaml: %w", fileName, err)
	}

	if err := viper.Unmarshal(out); err != nil {
		return fmt.Errorf("failed to unmarshal %s config: %w", fileName, err)
	}

	return nil
}

func (c *Config) Validate() error {
	switch c.RateLimit.FailurePolicy {
	case "open", "closed":
	case "":
		return fmt.Errorf("rate_limit.failure_policy is required (\"open\" or \"closed\")")
	default:
		return fmt.Errorf("rate_limit.failure_policy must be \"open\" or \"closed\", got %q", c.RateLimit.FailurePolicy)
	}

	if len(c.RateLimit.Tiers) == 0 {
		return fmt.Errorf("rate_limit.tiers requires at least one tier")
	}
	for name, tier := range c.RateLimit.Tiers {
		if tier.Limit <= 0 {
			return fmt.Errorf("rate_limit.tiers.%s requires a positive limit", name)
		}
		if tier.Window <= 0 {
			return fmt.Errorf("rate_limit.tiers.%s requires a positive window", name)
		}
	}

	seen := make(map[string]bool, len(c.Providers))
	for i, provider := range c.Providers {
		if provider.Name == "" {
			return fmt.Errorf("providers[%d] requires a name", i)
		}
		if provider.Type == "" {
			return fmt.Errorf("provider %q requires a type", provider.Name)
		}
		if seen[provider.Name] {
			return fmt.Errorf("duplicate provider name %q", provider.Name)
		}
		seen[provider.Name] = true
	}

	return nil
}

// FailOpen reports the configured failure direction. Validate guarantees
// the policy is set before this is consulted.
func (c *Config) FailOpen() bool {
	return c.RateLimit.FailurePolicy == "open"
}

func GetConfig() *Config {
	return &globalConfig
}
