package config

import (
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Delivery  DeliveryConfig  `mapstructure:"delivery"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Retention RetentionConfig `mapstructure:"retention"`
}

type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type StorageConfig struct {
	Driver string       `mapstructure:"driver"`
	SQLite SQLiteConfig `mapstructure:"sqlite"`
}

type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

type DeliveryConfig struct {
	Workers int           `mapstructure:"workers"`
	Timeout time.Duration `mapstructure:"timeout"`
	// MaxAttempts is the hard ceiling; each webhook configures its own
	// retry_count up to this value.
	MaxAttempts int `mapstructure:"max_attempts"`
	// RetrySchedule[n-1] is the delay before attempt n+1. The sequence is
	// part of the delivery SLA published to integrators; changing it changes
	// externally observable behavior.
	RetrySchedule []time.Duration `mapstructure:"retry_schedule"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type RetentionConfig struct {
	DeliveryTTL time.Duration `mapstructure:"delivery_ttl"`
}

func Load(path string) (*Config, error) {
	if path != "" {
		viper.SetConfigFile(path)
	} else {
		viper.SetConfigName("coursewire")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/coursewire")
	}

	setDefaults()

	viper.AutomaticEnv()
	viper.SetEnvPrefix("COURSEWIRE")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", 30*time.Second)
	viper.SetDefault("server.write_timeout", 30*time.Second)

	viper.SetDefault("storage.driver", "sqlite")
	viper.SetDefault("storage.sqlite.path", "./data/coursewire.db")

	viper.SetDefault("delivery.workers", 50)
	viper.SetDefault("delivery.timeout", 30*time.Second)
	viper.SetDefault("delivery.max_attempts", 5)
	viper.SetDefault("delivery.retry_schedule", []time.Duration{
		0,
		1 * time.Minute,
		5 * time.Minute,
		15 * time.Minute,
		1 * time.Hour,
	})

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")

	viper.SetDefault("retention.delivery_ttl", 30*24*time.Hour)
}
