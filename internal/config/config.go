package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// EnvProduction is the ENVIRONMENT value that forbids test-only endpoints.
const EnvProduction = "production"

// Config holds all configuration for the application.
// Values are read by viper from a config file or environment variables.
type Config struct {
	ListenAddr       string `mapstructure:"LISTEN_ADDR"`
	BadgerDBPath     string `mapstructure:"BADGERDB_PATH"`
	BadgerInMemory   bool   `mapstructure:"BADGER_IN_MEMORY"`
	LogLevel         string `mapstructure:"LOG_LEVEL"`
	LogFormat        string `mapstructure:"LOG_FORMAT"`
	Environment      string `mapstructure:"ENVIRONMENT"`
	EnableReset      bool   `mapstructure:"ENABLE_RESET"`
	TelegramBotToken string `mapstructure:"TELEGRAM_BOT_TOKEN"`
}

var defaults = map[string]any{
	"LISTEN_ADDR":        ":3000",
	"BADGERDB_PATH":      "./badger_data",
	"BADGER_IN_MEMORY":   false,
	"LOG_LEVEL":          "info",
	"LOG_FORMAT":         "json",
	"ENVIRONMENT":        "development",
	"ENABLE_RESET":       false,
	"TELEGRAM_BOT_TOKEN": "",
}

// LoadConfig reads configuration from a config.yaml in path, overridden by
// environment variables.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	// Every key needs a default, otherwise AutomaticEnv never sees it during Unmarshal.
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unable to decode into struct: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations that must never run.
func (c Config) Validate() error {
	if strings.TrimSpace(c.ListenAddr) == "" {
		return fmt.Errorf("LISTEN_ADDR is not set")
	}
	if !c.BadgerInMemory && strings.TrimSpace(c.BadgerDBPath) == "" {
		return fmt.Errorf("BADGERDB_PATH is not set")
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "text":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.LogFormat)
	}
	if c.EnableReset && c.IsProduction() {
		return fmt.Errorf("ENABLE_RESET must not be set when ENVIRONMENT is %s", EnvProduction)
	}
	return nil
}

// IsProduction reports whether the service runs in a production environment.
func (c Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), EnvProduction)
}
