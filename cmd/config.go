package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/viper"

	"procodus.dev/easybus/pkg/logger"
)

// InitConfig initializes Viper configuration.
// It reads config.yaml when present and EASYBUS_* environment variables,
// e.g. EASYBUS_RABBITMQ_URL for rabbitmq.url.
func InitConfig(cfgFile string) error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/easybus/")
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	viper.SetEnvPrefix("EASYBUS")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		var configNotFoundErr viper.ConfigFileNotFoundError
		if errors.As(err, &configNotFoundErr) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	return nil
}

func setDefaults() {
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", logger.FormatJSON)
	viper.SetDefault("log.file_max_size_mb", 100)
	viper.SetDefault("log.file_max_age_days", 14)
	viper.SetDefault("log.file_max_backups", 5)
}

// GetLogger creates a slog.Logger based on configuration.
func GetLogger() *slog.Logger {
	cfg := &logger.Config{
		Output: os.Stdout,
		Level:  logger.ParseLevel(viper.GetString("log.level")),
		Format: viper.GetString("log.format"),
	}

	if path := viper.GetString("log.file"); path != "" {
		cfg.File = &logger.FileConfig{
			Path:       path,
			MaxSizeMB:  viper.GetInt("log.file_max_size_mb"),
			MaxAgeDays: viper.GetInt("log.file_max_age_days"),
			MaxBackups: viper.GetInt("log.file_max_backups"),
		}
	}

	return logger.New(cfg)
}
