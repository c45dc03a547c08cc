// Package config locates the configuration file for the CLI. Values are
// loaded and validated by internal/config.
package config

import (
	"errors"
	"fmt"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// SearchPaths lists the directories probed for config.yaml, in order.
var SearchPaths = []string{
	".",
	"/etc/grayscale/",
	"$HOME/.grayscale",
}

// Locate resolves the config file to load. An explicit path always wins;
// otherwise the search paths are probed and an empty string means defaults
// and environment variables only.
func Locate(explicit string, logger *zap.Logger) (string, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if explicit != "" {
		return explicit, nil
	}

	v := viper.New()
	v.SetConfigName("config")
	for _, p := range SearchPaths {
		v.AddConfigPath(p)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			logger.Debug("config file not found; using defaults and environment variables")
			return "", nil
		}
		return "", fmt.Errorf("read config: %w", err)
	}
	logger.Debug("using config file", zap.String("path", v.ConfigFileUsed()))
	return v.ConfigFileUsed(), nil
}
