package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds logger configuration
type Config struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json or console
}

// level is shared so a config reload can retune a running logger.
var level = zap.NewAtomicLevelAt(zapcore.InfoLevel)

// New builds the process logger from config.
func New(cfg Config) (*zap.Logger, error) {
	if err := SetLevel(cfg.Level); err != nil {
		return nil, err
	}

	var zc zap.Config
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.Level = level

	logger, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	// Make zap.L() usable from leaf helpers that have no injected logger
	zap.ReplaceGlobals(logger)
	return logger, nil
}

// SetLevel retunes the process log level. An empty level means info.
func SetLevel(name string) error {
	l := zapcore.InfoLevel
	if name != "" {
		if err := l.UnmarshalText([]byte(strings.ToLower(name))); err != nil {
			return fmt.Errorf("invalid log level %q: %w", name, err)
		}
	}
	level.SetLevel(l)
	return nil
}
