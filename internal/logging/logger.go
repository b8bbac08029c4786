// Package logging builds the process-wide zap.Logger used across the
// proxy: JSON in production, a readable console encoder everywhere else.
package logging

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects the logger's behavior.
type Config struct {
	Environment string
	Level       string
	ServiceName string

	// OutputPath, when set, is logged to in addition to stderr.
	OutputPath string
}

// New builds a *zap.Logger per cfg. Unknown levels fall back to info.
func New(cfg Config) (*zap.Logger, error) {
	var zcfg zap.Config
	if strings.EqualFold(cfg.Environment, "production") {
		zcfg = zap.NewProductionConfig()
	} else {
		zcfg = zap.NewDevelopmentConfig()
		zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	if lvl, err := zapcore.ParseLevel(cfg.Level); err == nil {
		zcfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	if cfg.OutputPath != "" {
		zcfg.OutputPaths = append(zcfg.OutputPaths, cfg.OutputPath)
	}

	logger, err := zcfg.Build()
	if err != nil {
		return nil, err
	}
	if cfg.ServiceName != "" {
		logger = logger.With(zap.String("service", cfg.ServiceName))
	}
	return logger, nil
}
