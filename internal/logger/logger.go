// Package logger builds the process-wide zap logger.
package logger

import (
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options controls level, encoding and outputs.
type Options struct {
	Level       string
	Format      string // json or console
	OutputPaths []string
}

// FromEnv reads LOG_LEVEL and LOG_FORMAT.  Development defaults to
// console output, everything else to json.
func FromEnv() Options {
	o := Options{Level: "info", Format: "json", OutputPaths: []string{"stdout"}}
	if v := strings.TrimSpace(os.Getenv("LOG_LEVEL")); v != "" {
		o.Level = v
	}
	if strings.EqualFold(os.Getenv("APP_ENV"), "development") {
		o.Format = "console"
	}
	if v := strings.TrimSpace(os.Getenv("LOG_FORMAT")); v != "" {
		o.Format = v
	}
	return o
}

// New builds a logger.  An unknown level falls back to info.
func New(o Options) (*zap.Logger, error) {
	enc := zapcore.EncoderConfig{
		MessageKey:    "message",
		LevelKey:      "level",
		TimeKey:       "timestamp",
		NameKey:       "logger",
		CallerKey:     "caller",
		StacktraceKey: "stacktrace",
		LineEnding:    zapcore.DefaultLineEnding,
		EncodeLevel:   zapcore.CapitalLevelEncoder,
		EncodeTime:    zapcore.ISO8601TimeEncoder,
		EncodeCaller:  zapcore.ShortCallerEncoder,
		EncodeDuration: func(d time.Duration, e zapcore.PrimitiveArrayEncoder) {
			e.AppendFloat64(float64(d) / float64(time.Millisecond))
		},
	}
	if o.Format == "console" {
		enc.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		o.Format = "json"
	}

	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(o.Level)); err != nil {
		lvl = zapcore.InfoLevel
	}
	if len(o.OutputPaths) == 0 {
		o.OutputPaths = []string{"stdout"}
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(lvl),
		Encoding:         o.Format,
		EncoderConfig:    enc,
		OutputPaths:      o.OutputPaths,
		ErrorOutputPaths: []string{"stderr"},
	}
	l, err := cfg.Build(zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return l, nil
}

// Must is New for main packages.
func Must(o Options) *zap.Logger {
	l, err := New(o)
	if err != nil {
		panic(err)
	}
	return l
}
