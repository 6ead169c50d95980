/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package logging wires zap behind the logr interface used throughout the
// fleet. Loggers travel on the context; components pull them out with
// FromContext and add their own key-value pairs.
package logging

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level represents logging levels.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Format represents log output formats.
type Format string

const (
	FormatJSON    Format = "json"
	FormatConsole Format = "console"
)

// Config contains logger configuration.
type Config struct {
	Level      Level  `json:"level"`
	Format     Format `json:"format"`
	CallerInfo bool   `json:"callerInfo"`
}

// DefaultConfig returns the default logging configuration.
func DefaultConfig() Config {
	return Config{
		Level:      LevelInfo,
		Format:     FormatJSON,
		CallerInfo: true,
	}
}

// New creates a logr.Logger backed by zap with the given configuration.
func New(config Config) (logr.Logger, error) {
	zapLogger, err := newZapLogger(config)
	if err != nil {
		return logr.Discard(), fmt.Errorf("failed to create zap logger: %w", err)
	}
	return zapr.NewLogger(zapLogger), nil
}

// NewContext returns a context carrying the logger.
func NewContext(ctx context.Context, logger logr.Logger) context.Context {
	return logr.NewContext(ctx, logger)
}

// FromContext returns the logger carried by the context, or a discard
// logger when none is present.
func FromContext(ctx context.Context) logr.Logger {
	return logr.FromContextOrDiscard(ctx)
}

func newZapLogger(config Config) (*zap.Logger, error) {
	var level zapcore.Level
	switch config.Level {
	case LevelDebug:
		level = zapcore.DebugLevel
	case LevelInfo:
		level = zapcore.InfoLevel
	case LevelWarn:
		level = zapcore.WarnLevel
	case LevelError:
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.TimeEncoderOfLayout(time.RFC3339),
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var encoder zapcore.Encoder
	switch config.Format {
	case FormatConsole:
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	default:
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	core := zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), level)

	var options []zap.Option
	if config.CallerInfo {
		options = append(options, zap.AddCaller(), zap.AddCallerSkip(1))
	}

	return zap.New(core, options...), nil
}

// LevelFromString converts a string to a Level.
func LevelFromString(level string) Level {
	switch strings.ToLower(level) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// FormatFromString converts a string to a Format.
func FormatFromString(format string) Format {
	if strings.ToLower(format) == "console" {
		return FormatConsole
	}
	return FormatJSON
}
