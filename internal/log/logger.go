// Package log builds the zap loggers used by the plthook command.
package log

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const encoderName = "plthookConsole"

var registerOnce sync.Once

// New returns a console logger writing to stderr at info level, or at
// debug level with caller information when debug is set.
func New(debug bool) (*zap.Logger, error) {
	return build(debug, []string{"stderr"})
}

func build(debug bool, outputs []string) (*zap.Logger, error) {
	var regErr error
	registerOnce.Do(func() {
		regErr = zap.RegisterEncoder(encoderName, func(cfg zapcore.EncoderConfig) (zapcore.Encoder, error) {
			return newColorEncoder(cfg), nil
		})
	})
	if regErr != nil {
		return nil, fmt.Errorf("register log encoder: %w", regErr)
	}

	cfg := zap.NewDevelopmentConfig()
	cfg.Encoding = encoderName
	cfg.OutputPaths = outputs
	cfg.ErrorOutputPaths = []string{"stderr"}
	cfg.EncoderConfig.EncodeTime = timeEncoder
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	cfg.DisableStacktrace = true

	if debug {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
		cfg.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder
	} else {
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
		cfg.EncoderConfig.EncodeCaller = nil
	}

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger, nil
}

func timeEncoder(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(t.Format("15:04:05.000"))
}
