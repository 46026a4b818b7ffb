// Package logger builds the zap logger used by the monitor: human readable lines on stdout and JSON lines appended
// to a daily file.
package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// FileName returns the log file name for the day of t.
func FileName(t time.Time) string {
	return "monitor-" + t.Format("2006-01-02") + ".log"
}

// New returns a logger writing to stdout and to dir/monitor-YYYY-MM-DD.log. The directory is created if needed and
// level defaults to info.
func New(dir, level string) (*zap.Logger, error) {
	lvl := zapcore.InfoLevel

	if level != "" {
		if err := lvl.Set(level); err != nil {
			return nil, fmt.Errorf("logger: level %q: %w", level, err)
		}
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}

	f, err := os.OpenFile(filepath.Join(dir, FileName(time.Now())), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}

	enc := zap.NewProductionEncoderConfig()
	enc.EncodeTime = zapcore.ISO8601TimeEncoder

	console := enc
	console.EncodeLevel = zapcore.CapitalLevelEncoder

	core := zapcore.NewTee(
		zapcore.NewCore(zapcore.NewConsoleEncoder(console), zapcore.Lock(os.Stdout), lvl),
		zapcore.NewCore(zapcore.NewJSONEncoder(enc), zapcore.AddSync(f), lvl),
	)

	return zap.New(core, zap.AddCaller()), nil
}
