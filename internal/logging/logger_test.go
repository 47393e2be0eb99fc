package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNewDevelopmentLogger(t *testing.T) {
	t.Parallel()

	logger, err := New(true)
	if err != nil {
		t.Fatalf("New(true) error = %v", err)
	}
	if !logger.Core().Enabled(zapcore.DebugLevel) {
		t.Error("development logger should enable debug level")
	}
	logger.Debug("development logger ready")
	_ = logger.Sync()
}

func TestNewProductionLogger(t *testing.T) {
	t.Parallel()

	logger, err := New(false)
	if err != nil {
		t.Fatalf("New(false) error = %v", err)
	}
	if logger.Core().Enabled(zapcore.DebugLevel) {
		t.Error("production logger should suppress debug level")
	}
	if !logger.Core().Enabled(zapcore.InfoLevel) {
		t.Error("production logger should enable info level")
	}
	logger.Info("production logger ready")
	_ = logger.Sync()
}
