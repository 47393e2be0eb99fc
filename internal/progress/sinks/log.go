// Package sinks provides ready-made progress subscribers.
package sinks

import "go.uber.org/zap"

// LogSink emits structured logs for store operation announcements. It is
// useful during development or audits where no UI is attached.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the callback interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Notify logs the announcement; subscribe it with Broadcaster.Subscribe.
func (s *LogSink) Notify(active bool, label string) {
	if active {
		s.logger.Info("store operation started", zap.String("label", label))
		return
	}
	s.logger.Debug("store operation finished")
}
