// Package progress broadcasts operation start/end announcements from the
// record store to interested observers (logs, metrics, UIs). The notifier is
// an injected capability rather than process-global state; consumers
// subscribe once at process start.
package progress

import (
	"sync"

	"go.uber.org/zap"
)

// Callback observes a single announcement. active is true when an operation
// begins and false when it ends; label is a human-readable description of the
// operation ("" on end announcements).
type Callback func(active bool, label string)

// Notifier is the capability the record store is constructed with. Every
// store operation announces (true, label) before work begins and (false, "")
// after work ends, including on failure.
type Notifier interface {
	Announce(active bool, label string)
}

// Broadcaster fans announcements out to subscribed callbacks synchronously
// and in registration order. A panicking callback is isolated so one failing
// observer cannot abort a store operation.
type Broadcaster struct {
	mu        sync.RWMutex
	callbacks []Callback
	logger    *zap.Logger
}

// NewBroadcaster constructs a Broadcaster. logger may be nil.
func NewBroadcaster(logger *zap.Logger) *Broadcaster {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broadcaster{logger: logger}
}

// Subscribe registers a callback. There is no unsubscribe; subscribers live
// for the process duration.
func (b *Broadcaster) Subscribe(cb Callback) {
	if cb == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.callbacks = append(b.callbacks, cb)
}

// Announce invokes every subscribed callback in registration order.
func (b *Broadcaster) Announce(active bool, label string) {
	b.mu.RLock()
	callbacks := b.callbacks
	b.mu.RUnlock()
	for _, cb := range callbacks {
		b.invoke(cb, active, label)
	}
}

func (b *Broadcaster) invoke(cb Callback, active bool, label string) {
	defer func() {
		if rec := recover(); rec != nil {
			b.logger.Warn("progress callback panicked",
				zap.Any("panic", rec),
				zap.Bool("active", active),
				zap.String("label", label),
			)
		}
	}()
	cb(active, label)
}

// Nop is a Notifier that discards announcements.
type Nop struct{}

// Announce implements Notifier; it performs no action.
func (Nop) Announce(bool, string) {}
