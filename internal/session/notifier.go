package session

import (
	"log/slog"
	"sync"

	"github.com/attaboy/authrisk/internal/domain"
	"github.com/attaboy/authrisk/internal/metrics"
)

// Notifier fans session warnings out to subscribers. Delivery happens on
// separate goroutines so an emitter never waits on a slow subscriber.
type Notifier struct {
	mu     sync.RWMutex
	subs   map[uint64]func(domain.Warning)
	next   uint64
	logger *slog.Logger
}

// NewNotifier creates an empty Notifier.
func NewNotifier(logger *slog.Logger) *Notifier {
	return &Notifier{subs: make(map[uint64]func(domain.Warning)), logger: logger}
}

// OnWarning registers cb and returns a function that unregisters it.
// Calling the returned function more than once is harmless.
func (n *Notifier) OnWarning(cb func(domain.Warning)) func() {
	n.mu.Lock()
	id := n.next
	n.next++
	n.subs[id] = cb
	n.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.subs, id)
			n.mu.Unlock()
		})
	}
}

// Emit delivers w to every current subscriber without blocking.
func (n *Notifier) Emit(w domain.Warning) {
	metrics.SessionWarningsTotal.WithLabelValues(string(w.Kind)).Inc()

	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, cb := range n.subs {
		go n.deliver(cb, w)
	}
}

func (n *Notifier) deliver(cb func(domain.Warning), w domain.Warning) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Error("warning subscriber panicked", "kind", w.Kind, "session_id", w.SessionID, "panic", r)
		}
	}()
	cb(w)
}
