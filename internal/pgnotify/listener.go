// Package pgnotify implements the Notify Listener: a single long-lived
// database connection that subscribes to one channel and fans incoming
// notifications out to zero or more in-process callbacks.
package pgnotify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/ThreeFish-AI/agentic-ai-cognizes/internal/core"
	"github.com/ThreeFish-AI/agentic-ai-cognizes/internal/logger"
)

// Payload is one row-change notification as emitted by the per-table
// triggers on threads/events/runs.
type Payload struct {
	Table     string          `json:"table"`
	Operation string          `json:"operation"`
	Data      json.RawMessage `json:"data"`
}

// Callback is invoked for every notification received on the listened
// channel. Callbacks must not block: they should enqueue to their own
// per-subscriber queue and return immediately, since the listener
// dispatches one notification at a time.
type Callback func(ctx context.Context, payload Payload)

// Listener owns the single long-lived pq.Listener connection the
// process is allowed to hold outside of a transaction.
type Listener struct {
	dsn     string
	channel string
	log     *logger.Logger

	listener *pq.Listener

	mu        sync.RWMutex
	callbacks []Callback

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Listener for the given DSN and channel name (default
// "event_stream"). The connection is not opened until Start is called.
func New(dsn, channel string, log *logger.Logger) *Listener {
	if channel == "" {
		channel = "event_stream"
	}
	return &Listener{dsn: dsn, channel: channel, log: log}
}

func (l *Listener) Name() string { return "notify-listener" }

func (l *Listener) Descriptor() core.Descriptor {
	return core.Descriptor{Name: "notify-listener", Domain: "cognizes", Layer: core.LayerData}
}

// Register adds a callback invoked for every notification on the
// listened channel. Registration is an in-memory operation and may be
// called at any time, including after Start.
func (l *Listener) Register(cb Callback) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.callbacks = append(l.callbacks, cb)
}

// Start opens the single long-lived connection and begins dispatching
// notifications in a background goroutine.
func (l *Listener) Start(ctx context.Context) error {
	reportProblem := func(ev pq.ListenerEventType, err error) {
		if err != nil && l.log != nil {
			l.log.WithField("channel", l.channel).WithField("error", err.Error()).Warn("notify listener connection event")
		}
	}
	pqListener := pq.NewListener(l.dsn, 10*time.Second, time.Minute, reportProblem)
	if err := pqListener.Listen(l.channel); err != nil {
		pqListener.Close()
		return fmt.Errorf("pgnotify: listen %q: %w", l.channel, err)
	}
	l.listener = pqListener

	l.ctx, l.cancel = context.WithCancel(context.Background())
	l.wg.Add(1)
	go l.loop()
	return nil
}

// Stop tears down the listener connection and waits for the dispatch
// goroutine to exit.
func (l *Listener) Stop(ctx context.Context) error {
	if l.cancel != nil {
		l.cancel()
	}
	l.wg.Wait()
	if l.listener != nil {
		return l.listener.Close()
	}
	return nil
}

func (l *Listener) loop() {
	defer l.wg.Done()
	for {
		select {
		case <-l.ctx.Done():
			return
		case notification := <-l.listener.Notify:
			if notification == nil {
				// Connection dropped; pq.Listener reconnects and
				// re-issues LISTEN on its own.
				continue
			}
			l.dispatch(notification.Extra)
		case <-time.After(90 * time.Second):
			go func() {
				if err := l.listener.Ping(); err != nil && l.log != nil {
					l.log.WithField("error", err.Error()).Warn("notify listener ping failed")
				}
			}()
		}
	}
}

func (l *Listener) dispatch(extra string) {
	var payload Payload
	if err := json.Unmarshal([]byte(extra), &payload); err != nil {
		if l.log != nil {
			l.log.WithField("error", err.Error()).Warn("notify listener: malformed payload, dropping")
		}
		return
	}

	l.mu.RLock()
	callbacks := make([]Callback, len(l.callbacks))
	copy(callbacks, l.callbacks)
	l.mu.RUnlock()

	for _, cb := range callbacks {
		// Invoked synchronously, one callback at a time, per the
		// "cooperatively invoked" contract; callbacks themselves must
		// not block on anything but an enqueue.
		cb(l.ctx, payload)
	}
}
