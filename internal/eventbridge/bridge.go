package eventbridge

import (
	"context"
	"sync"
	"time"

	"github.com/ThreeFish-AI/agentic-ai-cognizes/internal/cognerr"
	"github.com/ThreeFish-AI/agentic-ai-cognizes/internal/core"
	"github.com/ThreeFish-AI/agentic-ai-cognizes/internal/logger"
	"github.com/ThreeFish-AI/agentic-ai-cognizes/internal/metrics"
	"github.com/ThreeFish-AI/agentic-ai-cognizes/internal/pgnotify"
)

// Config governs queue sizing and the idle heartbeat cadence.
type Config struct {
	QueueSize         int
	HeartbeatInterval time.Duration
}

// DefaultConfig carries the documented queue and heartbeat defaults.
var DefaultConfig = Config{QueueSize: 256, HeartbeatInterval: 30 * time.Second}

// subscription is one subscriber's bounded queue, scoped to a run id.
type subscription struct {
	runID string
	queue chan Event
	done  chan struct{}
	once  sync.Once
}

func (s *subscription) close() {
	s.once.Do(func() { close(s.done) })
}

// Bridge converts Notify Listener payloads into semantic events and
// fans them out to per-run subscriber queues. One writer (the Notify
// Listener callback) per queue; each subscriber owns and reads only
// its own queue.
type Bridge struct {
	log *logger.Logger
	cfg Config

	mu     sync.RWMutex
	subs   map[string][]*subscription // runID -> active subscriptions
	closed bool
}

// New builds a Bridge and registers it with the given Notify Listener.
func New(listener *pgnotify.Listener, log *logger.Logger, cfg Config) *Bridge {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig.QueueSize
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultConfig.HeartbeatInterval
	}
	b := &Bridge{log: log, cfg: cfg, subs: make(map[string][]*subscription)}
	listener.Register(b.onNotification)
	return b
}

func (b *Bridge) Descriptor() core.Descriptor {
	return core.Descriptor{Name: "event-bridge", Domain: "cognizes", Layer: core.LayerEngine}.
		WithCapabilities("sse", "heartbeat")
}

// onNotification is the Notify Listener callback: map the payload to a
// semantic event, then enqueue it (non-blocking) to every subscriber of
// the matching run id. It never blocks the listener goroutine.
func (b *Bridge) onNotification(ctx context.Context, payload pgnotify.Payload) {
	start := time.Now()
	ev, ok := mapPayload(payload)
	if !ok {
		metrics.RecordBridgeDrop("unmapped")
		return
	}

	b.mu.RLock()
	targets := append([]*subscription(nil), b.subs[ev.RunID]...)
	b.mu.RUnlock()

	for _, sub := range targets {
		select {
		case sub.queue <- ev:
		default:
			// Queue full: delivery is at-most-once. Replay is the
			// events table's job, not the bridge's.
			metrics.RecordBridgeDrop("queue_full")
			if b.log != nil {
				b.log.WithField("run_id", ev.RunID).Warn("event bridge: subscriber queue full, dropping event")
			}
		}
		if ev.IsTerminal() {
			sub.close()
		}
	}
	metrics.RecordBridgeFanout(string(ev.Type), time.Since(start))
}

// Subscribe registers a bounded queue for runID and returns a channel
// the caller should range over. Reading from the channel until it
// closes is the only legal way to consume it: the bridge closes it
// after a terminal event or when ctx is cancelled, and purges the
// subscription entry in either case.
func (b *Bridge) Subscribe(ctx context.Context, runID string) (<-chan Event, error) {
	if runID == "" {
		return nil, cognerr.Validation("run_id is required to subscribe")
	}
	sub := &subscription{runID: runID, queue: make(chan Event, b.cfg.QueueSize), done: make(chan struct{})}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, cognerr.SubscriptionTerminated("event bridge is stopped")
	}
	b.subs[runID] = append(b.subs[runID], sub)
	b.mu.Unlock()

	out := make(chan Event, b.cfg.QueueSize)
	go b.pump(ctx, sub, out)
	return out, nil
}

// pump relays sub.queue to out, injecting a heartbeat on every idle
// tick, until the subscription is closed (terminal event) or ctx is
// cancelled (consumer drop), at which point it purges the subscription.
func (b *Bridge) pump(ctx context.Context, sub *subscription, out chan<- Event) {
	defer close(out)
	defer b.purge(sub)

	ticker := time.NewTicker(b.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.done:
			// Drain whatever is already queued before closing, so the
			// terminal event itself is not lost.
			for {
				select {
				case ev, ok := <-sub.queue:
					if !ok {
						return
					}
					out <- ev
				default:
					return
				}
			}
		case ev := <-sub.queue:
			out <- ev
			if ev.IsTerminal() {
				return
			}
			ticker.Reset(b.cfg.HeartbeatInterval)
		case <-ticker.C:
			out <- Heartbeat(sub.runID, time.Now().UnixMilli())
		}
	}
}

func (b *Bridge) Name() string { return "event-bridge" }

// Start satisfies system.Service; the bridge is driven entirely by the
// Notify Listener callback registered at construction.
func (b *Bridge) Start(ctx context.Context) error { return nil }

// Stop closes every open subscription and refuses new ones, so SSE
// consumers drain and disconnect cleanly during shutdown.
func (b *Bridge) Stop(ctx context.Context) error {
	b.mu.Lock()
	b.closed = true
	var all []*subscription
	for _, list := range b.subs {
		all = append(all, list...)
	}
	b.mu.Unlock()
	for _, sub := range all {
		sub.close()
	}
	return nil
}

// purge removes sub from the run's subscriber list; if the run then has
// no further subscribers, the map entry itself is deleted.
func (b *Bridge) purge(sub *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[sub.runID]
	for i, s := range list {
		if s == sub {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(b.subs, sub.runID)
	} else {
		b.subs[sub.runID] = list
	}
}

// BroadcastProgress sends a synthetic CUSTOM progress event to every
// active subscriber of runID, computing percentage = done/total*100.
// Fan-out is per-run, consistent with every other bridge operation
// being scoped by run_id.
func (b *Bridge) BroadcastProgress(runID string, done, total int) {
	if total <= 0 {
		return
	}
	pct := float64(done) / float64(total) * 100
	ev := Event{
		Type: Custom, RunID: runID, Timestamp: time.Now().UnixMilli(),
		Data: map[string]any{"name": "progress", "done": done, "total": total, "percent": pct},
	}
	b.mu.RLock()
	targets := append([]*subscription(nil), b.subs[runID]...)
	b.mu.RUnlock()
	for _, sub := range targets {
		select {
		case sub.queue <- ev:
		default:
			metrics.RecordBridgeDrop("queue_full")
		}
	}
}

// ActiveSubscriberCount reports how many subscriptions are open for
// runID, for diagnostics/tests.
func (b *Bridge) ActiveSubscriberCount(runID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[runID])
}
