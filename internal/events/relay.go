package events

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"annotask/internal/domain"
	"annotask/internal/repo"
)

const (
	defaultRelayInterval = 2 * time.Second
	defaultRelayBatch    = 100
)

// Publisher forwards stored events to a downstream consumer.
type Publisher interface {
	Name() string
	Publish(ctx context.Context, evt domain.Event) error
}

// Relay tails the event log and hands new events to each publisher. Every
// publisher keeps its own cursor; a failed delivery is retried on the next
// tick starting from the failed event.
type Relay struct {
	Store      repo.EventStore
	Publishers []Publisher
	Interval   time.Duration
	Batch      int
	Logger     *slog.Logger
	// Types restricts forwarding to these event types when non-empty.
	Types []string

	mu      sync.Mutex
	cursors map[int]int64
}

func (r *Relay) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// Run delivers until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) {
	if len(r.Publishers) == 0 {
		return
	}
	interval := r.Interval
	if interval <= 0 {
		interval = defaultRelayInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		r.DispatchAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// DispatchAll runs one delivery pass over every publisher.
func (r *Relay) DispatchAll(ctx context.Context) {
	filter := newEventFilter(r.Types)
	for i, p := range r.Publishers {
		r.dispatch(ctx, i, p, filter)
	}
}

func (r *Relay) dispatch(ctx context.Context, idx int, p Publisher, filter eventFilter) {
	batch := r.Batch
	if batch <= 0 {
		batch = defaultRelayBatch
	}
	cursor := r.cursorFor(ctx, idx)
	evts, err := r.Store.EventsAfter(ctx, cursor, batch)
	if err != nil {
		r.logger().Warn("event relay: fetch events failed", "publisher", p.Name(), "error", err)
		return
	}
	for _, evt := range evts {
		if !filter.match(evt.Type) {
			r.setCursor(idx, evt.ID)
			continue
		}
		if err := p.Publish(ctx, evt); err != nil {
			r.logger().Warn("event relay: deliver failed", "publisher", p.Name(), "event_id", evt.ID, "error", err)
			return
		}
		r.setCursor(idx, evt.ID)
	}
}

// Start positions every cursor at the current end of the log so only new
// events are forwarded.
func (r *Relay) Start(ctx context.Context) {
	for i := range r.Publishers {
		r.cursorFor(ctx, i)
	}
}

func (r *Relay) cursorFor(ctx context.Context, idx int) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cursors == nil {
		r.cursors = make(map[int]int64)
	}
	if cur, ok := r.cursors[idx]; ok {
		return cur
	}
	cur, err := r.Store.LatestEventID(ctx)
	if err != nil {
		r.logger().Warn("event relay: init cursor failed", "error", err)
		cur = 0
	}
	r.cursors[idx] = cur
	return cur
}

func (r *Relay) setCursor(idx int, value int64) {
	r.mu.Lock()
	r.cursors[idx] = value
	r.mu.Unlock()
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(types []string) eventFilter {
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		if key := strings.TrimSpace(t); key != "" {
			set[key] = struct{}{}
		}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
