// Package ratelimit applies fixed-window request limits per contributor.
package ratelimit

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Rule is one named window: at most Limit calls per Window.
type Rule struct {
	Name   string
	Limit  int
	Window time.Duration
}

var (
	TasksPerHour  = Rule{Name: "tasks/hour", Limit: 60, Window: time.Hour}
	BundlePerHour = Rule{Name: "bundle/hour", Limit: 100, Window: time.Hour}
	SubmitPerMin  = Rule{Name: "submit/min", Limit: 10, Window: time.Minute}
	SubmitPerHour = Rule{Name: "submit/hour", Limit: 60, Window: time.Hour}
)

const maxTrackedContributors = 50000

type window struct {
	count     int
	expiresAt time.Time
}

// Limiter keeps one window per contributor and rule. Windows start on the
// first call and reset once they lapse.
type Limiter struct {
	Now func() time.Time

	mu      sync.Mutex
	buckets map[string]*expirable.LRU[string, *window]
}

func New() *Limiter {
	return &Limiter{Now: time.Now, buckets: make(map[string]*expirable.LRU[string, *window])}
}

func (l *Limiter) bucket(r Rule) *expirable.LRU[string, *window] {
	b, ok := l.buckets[r.Name]
	if !ok {
		b = expirable.NewLRU[string, *window](maxTrackedContributors, nil, r.Window)
		l.buckets[r.Name] = b
	}
	return b
}

// Allow consumes one call for contributorID under every rule. It reports
// false, consuming nothing, when any rule is exhausted. A zero-limit rule
// never blocks.
func (l *Limiter) Allow(contributorID string, rules ...Rule) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.Now()

	windows := make([]*window, len(rules))
	for i, r := range rules {
		if r.Limit <= 0 {
			continue
		}
		b := l.bucket(r)
		w, ok := b.Get(contributorID)
		if !ok || w.expiresAt.Before(now) {
			w = &window{expiresAt: now.Add(r.Window)}
			b.Add(contributorID, w)
		}
		if w.count >= r.Limit {
			return false
		}
		windows[i] = w
	}
	for _, w := range windows {
		if w != nil {
			w.count++
		}
	}
	return true
}

// Remaining reports how many calls are left in the current window.
func (l *Limiter) Remaining(contributorID string, r Rule) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[r.Name]
	if !ok {
		return r.Limit
	}
	w, ok := b.Peek(contributorID)
	if !ok || w.expiresAt.Before(l.Now()) {
		return r.Limit
	}
	return max(0, r.Limit-w.count)
}

// Reset drops every window.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buckets = make(map[string]*expirable.LRU[string, *window])
}
