package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"annotask/internal/domain"
	"annotask/internal/repo"
)

// Lifecycle event types.
const (
	TaskSkipped      = "task_skipped"
	TaskClaimed      = "task_claimed"
	TaskReleased     = "task_released"
	TaskSubmitted    = "task_submitted"
	GoldenEvaluated  = "golden_evaluated"
	LeaseReclaimed   = "lease_reclaimed"
	BundleCreated    = "bundle_created"
	BundleExpired    = "bundle_expired"
	BundleSuperseded = "bundle_superseded"
	BundleClosed     = "bundle_closed"
)

type Writer struct {
	Store  repo.EventStore
	Now    func() time.Time
	Logger *slog.Logger
}

type EventPayload map[string]any

func (w Writer) logger() *slog.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return slog.Default()
}

// Append stores one event and returns its id.
func (w Writer) Append(ctx context.Context, evtType, contributorID string, payload EventPayload) (int64, error) {
	if w.Store == nil {
		return 0, nil
	}
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal event payload: %w", err)
	}
	return w.Store.AppendEvent(ctx, domain.Event{
		TS:            now().UTC(),
		Type:          evtType,
		ContributorID: contributorID,
		Payload:       string(data),
	})
}

// Record appends an event and logs instead of failing.
func (w Writer) Record(ctx context.Context, evtType, contributorID string, payload EventPayload) {
	if _, err := w.Append(ctx, evtType, contributorID, payload); err != nil {
		w.logger().Warn("event insert failed", "type", evtType, "contributor_id", contributorID, "error", err)
	}
}
