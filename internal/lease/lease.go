package lease

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"annotask/internal/apperr"
	"annotask/internal/domain"
	"annotask/internal/events"
	"annotask/internal/repo"
)

const (
	DefaultLeaseDuration = 15 * time.Minute
	DefaultBundleTTL     = 45 * time.Minute
	DefaultTargetVotes   = 5
)

// Skip reasons recorded while scanning candidates.
const (
	ReasonMissingClip        = "missing_clip"
	ReasonCapabilityMismatch = "capability_mismatch"
	ReasonEligibilityFailure = "eligibility_failure"
	ReasonAlreadyAssigned    = "already_assigned"
	ReasonNoOpenSlots        = "no_open_slots"
	ReasonInsertFailed       = "assignment_insert_failed"
	ReasonUpdateFailed       = "assignment_update_failed"
	ReasonBundleReuse        = "bundle_reuse"
)

// Store is the persistence the manager needs.
type Store interface {
	repo.TaskStore
	repo.AssignmentStore
}

// IsLeaseActive reports whether a is leased and its lease has not lapsed.
func IsLeaseActive(a domain.Assignment, now time.Time) bool {
	return a.State == domain.AssignmentLeased && a.LeaseExpiresAt.After(now)
}

// IsBundleExpired reports whether an active bundle outlived its TTL.
func IsBundleExpired(b domain.Bundle, now time.Time) bool {
	return b.State == domain.BundleActive && b.ExpiresAt().Before(now)
}

// Manager owns assignment and bundle state transitions. Every transition
// tolerates a concurrent caller: uniqueness comes from the store, never
// from an in-process lock.
type Manager struct {
	Store         Store
	Events        events.Writer
	Logger        *slog.Logger
	Now           func() time.Time
	LeaseDuration time.Duration
	BundleTTL     time.Duration
	TargetVotes   int
}

func (m Manager) now() time.Time {
	if m.Now != nil {
		return m.Now().UTC()
	}
	return time.Now().UTC()
}

func (m Manager) logger() *slog.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return slog.Default()
}

func (m Manager) leaseDuration() time.Duration {
	if m.LeaseDuration > 0 {
		return m.LeaseDuration
	}
	return DefaultLeaseDuration
}

func (m Manager) bundleTTL() time.Duration {
	if m.BundleTTL > 0 {
		return m.BundleTTL
	}
	return DefaultBundleTTL
}

func (m Manager) targetVotes(t domain.Task) int {
	if t.TargetVotes > 0 {
		return t.TargetVotes
	}
	if m.TargetVotes > 0 {
		return m.TargetVotes
	}
	return DefaultTargetVotes
}

// CheckSlot returns the skip reason that keeps contributorID from claiming
// t, or "" when a slot is open. Only submitted rows and unexpired leases
// occupy a slot; translation_check has no slot limit.
func (m Manager) CheckSlot(ctx context.Context, t domain.Task, contributorID string) (string, error) {
	assignments, err := m.Store.ListAssignmentsByTask(ctx, t.ID)
	if err != nil {
		return "", fmt.Errorf("list assignments for %s: %w", t.ID, err)
	}
	now := m.now()
	live := 0
	for _, a := range assignments {
		occupied := a.State == domain.AssignmentSubmitted || IsLeaseActive(a, now)
		if a.ContributorID == contributorID {
			if occupied {
				return ReasonAlreadyAssigned, nil
			}
			continue
		}
		if occupied {
			live++
		}
	}
	if t.TaskType == domain.TaskTypeTranslationCheck {
		return "", nil
	}
	if live >= m.targetVotes(t) {
		return ReasonNoOpenSlots, nil
	}
	return "", nil
}

// Acquire inserts a leased assignment for the contributor. When the insert
// loses a race (or the pair already has a row) the existing row is renewed
// instead. A non-empty reason means the claim should be skipped.
func (m Manager) Acquire(ctx context.Context, t domain.Task, contributorID, bundleID string, leaseFor time.Duration) (domain.Assignment, string) {
	if leaseFor <= 0 {
		leaseFor = m.leaseDuration()
	}
	now := m.now()
	a := domain.Assignment{
		ID:             uuid.NewString(),
		TaskID:         t.ID,
		ContributorID:  contributorID,
		BundleID:       bundleID,
		State:          domain.AssignmentLeased,
		LeaseExpiresAt: now.Add(leaseFor),
		CreatedAt:      now,
	}
	insertErr := m.Store.InsertAssignment(ctx, a)
	if insertErr == nil {
		if m.yieldIfOverfilled(ctx, t, a) {
			return domain.Assignment{}, ReasonNoOpenSlots
		}
		return a, ""
	}
	if !errors.Is(insertErr, repo.ErrConflict) {
		m.logger().Warn("assignment insert failed", "task_id", t.ID, "contributor_id", contributorID, "error", insertErr)
	}

	existing, err := m.Store.FindAssignment(ctx, t.ID, contributorID)
	if err != nil {
		return domain.Assignment{}, ReasonInsertFailed
	}
	if existing.State == domain.AssignmentSubmitted || IsLeaseActive(existing, now) {
		return domain.Assignment{}, ReasonAlreadyAssigned
	}
	next := existing
	next.State = domain.AssignmentLeased
	next.LeaseExpiresAt = now.Add(leaseFor)
	if bundleID != "" {
		next.BundleID = bundleID
	}
	if err := m.Store.TransitionAssignment(ctx, existing, next); err != nil {
		m.logger().Warn("assignment renew failed", "assignment_id", existing.ID, "error", err)
		return domain.Assignment{}, ReasonUpdateFailed
	}
	if m.yieldIfOverfilled(ctx, t, next) {
		return domain.Assignment{}, ReasonNoOpenSlots
	}
	return next, ""
}

// yieldIfOverfilled gives a just-taken lease back when concurrent claimants
// pushed the task past its target. Every racer that sees the overflow
// yields, so a task may briefly sit under target but never over it.
func (m Manager) yieldIfOverfilled(ctx context.Context, t domain.Task, a domain.Assignment) bool {
	if t.TaskType == domain.TaskTypeTranslationCheck {
		return false
	}
	assignments, err := m.Store.ListAssignmentsByTask(ctx, t.ID)
	if err != nil {
		return false
	}
	now := m.now()
	others := 0
	for _, other := range assignments {
		if other.ContributorID == a.ContributorID {
			continue
		}
		if other.State == domain.AssignmentSubmitted || IsLeaseActive(other, now) {
			others++
		}
	}
	if others < m.targetVotes(t) {
		return false
	}
	next := a
	next.State = domain.AssignmentReleased
	next.LeaseExpiresAt = now
	if err := m.Store.TransitionAssignment(ctx, a, next); err != nil {
		m.logger().Warn("overfilled lease yield failed", "assignment_id", a.ID, "error", err)
		return false
	}
	return true
}

// Heartbeat extends the lease of a leased assignment and records playback
// progress. Nil progress values leave the stored ones untouched.
func (m Manager) Heartbeat(ctx context.Context, a domain.Assignment, playbackRatio *float64, watchedMS *int) (domain.Assignment, error) {
	if a.State != domain.AssignmentLeased {
		return a, apperr.LeaseConflict(http.StatusConflict, "Assignment is no longer leased")
	}
	now := m.now()
	next := a
	next.LeaseExpiresAt = now.Add(m.leaseDuration())
	next.LastHeartbeatAt = now
	if playbackRatio != nil {
		next.PlaybackRatio = playbackRatio
	}
	if watchedMS != nil {
		next.WatchedMS = watchedMS
	}
	if err := m.Store.TransitionAssignment(ctx, a, next); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return a, apperr.LeaseConflict(http.StatusConflict, "Assignment changed concurrently")
		}
		return a, apperr.Wrap(err, "Failed to refresh lease")
	}
	return next, nil
}

func isTerminal(a domain.Assignment) bool {
	return a.State == domain.AssignmentSubmitted || a.State == domain.AssignmentReleased
}

// Release gives a leased assignment back and recycles its task. Terminal
// assignments, including ones that became terminal after a was read, are
// returned unchanged.
func (m Manager) Release(ctx context.Context, a domain.Assignment, reason string) (domain.Assignment, error) {
	if isTerminal(a) {
		return a, nil
	}
	now := m.now()
	prev := a
	a.State = domain.AssignmentReleased
	a.LeaseExpiresAt = now
	if err := m.Store.TransitionAssignment(ctx, prev, a); err != nil {
		if !errors.Is(err, repo.ErrConflict) {
			return prev, apperr.Wrap(err, "Failed to release assignment")
		}
		current, getErr := m.Store.GetAssignment(ctx, prev.ID)
		if getErr == nil && isTerminal(current) {
			return current, nil
		}
		return prev, apperr.LeaseConflict(http.StatusConflict, "Assignment changed concurrently")
	}
	payload := events.EventPayload{"assignment_id": a.ID, "task_id": a.TaskID}
	if reason != "" {
		payload["reason"] = reason
	}
	m.Events.Record(ctx, events.TaskReleased, a.ContributorID, payload)
	m.recycle(ctx, a.TaskID, now)
	if _, err := m.MaybeCloseBundle(ctx, a.BundleID, a.ContributorID); err != nil {
		m.logger().Warn("bundle close check failed", "bundle_id", a.BundleID, "error", err)
	}
	return a, nil
}

// Reclaim releases a lapsed lease found by a sweep.
func (m Manager) Reclaim(ctx context.Context, a domain.Assignment) (bool, error) {
	now := m.now()
	if a.State != domain.AssignmentLeased || IsLeaseActive(a, now) {
		return false, nil
	}
	next := a
	next.State = domain.AssignmentReleased
	if err := m.Store.TransitionAssignment(ctx, a, next); err != nil {
		// heartbeat, submit or another sweep got there first
		if errors.Is(err, repo.ErrConflict) {
			return false, nil
		}
		return false, fmt.Errorf("reclaim assignment %s: %w", a.ID, err)
	}
	m.Events.Record(ctx, events.LeaseReclaimed, a.ContributorID, events.EventPayload{
		"assignment_id": a.ID,
		"task_id":       a.TaskID,
	})
	m.recycle(ctx, a.TaskID, now)
	if _, err := m.MaybeCloseBundle(ctx, a.BundleID, a.ContributorID); err != nil {
		m.logger().Warn("bundle close check failed", "bundle_id", a.BundleID, "error", err)
	}
	return true, nil
}

func (m Manager) recycle(ctx context.Context, taskID string, at time.Time) {
	t, err := m.Store.GetTask(ctx, taskID)
	if err != nil {
		m.logger().Warn("recycle: load task failed", "task_id", taskID, "error", err)
		return
	}
	if err := m.Store.RecycleTask(ctx, t, at); err != nil {
		m.logger().Warn("recycle task failed", "task_id", taskID, "error", err)
	}
}

// MaybeCloseBundle closes the bundle once none of its members is leased.
func (m Manager) MaybeCloseBundle(ctx context.Context, bundleID, contributorID string) (bool, error) {
	if bundleID == "" {
		return false, nil
	}
	b, err := m.Store.GetBundle(ctx, bundleID)
	if errors.Is(err, repo.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load bundle %s: %w", bundleID, err)
	}
	if b.State == domain.BundleClosed {
		return false, nil
	}
	members, err := m.Store.ListAssignmentsByBundle(ctx, bundleID)
	if err != nil {
		return false, fmt.Errorf("list bundle %s members: %w", bundleID, err)
	}
	for _, a := range members {
		if a.State == domain.AssignmentLeased {
			return false, nil
		}
	}
	if err := m.Store.UpdateBundleState(ctx, bundleID, domain.BundleClosed); err != nil {
		return false, fmt.Errorf("close bundle %s: %w", bundleID, err)
	}
	if contributorID == "" {
		contributorID = b.ContributorID
	}
	m.Events.Record(ctx, events.BundleClosed, contributorID, events.EventPayload{"bundle_id": bundleID})
	return true, nil
}

// ExpireIfStale flips an active bundle past its TTL to expired.
func (m Manager) ExpireIfStale(ctx context.Context, b domain.Bundle) (bool, error) {
	if !IsBundleExpired(b, m.now()) {
		return false, nil
	}
	if err := m.Store.UpdateBundleState(ctx, b.ID, domain.BundleExpired); err != nil {
		return false, fmt.Errorf("expire bundle %s: %w", b.ID, err)
	}
	m.Events.Record(ctx, events.BundleExpired, b.ContributorID, events.EventPayload{"bundle_id": b.ID})
	return true, nil
}

// OpenBundle starts a new bundle for the contributor. The active bundle, if
// any, is closed: a stale one after being expired, a live one as
// superseded. If the insert races with another request the surviving
// active bundle is reused and a bundle_reuse reason is reported.
func (m Manager) OpenBundle(ctx context.Context, contributorID string) (domain.Bundle, []apperr.SkipReason, error) {
	active, err := m.Store.FindBundle(ctx, contributorID, domain.BundleActive)
	switch {
	case err == nil:
		stale, err := m.ExpireIfStale(ctx, active)
		if err != nil {
			return domain.Bundle{}, nil, apperr.Wrap(err, "Failed to expire bundle")
		}
		if err := m.Store.UpdateBundleState(ctx, active.ID, domain.BundleClosed); err != nil {
			return domain.Bundle{}, nil, apperr.Wrap(err, "Failed to close bundle")
		}
		if !stale {
			m.Events.Record(ctx, events.BundleSuperseded, contributorID, events.EventPayload{"bundle_id": active.ID})
		}
	case !errors.Is(err, repo.ErrNotFound):
		return domain.Bundle{}, nil, apperr.Wrap(err, "Failed to check existing bundles")
	}

	b := domain.Bundle{
		ID:            uuid.NewString(),
		ContributorID: contributorID,
		State:         domain.BundleActive,
		TTLMinutes:    int(m.bundleTTL() / time.Minute),
		CreatedAt:     m.now(),
	}
	var insertErr error
	for attempt := 0; attempt < 3; attempt++ {
		if insertErr = m.Store.InsertBundle(ctx, b); insertErr == nil {
			return b, nil, nil
		}
		if !errors.Is(insertErr, repo.ErrConflict) {
			break
		}
		existing, err := m.Store.FindBundle(ctx, contributorID, domain.BundleActive)
		if err == nil {
			return existing, []apperr.SkipReason{{TaskID: existing.ID, Reason: ReasonBundleReuse}}, nil
		}
		// the winner was superseded before we could see it; try again
		if !errors.Is(err, repo.ErrNotFound) {
			break
		}
	}
	return domain.Bundle{}, nil, apperr.Wrap(insertErr, "Failed to create bundle")
}

// CloseBundle closes a bundle without checking its members.
func (m Manager) CloseBundle(ctx context.Context, bundleID string) error {
	if err := m.Store.UpdateBundleState(ctx, bundleID, domain.BundleClosed); err != nil {
		return fmt.Errorf("close bundle %s: %w", bundleID, err)
	}
	return nil
}
