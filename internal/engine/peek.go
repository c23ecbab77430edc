package engine

import (
	"context"
	"errors"
	"net/http"

	"annotask/internal/apperr"
	"annotask/internal/domain"
	"annotask/internal/idempotency"
	"annotask/internal/lease"
	"annotask/internal/repo"
)

// secondsPerQueuedTask scales backlog depth into a wait estimate.
const secondsPerQueuedTask = 12

type PeekResult struct {
	Count          int            `json:"count"`
	BacklogByType  map[string]int `json:"backlog_by_type"`
	EstWaitSeconds int            `json:"est_wait_seconds"`
}

// Peek reports open backlog without claiming anything. The wait estimate
// uses the backlog of taskType, translation_check when empty.
func (e Engine) Peek(ctx context.Context, taskType string) (PeekResult, error) {
	counts, err := e.Repo.CountOpenTasks(ctx)
	if err != nil {
		return PeekResult{}, apperr.Wrap(err, "Failed to count backlog")
	}
	res := PeekResult{BacklogByType: counts}
	for _, n := range counts {
		res.Count += n
	}
	if res.Count == 0 {
		return res, nil
	}
	if taskType == "" {
		taskType = domain.TaskTypeTranslationCheck
	}
	res.EstWaitSeconds = max(5, counts[taskType]*secondsPerQueuedTask)
	return res, nil
}

type ClipContext struct {
	Clip ClipPayload  `json:"clip"`
	Prev *ClipPayload `json:"prev,omitempty"`
	Next *ClipPayload `json:"next,omitempty"`
}

// ClipContext returns a clip with its neighbouring clips when they exist.
func (e Engine) ClipContext(ctx context.Context, clipID string) (ClipContext, error) {
	clip, err := e.Repo.GetClip(ctx, clipID)
	if errors.Is(err, repo.ErrNotFound) {
		return ClipContext{}, apperr.Validation(http.StatusNotFound, "Clip not found")
	}
	if err != nil {
		return ClipContext{}, apperr.Wrap(err, "Failed to load clip")
	}
	out := ClipContext{Clip: BuildClipPayload(clip, nil)}
	if clip.ContextPrevClip != "" {
		if prev, err := e.Repo.GetClip(ctx, clip.ContextPrevClip); err == nil {
			p := BuildClipPayload(prev, nil)
			out.Prev = &p
		}
	}
	if clip.ContextNextClip != "" {
		if next, err := e.Repo.GetClip(ctx, clip.ContextNextClip); err == nil {
			p := BuildClipPayload(next, nil)
			out.Next = &p
		}
	}
	return out, nil
}

type ReconcileReport struct {
	LeasesReclaimed int   `json:"leases_reclaimed"`
	BundlesExpired  int   `json:"bundles_expired"`
	KeysPruned      int64 `json:"keys_pruned"`
}

// Reconcile sweeps lapsed leases and stale bundles with the same
// predicates the request path applies lazily.
func (e Engine) Reconcile(ctx context.Context, limit int) (ReconcileReport, error) {
	var rep ReconcileReport
	leases := e.Leases()
	now := e.now()

	lapsed, err := e.Repo.ListLeasedBefore(ctx, now, limit)
	if err != nil {
		return rep, err
	}
	for _, a := range lapsed {
		ok, err := leases.Reclaim(ctx, a)
		if err != nil {
			return rep, err
		}
		if ok {
			rep.LeasesReclaimed++
		}
	}

	active, err := e.Repo.ListBundlesByState(ctx, domain.BundleActive, limit)
	if err != nil {
		return rep, err
	}
	for _, b := range active {
		if !lease.IsBundleExpired(b, now) {
			continue
		}
		ok, err := leases.ExpireIfStale(ctx, b)
		if err != nil {
			return rep, err
		}
		if ok {
			rep.BundlesExpired++
		}
	}

	pruned, err := e.Repo.PruneIdempotencyKeys(ctx, now.Add(-idempotency.DefaultWindow))
	if err != nil {
		return rep, err
	}
	rep.KeysPruned = pruned
	e.logger().Info("reconcile finished",
		"leases_reclaimed", rep.LeasesReclaimed,
		"bundles_expired", rep.BundlesExpired,
		"keys_pruned", rep.KeysPruned)
	return rep, nil
}

// Leaderboard lists contributors by agreement score.
func (e Engine) Leaderboard(ctx context.Context, limit int) ([]domain.ContributorStats, error) {
	if limit <= 0 {
		limit = 20
	}
	return e.Repo.TopStats(ctx, limit)
}
