package engine

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"annotask/internal/apperr"
	"annotask/internal/consensus"
	"annotask/internal/domain"
	"annotask/internal/events"
	"annotask/internal/repo"
	"annotask/internal/reputation"
	"annotask/internal/storage"
)

const (
	MinPlaybackRatio = 0.7
	MinDurationMS    = 1500
)

type SubmitInput struct {
	TaskID        string          `json:"task_id"`
	AssignmentID  string          `json:"assignment_id"`
	Payload       json.RawMessage `json:"payload"`
	DurationMS    int             `json:"duration_ms"`
	PlaybackRatio float64         `json:"playback_ratio"`
	WatchedMS     *int            `json:"watched_ms,omitempty"`
}

type SubmitResult struct {
	OK             bool    `json:"ok"`
	GreenCount     int     `json:"green_count"`
	Status         string  `json:"status"`
	AgreementScore float64 `json:"agreement_score"`
	GoldenMatch    *bool   `json:"golden_match"`
	// Replayed is set when the result came from the idempotency cache.
	Replayed bool `json:"replayed,omitempty"`
}

// loadAssignment returns the assignment if it belongs to the contributor.
func (e Engine) loadAssignment(ctx context.Context, assignmentID, contributorID string) (domain.Assignment, error) {
	a, err := e.Repo.GetAssignment(ctx, assignmentID)
	if errors.Is(err, repo.ErrNotFound) {
		return a, apperr.LeaseConflict(http.StatusNotFound, "Assignment not found")
	}
	if err != nil {
		return a, apperr.Wrap(err, "Failed to load assignment")
	}
	if a.ContributorID != contributorID {
		return a, apperr.Forbidden("Assignment does not belong to user")
	}
	return a, nil
}

// ReleaseAssignment gives an assignment back to the pool. Releasing a
// terminal assignment is a no-op.
func (e Engine) ReleaseAssignment(ctx context.Context, c domain.Contributor, assignmentID, reason string) (domain.Assignment, error) {
	a, err := e.loadAssignment(ctx, assignmentID, c.ID)
	if err != nil {
		return a, err
	}
	return e.Leases().Release(ctx, a, reason)
}

// RefreshLease extends a leased assignment and records playback progress.
func (e Engine) RefreshLease(ctx context.Context, c domain.Contributor, assignmentID string, playbackRatio *float64, watchedMS *int) (time.Time, error) {
	a, err := e.loadAssignment(ctx, assignmentID, c.ID)
	if err != nil {
		return time.Time{}, err
	}
	a, err = e.Leases().Heartbeat(ctx, a, playbackRatio, watchedMS)
	if err != nil {
		return time.Time{}, err
	}
	return a.LeaseExpiresAt, nil
}

// ValidatePlayback enforces the minimum engagement for a submission. The
// duration floor is checked before the ratio floor.
func ValidatePlayback(in SubmitInput) error {
	if in.DurationMS < MinDurationMS {
		return apperr.New(apperr.CodePlaybackTooShort, http.StatusUnprocessableEntity, "Duration too short")
	}
	if in.PlaybackRatio < MinPlaybackRatio {
		return apperr.New(apperr.CodePlaybackTooShort, http.StatusUnprocessableEntity, "Playback ratio must be >= 0.7")
	}
	return nil
}

// SubmitAssignment records a contributor's answer under idempotency key,
// recomputes the task's consensus and updates the contributor's stats.
// A failed submission releases the key so the client can retry with it.
func (e Engine) SubmitAssignment(ctx context.Context, c domain.Contributor, key string, in SubmitInput) (SubmitResult, error) {
	guard := e.guard()
	cached, err := guard.Begin(ctx, c.ID, key)
	if err != nil {
		return SubmitResult{}, err
	}
	if cached != nil {
		var res SubmitResult
		if err := json.Unmarshal(cached, &res); err == nil {
			res.Replayed = true
			return res, nil
		}
	}

	res, err := e.submit(ctx, c, in)
	if err != nil {
		guard.Forget(ctx, c.ID, key)
		return res, err
	}
	if body, err := json.Marshal(res); err == nil {
		guard.Remember(c.ID, key, body)
	}
	return res, nil
}

func (e Engine) submit(ctx context.Context, c domain.Contributor, in SubmitInput) (SubmitResult, error) {
	a, err := e.loadAssignment(ctx, in.AssignmentID, c.ID)
	if err != nil {
		return SubmitResult{}, err
	}
	if in.TaskID != "" && in.TaskID != a.TaskID {
		return SubmitResult{}, apperr.Validation(http.StatusBadRequest, "task_id does not match assignment")
	}
	if a.State == domain.AssignmentSubmitted {
		return SubmitResult{}, apperr.LeaseConflict(http.StatusConflict, "Assignment already submitted")
	}
	now := e.now()
	if a.LeaseExpiresAt.Before(now) {
		return SubmitResult{}, apperr.New(apperr.CodeLeaseExpired, http.StatusGone, "Assignment expired")
	}
	task, err := e.Repo.GetTask(ctx, a.TaskID)
	if err != nil {
		return SubmitResult{}, apperr.Wrap(err, "Task metadata missing")
	}
	if err := ValidatePlayback(in); err != nil {
		return SubmitResult{}, err
	}
	payload := in.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}

	ratio := in.PlaybackRatio
	next := a
	next.State = domain.AssignmentSubmitted
	next.PlaybackRatio = &ratio
	next.WatchedMS = in.WatchedMS
	if err := e.Repo.TransitionAssignment(ctx, a, next); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return SubmitResult{}, apperr.LeaseConflict(http.StatusConflict, "Assignment already submitted")
		}
		return SubmitResult{}, apperr.Wrap(err, "Failed to update assignment")
	}

	if err := e.Repo.UpsertResponse(ctx, domain.TaskResponse{
		TaskID:        a.TaskID,
		ContributorID: c.ID,
		Payload:       payload,
		DurationMS:    in.DurationMS,
		PlaybackRatio: in.PlaybackRatio,
		CreatedAt:     now,
		UpdatedAt:     now,
	}); err != nil {
		if rerr := e.Repo.TransitionAssignment(ctx, next, a); rerr != nil {
			e.logger().Warn("assignment rollback failed", "assignment_id", a.ID, "error", rerr)
		}
		return SubmitResult{}, apperr.Wrap(err, "Failed to store response")
	}
	a = next

	e.persistAnnotation(ctx, task, c.ID, payload, now)

	result, goldenMatch, goldenEvaluated, err := e.recomputeConsensus(ctx, task, c.ID, payload)
	if err != nil {
		return SubmitResult{}, err
	}
	evts := e.events()
	if goldenEvaluated {
		evts.Record(ctx, events.GoldenEvaluated, c.ID, events.EventPayload{"task_id": task.ID, "matched": goldenMatch})
	}
	evts.Record(ctx, events.TaskSubmitted, c.ID, events.EventPayload{
		"task_id":     task.ID,
		"green_count": result.GreenCount,
		"status":      result.Status,
	})

	aligned := consensus.NormalizeKey(payload) == result.WinningKey
	e.updateStats(ctx, c.ID, reputation.Outcome{Aligned: aligned, GoldenEvaluated: goldenEvaluated, GoldenMatch: goldenMatch}, now)

	if _, err := e.Leases().MaybeCloseBundle(ctx, a.BundleID, c.ID); err != nil {
		e.logger().Warn("bundle close check failed", "bundle_id", a.BundleID, "error", err)
	}

	out := SubmitResult{
		OK:             true,
		GreenCount:     result.GreenCount,
		Status:         result.Status,
		AgreementScore: result.AgreementScore,
	}
	if goldenEvaluated {
		out.GoldenMatch = &goldenMatch
	}
	return out, nil
}

// recomputeConsensus rebuilds the task verdict from every stored response.
func (e Engine) recomputeConsensus(ctx context.Context, task domain.Task, submitterID string, submission json.RawMessage) (consensus.Result, bool, bool, error) {
	responses, err := e.Repo.ListResponses(ctx, task.ID)
	if err != nil {
		return consensus.Result{}, false, false, apperr.Wrap(err, "Failed to load responses")
	}
	ids := make([]string, 0, len(responses))
	for _, r := range responses {
		ids = append(ids, r.ContributorID)
	}
	stats, err := e.Repo.ListStats(ctx, ids)
	if err != nil {
		e.logger().Warn("load voter stats failed", "task_id", task.ID, "error", err)
		stats = nil
	}
	votes := make([]domain.Vote, 0, len(responses))
	for _, r := range responses {
		ewma := reputation.DefaultEWMA
		if s, ok := stats[r.ContributorID]; ok {
			ewma = s.EWMAAgreement
		}
		votes = append(votes, domain.Vote{ContributorID: r.ContributorID, Payload: r.Payload, Weight: consensus.Weight(ewma)})
	}
	if len(votes) == 0 {
		votes = append(votes, domain.Vote{ContributorID: submitterID, Payload: submission, Weight: 1})
	}

	result := consensus.Compute(consensus.Input{
		Votes:             votes,
		CurrentStatus:     task.Status,
		MinGreenForSkipQA: firstPositive(task.MinGreenForSkipQA, e.cfg().Tasks.MinGreenSkipQA),
		MinGreenForReview: firstPositive(task.MinGreenForReview, e.cfg().Tasks.MinGreenReview),
	})
	now := e.now()
	if err := e.Repo.UpsertConsensus(ctx, domain.ConsensusRecord{
		TaskID:         task.ID,
		Consensus:      result.Consensus,
		Votes:          result.Votes,
		GreenCount:     result.GreenCount,
		AgreementScore: result.AgreementScore,
		FinalStatus:    result.Status,
		UpdatedAt:      now,
	}); err != nil {
		return result, false, false, apperr.Wrap(err, "Failed to store consensus")
	}
	if result.Status != task.Status {
		if err := e.Repo.UpdateTaskStatus(ctx, task.ID, result.Status); err != nil {
			return result, false, false, apperr.Wrap(err, "Failed to update task status")
		}
	}
	matched, evaluated := consensus.GoldenMatch(task, submission)
	return result, matched, evaluated, nil
}

// updateStats folds the outcome into the contributor's reputation. Failures
// are logged; the submission already counts.
func (e Engine) updateStats(ctx context.Context, contributorID string, o reputation.Outcome, at time.Time) {
	prev, err := e.Repo.GetStats(ctx, contributorID)
	if errors.Is(err, repo.ErrNotFound) {
		prev = reputation.Seed(contributorID)
	} else if err != nil {
		e.logger().Warn("load contributor stats failed", "contributor_id", contributorID, "error", err)
		return
	}
	if err := e.Repo.UpsertStats(ctx, reputation.Apply(prev, o, at)); err != nil {
		e.logger().Warn("contributor stats upsert failed", "contributor_id", contributorID, "error", err)
	}
}

func (e Engine) persistAnnotation(ctx context.Context, task domain.Task, contributorID string, payload json.RawMessage, at time.Time) {
	key, err := e.Annotations.Save(ctx, storage.Annotation{
		ClipID:        task.ClipID,
		TaskID:        task.ID,
		TaskType:      task.TaskType,
		ContributorID: contributorID,
		Payload:       payload,
		SavedAt:       at,
	})
	if err != nil {
		e.logger().Warn("annotation persist failed", "task_id", task.ID, "error", err)
		return
	}
	if key != "" {
		e.logger().Debug("annotation persisted", "task_id", task.ID, "key", key)
	}
}

func firstPositive(values ...int) int {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}
