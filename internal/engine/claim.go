package engine

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"time"

	"annotask/internal/apperr"
	"annotask/internal/capability"
	"annotask/internal/domain"
	"annotask/internal/events"
	"annotask/internal/lease"
	"annotask/internal/repo"
)

// ClipPayload is the client view of a clip with resolved media URLs.
type ClipPayload struct {
	ID                  string   `json:"id"`
	AssetID             string   `json:"asset_id,omitempty"`
	StartMS             int      `json:"start_ms"`
	EndMS               int      `json:"end_ms"`
	OverlapMS           int      `json:"overlap_ms"`
	Speakers            []string `json:"speakers"`
	AudioURL            string   `json:"audio_url"`
	VideoURL            string   `json:"video_url,omitempty"`
	CaptionsVTTURL      string   `json:"captions_vtt_url,omitempty"`
	CaptionsAutoEnabled bool     `json:"captions_auto_enabled"`
	ContextPrevClip     string   `json:"context_prev_clip,omitempty"`
	ContextNextClip     string   `json:"context_next_clip,omitempty"`
}

// ClaimedTask is what a contributor receives for one leased task.
type ClaimedTask struct {
	TaskID         string          `json:"task_id"`
	AssignmentID   string          `json:"assignment_id"`
	LeaseExpiresAt time.Time       `json:"lease_expires_at"`
	Clip           ClipPayload     `json:"clip"`
	TaskType       string          `json:"task_type"`
	AISuggestion   json.RawMessage `json:"ai_suggestion,omitempty"`
	PriceCents     int             `json:"price_cents"`
	BundleID       string          `json:"bundle_id,omitempty"`
}

type ClaimOptions struct {
	BundleID string
	// LeaseFor overrides the configured lease duration.
	LeaseFor time.Duration
}

// ClaimResult carries the claimed task, or nil with the reasons every
// candidate was passed over.
type ClaimResult struct {
	Task        *ClaimedTask
	SkipReasons []apperr.SkipReason
}

type BundleResult struct {
	BundleID string        `json:"bundle_id"`
	Tasks    []ClaimedTask `json:"tasks"`
}

// ClaimSingleTask scans golden candidates (with the configured probability)
// and then the general pool, leasing the first task the contributor is
// eligible for.
func (e Engine) ClaimSingleTask(ctx context.Context, c domain.Contributor, opts ClaimOptions) (ClaimResult, error) {
	t := e.cfg().Tasks
	useGolden := e.random() < t.GoldenRatio
	caps := capability.Parse(c.Capabilities)
	leases := e.Leases()
	evts := e.events()

	var res ClaimResult
	skip := func(task domain.Task, reason string, logEvent bool) {
		res.SkipReasons = append(res.SkipReasons, apperr.SkipReason{TaskID: task.ID, Reason: reason})
		if logEvent {
			evts.Record(ctx, events.TaskSkipped, c.ID, events.EventPayload{"task_id": task.ID, "reason": reason})
		}
	}

	filters := []repo.CandidateFilter{
		{GoldenOnly: useGolden, Limit: t.CandidateLimit},
		{Limit: t.CandidateLimit},
	}
	for _, f := range filters {
		candidates, err := e.Repo.ListCandidates(ctx, f)
		if err != nil {
			return res, apperr.Wrap(err, "Failed to load candidate tasks")
		}
		for _, task := range candidates {
			clip, err := e.Repo.GetClip(ctx, task.ClipID)
			if errors.Is(err, repo.ErrNotFound) || task.ClipID == "" {
				skip(task, lease.ReasonMissingClip, true)
				continue
			}
			if err != nil {
				return res, apperr.Wrap(err, "Failed to load clip")
			}
			if !caps.HasTaskType(task.TaskType) {
				skip(task, lease.ReasonCapabilityMismatch, true)
				continue
			}
			if task.TaskType != domain.TaskTypeTranslationCheck && !capability.IsEligible(c, caps, task, &clip) {
				skip(task, lease.ReasonEligibilityFailure, true)
				continue
			}
			reason, err := leases.CheckSlot(ctx, task, c.ID)
			if err != nil {
				return res, apperr.Wrap(err, "Failed to load assignments")
			}
			if reason != "" {
				skip(task, reason, false)
				continue
			}
			a, reason := leases.Acquire(ctx, task, c.ID, opts.BundleID, opts.LeaseFor)
			if reason != "" {
				skip(task, reason, false)
				continue
			}

			if task.Status == domain.TaskStatusPending {
				if err := e.Repo.UpdateTaskStatus(ctx, task.ID, domain.TaskStatusInProgress); err != nil {
					e.logger().Warn("mark task in_progress failed", "task_id", task.ID, "error", err)
				}
			}
			evts.Record(ctx, events.TaskClaimed, c.ID, events.EventPayload{"task_id": task.ID, "bundle_id": nullableID(opts.BundleID)})

			claimed := ClaimedTask{
				TaskID:         task.ID,
				AssignmentID:   a.ID,
				LeaseExpiresAt: a.LeaseExpiresAt,
				Clip:           e.clipPayload(ctx, clip),
				TaskType:       task.TaskType,
				AISuggestion:   task.AISuggestion,
				PriceCents:     e.price(ctx, task),
				BundleID:       opts.BundleID,
			}
			res.Task = &claimed
			return res, nil
		}
	}
	return res, nil
}

// ClaimBundle leases up to count tasks under a fresh bundle. Claiming stops
// at the first failure; a bundle with no tasks is closed and reported as
// NO_TASKS.
func (e Engine) ClaimBundle(ctx context.Context, c domain.Contributor, count int) (BundleResult, error) {
	count = e.BundleSize(count)
	leases := e.Leases()
	b, reasons, err := leases.OpenBundle(ctx, c.ID)
	if err != nil {
		return BundleResult{}, err
	}

	out := BundleResult{BundleID: b.ID, Tasks: []ClaimedTask{}}
	for i := 0; i < count; i++ {
		res, err := e.ClaimSingleTask(ctx, c, ClaimOptions{BundleID: b.ID, LeaseFor: e.cfg().Tasks.BundleTTL()})
		if err != nil {
			return out, err
		}
		if res.Task == nil {
			reasons = append(reasons, res.SkipReasons...)
			break
		}
		out.Tasks = append(out.Tasks, *res.Task)
	}

	if len(out.Tasks) == 0 {
		if err := leases.CloseBundle(ctx, b.ID); err != nil {
			e.logger().Warn("close empty bundle failed", "bundle_id", b.ID, "error", err)
		}
		summary := e.SummarizeCandidates(ctx, 0)
		e.logger().Info("bundle claim found no tasks",
			"contributor_id", c.ID,
			"skip_reasons", len(reasons),
			"golden_candidates", summary.GoldenCandidates,
			"regular_candidates", summary.RegularCandidates)
		return out, apperr.NoTasks(reasons)
	}
	e.events().Record(ctx, events.BundleCreated, c.ID, events.EventPayload{"bundle_id": b.ID, "count": len(out.Tasks)})
	return out, nil
}

// BundleSize clamps a requested bundle size to the configured bounds.
func (e Engine) BundleSize(requested int) int {
	t := e.cfg().Tasks
	if requested <= 0 {
		requested = t.BundleSize
	}
	if t.MaxBundleSize > 0 && requested > t.MaxBundleSize {
		requested = t.MaxBundleSize
	}
	if requested <= 0 {
		requested = 1
	}
	return requested
}

// price resolves the task's own price, then the per-type price with surge.
func (e Engine) price(ctx context.Context, t domain.Task) int {
	if t.PriceCents > 0 {
		return t.PriceCents
	}
	p, err := e.Repo.GetTaskPrice(ctx, t.TaskType)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			e.logger().Warn("price lookup failed", "task_type", t.TaskType, "error", err)
		}
		return 0
	}
	surge := p.SurgeMultiplier
	if surge == 0 {
		surge = 1
	}
	return int(math.Round(float64(p.BaseCents) * surge))
}

func (e Engine) clipPayload(ctx context.Context, clip domain.Clip) ClipPayload {
	if clip.AssetID == "" {
		return BuildClipPayload(clip, nil)
	}
	asset, err := e.Repo.GetMediaAsset(ctx, clip.AssetID)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			e.logger().Warn("media asset lookup failed", "asset_id", clip.AssetID, "error", err)
		}
		return BuildClipPayload(clip, nil)
	}
	return BuildClipPayload(clip, &asset)
}

// BuildClipPayload resolves media URLs, preferring the linked asset over
// inline clip metadata.
func BuildClipPayload(clip domain.Clip, asset *domain.MediaAsset) ClipPayload {
	assetURI := ""
	if asset != nil {
		assetURI = asset.URI
	}
	p := ClipPayload{
		ID:              clip.ID,
		AssetID:         clip.AssetID,
		StartMS:         clip.StartMS,
		EndMS:           clip.EndMS,
		OverlapMS:       clip.OverlapMS,
		Speakers:        clip.Speakers,
		ContextPrevClip: clip.ContextPrevClip,
		ContextNextClip: clip.ContextNextClip,
	}
	if p.Speakers == nil {
		p.Speakers = []string{}
	}
	p.AudioURL = firstNonEmpty(assetURI, clip.MetaString("audio_url"), clip.MetaString("audio"), clip.MetaString("audio_uri"), clip.MetaString("audio_proxy_url"))
	p.VideoURL = firstNonEmpty(assetURI, clip.MetaString("video_url"), clip.MetaString("video"))
	if asset != nil {
		p.CaptionsVTTURL = metaString(asset.Meta, "transcript_vtt_url")
	} else {
		p.CaptionsVTTURL = firstNonEmpty(clip.CaptionsVTTURL, clip.MetaString("captions_vtt_url"), clip.MetaString("subtitles_vtt_url"), clip.MetaString("transcript_vtt_url"))
	}
	p.CaptionsAutoEnabled = p.CaptionsVTTURL != ""
	for _, key := range []string{"captions_auto_enabled", "captions_auto", "auto_captions"} {
		if v, ok := clip.Meta[key]; ok && v != nil {
			p.CaptionsAutoEnabled = truthy(v)
			break
		}
	}
	return p
}

type CandidateSummary struct {
	GoldenCandidates  int `json:"golden_candidates"`
	RegularCandidates int `json:"regular_candidates"`
	TotalCandidates   int `json:"total_candidates"`
}

// SummarizeCandidates counts golden and regular candidates for diagnostics.
func (e Engine) SummarizeCandidates(ctx context.Context, limit int) CandidateSummary {
	if limit <= 0 {
		limit = 50
	}
	var s CandidateSummary
	if golden, err := e.Repo.ListCandidates(ctx, repo.CandidateFilter{GoldenOnly: true, Limit: limit}); err == nil {
		s.GoldenCandidates = len(golden)
	}
	if regular, err := e.Repo.ListCandidates(ctx, repo.CandidateFilter{Limit: limit}); err == nil {
		s.RegularCandidates = len(regular)
	}
	s.TotalCandidates = s.GoldenCandidates + s.RegularCandidates
	return s
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func metaString(meta map[string]any, key string) string {
	if s, ok := meta[key].(string); ok {
		return s
	}
	return ""
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t != "" && t != "false" && t != "0"
	case float64:
		return t != 0
	case int:
		return t != 0
	default:
		return v != nil
	}
}

func nullableID(id string) any {
	if id == "" {
		return nil
	}
	return id
}
