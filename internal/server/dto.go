package server

import (
	"time"

	"annotask/internal/apperr"
	"annotask/internal/engine"
)

// Request payloads

type HeartbeatRequest struct {
	AssignmentID  string   `json:"assignment_id" minLength:"1"`
	PlaybackRatio *float64 `json:"playback_ratio,omitempty" minimum:"0" maximum:"1"`
	WatchedMS     *int     `json:"watched_ms,omitempty" minimum:"0"`
}

type ReleaseRequest struct {
	AssignmentID string `json:"assignment_id" minLength:"1"`
	Reason       string `json:"reason,omitempty"`
}

type SubmitRequest struct {
	TaskID        string  `json:"task_id" minLength:"1"`
	AssignmentID  string  `json:"assignment_id" minLength:"1"`
	Payload       any     `json:"payload,omitempty"`
	DurationMS    int     `json:"duration_ms,omitempty"`
	PlaybackRatio float64 `json:"playback_ratio,omitempty"`
	WatchedMS     *int    `json:"watched_ms,omitempty"`
}

// Response payloads

type HeartbeatResponse struct {
	OK             bool      `json:"ok"`
	LeaseExpiresAt time.Time `json:"lease_expires_at"`
}

type ReleaseResponse struct {
	OK    bool   `json:"ok"`
	State string `json:"state"`
}

type BundleDebug struct {
	SkipReasons []apperr.SkipReason `json:"skip_reasons"`
}

// BundleResponse is either a claimed bundle or, with Status NO_TASKS, the
// diagnostics explaining why nothing could be claimed.
type BundleResponse struct {
	Status   string               `json:"status,omitempty"`
	BundleID string               `json:"bundle_id,omitempty"`
	Tasks    []engine.ClaimedTask `json:"tasks"`
	Debug    *BundleDebug         `json:"debug,omitempty"`
}

type HealthResponse struct {
	Status     string   `json:"status"`
	Store      string   `json:"store"`
	Storage    string   `json:"storage"`
	EventSinks []string `json:"event_sinks"`
	MockMode   bool     `json:"mock_mode"`
}

func bundleResponse(b engine.BundleResult) BundleResponse {
	tasks := b.Tasks
	if tasks == nil {
		tasks = []engine.ClaimedTask{}
	}
	return BundleResponse{BundleID: b.BundleID, Tasks: tasks}
}

func noTasksResponse(reasons []apperr.SkipReason) BundleResponse {
	if reasons == nil {
		reasons = []apperr.SkipReason{}
	}
	return BundleResponse{
		Status: apperr.CodeNoTasks,
		Tasks:  []engine.ClaimedTask{},
		Debug:  &BundleDebug{SkipReasons: reasons},
	}
}
