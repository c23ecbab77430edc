package repo

import (
	"context"
	"errors"
	"time"

	"annotask/internal/domain"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict reports a unique constraint violation.
	ErrConflict = errors.New("conflict")
)

// DefaultCandidateLimit bounds one candidate scan.
const DefaultCandidateLimit = 25

// CandidateFilter selects claimable tasks, newest first.
type CandidateFilter struct {
	GoldenOnly bool
	TaskType   string
	Limit      int
}

type ContributorStore interface {
	GetContributor(ctx context.Context, id string) (domain.Contributor, error)
	UpsertContributor(ctx context.Context, c domain.Contributor) error
	GetStats(ctx context.Context, contributorID string) (domain.ContributorStats, error)
	ListStats(ctx context.Context, contributorIDs []string) (map[string]domain.ContributorStats, error)
	TopStats(ctx context.Context, limit int) ([]domain.ContributorStats, error)
	UpsertStats(ctx context.Context, s domain.ContributorStats) error
}

type TaskStore interface {
	InsertTask(ctx context.Context, t domain.Task) error
	GetTask(ctx context.Context, id string) (domain.Task, error)
	ListCandidates(ctx context.Context, f CandidateFilter) ([]domain.Task, error)
	UpdateTaskStatus(ctx context.Context, id, status string) error
	CountOpenTasks(ctx context.Context) (map[string]int, error)
	// RecycleTask returns released work to the pool for its task type.
	RecycleTask(ctx context.Context, t domain.Task, at time.Time) error
	UpsertTaskPrice(ctx context.Context, p domain.TaskPrice) error
	GetTaskPrice(ctx context.Context, taskType string) (domain.TaskPrice, error)
	InsertClip(ctx context.Context, c domain.Clip) error
	GetClip(ctx context.Context, id string) (domain.Clip, error)
	InsertMediaAsset(ctx context.Context, a domain.MediaAsset) error
	GetMediaAsset(ctx context.Context, id string) (domain.MediaAsset, error)
}

type AssignmentStore interface {
	// InsertAssignment returns ErrConflict when the contributor already has
	// a row for the task.
	InsertAssignment(ctx context.Context, a domain.Assignment) error
	GetAssignment(ctx context.Context, id string) (domain.Assignment, error)
	FindAssignment(ctx context.Context, taskID, contributorID string) (domain.Assignment, error)
	ListAssignmentsByTask(ctx context.Context, taskID string) ([]domain.Assignment, error)
	ListAssignmentsByBundle(ctx context.Context, bundleID string) ([]domain.Assignment, error)
	// TransitionAssignment writes next over the row only while it still
	// holds prev's state and lease expiry. A row that moved on returns
	// ErrConflict.
	TransitionAssignment(ctx context.Context, prev, next domain.Assignment) error
	// ListLeasedBefore returns leased rows whose lease ended before t.
	ListLeasedBefore(ctx context.Context, t time.Time, limit int) ([]domain.Assignment, error)

	// InsertBundle returns ErrConflict when the contributor already has an
	// active bundle.
	InsertBundle(ctx context.Context, b domain.Bundle) error
	GetBundle(ctx context.Context, id string) (domain.Bundle, error)
	// FindBundle returns the newest bundle of the contributor in one of states.
	FindBundle(ctx context.Context, contributorID string, states ...string) (domain.Bundle, error)
	UpdateBundleState(ctx context.Context, id, state string) error
	ListBundlesByState(ctx context.Context, state string, limit int) ([]domain.Bundle, error)
}

type ResponseStore interface {
	UpsertResponse(ctx context.Context, r domain.TaskResponse) error
	// ListResponses returns responses oldest first.
	ListResponses(ctx context.Context, taskID string) ([]domain.TaskResponse, error)
	UpsertConsensus(ctx context.Context, c domain.ConsensusRecord) error
	GetConsensus(ctx context.Context, taskID string) (domain.ConsensusRecord, error)
}

type IdempotencyStore interface {
	InsertIdempotencyKey(ctx context.Context, k domain.IdempotencyKey) error
	GetIdempotencyKey(ctx context.Context, contributorID, key string) (domain.IdempotencyKey, error)
	DeleteIdempotencyKey(ctx context.Context, contributorID, key string) error
	PruneIdempotencyKeys(ctx context.Context, before time.Time) (int64, error)
}

type EventStore interface {
	AppendEvent(ctx context.Context, e domain.Event) (int64, error)
	EventsAfter(ctx context.Context, after int64, limit int) ([]domain.Event, error)
	LatestEventID(ctx context.Context) (int64, error)
}

type APIKeyStore interface {
	InsertAPIKey(ctx context.Context, key domain.APIKey) error
	GetAPIKeyByHash(ctx context.Context, hash string) (domain.APIKey, error)
}

// Repository is everything the task service persists.
type Repository interface {
	ContributorStore
	TaskStore
	AssignmentStore
	ResponseStore
	IdempotencyStore
	EventStore
	APIKeyStore
	Driver() string
}

func candidateLimit(n int) int {
	if n <= 0 {
		return DefaultCandidateLimit
	}
	return n
}

func isOpenStatus(status string) bool {
	return status == domain.TaskStatusPending || status == domain.TaskStatusInProgress
}
