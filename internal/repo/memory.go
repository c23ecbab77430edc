package repo

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"annotask/internal/domain"
)

type pairKey struct{ a, b string }

// Memory is a map-backed Repository for tests and mock deployments. It
// enforces the same uniqueness rules as the SQL schema.
type Memory struct {
	// GenerateReplacements makes RecycleTask push a freshly generated task
	// of the same type into the pool.
	GenerateReplacements bool

	mu            sync.RWMutex
	seq           int64
	contributors  map[string]domain.Contributor
	stats         map[string]domain.ContributorStats
	tasks         map[string]domain.Task
	taskSeq       map[string]int64
	prices        map[string]domain.TaskPrice
	clips         map[string]domain.Clip
	assets        map[string]domain.MediaAsset
	assignments   map[string]domain.Assignment
	assignmentSeq map[string]int64
	pairs         map[pairKey]string
	bundles       map[string]domain.Bundle
	bundleSeq     map[string]int64
	responses     map[string][]domain.TaskResponse
	consensus     map[string]domain.ConsensusRecord
	idem          map[pairKey]domain.IdempotencyKey
	events        []domain.Event
	apiKeys       map[string]domain.APIKey
}

var _ Repository = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		contributors:  make(map[string]domain.Contributor),
		stats:         make(map[string]domain.ContributorStats),
		tasks:         make(map[string]domain.Task),
		taskSeq:       make(map[string]int64),
		prices:        make(map[string]domain.TaskPrice),
		clips:         make(map[string]domain.Clip),
		assets:        make(map[string]domain.MediaAsset),
		assignments:   make(map[string]domain.Assignment),
		assignmentSeq: make(map[string]int64),
		pairs:         make(map[pairKey]string),
		bundles:       make(map[string]domain.Bundle),
		bundleSeq:     make(map[string]int64),
		responses:     make(map[string][]domain.TaskResponse),
		consensus:     make(map[string]domain.ConsensusRecord),
		idem:          make(map[pairKey]domain.IdempotencyKey),
		apiKeys:       make(map[string]domain.APIKey),
	}
}

func (m *Memory) Driver() string { return "memory" }

func (m *Memory) next() int64 {
	m.seq++
	return m.seq
}

func (m *Memory) GetContributor(_ context.Context, id string) (domain.Contributor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.contributors[id]
	if !ok {
		return domain.Contributor{}, ErrNotFound
	}
	return c, nil
}

func (m *Memory) UpsertContributor(_ context.Context, c domain.Contributor) error {
	if c.ID == "" {
		return fmt.Errorf("contributor id required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.contributors[c.ID]; ok && c.CreatedAt.IsZero() {
		c.CreatedAt = existing.CreatedAt
	}
	m.contributors[c.ID] = c
	return nil
}

func (m *Memory) GetStats(_ context.Context, contributorID string) (domain.ContributorStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.stats[contributorID]
	if !ok {
		return domain.ContributorStats{}, ErrNotFound
	}
	return s, nil
}

func (m *Memory) ListStats(_ context.Context, contributorIDs []string) (map[string]domain.ContributorStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]domain.ContributorStats, len(contributorIDs))
	for _, id := range contributorIDs {
		if s, ok := m.stats[id]; ok {
			out[id] = s
		}
	}
	return out, nil
}

func (m *Memory) TopStats(_ context.Context, limit int) ([]domain.ContributorStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.ContributorStats, 0, len(m.stats))
	for _, s := range m.stats {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TasksTotal != out[j].TasksTotal {
			return out[i].TasksTotal > out[j].TasksTotal
		}
		return out[i].ContributorID < out[j].ContributorID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) UpsertStats(_ context.Context, s domain.ContributorStats) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats[s.ContributorID] = s
	return nil
}

func (m *Memory) InsertTask(_ context.Context, t domain.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertTaskLocked(t)
}

func (m *Memory) insertTaskLocked(t domain.Task) error {
	if t.ID == "" {
		return fmt.Errorf("task id required")
	}
	if _, ok := m.tasks[t.ID]; ok {
		return ErrConflict
	}
	if t.Status == "" {
		t.Status = domain.TaskStatusPending
	}
	m.tasks[t.ID] = t
	m.taskSeq[t.ID] = m.next()
	return nil
}

func (m *Memory) GetTask(_ context.Context, id string) (domain.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return domain.Task{}, ErrNotFound
	}
	return t, nil
}

func (m *Memory) ListCandidates(_ context.Context, f CandidateFilter) ([]domain.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Task
	for _, t := range m.tasks {
		if !isOpenStatus(t.Status) {
			continue
		}
		if f.GoldenOnly && !t.IsGolden {
			continue
		}
		if f.TaskType != "" && t.TaskType != f.TaskType {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return m.taskSeq[out[i].ID] > m.taskSeq[out[j].ID]
	})
	if limit := candidateLimit(f.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) UpdateTaskStatus(_ context.Context, id, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return ErrNotFound
	}
	t.Status = status
	m.tasks[id] = t
	return nil
}

func (m *Memory) CountOpenTasks(_ context.Context) (map[string]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]int)
	for _, t := range m.tasks {
		if isOpenStatus(t.Status) {
			out[t.TaskType]++
		}
	}
	return out, nil
}

func (m *Memory) RecycleTask(_ context.Context, t domain.Task, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.GenerateReplacements {
		clip, task := GenerateTask(t.TaskType, at)
		m.clips[clip.ID] = clip
		return m.insertTaskLocked(task)
	}
	current, ok := m.tasks[t.ID]
	if !ok || current.Status != domain.TaskStatusInProgress {
		return nil
	}
	for _, a := range m.assignments {
		if a.TaskID != t.ID {
			continue
		}
		if a.State == domain.AssignmentSubmitted || (a.State == domain.AssignmentLeased && a.LeaseExpiresAt.After(at)) {
			return nil
		}
	}
	current.Status = domain.TaskStatusPending
	m.tasks[t.ID] = current
	return nil
}

func (m *Memory) UpsertTaskPrice(_ context.Context, p domain.TaskPrice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices[p.TaskType] = p
	return nil
}

func (m *Memory) GetTaskPrice(_ context.Context, taskType string) (domain.TaskPrice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.prices[taskType]
	if !ok {
		return domain.TaskPrice{}, ErrNotFound
	}
	return p, nil
}

func (m *Memory) InsertClip(_ context.Context, c domain.Clip) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.clips[c.ID]; ok {
		return ErrConflict
	}
	m.clips[c.ID] = c
	return nil
}

func (m *Memory) GetClip(_ context.Context, id string) (domain.Clip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.clips[id]
	if !ok {
		return domain.Clip{}, ErrNotFound
	}
	return c, nil
}

func (m *Memory) InsertMediaAsset(_ context.Context, a domain.MediaAsset) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.assets[a.ID]; ok {
		return ErrConflict
	}
	m.assets[a.ID] = a
	return nil
}

func (m *Memory) GetMediaAsset(_ context.Context, id string) (domain.MediaAsset, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.assets[id]
	if !ok {
		return domain.MediaAsset{}, ErrNotFound
	}
	return a, nil
}

func (m *Memory) InsertAssignment(_ context.Context, a domain.Assignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.assignments[a.ID]; ok {
		return ErrConflict
	}
	pk := pairKey{a.TaskID, a.ContributorID}
	if _, ok := m.pairs[pk]; ok {
		return ErrConflict
	}
	m.assignments[a.ID] = a
	m.assignmentSeq[a.ID] = m.next()
	m.pairs[pk] = a.ID
	return nil
}

func (m *Memory) GetAssignment(_ context.Context, id string) (domain.Assignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.assignments[id]
	if !ok {
		return domain.Assignment{}, ErrNotFound
	}
	return a, nil
}

func (m *Memory) FindAssignment(_ context.Context, taskID, contributorID string) (domain.Assignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.pairs[pairKey{taskID, contributorID}]
	if !ok {
		return domain.Assignment{}, ErrNotFound
	}
	return m.assignments[id], nil
}

func (m *Memory) listAssignments(match func(domain.Assignment) bool) []domain.Assignment {
	var out []domain.Assignment
	for _, a := range m.assignments {
		if match(a) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return m.assignmentSeq[out[i].ID] < m.assignmentSeq[out[j].ID] })
	return out
}

func (m *Memory) ListAssignmentsByTask(_ context.Context, taskID string) ([]domain.Assignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listAssignments(func(a domain.Assignment) bool { return a.TaskID == taskID }), nil
}

func (m *Memory) ListAssignmentsByBundle(_ context.Context, bundleID string) ([]domain.Assignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listAssignments(func(a domain.Assignment) bool { return a.BundleID == bundleID }), nil
}

func (m *Memory) TransitionAssignment(_ context.Context, prev, next domain.Assignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.assignments[prev.ID]
	if !ok {
		return ErrNotFound
	}
	if existing.State != prev.State || !existing.LeaseExpiresAt.Equal(prev.LeaseExpiresAt) {
		return ErrConflict
	}
	// task and contributor are immutable
	next.ID = existing.ID
	next.TaskID = existing.TaskID
	next.ContributorID = existing.ContributorID
	next.CreatedAt = existing.CreatedAt
	m.assignments[next.ID] = next
	return nil
}

func (m *Memory) ListLeasedBefore(_ context.Context, t time.Time, limit int) ([]domain.Assignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := m.listAssignments(func(a domain.Assignment) bool {
		return a.State == domain.AssignmentLeased && a.LeaseExpiresAt.Before(t)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) InsertBundle(_ context.Context, b domain.Bundle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.bundles[b.ID]; ok {
		return ErrConflict
	}
	if b.State == domain.BundleActive {
		for _, other := range m.bundles {
			if other.ContributorID == b.ContributorID && other.State == domain.BundleActive {
				return ErrConflict
			}
		}
	}
	m.bundles[b.ID] = b
	m.bundleSeq[b.ID] = m.next()
	return nil
}

func (m *Memory) GetBundle(_ context.Context, id string) (domain.Bundle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bundles[id]
	if !ok {
		return domain.Bundle{}, ErrNotFound
	}
	return b, nil
}

func (m *Memory) FindBundle(_ context.Context, contributorID string, states ...string) (domain.Bundle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var found domain.Bundle
	var foundSeq int64 = -1
	for _, b := range m.bundles {
		if b.ContributorID != contributorID || !contains(states, b.State) {
			continue
		}
		if seq := m.bundleSeq[b.ID]; seq > foundSeq {
			found, foundSeq = b, seq
		}
	}
	if foundSeq < 0 {
		return domain.Bundle{}, ErrNotFound
	}
	return found, nil
}

func (m *Memory) UpdateBundleState(_ context.Context, id, state string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bundles[id]
	if !ok {
		return ErrNotFound
	}
	b.State = state
	m.bundles[id] = b
	return nil
}

func (m *Memory) ListBundlesByState(_ context.Context, state string, limit int) ([]domain.Bundle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Bundle
	for _, b := range m.bundles {
		if b.State == state {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return m.bundleSeq[out[i].ID] < m.bundleSeq[out[j].ID] })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) UpsertResponse(_ context.Context, r domain.TaskResponse) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.responses[r.TaskID]
	for i, existing := range list {
		if existing.ContributorID == r.ContributorID {
			r.CreatedAt = existing.CreatedAt
			list[i] = r
			return nil
		}
	}
	m.responses[r.TaskID] = append(list, r)
	return nil
}

func (m *Memory) ListResponses(_ context.Context, taskID string) ([]domain.TaskResponse, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]domain.TaskResponse(nil), m.responses[taskID]...), nil
}

func (m *Memory) UpsertConsensus(_ context.Context, c domain.ConsensusRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consensus[c.TaskID] = c
	return nil
}

func (m *Memory) GetConsensus(_ context.Context, taskID string) (domain.ConsensusRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.consensus[taskID]
	if !ok {
		return domain.ConsensusRecord{}, ErrNotFound
	}
	return c, nil
}

func (m *Memory) InsertIdempotencyKey(_ context.Context, k domain.IdempotencyKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	pk := pairKey{k.ContributorID, k.Key}
	if _, ok := m.idem[pk]; ok {
		return ErrConflict
	}
	m.idem[pk] = k
	return nil
}

func (m *Memory) GetIdempotencyKey(_ context.Context, contributorID, key string) (domain.IdempotencyKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	k, ok := m.idem[pairKey{contributorID, key}]
	if !ok {
		return domain.IdempotencyKey{}, ErrNotFound
	}
	return k, nil
}

func (m *Memory) DeleteIdempotencyKey(_ context.Context, contributorID, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.idem, pairKey{contributorID, key})
	return nil
}

func (m *Memory) PruneIdempotencyKeys(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for pk, k := range m.idem {
		if k.CreatedAt.Before(before) {
			delete(m.idem, pk)
			n++
		}
	}
	return n, nil
}

func (m *Memory) AppendEvent(_ context.Context, e domain.Event) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.ID = int64(len(m.events) + 1)
	m.events = append(m.events, e)
	return e.ID, nil
}

func (m *Memory) EventsAfter(_ context.Context, after int64, limit int) ([]domain.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Event
	for _, e := range m.events {
		if e.ID <= after {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) LatestEventID(_ context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.events)), nil
}

func (m *Memory) InsertAPIKey(_ context.Context, key domain.APIKey) error {
	if err := validateAPIKey(key); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.apiKeys[key.KeyHash]; ok {
		return ErrConflict
	}
	m.apiKeys[key.KeyHash] = key
	return nil
}

func (m *Memory) GetAPIKeyByHash(_ context.Context, hash string) (domain.APIKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	k, ok := m.apiKeys[hash]
	if !ok {
		return domain.APIKey{}, ErrNotFound
	}
	return k, nil
}

func contains(values []string, v string) bool {
	for _, item := range values {
		if item == v {
			return true
		}
	}
	return false
}

// newID is shared by generated fixtures.
func newID() string { return uuid.NewString() }
