package lease_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"annotask/internal/apperr"
	"annotask/internal/domain"
	"annotask/internal/events"
	"annotask/internal/lease"
	"annotask/internal/repo"
)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func newManager(t *testing.T) (lease.Manager, *repo.Memory, *clock) {
	t.Helper()
	store := repo.NewMemory()
	clk := &clock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	m := lease.Manager{
		Store:  store,
		Events: events.Writer{Store: store, Now: clk.Now},
		Now:    clk.Now,
	}
	return m, store, clk
}

func insertTask(t *testing.T, store *repo.Memory, id, taskType string, target int) domain.Task {
	t.Helper()
	task := domain.Task{ID: id, ClipID: "clip-" + id, TaskType: taskType, TargetVotes: target, CreatedAt: time.Now()}
	require.NoError(t, store.InsertTask(context.Background(), task))
	return task
}

func TestPredicates(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	assert.True(t, lease.IsLeaseActive(domain.Assignment{State: domain.AssignmentLeased, LeaseExpiresAt: now.Add(time.Second)}, now))
	assert.False(t, lease.IsLeaseActive(domain.Assignment{State: domain.AssignmentLeased, LeaseExpiresAt: now}, now))
	assert.False(t, lease.IsLeaseActive(domain.Assignment{State: domain.AssignmentSubmitted, LeaseExpiresAt: now.Add(time.Hour)}, now))

	b := domain.Bundle{State: domain.BundleActive, TTLMinutes: 45, CreatedAt: now.Add(-46 * time.Minute)}
	assert.True(t, lease.IsBundleExpired(b, now))
	b.CreatedAt = now.Add(-10 * time.Minute)
	assert.False(t, lease.IsBundleExpired(b, now))
	b.State = domain.BundleClosed
	b.CreatedAt = now.Add(-2 * time.Hour)
	assert.False(t, lease.IsBundleExpired(b, now))
}

func TestCheckSlot(t *testing.T) {
	ctx := context.Background()
	m, store, clk := newManager(t)
	task := insertTask(t, store, "t1", domain.TaskTypeEmotionTag, 2)

	_, reason := m.Acquire(ctx, task, "c1", "", 0)
	require.Empty(t, reason)
	_, reason = m.Acquire(ctx, task, "c2", "", 0)
	require.Empty(t, reason)

	got, err := m.CheckSlot(ctx, task, "c1")
	require.NoError(t, err)
	assert.Equal(t, lease.ReasonAlreadyAssigned, got)

	got, err = m.CheckSlot(ctx, task, "c3")
	require.NoError(t, err)
	assert.Equal(t, lease.ReasonNoOpenSlots, got)

	// lapsed leases stop occupying a slot
	clk.now = clk.now.Add(lease.DefaultLeaseDuration + time.Minute)
	got, err = m.CheckSlot(ctx, task, "c3")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestCheckSlotTranslationCheckUnlimited(t *testing.T) {
	ctx := context.Background()
	m, store, _ := newManager(t)
	task := insertTask(t, store, "t1", domain.TaskTypeTranslationCheck, 1)

	for _, c := range []string{"c1", "c2", "c3", "c4"} {
		got, err := m.CheckSlot(ctx, task, c)
		require.NoError(t, err)
		require.Empty(t, got, c)
		_, reason := m.Acquire(ctx, task, c, "", 0)
		require.Empty(t, reason)
	}
	got, err := m.CheckSlot(ctx, task, "c1")
	require.NoError(t, err)
	assert.Equal(t, lease.ReasonAlreadyAssigned, got)
}

func TestAcquireRenewsExistingRow(t *testing.T) {
	ctx := context.Background()
	m, store, clk := newManager(t)
	task := insertTask(t, store, "t1", domain.TaskTypeAccentTag, 5)

	first, reason := m.Acquire(ctx, task, "c1", "", 0)
	require.Empty(t, reason)
	_, err := m.Release(ctx, first, "")
	require.NoError(t, err)

	clk.now = clk.now.Add(time.Minute)
	second, reason := m.Acquire(ctx, task, "c1", "b1", 45*time.Minute)
	require.Empty(t, reason)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, domain.AssignmentLeased, second.State)
	assert.Equal(t, "b1", second.BundleID)
	assert.True(t, second.LeaseExpiresAt.Equal(clk.now.Add(45*time.Minute)))

	all, err := store.ListAssignmentsByTask(ctx, "t1")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestAcquireSkipsSubmittedRow(t *testing.T) {
	ctx := context.Background()
	m, store, _ := newManager(t)
	task := insertTask(t, store, "t1", domain.TaskTypeAccentTag, 5)

	a, reason := m.Acquire(ctx, task, "c1", "", 0)
	require.Empty(t, reason)
	submitted := a
	submitted.State = domain.AssignmentSubmitted
	require.NoError(t, store.TransitionAssignment(ctx, a, submitted))

	_, reason = m.Acquire(ctx, task, "c1", "", 0)
	assert.Equal(t, lease.ReasonAlreadyAssigned, reason)
}

func TestHeartbeat(t *testing.T) {
	ctx := context.Background()
	m, store, clk := newManager(t)
	task := insertTask(t, store, "t1", domain.TaskTypeGestureTag, 5)
	a, _ := m.Acquire(ctx, task, "c1", "", 0)

	clk.now = clk.now.Add(10 * time.Minute)
	ratio := 0.4
	watched := 2000
	a, err := m.Heartbeat(ctx, a, &ratio, &watched)
	require.NoError(t, err)
	assert.True(t, a.LeaseExpiresAt.Equal(clk.now.Add(lease.DefaultLeaseDuration)))
	assert.True(t, a.LastHeartbeatAt.Equal(clk.now))

	stored, err := store.GetAssignment(ctx, a.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.WatchedMS)
	assert.Equal(t, 2000, *stored.WatchedMS)

	released, err := m.Release(ctx, stored, "user")
	require.NoError(t, err)
	_, err = m.Heartbeat(ctx, released, nil, nil)
	assert.True(t, apperr.HasCode(err, apperr.CodeLeaseConflict))
}

func TestReleaseIsIdempotentAndRecycles(t *testing.T) {
	ctx := context.Background()
	m, store, _ := newManager(t)
	task := insertTask(t, store, "t1", domain.TaskTypeSafetyFlag, 5)
	require.NoError(t, store.UpdateTaskStatus(ctx, "t1", domain.TaskStatusInProgress))

	a, _ := m.Acquire(ctx, task, "c1", "", 0)
	released, err := m.Release(ctx, a, "")
	require.NoError(t, err)
	assert.Equal(t, domain.AssignmentReleased, released.State)

	again, err := m.Release(ctx, released, "")
	require.NoError(t, err)
	assert.Equal(t, released, again)

	got, err := store.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusPending, got.Status)
}

func TestBundleClosesAfterLastMember(t *testing.T) {
	ctx := context.Background()
	m, store, _ := newManager(t)
	b, reasons, err := m.OpenBundle(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, reasons)

	t1 := insertTask(t, store, "t1", domain.TaskTypeEmotionTag, 5)
	t2 := insertTask(t, store, "t2", domain.TaskTypeEmotionTag, 5)
	a1, _ := m.Acquire(ctx, t1, "c1", b.ID, 0)
	a2, _ := m.Acquire(ctx, t2, "c1", b.ID, 0)

	_, err = m.Release(ctx, a1, "")
	require.NoError(t, err)
	got, err := store.GetBundle(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BundleActive, got.State)

	submitted := a2
	submitted.State = domain.AssignmentSubmitted
	require.NoError(t, store.TransitionAssignment(ctx, a2, submitted))
	closed, err := m.MaybeCloseBundle(ctx, b.ID, "c1")
	require.NoError(t, err)
	assert.True(t, closed)
	got, err = store.GetBundle(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BundleClosed, got.State)
}

func TestOpenBundleSupersedesAndExpires(t *testing.T) {
	ctx := context.Background()
	m, store, clk := newManager(t)

	first, _, err := m.OpenBundle(ctx, "c1")
	require.NoError(t, err)
	second, _, err := m.OpenBundle(ctx, "c1")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	got, err := store.GetBundle(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BundleClosed, got.State)

	clk.now = clk.now.Add(lease.DefaultBundleTTL + time.Minute)
	third, _, err := m.OpenBundle(ctx, "c1")
	require.NoError(t, err)
	got, err = store.GetBundle(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BundleClosed, got.State)
	assert.Equal(t, domain.BundleActive, third.State)

	evts, err := store.EventsAfter(ctx, 0, 100)
	require.NoError(t, err)
	var types []string
	for _, e := range evts {
		types = append(types, e.Type)
	}
	// the stale second bundle is expired, not superseded
	assert.Equal(t, []string{events.BundleSuperseded, events.BundleExpired}, types)
}

type racingStore struct {
	*repo.Memory
	winner domain.Bundle
}

// InsertBundle lets a competing request win the active slot first.
func (s *racingStore) InsertBundle(ctx context.Context, b domain.Bundle) error {
	if err := s.Memory.InsertBundle(ctx, s.winner); err != nil {
		return err
	}
	return repo.ErrConflict
}

func TestOpenBundleReusesRacingWinner(t *testing.T) {
	ctx := context.Background()
	m, mem, clk := newManager(t)
	store := &racingStore{Memory: mem, winner: domain.Bundle{ID: "winner", ContributorID: "c1", State: domain.BundleActive, TTLMinutes: 45, CreatedAt: clk.now}}
	m.Store = store

	b, reasons, err := m.OpenBundle(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "winner", b.ID)
	require.Len(t, reasons, 1)
	assert.Equal(t, lease.ReasonBundleReuse, reasons[0].Reason)
	assert.Equal(t, "winner", reasons[0].TaskID)
}

func TestAcquireYieldsWhenOverfilled(t *testing.T) {
	ctx := context.Background()
	m, store, clk := newManager(t)
	task := insertTask(t, store, "t1", domain.TaskTypeEmotionTag, 1)

	// c1 raced past the slot check while c2 already held the only slot
	require.NoError(t, store.InsertAssignment(ctx, domain.Assignment{ID: "a2", TaskID: "t1", ContributorID: "c2", State: domain.AssignmentLeased, LeaseExpiresAt: clk.now.Add(time.Hour), CreatedAt: clk.now}))
	_, reason := m.Acquire(ctx, task, "c1", "", 0)
	assert.Equal(t, lease.ReasonNoOpenSlots, reason)

	mine, err := store.FindAssignment(ctx, "t1", "c1")
	require.NoError(t, err)
	assert.Equal(t, domain.AssignmentReleased, mine.State)
}

func TestReclaimLapsedLease(t *testing.T) {
	ctx := context.Background()
	m, store, clk := newManager(t)
	task := insertTask(t, store, "t1", domain.TaskTypeSafetyFlag, 5)
	a, _ := m.Acquire(ctx, task, "c1", "", 0)

	ok, err := m.Reclaim(ctx, a)
	require.NoError(t, err)
	assert.False(t, ok)

	clk.now = clk.now.Add(time.Hour)
	ok, err = m.Reclaim(ctx, a)
	require.NoError(t, err)
	assert.True(t, ok)
	got, err := store.GetAssignment(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AssignmentReleased, got.State)
}

func TestReclaimLosesToHeartbeat(t *testing.T) {
	ctx := context.Background()
	m, store, clk := newManager(t)
	task := insertTask(t, store, "t1", domain.TaskTypeSafetyFlag, 5)
	a, _ := m.Acquire(ctx, task, "c1", "", 0)

	clk.now = clk.now.Add(lease.DefaultLeaseDuration + time.Minute)
	swept := a
	refreshed, err := m.Heartbeat(ctx, a, nil, nil)
	require.NoError(t, err)

	ok, err := m.Reclaim(ctx, swept)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := store.GetAssignment(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AssignmentLeased, got.State)
	assert.True(t, got.LeaseExpiresAt.Equal(refreshed.LeaseExpiresAt))
}

func TestReleaseAfterSubmitKeepsSubmission(t *testing.T) {
	ctx := context.Background()
	m, store, _ := newManager(t)
	task := insertTask(t, store, "t1", domain.TaskTypeSafetyFlag, 5)
	require.NoError(t, store.UpdateTaskStatus(ctx, "t1", domain.TaskStatusInProgress))
	a, _ := m.Acquire(ctx, task, "c1", "", 0)

	submitted := a
	submitted.State = domain.AssignmentSubmitted
	require.NoError(t, store.TransitionAssignment(ctx, a, submitted))

	got, err := m.Release(ctx, a, "user")
	require.NoError(t, err)
	assert.Equal(t, domain.AssignmentSubmitted, got.State)

	stored, err := store.GetAssignment(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AssignmentSubmitted, stored.State)
	tk, err := store.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusInProgress, tk.Status)
}

func TestHeartbeatConflictsWithConcurrentRelease(t *testing.T) {
	ctx := context.Background()
	m, store, _ := newManager(t)
	task := insertTask(t, store, "t1", domain.TaskTypeSafetyFlag, 5)
	a, _ := m.Acquire(ctx, task, "c1", "", 0)

	_, err := m.Release(ctx, a, "")
	require.NoError(t, err)
	_, err = m.Heartbeat(ctx, a, nil, nil)
	assert.True(t, apperr.HasCode(err, apperr.CodeLeaseConflict))

	got, err := store.GetAssignment(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AssignmentReleased, got.State)
}
