package annotasksdk_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"annotask/internal/config"
	"annotask/internal/domain"
	"annotask/internal/engine"
	"annotask/internal/repo"
	"annotask/internal/server"
	annotasksdk "annotask/sdk/go"
)

func newClient(t *testing.T) (*annotasksdk.Client, repo.Repository) {
	t.Helper()
	r := repo.NewMemory()
	e := engine.New(r, config.Default())
	e.Rand = func() float64 { return 0.99 }
	handler, err := server.New(server.Config{Engine: e})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	ctx := context.Background()
	require.NoError(t, r.InsertAPIKey(ctx, domain.APIKey{ID: "k1", ContributorID: "c1", KeyHash: repo.HashAPIKey("secret-key"), CreatedAt: time.Now()}))
	c := annotasksdk.New(srv.URL + "/v1")
	c.APIKey = "secret-key"
	return c, r
}

func TestClientRoundTrip(t *testing.T) {
	c, r := newClient(t)
	ctx := context.Background()
	require.NoError(t, r.InsertClip(ctx, domain.Clip{ID: "clip-1", EndMS: 4000}))
	require.NoError(t, r.InsertTask(ctx, domain.Task{ID: "t1", ClipID: "clip-1", TaskType: domain.TaskTypeEmotionTag, Status: domain.TaskStatusPending, TargetVotes: 5, CreatedAt: time.Now()}))

	peek, err := c.Peek(ctx, domain.TaskTypeEmotionTag)
	require.NoError(t, err)
	assert.Equal(t, 1, peek.Count)

	task, err := c.NextTask(ctx)
	require.NoError(t, err)
	assert.Equal(t, "t1", task.TaskID)

	ratio := 0.5
	expires, err := c.Heartbeat(ctx, task.AssignmentID, &ratio)
	require.NoError(t, err)
	assert.True(t, expires.After(time.Now()))

	res, err := c.Submit(ctx, "key-1", annotasksdk.Submission{
		TaskID:        task.TaskID,
		AssignmentID:  task.AssignmentID,
		Payload:       map[string]any{"emotion": "joy"},
		DurationMS:    3000,
		PlaybackRatio: 0.9,
	})
	require.NoError(t, err)
	assert.True(t, res.OK)

	_, err = c.Submit(ctx, "key-1", annotasksdk.Submission{TaskID: task.TaskID, AssignmentID: task.AssignmentID, DurationMS: 3000, PlaybackRatio: 0.9})
	assert.True(t, annotasksdk.IsCode(err, "IDEMPOTENCY_REPLAY"))
}

func TestClientNoTasks(t *testing.T) {
	c, _ := newClient(t)
	ctx := context.Background()

	_, err := c.NextTask(ctx)
	var apiErr *annotasksdk.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, "NO_TASKS", apiErr.Code)

	b, err := c.ClaimBundle(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, "NO_TASKS", b.Status)
	assert.Empty(t, b.Tasks)
}
