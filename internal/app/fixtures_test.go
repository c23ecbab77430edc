package app_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"annotask/internal/app"
	"annotask/internal/domain"
	"annotask/internal/repo"
)

const fixtureYAML = `
contributors:
  - id: alice
    tier: gold
    capabilities:
      langs: [ar, en]
    feature_flags:
      mobile_tasks: true
clips:
  - id: clip-1
    start_ms: 0
    end_ms: 12000
    speakers: [A, B]
    meta:
      audio_url: https://cdn.example.com/clip-1.mp3
prices:
  - task_type: emotion_tag
    base_cents: 40
    surge_multiplier: 1.25
tasks:
  - id: task-1
    clip_id: clip-1
    task_type: emotion_tag
    target_votes: 5
    is_golden: true
    golden_answer:
      emotion: joy
    meta:
      language: ar
`

func TestFixturesApply(t *testing.T) {
	ctx := context.Background()
	f, err := app.ParseFixtures([]byte(fixtureYAML))
	require.NoError(t, err)

	r := repo.NewMemory()
	rep, err := f.Apply(ctx, r, now)
	require.NoError(t, err)
	assert.Equal(t, app.SeedReport{Contributors: 1, Clips: 1, Prices: 1, Tasks: 1}, rep)

	task, err := r.GetTask(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusPending, task.Status)
	assert.True(t, task.IsGolden)
	assert.JSONEq(t, `{"emotion":"joy"}`, string(task.GoldenAnswer))
	assert.Equal(t, "ar", task.MetaString("language"))
	assert.Equal(t, now, task.CreatedAt)

	alice, err := r.GetContributor(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, alice.HasFeature(domain.FeatureMobileTasks))

	again, err := f.Apply(ctx, r, now)
	require.NoError(t, err)
	assert.Equal(t, 2, again.Skipped)
	assert.Zero(t, again.Tasks)
}

func TestParseFixturesRejectsUnknownTaskType(t *testing.T) {
	_, err := app.ParseFixtures([]byte(`
tasks:
  - id: t1
    clip_id: c1
    task_type: karaoke
`))
	assert.ErrorContains(t, err, "unknown task_type")

	_, err = app.ParseFixtures([]byte(`
tasks:
  - id: t1
    task_type: emotion_tag
`))
	assert.ErrorContains(t, err, "clip_id")
}
