package storage_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"annotask/internal/storage"
)

func TestAnnotationKey(t *testing.T) {
	assert.Equal(t, "annotations/clip_1/accent_tag/t-9.json", storage.AnnotationKey("", "clip/1", "accent_tag", "t-9"))
	assert.Equal(t, "out/a_b/x/y_z.json", storage.AnnotationKey("out", "a b", "x", "y.z"))
}

func TestAnnotationsRoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store, err := storage.NewLocalObjectStore(dir)
	require.NoError(t, err)
	a := storage.Annotations{Store: store}

	saved := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	key, err := a.Save(ctx, storage.Annotation{
		ClipID:        "clip-1",
		TaskID:        "task-1",
		TaskType:      "emotion_tag",
		ContributorID: "c1",
		Payload:       json.RawMessage(`{"emotion":"joy"}`),
		SavedAt:       saved,
	})
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(dir, "annotations", "clip-1", "emotion_tag", "task-1.json"))

	// second save overwrites
	_, err = a.Save(ctx, storage.Annotation{ClipID: "clip-1", TaskID: "task-1", TaskType: "emotion_tag", ContributorID: "c2", Payload: json.RawMessage(`{"emotion":"anger"}`), SavedAt: saved})
	require.NoError(t, err)

	got, err := a.Load(ctx, "clip-1", "emotion_tag", "task-1")
	require.NoError(t, err)
	assert.Equal(t, "c2", got.ContributorID)
	assert.JSONEq(t, `{"emotion":"anger"}`, string(got.Payload))
	assert.Equal(t, "annotations/clip-1/emotion_tag/task-1.json", key)

	entries, err := os.ReadDir(filepath.Join(dir, "annotations", "clip-1", "emotion_tag"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestAnnotationsSkipWithoutClip(t *testing.T) {
	store, err := storage.NewLocalObjectStore(t.TempDir())
	require.NoError(t, err)
	key, err := storage.Annotations{Store: store}.Save(context.Background(), storage.Annotation{TaskID: "t1"})
	require.NoError(t, err)
	assert.Empty(t, key)

	key, err = storage.Annotations{}.Save(context.Background(), storage.Annotation{ClipID: "c", TaskID: "t1"})
	require.NoError(t, err)
	assert.Empty(t, key)
}

func TestLocalGetMissing(t *testing.T) {
	store, err := storage.NewLocalObjectStore(t.TempDir())
	require.NoError(t, err)
	_, err = store.GetObject(context.Background(), "nope.json")
	assert.ErrorIs(t, err, storage.ErrObjectNotFound)
}
