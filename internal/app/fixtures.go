package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"annotask/internal/domain"
	"annotask/internal/repo"
)

// Fixtures is the seed file format loaded by `annotask seed`.
type Fixtures struct {
	Contributors []domain.Contributor `yaml:"contributors"`
	Assets       []domain.MediaAsset  `yaml:"assets"`
	Clips        []domain.Clip        `yaml:"clips"`
	Prices       []domain.TaskPrice   `yaml:"prices"`
	Tasks        []TaskFixture        `yaml:"tasks"`
}

// TaskFixture lets golden answers and AI suggestions be written as plain
// YAML values.
type TaskFixture struct {
	domain.Task  `yaml:",inline"`
	GoldenAnswer any `yaml:"golden_answer"`
	AISuggestion any `yaml:"ai_suggestion"`
}

// SeedReport counts rows written and rows skipped because they already existed.
type SeedReport struct {
	Contributors int `json:"contributors"`
	Assets       int `json:"assets"`
	Clips        int `json:"clips"`
	Prices       int `json:"prices"`
	Tasks        int `json:"tasks"`
	Skipped      int `json:"skipped"`
}

func LoadFixtures(path string) (Fixtures, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Fixtures{}, err
	}
	return ParseFixtures(data)
}

func ParseFixtures(data []byte) (Fixtures, error) {
	var f Fixtures
	if err := yaml.Unmarshal(data, &f); err != nil {
		return Fixtures{}, fmt.Errorf("invalid fixtures yaml: %w", err)
	}
	for i, t := range f.Tasks {
		if t.ID == "" || t.ClipID == "" {
			return Fixtures{}, fmt.Errorf("tasks[%d]: id and clip_id are required", i)
		}
		if !domain.IsTaskType(t.TaskType) {
			return Fixtures{}, fmt.Errorf("tasks[%d]: unknown task_type %q", i, t.TaskType)
		}
	}
	return f, nil
}

// Apply writes the fixtures. Existing tasks, clips and assets are left
// untouched so seeding twice is harmless; contributors and prices are upserted.
func (f Fixtures) Apply(ctx context.Context, r repo.Repository, now time.Time) (SeedReport, error) {
	var rep SeedReport
	now = now.UTC()
	inserted := func(err error, n *int) error {
		switch {
		case err == nil:
			*n++
		case errors.Is(err, repo.ErrConflict):
			rep.Skipped++
		default:
			return err
		}
		return nil
	}

	for _, c := range f.Contributors {
		if c.CreatedAt.IsZero() {
			c.CreatedAt = now
		}
		if err := r.UpsertContributor(ctx, c); err != nil {
			return rep, fmt.Errorf("contributor %s: %w", c.ID, err)
		}
		rep.Contributors++
	}
	for _, a := range f.Assets {
		if err := inserted(r.InsertMediaAsset(ctx, a), &rep.Assets); err != nil {
			return rep, fmt.Errorf("asset %s: %w", a.ID, err)
		}
	}
	for _, c := range f.Clips {
		if err := inserted(r.InsertClip(ctx, c), &rep.Clips); err != nil {
			return rep, fmt.Errorf("clip %s: %w", c.ID, err)
		}
	}
	for _, p := range f.Prices {
		if err := r.UpsertTaskPrice(ctx, p); err != nil {
			return rep, fmt.Errorf("price %s: %w", p.TaskType, err)
		}
		rep.Prices++
	}
	for _, tf := range f.Tasks {
		t, err := tf.toTask(now)
		if err != nil {
			return rep, err
		}
		if err := inserted(r.InsertTask(ctx, t), &rep.Tasks); err != nil {
			return rep, fmt.Errorf("task %s: %w", t.ID, err)
		}
	}
	return rep, nil
}

func (tf TaskFixture) toTask(now time.Time) (domain.Task, error) {
	t := tf.Task
	if t.Status == "" {
		t.Status = domain.TaskStatusPending
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	var err error
	if t.GoldenAnswer, err = rawJSON(tf.GoldenAnswer); err != nil {
		return t, fmt.Errorf("task %s golden_answer: %w", t.ID, err)
	}
	if t.AISuggestion, err = rawJSON(tf.AISuggestion); err != nil {
		return t, fmt.Errorf("task %s ai_suggestion: %w", t.ID, err)
	}
	return t, nil
}

func rawJSON(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return b, nil
}
