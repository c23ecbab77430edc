package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"annotask/internal/domain"
)

type mockTemplate struct {
	endMS      int
	priceCents int
	audioURL   string
	meta       map[string]any
	suggestion string
}

var mockTemplates = map[string]mockTemplate{
	domain.TaskTypeTranslationCheck: {
		endMS: 45000, priceCents: 75,
		audioURL:   "https://media.example.com/mock/translation.mp3",
		meta:       map[string]any{"direction": "ar->en", "source_lang": "ar"},
		suggestion: `{"translation":"Hello! Thanks for taking the survey today."}`,
	},
	domain.TaskTypeAccentTag: {
		endMS: 30000, priceCents: 50,
		audioURL: "https://media.example.com/mock/accent.mp3",
		meta:     map[string]any{"accent_region": "Gulf"},
	},
	domain.TaskTypeEmotionTag: {
		endMS: 30000, priceCents: 60,
		audioURL:   "https://media.example.com/mock/emotion.mp3",
		meta:       map[string]any{"language": "ar"},
		suggestion: `{"emotion_primary":"joy"}`,
	},
	domain.TaskTypeGestureTag: {
		endMS: 20000, priceCents: 55,
		audioURL: "https://media.example.com/mock/gesture.mp4",
	},
	domain.TaskTypeSafetyFlag: {
		endMS: 15000, priceCents: 40,
		audioURL: "https://media.example.com/mock/safety.mp3",
	},
	domain.TaskTypeSpeakerContinuity: {
		endMS: 25000, priceCents: 45,
		audioURL: "https://media.example.com/mock/speaker.mp3",
	},
}

// GenerateTask builds a pending task of the given type with its own clip.
func GenerateTask(taskType string, at time.Time) (domain.Clip, domain.Task) {
	tmpl, ok := mockTemplates[taskType]
	if !ok {
		tmpl = mockTemplates[domain.TaskTypeSafetyFlag]
	}
	clip := domain.Clip{
		ID:        "mock-clip-" + newID(),
		StartMS:   0,
		EndMS:     tmpl.endMS,
		OverlapMS: 2000,
		Speakers:  []string{"A"},
		Meta:      map[string]any{"audio_url": tmpl.audioURL},
	}
	meta := make(map[string]any, len(tmpl.meta))
	for k, v := range tmpl.meta {
		meta[k] = v
	}
	task := domain.Task{
		ID:         "mock-task-" + newID(),
		ClipID:     clip.ID,
		TaskType:   taskType,
		Status:     domain.TaskStatusPending,
		Meta:       meta,
		PriceCents: tmpl.priceCents,
		CreatedAt:  at,
	}
	if tmpl.suggestion != "" {
		task.AISuggestion = json.RawMessage(tmpl.suggestion)
	}
	return clip, task
}

// SeedMock fills the pool with perType generated tasks of every type.
func SeedMock(ctx context.Context, store TaskStore, perType int, at time.Time) error {
	for _, taskType := range domain.TaskTypes {
		for i := 0; i < perType; i++ {
			clip, task := GenerateTask(taskType, at)
			if err := store.InsertClip(ctx, clip); err != nil {
				return fmt.Errorf("seed clip: %w", err)
			}
			if err := store.InsertTask(ctx, task); err != nil {
				return fmt.Errorf("seed task: %w", err)
			}
		}
	}
	return nil
}
