// Package storage persists submitted annotation payloads as JSON objects.
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"regexp"
	"time"
)

// ErrObjectNotFound is returned by GetObject for a missing key.
var ErrObjectNotFound = errors.New("object not found")

type ObjectStore interface {
	// PutObject writes data under key, replacing any previous object.
	PutObject(ctx context.Context, key string, data io.Reader) error

	GetObject(ctx context.Context, key string) (io.ReadCloser, error)

	// Location describes where objects end up, for logs and health output.
	Location() string
}

const DefaultPrefix = "annotations"

// Annotation is the durable record of one submission.
type Annotation struct {
	ClipID        string          `json:"clip_id"`
	TaskID        string          `json:"task_id"`
	TaskType      string          `json:"task_type"`
	ContributorID string          `json:"contributor_id"`
	Payload       json.RawMessage `json:"payload"`
	SavedAt       time.Time       `json:"saved_at"`
}

var unsafeKeyChars = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

func sanitize(part string) string {
	return unsafeKeyChars.ReplaceAllString(part, "_")
}

// AnnotationKey returns <prefix>/<clip>/<type>/<task>.json with every
// segment reduced to [a-zA-Z0-9_-].
func AnnotationKey(prefix, clipID, taskType, taskID string) string {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return path.Join(prefix, sanitize(clipID), sanitize(taskType), sanitize(taskID)+".json")
}

type Annotations struct {
	Store  ObjectStore
	Prefix string
}

// Save writes the annotation and returns its key. Nothing is written (and
// no error returned) without a store or a clip id.
func (a Annotations) Save(ctx context.Context, ann Annotation) (string, error) {
	if a.Store == nil || ann.ClipID == "" {
		return "", nil
	}
	if len(ann.Payload) == 0 {
		ann.Payload = json.RawMessage("{}")
	}
	body, err := json.MarshalIndent(ann, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal annotation %s: %w", ann.TaskID, err)
	}
	key := AnnotationKey(a.Prefix, ann.ClipID, ann.TaskType, ann.TaskID)
	if err := a.Store.PutObject(ctx, key, bytes.NewReader(body)); err != nil {
		return "", err
	}
	return key, nil
}

// Load reads an annotation back.
func (a Annotations) Load(ctx context.Context, clipID, taskType, taskID string) (Annotation, error) {
	if a.Store == nil {
		return Annotation{}, ErrObjectNotFound
	}
	rc, err := a.Store.GetObject(ctx, AnnotationKey(a.Prefix, clipID, taskType, taskID))
	if err != nil {
		return Annotation{}, err
	}
	defer rc.Close()
	var ann Annotation
	if err := json.NewDecoder(rc).Decode(&ann); err != nil {
		return Annotation{}, fmt.Errorf("decode annotation %s: %w", taskID, err)
	}
	return ann, nil
}
