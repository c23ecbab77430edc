package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"annotask/internal/domain"
)

const taskCols = `id,COALESCE(clip_id,''),task_type,status,target_votes,min_green_for_skip_qa,min_green_for_review,is_golden,
COALESCE(golden_answer,''),COALESCE(ai_suggestion,''),meta,price_cents,created_at`

func scanTask(row scanner) (domain.Task, error) {
	var t domain.Task
	var golden int
	var goldenAnswer, suggestion, meta, created string
	err := row.Scan(&t.ID, &t.ClipID, &t.TaskType, &t.Status, &t.TargetVotes, &t.MinGreenForSkipQA, &t.MinGreenForReview,
		&golden, &goldenAnswer, &suggestion, &meta, &t.PriceCents, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return t, ErrNotFound
		}
		return t, err
	}
	t.IsGolden = golden != 0
	if goldenAnswer != "" {
		t.GoldenAnswer = json.RawMessage(goldenAnswer)
	}
	if suggestion != "" {
		t.AISuggestion = json.RawMessage(suggestion)
	}
	t.Meta = decodeMap(meta)
	t.CreatedAt = parseTS(created)
	return t, nil
}

func (r *SQL) InsertTask(ctx context.Context, t domain.Task) error {
	if t.ID == "" {
		return errors.New("task id required")
	}
	if t.Status == "" {
		t.Status = domain.TaskStatusPending
	}
	meta := "{}"
	if t.Meta != nil {
		var err error
		if meta, err = encodeJSON(t.Meta); err != nil {
			return err
		}
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	_, err := r.exec(ctx, `INSERT INTO tasks(id,clip_id,task_type,status,target_votes,min_green_for_skip_qa,min_green_for_review,is_golden,golden_answer,ai_suggestion,meta,price_cents,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, nullable(t.ClipID), t.TaskType, t.Status, t.TargetVotes, t.MinGreenForSkipQA, t.MinGreenForReview, boolInt(t.IsGolden),
		rawOrNil(t.GoldenAnswer), rawOrNil(t.AISuggestion), meta, t.PriceCents, formatTS(t.CreatedAt))
	return err
}

func (r *SQL) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return scanTask(r.queryRow(ctx, `SELECT `+taskCols+` FROM tasks WHERE id=?`, id))
}

func (r *SQL) ListCandidates(ctx context.Context, f CandidateFilter) ([]domain.Task, error) {
	q := `SELECT ` + taskCols + ` FROM tasks WHERE status IN (?,?)`
	args := []any{domain.TaskStatusPending, domain.TaskStatusInProgress}
	if f.GoldenOnly {
		q += ` AND is_golden=1`
	}
	if f.TaskType != "" {
		q += ` AND task_type=?`
		args = append(args, f.TaskType)
	}
	q += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, candidateLimit(f.Limit))
	rows, err := r.query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *SQL) UpdateTaskStatus(ctx context.Context, id, status string) error {
	res, err := r.exec(ctx, `UPDATE tasks SET status=? WHERE id=?`, status, id)
	if err != nil {
		return err
	}
	return mustAffect(res)
}

func (r *SQL) CountOpenTasks(ctx context.Context) (map[string]int, error) {
	rows, err := r.query(ctx, `SELECT task_type, COUNT(*) FROM tasks WHERE status IN (?,?) GROUP BY task_type`,
		domain.TaskStatusPending, domain.TaskStatusInProgress)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]int)
	for rows.Next() {
		var taskType string
		var n int
		if err := rows.Scan(&taskType, &n); err != nil {
			return nil, err
		}
		out[taskType] = n
	}
	return out, rows.Err()
}

// RecycleTask puts an in-progress task back to pending once nobody holds a
// live lease or has submitted on it.
func (r *SQL) RecycleTask(ctx context.Context, t domain.Task, at time.Time) error {
	_, err := r.exec(ctx, `UPDATE tasks SET status=? WHERE id=? AND status=? AND NOT EXISTS (
  SELECT 1 FROM task_assignments a WHERE a.task_id=tasks.id AND (a.state=? OR (a.state=? AND a.lease_expires_at > ?)))`,
		domain.TaskStatusPending, t.ID, domain.TaskStatusInProgress,
		domain.AssignmentSubmitted, domain.AssignmentLeased, formatTS(at))
	return err
}

func (r *SQL) UpsertTaskPrice(ctx context.Context, p domain.TaskPrice) error {
	_, err := r.exec(ctx, `INSERT INTO task_prices(task_type,base_cents,surge_multiplier) VALUES (?,?,?)
ON CONFLICT(task_type) DO UPDATE SET base_cents=excluded.base_cents, surge_multiplier=excluded.surge_multiplier`,
		p.TaskType, p.BaseCents, p.SurgeMultiplier)
	return err
}

func (r *SQL) GetTaskPrice(ctx context.Context, taskType string) (domain.TaskPrice, error) {
	var p domain.TaskPrice
	err := r.queryRow(ctx, `SELECT task_type,base_cents,surge_multiplier FROM task_prices WHERE task_type=?`, taskType).
		Scan(&p.TaskType, &p.BaseCents, &p.SurgeMultiplier)
	if errors.Is(err, sql.ErrNoRows) {
		return p, ErrNotFound
	}
	return p, err
}

func (r *SQL) InsertClip(ctx context.Context, c domain.Clip) error {
	speakers, err := encodeJSON(c.Speakers)
	if err != nil {
		return err
	}
	if c.Speakers == nil {
		speakers = "[]"
	}
	meta := "{}"
	if c.Meta != nil {
		if meta, err = encodeJSON(c.Meta); err != nil {
			return err
		}
	}
	_, err = r.exec(ctx, `INSERT INTO clips(id,asset_id,start_ms,end_ms,overlap_ms,speakers,captions_vtt_url,context_prev_clip,context_next_clip,meta)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		c.ID, nullable(c.AssetID), c.StartMS, c.EndMS, c.OverlapMS, speakers, nullable(c.CaptionsVTTURL),
		nullable(c.ContextPrevClip), nullable(c.ContextNextClip), meta)
	return err
}

func (r *SQL) GetClip(ctx context.Context, id string) (domain.Clip, error) {
	var c domain.Clip
	var speakers, meta string
	err := r.queryRow(ctx, `SELECT id,COALESCE(asset_id,''),start_ms,end_ms,overlap_ms,speakers,COALESCE(captions_vtt_url,''),
COALESCE(context_prev_clip,''),COALESCE(context_next_clip,''),meta FROM clips WHERE id=?`, id).
		Scan(&c.ID, &c.AssetID, &c.StartMS, &c.EndMS, &c.OverlapMS, &speakers, &c.CaptionsVTTURL, &c.ContextPrevClip, &c.ContextNextClip, &meta)
	if errors.Is(err, sql.ErrNoRows) {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	c.Speakers = decodeSpeakers(speakers)
	c.Meta = decodeMap(meta)
	return c, nil
}

// decodeSpeakers keeps the list only when every entry is a string.
func decodeSpeakers(s string) []string {
	var raw []any
	if err := json.Unmarshal([]byte(s), &raw); err != nil {
		return []string{}
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		str, ok := v.(string)
		if !ok {
			return []string{}
		}
		out = append(out, str)
	}
	return out
}

func (r *SQL) InsertMediaAsset(ctx context.Context, a domain.MediaAsset) error {
	meta := "{}"
	if a.Meta != nil {
		var err error
		if meta, err = encodeJSON(a.Meta); err != nil {
			return err
		}
	}
	_, err := r.exec(ctx, `INSERT INTO media_assets(id,uri,meta) VALUES (?,?,?)`, a.ID, a.URI, meta)
	return err
}

func (r *SQL) GetMediaAsset(ctx context.Context, id string) (domain.MediaAsset, error) {
	var a domain.MediaAsset
	var meta string
	err := r.queryRow(ctx, `SELECT id,uri,meta FROM media_assets WHERE id=?`, id).Scan(&a.ID, &a.URI, &meta)
	if errors.Is(err, sql.ErrNoRows) {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.Meta = decodeMap(meta)
	return a, nil
}
