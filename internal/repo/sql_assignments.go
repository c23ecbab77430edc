package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"annotask/internal/domain"
)

const assignmentCols = `id,task_id,contributor_id,COALESCE(bundle_id,''),state,lease_expires_at,COALESCE(last_heartbeat_at,''),playback_ratio,watched_ms,created_at`

func scanAssignment(row scanner) (domain.Assignment, error) {
	var a domain.Assignment
	var lease, heartbeat, created string
	var ratio sql.NullFloat64
	var watched sql.NullInt64
	err := row.Scan(&a.ID, &a.TaskID, &a.ContributorID, &a.BundleID, &a.State, &lease, &heartbeat, &ratio, &watched, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return a, ErrNotFound
		}
		return a, err
	}
	a.LeaseExpiresAt = parseTS(lease)
	a.LastHeartbeatAt = parseTS(heartbeat)
	a.CreatedAt = parseTS(created)
	if ratio.Valid {
		v := ratio.Float64
		a.PlaybackRatio = &v
	}
	if watched.Valid {
		v := int(watched.Int64)
		a.WatchedMS = &v
	}
	return a, nil
}

func (r *SQL) listAssignments(ctx context.Context, where string, args ...any) ([]domain.Assignment, error) {
	rows, err := r.query(ctx, `SELECT `+assignmentCols+` FROM task_assignments WHERE `+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func optionalFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func optionalInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func (r *SQL) InsertAssignment(ctx context.Context, a domain.Assignment) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	_, err := r.exec(ctx, `INSERT INTO task_assignments(id,task_id,contributor_id,bundle_id,state,lease_expires_at,last_heartbeat_at,playback_ratio,watched_ms,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.TaskID, a.ContributorID, nullable(a.BundleID), a.State, formatTS(a.LeaseExpiresAt), nullableTS(a.LastHeartbeatAt),
		optionalFloat(a.PlaybackRatio), optionalInt(a.WatchedMS), formatTS(a.CreatedAt))
	return err
}

func (r *SQL) GetAssignment(ctx context.Context, id string) (domain.Assignment, error) {
	return scanAssignment(r.queryRow(ctx, `SELECT `+assignmentCols+` FROM task_assignments WHERE id=?`, id))
}

func (r *SQL) FindAssignment(ctx context.Context, taskID, contributorID string) (domain.Assignment, error) {
	return scanAssignment(r.queryRow(ctx, `SELECT `+assignmentCols+` FROM task_assignments WHERE task_id=? AND contributor_id=?`, taskID, contributorID))
}

func (r *SQL) ListAssignmentsByTask(ctx context.Context, taskID string) ([]domain.Assignment, error) {
	return r.listAssignments(ctx, `task_id=? ORDER BY created_at ASC, id ASC`, taskID)
}

func (r *SQL) ListAssignmentsByBundle(ctx context.Context, bundleID string) ([]domain.Assignment, error) {
	return r.listAssignments(ctx, `bundle_id=? ORDER BY created_at ASC, id ASC`, bundleID)
}

func (r *SQL) ListLeasedBefore(ctx context.Context, t time.Time, limit int) ([]domain.Assignment, error) {
	if limit <= 0 {
		limit = 500
	}
	return r.listAssignments(ctx, `state=? AND lease_expires_at < ? ORDER BY lease_expires_at ASC LIMIT ?`,
		domain.AssignmentLeased, formatTS(t), limit)
}

func (r *SQL) TransitionAssignment(ctx context.Context, prev, next domain.Assignment) error {
	res, err := r.exec(ctx, `UPDATE task_assignments SET bundle_id=?, state=?, lease_expires_at=?, last_heartbeat_at=?, playback_ratio=?, watched_ms=?
WHERE id=? AND state=? AND lease_expires_at=?`,
		nullable(next.BundleID), next.State, formatTS(next.LeaseExpiresAt), nullableTS(next.LastHeartbeatAt),
		optionalFloat(next.PlaybackRatio), optionalInt(next.WatchedMS),
		prev.ID, prev.State, formatTS(prev.LeaseExpiresAt))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := r.GetAssignment(ctx, prev.ID); err != nil {
			return err
		}
		return ErrConflict
	}
	return nil
}

const bundleCols = `id,contributor_id,state,ttl_minutes,created_at`

func scanBundle(row scanner) (domain.Bundle, error) {
	var b domain.Bundle
	var created string
	if err := row.Scan(&b.ID, &b.ContributorID, &b.State, &b.TTLMinutes, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return b, ErrNotFound
		}
		return b, err
	}
	b.CreatedAt = parseTS(created)
	return b, nil
}

func (r *SQL) InsertBundle(ctx context.Context, b domain.Bundle) error {
	_, err := r.exec(ctx, `INSERT INTO task_bundles(id,contributor_id,state,ttl_minutes,created_at) VALUES (?,?,?,?,?)`,
		b.ID, b.ContributorID, b.State, b.TTLMinutes, formatTS(b.CreatedAt))
	return err
}

func (r *SQL) GetBundle(ctx context.Context, id string) (domain.Bundle, error) {
	return scanBundle(r.queryRow(ctx, `SELECT `+bundleCols+` FROM task_bundles WHERE id=?`, id))
}

func (r *SQL) FindBundle(ctx context.Context, contributorID string, states ...string) (domain.Bundle, error) {
	if len(states) == 0 {
		return domain.Bundle{}, ErrNotFound
	}
	args := []any{contributorID}
	for _, s := range states {
		args = append(args, s)
	}
	return scanBundle(r.queryRow(ctx, `SELECT `+bundleCols+` FROM task_bundles WHERE contributor_id=? AND state IN (`+placeholders(len(states))+`)
ORDER BY created_at DESC, id DESC LIMIT 1`, args...))
}

func (r *SQL) UpdateBundleState(ctx context.Context, id, state string) error {
	res, err := r.exec(ctx, `UPDATE task_bundles SET state=? WHERE id=?`, state, id)
	if err != nil {
		return err
	}
	return mustAffect(res)
}

func (r *SQL) ListBundlesByState(ctx context.Context, state string, limit int) ([]domain.Bundle, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := r.query(ctx, `SELECT `+bundleCols+` FROM task_bundles WHERE state=? ORDER BY created_at ASC LIMIT ?`, state, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Bundle
	for rows.Next() {
		b, err := scanBundle(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (r *SQL) UpsertResponse(ctx context.Context, resp domain.TaskResponse) error {
	if resp.CreatedAt.IsZero() {
		resp.CreatedAt = time.Now()
	}
	if resp.UpdatedAt.IsZero() {
		resp.UpdatedAt = resp.CreatedAt
	}
	payload := string(resp.Payload)
	if payload == "" {
		payload = "{}"
	}
	_, err := r.exec(ctx, `INSERT INTO task_responses(task_id,contributor_id,payload,duration_ms,playback_ratio,created_at,updated_at) VALUES (?,?,?,?,?,?,?)
ON CONFLICT(task_id, contributor_id) DO UPDATE SET payload=excluded.payload, duration_ms=excluded.duration_ms,
playback_ratio=excluded.playback_ratio, updated_at=excluded.updated_at`,
		resp.TaskID, resp.ContributorID, payload, resp.DurationMS, resp.PlaybackRatio, formatTS(resp.CreatedAt), formatTS(resp.UpdatedAt))
	return err
}

func (r *SQL) ListResponses(ctx context.Context, taskID string) ([]domain.TaskResponse, error) {
	rows, err := r.query(ctx, `SELECT task_id,contributor_id,payload,duration_ms,playback_ratio,created_at,updated_at FROM task_responses
WHERE task_id=? ORDER BY created_at ASC, contributor_id ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.TaskResponse
	for rows.Next() {
		var resp domain.TaskResponse
		var payload, created, updated string
		if err := rows.Scan(&resp.TaskID, &resp.ContributorID, &payload, &resp.DurationMS, &resp.PlaybackRatio, &created, &updated); err != nil {
			return nil, err
		}
		resp.Payload = json.RawMessage(payload)
		resp.CreatedAt = parseTS(created)
		resp.UpdatedAt = parseTS(updated)
		out = append(out, resp)
	}
	return out, rows.Err()
}

func (r *SQL) UpsertConsensus(ctx context.Context, c domain.ConsensusRecord) error {
	votes, err := encodeJSON(c.Votes)
	if err != nil {
		return fmt.Errorf("encode votes: %w", err)
	}
	_, err = r.exec(ctx, `INSERT INTO task_consensus(task_id,consensus,votes,green_count,agreement_score,final_status,updated_at) VALUES (?,?,?,?,?,?,?)
ON CONFLICT(task_id) DO UPDATE SET consensus=excluded.consensus, votes=excluded.votes, green_count=excluded.green_count,
agreement_score=excluded.agreement_score, final_status=excluded.final_status, updated_at=excluded.updated_at`,
		c.TaskID, rawOrNil(c.Consensus), votes, c.GreenCount, c.AgreementScore, c.FinalStatus, formatTS(c.UpdatedAt))
	return err
}

func (r *SQL) GetConsensus(ctx context.Context, taskID string) (domain.ConsensusRecord, error) {
	var c domain.ConsensusRecord
	var consensus, votes, updated string
	err := r.queryRow(ctx, `SELECT task_id,COALESCE(consensus,''),votes,green_count,agreement_score,final_status,updated_at FROM task_consensus WHERE task_id=?`, taskID).
		Scan(&c.TaskID, &consensus, &votes, &c.GreenCount, &c.AgreementScore, &c.FinalStatus, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	if consensus != "" {
		c.Consensus = json.RawMessage(consensus)
	}
	if err := json.Unmarshal([]byte(votes), &c.Votes); err != nil {
		return c, fmt.Errorf("decode votes: %w", err)
	}
	c.UpdatedAt = parseTS(updated)
	return c, nil
}

func (r *SQL) InsertIdempotencyKey(ctx context.Context, k domain.IdempotencyKey) error {
	_, err := r.exec(ctx, `INSERT INTO idempotency_keys(contributor_id,idem_key,created_at) VALUES (?,?,?)`,
		k.ContributorID, k.Key, formatTS(k.CreatedAt))
	return err
}

func (r *SQL) GetIdempotencyKey(ctx context.Context, contributorID, key string) (domain.IdempotencyKey, error) {
	k := domain.IdempotencyKey{ContributorID: contributorID, Key: key}
	var created string
	err := r.queryRow(ctx, `SELECT created_at FROM idempotency_keys WHERE contributor_id=? AND idem_key=?`, contributorID, key).Scan(&created)
	if errors.Is(err, sql.ErrNoRows) {
		return k, ErrNotFound
	}
	if err != nil {
		return k, err
	}
	k.CreatedAt = parseTS(created)
	return k, nil
}

func (r *SQL) DeleteIdempotencyKey(ctx context.Context, contributorID, key string) error {
	_, err := r.exec(ctx, `DELETE FROM idempotency_keys WHERE contributor_id=? AND idem_key=?`, contributorID, key)
	return err
}

func (r *SQL) PruneIdempotencyKeys(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.exec(ctx, `DELETE FROM idempotency_keys WHERE created_at < ?`, formatTS(before))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
