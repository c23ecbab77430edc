package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"annotask/internal/domain"
)

// tsLayout is fixed width so stored timestamps compare lexically.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

// SQL is the database/sql Repository used for both sqlite and postgres.
// Queries are written with ? placeholders and rebound per driver.
type SQL struct {
	DB     *sql.DB
	driver string
}

var _ Repository = (*SQL)(nil)

func NewSQL(db *sql.DB, driver string) *SQL {
	return &SQL{DB: db, driver: driver}
}

func (r *SQL) Driver() string { return r.driver }

func (r *SQL) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (r *SQL) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	res, err := r.DB.ExecContext(ctx, r.rebind(query), args...)
	return res, classify(err)
}

func (r *SQL) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return r.DB.QueryRowContext(ctx, r.rebind(query), args...)
}

func (r *SQL) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return r.DB.QueryContext(ctx, r.rebind(query), args...)
}

// classify maps unique violations from either driver onto ErrConflict.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", ErrConflict, pgErr.ConstraintName)
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return fmt.Errorf("%w: %v", ErrConflict, liteErr)
		}
	}
	return err
}

func mustAffect(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func formatTS(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func nullableTS(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return formatTS(t)
}

func parseTS(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func encodeJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func rawOrNil(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func decodeMap(s string) map[string]any {
	if s == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil
	}
	return m
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

type scanner interface {
	Scan(dest ...any) error
}

const contributorCols = `id,COALESCE(handle,''),COALESCE(tier,''),COALESCE(role,''),COALESCE(locale,''),COALESCE(geo_country,''),capabilities,feature_flags,created_at`

func scanContributor(row scanner) (domain.Contributor, error) {
	var c domain.Contributor
	var caps, flags, created string
	if err := row.Scan(&c.ID, &c.Handle, &c.Tier, &c.Role, &c.Locale, &c.GeoCountry, &caps, &flags, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return c, ErrNotFound
		}
		return c, err
	}
	if caps != "" {
		if err := json.Unmarshal([]byte(caps), &c.Capabilities); err != nil {
			return c, fmt.Errorf("decode capabilities for %s: %w", c.ID, err)
		}
	}
	if flags != "" {
		if err := json.Unmarshal([]byte(flags), &c.FeatureFlags); err != nil {
			return c, fmt.Errorf("decode feature flags for %s: %w", c.ID, err)
		}
	}
	c.CreatedAt = parseTS(created)
	return c, nil
}

func (r *SQL) GetContributor(ctx context.Context, id string) (domain.Contributor, error) {
	return scanContributor(r.queryRow(ctx, `SELECT `+contributorCols+` FROM contributors WHERE id=?`, id))
}

func (r *SQL) UpsertContributor(ctx context.Context, c domain.Contributor) error {
	if c.ID == "" {
		return errors.New("contributor id required")
	}
	caps, err := encodeJSON(c.Capabilities)
	if err != nil {
		return err
	}
	flags := "{}"
	if c.FeatureFlags != nil {
		if flags, err = encodeJSON(c.FeatureFlags); err != nil {
			return err
		}
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	_, err = r.exec(ctx, `INSERT INTO contributors(id,handle,tier,role,locale,geo_country,capabilities,feature_flags,created_at) VALUES (?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET handle=excluded.handle, tier=excluded.tier, role=excluded.role, locale=excluded.locale,
geo_country=excluded.geo_country, capabilities=excluded.capabilities, feature_flags=excluded.feature_flags`,
		c.ID, nullable(c.Handle), nullable(c.Tier), nullable(c.Role), nullable(c.Locale), nullable(c.GeoCountry), caps, flags, formatTS(c.CreatedAt))
	return err
}

const statsCols = `contributor_id,ewma_agreement,tasks_total,tasks_agreed,golden_correct,golden_total,COALESCE(last_active,'')`

func scanStats(row scanner) (domain.ContributorStats, error) {
	var s domain.ContributorStats
	var last string
	if err := row.Scan(&s.ContributorID, &s.EWMAAgreement, &s.TasksTotal, &s.TasksAgreed, &s.GoldenCorrect, &s.GoldenTotal, &last); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return s, ErrNotFound
		}
		return s, err
	}
	s.LastActive = parseTS(last)
	return s, nil
}

func (r *SQL) GetStats(ctx context.Context, contributorID string) (domain.ContributorStats, error) {
	return scanStats(r.queryRow(ctx, `SELECT `+statsCols+` FROM contributor_stats WHERE contributor_id=?`, contributorID))
}

func (r *SQL) ListStats(ctx context.Context, contributorIDs []string) (map[string]domain.ContributorStats, error) {
	out := make(map[string]domain.ContributorStats, len(contributorIDs))
	if len(contributorIDs) == 0 {
		return out, nil
	}
	args := make([]any, len(contributorIDs))
	for i, id := range contributorIDs {
		args[i] = id
	}
	rows, err := r.query(ctx, `SELECT `+statsCols+` FROM contributor_stats WHERE contributor_id IN (`+placeholders(len(args))+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		s, err := scanStats(rows)
		if err != nil {
			return nil, err
		}
		out[s.ContributorID] = s
	}
	return out, rows.Err()
}

func (r *SQL) TopStats(ctx context.Context, limit int) ([]domain.ContributorStats, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.query(ctx, `SELECT `+statsCols+` FROM contributor_stats ORDER BY tasks_total DESC, contributor_id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.ContributorStats
	for rows.Next() {
		s, err := scanStats(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *SQL) UpsertStats(ctx context.Context, s domain.ContributorStats) error {
	_, err := r.exec(ctx, `INSERT INTO contributor_stats(contributor_id,ewma_agreement,tasks_total,tasks_agreed,golden_correct,golden_total,last_active) VALUES (?,?,?,?,?,?,?)
ON CONFLICT(contributor_id) DO UPDATE SET ewma_agreement=excluded.ewma_agreement, tasks_total=excluded.tasks_total, tasks_agreed=excluded.tasks_agreed,
golden_correct=excluded.golden_correct, golden_total=excluded.golden_total, last_active=excluded.last_active`,
		s.ContributorID, s.EWMAAgreement, s.TasksTotal, s.TasksAgreed, s.GoldenCorrect, s.GoldenTotal, nullableTS(s.LastActive))
	return err
}

func (r *SQL) AppendEvent(ctx context.Context, e domain.Event) (int64, error) {
	if e.Payload == "" {
		e.Payload = "{}"
	}
	var id int64
	err := r.queryRow(ctx, `INSERT INTO events(ts,type,contributor_id,payload_json) VALUES (?,?,?,?) RETURNING id`,
		formatTS(e.TS), e.Type, nullable(e.ContributorID), e.Payload).Scan(&id)
	return id, classify(err)
}

func (r *SQL) EventsAfter(ctx context.Context, after int64, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.query(ctx, `SELECT id,ts,type,COALESCE(contributor_id,''),payload_json FROM events WHERE id > ? ORDER BY id ASC LIMIT ?`, after, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Event
	for rows.Next() {
		var e domain.Event
		var ts string
		if err := rows.Scan(&e.ID, &ts, &e.Type, &e.ContributorID, &e.Payload); err != nil {
			return nil, err
		}
		e.TS = parseTS(ts)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *SQL) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	err := r.queryRow(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id)
	return id, err
}
