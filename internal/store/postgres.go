package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/complaints-queue/internal/db"
	"github.com/sells-group/complaints-queue/internal/model"
	"github.com/sells-group/complaints-queue/pkg/openprocurement"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
	resetFn func()
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, maxConns int32) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	// Each worker is single-threaded; a handful of connections is plenty.
	if maxConns <= 0 {
		maxConns = 4
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = 1
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close, resetFn: pool.Reset}, nil
}

// Pool returns the underlying database pool.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	return eris.Wrap(db.Migrate(ctx, s.pool), "postgres: migrate")
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

// Reconnect drops every pooled connection and checks that a fresh one can be
// established.
func (s *PostgresStore) Reconnect(ctx context.Context) error {
	if s.resetFn != nil {
		s.resetFn()
	}
	return eris.Wrap(s.pool.Ping(ctx), "postgres: reconnect")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) Exists(ctx context.Context, t *openprocurement.Tender, _ string, c *openprocurement.Complaint) (bool, error) {
	var st model.StoredState
	err := s.pool.QueryRow(ctx,
		`SELECT complaint_status, tender_status, tender_date_modified, complaint_date FROM complaints WHERE complaint_id = $1`,
		c.ID,
	).Scan(&st.ComplaintStatus, &st.TenderStatus, &st.TenderDateModified, &st.ComplaintDate)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, eris.Wrapf(err, "postgres: exists %s", c.ID)
	}
	return st.Settled(t.DateModified, model.ComplaintDate(c)), nil
}

var postgresUpsertComplaint = mustUpsertSQL(db.UpsertConfig{
	Table:        "complaints",
	Columns:      recordColumns,
	ConflictKeys: []string{"complaint_id"},
	ExtraSet:     []string{"updated_at = now()"},
	Where:        terminalGuard + " AND complaints.data IS DISTINCT FROM excluded.data",
	Placeholder:  db.Dollar,
})

func (s *PostgresStore) Store(ctx context.Context, rec *model.Record) error {
	args, err := recordArgs(rec)
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, postgresUpsertComplaint, args...); err != nil {
		return eris.Wrapf(err, "postgres: store %s", rec.ID)
	}
	return nil
}

func (s *PostgresStore) MaxSubmittedDate(ctx context.Context) (string, error) {
	var date string
	err := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(date_submitted), '') FROM complaints`).Scan(&date)
	if err != nil {
		return "", eris.Wrap(err, "postgres: max submitted date")
	}
	return date, nil
}

func (s *PostgresStore) CountByStatus(ctx context.Context) (map[string]int64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT complaint_status, COUNT(*) FROM complaints GROUP BY complaint_status ORDER BY complaint_status`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: count by status")
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan status count")
		}
		counts[status] = n
	}
	return counts, eris.Wrap(rows.Err(), "postgres: count by status")
}

func (s *PostgresStore) CheckCache(ctx context.Context, t *openprocurement.Tender) (bool, error) {
	var dateModified string
	err := s.pool.QueryRow(ctx,
		`SELECT date_modified FROM tender_cache WHERE tender_id = $1`, t.ID,
	).Scan(&dateModified)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, eris.Wrapf(err, "postgres: check cache %s", t.ID)
	}
	return dateModified == t.DateModified, nil
}

var postgresUpsertCache = mustUpsertSQL(db.UpsertConfig{
	Table:        "tender_cache",
	Columns:      []string{"tender_id", "date_modified"},
	ConflictKeys: []string{"tender_id"},
	ExtraSet:     []string{"finished_at = now()"},
	Placeholder:  db.Dollar,
})

func (s *PostgresStore) FinishTender(ctx context.Context, t *openprocurement.Tender) error {
	if _, err := s.pool.Exec(ctx, postgresUpsertCache, t.ID, t.DateModified); err != nil {
		return eris.Wrapf(err, "postgres: finish tender %s", t.ID)
	}
	return nil
}

func (s *PostgresStore) ClearCache(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM tender_cache`)
	return eris.Wrap(err, "postgres: clear cache")
}

var postgresUpsertCursor = mustUpsertSQL(db.UpsertConfig{
	Table:        "feed_cursors",
	Columns:      cursorColumns,
	ConflictKeys: []string{"worker"},
	Placeholder:  db.Dollar,
})

func (s *PostgresStore) SaveCursor(ctx context.Context, state CursorState) error {
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = time.Now().UTC()
	}
	if _, err := s.pool.Exec(ctx, postgresUpsertCursor, cursorArgs(state)...); err != nil {
		return eris.Wrapf(err, "postgres: save cursor %s", state.Worker)
	}
	return nil
}

func (s *PostgresStore) ListCursors(ctx context.Context) ([]CursorState, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT worker, "offset", skip_until, descending, session_id, updated_at FROM feed_cursors ORDER BY worker`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list cursors")
	}
	defer rows.Close()

	var out []CursorState
	for rows.Next() {
		var c CursorState
		if err := rows.Scan(&c.Worker, &c.Offset, &c.SkipUntil, &c.Descending, &c.SessionID, &c.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan cursor")
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list cursors")
}

var cursorColumns = []string{"worker", "offset", "skip_until", "descending", "session_id", "updated_at"}

func cursorArgs(c CursorState) []any {
	return []any{c.Worker, c.Offset, c.SkipUntil, c.Descending, c.SessionID, c.UpdatedAt}
}

func mustUpsertSQL(cfg db.UpsertConfig) string {
	sql, err := db.UpsertSQL(cfg)
	if err != nil {
		panic(err)
	}
	return sql
}
