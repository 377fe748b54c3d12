package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/complaints-queue/internal/db"
	"github.com/sells-group/complaints-queue/internal/model"
	"github.com/sells-group/complaints-queue/pkg/openprocurement"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: conn}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS complaints (
	complaint_id            TEXT PRIMARY KEY,
	complaint_code          TEXT NOT NULL DEFAULT '',
	complaint_path          TEXT NOT NULL DEFAULT '',
	complaint_date          TEXT NOT NULL DEFAULT '',
	date_submitted          TEXT NOT NULL DEFAULT '',
	complaint_status        TEXT NOT NULL DEFAULT '',
	complaint_type          TEXT NOT NULL DEFAULT '',
	tender_id               TEXT NOT NULL,
	tender_date_modified    TEXT NOT NULL DEFAULT '',
	tender_status           TEXT NOT NULL DEFAULT '',
	procurement_method      TEXT NOT NULL DEFAULT '',
	procurement_method_type TEXT NOT NULL DEFAULT '',
	data                    TEXT NOT NULL,
	created_at              DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at              DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_complaints_tender_id ON complaints(tender_id);
CREATE INDEX IF NOT EXISTS idx_complaints_date_submitted ON complaints(date_submitted);
CREATE INDEX IF NOT EXISTS idx_complaints_status ON complaints(complaint_status);

CREATE TABLE IF NOT EXISTS tender_cache (
	tender_id     TEXT PRIMARY KEY,
	date_modified TEXT NOT NULL,
	finished_at   DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS feed_cursors (
	worker     TEXT PRIMARY KEY,
	"offset"   TEXT NOT NULL DEFAULT '',
	skip_until TEXT NOT NULL DEFAULT '',
	descending INTEGER NOT NULL DEFAULT 0,
	session_id TEXT NOT NULL DEFAULT '',
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

// Reconnect checks the database is reachable; database/sql replaces broken
// connections on its own.
func (s *SQLiteStore) Reconnect(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: reconnect")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Exists(ctx context.Context, t *openprocurement.Tender, _ string, c *openprocurement.Complaint) (bool, error) {
	var st model.StoredState
	err := s.db.QueryRowContext(ctx,
		`SELECT complaint_status, tender_status, tender_date_modified, complaint_date FROM complaints WHERE complaint_id = ?`,
		c.ID,
	).Scan(&st.ComplaintStatus, &st.TenderStatus, &st.TenderDateModified, &st.ComplaintDate)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: exists %s", c.ID)
	}
	return st.Settled(t.DateModified, model.ComplaintDate(c)), nil
}

var sqliteUpsertComplaint = mustUpsertSQL(db.UpsertConfig{
	Table:        "complaints",
	Columns:      recordColumns,
	ConflictKeys: []string{"complaint_id"},
	ExtraSet:     []string{"updated_at = datetime('now')"},
	Where:        terminalGuard + " AND complaints.data IS NOT excluded.data",
	Placeholder:  db.Question,
})

func (s *SQLiteStore) Store(ctx context.Context, rec *model.Record) error {
	args, err := recordArgs(rec)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, sqliteUpsertComplaint, args...); err != nil {
		return eris.Wrapf(err, "sqlite: store %s", rec.ID)
	}
	return nil
}

func (s *SQLiteStore) MaxSubmittedDate(ctx context.Context) (string, error) {
	var date string
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(date_submitted), '') FROM complaints`).Scan(&date)
	if err != nil {
		return "", eris.Wrap(err, "sqlite: max submitted date")
	}
	return date, nil
}

func (s *SQLiteStore) CountByStatus(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT complaint_status, COUNT(*) FROM complaints GROUP BY complaint_status ORDER BY complaint_status`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: count by status")
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan status count")
		}
		counts[status] = n
	}
	return counts, eris.Wrap(rows.Err(), "sqlite: count by status")
}

func (s *SQLiteStore) CheckCache(ctx context.Context, t *openprocurement.Tender) (bool, error) {
	var dateModified string
	err := s.db.QueryRowContext(ctx,
		`SELECT date_modified FROM tender_cache WHERE tender_id = ?`, t.ID,
	).Scan(&dateModified)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: check cache %s", t.ID)
	}
	return dateModified == t.DateModified, nil
}

var sqliteUpsertCache = mustUpsertSQL(db.UpsertConfig{
	Table:        "tender_cache",
	Columns:      []string{"tender_id", "date_modified"},
	ConflictKeys: []string{"tender_id"},
	ExtraSet:     []string{"finished_at = datetime('now')"},
	Placeholder:  db.Question,
})

func (s *SQLiteStore) FinishTender(ctx context.Context, t *openprocurement.Tender) error {
	if _, err := s.db.ExecContext(ctx, sqliteUpsertCache, t.ID, t.DateModified); err != nil {
		return eris.Wrapf(err, "sqlite: finish tender %s", t.ID)
	}
	return nil
}

func (s *SQLiteStore) ClearCache(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tender_cache`)
	return eris.Wrap(err, "sqlite: clear cache")
}

var sqliteUpsertCursor = mustUpsertSQL(db.UpsertConfig{
	Table:        "feed_cursors",
	Columns:      cursorColumns,
	ConflictKeys: []string{"worker"},
	Placeholder:  db.Question,
})

func (s *SQLiteStore) SaveCursor(ctx context.Context, state CursorState) error {
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = time.Now().UTC()
	}
	if _, err := s.db.ExecContext(ctx, sqliteUpsertCursor, cursorArgs(state)...); err != nil {
		return eris.Wrapf(err, "sqlite: save cursor %s", state.Worker)
	}
	return nil
}

func (s *SQLiteStore) ListCursors(ctx context.Context) ([]CursorState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT worker, "offset", skip_until, descending, session_id, updated_at FROM feed_cursors ORDER BY worker`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list cursors")
	}
	defer rows.Close()

	var out []CursorState
	for rows.Next() {
		var c CursorState
		if err := rows.Scan(&c.Worker, &c.Offset, &c.SkipUntil, &c.Descending, &c.SessionID, &c.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan cursor")
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list cursors")
}
