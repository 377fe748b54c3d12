package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rotisserie/eris"

	"github.com/sells-group/complaints-queue/internal/config"
	"github.com/sells-group/complaints-queue/internal/model"
	"github.com/sells-group/complaints-queue/pkg/openprocurement"
)

// CursorState is the last known position of one worker's feed cursor. It is
// written for observation only; workers never resume from it.
type CursorState struct {
	Worker     string    `json:"worker"`
	Offset     string    `json:"offset"`
	SkipUntil  string    `json:"skip_until"`
	Descending bool      `json:"descending"`
	SessionID  string    `json:"session_id"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Store defines the persistence port of the synchronization engine.
type Store interface {
	// Complaints
	Exists(ctx context.Context, t *openprocurement.Tender, path string, c *openprocurement.Complaint) (bool, error)
	Store(ctx context.Context, rec *model.Record) error
	MaxSubmittedDate(ctx context.Context) (string, error)
	CountByStatus(ctx context.Context) (map[string]int64, error)

	// Tender completion cache
	CheckCache(ctx context.Context, t *openprocurement.Tender) (bool, error)
	FinishTender(ctx context.Context, t *openprocurement.Tender) error
	ClearCache(ctx context.Context) error

	// Cursors
	SaveCursor(ctx context.Context, state CursorState) error
	ListCursors(ctx context.Context) ([]CursorState, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Reconnect(ctx context.Context) error
	Close() error
}

// Open connects to the backend selected by cfg.Driver.
func Open(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	switch cfg.Driver {
	case "sqlite":
		dsn := cfg.DatabaseURL
		if dsn == "" {
			dsn = "complaints.db"
		}
		return NewSQLite(dsn)
	case "postgres", "":
		if cfg.DatabaseURL == "" {
			return nil, eris.New("store: store.database_url is required for postgres")
		}
		return NewPostgres(ctx, cfg.DatabaseURL, int32(cfg.MaxConns))
	default:
		return nil, eris.Errorf("store: unknown driver %q", cfg.Driver)
	}
}

// recordColumns is the bind order of recordArgs.
var recordColumns = []string{
	"complaint_id",
	"complaint_code",
	"complaint_path",
	"complaint_date",
	"date_submitted",
	"complaint_status",
	"complaint_type",
	"tender_id",
	"tender_date_modified",
	"tender_status",
	"procurement_method",
	"procurement_method_type",
	"data",
}

func recordArgs(rec *model.Record) ([]any, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, eris.Wrapf(err, "store: marshal complaint %s", rec.ID)
	}
	complaintDate := rec.ComplaintDate
	if complaintDate == "" {
		complaintDate = model.ComplaintDate(&rec.Complaint)
	}
	return []any{
		rec.ID,
		rec.ComplaintID,
		rec.Path,
		complaintDate,
		rec.DateSubmitted,
		rec.Status,
		rec.Type,
		rec.Tender.ID,
		rec.Tender.DateModified,
		rec.Tender.Status,
		rec.Tender.ProcurementMethod,
		rec.Tender.ProcurementMethodType,
		string(data),
	}, nil
}

// terminalGuard keeps a cancelled row cancelled: an update only applies when
// the stored statuses are not terminal or the incoming ones are terminal too.
const terminalGuard = `(complaints.tender_status <> 'cancelled' OR excluded.tender_status = 'cancelled')` +
	` AND (complaints.complaint_status <> 'cancelled' OR excluded.complaint_status = 'cancelled')`

// IsConnError reports whether err means the storage connection is gone
// rather than that a statement failed.
func IsConnError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 08: connection exception; 57P01-57P03: server shutting down.
		return strings.HasPrefix(pgErr.Code, "08") || strings.HasPrefix(pgErr.Code, "57P0")
	}
	if pgconn.Timeout(err) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range connErrorPatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// connErrorPatterns are driver messages for a closed pool or connection.
// Generic network failures are not matched; they may come from the feed.
var connErrorPatterns = []string{
	"closed pool",
	"conn closed",
	"database is closed",
}
