// Package cursor owns the position of one worker in the tenders change feed:
// the pagination offset, the skip_until resume boundary and the descending
// rewind that re-establishes a safe offset after downtime.
package cursor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/complaints-queue/internal/config"
	"github.com/sells-group/complaints-queue/internal/resilience"
	"github.com/sells-group/complaints-queue/internal/store"
	"github.com/sells-group/complaints-queue/pkg/openprocurement"
)

var (
	// ErrClosed is returned by every operation after Close.
	ErrClosed = eris.New("cursor: closed")
	// ErrResetFailed is returned when a session could not be rebuilt within
	// the configured attempts.
	ErrResetFailed = eris.New("cursor: reset failed")
	// ErrNotReady is returned when the cursor has never been reset or its
	// last reset failed.
	ErrNotReady = eris.New("cursor: not initialized")
)

// State is the lifecycle state of a Cursor.
type State int

const (
	Uninitialized State = iota
	Active
	Resetting
	Closed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Active:
		return "active"
	case Resetting:
		return "resetting"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

const (
	// DefaultMaxRewindPages bounds the descending walk.
	DefaultMaxRewindPages = 101
	// DefaultFreshnessWindow is how far back a rewind target may lie.
	DefaultFreshnessWindow = 30 * 24 * time.Hour
)

// SessionFactory builds a fresh feed session.
type SessionFactory func(ctx context.Context, descending bool) (openprocurement.Client, error)

// Seeder is the part of the storage port the cursor reads and writes.
type Seeder interface {
	MaxSubmittedDate(ctx context.Context) (string, error)
	SaveCursor(ctx context.Context, state store.CursorState) error
}

// Options configures a Cursor.
type Options struct {
	Worker     string
	Feed       string
	Mode       string
	Limit      int
	Descending bool

	// SkipUntil is the configured floor for the resume boundary.
	SkipUntil  string
	Rewind     bool
	RewindDays int

	ResetAttempts int
	ResetDelay    time.Duration

	MaxRewindPages  int
	FreshnessWindow time.Duration
	Now             func() time.Time
}

// Cursor is a resumable position in the feed. It is safe for concurrent use;
// a caller that finds a reset in progress waits for it instead of starting
// another one.
type Cursor struct {
	opts    Options
	factory SessionFactory
	seeder  Seeder
	log     *zap.Logger

	mu        sync.Mutex
	state     State
	resetDone chan struct{}
	resetErr  error
	client    openprocurement.Client
	offset    string
	skipUntil string
	sessionID string
}

// New creates an uninitialized cursor. Reset must be called before NextPage.
func New(opts Options, factory SessionFactory, seeder Seeder) *Cursor {
	if opts.Worker == "" {
		opts.Worker = WorkerName(opts.Descending)
	}
	if opts.MaxRewindPages <= 0 {
		opts.MaxRewindPages = DefaultMaxRewindPages
	}
	if opts.FreshnessWindow <= 0 {
		opts.FreshnessWindow = DefaultFreshnessWindow
	}
	if opts.ResetAttempts <= 0 {
		opts.ResetAttempts = 1
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Cursor{
		opts:    opts,
		factory: factory,
		seeder:  seeder,
		log: zap.L().With(
			zap.String("component", "cursor"),
			zap.String("worker", opts.Worker),
			zap.Bool("descending", opts.Descending),
		),
	}
}

// WorkerName is the cursor row key for a worker direction.
func WorkerName(descending bool) string {
	if descending {
		return "backward"
	}
	return "forward"
}

// OptionsFromConfig maps the sync and feed sections onto cursor options.
func OptionsFromConfig(cfg *config.Config, descending bool) Options {
	return Options{
		Worker:        WorkerName(descending),
		Feed:          cfg.Feed.Feed,
		Mode:          cfg.Feed.Mode,
		Limit:         cfg.Feed.Limit,
		Descending:    descending,
		SkipUntil:     cfg.Sync.SkipUntil,
		Rewind:        cfg.Sync.Rewind,
		RewindDays:    cfg.Sync.RewindDays,
		ResetAttempts: cfg.Sync.ResetAttempts,
		ResetDelay:    cfg.Sync.ResetDelay(),
	}
}

// HTTPSessionFactory builds sessions against the live feed.
func HTTPSessionFactory(feed config.FeedConfig, opts ...openprocurement.Option) SessionFactory {
	return func(_ context.Context, _ bool) (openprocurement.Client, error) {
		if feed.HostURL == "" {
			return nil, eris.New("cursor: feed.host_url is empty")
		}
		return openprocurement.NewClient(openprocurement.Config{
			HostURL:    feed.HostURL,
			APIVersion: feed.APIVersion,
			Resource:   feed.Resource,
			Key:        feed.Key,
			UserAgent:  feed.UserAgent,
			Timeout:    feed.Timeout(),
			RateLimit:  feed.RateLimit,
			Retry: resilience.FromRetryConfig(
				feed.Retry.MaxAttempts,
				feed.Retry.InitialBackoffMs,
				feed.Retry.MaxBackoffMs,
				feed.Retry.Multiplier,
			),
		}, opts...), nil
	}
}

// session is a consistent view of the fields a page request needs.
type session struct {
	client openprocurement.Client
	params openprocurement.PageParams
	id     string
}

func (c *Cursor) pageParams() openprocurement.PageParams {
	return openprocurement.PageParams{
		Offset:     c.offset,
		Limit:      c.opts.Limit,
		Feed:       c.opts.Feed,
		Mode:       c.opts.Mode,
		Descending: c.opts.Descending,
	}
}

// acquire waits out a reset in progress and returns the active session.
func (c *Cursor) acquire(ctx context.Context) (session, error) {
	for {
		c.mu.Lock()
		switch c.state {
		case Active:
			s := session{client: c.client, params: c.pageParams(), id: c.sessionID}
			c.mu.Unlock()
			return s, nil
		case Closed:
			c.mu.Unlock()
			return session{}, ErrClosed
		case Uninitialized:
			err := c.resetErr
			c.mu.Unlock()
			if err != nil {
				return session{}, err
			}
			return session{}, ErrNotReady
		}
		done := c.resetDone
		c.mu.Unlock()

		select {
		case <-done:
		case <-ctx.Done():
			return session{}, ctx.Err()
		}
	}
}

// NextPage fetches the page at the current offset and advances the offset.
// An empty result means the feed is caught up. A not-found answer drops the
// offset so the next call starts the feed over.
func (c *Cursor) NextPage(ctx context.Context) ([]openprocurement.Tender, error) {
	s, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}

	page, err := s.client.Changes(ctx, s.params)
	if errors.Is(err, openprocurement.ErrNotFound) {
		c.log.Warn("feed offset not found, dropping offset",
			zap.String("offset", s.params.Offset),
			zap.String("session_id", s.id),
		)
		c.mu.Lock()
		if c.sessionID == s.id {
			c.offset = ""
		}
		c.mu.Unlock()
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "cursor: next page at offset %q", s.params.Offset)
	}

	c.mu.Lock()
	// A reset that finished while the request was in flight owns the offset.
	if c.sessionID == s.id && page.NextOffset != "" {
		c.offset = page.NextOffset
	}
	c.mu.Unlock()

	c.save(ctx)
	return page.Tenders, nil
}

// GetTender fetches the full tender through the current session.
func (c *Cursor) GetTender(ctx context.Context, id string) (*openprocurement.Tender, error) {
	s, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	t, err := s.client.GetTender(ctx, id)
	if err != nil {
		return nil, eris.Wrapf(err, "cursor: get tender %s", id)
	}
	return t, nil
}

// ShouldSkip reports whether t was modified before the resume boundary.
func (c *Cursor) ShouldSkip(t *openprocurement.Tender) bool {
	c.mu.Lock()
	skip := c.skipUntil
	c.mu.Unlock()
	return skip != "" && t.DateModified < skip
}

// Reset rebuilds the feed session, re-seeds skip_until from storage and
// rewinds. A full reset also drops the offset. Concurrent callers share one
// reset and all receive its result.
func (c *Cursor) Reset(ctx context.Context, full bool) error {
	c.mu.Lock()
	switch c.state {
	case Closed:
		c.mu.Unlock()
		return ErrClosed
	case Resetting:
		done := c.resetDone
		c.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.resetErr
	}
	prev := c.state
	old := c.client
	c.state = Resetting
	c.resetDone = make(chan struct{})
	c.mu.Unlock()

	err := c.reset(ctx, full || prev == Uninitialized, old)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetErr = err
	switch {
	case c.state == Closed:
		if c.client != nil {
			c.client.Close()
			c.client = nil
		}
	case err != nil:
		c.state = Uninitialized
	default:
		c.state = Active
	}
	close(c.resetDone)
	return err
}

func (c *Cursor) reset(ctx context.Context, full bool, old openprocurement.Client) error {
	c.log.Info("reset cursor", zap.Bool("full", full))

	if old != nil {
		old.Close()
	}

	retry := resilience.FixedRetryConfig(c.opts.ResetAttempts, c.opts.ResetDelay)
	retry.OnRetry = resilience.RetryLogger("cursor_reset", zap.String("worker", c.opts.Worker))
	client, err := resilience.DoVal(ctx, retry, func(ctx context.Context) (openprocurement.Client, error) {
		return c.factory(ctx, c.opts.Descending)
	})
	if err != nil {
		c.log.Error("cursor reset failed", zap.Int("attempts", c.opts.ResetAttempts), zap.Error(err))
		return eris.Wrapf(ErrResetFailed, "after %d attempts: %v", c.opts.ResetAttempts, err)
	}

	// The backward worker backfills history, so only the configured floor
	// applies to it.
	skipUntil := c.opts.SkipUntil
	if !c.opts.Descending {
		if stored := c.storedMax(ctx); len(stored) >= 10 && stored[:10] > skipUntil {
			skipUntil = stored[:10]
		}
	}

	c.mu.Lock()
	c.client = client
	if full {
		c.offset = ""
	}
	c.skipUntil = skipUntil
	c.sessionID = uuid.NewString()
	sessionID := c.sessionID
	c.mu.Unlock()

	c.log.Info("cursor session ready",
		zap.String("session_id", sessionID),
		zap.String("skip_until", skipUntil),
	)

	if c.opts.Rewind && skipUntil != "" {
		if _, err := c.rewind(ctx, client, sessionID, skipUntil, c.opts.RewindDays); err != nil {
			c.log.Warn("rewind abandoned", zap.Error(err))
		}
	}
	return nil
}

// storedMax reads the newest stored submission date. A storage failure is
// logged and treated as "nothing stored" so the configured floor applies.
func (c *Cursor) storedMax(ctx context.Context) string {
	if c.seeder == nil {
		return ""
	}
	date, err := c.seeder.MaxSubmittedDate(ctx)
	if err != nil {
		c.log.Warn("read max submitted date", zap.Error(err))
		return ""
	}
	return date
}

// Rewind walks the feed in descending order from the newest change looking
// for the first page whose oldest tender predates target minus daysBack, and
// moves the offset there. It reports whether it converged.
func (c *Cursor) Rewind(ctx context.Context, target string, daysBack int) (bool, error) {
	s, err := c.acquire(ctx)
	if err != nil {
		return false, err
	}
	return c.rewind(ctx, s.client, s.id, target, daysBack)
}

func (c *Cursor) rewind(ctx context.Context, client openprocurement.Client, sessionID, target string, daysBack int) (bool, error) {
	if c.opts.Descending {
		return false, nil
	}
	day, err := parseDay(target)
	if err != nil {
		return false, eris.Wrapf(err, "cursor: rewind target %q", target)
	}
	if day.Before(c.opts.Now().Add(-c.opts.FreshnessWindow)) {
		c.log.Info("rewind target too old, skipping", zap.String("target", target))
		return false, nil
	}
	boundary := day.AddDate(0, 0, -daysBack).Format(time.DateOnly)

	log := c.log.With(zap.String("target", target), zap.String("boundary", boundary))
	log.Info("rewind start")

	params := openprocurement.PageParams{
		Limit:      c.opts.Limit,
		Feed:       c.opts.Feed,
		Mode:       c.opts.Mode,
		Descending: true,
	}
	for i := 0; i < c.opts.MaxRewindPages; i++ {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		page, err := client.Changes(ctx, params)
		if err != nil {
			return false, eris.Wrapf(err, "cursor: rewind page %d", i+1)
		}
		if len(page.Tenders) == 0 {
			break
		}
		oldest := page.Tenders[len(page.Tenders)-1].DateModified
		if oldest < boundary {
			c.mu.Lock()
			if c.sessionID == sessionID {
				c.offset = page.NextOffset
			}
			c.mu.Unlock()
			log.Info("rewind done",
				zap.Int("pages", i+1),
				zap.String("offset", page.NextOffset),
				zap.String("date_modified", oldest),
			)
			return true, nil
		}
		if page.NextOffset == "" {
			break
		}
		params.Offset = page.NextOffset
	}

	log.Warn("rewind did not converge, scanning from start of feed", zap.Int("max_pages", c.opts.MaxRewindPages))
	c.mu.Lock()
	if c.sessionID == sessionID {
		c.offset = ""
	}
	c.mu.Unlock()
	return false, nil
}

func parseDay(s string) (time.Time, error) {
	if len(s) < 10 {
		return time.Time{}, eris.New("date too short")
	}
	return time.Parse(time.DateOnly, s[:10])
}

// save writes the cursor row. Failures are logged only.
func (c *Cursor) save(ctx context.Context) {
	if c.seeder == nil {
		return
	}
	st := c.Snapshot()
	if err := c.seeder.SaveCursor(ctx, st); err != nil {
		c.log.Warn("save cursor", zap.Error(err))
	}
}

// Snapshot returns the current position as a storable cursor row.
func (c *Cursor) Snapshot() store.CursorState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return store.CursorState{
		Worker:     c.opts.Worker,
		Offset:     c.offset,
		SkipUntil:  c.skipUntil,
		Descending: c.opts.Descending,
		SessionID:  c.sessionID,
	}
}

// Fields returns the request context attached to error logs.
func (c *Cursor) Fields() []zap.Field {
	st := c.Snapshot()
	return []zap.Field{
		zap.String("worker", st.Worker),
		zap.String("offset", st.Offset),
		zap.Bool("descending", st.Descending),
		zap.String("session_id", st.SessionID),
	}
}

// State returns the lifecycle state.
func (c *Cursor) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Close releases the session. A reset in progress finishes but its session
// is discarded.
func (c *Cursor) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Closed {
		return
	}
	c.state = Closed
	if c.client != nil {
		c.client.Close()
		c.client = nil
	}
}
