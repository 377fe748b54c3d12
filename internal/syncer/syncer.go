// Package syncer runs the poll/sleep loop of one worker: it pulls feed pages
// from the cursor, pushes every tender through the complaint pipeline and
// escalates repeated failures into cursor resets.
package syncer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/complaints-queue/internal/complaint"
	"github.com/sells-group/complaints-queue/internal/config"
	"github.com/sells-group/complaints-queue/internal/cursor"
	"github.com/sells-group/complaints-queue/internal/resilience"
	"github.com/sells-group/complaints-queue/internal/store"
	"github.com/sells-group/complaints-queue/pkg/openprocurement"
)

// Feed is the cursor as seen by the loop.
type Feed interface {
	NextPage(ctx context.Context) ([]openprocurement.Tender, error)
	GetTender(ctx context.Context, id string) (*openprocurement.Tender, error)
	ShouldSkip(t *openprocurement.Tender) bool
	Reset(ctx context.Context, full bool) error
	Fields() []zap.Field
}

// Storage is the part of the storage port the loop uses directly.
type Storage interface {
	complaint.Writer
	CheckCache(ctx context.Context, t *openprocurement.Tender) (bool, error)
	FinishTender(ctx context.Context, t *openprocurement.Tender) error
	ClearCache(ctx context.Context) error
	Reconnect(ctx context.Context) error
}

// Beater receives progress signals. The watchdog implements it.
type Beater interface {
	Beat()
}

type nopBeater struct{}

func (nopBeater) Beat() {}

// Options configures the loop.
type Options struct {
	UseCache          bool
	PageSleep         time.Duration
	IdleSleep         time.Duration
	ErrorThreshold    int
	ResetHour         int // -1 disables
	ClearCacheWeekday int // -1 disables, 0 is Sunday
	ReconnectDelay    time.Duration
	Now               func() time.Time
}

// OptionsFromConfig maps the sync section onto loop options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		UseCache:          cfg.Sync.UseCache,
		PageSleep:         cfg.Sync.PageSleep(),
		IdleSleep:         cfg.Sync.IdleSleep(),
		ErrorThreshold:    cfg.Sync.ErrorThreshold,
		ResetHour:         cfg.Sync.ResetHour,
		ClearCacheWeekday: cfg.Sync.ClearCacheWeekday,
		ReconnectDelay:    time.Duration(cfg.Store.ReconnectDelaySecs) * time.Second,
	}
}

// Stats counts what the loop has done since it started.
type Stats struct {
	Pages             int
	Tenders           int
	Skipped           int
	Cached            int
	Filtered          int
	Existing          int
	Stored            int
	Errors            int
	Resets            int
	ConsecutiveErrors int
}

// Syncer is one worker's synchronization loop.
type Syncer struct {
	feed  Feed
	store Storage
	proc  *complaint.Processor
	beat  Beater
	opts  Options
	log   *zap.Logger

	mu             sync.Mutex
	stats          Stats
	lastReset      time.Time
	lastCacheClear time.Time
}

// New creates a loop. beat may be nil.
func New(feed Feed, st Storage, filter complaint.Filter, beat Beater, opts Options) *Syncer {
	if beat == nil {
		beat = nopBeater{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.ErrorThreshold <= 0 {
		opts.ErrorThreshold = 5
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 5 * time.Second
	}
	log := zap.L().With(zap.String("component", "syncer"))
	return &Syncer{
		feed:  feed,
		store: st,
		proc:  complaint.NewProcessor(st, filter),
		beat:  beat,
		opts:  opts,
		log:   log,
	}
}

// Stats returns a copy of the counters.
func (s *Syncer) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Run resets the cursor and polls until ctx is cancelled. It returns nil on
// a clean stop and an error only when the cursor cannot be rebuilt.
func (s *Syncer) Run(ctx context.Context) error {
	s.log.Info("sync loop starting")
	if err := s.reset(ctx, true); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	for ctx.Err() == nil {
		if err := s.maintenanceCheck(ctx); err != nil {
			return err
		}
		if err := s.pollCycle(ctx); err != nil {
			return err
		}
		st := s.Stats()
		s.log.Info("poll cycle done",
			zap.Int("pages", st.Pages),
			zap.Int("tenders", st.Tenders),
			zap.Int("stored", st.Stored),
			zap.Int("errors", st.Errors),
		)
		if resilience.Sleep(ctx, s.opts.IdleSleep) != nil {
			break
		}
	}
	s.log.Info("sync loop stopped")
	return nil
}

// maintenanceCheck clears the tender cache on the configured weekday and
// forces a full reset at the configured hour, each at most once an hour.
func (s *Syncer) maintenanceCheck(ctx context.Context) error {
	now := s.opts.Now()

	if s.opts.UseCache && s.opts.ClearCacheWeekday >= 0 &&
		int(now.Weekday()) == s.opts.ClearCacheWeekday && now.Sub(s.lastCacheClear) > time.Hour {
		s.log.Info("clearing tender cache", zap.Stringer("weekday", now.Weekday()))
		if err := s.store.ClearCache(ctx); err != nil {
			s.log.Error("clear tender cache", zap.Error(err))
			s.storageFailed(ctx, err)
		} else {
			s.lastCacheClear = now
		}
	}

	if s.opts.ResetHour >= 0 && now.Hour() == s.opts.ResetHour && now.Sub(s.lastReset) > time.Hour {
		s.log.Info("scheduled full reset", zap.Int("hour", s.opts.ResetHour))
		return s.reset(ctx, true)
	}
	return nil
}

// pollCycle consumes pages until the feed is caught up or ctx is done.
func (s *Syncer) pollCycle(ctx context.Context) error {
	s.beat.Beat()

	for ctx.Err() == nil {
		tenders, err := s.feed.NextPage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if isFatal(err) {
				return err
			}
			s.log.Error("fetch feed page", append(s.feed.Fields(), zap.Error(err))...)
			if err := s.recordError(ctx); err != nil {
				return err
			}
			_ = resilience.Sleep(ctx, 10*s.opts.PageSleep)
			continue
		}

		s.beat.Beat()
		if len(tenders) == 0 {
			return nil
		}
		s.count(func(st *Stats) { st.Pages++ })

		for i := range tenders {
			if ctx.Err() != nil {
				return nil
			}
			t := &tenders[i]
			s.beat.Beat()

			if s.feed.ShouldSkip(t) {
				s.log.Debug("skip tender",
					zap.String("tender_id", t.ID),
					zap.String("date_modified", t.DateModified),
				)
				s.count(func(st *Stats) { st.Skipped++ })
				continue
			}

			if err := s.processTender(ctx, t); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				if isFatal(err) {
					return err
				}
				s.log.Error("process tender", append(s.feed.Fields(),
					zap.String("tender_id", t.ID),
					zap.String("date_modified", t.DateModified),
					zap.Error(err),
				)...)
				if store.IsConnError(err) {
					if err := s.reconnectStore(ctx); err != nil {
						return nil
					}
				}
				if err := s.recordError(ctx); err != nil {
					return err
				}
				_ = resilience.Sleep(ctx, s.opts.PageSleep)
			}
		}

		_ = resilience.Sleep(ctx, s.opts.PageSleep)
	}
	return nil
}

// processTender fetches the full tender and runs the pipeline over it,
// consulting the completion cache when enabled.
func (s *Syncer) processTender(ctx context.Context, t *openprocurement.Tender) error {
	s.count(func(st *Stats) { st.Tenders++ })

	if s.opts.UseCache {
		hit, err := s.store.CheckCache(ctx, t)
		if err != nil {
			return eris.Wrapf(err, "syncer: check cache %s", t.ID)
		}
		if hit {
			s.log.Debug("tender cached", zap.String("tender_id", t.ID), zap.String("date_modified", t.DateModified))
			s.count(func(st *Stats) { st.Cached++ })
			return nil
		}
	}

	full, err := s.feed.GetTender(ctx, t.ID)
	if err != nil {
		return err
	}

	counts, err := s.proc.ProcessTender(ctx, full)
	s.count(func(st *Stats) {
		st.Filtered += counts.Filtered
		st.Existing += counts.Existing
		st.Stored += counts.Stored
	})
	if err != nil {
		return eris.Wrapf(err, "syncer: tender %s", t.ID)
	}

	if s.opts.UseCache {
		if err := s.store.FinishTender(ctx, full); err != nil {
			return eris.Wrapf(err, "syncer: finish tender %s", t.ID)
		}
	}
	return nil
}

// recordError counts a caught failure and forces a full reset once the
// consecutive count reaches the threshold.
func (s *Syncer) recordError(ctx context.Context) error {
	var n int
	s.count(func(st *Stats) {
		st.Errors++
		st.ConsecutiveErrors++
		n = st.ConsecutiveErrors
	})
	if n < s.opts.ErrorThreshold {
		return nil
	}
	s.log.Warn("error threshold reached, resetting cursor",
		zap.Int("errors", n),
		zap.Int("threshold", s.opts.ErrorThreshold),
	)
	if err := s.reset(ctx, true); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	return nil
}

func (s *Syncer) reset(ctx context.Context, full bool) error {
	s.beat.Beat()
	if err := s.feed.Reset(ctx, full); err != nil {
		return eris.Wrap(err, "syncer: reset")
	}
	s.beat.Beat()
	s.lastReset = s.opts.Now()
	s.count(func(st *Stats) {
		st.Resets++
		st.ConsecutiveErrors = 0
	})
	return nil
}

// storageFailed starts a reconnect when err means the connection is gone.
func (s *Syncer) storageFailed(ctx context.Context, err error) {
	if store.IsConnError(err) {
		_ = s.reconnectStore(ctx)
	}
}

// reconnectStore blocks until the store answers again or ctx is done.
func (s *Syncer) reconnectStore(ctx context.Context) error {
	for attempt := 1; ; attempt++ {
		s.beat.Beat()
		err := s.store.Reconnect(ctx)
		if err == nil {
			s.log.Info("storage reconnected", zap.Int("attempts", attempt))
			return nil
		}
		s.log.Warn("storage reconnect failed",
			zap.Int("attempt", attempt),
			zap.Duration("delay", s.opts.ReconnectDelay),
			zap.Error(err),
		)
		if err := resilience.Sleep(ctx, s.opts.ReconnectDelay); err != nil {
			return err
		}
	}
}

func (s *Syncer) count(fn func(st *Stats)) {
	s.mu.Lock()
	fn(&s.stats)
	s.mu.Unlock()
}

func isFatal(err error) bool {
	return errors.Is(err, cursor.ErrResetFailed) || errors.Is(err, cursor.ErrClosed)
}
