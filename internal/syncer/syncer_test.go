package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/complaints-queue/internal/complaint"
	"github.com/sells-group/complaints-queue/internal/config"
	"github.com/sells-group/complaints-queue/internal/cursor"
	"github.com/sells-group/complaints-queue/internal/model"
	"github.com/sells-group/complaints-queue/internal/resilience"
	"github.com/sells-group/complaints-queue/pkg/openprocurement"
)

type fakeFeed struct {
	mu        sync.Mutex
	pages     [][]openprocurement.Tender
	pageErr   func(call int) error
	tenders   map[string]*openprocurement.Tender
	tenderErr error
	skipUntil string
	resetErr  error
	onReset   func(n int)

	pageCalls   int
	tenderCalls []string
	resets      int
}

func (f *fakeFeed) NextPage(context.Context) ([]openprocurement.Tender, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pageCalls++
	if f.pageErr != nil {
		if err := f.pageErr(f.pageCalls); err != nil {
			return nil, err
		}
	}
	if len(f.pages) == 0 {
		return nil, nil
	}
	p := f.pages[0]
	f.pages = f.pages[1:]
	return p, nil
}

func (f *fakeFeed) GetTender(_ context.Context, id string) (*openprocurement.Tender, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tenderCalls = append(f.tenderCalls, id)
	if f.tenderErr != nil {
		return nil, f.tenderErr
	}
	t, ok := f.tenders[id]
	if !ok {
		return nil, openprocurement.ErrNotFound
	}
	return t, nil
}

func (f *fakeFeed) ShouldSkip(t *openprocurement.Tender) bool {
	return f.skipUntil != "" && t.DateModified < f.skipUntil
}

func (f *fakeFeed) Reset(context.Context, bool) error {
	f.mu.Lock()
	f.resets++
	n := f.resets
	f.mu.Unlock()
	if f.onReset != nil {
		f.onReset(n)
	}
	return f.resetErr
}

func (f *fakeFeed) Fields() []zap.Field { return []zap.Field{zap.String("worker", "test")} }

type fakeStorage struct {
	mu          sync.Mutex
	stored      map[string]*model.Record
	storeCalls  int
	existsCalls int
	existsErr   []error
	cache       map[string]string
	cleared     int
	reconnects  int
	reconnErr   []error
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{stored: map[string]*model.Record{}, cache: map[string]string{}}
}

func (f *fakeStorage) Exists(_ context.Context, _ *openprocurement.Tender, _ string, c *openprocurement.Complaint) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.existsCalls++
	if len(f.existsErr) > 0 {
		err := f.existsErr[0]
		f.existsErr = f.existsErr[1:]
		if err != nil {
			return false, err
		}
	}
	_, ok := f.stored[c.ID]
	return ok, nil
}

func (f *fakeStorage) Store(_ context.Context, rec *model.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.storeCalls++
	f.stored[rec.ID] = rec
	return nil
}

func (f *fakeStorage) CheckCache(_ context.Context, t *openprocurement.Tender) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cache[t.ID] == t.DateModified, nil
}

func (f *fakeStorage) FinishTender(_ context.Context, t *openprocurement.Tender) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cache[t.ID] = t.DateModified
	return nil
}

func (f *fakeStorage) ClearCache(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared++
	f.cache = map[string]string{}
	return nil
}

func (f *fakeStorage) Reconnect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconnects++
	if len(f.reconnErr) > 0 {
		err := f.reconnErr[0]
		f.reconnErr = f.reconnErr[1:]
		return err
	}
	return nil
}

type countingBeater struct {
	mu    sync.Mutex
	beats int
}

func (b *countingBeater) Beat() {
	b.mu.Lock()
	b.beats++
	b.mu.Unlock()
}

func fastOptions() Options {
	return Options{
		PageSleep:         time.Millisecond,
		IdleSleep:         time.Millisecond,
		ErrorThreshold:    3,
		ResetHour:         -1,
		ClearCacheWeekday: -1,
		ReconnectDelay:    time.Millisecond,
	}
}

func tenderWithComplaint(id, modified string) *openprocurement.Tender {
	return &openprocurement.Tender{
		ID:           id,
		TenderID:     "UA-2024-001",
		DateModified: modified,
		Status:       "active",
		Complaints: []openprocurement.Complaint{{
			ID:            "c-" + id + "-0001",
			Status:        "submitted",
			Type:          "complaint",
			Date:          "2024-01-01",
			DateSubmitted: "2024-01-01",
		}},
	}
}

func TestPollCycle_SkipUntilNeverProcessesOlderTenders(t *testing.T) {
	feed := &fakeFeed{
		skipUntil: "2024-02-01",
		pages: [][]openprocurement.Tender{{
			{ID: "old1", DateModified: "2024-01-15"},
			{ID: "new1", DateModified: "2024-02-02"},
			{ID: "old2", DateModified: "2024-01-31T23:59:59"},
		}, {
			{ID: "new2", DateModified: "2024-03-01"},
		}},
		tenders: map[string]*openprocurement.Tender{
			"new1": tenderWithComplaint("new1", "2024-02-02"),
			"new2": tenderWithComplaint("new2", "2024-03-01"),
		},
	}
	st := newFakeStorage()
	s := New(feed, st, complaint.Filter{}, nil, fastOptions())

	require.NoError(t, s.pollCycle(context.Background()))
	assert.Equal(t, []string{"new1", "new2"}, feed.tenderCalls)
	assert.Equal(t, 2, s.Stats().Skipped)
	assert.Equal(t, 2, st.storeCalls)
	assert.Equal(t, 3, feed.pageCalls)
}

func TestPollCycle_TenderErrorDoesNotAbortCycle(t *testing.T) {
	feed := &fakeFeed{
		pages: [][]openprocurement.Tender{{
			{ID: "missing", DateModified: "2024-01-02"},
			{ID: "t2", DateModified: "2024-01-02"},
		}},
		tenders: map[string]*openprocurement.Tender{"t2": tenderWithComplaint("t2", "2024-01-02")},
	}
	st := newFakeStorage()
	s := New(feed, st, complaint.Filter{}, nil, fastOptions())

	require.NoError(t, s.pollCycle(context.Background()))
	assert.Equal(t, 1, st.storeCalls)
	stats := s.Stats()
	assert.Equal(t, 1, stats.Errors)
	assert.Equal(t, 1, stats.ConsecutiveErrors)
}

func TestPollCycle_ErrorThresholdForcesReset(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	feed := &fakeFeed{pageErr: func(call int) error {
		if call == 7 {
			cancel()
		}
		return errors.New("502 bad gateway")
	}}
	s := New(feed, newFakeStorage(), complaint.Filter{}, nil, fastOptions())

	require.NoError(t, s.pollCycle(ctx))
	assert.Equal(t, 2, feed.resets)
	stats := s.Stats()
	assert.Equal(t, 6, stats.Errors)
	assert.Equal(t, 2, stats.Resets)
	assert.Equal(t, 0, stats.ConsecutiveErrors)
}

func TestPollCycle_FatalResetStopsLoop(t *testing.T) {
	feed := &fakeFeed{
		pageErr:  func(int) error { return errors.New("timeout") },
		resetErr: cursor.ErrResetFailed,
	}
	s := New(feed, newFakeStorage(), complaint.Filter{}, nil, fastOptions())

	err := s.pollCycle(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, cursor.ErrResetFailed)
	assert.Equal(t, 3, feed.pageCalls)
}

func TestPollCycle_ClosedCursorIsFatal(t *testing.T) {
	feed := &fakeFeed{pageErr: func(int) error { return cursor.ErrClosed }}
	s := New(feed, newFakeStorage(), complaint.Filter{}, nil, fastOptions())

	assert.ErrorIs(t, s.pollCycle(context.Background()), cursor.ErrClosed)
}

func TestPollCycle_StorageReconnect(t *testing.T) {
	feed := &fakeFeed{
		pages: [][]openprocurement.Tender{{{ID: "t1", DateModified: "2024-01-02"}}},
		tenders: map[string]*openprocurement.Tender{
			"t1": tenderWithComplaint("t1", "2024-01-02"),
		},
	}
	st := newFakeStorage()
	st.existsErr = []error{errors.New("conn closed")}
	st.reconnErr = []error{errors.New("dial tcp: connection refused"), nil}
	s := New(feed, st, complaint.Filter{}, nil, fastOptions())

	require.NoError(t, s.pollCycle(context.Background()))
	assert.Equal(t, 2, st.reconnects)
	assert.Equal(t, 1, s.Stats().Errors)
}

func TestPollCycle_FeedTransientErrorKeepsStore(t *testing.T) {
	feed := &fakeFeed{
		pages:     [][]openprocurement.Tender{{{ID: "t1", DateModified: "2024-01-02"}}},
		tenderErr: eris.Wrapf(resilience.NewTransientError(eris.New("status 503"), 503), "openprocurement: get tender %s", "t1"),
	}
	st := newFakeStorage()
	s := New(feed, st, complaint.Filter{}, nil, fastOptions())

	require.NoError(t, s.pollCycle(context.Background()))
	assert.Equal(t, 0, st.reconnects)
	assert.Equal(t, 1, s.Stats().Errors)
	assert.Equal(t, 0, st.storeCalls)
}

func TestPollCycle_UsesTenderCache(t *testing.T) {
	page := []openprocurement.Tender{{ID: "t1", DateModified: "2024-01-02"}}
	feed := &fakeFeed{
		pages:   [][]openprocurement.Tender{page, page},
		tenders: map[string]*openprocurement.Tender{"t1": tenderWithComplaint("t1", "2024-01-02")},
	}
	st := newFakeStorage()
	opts := fastOptions()
	opts.UseCache = true
	s := New(feed, st, complaint.Filter{}, nil, opts)

	require.NoError(t, s.pollCycle(context.Background()))
	assert.Equal(t, []string{"t1"}, feed.tenderCalls)
	assert.Equal(t, "2024-01-02", st.cache["t1"])
	assert.Equal(t, 1, s.Stats().Cached)
}

func TestPollCycle_BeatsWatchdog(t *testing.T) {
	feed := &fakeFeed{
		pages: [][]openprocurement.Tender{{
			{ID: "a", DateModified: "2024-01-01"},
			{ID: "b", DateModified: "2024-01-01"},
		}},
		skipUntil: "2025-01-01",
	}
	b := &countingBeater{}
	s := New(feed, newFakeStorage(), complaint.Filter{}, b, fastOptions())

	require.NoError(t, s.pollCycle(context.Background()))
	// cycle start, page fetched, one per tender, empty page fetched
	assert.Equal(t, 5, b.beats)
}

func TestMaintenanceCheck(t *testing.T) {
	now := time.Date(2024, 3, 10, 3, 30, 0, 0, time.UTC) // Sunday
	feed := &fakeFeed{}
	st := newFakeStorage()
	opts := fastOptions()
	opts.UseCache = true
	opts.ResetHour = 3
	opts.ClearCacheWeekday = 0
	opts.Now = func() time.Time { return now }
	s := New(feed, st, complaint.Filter{}, nil, opts)
	ctx := context.Background()

	require.NoError(t, s.maintenanceCheck(ctx))
	assert.Equal(t, 1, st.cleared)
	assert.Equal(t, 1, feed.resets)

	// Within the hour nothing repeats.
	now = now.Add(20 * time.Minute)
	require.NoError(t, s.maintenanceCheck(ctx))
	assert.Equal(t, 1, st.cleared)
	assert.Equal(t, 1, feed.resets)

	// Next Sunday at a different hour only clears the cache.
	now = now.Add(7*24*time.Hour + 2*time.Hour)
	require.NoError(t, s.maintenanceCheck(ctx))
	assert.Equal(t, 2, st.cleared)
	assert.Equal(t, 1, feed.resets)
}

func TestMaintenanceCheck_Disabled(t *testing.T) {
	feed := &fakeFeed{}
	st := newFakeStorage()
	opts := fastOptions()
	opts.UseCache = true
	opts.Now = func() time.Time { return time.Date(2024, 3, 10, 3, 0, 0, 0, time.UTC) }
	s := New(feed, st, complaint.Filter{}, nil, opts)

	require.NoError(t, s.maintenanceCheck(context.Background()))
	assert.Zero(t, st.cleared)
	assert.Zero(t, feed.resets)
}

func TestRun_StopsCleanlyOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	feed := &fakeFeed{pageErr: func(call int) error {
		if call == 3 {
			cancel()
		}
		return nil
	}}
	s := New(feed, newFakeStorage(), complaint.Filter{}, nil, fastOptions())

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}
	assert.Equal(t, 1, feed.resets)
}

func TestRun_InitialResetFailure(t *testing.T) {
	feed := &fakeFeed{resetErr: cursor.ErrResetFailed}
	s := New(feed, newFakeStorage(), complaint.Filter{}, nil, fastOptions())

	err := s.Run(context.Background())
	assert.ErrorIs(t, err, cursor.ErrResetFailed)
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := &config.Config{
		Store: config.StoreConfig{ReconnectDelaySecs: 4},
		Sync: config.SyncConfig{
			UseCache: true, PageSleepSecs: 2, IdleSleepSecs: 9, ErrorThreshold: 7,
			ResetHour: 5, ClearCacheWeekday: 1,
		},
	}
	opts := OptionsFromConfig(cfg)
	assert.True(t, opts.UseCache)
	assert.Equal(t, 2*time.Second, opts.PageSleep)
	assert.Equal(t, 9*time.Second, opts.IdleSleep)
	assert.Equal(t, 7, opts.ErrorThreshold)
	assert.Equal(t, 5, opts.ResetHour)
	assert.Equal(t, 1, opts.ClearCacheWeekday)
	assert.Equal(t, 4*time.Second, opts.ReconnectDelay)
}

// TestEndToEnd runs a real cursor against an httptest feed: one page with
// tender T1 holding complaint C1.
func TestEndToEnd(t *testing.T) {
	var mu sync.Mutex
	var tenderFetches int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/2.5/tenders":
			if r.URL.Query().Get("offset") == "" {
				_ = json.NewEncoder(w).Encode(map[string]any{
					"data":      []map[string]string{{"id": "T1", "dateModified": "2024-01-02"}},
					"next_page": map[string]any{"offset": "o1"},
				})
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{
				"data":      []any{},
				"next_page": map[string]any{"offset": "o1"},
			})
		case "/api/2.5/tenders/T1":
			mu.Lock()
			tenderFetches++
			mu.Unlock()
			_ = json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{
				"id":           "T1",
				"tenderID":     "UA-2024-001",
				"title":        "Road repair",
				"status":       "active.tendering",
				"dateModified": "2024-01-02",
				"complaints": []map[string]any{{
					"id":            "C1abcdef",
					"status":        "submitted",
					"type":          "complaint",
					"date":          "2024-01-01",
					"dateSubmitted": "2024-01-01",
				}},
			}})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	factory := cursor.HTTPSessionFactory(config.FeedConfig{
		HostURL: srv.URL, APIVersion: "2.5", TimeoutSecs: 5,
		Retry: config.RetryConfig{MaxAttempts: 1},
	})
	cur := cursor.New(cursor.Options{Feed: "changes", Limit: 100}, factory, nil)
	defer cur.Close()

	st := newFakeStorage()
	s := New(cur, st, complaint.Filter{}, nil, fastOptions())
	ctx := context.Background()

	require.NoError(t, s.reset(ctx, true))
	require.NoError(t, s.pollCycle(ctx))

	assert.Equal(t, 1, st.existsCalls)
	require.Equal(t, 1, st.storeCalls)
	rec := st.stored["C1abcdef"]
	require.NotNil(t, rec)
	assert.Equal(t, "UA-2024-001.C1ab", rec.ComplaintID)
	assert.Equal(t, "complaints", rec.Path)
	assert.Equal(t, "T1", rec.Tender.ID)
	assert.Equal(t, "UA-2024-001", rec.Tender.TenderID)
	assert.Equal(t, "active.tendering", rec.Tender.Status)
	assert.Equal(t, "2024-01-02", rec.Tender.DateModified)

	// Same feed again from the start: the complaint exists, nothing is stored.
	require.NoError(t, s.reset(ctx, true))
	require.NoError(t, s.pollCycle(ctx))
	assert.Equal(t, 2, st.existsCalls)
	assert.Equal(t, 1, st.storeCalls)
	assert.Equal(t, 2, tenderFetches)
}
