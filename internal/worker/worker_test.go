package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/book-relay/internal/dispatcher"
	publishermemory "github.com/JakeFAU/book-relay/internal/publisher/memory"
	queuememory "github.com/JakeFAU/book-relay/internal/queue/memory"
	"github.com/JakeFAU/book-relay/internal/relay"
	storagememory "github.com/JakeFAU/book-relay/internal/storage/memory"
)

type fakeClock struct{}

func (fakeClock) Now() time.Time { return time.Now().UTC() }

type seqIDs struct{ n atomic.Int64 }

func (s *seqIDs) NewID() (string, error) { return fmt.Sprintf("job-%d", s.n.Add(1)), nil }

// fakeScraper tracks how many operations overlap and lets tests inject errors.
type fakeScraper struct {
	inFlight    atomic.Int32
	maxInFlight atomic.Int32
	calls       atomic.Int32
	resets      atomic.Int32
	delay       time.Duration

	mu        sync.Mutex
	searchErr error
}

func (f *fakeScraper) enter() func() {
	f.calls.Add(1)
	n := f.inFlight.Add(1)
	for {
		cur := f.maxInFlight.Load()
		if n <= cur || f.maxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}
	return func() { f.inFlight.Add(-1) }
}

func (f *fakeScraper) Search(ctx context.Context, query string) ([]relay.SearchResultRecord, error) {
	defer f.enter()()
	f.mu.Lock()
	err := f.searchErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	select {
	case <-time.After(f.delay):
	case <-ctx.Done():
		return nil, fmt.Errorf("search %q: %w", query, ctx.Err())
	}
	return []relay.SearchResultRecord{{ID: query, Title: query}}, nil
}

func (f *fakeScraper) ResolveDownload(ctx context.Context, path string) (relay.ResolvedDownload, error) {
	defer f.enter()()
	<-ctx.Done()
	return relay.ResolvedDownload{}, fmt.Errorf("resolve %s: %w", path, ctx.Err())
}

func (f *fakeScraper) Warmup(context.Context) (relay.WarmupResult, error) {
	defer f.enter()()
	return relay.WarmupResult{Success: true, WarmedAt: time.Now().UTC()}, nil
}

func (f *fakeScraper) Reset(context.Context) (relay.ResetResult, error) {
	defer f.enter()()
	f.resets.Add(1)
	return relay.ResetResult{Success: true, ResetAt: time.Now().UTC()}, nil
}

type harness struct {
	d       *dispatcher.Dispatcher
	queue   *queuememory.Queue
	store   *storagememory.JobStore
	pub     *publishermemory.Publisher
	scraper *fakeScraper
	worker  *Worker
}

func newHarness(t *testing.T, scraper *fakeScraper, cfg dispatcher.Config) harness {
	t.Helper()
	q := queuememory.NewQueue(16)
	t.Cleanup(q.Close)
	store := storagememory.NewJobStore()
	pub := publishermemory.New()
	d := dispatcher.New(q, store, &seqIDs{}, fakeClock{}, cfg, zap.NewNop())
	w := New(q, store, scraper, d, pub, fakeClock{}, Config{Topic: "job-events"}, zap.NewNop())
	return harness{d: d, queue: q, store: store, pub: pub, scraper: scraper, worker: w}
}

func (h harness) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.d.Run(ctx, h.worker)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestWorkerRunsOneJobAtATime(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &fakeScraper{delay: 5 * time.Millisecond}, dispatcher.Config{})
	h.start(t)

	var wg sync.WaitGroup
	errs := make(chan error, 6)
	for i := range 6 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := h.d.Search(context.Background(), fmt.Sprintf("query-%d", i))
			if err == nil && (len(res) != 1 || res[0].Title != fmt.Sprintf("query-%d", i)) {
				err = fmt.Errorf("unexpected result %+v", res)
			}
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	require.EqualValues(t, 6, h.scraper.calls.Load())
	require.EqualValues(t, 1, h.scraper.maxInFlight.Load())
}

func TestBrowserFatalErrorResetsBeforeReporting(t *testing.T) {
	t.Parallel()

	scraper := &fakeScraper{searchErr: errors.New("search: navigation timeout after 45s")}
	h := newHarness(t, scraper, dispatcher.Config{})
	h.start(t)

	_, err := h.d.Search(context.Background(), "dune")
	require.Error(t, err)
	require.EqualValues(t, 1, scraper.resets.Load())

	relayErr := relay.ToError(err)
	require.Equal(t, relay.CodeSessionReset, relayErr.Code)
	require.Equal(t, true, relayErr.Details["retryable"])

	require.Eventually(t, func() bool { return len(h.pub.Messages()) == 1 }, time.Second, 5*time.Millisecond)
	msgs := h.pub.Messages()
	var event relay.JobEvent
	require.NoError(t, json.Unmarshal(msgs[0].Data, &event))
	require.Equal(t, relay.JobStatusFailed, event.Status)
	require.Equal(t, relay.CodeSessionReset, event.ErrorCode)
}

func TestCodedErrorsPassThroughWithoutReset(t *testing.T) {
	t.Parallel()

	scraper := &fakeScraper{searchErr: &relay.Error{
		Message: "daily download limit reached",
		Code:    relay.CodeDailyLimit,
		Details: map[string]any{"wait": "3 hours"},
	}}
	h := newHarness(t, scraper, dispatcher.Config{})
	h.start(t)

	_, err := h.d.Search(context.Background(), "dune")
	relayErr := relay.ToError(err)
	require.Equal(t, relay.CodeDailyLimit, relayErr.Code)
	require.Equal(t, "3 hours", relayErr.Details["wait"])
	require.Zero(t, scraper.resets.Load())
}

func TestJobTimeoutIsEnforced(t *testing.T) {
	t.Parallel()

	scraper := &fakeScraper{}
	h := newHarness(t, scraper, dispatcher.Config{
		Timeouts:  map[relay.JobName]time.Duration{relay.JobDownload: 20 * time.Millisecond},
		WaitGrace: 2 * time.Second,
	})
	h.start(t)

	_, err := h.d.Download(context.Background(), "/dl/1/a")
	relayErr := relay.ToError(err)
	require.Equal(t, relay.CodeTimedOut, relayErr.Code)
	require.Zero(t, scraper.resets.Load())

	job, err := h.store.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, relay.JobStatusFailed, job.Status)
	require.NotNil(t, job.StartedAt)
}

func TestWorkerSkipsFinishedJobs(t *testing.T) {
	t.Parallel()

	scraper := &fakeScraper{}
	h := newHarness(t, scraper, dispatcher.Config{})
	ctx := context.Background()

	require.NoError(t, h.store.CreateJob(ctx, relay.Job{ID: "done", Name: relay.JobWarmup}))
	require.NoError(t, h.store.CompleteJob(ctx, "done", json.RawMessage(`{"success":true}`), time.Now()))
	require.NoError(t, h.queue.Enqueue(ctx, relay.QueueItem{JobID: "done", Name: relay.JobWarmup}))

	item, err := h.queue.Dequeue(ctx)
	require.NoError(t, err)
	h.worker.processJob(ctx, item)

	require.Zero(t, scraper.calls.Load())
	require.Empty(t, h.pub.Messages())
}

// flakyStore fails GetJob a fixed number of times before delegating.
type flakyStore struct {
	*storagememory.JobStore
	failures atomic.Int32
}

func (f *flakyStore) GetJob(ctx context.Context, id string) (relay.Job, error) {
	if f.failures.Add(-1) >= 0 {
		return relay.Job{}, errors.New("connection reset")
	}
	return f.JobStore.GetJob(ctx, id)
}

// ackCounter records acknowledgements on top of the memory queue.
type ackCounter struct {
	*queuememory.Queue
	acks atomic.Int32
}

func (a *ackCounter) Ack(ctx context.Context, item relay.QueueItem) error {
	a.acks.Add(1)
	return a.Queue.Ack(ctx, item)
}

func TestWorkerRetriesTransientStoreErrors(t *testing.T) {
	t.Parallel()

	scraper := &fakeScraper{}
	store := &flakyStore{JobStore: storagememory.NewJobStore()}
	store.failures.Store(loadAttempts - 1)
	q := &ackCounter{Queue: queuememory.NewQueue(1)}
	w := New(q, store, scraper, nil, nil, fakeClock{}, Config{}, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, store.CreateJob(ctx, relay.Job{ID: "w1", Name: relay.JobWarmup}))
	w.processJob(ctx, relay.QueueItem{JobID: "w1", Name: relay.JobWarmup, Receipt: "1-0"})

	job, err := store.JobStore.GetJob(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, relay.JobStatusSucceeded, job.Status)
	require.Equal(t, int32(1), q.acks.Load())
}

func TestWorkerLeavesEntryPendingWhenStoreIsDown(t *testing.T) {
	t.Parallel()

	scraper := &fakeScraper{}
	store := &flakyStore{JobStore: storagememory.NewJobStore()}
	store.failures.Store(loadAttempts)
	q := &ackCounter{Queue: queuememory.NewQueue(1)}
	w := New(q, store, scraper, nil, nil, fakeClock{}, Config{}, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, store.CreateJob(ctx, relay.Job{ID: "w1", Name: relay.JobWarmup}))
	w.processJob(ctx, relay.QueueItem{JobID: "w1", Name: relay.JobWarmup, Receipt: "1-0"})

	require.Zero(t, q.acks.Load())
	require.Zero(t, scraper.calls.Load())
	job, err := store.JobStore.GetJob(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, relay.JobStatusQueued, job.Status)
}

func TestWorkerAcksUnknownJobs(t *testing.T) {
	t.Parallel()

	q := &ackCounter{Queue: queuememory.NewQueue(1)}
	w := New(q, storagememory.NewJobStore(), &fakeScraper{}, nil, nil, fakeClock{}, Config{}, zap.NewNop())
	w.processJob(context.Background(), relay.QueueItem{JobID: "ghost", Name: relay.JobReset, Receipt: "1-0"})
	require.Equal(t, int32(1), q.acks.Load())
}

func TestWorkerRejectsMalformedPayload(t *testing.T) {
	t.Parallel()

	scraper := &fakeScraper{}
	h := newHarness(t, scraper, dispatcher.Config{})
	ctx := context.Background()

	require.NoError(t, h.store.CreateJob(ctx, relay.Job{ID: "bad", Name: relay.JobSearch}))
	h.worker.processJob(ctx, relay.QueueItem{JobID: "bad", Name: relay.JobSearch, Payload: json.RawMessage(`{`)})

	job, err := h.store.GetJob(ctx, "bad")
	require.NoError(t, err)
	require.Equal(t, relay.JobStatusFailed, job.Status)
	require.Equal(t, relay.CodeInvalidInput, job.Error.Code)
	require.Zero(t, scraper.calls.Load())
}

func TestIsBrowserFatal(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("navigation timeout after 45s"), true},
		{errors.New("Protocol error (Page.navigate): Target closed"), true},
		{fmt.Errorf("wrap: %w", errors.New("Session closed. Most likely the page has been closed")), true},
		{errors.New("the browser has disconnected"), true},
		{errors.New("unexpected status 500"), false},
		{&relay.Error{Message: "navigation timeout", Code: relay.CodeLoginFailed}, false},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, IsBrowserFatal(tc.err), "%v", tc.err)
	}
}
