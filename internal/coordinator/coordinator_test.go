package coordinator

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"ecrecv/internal/model"
	"ecrecv/internal/retry"
	"ecrecv/internal/router"
	"ecrecv/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu   sync.Mutex
	msgs []router.Message
	err  error
}

func (r *recorder) Send(_ context.Context, msg router.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *recorder) TrySend(msg router.Message) error {
	return r.Send(context.Background(), msg)
}

func (r *recorder) snapshot() []router.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]router.Message(nil), r.msgs...)
}

type refetchCall struct {
	id   model.ID
	path string
}

type fakeTransport struct {
	mu    sync.Mutex
	calls []refetchCall
	err   error
}

func (f *fakeTransport) RequestRefetch(_ context.Context, id model.ID, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, refetchCall{id, path})
	return f.err
}

func (f *fakeTransport) snapshot() []refetchCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]refetchCall(nil), f.calls...)
}

type harness struct {
	c         *Coordinator
	st        store.Store
	router    *router.Router
	requests  *recorder
	ready     *recorder
	transport *fakeTransport
	now       time.Time
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Retry = retry.Policy{MaxAttempts: 3, BaseDelay: 30 * time.Second, MaxDelay: 10 * time.Minute, Multiplier: 2}
	return cfg
}

func newHarness(t *testing.T, cfg Config, st store.Store) *harness {
	t.Helper()
	if st == nil {
		var err error
		st, err = store.OpenSQLite(filepath.Join(t.TempDir(), "state.db"))
		require.NoError(t, err)
		t.Cleanup(func() { st.Close() })
	}

	h := &harness{
		st:        st,
		router:    router.New(router.Config{Buffer: 16, UnavailableAfter: time.Second}, discard()),
		requests:  &recorder{},
		ready:     &recorder{},
		transport: &fakeTransport{},
		now:       time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	links := LinksFrom(h.router)
	links.Requests = h.requests
	links.Ready = h.ready

	h.c = New(st, h.transport, links, cfg, nil, discard())
	h.c.now = func() time.Time { return h.now }
	return h
}

func (h *harness) send(msgs ...router.Message) {
	for _, m := range msgs {
		h.c.handle(context.Background(), m)
	}
}

func (h *harness) state(t *testing.T, id model.ID) model.FileTransfer {
	t.Helper()
	rec, ok := h.c.Get(id)
	require.True(t, ok, "file %s not tracked", id)
	return rec
}

func (h *harness) stored(t *testing.T, id model.ID) model.FileTransfer {
	t.Helper()
	rec, err := h.st.Get(context.Background(), id)
	require.NoError(t, err)
	return rec
}

func segment(id model.ID, expected int64, ranges ...model.Range) router.Message {
	return router.Segment(id, router.SegmentUpdate{
		Name:         string(id),
		Path:         "/spool/" + string(id),
		ExpectedSize: expected,
		Ranges:       ranges,
	})
}

func result(id model.ID, attempt int, o model.Outcome) router.Message {
	return router.Result(id, router.ValidationResult{Attempt: attempt, Outcome: o, Reason: string(o)})
}

// brings id to validating on its current attempt
func (h *harness) complete(id model.ID) {
	h.send(
		segment(id, 100, model.Range{Start: 0, End: 100}),
		router.Completed(id, 100),
	)
}

func TestValidFileBecomesReadyAndAcked(t *testing.T) {
	h := newHarness(t, testConfig(), nil)

	h.send(segment("A", 100, model.Range{Start: 0, End: 60}))
	assert.Equal(t, model.StateReceiving, h.state(t, "A").State)

	h.send(segment("A", 100, model.Range{Start: 0, End: 100}), router.Completed("A", 100))
	assert.Equal(t, model.StateValidating, h.state(t, "A").State)
	assert.Equal(t, model.StateValidating, h.stored(t, "A").State)

	reqs := h.requests.snapshot()
	require.Len(t, reqs, 1)
	assert.Equal(t, 1, reqs[0].Request.Attempt)
	assert.Equal(t, "/spool/A", reqs[0].Request.Path)

	h.send(result("A", 1, model.OutcomeValid))
	assert.Equal(t, model.StateReady, h.state(t, "A").State)
	ready := h.ready.snapshot()
	require.Len(t, ready, 1)
	assert.Equal(t, int64(100), ready[0].Ready.Size)

	h.send(router.Acked("A", "/out/A"))
	rec := h.stored(t, "A")
	assert.Equal(t, model.StateReady, rec.State)
	assert.True(t, rec.Acked)
	assert.Equal(t, model.RangeSet{{Start: 0, End: 100}}, rec.Ranges)
}

func TestDeclaredFileStaysPendingUntilData(t *testing.T) {
	h := newHarness(t, testConfig(), nil)

	h.send(segment("P", 100))
	assert.Equal(t, model.StatePending, h.state(t, "P").State)

	h.send(segment("P", 100, model.Range{Start: 0, End: 10}))
	assert.Equal(t, model.StateReceiving, h.state(t, "P").State)
}

func TestCorruptFileIsRetried(t *testing.T) {
	h := newHarness(t, testConfig(), nil)

	h.complete("B")
	h.send(result("B", 1, model.OutcomeCorrupt))

	rec := h.state(t, "B")
	assert.Equal(t, model.StateRetryScheduled, rec.State)
	assert.Equal(t, 1, rec.Attempts)
	assert.Equal(t, h.now.Add(30*time.Second), rec.NextRunAt)
	assert.Contains(t, rec.LastError, string(model.KindCorrupt))
	assert.Equal(t, model.StateRetryScheduled, h.stored(t, "B").State)

	// not due yet
	h.c.sweep(context.Background())
	assert.Zero(t, h.c.refetch.Queued())

	h.now = h.now.Add(31 * time.Second)
	h.c.sweep(context.Background())
	assert.Equal(t, 1, h.c.refetch.Queued())
	assert.True(t, h.c.refetching["B"])

	// offering again while queued is a no-op
	h.c.sweep(context.Background())
	assert.Equal(t, 1, h.c.refetch.Queued())

	h.send(router.AttemptStarted("B"))
	rec = h.state(t, "B")
	assert.Equal(t, model.StateReceiving, rec.State)
	assert.Equal(t, 2, rec.Attempts)
	assert.Empty(t, rec.Ranges)

	h.complete("B")
	reqs := h.requests.snapshot()
	require.Len(t, reqs, 2)
	assert.Equal(t, 2, reqs[1].Request.Attempt)

	h.send(result("B", 2, model.OutcomeValid))
	assert.Equal(t, model.StateReady, h.state(t, "B").State)
}

func TestUnsupportedFormatIsTerminal(t *testing.T) {
	h := newHarness(t, testConfig(), nil)

	h.complete("C")
	h.send(result("C", 1, model.OutcomeUnsupported))

	rec := h.stored(t, "C")
	assert.Equal(t, model.StateFailedTerminal, rec.State)
	assert.Contains(t, rec.LastError, string(model.KindUnsupported))
	assert.True(t, rec.NextRunAt.IsZero())

	h.now = h.now.Add(time.Hour)
	h.c.sweep(context.Background())
	assert.Zero(t, h.c.refetch.Queued())
	assert.Empty(t, h.ready.snapshot())
}

func TestRetryBudgetExhausted(t *testing.T) {
	h := newHarness(t, testConfig(), nil)

	for attempt := 1; attempt <= 3; attempt++ {
		h.complete("E")
		h.send(result("E", attempt, model.OutcomeUnreadable))
		rec := h.state(t, "E")
		require.LessOrEqual(t, rec.Attempts, 3)
		if attempt < 3 {
			require.Equal(t, model.StateRetryScheduled, rec.State)
			h.send(router.AttemptStarted("E"))
		}
	}

	rec := h.stored(t, "E")
	assert.Equal(t, model.StateFailedTerminal, rec.State)
	assert.Equal(t, 3, rec.Attempts)

	h.send(router.AttemptStarted("E"))
	assert.Equal(t, 3, h.state(t, "E").Attempts)
}

func TestBackoffGrowsWithAttempts(t *testing.T) {
	h := newHarness(t, testConfig(), nil)

	h.complete("G")
	h.send(result("G", 1, model.OutcomeCorrupt))
	assert.Equal(t, h.now.Add(30*time.Second), h.state(t, "G").NextRunAt)

	h.send(router.AttemptStarted("G"))
	h.complete("G")
	h.send(result("G", 2, model.OutcomeCorrupt))
	assert.Equal(t, h.now.Add(60*time.Second), h.state(t, "G").NextRunAt)
}

func TestStaleResultsDropped(t *testing.T) {
	h := newHarness(t, testConfig(), nil)

	h.send(segment("S", 100, model.Range{Start: 0, End: 10}))
	h.send(result("S", 1, model.OutcomeValid))
	assert.Equal(t, model.StateReceiving, h.state(t, "S").State)

	h.complete("S")
	h.send(result("S", 1, model.OutcomeCorrupt))
	h.send(router.AttemptStarted("S"))
	h.complete("S")

	// answer for the first attempt arriving late
	h.send(result("S", 1, model.OutcomeValid))
	assert.Equal(t, model.StateValidating, h.state(t, "S").State)

	h.send(result("S", 2, model.OutcomeValid))
	assert.Equal(t, model.StateReady, h.state(t, "S").State)
}

func TestAtMostOneActiveAttempt(t *testing.T) {
	h := newHarness(t, testConfig(), nil)

	h.send(segment("R", 100, model.Range{Start: 0, End: 10}))
	h.send(router.AttemptStarted("R"))
	rec := h.state(t, "R")
	assert.Equal(t, model.StateReceiving, rec.State)
	assert.Equal(t, 1, rec.Attempts)

	h.complete("R")
	h.send(router.Completed("R", 100), router.AttemptStarted("R"))
	assert.Len(t, h.requests.snapshot(), 1)
	assert.Equal(t, model.StateValidating, h.state(t, "R").State)
	assert.Equal(t, 1, h.state(t, "R").Attempts)
}

func TestDuplicateAfterReadyIsNotRevalidated(t *testing.T) {
	h := newHarness(t, testConfig(), nil)

	h.complete("D")
	h.send(result("D", 1, model.OutcomeValid))
	h.send(router.Duplicate("D"), router.Completed("D", 100), segment("D", 100, model.Range{Start: 0, End: 5}))

	assert.Len(t, h.requests.snapshot(), 1)
	rec := h.state(t, "D")
	assert.Equal(t, model.StateReady, rec.State)
	assert.Equal(t, model.RangeSet{{Start: 0, End: 100}}, rec.Ranges)
}

func TestRequestLaneUnavailableSchedulesRetry(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.requests.err = model.ErrChannelUnavailable

	h.complete("U")
	rec := h.state(t, "U")
	assert.Equal(t, model.StateRetryScheduled, rec.State)
	assert.Contains(t, rec.LastError, string(model.KindChannelUnavailable))
}

func TestFaults(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	ctx := context.Background()

	h.complete("V")
	h.c.fault(ctx, router.Fault{Lane: router.LaneResults, Kind: router.KindValidationResult, File: "V", Err: model.ErrChannelUnavailable})
	assert.Equal(t, model.StateRetryScheduled, h.state(t, "V").State)

	h.complete("W")
	h.send(result("W", 1, model.OutcomeValid))
	require.Len(t, h.ready.snapshot(), 1)

	h.c.fault(ctx, router.Fault{Lane: router.LaneAcks, Kind: router.KindAck, File: "W", Err: model.ErrChannelUnavailable})
	assert.Equal(t, model.StateReady, h.state(t, "W").State)

	h.c.sweep(ctx)
	assert.Len(t, h.ready.snapshot(), 2)
}

func TestReadyReemittedUntilAcked(t *testing.T) {
	cfg := testConfig()
	cfg.Sweep = time.Minute
	cfg.Redeliver = 10 * time.Minute
	h := newHarness(t, cfg, nil)
	ctx := context.Background()

	h.complete("X")
	h.send(result("X", 1, model.OutcomeValid))

	h.c.sweep(ctx)
	assert.Len(t, h.ready.snapshot(), 1)

	// the dispatcher may still be retrying; sweeps alone do not resend
	for i := 0; i < 9; i++ {
		h.now = h.now.Add(time.Minute)
		h.c.sweep(ctx)
	}
	assert.Len(t, h.ready.snapshot(), 1)

	h.now = h.now.Add(time.Minute)
	h.c.sweep(ctx)
	assert.Len(t, h.ready.snapshot(), 2)

	h.send(router.Acked("X", "/out/X"))
	h.now = h.now.Add(time.Hour)
	h.c.sweep(ctx)
	assert.Len(t, h.ready.snapshot(), 2)
}

func TestFullReadyLaneDoesNotBlock(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	ctx := context.Background()
	full := router.New(router.Config{Buffer: 1, UnavailableAfter: time.Hour}, discard())
	h.c.links.Ready = full.Delivery.Ready

	start := time.Now()
	for _, id := range []model.ID{"A", "B", "C"} {
		h.complete(id)
		h.send(result(id, 1, model.OutcomeValid))
	}
	h.c.sweep(ctx)
	assert.Less(t, time.Since(start), 5*time.Second)

	// segments keep flowing while the ready lane is full
	h.send(segment("D", 100, model.Range{Start: 0, End: 10}))
	assert.Equal(t, model.StateReceiving, h.state(t, "D").State)

	first := <-full.Delivery.Ready.C()
	assert.Equal(t, model.ID("A"), first.File)
	for _, id := range []model.ID{"A", "B", "C"} {
		assert.Equal(t, model.StateReady, h.state(t, id).State)
	}

	h.c.sweep(ctx)
	second := <-full.Delivery.Ready.C()
	assert.Equal(t, model.ID("B"), second.File)
	assert.Equal(t, uint64(1), second.Seq)

	h.c.sweep(ctx)
	third := <-full.Delivery.Ready.C()
	assert.Equal(t, model.ID("C"), third.File)
}

func TestMessagesForOldAttemptsIgnored(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	var buf bytes.Buffer
	h.c.log = slog.New(slog.NewTextHandler(&buf, nil))

	h.complete("R")
	h.send(result("R", 1, model.OutcomeCorrupt))
	require.Equal(t, model.StateRetryScheduled, h.state(t, "R").State)

	h.send(router.Completed("R", 100))
	assert.Equal(t, model.StateRetryScheduled, h.state(t, "R").State)
	assert.Contains(t, buf.String(), "Message from a superseded attempt ignored")
	assert.NotContains(t, buf.String(), "Late message for finished file")

	h.complete("S")
	h.send(result("S", 1, model.OutcomeUnsupported))
	require.Equal(t, model.StateFailedTerminal, h.state(t, "S").State)

	buf.Reset()
	h.send(router.Completed("S", 100))
	assert.Contains(t, buf.String(), "Late message for finished file ignored")
}

func TestStalledTransferIsRetried(t *testing.T) {
	cfg := testConfig()
	cfg.StallTimeout = 10 * time.Minute
	h := newHarness(t, cfg, nil)

	h.send(segment("T", 100, model.Range{Start: 0, End: 10}))
	h.now = h.now.Add(11 * time.Minute)
	h.c.sweep(context.Background())

	rec := h.state(t, "T")
	assert.Equal(t, model.StateRetryScheduled, rec.State)
	assert.Contains(t, rec.LastError, string(model.KindTransport))
}

func TestPurgeAfterRetention(t *testing.T) {
	cfg := testConfig()
	cfg.Retention = time.Hour
	h := newHarness(t, cfg, nil)
	ctx := context.Background()

	h.complete("K")
	h.send(result("K", 1, model.OutcomeValid), router.Acked("K", "/out/K"))
	h.complete("L")
	h.send(result("L", 1, model.OutcomeValid))

	h.now = h.now.Add(2 * time.Hour)
	h.c.sweep(ctx)

	_, ok := h.c.Get("K")
	assert.False(t, ok)
	_, err := h.st.Get(ctx, "K")
	assert.ErrorIs(t, err, model.ErrNotFound)

	// unacked ready files are kept until delivered
	assert.Equal(t, model.StateReady, h.state(t, "L").State)
}

type failingStore struct {
	store.Store
	fail bool
}

func (s *failingStore) Save(ctx context.Context, rec model.FileTransfer, prev model.State) error {
	if s.fail {
		return errors.New("disk full")
	}
	return s.Store.Save(ctx, rec, prev)
}

func TestFailedWritesRetriedOnSweep(t *testing.T) {
	inner, err := store.OpenSQLite(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { inner.Close() })
	st := &failingStore{Store: inner}

	h := newHarness(t, testConfig(), st)
	h.send(segment("F", 100, model.Range{Start: 0, End: 10}))

	st.fail = true
	h.complete("F")
	assert.Equal(t, model.StateValidating, h.state(t, "F").State)
	assert.Equal(t, model.StateReceiving, h.stored(t, "F").State)

	st.fail = false
	h.c.sweep(context.Background())
	assert.Equal(t, model.StateValidating, h.stored(t, "F").State)
	assert.Empty(t, h.c.dirty)
}

func TestRestoreResumes(t *testing.T) {
	st, err := store.OpenSQLite(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	ctx := context.Background()

	at := time.Now().Add(-time.Minute)
	save := func(id model.ID, state model.State, acked bool) {
		require.NoError(t, st.Save(ctx, model.FileTransfer{
			ID: id, Name: string(id), Path: "/spool/" + string(id), ExpectedSize: 10,
			Ranges: model.RangeSet{{Start: 0, End: 10}}, State: state, Attempts: 1, Acked: acked,
			CreatedAt: at, UpdatedAt: at,
		}, ""))
	}
	save("validating", model.StateValidating, false)
	save("failed", model.StateFailedRetry, false)
	save("ready", model.StateReady, false)
	save("delivered", model.StateReady, true)
	save("receiving", model.StateReceiving, false)

	h := newHarness(t, testConfig(), st)
	h.c.now = time.Now
	recs, err := h.c.Restore(ctx)
	require.NoError(t, err)
	assert.Len(t, recs, 5)

	assert.Equal(t, model.StateRetryScheduled, h.state(t, "failed").State)
	assert.Equal(t, model.StateRetryScheduled, h.stored(t, "failed").State)
	assert.Equal(t, model.StateReceiving, h.state(t, "receiving").State)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.c.Run(runCtx)
	}()

	require.Eventually(t, func() bool {
		return len(h.requests.snapshot()) == 1 && len(h.ready.snapshot()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done

	assert.Equal(t, model.ID("validating"), h.requests.snapshot()[0].File)
	assert.Equal(t, model.ID("ready"), h.ready.snapshot()[0].File)
}

func TestRunRequestsRefetchWhenDue(t *testing.T) {
	cfg := testConfig()
	cfg.Sweep = 10 * time.Millisecond
	cfg.RefetchRate = 100
	cfg.Retry.BaseDelay = time.Millisecond
	h := newHarness(t, cfg, nil)
	h.c.now = time.Now
	ctx := context.Background()

	seq := router.NewSequencer()
	for _, m := range []router.Message{
		segment("B", 100, model.Range{Start: 0, End: 100}),
		router.Completed("B", 100),
	} {
		require.NoError(t, h.router.Segments.Send(ctx, seq.Stamp(m)))
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.c.Run(runCtx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	require.Eventually(t, func() bool { return len(h.requests.snapshot()) == 1 }, 2*time.Second, 5*time.Millisecond)

	resSeq := router.NewSequencer()
	require.NoError(t, h.router.Results.Send(ctx, resSeq.Stamp(result("B", 1, model.OutcomeCorrupt))))

	require.Eventually(t, func() bool { return len(h.transport.snapshot()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, refetchCall{id: "B", path: "/spool/B"}, h.transport.snapshot()[0])

	require.NoError(t, h.router.Segments.Send(ctx, seq.Stamp(router.AttemptStarted("B"))))
	require.Eventually(t, func() bool {
		rec, _ := h.c.Get("B")
		return rec.State == model.StateReceiving && rec.Attempts == 2
	}, 2*time.Second, 5*time.Millisecond)
}

func TestDuplicateSequenceDropped(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	ctx := context.Background()
	seq := router.NewSequencer()

	seg := seq.Stamp(segment("Q", 100, model.Range{Start: 0, End: 100}))
	done := seq.Stamp(router.Completed("Q", 100))

	h.c.receive(ctx, router.LaneSegments, seg)
	h.c.receive(ctx, router.LaneSegments, done)
	h.c.receive(ctx, router.LaneSegments, done)

	assert.Len(t, h.requests.snapshot(), 1)
}
