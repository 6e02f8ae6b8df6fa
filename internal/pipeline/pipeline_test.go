package pipeline

import (
	"context"
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"ecrecv/internal/config"
	"ecrecv/internal/model"
	"ecrecv/internal/retry"
	"ecrecv/internal/router"
	"ecrecv/internal/sink"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	name    = "BFS11120600111511001"
	waitFor = 5 * time.Second
	tick    = 10 * time.Millisecond
)

func grib(body int) []byte {
	total := 16 + body + 4
	b := make([]byte, total)
	copy(b, "GRIB")
	b[7] = 2
	binary.BigEndian.PutUint64(b[8:16], uint64(total))
	copy(b[total-4:], "7777")
	return b
}

func md5hex(b []byte) string {
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}

func testConfig(t *testing.T) config.Config {
	cfg := config.Default()
	cfg.Store.Path = filepath.Join(t.TempDir(), "state.db")
	cfg.Spool.Dir = "/spool"
	cfg.Sink.OutputDir = "/out"

	cfg.Router.UnavailableAfter = time.Second
	cfg.Router.GapTimeout = 100 * time.Millisecond
	cfg.Tracker.Sweep = 50 * time.Millisecond
	cfg.Tracker.Resend = 20 * time.Millisecond

	cfg.Coordinator.Sweep = 20 * time.Millisecond
	cfg.Coordinator.Retry = retry.Policy{MaxAttempts: 3, BaseDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond, Multiplier: 2}
	cfg.Coordinator.RefetchRate = 1000
	cfg.Coordinator.RefetchBurst = 10

	cfg.Dispatcher.Retry = retry.Policy{BaseDelay: 10 * time.Millisecond, MaxDelay: 20 * time.Millisecond, Multiplier: 2}
	return cfg
}

type harness struct {
	t      *testing.T
	d      *Daemon
	fs     afero.Fs
	h      http.Handler
	cancel context.CancelFunc
	done   chan error
}

func start(t *testing.T, cfg config.Config, fs afero.Fs, consumer sink.Consumer) *harness {
	t.Helper()
	require.NoError(t, fs.MkdirAll(cfg.Spool.Dir, 0o755))

	ctx, cancel := context.WithCancel(context.Background())
	d, err := New(ctx, cfg, Env{Fs: fs, Consumer: consumer})
	require.NoError(t, err)
	d.transport = func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	}

	h := &harness{t: t, d: d, fs: fs, h: d.Spool.Handler(d.Coordinator.Snapshot), cancel: cancel, done: make(chan error, 1)}
	go func() { h.done <- d.Run(ctx) }()
	t.Cleanup(h.stop)
	return h
}

func (h *harness) stop() {
	if h.cancel == nil {
		return
	}
	h.cancel()
	h.cancel = nil
	select {
	case err := <-h.done:
		assert.NoError(h.t, err)
	case <-time.After(waitFor):
		h.t.Error("daemon did not stop")
	}
	assert.NoError(h.t, h.d.Close())
}

// upload sends data in two segments with an unannounced total, then
// completes the transfer with the given checksum.
func (h *harness) upload(data []byte, sum string) {
	h.t.Helper()
	h.uploadAs(name, data, sum)
}

func (h *harness) uploadAs(name string, data []byte, sum string) {
	h.t.Helper()
	half := len(data) / 2
	for _, part := range [][2]int{{half, len(data)}, {0, half}} {
		req := httptest.NewRequest(http.MethodPut, "/v1/files/"+name, strings.NewReader(string(data[part[0]:part[1]])))
		req.Header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/*", part[0], part[1]-1))
		w := httptest.NewRecorder()
		h.h.ServeHTTP(w, req)
		require.Equal(h.t, http.StatusNoContent, w.Code, w.Body.String())
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/files/"+name+"/complete", nil)
	req.Header.Set("X-Checksum-Md5", sum)
	w := httptest.NewRecorder()
	h.h.ServeHTTP(w, req)
	require.Equal(h.t, http.StatusAccepted, w.Code, w.Body.String())
}

func (h *harness) waitState(state model.State, acked bool) model.FileTransfer {
	h.t.Helper()
	return h.waitFile(name, state, acked)
}

func (h *harness) waitFile(name string, state model.State, acked bool) model.FileTransfer {
	h.t.Helper()
	id := h.d.Spool.ID(name)
	var rec model.FileTransfer
	require.Eventually(h.t, func() bool {
		var ok bool
		rec, ok = h.d.Coordinator.Get(id)
		return ok && rec.State == state && rec.Acked == acked
	}, waitFor, tick, "waiting for %s", state)
	return rec
}

func (h *harness) exists(path string) bool {
	ok, _ := afero.Exists(h.fs, path)
	return ok
}

func TestValidFileIsDelivered(t *testing.T) {
	h := start(t, testConfig(t), afero.NewMemMapFs(), nil)
	data := grib(64)

	h.upload(data, md5hex(data))

	rec := h.waitState(model.StateReady, true)
	assert.Equal(t, 1, rec.Attempts)
	assert.True(t, h.exists("/out/"+name))
	assert.True(t, h.exists("/out/"+name+".md5"))
	assert.False(t, h.exists("/spool/"+name))
}

func TestCorruptFileIsRefetched(t *testing.T) {
	h := start(t, testConfig(t), afero.NewMemMapFs(), nil)
	good := grib(64)
	bad := append([]byte(nil), good...)
	bad[20] ^= 0xff

	h.upload(bad, md5hex(good))

	require.Eventually(t, func() bool { return len(h.d.Spool.PendingRefetches()) == 1 }, waitFor, tick)
	assert.False(t, h.exists("/spool/"+name))

	h.upload(good, md5hex(good))

	rec := h.waitState(model.StateReady, true)
	assert.Equal(t, 2, rec.Attempts)
	assert.Empty(t, h.d.Spool.PendingRefetches())

	out, err := afero.ReadFile(h.fs, "/out/"+name)
	require.NoError(t, err)
	assert.Equal(t, good, out)
}

func TestUnsupportedFormatIsTerminal(t *testing.T) {
	h := start(t, testConfig(t), afero.NewMemMapFs(), nil)
	data := []byte("\x89HDF\r\n\x1a\n not a dissemination product")

	h.upload(data, md5hex(data))

	rec := h.waitState(model.StateFailedTerminal, false)
	assert.Equal(t, 1, rec.Attempts)
	assert.Contains(t, rec.LastError, "magic")
	assert.False(t, h.exists("/out/"+name))
	assert.Empty(t, h.d.Spool.PendingRefetches())
}

type flaky struct {
	next     sink.Consumer
	failures int32
	calls    atomic.Int32
}

func (f *flaky) Name() string { return "flaky" }

func (f *flaky) Accept(ctx context.Context, d *sink.Delivery) error {
	if f.calls.Add(1) <= f.failures {
		return fmt.Errorf("%w: broker down", model.ErrDownstreamUnavailable)
	}
	return f.next.Accept(ctx, d)
}

func TestDownstreamOutageIsRetried(t *testing.T) {
	fs := afero.NewMemMapFs()
	consumer := &flaky{next: sink.NewMover(fs, "/out"), failures: 2}
	h := start(t, testConfig(t), fs, consumer)
	data := grib(32)

	h.upload(data, md5hex(data))

	rec := h.waitState(model.StateReady, true)
	assert.Equal(t, 1, rec.Attempts)
	assert.Equal(t, int32(3), consumer.calls.Load())
	assert.True(t, h.exists("/out/"+name))
}

type down struct{}

func (down) Name() string { return "down" }

func (down) Accept(context.Context, *sink.Delivery) error {
	return errors.New("connection refused")
}

func TestUnackedReadyResumesAfterRestart(t *testing.T) {
	fs := afero.NewMemMapFs()
	cfg := testConfig(t)
	cfg.Dispatcher.Retry.MaxAttempts = 1
	data := grib(16)

	first := start(t, cfg, fs, down{})
	first.upload(data, md5hex(data))
	first.waitState(model.StateReady, false)
	first.stop()

	second := start(t, cfg, fs, nil)
	rec := second.waitState(model.StateReady, true)
	assert.Equal(t, 1, rec.Attempts)
	assert.True(t, second.exists("/out/"+name))
}

type outage struct {
	next sink.Consumer
	down atomic.Bool
}

func (o *outage) Name() string { return "outage" }

func (o *outage) Accept(ctx context.Context, d *sink.Delivery) error {
	if o.down.Load() {
		return fmt.Errorf("%w: broker down", model.ErrDownstreamUnavailable)
	}
	return o.next.Accept(ctx, d)
}

func TestConsumerOutageStallsOnlyDelivery(t *testing.T) {
	fs := afero.NewMemMapFs()
	cfg := testConfig(t)
	cfg.Router = router.Config{Buffer: 4, UnavailableAfter: 100 * time.Millisecond, GapTimeout: 100 * time.Millisecond}
	cfg.Dispatcher.Workers = 1
	consumer := &outage{next: sink.NewMover(fs, "/out")}
	consumer.down.Store(true)
	h := start(t, cfg, fs, consumer)

	var names []string
	upload := func(prefix string, n int) {
		for i := 0; i < n; i++ {
			name := fmt.Sprintf("%s%02d", prefix, i)
			data := grib(32 + i)
			h.uploadAs(name, data, md5hex(data))
			names = append(names, name)
		}
	}

	upload("READY", 4)
	for _, name := range names {
		h.waitFile(name, model.StateReady, false)
	}

	// long enough for several sweeps to find the ready files unacked
	time.Sleep(200 * time.Millisecond)
	upload("FRESH", 12)

	for _, name := range names {
		rec := h.waitFile(name, model.StateReady, false)
		assert.Equal(t, 1, rec.Attempts, name)
		assert.Empty(t, rec.LastError, name)
	}

	consumer.down.Store(false)
	for _, name := range names {
		h.waitFile(name, model.StateReady, true)
		assert.True(t, h.exists("/out/"+name), name)
	}
	assert.Len(t, h.d.Coordinator.Snapshot(), len(names))
}

func TestRetryResumesWithCopyDeliveredWhileDown(t *testing.T) {
	fs := afero.NewMemMapFs()
	cfg := testConfig(t)
	good := grib(48)
	bad := append([]byte(nil), good...)
	bad[20] ^= 0xff

	first := start(t, cfg, fs, nil)
	first.upload(bad, md5hex(good))
	require.Eventually(t, func() bool { return len(first.d.Spool.PendingRefetches()) == 1 }, waitFor, tick)
	first.stop()

	require.NoError(t, afero.WriteFile(fs, "/spool/"+name, good, 0o644))
	require.NoError(t, afero.WriteFile(fs, "/spool/"+name+".md5", []byte(md5hex(good)), 0o644))

	// no sweep: the copy is picked up by the scan alone
	cfg.Coordinator.Sweep = time.Hour
	second := start(t, cfg, fs, nil)
	require.Len(t, second.d.Spool.PendingRefetches(), 1)
	require.NoError(t, second.d.Spool.Scan(context.Background()))

	rec := second.waitState(model.StateReady, true)
	assert.Equal(t, 2, rec.Attempts)
	assert.Empty(t, second.d.Spool.PendingRefetches())

	out, err := afero.ReadFile(fs, "/out/"+name)
	require.NoError(t, err)
	assert.Equal(t, good, out)
}
