package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"ecrecv/internal/metrics"
	"ecrecv/internal/model"
	"ecrecv/internal/retry"
	"ecrecv/internal/router"
	"ecrecv/internal/store"
	"ecrecv/internal/worker"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"
)

const stageName = "coordinator"

type Source interface {
	C() <-chan router.Message
}

type Sender interface {
	Send(ctx context.Context, msg router.Message) error
}

// ReadySender enqueues ready notices without waiting for room, so a stalled
// consumer never holds up the coordinator loop.
type ReadySender interface {
	TrySend(msg router.Message) error
}

// Transport is the upstream side that can be asked to deliver a file again.
type Transport interface {
	RequestRefetch(ctx context.Context, id model.ID, path string) error
}

type Links struct {
	Segments Source
	Requests Sender
	Results  Source
	Ready    ReadySender
	Acks     Source
	Faults   <-chan router.Fault
}

func LinksFrom(r *router.Router) Links {
	return Links{
		Segments: r.Segments,
		Requests: r.Requests,
		Results:  r.Results,
		Ready:    r.Delivery.Ready,
		Acks:     r.Delivery.Acks,
		Faults:   r.Faults(),
	}
}

type Config struct {
	Retry        retry.Policy  `yaml:"retry"`
	Sweep        time.Duration `yaml:"sweep"`
	StallTimeout time.Duration `yaml:"stall_timeout"`
	Retention    time.Duration `yaml:"retention"`
	RefetchRate  float64       `yaml:"refetch_rate"` // per second
	RefetchBurst int           `yaml:"refetch_burst"`
	// how long an unacknowledged ready notice stands before it is sent again
	Redeliver  time.Duration `yaml:"redeliver"`
	GapTimeout time.Duration `yaml:"-"`
}

func DefaultConfig() Config {
	return Config{
		Retry:        retry.DefaultPolicy(),
		Sweep:        10 * time.Second,
		StallTimeout: 30 * time.Minute,
		Retention:    72 * time.Hour,
		RefetchRate:  1,
		RefetchBurst: 4,
		Redeliver:    5 * time.Minute,
	}
}

type refetchJob struct {
	id      model.ID
	path    string
	attempt int
}

type refetchDone struct {
	job refetchJob
	err error
}

// Coordinator owns the lifecycle state of every file. All state is mutated
// by the Run goroutine only; mu guards it for Snapshot readers.
type Coordinator struct {
	store     store.Store
	transport Transport
	links     Links
	cfg       Config

	mu    sync.RWMutex
	files map[model.ID]*model.FileTransfer

	// records whose last write failed; saved again on sweep
	dirty map[model.ID]struct{}
	// retry-scheduled files whose refetch has been handed to the transport
	refetching map[model.ID]bool
	// last time a ready notice was queued per unacked file; a missing entry
	// means the next sweep emits one
	emitted map[model.ID]time.Time
	// restored files that need a message once Run starts
	resume []model.ID

	recv     map[router.Lane]*router.Receiver
	reqSeq   *router.Sequencer
	readySeq *router.Sequencer

	refetch *worker.Scheduler[refetchJob]
	done    chan refetchDone

	now     func() time.Time
	metrics *metrics.Metrics
	log     *slog.Logger
}

func New(st store.Store, transport Transport, links Links, cfg Config, m *metrics.Metrics, log *slog.Logger) *Coordinator {
	def := DefaultConfig()
	if cfg.Sweep <= 0 {
		cfg.Sweep = def.Sweep
	}
	if cfg.RefetchRate <= 0 {
		cfg.RefetchRate = def.RefetchRate
	}
	if cfg.Redeliver <= 0 {
		cfg.Redeliver = def.Redeliver
	}
	if m == nil {
		m = metrics.Noop()
	}

	return &Coordinator{
		store:      st,
		transport:  transport,
		links:      links,
		cfg:        cfg,
		files:      make(map[model.ID]*model.FileTransfer),
		dirty:      make(map[model.ID]struct{}),
		refetching: make(map[model.ID]bool),
		emitted:    make(map[model.ID]time.Time),
		recv: map[router.Lane]*router.Receiver{
			router.LaneSegments: router.NewReceiver(router.LaneSegments, cfg.GapTimeout),
			router.LaneResults:  router.NewReceiver(router.LaneResults, cfg.GapTimeout),
			router.LaneAcks:     router.NewReceiver(router.LaneAcks, cfg.GapTimeout),
		},
		reqSeq:   router.NewSequencer(),
		readySeq: router.NewSequencer(),
		refetch:  worker.NewScheduler[refetchJob](rate.Limit(cfg.RefetchRate), cfg.RefetchBurst, 0),
		done:     make(chan refetchDone, 64),
		now:      time.Now,
		metrics:  m,
		log:      log.With(slog.String("stage", stageName)),
	}
}

// Restore loads persisted records. Call before Run. Files interrupted while
// validating are validated again, failed files resume at retry-scheduled and
// unacknowledged ready files are re-emitted.
func (c *Coordinator) Restore(ctx context.Context) ([]model.FileTransfer, error) {
	recs, err := c.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range recs {
		rec := recs[i].Clone()
		switch {
		case rec.State == model.StateValidating:
			c.resume = append(c.resume, rec.ID)
		case rec.State == model.StateFailedRetry:
			prev := rec.State
			rec.State = model.StateRetryScheduled
			if rec.NextRunAt.IsZero() {
				rec.NextRunAt = c.now().Add(c.cfg.Retry.Delay(rec.Attempts))
			}
			c.persist(ctx, &rec, prev)
		case rec.State == model.StateReady && !rec.Acked:
			c.resume = append(c.resume, rec.ID)
		}
		c.files[rec.ID] = &rec
	}

	c.log.Info("State restored", slog.Int("records", len(recs)), slog.Int("resumed", len(c.resume)))
	return recs, nil
}

func (c *Coordinator) Run(ctx context.Context) error {
	c.log.Info("Coordinator started",
		slog.Int("max_attempts", c.cfg.Retry.MaxAttempts),
		slog.Duration("base_delay", c.cfg.Retry.BaseDelay))

	refetchCtx, stopRefetch := context.WithCancel(ctx)
	refetchStopped := make(chan struct{})
	go func() {
		defer close(refetchStopped)
		_ = c.refetch.Run(refetchCtx, c.requestRefetch)
	}()
	defer func() {
		stopRefetch()
		<-refetchStopped
	}()

	c.mu.Lock()
	resume := c.resume
	c.resume = nil
	for _, id := range resume {
		if rec, ok := c.files[id]; ok {
			c.resumeFile(ctx, rec)
		}
	}
	c.mu.Unlock()

	ticker := time.NewTicker(c.cfg.Sweep)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-c.links.Segments.C():
			c.receive(ctx, router.LaneSegments, msg)
		case msg := <-c.links.Results.C():
			c.receive(ctx, router.LaneResults, msg)
		case msg := <-c.links.Acks.C():
			c.receive(ctx, router.LaneAcks, msg)
		case f := <-c.links.Faults:
			c.locked(func() { c.fault(ctx, f) })
		case d := <-c.done:
			c.locked(func() { c.refetched(d) })
		case <-ticker.C:
			c.locked(func() { c.sweep(ctx) })
		}
	}
}

func (c *Coordinator) locked(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn()
}

func (c *Coordinator) receive(ctx context.Context, lane router.Lane, msg router.Message) {
	msgs, verdict := c.recv[lane].Accept(msg)
	switch verdict {
	case router.Duplicated:
		c.log.Debug("Duplicate message dropped", slog.String("msg", msg.String()))
		return
	case router.Deferred:
		c.log.Debug("Message deferred until sequence gap closes", slog.String("msg", msg.String()))
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range msgs {
		c.handle(ctx, m)
	}
}

func (c *Coordinator) handle(ctx context.Context, msg router.Message) {
	switch msg.Kind {
	case router.KindSegment:
		c.onSegment(ctx, msg)
	case router.KindCompletion:
		c.onCompletion(ctx, msg)
	case router.KindDuplicate:
		c.onDuplicate(ctx, msg)
	case router.KindAttemptStarted:
		c.onAttemptStarted(ctx, msg)
	case router.KindValidationResult:
		c.onResult(ctx, msg)
	case router.KindAck:
		c.onAck(ctx, msg)
	default:
		c.log.Warn("Unexpected message", slog.String("msg", msg.String()))
	}
}

func (c *Coordinator) fileLog(rec *model.FileTransfer) *slog.Logger {
	return c.log.With(slog.String("file", string(rec.ID)), slog.Int("attempt", rec.Attempts))
}

func (c *Coordinator) late(rec *model.FileTransfer, msg router.Message) {
	log := c.fileLog(rec).With(slog.String("state", string(rec.State)), slog.String("kind", string(msg.Kind)))
	if rec.State.Terminal() {
		log.Info("Late message for finished file ignored")
		return
	}
	log.Info("Message from a superseded attempt ignored")
}

func (c *Coordinator) onSegment(ctx context.Context, msg router.Message) {
	u := msg.Segment
	rec, known := c.files[msg.File]
	if !known {
		now := c.now()
		rec = &model.FileTransfer{
			ID:           msg.File,
			Name:         u.Name,
			Path:         u.Path,
			ExpectedSize: u.ExpectedSize,
			State:        model.StatePending,
			Attempts:     1,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		c.files[msg.File] = rec
		c.persist(ctx, rec, "")
		c.fileLog(rec).Info("New file", slog.String("name", u.Name))
	}

	switch rec.State {
	case model.StatePending, model.StateReceiving:
	case model.StateRetryScheduled:
		if !c.refetching[rec.ID] {
			c.fileLog(rec).Debug("Segment from a previous attempt ignored")
			return
		}
		// the transport lost track of the old attempt; its data starts the new one
		c.beginAttempt(ctx, rec)
	case model.StateValidating:
		c.fileLog(rec).Debug("Segment while validating ignored")
		return
	default:
		c.late(rec, msg)
		return
	}

	prev := rec.State
	rec.Name, rec.Path = nonEmpty(u.Name, rec.Name), nonEmpty(u.Path, rec.Path)
	rec.ExpectedSize = u.ExpectedSize
	rec.Ranges = u.Ranges.Clone()
	if rec.State == model.StatePending && len(rec.Ranges) > 0 {
		rec.State = model.StateReceiving
	}
	rec.UpdatedAt = c.now()
	c.persist(ctx, rec, prev)
}

func (c *Coordinator) onCompletion(ctx context.Context, msg router.Message) {
	rec, ok := c.files[msg.File]
	if !ok {
		c.log.Warn("Completion for unknown file ignored", slog.String("file", string(msg.File)))
		return
	}

	switch rec.State {
	case model.StatePending, model.StateReceiving:
	case model.StateValidating:
		c.fileLog(rec).Info("Completion while validating deduplicated")
		return
	case model.StateReady:
		metrics.Count(ctx, c.metrics.Duplicates)
		c.fileLog(rec).Info("Duplicate delivery of ready file")
		return
	default:
		c.late(rec, msg)
		return
	}

	prev := rec.State
	rec.State = model.StateValidating
	if msg.Completion.Size >= 0 && rec.ExpectedSize < 0 {
		rec.ExpectedSize = msg.Completion.Size
	}
	rec.UpdatedAt = c.now()
	c.persist(ctx, rec, prev)
	metrics.Count(ctx, c.metrics.Completions)

	c.requestValidation(ctx, rec)
}

func (c *Coordinator) requestValidation(ctx context.Context, rec *model.FileTransfer) {
	req := router.Request(rec.ID, router.ValidationRequest{Path: rec.Path, Attempt: rec.Attempts})
	if err := c.links.Requests.Send(ctx, c.reqSeq.Stamp(req)); err != nil {
		if ctx.Err() != nil {
			return
		}
		c.fail(ctx, rec, model.KindOf(err), err.Error())
		return
	}
	c.fileLog(rec).Debug("Validation requested")
}

func (c *Coordinator) onDuplicate(ctx context.Context, msg router.Message) {
	metrics.Count(ctx, c.metrics.Duplicates)
	rec, ok := c.files[msg.File]
	if !ok {
		c.log.Info("Duplicate for unknown file", slog.String("file", string(msg.File)))
		return
	}
	c.fileLog(rec).Info("Duplicate completion", slog.String("state", string(rec.State)))
}

func (c *Coordinator) onAttemptStarted(ctx context.Context, msg router.Message) {
	rec, ok := c.files[msg.File]
	if !ok {
		c.log.Warn("Attempt started for unknown file ignored", slog.String("file", string(msg.File)))
		return
	}

	switch {
	case rec.State == model.StateRetryScheduled:
		c.beginAttempt(ctx, rec)
	case rec.State.Terminal():
		c.late(rec, msg)
	default:
		c.fileLog(rec).Warn("New attempt refused while another is active", slog.String("state", string(rec.State)))
	}
}

// beginAttempt moves a retry-scheduled file back to receiving. It is the
// only place the attempt count grows.
func (c *Coordinator) beginAttempt(ctx context.Context, rec *model.FileTransfer) {
	prev := rec.State
	rec.State = model.StateReceiving
	rec.Attempts++
	rec.Ranges = nil
	rec.NextRunAt = time.Time{}
	rec.UpdatedAt = c.now()
	delete(c.refetching, rec.ID)
	c.persist(ctx, rec, prev)
	c.fileLog(rec).Info("Retry attempt started")
}

func (c *Coordinator) onResult(ctx context.Context, msg router.Message) {
	res := msg.Result
	rec, ok := c.files[msg.File]
	if !ok {
		c.log.Warn("Result for unknown file ignored", slog.String("file", string(msg.File)))
		return
	}
	if rec.State != model.StateValidating || res.Attempt != rec.Attempts {
		c.fileLog(rec).Info("Stale validation result dropped",
			slog.String("state", string(rec.State)), slog.Int("result_attempt", res.Attempt))
		return
	}

	if res.Outcome != model.OutcomeValid {
		c.fail(ctx, rec, model.KindOfOutcome(res.Outcome), res.Reason)
		return
	}

	prev := rec.State
	rec.State = model.StateReady
	rec.LastError = ""
	rec.UpdatedAt = c.now()
	c.persist(ctx, rec, prev)
	c.fileLog(rec).Info("File ready")

	c.emitReady(rec)
}

func (c *Coordinator) emitReady(rec *model.FileTransfer) bool {
	size := rec.ExpectedSize
	if size < 0 {
		size = rec.Ranges.End()
	}
	msg := router.Ready(rec.ID, router.ReadyNotice{Name: rec.Name, Path: rec.Path, Size: size})

	if err := c.links.Ready.TrySend(c.readySeq.Stamp(msg)); err != nil {
		// stays ready and unemitted; the sweep tries again. The lost sequence
		// number would leave a gap, so the next notice opens a new stream.
		delete(c.emitted, rec.ID)
		c.readySeq.Forget(rec.ID)
		c.fileLog(rec).Warn("Cannot emit ready notice", slog.Any("error", err))
		return false
	}
	c.emitted[rec.ID] = c.now()
	return true
}

func (c *Coordinator) onAck(ctx context.Context, msg router.Message) {
	rec, ok := c.files[msg.File]
	if !ok {
		c.log.Info("Ack for unknown file", slog.String("file", string(msg.File)))
		return
	}
	if rec.State != model.StateReady {
		c.fileLog(rec).Warn("Ack for file that is not ready ignored", slog.String("state", string(rec.State)))
		return
	}
	delete(c.emitted, rec.ID)
	if rec.Acked {
		c.fileLog(rec).Debug("Repeated ack")
		return
	}

	rec.Acked = true
	rec.UpdatedAt = c.now()
	c.persist(ctx, rec, rec.State)
	c.fileLog(rec).Info("Delivery acknowledged", slog.String("location", msg.Ack.Location))
}

// fail classifies a failed attempt: retryable kinds with budget left go to
// retry-scheduled, everything else to failed-terminal.
func (c *Coordinator) fail(ctx context.Context, rec *model.FileTransfer, kind model.ErrorKind, reason string) {
	log := c.fileLog(rec)
	prev := rec.State
	rec.LastError = fmt.Sprintf("%s: %s", kind, reason)
	rec.UpdatedAt = c.now()

	if !retry.Retryable(kind) || c.cfg.Retry.Exhausted(rec.Attempts) {
		rec.State = model.StateFailedTerminal
		c.persist(ctx, rec, prev)
		metrics.Count(ctx, c.metrics.Terminal, attribute.String("kind", string(kind)))
		log.Error("File failed terminally", slog.String("kind", string(kind)), slog.String("reason", reason))
		return
	}

	rec.State = model.StateFailedRetry
	c.persist(ctx, rec, prev)

	delay := c.cfg.Retry.Delay(rec.Attempts)
	rec.State = model.StateRetryScheduled
	rec.NextRunAt = c.now().Add(delay)
	c.persist(ctx, rec, model.StateFailedRetry)
	metrics.Count(ctx, c.metrics.Retries, attribute.String("kind", string(kind)))
	log.Warn("Retry scheduled", slog.String("kind", string(kind)), slog.String("reason", reason), slog.Duration("in", delay))
}

func (c *Coordinator) fault(ctx context.Context, f router.Fault) {
	metrics.Count(ctx, c.metrics.Faults, attribute.String("lane", string(f.Lane)))
	rec, ok := c.files[f.File]
	if !ok {
		c.log.Warn("Channel fault for unknown file", slog.String("file", string(f.File)), slog.String("lane", string(f.Lane)))
		return
	}

	switch {
	case rec.State == model.StateReady:
		// the next sweep emits ready again and the dispatcher acks again
		delete(c.emitted, rec.ID)
		c.fileLog(rec).Warn("Channel fault on ready file", slog.String("lane", string(f.Lane)))
	case rec.State == model.StatePending || rec.State.Active():
		c.fail(ctx, rec, model.KindChannelUnavailable, f.Err.Error())
	default:
		c.fileLog(rec).Debug("Channel fault ignored", slog.String("lane", string(f.Lane)), slog.String("state", string(rec.State)))
	}
}

func (c *Coordinator) resumeFile(ctx context.Context, rec *model.FileTransfer) {
	switch {
	case rec.State == model.StateValidating:
		c.fileLog(rec).Info("Resuming validation")
		c.requestValidation(ctx, rec)
	case rec.State == model.StateReady && !rec.Acked:
		c.fileLog(rec).Info("Resuming delivery")
		c.emitReady(rec)
	}
}

func (c *Coordinator) sweep(ctx context.Context) {
	now := c.now()

	for _, lane := range []router.Lane{router.LaneSegments, router.LaneResults, router.LaneAcks} {
		if late := c.recv[lane].Expire(); len(late) > 0 {
			c.log.Warn("Sequence gap timed out", slog.String("lane", string(lane)), slog.Int("released", len(late)))
			for _, m := range late {
				c.handle(ctx, m)
			}
		}
	}

	for id := range c.dirty {
		if rec, ok := c.files[id]; ok {
			c.persist(ctx, rec, "")
		} else {
			delete(c.dirty, id)
		}
	}

	// set once the ready lane refuses a notice; the rest wait for the next sweep
	readyFull := false
	for _, rec := range c.ordered() {
		switch rec.State {
		case model.StateRetryScheduled:
			if !c.refetching[rec.ID] && !now.Before(rec.NextRunAt) {
				if c.refetch.Offer(refetchJob{id: rec.ID, path: rec.Path, attempt: rec.Attempts}) {
					c.refetching[rec.ID] = true
				}
			}
		case model.StatePending, model.StateReceiving, model.StateValidating:
			if c.cfg.StallTimeout > 0 && now.Sub(rec.UpdatedAt) > c.cfg.StallTimeout {
				kind := model.KindTransport
				if rec.State == model.StateValidating {
					kind = model.KindChannelUnavailable
				}
				c.fail(ctx, rec, kind, fmt.Sprintf("no progress for %s while %s", c.cfg.StallTimeout, rec.State))
			}
		case model.StateReady:
			if !rec.Acked && !readyFull {
				if last, ok := c.emitted[rec.ID]; !ok || now.Sub(last) >= c.cfg.Redeliver {
					readyFull = !c.emitReady(rec)
				}
			}
		}
	}

	c.purge(ctx, now)
}

func (c *Coordinator) purge(ctx context.Context, now time.Time) {
	if c.cfg.Retention <= 0 {
		return
	}
	cutoff := now.Add(-c.cfg.Retention)

	n, err := c.store.Purge(ctx, cutoff, model.StateReady, model.StateFailedTerminal)
	if err != nil {
		c.log.Error("Purge failed", slog.Any("error", err))
		return
	}

	for id, rec := range c.files {
		if !rec.State.Terminal() || !rec.UpdatedAt.Before(cutoff) {
			continue
		}
		if rec.State == model.StateReady && !rec.Acked {
			continue
		}
		delete(c.files, id)
		delete(c.emitted, id)
		for _, r := range c.recv {
			r.Forget(id)
		}
		c.reqSeq.Forget(id)
		c.readySeq.Forget(id)
	}
	if n > 0 {
		c.log.Info("Purged finished records", slog.Int64("count", n))
	}
}

func (c *Coordinator) requestRefetch(ctx context.Context, job refetchJob) {
	err := c.transport.RequestRefetch(ctx, job.id, job.path)
	select {
	case c.done <- refetchDone{job: job, err: err}:
	case <-ctx.Done():
	}
}

func (c *Coordinator) refetched(d refetchDone) {
	rec, ok := c.files[d.job.id]
	if !ok || rec.State != model.StateRetryScheduled || rec.Attempts != d.job.attempt {
		return
	}
	if d.err != nil {
		// offered again on the next sweep
		delete(c.refetching, rec.ID)
		c.fileLog(rec).Warn("Refetch request failed", slog.Any("error", d.err))
		return
	}
	c.fileLog(rec).Info("Refetch requested")
}

// persist writes rec through to the store. A failed write leaves the record
// dirty so the sweep writes it again; the in-memory state stays authoritative.
func (c *Coordinator) persist(ctx context.Context, rec *model.FileTransfer, prev model.State) {
	if _, dirty := c.dirty[rec.ID]; dirty {
		prev = ""
	}
	if err := c.store.Save(ctx, rec.Clone(), prev); err != nil {
		c.dirty[rec.ID] = struct{}{}
		if errors.Is(err, store.ErrConflict) {
			c.fileLog(rec).Error("Stored state changed by another writer", slog.Any("error", err))
			return
		}
		c.fileLog(rec).Error("Cannot persist state", slog.String("state", string(rec.State)), slog.Any("error", err))
		return
	}
	delete(c.dirty, rec.ID)
}

func (c *Coordinator) ordered() []*model.FileTransfer {
	out := make([]*model.FileTransfer, 0, len(c.files))
	for _, rec := range c.files {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Snapshot copies the current state of every tracked file.
func (c *Coordinator) Snapshot() []model.FileTransfer {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]model.FileTransfer, 0, len(c.files))
	for _, rec := range c.ordered() {
		out = append(out, rec.Clone())
	}
	return out
}

// Get returns the current state of one file.
func (c *Coordinator) Get(id model.ID) (model.FileTransfer, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rec, ok := c.files[id]
	if !ok {
		return model.FileTransfer{}, false
	}
	return rec.Clone(), true
}

func nonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
