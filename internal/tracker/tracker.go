package tracker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"ecrecv/internal/model"
	"ecrecv/internal/router"

	"github.com/dustin/go-humanize"
)

const stageName = "tracker"

type Sender interface {
	Send(ctx context.Context, msg router.Message) error
}

type Config struct {
	// also bounds the outbox of messages the segments lane has refused
	Inbox     int           `yaml:"inbox"`
	Retention time.Duration `yaml:"retention"`
	Sweep     time.Duration `yaml:"sweep"`
	Resend    time.Duration `yaml:"resend"`
}

func DefaultConfig() Config {
	return Config{
		Inbox:     1024,
		Retention: 72 * time.Hour,
		Sweep:     time.Minute,
		Resend:    time.Second,
	}
}

type observation struct {
	id model.ID
	ev Event
}

type entry struct {
	name     string
	path     string
	expected int64
	ranges   model.RangeSet

	// completion already emitted for the current attempt
	completed bool
	updated   time.Time
}

// Tracker merges the byte ranges reported by the transport and decides when
// a transfer is complete. Its per-file state is owned by the Run goroutine.
type Tracker struct {
	out Sender
	seq *router.Sequencer
	// stamped messages the lane has not taken yet, oldest first
	outbox []router.Message
	inbox  chan observation
	files  map[model.ID]*entry
	cfg    Config
	now    func() time.Time
	log    *slog.Logger
}

func New(out Sender, cfg Config, log *slog.Logger) *Tracker {
	if cfg.Inbox <= 0 {
		cfg.Inbox = 1024
	}
	if cfg.Sweep <= 0 {
		cfg.Sweep = time.Minute
	}
	if cfg.Resend <= 0 {
		cfg.Resend = time.Second
	}
	return &Tracker{
		out:   out,
		seq:   router.NewSequencer(),
		inbox: make(chan observation, cfg.Inbox),
		files: make(map[model.ID]*entry),
		cfg:   cfg,
		now:   time.Now,
		log:   log.With(slog.String("stage", stageName)),
	}
}

// Observe queues a transport event for id. It only blocks while the inbox
// is full.
func (t *Tracker) Observe(ctx context.Context, id model.ID, ev Event) error {
	select {
	case t.inbox <- observation{id: id, ev: ev}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Restore seeds state persisted before a restart. Call before Run.
func (t *Tracker) Restore(rec model.FileTransfer) {
	completed := rec.State != model.StatePending && rec.State != model.StateReceiving
	t.files[rec.ID] = &entry{
		name:      rec.Name,
		path:      rec.Path,
		expected:  rec.ExpectedSize,
		ranges:    rec.Ranges.Clone(),
		completed: completed,
		updated:   rec.UpdatedAt,
	}
}

func (t *Tracker) Run(ctx context.Context) error {
	t.log.Info("Tracker started", slog.Int("restored", len(t.files)))

	ticker := time.NewTicker(t.cfg.Sweep)
	defer ticker.Stop()
	resend := time.NewTicker(t.cfg.Resend)
	defer resend.Stop()

	for {
		// a full outbox stops intake so the transport feels the backpressure
		inbox := t.inbox
		if len(t.outbox) >= t.cfg.Inbox {
			inbox = nil
		}

		select {
		case <-ctx.Done():
			return nil
		case o := <-inbox:
			held := len(t.outbox)
			for _, msg := range t.apply(o.id, o.ev) {
				t.outbox = append(t.outbox, t.seq.Stamp(msg))
			}
			// behind refused messages, wait for the resend tick to keep order
			if held == 0 {
				t.flush(ctx)
			}
		case <-resend.C:
			t.flush(ctx)
		case <-ticker.C:
			t.sweep()
		}
	}
}

// flush sends held messages in order until the lane refuses one. Refused
// messages keep their sequence numbers and go out again on the next tick.
func (t *Tracker) flush(ctx context.Context) {
	for len(t.outbox) > 0 {
		msg := t.outbox[0]
		err := t.out.Send(ctx, msg)
		switch {
		case err == nil:
		case ctx.Err() != nil:
			return
		case errors.Is(err, model.ErrChannelUnavailable):
			t.log.Warn("Segments lane unavailable, holding messages",
				slog.String("file", string(msg.File)), slog.String("kind", string(msg.Kind)), slog.Int("held", len(t.outbox)))
			return
		default:
			t.log.Error("Cannot emit", slog.String("file", string(msg.File)), slog.String("kind", string(msg.Kind)), slog.Any("error", err))
		}
		t.outbox[0] = router.Message{}
		t.outbox = t.outbox[1:]
	}
}

func (t *Tracker) apply(id model.ID, ev Event) []router.Message {
	log := t.log.With(slog.String("file", string(id)))

	e, known := t.files[id]
	if !known {
		e = &entry{expected: model.UnknownSize}
		t.files[id] = e
	}
	e.updated = t.now()
	if ev.Name != "" {
		e.name = ev.Name
	}
	if ev.Path != "" {
		e.path = ev.Path
	}

	sizeChanged := false
	if ev.Total >= 0 && ev.Total != e.expected {
		e.expected = ev.Total
		sizeChanged = true
	}

	var out []router.Message
	announce := func() {
		out = append(out, router.Segment(id, router.SegmentUpdate{
			Name:         e.name,
			Path:         e.path,
			ExpectedSize: e.expected,
			Ranges:       e.ranges,
		}))
	}
	complete := func(size int64) {
		e.completed = true
		out = append(out, router.Completed(id, size))
		log.Info("Transfer complete", slog.String("size", humanize.IBytes(uint64(size))))
	}
	covered := func() bool {
		return e.expected >= 0 && e.ranges.Covers(e.expected)
	}

	switch ev.Kind {
	case EventDeclare:
		if !known || sizeChanged {
			announce()
		}

	case EventSegment:
		grew := e.ranges.Add(model.Range{Start: ev.Start, End: ev.End})
		if !known || grew || sizeChanged {
			announce()
		}
		if !e.completed && covered() {
			complete(e.expected)
		}

	case EventComplete:
		if !known {
			announce()
		}
		switch {
		case e.completed:
			log.Info("Duplicate completion")
			out = append(out, router.Duplicate(id))
		case e.expected < 0:
			complete(e.ranges.End())
		case covered():
			complete(e.expected)
		default:
			// completes once a segment covers the announced size
			log.Warn("Completion before coverage, waiting for remaining bytes",
				slog.Int64("covered", e.ranges.Covered()), slog.Int64("expected", e.expected))
		}

	case EventAttemptStarted:
		if !known {
			announce()
			break
		}
		e.ranges = nil
		e.completed = false
		if ev.Total < 0 {
			e.expected = model.UnknownSize
		}
		out = append(out, router.AttemptStarted(id))
		log.Info("New attempt started")
	}

	return out
}

// sweep forgets completed files idle for longer than the retention window.
func (t *Tracker) sweep() {
	if t.cfg.Retention <= 0 {
		return
	}
	cutoff := t.now().Add(-t.cfg.Retention)
	for id, e := range t.files {
		if e.completed && e.updated.Before(cutoff) {
			delete(t.files, id)
			t.seq.Forget(id)
		}
	}
}

// Len is the number of files currently tracked.
func (t *Tracker) Len() int {
	return len(t.files)
}
