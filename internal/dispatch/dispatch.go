package dispatch

import (
	"context"
	"log/slog"
	"time"

	"ecrecv/internal/metrics"
	"ecrecv/internal/model"
	"ecrecv/internal/retry"
	"ecrecv/internal/router"
	"ecrecv/internal/shardmap"
	"ecrecv/internal/sink"
	"ecrecv/internal/worker"

	"go.opentelemetry.io/otel/attribute"
)

const stageName = "dispatcher"

type Source interface {
	C() <-chan router.Message
}

type Sender interface {
	Send(ctx context.Context, msg router.Message) error
}

type Config struct {
	Workers    int           `yaml:"workers"`
	Timeout    time.Duration `yaml:"timeout"`
	Retry      retry.Policy  `yaml:"retry"`
	Retention  time.Duration `yaml:"retention"`
	GapTimeout time.Duration `yaml:"-"`
}

func DefaultConfig() Config {
	return Config{
		Workers:   2,
		Timeout:   5 * time.Minute,
		Retention: 72 * time.Hour,
		// unlimited: the file stays ready until someone takes it
		Retry: retry.Policy{BaseDelay: 5 * time.Second, MaxDelay: 5 * time.Minute, Multiplier: 2},
	}
}

type delivered struct {
	location string
	at       time.Time
}

// Dispatcher hands ready files to the downstream consumer and acknowledges
// them once the consumer confirmed receipt.
type Dispatcher struct {
	in       Source
	out      Sender
	consumer sink.Consumer
	seq      *router.Sequencer
	cfg      Config

	inflight  *shardmap.Map[time.Time]
	delivered *shardmap.Map[delivered]

	now     func() time.Time
	metrics *metrics.Metrics
	log     *slog.Logger
}

func New(in Source, out Sender, consumer sink.Consumer, cfg Config, m *metrics.Metrics, log *slog.Logger) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if m == nil {
		m = metrics.Noop()
	}
	return &Dispatcher{
		in:        in,
		out:       out,
		consumer:  consumer,
		seq:       router.NewSequencer(),
		cfg:       cfg,
		inflight:  shardmap.New[time.Time](0),
		delivered: shardmap.New[delivered](0),
		now:       time.Now,
		metrics:   m,
		log:       log.With(slog.String("stage", stageName)),
	}
}

func (d *Dispatcher) Run(ctx context.Context) error {
	d.log.Info("Dispatcher started", slog.Int("workers", d.cfg.Workers), slog.String("consumer", d.consumer.Name()))

	jobs := make(chan router.Message, d.cfg.Workers)
	done := make(chan error, 1)
	go func() {
		done <- worker.Run(ctx, stageName, d.cfg.Workers, jobs, d.handle)
	}()

	recv := router.NewReceiver(router.LaneReady, d.cfg.GapTimeout)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	// files admitted but not yet picked up by a worker; they stay marked in
	// flight so repeated notices are dropped while they wait
	var backlog worker.Backlog[router.Message]
	accept := func(msgs []router.Message) {
		for _, m := range msgs {
			if d.admit(ctx, m) {
				backlog.Push(m)
			}
		}
	}

loop:
	for {
		out, next := backlog.Next(jobs)
		select {
		case <-ctx.Done():
			break loop
		case out <- next:
			backlog.Pop()
		case msg := <-d.in.C():
			if msg.Kind != router.KindReady {
				d.log.Warn("Unexpected message", slog.String("msg", msg.String()))
				continue
			}
			ready, verdict := recv.Accept(msg)
			if verdict == router.Duplicated {
				continue
			}
			accept(ready)
			if backlog.Len() > 0 {
				d.log.Debug("Workers busy, delivery queued", slog.Int("waiting", backlog.Len()))
			}
		case <-ticker.C:
			accept(recv.Expire())
			d.forgetDelivered()
		}
	}

	close(jobs)
	return <-done
}

// admit filters repeated ready notices: a file already being delivered is
// skipped and a file delivered recently is acknowledged again without a
// second delivery.
func (d *Dispatcher) admit(ctx context.Context, msg router.Message) bool {
	log := d.log.With(slog.String("file", string(msg.File)))

	if done, ok := d.delivered.Get(string(msg.File)); ok {
		log.Info("Already delivered, acknowledging again")
		d.ack(ctx, msg.File, done.location)
		return false
	}
	if !d.inflight.SetIfAbsent(string(msg.File), d.now()) {
		log.Debug("Delivery already in progress")
		return false
	}
	return true
}

func (d *Dispatcher) handle(ctx context.Context, workerID string, msg router.Message) {
	defer d.inflight.Delete(string(msg.File))
	log := d.log.With(slog.String("worker", workerID), slog.String("file", string(msg.File)))

	for attempt := 1; ; attempt++ {
		location, err := d.deliver(ctx, msg)
		if err == nil {
			d.delivered.Set(string(msg.File), delivered{location: location, at: d.now()})
			metrics.Count(ctx, d.metrics.Deliveries, attribute.String("consumer", d.consumer.Name()))
			log.Info("Delivered", slog.Int("attempt", attempt), slog.String("location", location))
			d.ack(ctx, msg.File, location)
			return
		}
		if ctx.Err() != nil {
			return
		}

		if d.cfg.Retry.Exhausted(attempt) {
			// still ready upstream; the coordinator emits it again
			log.Error("Delivery attempts exhausted", slog.Int("attempt", attempt), slog.Any("error", err))
			return
		}

		delay := d.cfg.Retry.Delay(attempt)
		log.Warn("Delivery failed, retrying",
			slog.String("kind", string(model.KindDownstreamUnavailable)),
			slog.Int("attempt", attempt), slog.Duration("in", delay), slog.Any("error", err))

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, msg router.Message) (string, error) {
	if d.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.Timeout)
		defer cancel()
	}

	dl := &sink.Delivery{
		ID:   msg.File,
		Name: msg.Ready.Name,
		Path: msg.Ready.Path,
		Size: msg.Ready.Size,
	}
	if err := d.consumer.Accept(ctx, dl); err != nil {
		return "", err
	}
	return dl.Location(), nil
}

func (d *Dispatcher) ack(ctx context.Context, file model.ID, location string) {
	if err := d.out.Send(ctx, d.seq.Stamp(router.Acked(file, location))); err != nil && ctx.Err() == nil {
		d.log.Error("Cannot emit ack", slog.String("file", string(file)), slog.Any("error", err))
	}
}

func (d *Dispatcher) forgetDelivered() {
	if d.cfg.Retention <= 0 {
		return
	}
	cutoff := d.now().Add(-d.cfg.Retention)
	d.delivered.DeleteFunc(func(file string, v delivered) bool {
		if v.at.Before(cutoff) {
			d.seq.Forget(model.ID(file))
			return true
		}
		return false
	})
}
