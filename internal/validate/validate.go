package validate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"ecrecv/internal/metrics"
	"ecrecv/internal/model"
	"ecrecv/internal/router"
	"ecrecv/internal/worker"

	"go.opentelemetry.io/otel/attribute"
)

const stageName = "validator"

type Source interface {
	C() <-chan router.Message
}

type Sender interface {
	Send(ctx context.Context, msg router.Message) error
}

type Config struct {
	Workers         int           `yaml:"workers"`
	Timeout         time.Duration `yaml:"timeout"`
	RequireChecksum bool          `yaml:"require_checksum"`
	GapTimeout      time.Duration `yaml:"-"`
}

func DefaultConfig() Config {
	return Config{
		Workers: 2,
		Timeout: 2 * time.Minute,
	}
}

// Validator consumes validation requests and answers every one of them with
// exactly one validation result.
type Validator struct {
	in      Source
	out     Sender
	checker Checker
	seq     *router.Sequencer
	cfg     Config
	metrics *metrics.Metrics
	log     *slog.Logger
}

func New(in Source, out Sender, checker Checker, cfg Config, m *metrics.Metrics, log *slog.Logger) *Validator {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if m == nil {
		m = metrics.Noop()
	}
	return &Validator{
		in:      in,
		out:     out,
		checker: checker,
		seq:     router.NewSequencer(),
		cfg:     cfg,
		metrics: m,
		log:     log.With(slog.String("stage", stageName)),
	}
}

func (v *Validator) Run(ctx context.Context) error {
	v.log.Info("Validator started", slog.Int("workers", v.cfg.Workers), slog.String("checker", v.checker.Name()))

	jobs := make(chan router.Message, v.cfg.Workers)
	done := make(chan error, 1)
	go func() {
		done <- worker.Run(ctx, stageName, v.cfg.Workers, jobs, v.handle)
	}()

	recv := router.NewReceiver(router.LaneRequests, v.cfg.GapTimeout)
	tick := time.Second
	if v.cfg.GapTimeout > 0 && v.cfg.GapTimeout < tick {
		tick = v.cfg.GapTimeout
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	var backlog worker.Backlog[router.Message]

loop:
	for {
		out, next := backlog.Next(jobs)
		select {
		case <-ctx.Done():
			break loop
		case out <- next:
			backlog.Pop()
		case msg := <-v.in.C():
			if msg.Kind != router.KindValidationRequest {
				v.log.Warn("Unexpected message", slog.String("msg", msg.String()))
				continue
			}
			ready, verdict := recv.Accept(msg)
			if verdict == router.Duplicated {
				v.log.Debug("Duplicate request dropped", slog.String("msg", msg.String()))
				continue
			}
			backlog.Push(ready...)
		case <-ticker.C:
			if late := recv.Expire(); len(late) > 0 {
				v.log.Warn("Sequence gap timed out, releasing held requests", slog.Int("count", len(late)))
				backlog.Push(late...)
			}
		}
	}

	close(jobs)
	return <-done
}

func (v *Validator) handle(ctx context.Context, workerID string, msg router.Message) {
	log := v.log.With(slog.String("worker", workerID), slog.String("file", string(msg.File)))

	start := time.Now()
	outcome, err := v.check(ctx, msg.Request.Path)
	if ctx.Err() != nil {
		return
	}

	res := router.ValidationResult{Attempt: msg.Request.Attempt, Outcome: outcome}
	if err != nil {
		res.Reason = err.Error()
	}
	metrics.Count(ctx, v.metrics.Validations, attribute.String("outcome", string(outcome)))

	if outcome == model.OutcomeValid {
		log.Info("File valid", slog.Int("attempt", res.Attempt), slog.Duration("took", time.Since(start)))
	} else {
		log.Warn("File invalid", slog.Int("attempt", res.Attempt), slog.String("outcome", string(outcome)), slog.String("reason", res.Reason))
	}

	if err := v.out.Send(ctx, v.seq.Stamp(router.Result(msg.File, res))); err != nil {
		log.Error("Cannot emit result", slog.Any("error", err))
	}
}

// check runs the checker bounded by the configured timeout. A checker that
// panics or overruns yields an unreadable outcome.
func (v *Validator) check(ctx context.Context, path string) (model.Outcome, error) {
	if v.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, v.cfg.Timeout)
		defer cancel()
	}

	type result struct {
		outcome model.Outcome
		err     error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{model.OutcomeUnreadable, fmt.Errorf("%w: checker panic: %v", model.ErrUnreadable, r)}
			}
		}()
		o, err := v.checker.Check(ctx, path)
		ch <- result{o, err}
	}()

	select {
	case r := <-ch:
		if r.outcome == "" {
			r.outcome = model.OutcomeUnreadable
		}
		return r.outcome, r.err
	case <-ctx.Done():
		err := ctx.Err()
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: validation timed out after %s", model.ErrUnreadable, v.cfg.Timeout)
		}
		return model.OutcomeUnreadable, err
	}
}
