package router

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"ecrecv/internal/model"
)

type Lane string

const (
	LaneSegments Lane = "segments"            // ch1 tracker -> coordinator
	LaneRequests Lane = "validation-requests" // ch2 coordinator -> validator
	LaneResults  Lane = "validation-results"  // ch3 validator -> coordinator
	LaneReady    Lane = "ready"               // ch4 coordinator -> dispatcher
	LaneAcks     Lane = "acks"                // ch4 dispatcher -> coordinator
)

type Config struct {
	Buffer           int           `yaml:"buffer"`
	UnavailableAfter time.Duration `yaml:"unavailable_after"`
	GapTimeout       time.Duration `yaml:"gap_timeout"`
}

func DefaultConfig() Config {
	return Config{
		Buffer:           256,
		UnavailableAfter: 30 * time.Second,
		GapTimeout:       time.Minute,
	}
}

// Fault tells the coordinator that a message for File could not be handed
// to its lane within UnavailableAfter.
type Fault struct {
	Lane Lane
	Kind Kind
	File model.ID
	Err  error
}

// Link is one ordered, bounded, single-producer single-consumer lane.
type Link struct {
	lane             Lane
	ch               chan Message
	unavailableAfter time.Duration
	faults           chan<- Fault
	log              *slog.Logger

	sent        atomic.Int64
	unavailable atomic.Int64
}

func newLink(lane Lane, cfg Config, faults chan<- Fault, log *slog.Logger) *Link {
	return &Link{
		lane:             lane,
		ch:               make(chan Message, cfg.Buffer),
		unavailableAfter: cfg.UnavailableAfter,
		faults:           faults,
		log:              log.With(slog.String("lane", string(lane))),
	}
}

func (l *Link) Lane() Lane {
	return l.lane
}

// C is the consumer end.
func (l *Link) C() <-chan Message {
	return l.ch
}

// Depth is the number of queued messages.
func (l *Link) Depth() int {
	return len(l.ch)
}

func (l *Link) Sent() int64 {
	return l.sent.Load()
}

// Send enqueues msg, waiting while the buffer is full. If the consumer does
// not make room within UnavailableAfter the message is not enqueued, a Fault
// is raised (when the lane reports faults) and ErrChannelUnavailable returned.
func (l *Link) Send(ctx context.Context, msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	msg.Lane = l.lane
	msg.SentAt = time.Now()

	select {
	case l.ch <- msg:
		l.sent.Add(1)
		return nil
	default:
	}

	l.log.Debug("Lane full, waiting", slog.String("file", string(msg.File)), slog.Int("depth", len(l.ch)))

	var timeout <-chan time.Time
	if l.unavailableAfter > 0 {
		t := time.NewTimer(l.unavailableAfter)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case l.ch <- msg:
		l.sent.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timeout:
	}

	l.unavailable.Add(1)
	err := fmt.Errorf("lane %s: %w", l.lane, model.ErrChannelUnavailable)
	l.log.Warn("Lane unavailable", slog.String("file", string(msg.File)), slog.String("kind", string(msg.Kind)))

	if l.faults != nil {
		select {
		case l.faults <- Fault{Lane: l.lane, Kind: msg.Kind, File: msg.File, Err: err}:
		case <-ctx.Done():
		}
	}
	return err
}

// TrySend enqueues msg only if the lane has room. A full lane is reported as
// ErrChannelUnavailable without waiting and without raising a fault; the
// caller keeps the message and tries again later.
func (l *Link) TrySend(msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	msg.Lane = l.lane
	msg.SentAt = time.Now()

	select {
	case l.ch <- msg:
		l.sent.Add(1)
		return nil
	default:
	}
	l.unavailable.Add(1)
	return fmt.Errorf("lane %s: %w", l.lane, model.ErrChannelUnavailable)
}

type Duplex struct {
	Ready *Link
	Acks  *Link
}

// Router owns the four fixed channels between pipeline stages.
type Router struct {
	Segments *Link
	Requests *Link
	Results  *Link
	Delivery Duplex

	faults chan Fault
}

func New(cfg Config, log *slog.Logger) *Router {
	if cfg.Buffer <= 0 {
		cfg.Buffer = DefaultConfig().Buffer
	}
	log = log.With(slog.String("stage", "router"))
	faults := make(chan Fault, cfg.Buffer)

	return &Router{
		Segments: newLink(LaneSegments, cfg, faults, log),
		// The coordinator sends on these itself and handles the error inline.
		Requests: newLink(LaneRequests, cfg, nil, log),
		Results:  newLink(LaneResults, cfg, faults, log),
		Delivery: Duplex{
			Ready: newLink(LaneReady, cfg, nil, log),
			Acks:  newLink(LaneAcks, cfg, faults, log),
		},
		faults: faults,
	}
}

// Faults delivers channel-unavailable conditions to the coordinator.
func (r *Router) Faults() <-chan Fault {
	return r.faults
}

func (r *Router) Links() []*Link {
	return []*Link{r.Segments, r.Requests, r.Results, r.Delivery.Ready, r.Delivery.Acks}
}
