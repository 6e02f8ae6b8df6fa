package router

import (
	"sort"
	"time"

	"ecrecv/internal/model"
	"ecrecv/internal/shardmap"

	"github.com/google/uuid"
)

type counter struct {
	stream string
	seq    uint64
}

// Sequencer stamps per-file monotonic sequence numbers for one sending
// stage. It is safe for concurrent workers.
type Sequencer struct {
	files *shardmap.Map[counter]
}

func NewSequencer() *Sequencer {
	return &Sequencer{files: shardmap.New[counter](0)}
}

// Stamp assigns the next sequence number for msg.File.
func (s *Sequencer) Stamp(msg Message) Message {
	s.files.Update(string(msg.File), func(c counter, ok bool) (counter, bool) {
		if !ok {
			c.stream = uuid.NewString()
		}
		c.seq++
		msg.Stream = c.stream
		msg.Seq = c.seq
		return c, true
	})
	return msg
}

// Forget drops the counter; the next message for file starts a new stream.
func (s *Sequencer) Forget(file model.ID) {
	s.files.Delete(string(file))
}

type Verdict int

const (
	Delivered Verdict = iota
	Duplicated
	Deferred
)

func (v Verdict) String() string {
	return [...]string{"delivered", "duplicate", "deferred"}[v]
}

type heldMsg struct {
	msg   Message
	since time.Time
}

type fileSeq struct {
	stream string
	last   uint64
	held   map[uint64]heldMsg
}

// Receiver enforces per-file ordering on the consumer side of a lane: it
// drops messages that do not extend the last seen sequence number and holds
// messages that arrive after a gap until the gap is filled. It is owned by a
// single consumer goroutine.
type Receiver struct {
	lane       Lane
	gapTimeout time.Duration
	now        func() time.Time
	files      map[model.ID]*fileSeq
}

func NewReceiver(lane Lane, gapTimeout time.Duration) *Receiver {
	return &Receiver{
		lane:       lane,
		gapTimeout: gapTimeout,
		now:        time.Now,
		files:      make(map[model.ID]*fileSeq),
	}
}

// Accept returns the messages that may now be processed, in order.
func (r *Receiver) Accept(msg Message) ([]Message, Verdict) {
	fs, ok := r.files[msg.File]
	if !ok || fs.stream != msg.Stream {
		fs = &fileSeq{stream: msg.Stream}
		r.files[msg.File] = fs
	}

	switch {
	case msg.Seq <= fs.last:
		return nil, Duplicated
	case msg.Seq > fs.last+1:
		if _, dup := fs.held[msg.Seq]; dup {
			return nil, Duplicated
		}
		if fs.held == nil {
			fs.held = make(map[uint64]heldMsg)
		}
		fs.held[msg.Seq] = heldMsg{msg: msg, since: r.now()}
		return nil, Deferred
	}

	fs.last = msg.Seq
	out := []Message{msg}
	return append(out, fs.drain()...), Delivered
}

func (fs *fileSeq) drain() []Message {
	var out []Message
	for {
		h, ok := fs.held[fs.last+1]
		if !ok {
			return out
		}
		delete(fs.held, fs.last+1)
		fs.last++
		out = append(out, h.msg)
	}
}

// Expire releases held messages whose gap has been open longer than the gap
// timeout, skipping the missing sequence numbers.
func (r *Receiver) Expire() []Message {
	if r.gapTimeout <= 0 {
		return nil
	}
	now := r.now()

	var out []Message
	for _, fs := range r.files {
		if len(fs.held) == 0 {
			continue
		}
		stale := false
		for _, h := range fs.held {
			if now.Sub(h.since) >= r.gapTimeout {
				stale = true
				break
			}
		}
		if !stale {
			continue
		}

		seqs := make([]uint64, 0, len(fs.held))
		for seq := range fs.held {
			seqs = append(seqs, seq)
		}
		sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
		for _, seq := range seqs {
			out = append(out, fs.held[seq].msg)
			fs.last = seq
		}
		fs.held = nil
	}
	return out
}

// Pending is the number of held messages across files.
func (r *Receiver) Pending() int {
	n := 0
	for _, fs := range r.files {
		n += len(fs.held)
	}
	return n
}

func (r *Receiver) Forget(file model.ID) {
	delete(r.files, file)
}
