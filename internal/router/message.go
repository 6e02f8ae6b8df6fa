package router

import (
	"fmt"
	"time"

	"ecrecv/internal/model"
)

type Kind string

const (
	KindSegment           Kind = "segment-update"
	KindAttemptStarted    Kind = "attempt-started"
	KindCompletion        Kind = "completion"
	KindDuplicate         Kind = "duplicate"
	KindValidationRequest Kind = "validation-request"
	KindValidationResult  Kind = "validation-result"
	KindReady             Kind = "ready"
	KindAck               Kind = "ack"
)

// Message is the unit carried on every lane. Exactly one payload pointer
// matches Kind; completion, attempt-started and duplicate carry none beyond
// Completion's size.
type Message struct {
	Kind   Kind
	File   model.ID
	Stream string // sender generation for File, reset when the sender forgets it
	Seq    uint64
	Lane   Lane
	SentAt time.Time

	Segment    *SegmentUpdate
	Completion *Completion
	Request    *ValidationRequest
	Result     *ValidationResult
	Ready      *ReadyNotice
	Ack        *Ack
}

type SegmentUpdate struct {
	Name         string
	Path         string
	ExpectedSize int64
	Ranges       model.RangeSet
}

type Completion struct {
	Size int64
}

type ValidationRequest struct {
	Path    string
	Attempt int
}

type ValidationResult struct {
	Attempt int
	Outcome model.Outcome
	Reason  string
}

type ReadyNotice struct {
	Name string
	Path string
	Size int64
}

type Ack struct {
	Location string
}

func Segment(file model.ID, u SegmentUpdate) Message {
	u.Ranges = u.Ranges.Clone()
	return Message{Kind: KindSegment, File: file, Segment: &u}
}

func Completed(file model.ID, size int64) Message {
	return Message{Kind: KindCompletion, File: file, Completion: &Completion{Size: size}}
}

func AttemptStarted(file model.ID) Message {
	return Message{Kind: KindAttemptStarted, File: file}
}

func Duplicate(file model.ID) Message {
	return Message{Kind: KindDuplicate, File: file}
}

func Request(file model.ID, r ValidationRequest) Message {
	return Message{Kind: KindValidationRequest, File: file, Request: &r}
}

func Result(file model.ID, r ValidationResult) Message {
	return Message{Kind: KindValidationResult, File: file, Result: &r}
}

func Ready(file model.ID, r ReadyNotice) Message {
	return Message{Kind: KindReady, File: file, Ready: &r}
}

func Acked(file model.ID, location string) Message {
	return Message{Kind: KindAck, File: file, Ack: &Ack{Location: location}}
}

// Validate checks that the payload matches the kind.
func (m Message) Validate() error {
	if m.File == "" {
		return fmt.Errorf("%s message without file id", m.Kind)
	}

	var ok bool
	switch m.Kind {
	case KindSegment:
		ok = m.Segment != nil
	case KindCompletion:
		ok = m.Completion != nil
	case KindAttemptStarted, KindDuplicate:
		ok = true
	case KindValidationRequest:
		ok = m.Request != nil
	case KindValidationResult:
		ok = m.Result != nil
	case KindReady:
		ok = m.Ready != nil
	case KindAck:
		ok = m.Ack != nil
	default:
		return fmt.Errorf("unknown message kind %q", m.Kind)
	}
	if !ok {
		return fmt.Errorf("%s message for %s without payload", m.Kind, m.File)
	}
	return nil
}

func (m Message) String() string {
	return fmt.Sprintf("%s/%s#%d(%s)", m.Lane, m.Kind, m.Seq, m.File)
}
