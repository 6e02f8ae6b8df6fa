package model

import "time"

// This package models one inbound dissemination file and its lifecycle

type ID string

type State string

const (
	StatePending        State = "pending"
	StateReceiving      State = "receiving"
	StateValidating     State = "validating"
	StateReady          State = "ready"
	StateFailedRetry    State = "failed-retryable"
	StateRetryScheduled State = "retry-scheduled"
	StateFailedTerminal State = "failed-terminal"
)

// Terminal reports whether no further transition may leave s.
func (s State) Terminal() bool {
	return s == StateReady || s == StateFailedTerminal
}

// Active reports whether an attempt is in flight.
func (s State) Active() bool {
	return s == StateReceiving || s == StateValidating
}

func (s State) Valid() bool {
	switch s {
	case StatePending, StateReceiving, StateValidating, StateReady,
		StateFailedRetry, StateRetryScheduled, StateFailedTerminal:
		return true
	}
	return false
}

// UnknownSize marks a transfer whose total length was never announced.
const UnknownSize int64 = -1

type FileTransfer struct {
	ID   ID
	Name string // provider-assigned file name
	Path string // location in the spool

	ExpectedSize int64
	Ranges       RangeSet

	State     State // to model state machine
	Attempts  int
	LastError string
	NextRunAt time.Time
	Acked     bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Clone returns a copy that shares no memory with f.
func (f FileTransfer) Clone() FileTransfer {
	f.Ranges = f.Ranges.Clone()
	return f
}

// Outcome is the classification of one validation run.
type Outcome string

const (
	OutcomeValid       Outcome = "valid"
	OutcomeCorrupt     Outcome = "corrupt"
	OutcomeUnreadable  Outcome = "unreadable"
	OutcomeUnsupported Outcome = "unsupported-format"
)
