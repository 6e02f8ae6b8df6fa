package model

import "errors"

type ErrorKind string

const (
	KindTransport             ErrorKind = "transport-error"
	KindCorrupt               ErrorKind = "corrupt-content"
	KindUnreadable            ErrorKind = "unreadable-content"
	KindUnsupported           ErrorKind = "unsupported-format"
	KindChannelUnavailable    ErrorKind = "channel-unavailable"
	KindDownstreamUnavailable ErrorKind = "downstream-unavailable"
)

var (
	ErrTransport             = errors.New("transport error")
	ErrCorrupt               = errors.New("corrupt content")
	ErrUnreadable            = errors.New("unreadable content")
	ErrUnsupported           = errors.New("unsupported format")
	ErrChannelUnavailable    = errors.New("channel unavailable")
	ErrDownstreamUnavailable = errors.New("downstream unavailable")

	ErrNotFound = errors.New("file transfer not found")
)

// KindOf maps a wrapped error onto the taxonomy. Unknown errors count as
// transport errors so they stay retryable.
func KindOf(err error) ErrorKind {
	switch {
	case errors.Is(err, ErrCorrupt):
		return KindCorrupt
	case errors.Is(err, ErrUnreadable):
		return KindUnreadable
	case errors.Is(err, ErrUnsupported):
		return KindUnsupported
	case errors.Is(err, ErrChannelUnavailable):
		return KindChannelUnavailable
	case errors.Is(err, ErrDownstreamUnavailable):
		return KindDownstreamUnavailable
	}
	return KindTransport
}

// KindOfOutcome maps a failed validation outcome onto the taxonomy.
func KindOfOutcome(o Outcome) ErrorKind {
	switch o {
	case OutcomeCorrupt:
		return KindCorrupt
	case OutcomeUnsupported:
		return KindUnsupported
	}
	return KindUnreadable
}
