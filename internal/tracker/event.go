package tracker

import (
	"fmt"

	"ecrecv/internal/model"
)

type EventKind int

const (
	EventDeclare EventKind = iota
	EventSegment
	EventComplete
	EventAttemptStarted
)

func (k EventKind) String() string {
	return [...]string{"declare", "segment", "complete", "attempt-started"}[k]
}

// Event is what the transport reports about one file.
type Event struct {
	Kind EventKind
	Name string
	Path string

	Start int64 // segment only
	End   int64 // segment only, exclusive
	Total int64 // announced size, model.UnknownSize when not known
}

func Declared(name, path string, total int64) Event {
	return Event{Kind: EventDeclare, Name: name, Path: path, Total: total}
}

func Segment(name, path string, start, end, total int64) Event {
	return Event{Kind: EventSegment, Name: name, Path: path, Start: start, End: end, Total: total}
}

func Complete(name, path string) Event {
	return Event{Kind: EventComplete, Name: name, Path: path, Total: model.UnknownSize}
}

func NewAttempt(name, path string) Event {
	return Event{Kind: EventAttemptStarted, Name: name, Path: path, Total: model.UnknownSize}
}

func (e Event) String() string {
	if e.Kind == EventSegment {
		return fmt.Sprintf("%s %s [%d,%d)/%d", e.Kind, e.Name, e.Start, e.End, e.Total)
	}
	return fmt.Sprintf("%s %s", e.Kind, e.Name)
}
