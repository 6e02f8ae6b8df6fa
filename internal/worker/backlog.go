package worker

// Backlog holds jobs a stage has accepted while every worker is busy, so
// the stage keeps reading its input lane. It is owned by one goroutine.
type Backlog[T any] struct {
	items []T
}

func (b *Backlog[T]) Push(jobs ...T) {
	b.items = append(b.items, jobs...)
}

func (b *Backlog[T]) Len() int {
	return len(b.items)
}

// Next returns jobs and the oldest held job, or a nil channel when the
// backlog is empty, for use as a select send case. Call Pop once the send
// went through.
func (b *Backlog[T]) Next(jobs chan<- T) (chan<- T, T) {
	var zero T
	if len(b.items) == 0 {
		return nil, zero
	}
	return jobs, b.items[0]
}

func (b *Backlog[T]) Pop() {
	var zero T
	b.items[0] = zero
	b.items = b.items[1:]
}
