package event

// FIFO is a bounded ring buffer exposing canPush/canPop Conditions that
// flip exactly at the empty/nonempty and full/nonfull transitions, so
// an Action firing on canPop in the same tick as a Push sees the
// updated predicate.
type FIFO[T any] struct {
	buf     []T
	head    int
	size    int
	canPush *Condition
	canPop  *Condition
}

// NewFIFO creates a FIFO of the given fixed capacity.
func NewFIFO[T any](capacity int) *FIFO[T] {
	if capacity <= 0 {
		capacity = 1
	}
	f := &FIFO[T]{
		buf:     make([]T, capacity),
		canPush: NewBase("fifo.canPush"),
		canPop:  NewBase("fifo.canPop"),
	}
	f.canPush.Fire()
	return f
}

// CanPush is true while Len() < capacity.
func (f *FIFO[T]) CanPush() *Condition { return f.canPush }

// CanPop is true while Len() > 0.
func (f *FIFO[T]) CanPop() *Condition { return f.canPop }

// Len returns the number of queued elements.
func (f *FIFO[T]) Len() int { return f.size }

// Cap returns the fixed capacity.
func (f *FIFO[T]) Cap() int { return len(f.buf) }

// Push enqueues v. Reports false if the FIFO is full.
func (f *FIFO[T]) Push(v T) bool {
	if f.size == len(f.buf) {
		return false
	}
	idx := (f.head + f.size) % len(f.buf)
	f.buf[idx] = v
	f.size++
	f.refresh()
	return true
}

// Pop dequeues the oldest element. Reports false if the FIFO is empty.
func (f *FIFO[T]) Pop() (T, bool) {
	var zero T
	if f.size == 0 {
		return zero, false
	}
	v := f.buf[f.head]
	f.buf[f.head] = zero
	f.head = (f.head + 1) % len(f.buf)
	f.size--
	f.refresh()
	return v, true
}

func (f *FIFO[T]) refresh() {
	if f.size > 0 {
		f.canPop.Fire()
	} else {
		f.canPop.Arm()
	}
	if f.size < len(f.buf) {
		f.canPush.Fire()
	} else {
		f.canPush.Arm()
	}
}
