// Package buffer holds the fixed-size ring used for log entries, captured
// output lines and envelope history.
package buffer

// Ring overwrites its oldest entry once full. Owners serialize access.
type Ring[T any] struct {
	slots []T
	next  int
	full  bool
}

// NewRing returns a ring holding size entries, at least one.
func NewRing[T any](size int) *Ring[T] {
	return &Ring[T]{slots: make([]T, max(size, 1))}
}

func (r *Ring[T]) Add(entry T) {
	if r == nil {
		return
	}
	r.slots[r.next] = entry
	r.next++
	if r.next == len(r.slots) {
		r.next = 0
		r.full = true
	}
}

func (r *Ring[T]) Len() int {
	switch {
	case r == nil:
		return 0
	case r.full:
		return len(r.slots)
	default:
		return r.next
	}
}

func (r *Ring[T]) Cap() int {
	if r == nil {
		return 0
	}
	return len(r.slots)
}

// List returns the entries oldest first.
func (r *Ring[T]) List() []T {
	return r.Tail(0)
}

// Tail returns the newest n entries oldest first. n <= 0 means all of them.
func (r *Ring[T]) Tail(n int) []T {
	size := r.Len()
	if size == 0 {
		return nil
	}
	if n <= 0 || n > size {
		n = size
	}
	out := make([]T, 0, n)
	for i := size - n; i < size; i++ {
		out = append(out, r.at(i))
	}
	return out
}

// Filter returns the entries keep accepts, oldest first.
func (r *Ring[T]) Filter(keep func(T) bool) []T {
	var out []T
	for i := range r.Len() {
		if entry := r.at(i); keep == nil || keep(entry) {
			out = append(out, entry)
		}
	}
	return out
}

func (r *Ring[T]) Reset() {
	if r == nil {
		return
	}
	clear(r.slots)
	r.next = 0
	r.full = false
}

// at indexes from the oldest entry.
func (r *Ring[T]) at(i int) T {
	if !r.full {
		return r.slots[i]
	}
	return r.slots[(r.next+i)%len(r.slots)]
}
