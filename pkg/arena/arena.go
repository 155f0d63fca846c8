package arena

import (
	"errors"
	"math"
)

// ErrFull is returned when every slot of an arena is in use.
var ErrFull = errors.New("arena full")

// Handle indexes a slot inside an Arena. Nil marks "no slot" in linked lists.
type Handle uint32

const Nil Handle = math.MaxUint32

// Arena is a fixed-capacity slot store with a free-list.
// Capacity is decided at construction and never grows: once full, Alloc
// fails deterministically instead of allocating more memory.
type Arena[T any] struct {
	slots []T
	used  []bool
	free  []Handle // LIFO stack of free handles
}

func New[T any](capacity int) *Arena[T] {
	a := &Arena[T]{
		slots: make([]T, capacity),
		used:  make([]bool, capacity),
		free:  make([]Handle, capacity),
	}
	// lowest handle on top of the stack so allocation starts at 0
	for i := 0; i < capacity; i++ {
		a.free[i] = Handle(capacity - 1 - i)
	}
	return a
}

// Alloc reserves a zeroed slot.
func (a *Arena[T]) Alloc() (Handle, *T, error) {
	n := len(a.free)
	if n == 0 {
		return Nil, nil, ErrFull
	}
	h := a.free[n-1]
	a.free = a.free[:n-1]
	a.used[h] = true
	var zero T
	a.slots[h] = zero
	return h, &a.slots[h], nil
}

func (a *Arena[T]) Get(h Handle) (*T, bool) {
	if int(h) >= len(a.slots) || !a.used[h] {
		return nil, false
	}
	return &a.slots[h], true
}

// Free releases a slot. Freeing an unused handle reports false.
func (a *Arena[T]) Free(h Handle) bool {
	if int(h) >= len(a.slots) || !a.used[h] {
		return false
	}
	var zero T
	a.slots[h] = zero
	a.used[h] = false
	a.free = append(a.free, h)
	return true
}

func (a *Arena[T]) Len() int { return len(a.slots) - len(a.free) }
func (a *Arena[T]) Cap() int { return len(a.slots) }

// Each visits live slots in handle order until fn returns false.
func (a *Arena[T]) Each(fn func(Handle, *T) bool) {
	for i := range a.slots {
		if !a.used[i] {
			continue
		}
		if !fn(Handle(i), &a.slots[i]) {
			return
		}
	}
}
