// Package slot implements the bijection between connected device paths and
// the disjoint 4-wide channel offsets they own in the Sample Register.
package slot

import "fmt"

// Width is the number of register channels a single device slot spans.
const Width = 4

// Count is the number of slots available: six offsets, 0..20 in steps of 4.
const Count = 6

// ErrNoCapacity is returned by Allocate when every slot is already held.
var ErrNoCapacity = fmt.Errorf("slot: no free offsets remain")

// Allocator assigns each known device path a stable offset into the Sample
// Register, remembering a device's prior offset across a deallocate/
// reallocate cycle (spec §4.C: "if a device is re-observed, reuse that
// offset").
//
// Like the Sample Register, an Allocator has a single owner (the
// Coordinator) and does no locking of its own.
type Allocator struct {
	allocated map[string]int
	free      map[int]struct{}
	// remembered holds the last offset a path held, so a device that
	// disconnects and reappears before its old offset is claimed by
	// someone else gets the same channels back.
	remembered map[string]int
}

// New returns an Allocator with all six offsets free.
func New() *Allocator {
	a := &Allocator{
		allocated:  make(map[string]int),
		free:       make(map[int]struct{}, Count),
		remembered: make(map[string]int),
	}
	for i := 0; i < Count; i++ {
		a.free[i*Width] = struct{}{}
	}
	return a
}

// Allocate assigns path an offset, preferring a remembered prior offset if
// it's still free, else the smallest free offset. It fails with
// ErrNoCapacity if every slot is held by another path.
func (a *Allocator) Allocate(path string) (int, error) {
	if offset, ok := a.allocated[path]; ok {
		return offset, nil
	}

	if remembered, ok := a.remembered[path]; ok {
		if _, free := a.free[remembered]; free {
			delete(a.free, remembered)
			a.allocated[path] = remembered
			return remembered, nil
		}
	}

	offset, ok := a.smallestFree()
	if !ok {
		return 0, ErrNoCapacity
	}
	delete(a.free, offset)
	a.allocated[path] = offset
	return offset, nil
}

func (a *Allocator) smallestFree() (int, bool) {
	best := -1
	for offset := range a.free {
		if best == -1 || offset < best {
			best = offset
		}
	}
	return best, best != -1
}

// Deallocate returns path's offset to the free set, idempotent if path
// holds no slot.
func (a *Allocator) Deallocate(path string) {
	offset, ok := a.allocated[path]
	if !ok {
		return
	}
	delete(a.allocated, path)
	a.remembered[path] = offset
	a.free[offset] = struct{}{}
}

// Lookup returns path's current offset, if any.
func (a *Allocator) Lookup(path string) (int, bool) {
	offset, ok := a.allocated[path]
	return offset, ok
}

// Len returns the number of currently allocated slots.
func (a *Allocator) Len() int {
	return len(a.allocated)
}
