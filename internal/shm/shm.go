// Package shm attaches System V shared memory segments created by the agent
// and exposes them as float32 slots.
//
// All unsafe pointer handling of the module lives in this package. Callers get
// a []float32 view that is valid until Detach returns.
package shm

import (
	"errors"
	"fmt"
)

// ProjectID is the ftok project id both sides use to derive the segment key.
const ProjectID = 0x03

// SlotSize is the size in bytes of one metric slot.
const SlotSize = 4

var (
	// ErrTooSmall is returned when the segment cannot hold the requested slots.
	ErrTooSmall = errors.New("shm: segment smaller than requested slot count")
	// ErrDetached is returned by operations on a detached segment.
	ErrDetached = errors.New("shm: segment detached")
	// ErrUnsupported is returned on platforms without System V shared memory.
	ErrUnsupported = errors.New("shm: System V shared memory not supported on this platform")
)

// Segment is an attached shared memory segment.
type Segment struct {
	id    int
	data  []byte
	slots []float32
	words []uint32
}

// ID returns the kernel identifier of the segment.
func (s *Segment) ID() int {
	return s.id
}

// Slots returns the float32 view of the segment, or nil once detached.
func (s *Segment) Slots() []float32 {
	return s.slots
}

// Words returns the same memory as Slots as raw 32 bit words, for callers
// that access slots with sync/atomic. It is nil once detached.
func (s *Segment) Words() []uint32 {
	return s.words
}

// Size returns the size in bytes of the attached mapping.
func (s *Segment) Size() int {
	return len(s.data)
}

func checkCount(count int) error {
	if count <= 0 {
		return fmt.Errorf("shm: invalid slot count %d", count)
	}
	return nil
}
