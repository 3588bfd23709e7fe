//go:build linux

package shm

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Key derives the System V IPC key for path the same way glibc's ftok does,
// so that a key computed here matches the one the agent created the segment
// with.
func Key(path string, proj byte) (int, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return -1, fmt.Errorf("shm: stat %s: %w", path, err)
	}

	key := uint32(st.Ino&0xffff) | uint32(st.Dev&0xff)<<16 | uint32(proj)<<24

	return int(int32(key)), nil
}

// Lookup returns the id of the existing segment for key. It never creates one.
func Lookup(key int) (int, error) {
	id, err := unix.SysvShmGet(key, 0, 0)
	if err != nil {
		return -1, fmt.Errorf("shm: get key %#x: %w", key, err)
	}
	return id, nil
}

// Attach maps the segment id into the process and returns a view of count
// slots. The segment must be at least count*SlotSize bytes.
func Attach(id int, count int) (*Segment, error) {
	if err := checkCount(count); err != nil {
		return nil, err
	}

	data, err := unix.SysvShmAttach(id, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("shm: attach id %d: %w", id, err)
	}

	if len(data) < count*SlotSize {
		size := len(data)
		_ = unix.SysvShmDetach(data)
		return nil, fmt.Errorf("%w: %d bytes for %d slots", ErrTooSmall, size, count)
	}

	return &Segment{
		id:    id,
		data:  data,
		slots: unsafe.Slice((*float32)(unsafe.Pointer(&data[0])), count),
		words: unsafe.Slice((*uint32)(unsafe.Pointer(&data[0])), count),
	}, nil
}

// Detach unmaps the segment. The segment itself stays alive until its
// creator removes it. Detaching twice returns ErrDetached.
func (s *Segment) Detach() error {
	if s.data == nil {
		return ErrDetached
	}

	data := s.data
	s.slots = nil
	s.words = nil
	s.data = nil

	if err := unix.SysvShmDetach(data); err != nil {
		return fmt.Errorf("shm: detach id %d: %w", s.id, err)
	}
	return nil
}

// Create makes a new segment for key sized for count slots. Clients never
// call this; it is what an agent (or a test standing in for one) does.
func Create(key int, count int) (int, error) {
	if err := checkCount(count); err != nil {
		return -1, err
	}

	id, err := unix.SysvShmGet(key, count*SlotSize, unix.IPC_CREAT|unix.IPC_EXCL|0o600)
	if err != nil {
		return -1, fmt.Errorf("shm: create key %#x: %w", key, err)
	}
	return id, nil
}

// Remove marks the segment for destruction once every process detached.
func Remove(id int) error {
	if _, err := unix.SysvShmCtl(id, unix.IPC_RMID, nil); err != nil {
		return fmt.Errorf("shm: remove id %d: %w", id, err)
	}
	return nil
}
