//go:build !linux

package shm

// Key is not available on this platform.
func Key(path string, proj byte) (int, error) {
	return -1, ErrUnsupported
}

// Lookup is not available on this platform.
func Lookup(key int) (int, error) {
	return -1, ErrUnsupported
}

// Attach is not available on this platform.
func Attach(id int, count int) (*Segment, error) {
	return nil, ErrUnsupported
}

// Detach is not available on this platform.
func (s *Segment) Detach() error {
	return ErrUnsupported
}

// Create is not available on this platform.
func Create(key int, count int) (int, error) {
	return -1, ErrUnsupported
}

// Remove is not available on this platform.
func Remove(id int) error {
	return ErrUnsupported
}
