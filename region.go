package tirion

import (
	"errors"
	"math"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/nikiz24/tirion/internal/shm"
)

// segment is the attached memory behind a Region. Words holds the float32
// bit patterns of the slots.
type segment interface {
	Words() []uint32
	Detach() error
}

// attachSegment attaches the agent's segment for path. Tests replace it with a
// heap backed segment.
var attachSegment = func(path string, count int) (segment, error) {
	key, err := shm.Key(path, shm.ProjectID)
	if err != nil {
		return nil, newError(KeyDerivationFailed, "attach", err)
	}

	// no segment for the key means the agent has not created it yet
	id, err := shm.Lookup(key)
	if err != nil {
		return nil, newError(RegionAttachFailed, "attach", err)
	}

	seg, err := shm.Attach(id, count)
	if err != nil {
		return nil, newError(RegionAttachFailed, "attach", err)
	}
	return seg, nil
}

// Region is the shared array of metric slots. Out-of-range indices read as 0
// and writes to them are dropped.
//
// Region does no locking. One goroutine mutates a given slot at a time;
// slots are loaded and stored atomically so readers such as the exporter
// may run alongside it.
type Region struct {
	slots atomic.Pointer[[]uint32]

	mu  sync.Mutex
	seg segment

	debug  bool
	logger *zap.Logger
}

func newRegion(logger *zap.Logger, debug bool) *Region {
	return &Region{
		debug:  debug,
		logger: logger,
	}
}

// attach maps count slots of the segment located at path.
func (r *Region) attach(path string, count int) error {
	seg, err := attachSegment(path, count)
	if err != nil {
		return err
	}

	slots := seg.Words()
	if len(slots) < count {
		_ = seg.Detach()
		return newError(RegionAttachFailed, "attach", errors.New("segment holds fewer slots than announced"))
	}
	slots = slots[:count:count]

	r.mu.Lock()
	r.seg = seg
	r.mu.Unlock()
	r.slots.Store(&slots)

	return nil
}

// Detach unmaps the region. It does not destroy the underlying segment.
// Detaching a detached region does nothing.
func (r *Region) Detach() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.seg == nil {
		return nil
	}

	r.slots.Store(nil)
	seg := r.seg
	r.seg = nil

	if err := seg.Detach(); err != nil {
		return newError(RegionDetachFailed, "detach", err)
	}
	return nil
}

// Len returns the number of slots, 0 when detached.
func (r *Region) Len() int {
	if s := r.slots.Load(); s != nil {
		return len(*s)
	}
	return 0
}

func (r *Region) slot(i int) *uint32 {
	if s := r.slots.Load(); s != nil && i >= 0 && i < len(*s) {
		return &(*s)[i]
	}
	if r.debug {
		r.logger.Debug("metric index out of range", zap.Int("index", i), zap.Int("count", r.Len()))
	}
	return nil
}

func load(p *uint32) float32 {
	return math.Float32frombits(atomic.LoadUint32(p))
}

func store(p *uint32, v float32) {
	atomic.StoreUint32(p, math.Float32bits(v))
}

// Get returns the value of slot i.
func (r *Region) Get(i int) float32 {
	if p := r.slot(i); p != nil {
		return load(p)
	}
	return 0
}

// Set stores v in slot i and returns it.
func (r *Region) Set(i int, v float32) float32 {
	if p := r.slot(i); p != nil {
		store(p, v)
		return v
	}
	return 0
}

// Add adds v to slot i and returns the new value.
func (r *Region) Add(i int, v float32) float32 {
	if p := r.slot(i); p != nil {
		v += load(p)
		store(p, v)
		return v
	}
	return 0
}

// Sub subtracts v from slot i and returns the new value.
func (r *Region) Sub(i int, v float32) float32 {
	if p := r.slot(i); p != nil {
		v = load(p) - v
		store(p, v)
		return v
	}
	return 0
}

// Inc increments slot i by 1.
func (r *Region) Inc(i int) float32 {
	return r.Add(i, 1)
}

// Dec decrements slot i by 1.
func (r *Region) Dec(i int) float32 {
	return r.Sub(i, 1)
}

// Snapshot returns a copy of all slots, nil when detached.
func (r *Region) Snapshot() []float32 {
	s := r.slots.Load()
	if s == nil {
		return nil
	}
	out := make([]float32, len(*s))
	for i := range *s {
		out[i] = load(&(*s)[i])
	}
	return out
}
