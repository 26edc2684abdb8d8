package arraystore

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/hupe1980/vecgo/internal/datastore"
	"github.com/hupe1980/vecgo/internal/refcodec"
)

// ErrAddressSpaceExhausted is returned from Add and CompactionContext.Compact
// when a new buffer of the needed type cannot be allocated without
// overflowing the configured buffer-id field width.
var ErrAddressSpaceExhausted = datastore.ErrAddressSpaceExhausted

// ErrAllocationFailed wraps an underlying memory allocation failure
// (off-heap mapping, typically) unchanged.
var ErrAllocationFailed = errors.New("arraystore: allocation failed")

// largeTypeID is the reserved type id for the heap-owned large-array
// fallback class.
const largeTypeID = 0

// MemoryAcquirer is the subset of resource.Controller's budget-tracking API
// a BufferType consults before allocating a new buffer, so buffer-pool
// memory and HNSW arena memory can be governed by one process-wide budget
// instead of each subsystem sizing itself in isolation.
type MemoryAcquirer interface {
	AcquireMemory(bytes int64) error
	ReleaseMemory(bytes int64)
}

// Descriptor is the large-array class's element: a heap-owned copy of a
// variable-length array too large to size-class. The store destroys Data
// (by clearing the slice reference, letting Go's GC reclaim the backing
// array) when the slot holding this descriptor is reclaimed.
type Descriptor[E any] struct {
	Data []E
}

// Config configures an ArrayStore instantiation.
type Config struct {
	// MaxSmallArraySize is the inclusive upper bound on array lengths
	// held in size-classed buffers. 0 means every non-empty array goes to
	// the large class.
	MaxSmallArraySize int
	// OffsetBits is the width of the offset field in a packed ref; the
	// remaining 32-OffsetBits bits address the buffer id.
	OffsetBits int
	// AlignBits widens the addressable offset range by assuming the low
	// AlignBits bits of every true offset are zero.
	AlignBits int
	// MinClusters and MaxClusters bound buffer capacity, in clusters, for
	// every size class.
	MinClusters uint32
	MaxClusters uint32
	// ClusterDivisor is N in "a cluster is ceil(2^OffsetBits / N) units".
	ClusterDivisor uint32
	// Growth is the geometric growth factor applied to a size class's
	// previous buffer capacity when it is exhausted.
	Growth float64
	// MemoryAcquirer, if set, is consulted before every buffer allocation
	// and credited back on buffer release, letting a resource.Controller
	// cap this store's off-heap footprint alongside other subsystems.
	MemoryAcquirer MemoryAcquirer
}

func defaultConfig() Config {
	return Config{
		MaxSmallArraySize: 32,
		OffsetBits:        24,
		AlignBits:         0,
		MinClusters:       1,
		MaxClusters:       64,
		ClusterDivisor:    64,
		Growth:            2.0,
	}
}

// Option configures an ArrayStore at construction time.
type Option func(*Config)

// WithMaxSmallArraySize sets the inclusive upper bound on array lengths
// held in size-classed buffers.
func WithMaxSmallArraySize(n int) Option { return func(c *Config) { c.MaxSmallArraySize = n } }

// WithOffsetBits sets the width of the offset field in a packed ref.
func WithOffsetBits(n int) Option { return func(c *Config) { c.OffsetBits = n } }

// WithAlignBits sets the alignment width that widens the addressable
// offset range.
func WithAlignBits(n int) Option { return func(c *Config) { c.AlignBits = n } }

// WithClusterBounds sets the min/max buffer capacity, in clusters.
func WithClusterBounds(min, max uint32) Option {
	return func(c *Config) { c.MinClusters, c.MaxClusters = min, max }
}

// WithClusterDivisor sets N in "a cluster is ceil(2^OffsetBits / N) units".
func WithClusterDivisor(n uint32) Option { return func(c *Config) { c.ClusterDivisor = n } }

// WithGrowth sets the geometric growth factor applied on buffer swap.
func WithGrowth(g float64) Option { return func(c *Config) { c.Growth = g } }

// WithMemoryAcquirer attaches a shared memory budget, typically a
// *resource.Controller, that every buffer allocation in this store must
// clear before it is granted.
func WithMemoryAcquirer(m MemoryAcquirer) Option {
	return func(c *Config) { c.MemoryAcquirer = m }
}

// ArrayStore is the public facade over a size-classed, generation-
// reclaimed collection of variable-length arrays of element type E. It
// dispatches between per-exact-length small classes and a single
// heap-owned large-array fallback class.
type ArrayStore[E any] struct {
	codec *refcodec.Codec
	ds    *datastore.DataStoreBase

	smallTypes []*BufferType[E] // index s holds the type for array length s; index 0 unused
	largeType  *BufferType[Descriptor[E]]

	maxSmall int
	elemSize int
}

// New creates an ArrayStore for element type E.
func New[E any](opts ...Option) (*ArrayStore[E], error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	if cfg.MaxSmallArraySize < 0 {
		return nil, fmt.Errorf("arraystore: MaxSmallArraySize must be >= 0")
	}

	codec, err := refcodec.New(cfg.OffsetBits, cfg.AlignBits)
	if err != nil {
		return nil, err
	}

	var zeroE E
	elemSize := int(unsafe.Sizeof(zeroE))
	clusterUnit := clusterUnitSlots(cfg.OffsetBits, cfg.ClusterDivisor)

	s := &ArrayStore[E]{
		codec:      codec,
		ds:         datastore.New(codec.MaxBufferIDs()),
		smallTypes: make([]*BufferType[E], cfg.MaxSmallArraySize+1),
		maxSmall:   cfg.MaxSmallArraySize,
		elemSize:   elemSize,
	}

	// Register the large class first so it lands on type id 0, per §3:
	// "type_id = 0 reserved for the large-array class."
	largeType := &BufferType[Descriptor[E]]{
		arraySize:    1,
		clusterUnit:  clusterUnit,
		minClusters:  cfg.MinClusters,
		maxClusters:  cfg.MaxClusters,
		offsetBits:   uint32(cfg.OffsetBits),
		growth:       cfg.Growth,
		acquirer:     cfg.MemoryAcquirer,
		mmapEligible: false, // Descriptor[E].Data is always a live Go slice; must stay GC-visible regardless of E
		cleanHold: func(slots []Descriptor[E]) int64 {
			var released int64
			for i := range slots {
				released += int64(len(slots[i].Data)) * int64(elemSize)
				slots[i].Data = nil
			}
			return released
		},
	}
	largeTID := s.ds.AddType(largeType)
	if largeTID != largeTypeID {
		return nil, fmt.Errorf("arraystore: internal error: large class got type id %d, want %d", largeTID, largeTypeID)
	}
	largeType.typeID = largeTID
	s.largeType = largeType

	// A small class's slots are [E; size]; it may only use mmap-backed
	// storage if E itself holds no Go pointers, checked once up front
	// rather than assumed, since ArrayStore[E] places no such constraint
	// on E.
	smallMmapEligible := pointerFreeType[E]()

	// type_id == array_size must hold for every small class, per §3 and
	// the open question in §9: kept because it simplifies the reverse
	// mapping from a decoded ref back to its array length.
	for size := 1; size <= cfg.MaxSmallArraySize; size++ {
		st := &BufferType[E]{
			arraySize:    uint32(size),
			clusterUnit:  clusterUnit,
			minClusters:  cfg.MinClusters,
			maxClusters:  cfg.MaxClusters,
			offsetBits:   uint32(cfg.OffsetBits),
			growth:       cfg.Growth,
			acquirer:     cfg.MemoryAcquirer,
			mmapEligible: smallMmapEligible,
		}
		typeID := s.ds.AddType(st)
		if typeID != uint32(size) {
			return nil, fmt.Errorf("arraystore: internal error: size class %d got type id %d", size, typeID)
		}
		st.typeID = typeID
		s.smallTypes[size] = st
	}

	if err := s.ds.InitActiveBuffers(); err != nil {
		return nil, err
	}

	return s, nil
}

// Add stores a copy of slice and returns an opaque reference to it. An
// empty slice is not stored and returns the invalid ref.
func (s *ArrayStore[E]) Add(slice []E) (refcodec.Ref, error) {
	n := len(slice)
	if n == 0 {
		return refcodec.Invalid(), nil
	}
	if n <= s.maxSmall {
		return s.addSmall(slice)
	}
	return s.addLarge(slice)
}

func (s *ArrayStore[E]) addSmall(slice []E) (refcodec.Ref, error) {
	n := uint32(len(slice))
	typeID := n // type_id == array_size invariant

	bufferID, handle, err := s.ds.EnsureBufferCapacity(typeID, n)
	if err != nil {
		return refcodec.Invalid(), err
	}

	buf := handle.(*Buffer[E])
	base, err := buf.Append(n)
	if err != nil {
		return refcodec.Invalid(), err
	}

	copy(buf.Slots(base, n), slice)

	ref, err := s.codec.Encode(bufferID, base/n)
	if err != nil {
		return refcodec.Invalid(), err
	}

	return ref, nil
}

func (s *ArrayStore[E]) addLarge(slice []E) (refcodec.Ref, error) {
	bufferID, handle, err := s.ds.EnsureBufferCapacity(largeTypeID, 1)
	if err != nil {
		return refcodec.Invalid(), err
	}

	buf := handle.(*Buffer[Descriptor[E]])
	base, err := buf.Append(1)
	if err != nil {
		return refcodec.Invalid(), err
	}

	payload := make([]E, len(slice))
	copy(payload, slice)
	buf.Slots(base, 1)[0] = Descriptor[E]{Data: payload}
	buf.AddExtraBytes(int64(len(slice)) * int64(s.elemSize))

	ref, err := s.codec.Encode(bufferID, base)
	if err != nil {
		return refcodec.Invalid(), err
	}

	return ref, nil
}

// Get returns a borrowed view of the array ref points to, or nil if ref is
// invalid or unknown. The returned slice aliases store-owned memory and is
// valid only until a generation trim that could reclaim the owning buffer;
// see datastore.DataStoreBase for the reader-side protocol.
func (s *ArrayStore[E]) Get(ref refcodec.Ref) []E {
	if !refcodec.Valid(ref) {
		return nil
	}

	bufferID, offset := s.codec.Decode(ref)
	handle, err := s.ds.Buffer(bufferID)
	if err != nil {
		return nil
	}

	if handle.TypeID() == largeTypeID {
		buf := handle.(*Buffer[Descriptor[E]])
		if offset >= buf.Capacity() {
			return nil
		}
		return buf.Slots(offset, 1)[0].Data
	}

	buf := handle.(*Buffer[E])
	arraySize := handle.TypeID()
	base := offset * arraySize
	if base+arraySize > buf.Capacity() {
		return nil
	}
	return buf.Slots(base, arraySize)
}

// Remove logically deletes the array ref points to. An invalid ref is a
// no-op. Remove never touches slot memory; it only enqueues a
// reclamation obligation the host clears via the generation protocol.
func (s *ArrayStore[E]) Remove(ref refcodec.Ref) error {
	if !refcodec.Valid(ref) {
		return nil
	}

	bufferID, offset := s.codec.Decode(ref)
	handle, err := s.ds.Buffer(bufferID)
	if err != nil {
		return nil // stale/unknown ref: treated as a no-op, not an error
	}

	if handle.TypeID() == largeTypeID {
		return s.ds.HoldElement(bufferID, offset, 1)
	}

	arraySize := handle.TypeID()
	return s.ds.HoldElement(bufferID, offset*arraySize, arraySize)
}

// TransferHoldLists stamps every unassigned hold entry with gen and
// advances the store's generation counter past it. The host calls this
// after each batch of Add/Remove/Compact calls, per the generation
// protocol in §5.
func (s *ArrayStore[E]) TransferHoldLists(gen uint64) {
	s.ds.TransferHoldLists(gen)
}

// TrimHoldLists reclaims every hold entry stamped with a generation at or
// below usedGen and returns how many were reclaimed.
func (s *ArrayStore[E]) TrimHoldLists(usedGen uint64) int {
	return s.ds.TrimHoldLists(usedGen)
}

// ClearHoldLists forces every pending hold entry to be reclaimed
// regardless of generation. Intended for shutdown only.
func (s *ArrayStore[E]) ClearHoldLists() int {
	return s.ds.ClearHoldLists()
}

// Generation returns the store's current generation G.
func (s *ArrayStore[E]) Generation() uint64 {
	return s.ds.Generation()
}

// TypeID returns the type id (size class) of the buffer ref points into,
// or ok=false if ref is invalid or unknown. Small classes report their
// exact array length; the large class reports 0.
func (s *ArrayStore[E]) TypeID(ref refcodec.Ref) (typeID uint32, ok bool) {
	if !refcodec.Valid(ref) {
		return 0, false
	}
	bufferID, _ := s.codec.Decode(ref)
	handle, err := s.ds.Buffer(bufferID)
	if err != nil {
		return 0, false
	}
	return handle.TypeID(), true
}

// AddressSpaceUsage reports (used, total) buffer id slots, for observing
// pressure on the buffer-id field width.
func (s *ArrayStore[E]) AddressSpaceUsage() (used, total uint32) {
	return s.ds.AddressSpaceUsage()
}

// Close releases every buffer's off-heap resources. The store must not be
// used afterward.
func (s *ArrayStore[E]) Close() error {
	return s.ds.Close()
}
