package arraystore

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/hupe1980/vecgo/internal/datastore"
	"github.com/hupe1980/vecgo/internal/mmap"
)

// MmapThresholdBytes is the buffer size, in bytes, at or above which a new
// buffer is backed by an anonymous mmap region instead of the Go heap,
// mirroring the size-tiered chunking arena.Arena uses for HNSW graph
// memory. This only applies when the caller also passes mmapEligible,
// which ArrayStore derives from an actual pointerFreeType[E] check (see
// pointerfree.go), not a class-based guess: the large class's
// Descriptor[E] always holds a live Go slice and is never eligible, and a
// small class is only eligible when E itself contains no Go pointers
// anywhere in its representation, since the garbage collector does not
// scan off-heap mmap regions for roots.
const MmapThresholdBytes = 1 << 20 // 1MiB

// Buffer is a fixed-capacity contiguous slab of one size class. It is not
// safe for concurrent Append calls: the store guarantees a single writer
// holds the type's active buffer at any time. Used/Dead/ExtraBytes/State
// reads are lock-free and may run concurrently with that writer; callers
// must treat the values as eventually consistent estimates, per §5 of the
// design this implements.
type Buffer[T any] struct {
	typeID     uint32
	capacity   uint32
	used       atomic.Uint32
	dead       atomic.Uint32
	extraBytes atomic.Int64
	state      atomic.Int32
	createdGen atomic.Uint64

	data      []T
	mapping   *mmap.Mapping
	cleanHold func([]T) int64
	acquirer  MemoryAcquirer
	acquired  int64
}

func newBuffer[T any](typeID, capacity uint32, mmapEligible bool, cleanHold func([]T) int64, acquirer MemoryAcquirer) (*Buffer[T], error) {
	b := &Buffer[T]{
		typeID:    typeID,
		capacity:  capacity,
		cleanHold: cleanHold,
		acquirer:  acquirer,
	}

	var zero T
	elemSize := int(unsafe.Sizeof(zero))
	totalBytes := elemSize * int(capacity)
	b.acquired = int64(totalBytes)

	if mmapEligible && elemSize > 0 && totalBytes >= MmapThresholdBytes {
		m, err := mmap.MapAnon(totalBytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrAllocationFailed, err)
		}
		b.mapping = m
		//nolint:gosec // anonymous mapping is always at least totalBytes long
		b.data = unsafe.Slice((*T)(unsafe.Pointer(&m.Bytes()[0])), int(capacity))
	} else {
		b.data = make([]T, capacity)
	}

	return b, nil
}

// Append reserves n contiguous elements at the end of the buffer's used
// region and returns their starting offset, in element units. The caller
// (via DataStoreBase.EnsureBufferCapacity) is responsible for ensuring
// used+n <= capacity before calling; violating that is a contract
// violation, not a recoverable error, per §7 of the design.
func (b *Buffer[T]) Append(n uint32) (uint32, error) {
	used := b.used.Load()
	if used+n > b.capacity {
		return 0, fmt.Errorf("arraystore: append overflow: used=%d n=%d capacity=%d", used, n, b.capacity)
	}
	b.used.Store(used + n)
	return used, nil
}

// Slots returns a typed view of the n elements starting at offset. It
// performs no bounds checking beyond a slice re-slice panic; callers must
// have validated offset+n <= capacity (true by construction for any
// offset that came from a ref this buffer encoded).
func (b *Buffer[T]) Slots(offset, n uint32) []T {
	return b.data[offset : offset+n : offset+n]
}

// TypeID implements datastore.BufferHandle.
func (b *Buffer[T]) TypeID() uint32 { return b.typeID }

// Capacity implements datastore.BufferHandle.
func (b *Buffer[T]) Capacity() uint32 { return b.capacity }

// Used implements datastore.BufferHandle.
func (b *Buffer[T]) Used() uint32 { return b.used.Load() }

// Dead implements datastore.BufferHandle.
func (b *Buffer[T]) Dead() uint32 { return b.dead.Load() }

// ExtraBytes implements datastore.BufferHandle.
func (b *Buffer[T]) ExtraBytes() int64 { return b.extraBytes.Load() }

// CreatedGeneration implements datastore.BufferHandle.
func (b *Buffer[T]) CreatedGeneration() uint64 { return b.createdGen.Load() }

// State implements datastore.BufferHandle.
func (b *Buffer[T]) State() datastore.BufferState {
	return datastore.BufferState(b.state.Load())
}

// Activate implements datastore.BufferHandle.
func (b *Buffer[T]) Activate(gen uint64) {
	b.createdGen.Store(gen)
	b.state.Store(int32(datastore.StateActive))
}

// TransitionToHold implements datastore.BufferHandle.
func (b *Buffer[T]) TransitionToHold(gen uint64) {
	b.state.Store(int32(datastore.StateHold))
}

// TransitionToFree implements datastore.BufferHandle.
func (b *Buffer[T]) TransitionToFree() {
	b.used.Store(0)
	b.dead.Store(0)
	b.extraBytes.Store(0)
	b.state.Store(int32(datastore.StateFree))
}

// MarkDead implements datastore.BufferHandle.
func (b *Buffer[T]) MarkDead(n uint32) { b.dead.Add(n) }

// AddExtraBytes attributes n externally-owned bytes (a large array's heap
// payload) to this buffer's size accounting.
func (b *Buffer[T]) AddExtraBytes(n int64) { b.extraBytes.Add(n) }

// CleanHoldSlot implements datastore.BufferHandle: it invokes the type's
// clean-hold callback over the n slots starting at offset, writes the
// empty sentinel into each, and credits the released extra bytes back out
// of the buffer's running total.
func (b *Buffer[T]) CleanHoldSlot(offset, n uint32) int64 {
	if offset >= b.capacity {
		return 0
	}
	if offset+n > b.capacity {
		n = b.capacity - offset
	}

	slots := b.data[offset : offset+n]

	var released int64
	if b.cleanHold != nil {
		released = b.cleanHold(slots)
	}

	var zero T
	for i := range slots {
		slots[i] = zero
	}

	if released != 0 {
		b.extraBytes.Add(-released)
	}

	return released
}

// Close implements datastore.BufferHandle: it unmaps the buffer's
// off-heap region, if any, and credits its reserved bytes back to the
// memory acquirer that granted them.
func (b *Buffer[T]) Close() error {
	if b.acquirer != nil {
		b.acquirer.ReleaseMemory(b.acquired)
	}
	if b.mapping != nil {
		return b.mapping.Close()
	}
	return nil
}
