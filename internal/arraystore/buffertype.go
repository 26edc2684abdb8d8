package arraystore

import (
	"fmt"
	"unsafe"

	"github.com/hupe1980/vecgo/internal/datastore"
)

// BufferType is the per-size-class allocation policy: how many elements
// make up one "array slot" (arraySize; 1 for the large-array class, which
// addresses whole descriptor records instead of packed arrays), how
// buffer capacity grows, and how a reclaimed slot's contents are cleaned
// up.
//
// A cluster is clusterUnit array slots (arraySize elements each, for the
// small classes) or records (for the large class); minClusters/maxClusters bound buffer capacity in
// units of clusters, per §4.2 of the design.
type BufferType[T any] struct {
	typeID    uint32
	arraySize uint32

	clusterUnit uint32
	minClusters uint32
	maxClusters uint32
	offsetBits  uint32
	growth      float64

	mmapEligible bool
	cleanHold    func([]T) int64
	acquirer     MemoryAcquirer
}

// TypeID implements datastore.TypeHandle.
func (bt *BufferType[T]) TypeID() uint32 { return bt.typeID }

// ArraySize returns the fixed array length this type packs (1 for the
// large-array class).
func (bt *BufferType[T]) ArraySize() uint32 { return bt.arraySize }

// NewBuffer implements datastore.TypeHandle: it computes the next
// capacity via the type's geometric growth policy, clamped to
// [minClusters, maxClusters] and to the codec's addressable offset range,
// and allocates a Buffer of that capacity.
func (bt *BufferType[T]) NewBuffer(prevCapacity uint32) (datastore.BufferHandle, error) {
	capacity := bt.nextCapacity(prevCapacity)

	if bt.acquirer != nil {
		var zero T
		bytes := int64(unsafe.Sizeof(zero)) * int64(capacity)
		if err := bt.acquirer.AcquireMemory(bytes); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrAllocationFailed, err)
		}
	}

	buf, err := newBuffer[T](bt.typeID, capacity, bt.mmapEligible, bt.cleanHold, bt.acquirer)
	if err != nil {
		if bt.acquirer != nil {
			var zero T
			bt.acquirer.ReleaseMemory(int64(unsafe.Sizeof(zero)) * int64(capacity))
		}
		return nil, err
	}
	return buf, nil
}

// nextCapacity returns the next buffer capacity, in element units, given
// the capacity of the buffer being replaced (0 for the first allocation).
func (bt *BufferType[T]) nextCapacity(prevElements uint32) uint32 {
	minSlots := bt.minClusters * bt.clusterUnit
	maxSlots := bt.maxClusters * bt.clusterUnit

	// Clamp to the codec's addressable offset range so offset-in-slot-units
	// never overflows.
	maxAddressableSlots := uint32(1) << bt.offsetBits
	if maxSlots > maxAddressableSlots {
		maxSlots = maxAddressableSlots
	}
	if minSlots > maxSlots {
		minSlots = maxSlots
	}

	var slots uint32
	if prevElements == 0 {
		slots = minSlots
	} else {
		prevSlots := prevElements / bt.arraySize
		grown := uint32(float64(prevSlots) * bt.growth)
		slots = clampU32(grown, minSlots, maxSlots)
	}

	return slots * bt.arraySize
}

func clampU32(v, lo, hi uint32) uint32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// clusterUnitSlots returns ceil(2^offsetBits / divisor), the number of
// slot units one cluster spans, bounding allocation granularity per the
// design's glossary definition of "cluster".
func clusterUnitSlots(offsetBits int, divisor uint32) uint32 {
	if divisor == 0 {
		divisor = 1
	}
	total := uint64(1) << uint(offsetBits)
	unit := (total + uint64(divisor) - 1) / uint64(divisor)
	if unit == 0 {
		unit = 1
	}
	if unit > uint64(^uint32(0)) {
		unit = uint64(^uint32(0))
	}
	return uint32(unit)
}
