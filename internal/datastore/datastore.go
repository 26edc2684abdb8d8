package datastore

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// ErrAddressSpaceExhausted is returned when a new buffer cannot be
// allocated because every buffer id slot is taken, or the buffer id would
// overflow the configured offset/buffer-id bit split.
var ErrAddressSpaceExhausted = errors.New("datastore: address space exhausted")

// ErrUnknownType is returned for an unregistered type id.
var ErrUnknownType = errors.New("datastore: unknown type id")

// ErrUnknownBuffer is returned for a buffer id that was never registered
// (or is the reserved sentinel id 0).
var ErrUnknownBuffer = errors.New("datastore: unknown buffer id")

// BufferState describes where a buffer sits in its lifecycle.
type BufferState int32

const (
	// StateFree buffers hold no live data. A buffer that returns to Free
	// is not reassigned to a later allocation.
	StateFree BufferState = iota
	// StateActive buffers are the current append target for their type.
	StateActive
	// StateHold buffers are frozen (no further appends) and awaiting
	// reclamation once the generation protocol clears outstanding readers.
	StateHold
)

func (s BufferState) String() string {
	switch s {
	case StateFree:
		return "free"
	case StateActive:
		return "active"
	case StateHold:
		return "hold"
	default:
		return "unknown"
	}
}

// BufferHandle is the type-erased view DataStoreBase needs of a buffer,
// regardless of the concrete element type it stores. Implementations are
// expected to be safe for concurrent Used/Dead/ExtraBytes/State reads
// racing with a single writer's Append/MarkDead/TransitionTo* calls.
type BufferHandle interface {
	TypeID() uint32
	State() BufferState
	Capacity() uint32
	Used() uint32
	Dead() uint32
	ExtraBytes() int64
	CreatedGeneration() uint64

	// Activate promotes a Free buffer to Active, recording gen as its
	// creation generation for the compaction age heuristic.
	Activate(gen uint64)
	// TransitionToHold freezes the buffer. gen is the generation current
	// at the transition.
	TransitionToHold(gen uint64)
	// TransitionToFree resets accounting and returns the buffer to Free.
	TransitionToFree()
	// MarkDead records n elements as logically removed without touching
	// slot memory.
	MarkDead(n uint32)
	// CleanHoldSlot destructively reclaims the n slots starting at offset
	// (writing the type's empty sentinel) and returns the extra bytes
	// that should be credited back to the buffer's accounting.
	CleanHoldSlot(offset, n uint32) int64
	// Close releases any off-heap resources backing the buffer.
	Close() error
}

// TypeHandle is the type-erased per-size-class policy DataStoreBase needs
// to grow a class's active buffer.
type TypeHandle interface {
	TypeID() uint32
	// NewBuffer allocates a replacement buffer for this type, sized by the
	// type's own growth policy. prevCapacity is the capacity (in element
	// units) of the buffer being replaced, or 0 for the first allocation.
	NewBuffer(prevCapacity uint32) (BufferHandle, error)
}

// HoldEntry is a reclamation obligation: either a span of elements within
// a buffer (from a remove) or an entire buffer (from a capacity swap or a
// finished compaction).
type HoldEntry struct {
	BufferID    uint32
	Offset      uint32
	Elements    uint32
	WholeBuffer bool
}

// DataStoreBase is the registry of size-class types, the grow-only table
// of buffers they allocate, the active-buffer-per-type pointers, and the
// generation-tracked hold list that governs reclamation.
//
// DataStoreBase serializes type registration, buffer allocation and
// whole-buffer holds behind mu, matching the "one writer" model §5
// assumes; element holds, transfers and trims are serialized by the
// GenerationTracker's own lock instead. Buffer/TypeID/State lookups are lock-free so
// concurrent readers are never blocked by the writer.
type DataStoreBase struct {
	mu           sync.Mutex
	maxBufferIDs uint32

	buffers atomic.Pointer[[]BufferHandle] // index 0 is the reserved sentinel
	types   []TypeHandle
	active  []atomic.Uint32 // active buffer id per type id

	gen *GenerationTracker[HoldEntry]
}

// New creates a DataStoreBase whose buffer id field can address at most
// maxBufferIDs distinct ids (including the reserved sentinel at id 0),
// matching the ref codec's buffer-id field width.
func New(maxBufferIDs uint32) *DataStoreBase {
	ds := &DataStoreBase{
		maxBufferIDs: maxBufferIDs,
		gen:          NewGenerationTracker[HoldEntry](),
	}
	bufs := make([]BufferHandle, 1)
	ds.buffers.Store(&bufs)
	return ds
}

// Generation returns the current generation G.
func (ds *DataStoreBase) Generation() uint64 {
	return ds.gen.Current()
}

// AddType registers a new size class and returns its type id, assigned in
// registration order starting at 0.
func (ds *DataStoreBase) AddType(t TypeHandle) uint32 {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	typeID := uint32(len(ds.types))
	ds.types = append(ds.types, t)
	ds.active = append(ds.active, atomic.Uint32{})
	return typeID
}

// Type returns the registered TypeHandle for typeID.
func (ds *DataStoreBase) Type(typeID uint32) (TypeHandle, error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if int(typeID) >= len(ds.types) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, typeID)
	}
	return ds.types[typeID], nil
}

// InitActiveBuffers promotes one freshly allocated buffer per registered
// type to Active. Call once, after every type has been registered.
func (ds *DataStoreBase) InitActiveBuffers() error {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	for typeID, t := range ds.types {
		buf, err := t.NewBuffer(0)
		if err != nil {
			return err
		}

		id, err := ds.registerBufferLocked(buf)
		if err != nil {
			return err
		}

		buf.Activate(ds.gen.Current())
		ds.active[typeID].Store(id)
	}

	return nil
}

func (ds *DataStoreBase) registerBufferLocked(buf BufferHandle) (uint32, error) {
	bufs := *ds.buffers.Load()
	id := uint32(len(bufs))
	if id >= ds.maxBufferIDs {
		return 0, fmt.Errorf("%w: no buffer ids remain", ErrAddressSpaceExhausted)
	}

	next := make([]BufferHandle, len(bufs)+1)
	copy(next, bufs)
	next[id] = buf
	ds.buffers.Store(&next)

	return id, nil
}

// Buffer returns the registered buffer for bufferID. It is lock-free and
// may be called concurrently with any writer operation.
func (ds *DataStoreBase) Buffer(bufferID uint32) (BufferHandle, error) {
	bufs := *ds.buffers.Load()
	if bufferID == 0 || int(bufferID) >= len(bufs) || bufs[bufferID] == nil {
		return nil, fmt.Errorf("%w: %d", ErrUnknownBuffer, bufferID)
	}
	return bufs[bufferID], nil
}

// ActiveBuffer returns the current append target for typeID.
func (ds *DataStoreBase) ActiveBuffer(typeID uint32) (uint32, BufferHandle, error) {
	if int(typeID) >= len(ds.active) {
		return 0, nil, fmt.Errorf("%w: %d", ErrUnknownType, typeID)
	}
	id := ds.active[typeID].Load()
	buf, err := ds.Buffer(id)
	if err != nil {
		return 0, nil, err
	}
	return id, buf, nil
}

// EnsureBufferCapacity guarantees the active buffer for typeID can fit n
// more elements, swapping in a freshly allocated buffer (and holding the
// old one whole) if it cannot.
func (ds *DataStoreBase) EnsureBufferCapacity(typeID, n uint32) (uint32, BufferHandle, error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if int(typeID) >= len(ds.types) {
		return 0, nil, fmt.Errorf("%w: %d", ErrUnknownType, typeID)
	}

	id := ds.active[typeID].Load()
	buf, err := ds.Buffer(id)
	if err == nil && buf.Used()+n <= buf.Capacity() {
		return id, buf, nil
	}

	var prevCapacity uint32
	if buf != nil {
		prevCapacity = buf.Capacity()
		gen := ds.gen.Current()
		buf.TransitionToHold(gen)
		ds.gen.Hold(HoldEntry{BufferID: id, WholeBuffer: true})
	}

	newBuf, err := ds.types[typeID].NewBuffer(prevCapacity)
	if err != nil {
		return 0, nil, err
	}

	if newBuf.Capacity() < n {
		return 0, nil, fmt.Errorf("%w: new buffer capacity %d cannot fit %d elements", ErrAddressSpaceExhausted, newBuf.Capacity(), n)
	}

	newID, err := ds.registerBufferLocked(newBuf)
	if err != nil {
		return 0, nil, err
	}

	newBuf.Activate(ds.gen.Current())
	ds.active[typeID].Store(newID)

	return newID, newBuf, nil
}

// HoldElement records a span of n elements starting at offset in
// bufferID as logically removed: bumps the buffer's dead count
// immediately (for eventually-consistent stats) and enqueues the span on
// the hold list, stamped with the current generation at the next
// TransferHoldLists call.
func (ds *DataStoreBase) HoldElement(bufferID, offset, n uint32) error {
	buf, err := ds.Buffer(bufferID)
	if err != nil {
		return err
	}

	buf.MarkDead(n)
	ds.gen.Hold(HoldEntry{BufferID: bufferID, Offset: offset, Elements: n})

	return nil
}

// HoldBuffer transitions bufferID to Hold and enqueues a whole-buffer
// reclamation obligation. Used by the compaction handshake once its
// rewritten refs have all been published.
func (ds *DataStoreBase) HoldBuffer(bufferID uint32) error {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	buf, err := ds.Buffer(bufferID)
	if err != nil {
		return err
	}

	buf.TransitionToHold(ds.gen.Current())
	ds.gen.Hold(HoldEntry{BufferID: bufferID, WholeBuffer: true})

	return nil
}

// TransferHoldLists stamps every unassigned hold entry with gen and
// advances the generation counter past it.
func (ds *DataStoreBase) TransferHoldLists(gen uint64) {
	ds.gen.TransferHoldLists(gen)
}

// TrimHoldLists reclaims every hold entry whose stamped generation is <=
// usedGen, oldest first, invoking the owning buffer's clean-hold. A
// whole-buffer hold that becomes eligible transitions the buffer to Free.
// Returns the number of entries trimmed.
func (ds *DataStoreBase) TrimHoldLists(usedGen uint64) int {
	return ds.gen.TrimHoldLists(usedGen, ds.reclaim)
}

// ClearHoldLists forces every pending hold entry to be reclaimed
// regardless of generation. Intended for shutdown only.
func (ds *DataStoreBase) ClearHoldLists() int {
	return ds.gen.ClearHoldLists(ds.reclaim)
}

func (ds *DataStoreBase) reclaim(e HoldEntry) {
	buf, err := ds.Buffer(e.BufferID)
	if err != nil {
		return
	}

	if e.WholeBuffer {
		buf.CleanHoldSlot(0, buf.Used())
		buf.TransitionToFree()
		return
	}

	buf.CleanHoldSlot(e.Offset, e.Elements)
}

// SelectWorstBuffer returns the Active buffer id with the highest
// dead/(used+1) ratio among those satisfying both a minimum used-element
// count and a minimum age in generations, or ok=false if none qualify.
func (ds *DataStoreBase) SelectWorstBuffer(minUsed, minAgeGenerations uint32) (bufferID uint32, ok bool) {
	bufs := *ds.buffers.Load()
	currentGen := ds.gen.Current()

	bestScore := -1.0

	for id := uint32(1); id < uint32(len(bufs)); id++ {
		buf := bufs[id]
		if buf == nil || buf.State() != StateActive {
			continue
		}

		used := buf.Used()
		if used < minUsed {
			continue
		}

		age := currentGen - buf.CreatedGeneration()
		if age < uint64(minAgeGenerations) {
			continue
		}

		score := float64(buf.Dead()) / float64(used+1)
		if score > bestScore {
			bestScore = score
			bufferID = id
			ok = true
		}
	}

	return bufferID, ok
}

// AddressSpaceUsage reports (used, total) buffer id slots, where used
// counts buffers not currently Free and total is the address space's
// capacity, excluding the reserved sentinel id 0.
func (ds *DataStoreBase) AddressSpaceUsage() (used, total uint32) {
	bufs := *ds.buffers.Load()

	total = ds.maxBufferIDs
	if total > 0 {
		total--
	}

	for id := uint32(1); id < uint32(len(bufs)); id++ {
		if bufs[id] != nil && bufs[id].State() != StateFree {
			used++
		}
	}

	return used, total
}

// Close releases every registered buffer's off-heap resources. Call once,
// during shutdown.
func (ds *DataStoreBase) Close() error {
	ds.mu.Lock()
	bufs := *ds.buffers.Load()
	ds.mu.Unlock()

	var firstErr error
	for _, buf := range bufs {
		if buf == nil {
			continue
		}
		if err := buf.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}
