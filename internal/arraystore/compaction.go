package arraystore

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/hupe1980/vecgo/internal/refcodec"
)

// DefaultCompactMinUsed and DefaultCompactMinAge are the "reasonable
// defaults" §9 of the design names for the compaction-worst heuristic:
// only buffers that have accumulated some real usage, and have been
// active for at least one generation, are eligible, so a buffer that just
// became active is never picked out from under its own writer.
const (
	DefaultCompactMinUsed = 64
	DefaultCompactMinAge  = 1
)

// CompactionContext is a one-shot handle produced by CompactWorst that
// rewrites external references pointing into a chosen buffer, then marks
// that buffer for reclamation. The target buffer remains readable (state
// Active) for the lifetime of the context; it only transitions to Hold
// once Finish is called.
type CompactionContext[E any] struct {
	store    *ArrayStore[E]
	bufferID uint32
	done     bool
}

// CompactWorst selects the buffer with the highest dead/(used+1) ratio
// among buffers satisfying a minimum-used and minimum-age filter, and
// returns a context bound to it. It returns (nil, nil) if no buffer is
// currently eligible.
func (s *ArrayStore[E]) CompactWorst() (*CompactionContext[E], error) {
	bufferID, ok := s.ds.SelectWorstBuffer(DefaultCompactMinUsed, DefaultCompactMinAge)
	if !ok {
		return nil, nil
	}
	return &CompactionContext[E]{store: s, bufferID: bufferID}, nil
}

// BufferID returns the buffer id this context targets.
func (c *CompactionContext[E]) BufferID() uint32 { return c.bufferID }

// Compact rewrites every ref in refs that currently points into the
// target buffer: it copies the array into the store's active buffer for
// its class via Add, then publishes the new ref back into refs with a
// release-ordered atomic store. A concurrent reader pairing that with an
// acquire load observes either the old ref (the target buffer is not yet
// held, so it is still valid) or the new one — never a torn value.
//
// Compact may be called multiple times on the same context before Finish;
// each call only touches refs still pointing at the target buffer, so
// passing overlapping ref slices across calls is safe.
func (c *CompactionContext[E]) Compact(refs []refcodec.Ref) error {
	if c.done {
		return fmt.Errorf("arraystore: compaction context already finished")
	}

	for i := range refs {
		ref := loadRef(&refs[i])
		if !refcodec.Valid(ref) {
			continue
		}

		bufferID, _ := c.store.codec.Decode(ref)
		if bufferID != c.bufferID {
			continue
		}

		data := c.store.Get(ref)
		newRef, err := c.store.Add(data)
		if err != nil {
			return err
		}

		publishRef(&refs[i], newRef)
	}

	return nil
}

// Finish transitions the target buffer to Hold and enqueues it for
// reclamation once the generation protocol clears outstanding readers.
// After Finish returns, no caller should issue a fresh read through an
// old ref into this buffer; readers that already dereferenced one may
// keep using that memory safely until TrimHoldLists crosses the
// generation the hold was stamped with. Finish is idempotent.
func (c *CompactionContext[E]) Finish() error {
	if c.done {
		return nil
	}
	c.done = true
	return c.store.ds.HoldBuffer(c.bufferID)
}

func loadRef(slot *refcodec.Ref) refcodec.Ref {
	//nolint:gosec // refcodec.Ref is defined as uint32
	return refcodec.Ref(atomic.LoadUint32((*uint32)(unsafe.Pointer(slot))))
}

func publishRef(slot *refcodec.Ref, ref refcodec.Ref) {
	//nolint:gosec // refcodec.Ref is defined as uint32
	atomic.StoreUint32((*uint32)(unsafe.Pointer(slot)), uint32(ref))
}
