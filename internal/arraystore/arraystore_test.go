package arraystore_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/vecgo/internal/arraystore"
	"github.com/hupe1980/vecgo/internal/refcodec"
	"github.com/hupe1980/vecgo/internal/resource"
)

func newTestStore(t *testing.T) *arraystore.ArrayStore[uint32] {
	t.Helper()
	s, err := arraystore.New[uint32](
		arraystore.WithMaxSmallArraySize(4),
		arraystore.WithOffsetBits(16),
		arraystore.WithClusterBounds(1, 8),
		arraystore.WithClusterDivisor(64),
	)
	require.NoError(t, err)
	return s
}

func TestSmallRoundTrip(t *testing.T) {
	s := newTestStore(t)

	ref, err := s.Add([]uint32{7, 8, 9})
	require.NoError(t, err)

	got := s.Get(ref)
	assert.Equal(t, []uint32{7, 8, 9}, got)

	typeID, ok := s.TypeID(ref)
	require.True(t, ok)
	assert.Equal(t, uint32(3), typeID)
}

func TestLargeFallback(t *testing.T) {
	s := newTestStore(t)

	big := make([]uint32, 100)
	for i := range big {
		big[i] = uint32(i)
	}

	ref, err := s.Add(big)
	require.NoError(t, err)

	got := s.Get(ref)
	assert.Len(t, got, 100)
	assert.Equal(t, big, got)

	typeID, ok := s.TypeID(ref)
	require.True(t, ok)
	assert.Equal(t, uint32(0), typeID)
}

func TestEmptyArray(t *testing.T) {
	s := newTestStore(t)

	ref, err := s.Add(nil)
	require.NoError(t, err)
	assert.False(t, refcodec.Valid(ref))
	assert.Nil(t, s.Get(refcodec.Invalid()))
	assert.NoError(t, s.Remove(refcodec.Invalid()))
}

func TestSizeClassing(t *testing.T) {
	s := newTestStore(t)

	for n := 1; n <= 4; n++ {
		arr := make([]uint32, n)
		ref, err := s.Add(arr)
		require.NoError(t, err)

		typeID, ok := s.TypeID(ref)
		require.True(t, ok)
		assert.Equal(t, uint32(n), typeID)
	}

	ref, err := s.Add(make([]uint32, 5))
	require.NoError(t, err)

	typeID, ok := s.TypeID(ref)
	require.True(t, ok)
	assert.Equal(t, uint32(0), typeID)
}

func TestStabilityUnderReadsBeforeTrim(t *testing.T) {
	s := newTestStore(t)

	ref, err := s.Add([]uint32{1, 2})
	require.NoError(t, err)

	before := append([]uint32(nil), s.Get(ref)...)

	// A read before any generation advance must still see the original
	// values.
	assert.Equal(t, before, s.Get(ref))
}

func TestHoldThenTrimReclaimsRemovedArrays(t *testing.T) {
	s := newTestStore(t)

	refs := make([]refcodec.Ref, 0, 64)
	for i := 0; i < 64; i++ {
		ref, err := s.Add([]uint32{uint32(i), uint32(i + 1)})
		require.NoError(t, err)
		refs = append(refs, ref)
	}

	for _, ref := range refs {
		require.NoError(t, s.Remove(ref))
	}

	gen := s.Generation()
	s.TransferHoldLists(gen)
	trimmed := s.TrimHoldLists(gen)
	assert.Positive(t, trimmed)
}

func TestNoRefReuseDuringHold(t *testing.T) {
	s := newTestStore(t)

	ref, err := s.Add([]uint32{1, 1})
	require.NoError(t, err)
	require.NoError(t, s.Remove(ref))

	// Before trim runs, a fresh Add of the same size must never decode to
	// the same (bufferID, offset) as the removed ref.
	newRef, err := s.Add([]uint32{2, 2})
	require.NoError(t, err)

	assert.NotEqual(t, ref, newRef)
}

func TestAddressSpaceExhaustion(t *testing.T) {
	// A huge cluster divisor collapses each buffer to exactly one
	// element, so every Add after the first forces a new buffer; a 2-bit buffer-id
	// field (offsetBits=30) leaves only 3 usable buffer ids, exhausted
	// within a handful of swaps.
	s, err := arraystore.New[uint32](
		arraystore.WithMaxSmallArraySize(1),
		arraystore.WithOffsetBits(30),
		arraystore.WithClusterBounds(1, 1),
		arraystore.WithClusterDivisor(1<<31),
	)
	require.NoError(t, err)

	var lastErr error
	for i := 0; i < 64; i++ {
		_, err := s.Add([]uint32{uint32(i)})
		if err != nil {
			lastErr = err
			break
		}
	}
	require.Error(t, lastErr)
}

func TestCompactionRewritesRef(t *testing.T) {
	s := newTestStore(t)

	refs := make([]refcodec.Ref, 0, 64)
	for i := 0; i < 64; i++ {
		ref, err := s.Add([]uint32{uint32(i), uint32(i)})
		require.NoError(t, err)
		refs = append(refs, ref)
	}

	// Remove 90% so the buffer looks "worst".
	survivors := refs[:6]
	for _, ref := range refs[6:] {
		require.NoError(t, s.Remove(ref))
	}

	// Advance the generation so the buffer clears the compaction
	// heuristic's minimum-age filter.
	s.TransferHoldLists(s.Generation())

	ctx, err := s.CompactWorst()
	require.NoError(t, err)
	require.NotNil(t, ctx)

	targetBufferID := ctx.BufferID()

	before := make([][]uint32, len(survivors))
	for i, ref := range survivors {
		before[i] = append([]uint32(nil), s.Get(ref)...)
	}

	require.NoError(t, ctx.Compact(survivors))
	require.NoError(t, ctx.Finish())

	for i, ref := range survivors {
		bufferID, _, ok := decodeRef(s, ref)
		require.True(t, ok)
		assert.NotEqual(t, targetBufferID, bufferID)
		assert.Equal(t, before[i], s.Get(ref))
	}
}

func TestAddressSpaceUsageCountsNonFreeBuffers(t *testing.T) {
	s := newTestStore(t)
	used, total := s.AddressSpaceUsage()
	assert.Positive(t, used)
	assert.Positive(t, total)
	assert.LessOrEqual(t, used, total)
}

func TestMemoryAcquirerGatesAllocation(t *testing.T) {
	ctrl := resource.NewController(resource.Config{MemoryLimitBytes: 1})

	s, err := arraystore.New[uint32](
		arraystore.WithMaxSmallArraySize(4),
		arraystore.WithOffsetBits(16),
		arraystore.WithClusterBounds(1, 8),
		arraystore.WithClusterDivisor(64),
		arraystore.WithMemoryAcquirer(ctrl),
	)
	require.Error(t, err, "a 1-byte budget must reject the first buffer allocation")
	assert.Nil(t, s)
}

func TestMemoryAcquirerTracksUsage(t *testing.T) {
	ctrl := resource.NewController(resource.Config{})

	s, err := arraystore.New[uint32](
		arraystore.WithMaxSmallArraySize(4),
		arraystore.WithOffsetBits(16),
		arraystore.WithClusterBounds(1, 8),
		arraystore.WithClusterDivisor(64),
		arraystore.WithMemoryAcquirer(ctrl),
	)
	require.NoError(t, err)

	assert.Positive(t, ctrl.MemoryUsage())

	require.NoError(t, s.Close())
	assert.Zero(t, ctrl.MemoryUsage())
}

func TestMmapBackedBufferRoundTrip(t *testing.T) {
	s, err := arraystore.New[uint32](
		arraystore.WithMaxSmallArraySize(1),
		arraystore.WithOffsetBits(20),
		arraystore.WithClusterBounds(1, 1),
		arraystore.WithClusterDivisor(1),
	)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })

	// Size-1 buffers here get capacity 2^20 elements; at 4 bytes per
	// uint32 that's a 4MiB buffer, well past MmapThresholdBytes, so this
	// Add and Get round-trip through an mmap-backed Buffer rather than a
	// Go-heap slice.
	ref, err := s.Add([]uint32{42})
	require.NoError(t, err)

	assert.Equal(t, []uint32{42}, s.Get(ref))

	typeID, ok := s.TypeID(ref)
	require.True(t, ok)
	assert.Equal(t, uint32(1), typeID)
}

func TestMmapIneligibleForPointerContainingElement(t *testing.T) {
	type withSlice struct {
		Data []byte
	}

	// Same capacity-forcing config as TestMmapBackedBufferRoundTrip, but
	// for an element type that holds a Go pointer: pointerFreeType[E]
	// must report false, so New must still succeed by falling back to a
	// Go-heap buffer instead of mmap for this size class.
	s, err := arraystore.New[withSlice](
		arraystore.WithMaxSmallArraySize(1),
		arraystore.WithOffsetBits(20),
		arraystore.WithClusterBounds(1, 1),
		arraystore.WithClusterDivisor(1),
	)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })

	ref, err := s.Add([]withSlice{{Data: []byte("payload")}})
	require.NoError(t, err)

	got := s.Get(ref)
	require.Len(t, got, 1)
	assert.Equal(t, []byte("payload"), got[0].Data)
}

// decodeRef re-derives (bufferID, offset) for assertions that need the
// buffer id directly, using a codec configured identically to the store
// under test (ArrayStore intentionally doesn't expose its codec).
func decodeRef(s *arraystore.ArrayStore[uint32], ref refcodec.Ref) (bufferID, offset uint32, ok bool) {
	if !refcodec.Valid(ref) {
		return 0, 0, false
	}
	c, err := refcodec.New(16, 0)
	if err != nil {
		return 0, 0, false
	}
	bufferID, offset = c.Decode(ref)
	return bufferID, offset, true
}
