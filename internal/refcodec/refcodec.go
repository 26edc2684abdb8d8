package refcodec

import (
	"errors"
	"fmt"

	"github.com/hupe1980/vecgo/internal/conv"
)

// ErrAddressSpaceExhausted is returned by Encode when either field of the
// packed reference would overflow its configured bit width.
var ErrAddressSpaceExhausted = errors.New("refcodec: address space exhausted")

// ErrMisaligned is returned by Encode when the offset is not a multiple of
// the codec's alignment granularity.
var ErrMisaligned = errors.New("refcodec: offset is not aligned")

// Ref is an opaque packed (buffer id, offset) handle. The zero value is the
// sentinel "invalid" reference; no live allocation ever encodes to it.
type Ref uint32

// Invalid returns the sentinel reference that decodes to no buffer.
func Invalid() Ref { return Ref(0) }

// Valid reports whether ref is anything other than the invalid sentinel.
func Valid(ref Ref) bool { return ref != 0 }

// Codec packs and unpacks Refs for one fixed bit layout. The low
// OffsetBits bits of the packed value hold the offset field; the remaining
// high bits hold the buffer id. AlignBits low bits of the true offset are
// assumed to always be zero, which widens the addressable offset range by
// 2^AlignBits at the cost of only addressing multiples of 2^AlignBits.
type Codec struct {
	offsetBits   uint
	alignBits    uint
	bufferIDBits uint

	offsetFieldMask uint32
	alignMask       uint32
}

// New creates a Codec with the given field widths. offsetBits must be
// strictly between 0 and 32 (some bits must remain for the buffer id
// field), and offsetBits+alignBits must not exceed 32.
func New(offsetBits, alignBits int) (*Codec, error) {
	ob, err := conv.IntToUint32(offsetBits)
	if err != nil {
		return nil, fmt.Errorf("refcodec: offsetBits: %w", err)
	}

	ab, err := conv.IntToUint32(alignBits)
	if err != nil {
		return nil, fmt.Errorf("refcodec: alignBits: %w", err)
	}

	if ob == 0 || ob >= 32 {
		return nil, fmt.Errorf("refcodec: offsetBits must be in (0, 32), got %d", offsetBits)
	}

	if ob+ab > 32 {
		return nil, fmt.Errorf("refcodec: offsetBits+alignBits must be <= 32, got %d", ob+ab)
	}

	c := &Codec{
		offsetBits:   uint(ob),
		alignBits:    uint(ab),
		bufferIDBits: uint(32 - ob),
	}
	c.offsetFieldMask = uint32(1)<<c.offsetBits - 1
	if c.alignBits > 0 {
		c.alignMask = uint32(1)<<c.alignBits - 1
	}

	return c, nil
}

// OffsetBits returns the configured width of the offset field.
func (c *Codec) OffsetBits() int { return int(c.offsetBits) }

// AlignBits returns the configured alignment width.
func (c *Codec) AlignBits() int { return int(c.alignBits) }

// MaxBufferIDs returns the exclusive upper bound on buffer_id: the number
// of distinct buffer ids this codec can address, including the reserved
// sentinel id 0.
func (c *Codec) MaxBufferIDs() uint32 {
	return uint32(1) << c.bufferIDBits
}

// MaxOffset returns the exclusive upper bound on the true (unshifted)
// offset this codec can address.
func (c *Codec) MaxOffset() uint32 {
	return (uint32(1) << c.offsetBits) << c.alignBits
}

// Encode packs bufferID and offset into a Ref. offset must be a multiple of
// 2^AlignBits. It fails with ErrAddressSpaceExhausted if either field
// exceeds its configured width.
func (c *Codec) Encode(bufferID, offset uint32) (Ref, error) {
	if offset&c.alignMask != 0 {
		return 0, fmt.Errorf("%w: offset %d is not a multiple of %d", ErrMisaligned, offset, uint32(1)<<c.alignBits)
	}

	field := offset >> c.alignBits
	if field > c.offsetFieldMask {
		return 0, fmt.Errorf("%w: offset %d exceeds field width", ErrAddressSpaceExhausted, offset)
	}

	if bufferID >= c.MaxBufferIDs() {
		return 0, fmt.Errorf("%w: buffer id %d exceeds field width", ErrAddressSpaceExhausted, bufferID)
	}

	ref := Ref(bufferID)<<c.offsetBits | Ref(field)
	if ref == 0 {
		// bufferID 0 is reserved for the sentinel; callers must never
		// register a real buffer at id 0.
		return 0, fmt.Errorf("%w: encoding collides with the invalid sentinel", ErrAddressSpaceExhausted)
	}

	return ref, nil
}

// Decode unpacks ref into its buffer id and true (unshifted) offset. It is
// constant time and performs no validation beyond the bit masks baked into
// the codec.
func (c *Codec) Decode(ref Ref) (bufferID, offset uint32) {
	raw := uint32(ref)
	bufferID = raw >> c.offsetBits
	field := raw & c.offsetFieldMask
	offset = field << c.alignBits
	return bufferID, offset
}
