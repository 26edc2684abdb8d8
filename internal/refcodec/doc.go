// Package refcodec packs a (buffer id, offset) pair into a single opaque
// 32-bit reference and back.
//
// The codec is configured once per store instantiation with the bit widths
// of the two fields. Offsets are always counted in the caller's slot units
// (array-slots for small arrays, records for large arrays) rather than raw
// bytes, so the caller never needs to store an element size alongside the
// reference.
package refcodec
