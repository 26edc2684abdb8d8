// Package arraystore implements an append-only, generationally-reclaimed
// store for variable-length arrays of a fixed element type.
//
// Arrays are packed into fixed-capacity Buffers, one size class per exact
// array length up to a configurable maximum, plus one fallback class for
// arrays too large to size-class. Each stored array is addressed by an
// opaque refcodec.Ref rather than a pointer, so the store is free to
// compact underused buffers and reclaim their memory without invalidating
// refs a caller may still be holding — as long as the caller follows the
// generation protocol documented on datastore.DataStoreBase.
//
// ArrayStore itself never blocks: Add may allocate a new buffer, Remove
// only enqueues a reclamation obligation, and Get is a lock-free,
// constant-time lookup safe to call from many goroutines concurrently
// with a single writer driving Add/Remove/Compact.
package arraystore
