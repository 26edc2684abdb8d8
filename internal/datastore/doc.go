// Package datastore implements the generation-tracked buffer registry
// shared by every size class of an array store: a grow-only table of
// buffers indexed by buffer id, one active buffer per registered type, and
// a hold list of reclamation obligations ordered by the generation in
// which they were enqueued.
//
// datastore knows nothing about the element type stored inside a buffer.
// Callers implement BufferHandle and TypeHandle for their concrete element
// type and hand them to DataStoreBase, which only ever touches buffers
// through those interfaces. This lets one registry back several size
// classes that store entirely different Go types (see internal/arraystore,
// which registers one small BufferType[E] per array length plus one large
// BufferType[Descriptor[E]]).
package datastore
