// Package mmap provides anonymous, off-heap memory mappings.
//
// # Overview
//
// MapAnon reserves a block of memory outside the Go heap, invisible to the
// garbage collector. It backs arraystore's large buffers of pointer-free
// element types, which hold packed arrays without contributing to GC scan
// time.
//
// # Usage
//
//	m, err := mmap.MapAnon(1 << 20)
//	if err != nil { ... }
//	defer m.Close()
//
//	data := m.Bytes()
//
//	region, _ := m.Region(offset, size)
//
//	m.Advise(mmap.AccessSequential)
//
// # Platform Support
//
//   - Unix (Linux, macOS, BSD): mmap(2) with MAP_ANON, madvise(2) for hints
//   - Windows: VirtualAlloc with MEM_RESERVE|MEM_COMMIT (madvise is a no-op)
//
// # Thread Safety
//
// Mapping and Region are safe for concurrent read access. Close is
// idempotent and protected by an atomic flag. Callers must ensure no
// goroutine accesses Bytes() after Close() returns.
package mmap
