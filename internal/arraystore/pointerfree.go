package arraystore

import "reflect"

// isPointerFree reports whether t's representation contains no Go
// pointers anywhere, recursing through struct fields and array elements.
// Pointer, slice, map, chan, func, interface, string, and unsafe.Pointer
// kinds are all treated as pointer-bearing, matching what the garbage
// collector actually scans for.
func isPointerFree(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64,
		reflect.Complex64, reflect.Complex128:
		return true
	case reflect.Array:
		return isPointerFree(t.Elem())
	case reflect.Struct:
		for i := 0; i < t.NumField(); i++ {
			if !isPointerFree(t.Field(i).Type) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// pointerFreeType reports whether T holds no Go pointers anywhere in its
// representation. This is the gate BufferType uses to decide whether a
// small class may ever back a buffer with anonymous mmap memory: the
// garbage collector does not scan off-heap regions for roots, so a T
// holding a live pointer (a slice, map, string, interface, or nested
// pointer field) would let the collector reclaim whatever it points to
// out from under the buffer. reflect.TypeOf((*T)(nil)).Elem() resolves T's
// static type without needing a value, so this works even when T is
// itself an interface type.
func pointerFreeType[T any]() bool {
	return isPointerFree(reflect.TypeOf((*T)(nil)).Elem())
}
