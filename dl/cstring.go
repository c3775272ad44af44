package dl

import "unsafe"

// maxCStringLen bounds the scan for a NUL terminator so a corrupt pointer
// cannot walk memory forever.
const maxCStringLen = 1 << 20

// GoString copies the NUL-terminated C string at ptr into a Go string.
// Returns "" for a nil pointer.
func GoString(ptr uintptr) string {
	if ptr == 0 {
		return ""
	}

	p := unsafe.Pointer(ptr)
	n := 0
	for n < maxCStringLen && *(*byte)(unsafe.Add(p, n)) != 0 {
		n++
	}
	return string(unsafe.Slice((*byte)(p), n))
}

// CStringBytes returns s as a NUL-terminated byte slice and the address of
// its first byte.
//
// The caller must keep the returned slice alive for as long as native code
// may read the pointer:
//
//	buf, ptr := CStringBytes("libm.so.6")
//	n := strlen(ptr)
//	runtime.KeepAlive(buf)
func CStringBytes(s string) ([]byte, uintptr) {
	b := append([]byte(s), 0)
	return b, uintptr(unsafe.Pointer(&b[0]))
}
