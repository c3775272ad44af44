//go:build !race

package dl

// These tests dereference Go heap addresses passed as uintptr, which the
// race detector's pointer checks reject.

import (
	"runtime"
	"testing"
	"unsafe"
)

func TestVarReadsExportedValue(t *testing.T) {
	r := newTestRegistry(t, newFakeBackend())
	lib, err := r.Load("libfake.so")
	if err != nil {
		t.Fatal(err)
	}
	defer lib.Close()

	answer, err := Var[int32](lib, "fake_answer")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if *answer != 42 {
		t.Fatalf("expected 42, got %d", *answer)
	}

	if _, err := Var[int32](lib, "missing_var"); err == nil {
		t.Fatal("expected error for missing variable")
	}
}

func TestCStringVariable(t *testing.T) {
	r := newTestRegistry(t, newFakeBackend())
	lib, err := r.Load("libfake.so")
	if err != nil {
		t.Fatal(err)
	}
	defer lib.Close()

	got, err := lib.CString("fake_greeting")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "hello from libfake" {
		t.Fatalf("unexpected greeting %q", got)
	}
}

func TestGoString(t *testing.T) {
	if got := GoString(0); got != "" {
		t.Fatalf("expected empty string for nil pointer, got %q", got)
	}

	tests := []string{"", "a", "libm.so.6", "multi word value"}
	for _, s := range tests {
		buf, ptr := CStringBytes(s)
		got := GoString(ptr)
		runtime.KeepAlive(buf)
		if got != s {
			t.Errorf("GoString(CStringBytes(%q)) = %q", s, got)
		}
	}
}

func TestGoStringStopsAtFirstNUL(t *testing.T) {
	buf := []byte("abc\x00def\x00")
	got := GoString(uintptr(unsafe.Pointer(&buf[0])))
	runtime.KeepAlive(buf)
	if got != "abc" {
		t.Fatalf("expected %q, got %q", "abc", got)
	}
}
