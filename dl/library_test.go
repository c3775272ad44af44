package dl

import (
	"errors"
	"testing"
)

func TestAccessorsAfterClose(t *testing.T) {
	r := newTestRegistry(t, newFakeBackend())
	lib, err := r.Load("libfake.so")
	if err != nil {
		t.Fatal(err)
	}
	if err := lib.Close(); err != nil {
		t.Fatal(err)
	}

	if _, err := Var[int32](lib, "fake_answer"); !errors.Is(err, ErrClosed) {
		t.Errorf("Var: expected ErrClosed, got %v", err)
	}
	if _, err := lib.CString("fake_greeting"); !errors.Is(err, ErrClosed) {
		t.Errorf("CString: expected ErrClosed, got %v", err)
	}
	var fn func() int32
	if err := lib.Func("fake_add", &fn); !errors.Is(err, ErrClosed) {
		t.Errorf("Func: expected ErrClosed, got %v", err)
	}
}

func TestFuncRejectsInvalidDestination(t *testing.T) {
	r := newTestRegistry(t, newFakeBackend())
	lib, err := r.Load("libfake.so")
	if err != nil {
		t.Fatal(err)
	}
	defer lib.Close()

	var notFunc int
	var nilFuncPtr *func()
	tests := []struct {
		name string
		dst  any
	}{
		{name: "nil", dst: nil},
		{name: "non-pointer func", dst: func() {}},
		{name: "pointer to int", dst: &notFunc},
		{name: "nil func pointer", dst: nilFuncPtr},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if err := lib.Func("fake_add", tc.dst); !errors.Is(err, ErrInvalidFunc) {
				t.Fatalf("expected ErrInvalidFunc, got %v", err)
			}
		})
	}
}

func TestFuncMissingSymbol(t *testing.T) {
	r := newTestRegistry(t, newFakeBackend())
	lib, err := r.Load("libfake.so")
	if err != nil {
		t.Fatal(err)
	}
	defer lib.Close()

	var fn func() int32
	err = lib.Func("missing_fn", &fn)
	var notFound *SymbolNotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected *SymbolNotFoundError, got %v", err)
	}
	if fn != nil {
		t.Fatal("destination must stay nil when lookup fails")
	}
}

func TestCStringBytesTerminated(t *testing.T) {
	buf, _ := CStringBytes("abc")
	if len(buf) != 4 || buf[3] != 0 {
		t.Fatalf("expected NUL-terminated buffer, got %v", buf)
	}
}
