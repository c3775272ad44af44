package dl

import (
	"fmt"
	"sync"
	"time"
	"unsafe"
)

var (
	fakeAnswer      int32 = 42
	fakeGreeting          = []byte("hello from libfake\x00")
	fakeGreetingPtr       = uintptr(unsafe.Pointer(&fakeGreeting[0]))
)

// fakeBackend is an in-memory Backend. Libraries are described by the
// symbols they export; every Open allocates a fresh handle.
type fakeBackend struct {
	mu         sync.Mutex
	libraries  map[string]map[string]uintptr
	open       map[Handle]string
	next       Handle
	opens      map[string]int
	closes     map[string]int
	peak       int
	openDelay  time.Duration
	closeDelay time.Duration
	closeErr   error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		libraries: map[string]map[string]uintptr{
			"libfake.so": {
				"fake_add":      0x1000,
				"fake_answer":   uintptr(unsafe.Pointer(&fakeAnswer)),
				"fake_greeting": uintptr(unsafe.Pointer(&fakeGreetingPtr)),
			},
			"/opt/fake/lib/libother.so": {
				"other_fn": 0x2000,
			},
		},
		open:   make(map[Handle]string),
		next:   0x100,
		opens:  make(map[string]int),
		closes: make(map[string]int),
	}
}

func (b *fakeBackend) Open(path string) (Handle, error) {
	if b.openDelay > 0 {
		time.Sleep(b.openDelay)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.libraries[path]; !ok {
		return 0, fmt.Errorf("%s: cannot open shared object file: No such file or directory", path)
	}
	b.next++
	h := b.next
	b.open[h] = path
	b.opens[path]++
	if len(b.open) > b.peak {
		b.peak = len(b.open)
	}
	return h, nil
}

func (b *fakeBackend) Lookup(h Handle, name string) (uintptr, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	path, ok := b.open[h]
	if !ok {
		return 0, fmt.Errorf("invalid handle %#x", uintptr(h))
	}
	addr, ok := b.libraries[path][name]
	if !ok {
		return 0, fmt.Errorf("%s: undefined symbol: %s", path, name)
	}
	return addr, nil
}

func (b *fakeBackend) Close(h Handle) error {
	if b.closeDelay > 0 {
		time.Sleep(b.closeDelay)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	path, ok := b.open[h]
	if !ok {
		return fmt.Errorf("invalid handle %#x", uintptr(h))
	}
	delete(b.open, h)
	b.closes[path]++
	return b.closeErr
}

func (b *fakeBackend) counts(path string) (opens, closes int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.opens[path], b.closes[path]
}

func (b *fakeBackend) openHandles() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.open)
}

// peakOpen returns the largest number of handles open at the same time.
func (b *fakeBackend) peakOpen() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.peak
}
