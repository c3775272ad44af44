//go:build !windows

package dl

import (
	"fmt"

	"github.com/ebitengine/purego"
)

// Mode holds the dlopen flags used by the system backend.
type Mode int

const (
	ModeLazy   Mode = purego.RTLD_LAZY
	ModeNow    Mode = purego.RTLD_NOW
	ModeGlobal Mode = purego.RTLD_GLOBAL
	ModeLocal  Mode = purego.RTLD_LOCAL
)

func (b systemBackend) Open(path string) (Handle, error) {
	libHandle, err := purego.Dlopen(path, int(b.mode))
	if err != nil {
		return 0, err
	}
	if libHandle == 0 {
		return 0, fmt.Errorf("dlopen returned a nil handle for %s", path)
	}
	return Handle(libHandle), nil
}

// Lookup reports a missing symbol through purego, which consults dlerror
// when dlsym returns NULL. A symbol whose value is NULL is therefore
// reported as missing.
func (b systemBackend) Lookup(h Handle, name string) (uintptr, error) {
	return purego.Dlsym(uintptr(h), name)
}

func (b systemBackend) Close(h Handle) error {
	if h == 0 {
		return nil
	}
	return purego.Dlclose(uintptr(h))
}
