//go:build windows

package dl

import (
	"github.com/pkg/errors"

	"golang.org/x/sys/windows"
)

// Mode is accepted for portability; LoadLibrary takes no flags.
type Mode int

const (
	ModeLazy   Mode = 0
	ModeNow    Mode = 0
	ModeGlobal Mode = 0
	ModeLocal  Mode = 0
)

func (b systemBackend) Open(path string) (Handle, error) {
	handle, err := windows.LoadLibrary(path)
	if err != nil {
		return 0, errors.Wrapf(err, "LoadLibrary %s", path)
	}
	if handle == 0 {
		return 0, errors.Errorf("LoadLibrary returned a nil handle for %s", path)
	}
	return Handle(handle), nil
}

// Lookup treats a NULL result from GetProcAddress as not found.
func (b systemBackend) Lookup(h Handle, name string) (uintptr, error) {
	proc, err := windows.GetProcAddress(windows.Handle(h), name)
	if err != nil {
		return 0, errors.Wrapf(err, "GetProcAddress %s", name)
	}
	return proc, nil
}

func (b systemBackend) Close(h Handle) error {
	if h == 0 {
		return nil
	}
	if err := windows.FreeLibrary(windows.Handle(h)); err != nil {
		return errors.Wrap(err, "FreeLibrary")
	}
	return nil
}
