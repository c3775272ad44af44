package dl

// Handle is an opaque OS-level dynamic library handle.
type Handle uintptr

// Backend is the set of OS primitives the registry is written against.
// SystemBackend returns the implementation selected at build time; tests
// and embedders may supply their own.
type Backend interface {
	// Open loads the library at path. The path is handed to the OS loader
	// verbatim, so search-path and extension rules are OS-defined.
	Open(path string) (Handle, error)
	// Lookup resolves an exported symbol.
	Lookup(h Handle, name string) (uintptr, error)
	// Close releases a handle returned by Open.
	Close(h Handle) error
}

// SystemBackend returns the OS backend for the current platform. mode is
// passed to dlopen on POSIX systems and ignored on Windows.
func SystemBackend(mode Mode) Backend {
	return systemBackend{mode: mode}
}

type systemBackend struct {
	mode Mode
}
