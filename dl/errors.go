package dl

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned when a Library is used after its Close.
	ErrClosed = errors.New("dl: library reference is closed")
	// ErrEmptyPath is wrapped by a LoadError for an empty library path.
	ErrEmptyPath = errors.New("dl: library path is empty")
	// ErrInvalidFunc is returned by Library.Func when the destination is not
	// a non-nil pointer to a function, or purego cannot bind its signature.
	ErrInvalidFunc = errors.New("dl: destination must be a non-nil pointer to a func")
)

// LoadError reports that the OS failed to open a library.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("dl: the dynamic library %q could not be loaded", e.Path)
	}
	return fmt.Sprintf("dl: the dynamic library %q could not be loaded: %v", e.Path, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// CloseError reports that the OS failed to release a library handle. The
// cache entry is removed regardless.
type CloseError struct {
	Path string
	Err  error
}

func (e *CloseError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("dl: the dynamic library %q could not be closed", e.Path)
	}
	return fmt.Sprintf("dl: the dynamic library %q could not be closed: %v", e.Path, e.Err)
}

func (e *CloseError) Unwrap() error { return e.Err }

// SymbolNotFoundError reports that a symbol is not exported by a library.
type SymbolNotFoundError struct {
	Symbol  string
	Library *Library
	Err     error
}

func (e *SymbolNotFoundError) Error() string {
	path := ""
	if e.Library != nil {
		path = e.Library.Path()
	}
	return fmt.Sprintf("dl: the symbol %q could not be found in %q", e.Symbol, path)
}

func (e *SymbolNotFoundError) Unwrap() error { return e.Err }
