package dl

import (
	"errors"
	"fmt"
	"io"
	"reflect"
	"runtime"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"
	"github.com/sirupsen/logrus"
)

// Library is one owner's reference to a library opened by a Registry.
// Every owner must call Close; the library is unloaded when the last owner
// for its path does so.
type Library struct {
	mu       sync.RWMutex
	registry *Registry
	entry    *entry
	path     string
}

// Path returns the path the library was loaded from.
func (l *Library) Path() string {
	return l.path
}

// Handle returns the OS handle, or 0 once this reference is closed.
func (l *Library) Handle() Handle {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.entry == nil {
		return 0
	}
	return l.entry.handle
}

// IsValid returns true until Close is called.
func (l *Library) IsValid() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.entry != nil
}

// Symbol returns the address of the exported symbol name.
func (l *Library) Symbol(name string) (uintptr, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.entry == nil {
		return 0, ErrClosed
	}
	if name == "" {
		return 0, &SymbolNotFoundError{Symbol: name, Library: l, Err: errors.New("empty symbol name")}
	}

	addr, err := l.registry.backend.Lookup(l.entry.handle, name)
	if err == nil && addr == 0 {
		err = errors.New("symbol address is nil")
	}
	if err != nil {
		return 0, &SymbolNotFoundError{Symbol: name, Library: l, Err: err}
	}
	return addr, nil
}

// Func binds the function symbol name to fptr, which must be a pointer to a
// Go func variable matching the C signature, for example:
//
//	var strlen func(s string) uintptr
//	err := lib.Func("strlen", &strlen)
//
// The bound function does not keep l alive. It is only valid while the
// library stays loaded, so keep l reachable until the last call.
func (l *Library) Func(name string, fptr any) (err error) {
	if fptr == nil {
		return ErrInvalidFunc
	}
	v := reflect.ValueOf(fptr)
	if v.Kind() != reflect.Pointer || v.IsNil() || v.Elem().Kind() != reflect.Func {
		return ErrInvalidFunc
	}

	addr, err := l.Symbol(name)
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %s: %v", ErrInvalidFunc, name, r)
		}
	}()
	purego.RegisterFunc(fptr, addr)
	return nil
}

// Var returns a pointer to the exported variable name, typed as *T. The
// pointer is only valid while the library stays loaded.
func Var[T any](l *Library, name string) (*T, error) {
	addr, err := l.Symbol(name)
	if err != nil {
		return nil, err
	}
	return (*T)(unsafe.Pointer(addr)), nil
}

// CString reads an exported `const char *` variable.
func (l *Library) CString(name string) (string, error) {
	p, err := Var[uintptr](l, name)
	if err != nil {
		return "", err
	}
	return GoString(*p), nil
}

// Close releases this owner. Closing an already closed reference is a no-op.
// A *CloseError is returned if this was the last owner and the OS failed to
// unload the library; the registry forgets the library either way.
func (l *Library) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.entry == nil {
		return nil
	}
	e := l.entry
	l.entry = nil
	runtime.SetFinalizer(l, nil)
	return l.registry.release(e)
}

func (l *Library) finalize() {
	if err := l.Close(); err != nil {
		l.registry.logger.WithFields(logrus.Fields{
			"path":  l.path,
			"error": err,
		}).Error("failed to release unreachable dynamic library")
	}
}

// CloseAll closes each library and joins all non-nil errors. Nil and typed
// nil values are skipped.
func CloseAll(closers ...io.Closer) error {
	var err error
	for _, c := range closers {
		if isNilCloser(c) {
			continue
		}
		if closeErr := c.Close(); closeErr != nil {
			err = errors.Join(err, closeErr)
		}
	}
	return err
}

func isNilCloser(c io.Closer) bool {
	if c == nil {
		return true
	}
	value := reflect.ValueOf(c)
	switch value.Kind() {
	case reflect.Chan, reflect.Func, reflect.Interface, reflect.Map, reflect.Pointer, reflect.Slice:
		return value.IsNil()
	default:
		return false
	}
}
