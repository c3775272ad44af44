// Package dl loads dynamic libraries without cgo and shares one OS handle
// between every caller that loads the same path.
//
// A Registry maps a normalized path to an open handle. Each successful Load
// returns a new *Library owner reference; the OS library is unloaded when
// the last owner for a path is closed (or collected, see WithFinalizers).
package dl

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// Option configures a Registry.
type Option func(*registryConfig) error

type registryConfig struct {
	backend    Backend
	mode       Mode
	locker     sync.Locker
	logger     logrus.FieldLogger
	finalizers bool
}

// WithBackend replaces the OS backend.
func WithBackend(backend Backend) Option {
	return func(cfg *registryConfig) error {
		if backend == nil {
			return fmt.Errorf("backend cannot be nil")
		}
		cfg.backend = backend
		return nil
	}
}

// WithMode sets the dlopen flags used by the system backend. It has no
// effect when WithBackend is also given.
func WithMode(mode Mode) Option {
	return func(cfg *registryConfig) error {
		cfg.mode = mode
		return nil
	}
}

// WithLocker replaces the lock that serializes cache operations.
func WithLocker(locker sync.Locker) Option {
	return func(cfg *registryConfig) error {
		if locker == nil {
			return fmt.Errorf("locker cannot be nil")
		}
		cfg.locker = locker
		return nil
	}
}

// WithLogger sets the logger used for load/close tracing and for close
// failures that cannot be returned to a caller.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(cfg *registryConfig) error {
		if logger == nil {
			return fmt.Errorf("logger cannot be nil")
		}
		cfg.logger = logger
		return nil
	}
}

// WithFinalizers controls whether owners that become unreachable without
// Close are released by the garbage collector. Enabled by default.
func WithFinalizers(enabled bool) Option {
	return func(cfg *registryConfig) error {
		cfg.finalizers = enabled
		return nil
	}
}

// Registry caches open library handles by path. It is safe for concurrent
// use.
type Registry struct {
	backend    Backend
	lock       sync.Locker
	logger     logrus.FieldLogger
	finalizers bool
	entries    map[string]*entry
}

type entry struct {
	key    string
	path   string
	handle Handle
	refs   int
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) (*Registry, error) {
	cfg := registryConfig{
		mode:       ModeLazy,
		finalizers: true,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}
	if cfg.backend == nil {
		cfg.backend = SystemBackend(cfg.mode)
	}
	if cfg.locker == nil {
		cfg.locker = &sync.Mutex{}
	}
	if cfg.logger == nil {
		cfg.logger = logrus.StandardLogger()
	}

	return &Registry{
		backend:    cfg.backend,
		lock:       cfg.locker,
		logger:     cfg.logger,
		finalizers: cfg.finalizers,
		entries:    make(map[string]*entry),
	}, nil
}

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
)

// Default returns the process-wide registry, creating it on first use with
// the system backend.
func Default() *Registry {
	defaultOnce.Do(func() {
		r, err := NewRegistry()
		if err != nil {
			// NewRegistry without options cannot fail.
			panic(err)
		}
		defaultRegistry = r
	})
	return defaultRegistry
}

// Open loads path through the default registry.
func Open(path string) (*Library, error) {
	return Default().Load(path)
}

// Load returns an owner reference to the library at path, opening it if no
// other owner holds it. The lock is held across the OS open so concurrent
// loads of one path result in a single open.
func (r *Registry) Load(path string) (*Library, error) {
	key, err := normalizePath(path)
	if err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}

	r.lock.Lock()
	defer r.lock.Unlock()

	e, ok := r.entries[key]
	if !ok {
		handle, err := r.backend.Open(path)
		if err == nil && handle == 0 {
			err = fmt.Errorf("backend returned a nil handle")
		}
		if err != nil {
			return nil, &LoadError{Path: path, Err: err}
		}
		e = &entry{key: key, path: path, handle: handle}
		r.entries[key] = e
		r.logger.WithFields(logrus.Fields{"path": path, "key": key}).Debug("opened dynamic library")
	}
	e.refs++

	lib := &Library{registry: r, entry: e, path: e.path}
	if r.finalizers {
		runtime.SetFinalizer(lib, (*Library).finalize)
	}
	return lib, nil
}

// release drops one owner of e and unloads the library when it was the
// last one. The entry leaves the map even if the OS close fails.
func (r *Registry) release(e *entry) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	e.refs--
	if e.refs > 0 {
		return nil
	}
	if cur, ok := r.entries[e.key]; ok && cur == e {
		delete(r.entries, e.key)
	}

	handle := e.handle
	e.handle = 0
	if err := r.backend.Close(handle); err != nil {
		return &CloseError{Path: e.path, Err: err}
	}
	r.logger.WithField("path", e.path).Debug("closed dynamic library")
	return nil
}

// Len returns the number of open libraries.
func (r *Registry) Len() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return len(r.entries)
}

// Paths returns the cache keys of the open libraries in sorted order.
func (r *Registry) Paths() []string {
	r.lock.Lock()
	defer r.lock.Unlock()

	paths := make([]string, 0, len(r.entries))
	for key := range r.entries {
		paths = append(paths, key)
	}
	sort.Strings(paths)
	return paths
}

// Refs returns the number of live owners for path, or 0 if it is not open.
func (r *Registry) Refs(path string) int {
	key, err := normalizePath(path)
	if err != nil {
		return 0
	}

	r.lock.Lock()
	defer r.lock.Unlock()
	if e, ok := r.entries[key]; ok {
		return e.refs
	}
	return 0
}

// Loaded reports whether path is currently open.
func (r *Registry) Loaded(path string) bool {
	return r.Refs(path) > 0
}

// normalizePath derives the cache key for path. Bare names are left alone
// because the OS resolves them through its search path; anything with a
// separator is cleaned but keeps a leading "./" when cleaning would turn it
// into a bare name.
func normalizePath(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", ErrEmptyPath
	}
	if !strings.ContainsRune(path, '/') && !strings.ContainsRune(path, os.PathSeparator) {
		return path, nil
	}

	cleaned := filepath.Clean(path)
	if !strings.ContainsRune(cleaned, os.PathSeparator) {
		cleaned = "." + string(os.PathSeparator) + cleaned
	}
	return cleaned, nil
}
