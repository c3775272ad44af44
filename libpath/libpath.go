// Package libpath locates shared library files on disk. Nothing in dl uses
// it implicitly: a path found here is handed to the loader verbatim.
package libpath

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrNotFound is wrapped by Find when no candidate file exists.
var ErrNotFound = errors.New("shared library not found")

// PlatformName returns the conventional file name of library base on goos:
// "libbase.so", "libbase.dylib" or "base.dll". A base that already carries
// the platform extension is returned unchanged.
func PlatformName(base, goos string) string {
	base = strings.TrimSpace(base)
	switch goos {
	case "windows":
		if strings.HasSuffix(strings.ToLower(base), ".dll") {
			return base
		}
		return base + ".dll"
	case "darwin", "ios":
		if strings.HasSuffix(base, ".dylib") {
			return base
		}
		return "lib" + strings.TrimPrefix(base, "lib") + ".dylib"
	default:
		if strings.HasSuffix(base, ".so") || strings.Contains(base, ".so.") {
			return base
		}
		return "lib" + strings.TrimPrefix(base, "lib") + ".so"
	}
}

// SearchDirs returns the directories Find checks for goos, in order: the
// executable's directory, the working directory and up to three parents,
// system library directories, then the loader environment variables.
func SearchDirs(goos string) []string {
	var dirs []string

	if exe, err := os.Executable(); err == nil {
		dirs = append(dirs, filepath.Dir(exe))
	}

	if wd, err := os.Getwd(); err == nil {
		dirs = append(dirs, wd)
		current := wd
		for i := 0; i < 3; i++ {
			parent := filepath.Dir(current)
			if parent == current || parent == "." || parent == "" {
				break
			}
			dirs = append(dirs, parent)
			current = parent
		}
	}

	switch goos {
	case "windows":
		if sys := os.Getenv("SYSTEMROOT"); sys != "" {
			dirs = append(dirs, filepath.Join(sys, "System32"))
		}
		if val := os.Getenv("PATH"); val != "" {
			dirs = append(dirs, strings.Split(val, ";")...)
		}
	case "darwin":
		dirs = append(dirs, "/usr/local/lib", "/opt/homebrew/lib", "/usr/lib")
		for _, envKey := range []string{"DYLD_LIBRARY_PATH", "DYLD_FALLBACK_LIBRARY_PATH"} {
			if val := os.Getenv(envKey); val != "" {
				dirs = append(dirs, strings.Split(val, ":")...)
			}
		}
	default:
		dirs = append(dirs, "/usr/local/lib", "/usr/lib", "/lib")
		if val := os.Getenv("LD_LIBRARY_PATH"); val != "" {
			dirs = append(dirs, strings.Split(val, ":")...)
		}
	}

	return dedupe(dirs)
}

// Find returns the absolute path of the first valid file called name in
// extraDirs followed by SearchDirs(goos). The error lists every path checked.
func Find(name, goos string, extraDirs ...string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("library name is empty")
	}

	dirs := dedupe(append(append([]string{}, extraDirs...), SearchDirs(goos)...))
	checked := make([]string, 0, len(dirs))
	for _, dir := range dirs {
		path := filepath.Join(dir, name)
		if abs, err := Validate(path); err == nil {
			return abs, nil
		}
		checked = append(checked, path)
	}

	return "", fmt.Errorf("%w: %q, checked following paths:\n\t - %s",
		ErrNotFound, name, strings.Join(checked, "\n\t - "))
}

// Validate checks that path names a non-empty regular file and returns its
// absolute form.
func Validate(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", fmt.Errorf("library path is empty")
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to resolve absolute path for %q: %w", path, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return "", fmt.Errorf("failed to stat library file %q: %w", absPath, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("library path points to a directory: %q", absPath)
	}
	if info.Size() == 0 {
		return "", fmt.Errorf("library file is empty: %q", absPath)
	}

	return absPath, nil
}

func dedupe(dirs []string) []string {
	seen := make(map[string]struct{}, len(dirs))
	out := dirs[:0:0]
	for _, dir := range dirs {
		dir = strings.TrimSpace(dir)
		if dir == "" {
			continue
		}
		dir = filepath.Clean(dir)
		if _, ok := seen[dir]; ok {
			continue
		}
		seen[dir] = struct{}{}
		out = append(out, dir)
	}
	return out
}
