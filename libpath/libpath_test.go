package libpath

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestPlatformName(t *testing.T) {
	tests := []struct {
		base string
		goos string
		want string
	}{
		{base: "m", goos: "linux", want: "libm.so"},
		{base: "libm", goos: "linux", want: "libm.so"},
		{base: "libm.so.6", goos: "linux", want: "libm.so.6"},
		{base: "libfoo.so", goos: "freebsd", want: "libfoo.so"},
		{base: "foo", goos: "darwin", want: "libfoo.dylib"},
		{base: "libfoo.dylib", goos: "darwin", want: "libfoo.dylib"},
		{base: "kernel32", goos: "windows", want: "kernel32.dll"},
		{base: "KERNEL32.DLL", goos: "windows", want: "KERNEL32.DLL"},
	}

	for _, tc := range tests {
		t.Run(tc.goos+"/"+tc.base, func(t *testing.T) {
			if got := PlatformName(tc.base, tc.goos); got != tc.want {
				t.Errorf("PlatformName(%q, %q) = %q, want %q", tc.base, tc.goos, got, tc.want)
			}
		})
	}
}

func TestSearchDirsIncludesPlatformDirs(t *testing.T) {
	tests := []struct {
		goos string
		want string
	}{
		{goos: "linux", want: filepath.Clean("/usr/lib")},
		{goos: "darwin", want: filepath.Clean("/opt/homebrew/lib")},
	}
	for _, tc := range tests {
		dirs := SearchDirs(tc.goos)
		found := false
		for _, d := range dirs {
			if d == tc.want {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("SearchDirs(%q) missing %q: %v", tc.goos, tc.want, dirs)
		}
	}
}

func TestSearchDirsHonorsLoaderEnv(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("LD_LIBRARY_PATH uses ':' separators")
	}
	a, b := t.TempDir(), t.TempDir()
	t.Setenv("LD_LIBRARY_PATH", a+":"+b+":"+a)

	dirs := SearchDirs("linux")
	var got []string
	for _, d := range dirs {
		if d == a || d == b {
			got = append(got, d)
		}
	}
	if diff := cmp.Diff([]string{a, b}, got); diff != "" {
		t.Errorf("unexpected env dirs (-want +got):\n%s", diff)
	}
}

func TestFind(t *testing.T) {
	dir := t.TempDir()
	name := PlatformName("puredltest", runtime.GOOS)
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("not really ELF"), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := Find(name, runtime.GOOS, dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want, _ := filepath.Abs(path)
	if got != want {
		t.Errorf("Find = %q, want %q", got, want)
	}
}

func TestFindNotFound(t *testing.T) {
	dir := t.TempDir()
	_, err := Find("libpuredl_nonexistent_12345.so", runtime.GOOS, dir)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if !strings.Contains(err.Error(), filepath.Join(dir, "libpuredl_nonexistent_12345.so")) {
		t.Errorf("error should list checked paths, got %v", err)
	}

	if _, err := Find("  ", runtime.GOOS); err == nil {
		t.Fatal("expected error for empty name")
	}
}

func TestFindSkipsEmptyFiles(t *testing.T) {
	empty, full := t.TempDir(), t.TempDir()
	name := "libpuredl_empty.so"
	if err := os.WriteFile(filepath.Join(empty, name), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(full, name), []byte{0x7f}, 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := Find(name, runtime.GOOS, empty, full)
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Dir(got) != full {
		t.Errorf("expected match in %q, got %q", full, got)
	}
}

func TestValidate(t *testing.T) {
	dir := t.TempDir()
	regular := filepath.Join(dir, "lib.so")
	if err := os.WriteFile(regular, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	empty := filepath.Join(dir, "empty.so")
	if err := os.WriteFile(empty, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{name: "regular", path: regular},
		{name: "blank", path: " ", wantErr: true},
		{name: "directory", path: dir, wantErr: true},
		{name: "empty file", path: empty, wantErr: true},
		{name: "missing", path: filepath.Join(dir, "missing.so"), wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Validate(tc.path)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %q", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !filepath.IsAbs(got) {
				t.Errorf("expected absolute path, got %q", got)
			}
		})
	}
}
