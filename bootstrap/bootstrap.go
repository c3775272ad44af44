// Package bootstrap provisions a shared library from a release archive into
// a local cache and hands its path to a dl.Registry.
package bootstrap

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/sirupsen/logrus"

	"github.com/amikos-tech/pure-dl/dl"
	"github.com/amikos-tech/pure-dl/libpath"
)

const (
	envLibraryPath     = "PUREDL_LIB_PATH"
	envCacheDir        = "PUREDL_CACHE_DIR"
	envVersion         = "PUREDL_VERSION"
	envDisableDownload = "PUREDL_DISABLE_DOWNLOAD"

	defaultMaxDownloadSize int64 = 1 << 30
)

var errSharedLibraryNotFound = errors.New("shared library not found")
var cacheFallbackWarnOnce sync.Once

// Option configures Ensure.
type Option func(*config) error

type config struct {
	libraryPath      string
	libraryName      string
	cacheDir         string
	version          string
	disableDownload  bool
	expectedSHA256   string
	urlTemplate      string
	platform         string
	archiveExtension string
	maxDownloadSize  int64
	httpClient       *http.Client
	logger           logrus.FieldLogger
	goos             string
	goarch           string
}

type artifact struct {
	name             string
	platform         string
	archiveExtension string
	primaryLibrary   string
	libraryGlob      string
}

// WithLibraryPath skips provisioning and uses an existing library file.
func WithLibraryPath(path string) Option {
	return func(cfg *config) error {
		path := strings.TrimSpace(path)
		if path == "" {
			return fmt.Errorf("library path cannot be empty")
		}
		cfg.libraryPath = path
		return nil
	}
}

// WithLibraryName sets the library base name, for example "onnxruntime".
// The platform file name is derived with libpath.PlatformName.
func WithLibraryName(name string) Option {
	return func(cfg *config) error {
		name := strings.TrimSpace(name)
		if name == "" {
			return fmt.Errorf("library name cannot be empty")
		}
		if strings.ContainsAny(name, `/\`) {
			return fmt.Errorf("library name must not contain path separators: %q", name)
		}
		cfg.libraryName = name
		return nil
	}
}

// WithCacheDir sets the directory archives are extracted into.
func WithCacheDir(dir string) Option {
	return func(cfg *config) error {
		dir := strings.TrimSpace(dir)
		if dir == "" {
			return fmt.Errorf("cache directory cannot be empty")
		}
		cfg.cacheDir = dir
		return nil
	}
}

// WithVersion sets the library version to provision (for example: 1.23.1).
func WithVersion(version string) Option {
	return func(cfg *config) error {
		version := strings.TrimSpace(version)
		if version == "" {
			return fmt.Errorf("version cannot be empty")
		}
		cfg.version = version
		return nil
	}
}

// WithDisableDownload enables or disables network downloads.
func WithDisableDownload(disable bool) Option {
	return func(cfg *config) error {
		cfg.disableDownload = disable
		return nil
	}
}

// WithExpectedSHA256 enforces a SHA256 checksum for the downloaded archive.
func WithExpectedSHA256(checksum string) Option {
	return func(cfg *config) error {
		checksum := strings.TrimSpace(strings.ToLower(checksum))
		if checksum == "" {
			return fmt.Errorf("expected SHA256 checksum cannot be empty")
		}
		if len(checksum) != 64 {
			return fmt.Errorf("expected SHA256 checksum must be 64 hex characters")
		}
		for _, r := range checksum {
			if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
				return fmt.Errorf("expected SHA256 checksum must be lowercase hex")
			}
		}
		cfg.expectedSHA256 = checksum
		return nil
	}
}

// WithURLTemplate sets the archive download URL. The placeholders {name},
// {version}, {platform}, {goos}, {goarch} and {archive} are expanded, for
// example:
//
//	https://example.com/releases/v{version}/{archive}
func WithURLTemplate(tmpl string) Option {
	return func(cfg *config) error {
		tmpl := strings.TrimSpace(tmpl)
		if tmpl == "" {
			return fmt.Errorf("URL template cannot be empty")
		}
		if !strings.HasPrefix(tmpl, "http://") && !strings.HasPrefix(tmpl, "https://") {
			return fmt.Errorf("URL template must be an http(s) URL: %q", tmpl)
		}
		cfg.urlTemplate = tmpl
		return nil
	}
}

// WithPlatform overrides the platform label used in archive names
// (default "<goos>-<goarch>").
func WithPlatform(platform string) Option {
	return func(cfg *config) error {
		platform := strings.TrimSpace(platform)
		if platform == "" {
			return fmt.Errorf("platform cannot be empty")
		}
		cfg.platform = platform
		return nil
	}
}

// WithArchiveExtension sets the archive format, "tgz" or "zip". The default
// is zip on Windows and tgz elsewhere.
func WithArchiveExtension(ext string) Option {
	return func(cfg *config) error {
		ext := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(ext)), ".")
		switch ext {
		case "tgz", "zip":
			cfg.archiveExtension = ext
			return nil
		case "tar.gz":
			cfg.archiveExtension = "tgz"
			return nil
		default:
			return fmt.Errorf("unsupported archive extension %q", ext)
		}
	}
}

// WithMaxDownloadSize caps the archive size in bytes.
func WithMaxDownloadSize(size int64) Option {
	return func(cfg *config) error {
		if size <= 0 {
			return fmt.Errorf("max download size must be positive")
		}
		cfg.maxDownloadSize = size
		return nil
	}
}

// WithHTTPClient replaces the HTTP client used for downloads.
func WithHTTPClient(client *http.Client) Option {
	return func(cfg *config) error {
		if client == nil {
			return fmt.Errorf("HTTP client cannot be nil")
		}
		cfg.httpClient = client
		return nil
	}
}

// WithLogger sets the logger for download progress and warnings.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(cfg *config) error {
		if logger == nil {
			return fmt.Errorf("logger cannot be nil")
		}
		cfg.logger = logger
		return nil
	}
}

func withTarget(goos, goarch string) Option {
	return func(cfg *config) error {
		cfg.goos = goos
		cfg.goarch = goarch
		return nil
	}
}

// Ensure makes sure the configured shared library is available locally and
// returns its absolute path. Concurrent callers, including other processes
// sharing the cache directory, download the archive at most once.
func Ensure(opts ...Option) (string, error) {
	cfg, err := resolveConfig(opts...)
	if err != nil {
		return "", err
	}

	if cfg.libraryPath != "" {
		return libpath.Validate(cfg.libraryPath)
	}

	art := resolveArtifact(cfg)
	installDir := filepath.Join(cfg.cacheDir, art.archiveName(cfg.version))
	if path, resolveErr := resolveExtractedLibraryPath(installDir, art); resolveErr == nil {
		return path, nil
	} else if !errors.Is(resolveErr, errSharedLibraryNotFound) {
		return "", resolveErr
	}

	if cfg.disableDownload {
		return "", fmt.Errorf("%s not found in cache and download is disabled: %s", art.primaryLibrary, installDir)
	}
	if cfg.urlTemplate == "" {
		return "", fmt.Errorf("%s not found in cache and no download URL template is set", art.primaryLibrary)
	}

	if err := os.MkdirAll(cfg.cacheDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create cache directory %q: %w", cfg.cacheDir, err)
	}

	lockPath := filepath.Join(cfg.cacheDir, ".locks", art.archiveName(cfg.version)+".lock")
	var resolvedPath string
	if err := withProcessFileLock(lockPath, cfg.logger, func() error {
		if path, resolveErr := resolveExtractedLibraryPath(installDir, art); resolveErr == nil {
			resolvedPath = path
			return nil
		} else if !errors.Is(resolveErr, errSharedLibraryNotFound) {
			return resolveErr
		}

		if err := downloadAndInstall(cfg, art, installDir); err != nil {
			return err
		}

		path, resolveErr := resolveExtractedLibraryPath(installDir, art)
		if resolveErr != nil {
			return fmt.Errorf("bootstrap completed but shared library could not be resolved: %w", resolveErr)
		}
		resolvedPath = path
		return nil
	}); err != nil {
		return "", err
	}

	return resolvedPath, nil
}

// Load provisions the library with Ensure and loads it through r.
func Load(r *dl.Registry, opts ...Option) (*dl.Library, error) {
	if r == nil {
		return nil, fmt.Errorf("registry cannot be nil")
	}
	path, err := Ensure(opts...)
	if err != nil {
		return nil, err
	}
	return r.Load(path)
}

func resolveConfig(opts ...Option) (config, error) {
	disableDownload, err := parseBoolEnv(envDisableDownload)
	if err != nil {
		return config{}, err
	}

	cfg := config{
		libraryPath:     strings.TrimSpace(os.Getenv(envLibraryPath)),
		cacheDir:        strings.TrimSpace(os.Getenv(envCacheDir)),
		version:         strings.TrimSpace(os.Getenv(envVersion)),
		disableDownload: disableDownload,
		maxDownloadSize: defaultMaxDownloadSize,
		httpClient: &http.Client{
			Timeout: 2 * time.Minute,
		},
		logger: logrus.StandardLogger(),
		goos:   runtime.GOOS,
		goarch: runtime.GOARCH,
	}

	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&cfg); err != nil {
			return config{}, err
		}
	}

	if cfg.libraryPath != "" {
		return cfg, nil
	}

	if cfg.libraryName == "" {
		return config{}, fmt.Errorf("library name is not set")
	}

	version, err := normalizeVersion(cfg.version)
	if err != nil {
		return config{}, err
	}
	cfg.version = version

	if cfg.cacheDir == "" {
		cfg.cacheDir = defaultCacheDir(cfg.logger)
	}
	cfg.cacheDir = filepath.Clean(cfg.cacheDir)

	if cfg.platform == "" {
		cfg.platform = cfg.goos + "-" + cfg.goarch
	}
	if cfg.archiveExtension == "" {
		cfg.archiveExtension = "tgz"
		if cfg.goos == "windows" {
			cfg.archiveExtension = "zip"
		}
	}

	return cfg, nil
}

func resolveArtifact(cfg config) artifact {
	primary := libpath.PlatformName(cfg.libraryName, cfg.goos)

	var glob string
	switch cfg.goos {
	case "windows", "darwin", "ios":
		ext := filepath.Ext(primary)
		glob = strings.TrimSuffix(primary, ext) + "*" + ext
	default:
		glob = primary + "*"
	}

	return artifact{
		name:             cfg.libraryName,
		platform:         cfg.platform,
		archiveExtension: cfg.archiveExtension,
		primaryLibrary:   primary,
		libraryGlob:      glob,
	}
}

func (a artifact) archiveName(version string) string {
	return fmt.Sprintf("%s-%s-%s", a.name, a.platform, version)
}

func (a artifact) archiveFilename(version string) string {
	return fmt.Sprintf("%s.%s", a.archiveName(version), a.archiveExtension)
}

func (a artifact) downloadURL(tmpl, version, goos, goarch string) string {
	return strings.NewReplacer(
		"{name}", a.name,
		"{version}", version,
		"{platform}", a.platform,
		"{goos}", goos,
		"{goarch}", goarch,
		"{archive}", a.archiveFilename(version),
	).Replace(tmpl)
}

// resolveExtractedLibraryPath looks for the library in lib/ and then in the
// install root.
func resolveExtractedLibraryPath(installDir string, art artifact) (string, error) {
	var invalidCandidates []error
	trackCandidateError := func(path string, validationErr error) {
		if validationErr == nil || errors.Is(validationErr, os.ErrNotExist) {
			return
		}
		invalidCandidates = append(invalidCandidates, fmt.Errorf("%s: %w", path, validationErr))
	}

	for _, dir := range []string{filepath.Join(installDir, "lib"), installDir} {
		primaryPath := filepath.Join(dir, art.primaryLibrary)
		if path, err := libpath.Validate(primaryPath); err == nil {
			return path, nil
		} else {
			trackCandidateError(primaryPath, err)
		}

		matches, err := filepath.Glob(filepath.Join(dir, art.libraryGlob))
		if err != nil {
			return "", fmt.Errorf("failed to resolve %s path: %w", art.primaryLibrary, err)
		}
		sort.Strings(matches)
		for _, match := range matches {
			path, err := libpath.Validate(match)
			if err == nil {
				return path, nil
			}
			trackCandidateError(match, err)
		}
	}

	if len(invalidCandidates) > 0 {
		return "", fmt.Errorf("found %s candidates in %q but none are valid: %w", art.primaryLibrary, installDir, errors.Join(invalidCandidates...))
	}

	return "", errSharedLibraryNotFound
}

func defaultCacheDir(logger logrus.FieldLogger) string {
	cacheDir, err := os.UserCacheDir()
	if err == nil && cacheDir != "" {
		return filepath.Join(cacheDir, "pure-dl")
	}

	fallback := filepath.Join(os.TempDir(), "pure-dl")
	cacheFallbackWarnOnce.Do(func() {
		entry := logger.WithField("fallback", fallback)
		if err != nil {
			entry = entry.WithError(err)
		}
		entry.Warnf("failed to resolve user cache directory; using a temporary cache. Set %s for a persistent cache.", envCacheDir)
	})
	return fallback
}

func normalizeVersion(version string) (string, error) {
	version = strings.TrimSpace(version)
	if version == "" {
		return "", fmt.Errorf("library version is not set")
	}

	parsed, err := semver.NewVersion(version)
	if err != nil {
		return "", fmt.Errorf("library version must be a semantic version, got %q: %w", version, err)
	}
	return parsed.String(), nil
}

func parseBoolEnv(name string) (bool, error) {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return false, nil
	}

	parsed, err := strconv.ParseBool(value)
	if err == nil {
		return parsed, nil
	}

	switch strings.ToLower(value) {
	case "yes", "y", "on":
		return true, nil
	case "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("invalid boolean value for %s: %q (expected true/false, 1/0, yes/no, on/off)", name, value)
	}
}
