package bootstrap

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	maxExtractedFileBytes  int64 = 1 << 30
	maxExtractedTotalBytes int64 = 4 << 30
)

func downloadAndInstall(cfg config, art artifact, installDir string) error {
	url := art.downloadURL(cfg.urlTemplate, cfg.version, cfg.goos, cfg.goarch)
	cfg.logger.WithFields(logrus.Fields{"url": url, "dir": installDir}).Info("downloading shared library archive")

	archivePath, checksum, err := downloadArchive(cfg, url)
	if err != nil {
		return err
	}
	defer func() {
		_ = os.Remove(archivePath)
	}()

	if cfg.expectedSHA256 != "" && checksum != cfg.expectedSHA256 {
		return fmt.Errorf("download checksum mismatch: expected %s, got %s", cfg.expectedSHA256, checksum)
	}

	stagingRoot := installDir + fmt.Sprintf(".staging-%d", time.Now().UnixNano())
	if err := os.RemoveAll(stagingRoot); err != nil {
		return fmt.Errorf("failed to clean staging directory %q: %w", stagingRoot, err)
	}
	if err := os.MkdirAll(stagingRoot, 0o755); err != nil {
		return fmt.Errorf("failed to create staging directory %q: %w", stagingRoot, err)
	}
	defer func() {
		_ = os.RemoveAll(stagingRoot)
	}()

	if err := extractArchiveFile(archivePath, stagingRoot, art.archiveExtension); err != nil {
		return err
	}

	// Release archives usually wrap everything in a directory named after
	// the archive; accept flat archives too.
	extractedInstallDir := filepath.Join(stagingRoot, art.archiveName(cfg.version))
	info, statErr := os.Stat(extractedInstallDir)
	if statErr != nil {
		if !errors.Is(statErr, os.ErrNotExist) {
			return fmt.Errorf("failed to inspect extracted install directory %q: %w", extractedInstallDir, statErr)
		}
		extractedInstallDir = stagingRoot
	} else if !info.IsDir() {
		return fmt.Errorf("extracted install path is not a directory: %q", extractedInstallDir)
	}

	if _, err := resolveExtractedLibraryPath(extractedInstallDir, art); err != nil {
		if errors.Is(err, errSharedLibraryNotFound) {
			return fmt.Errorf("downloaded archive did not contain %s", art.primaryLibrary)
		}
		return err
	}

	if err := os.RemoveAll(installDir); err != nil {
		return fmt.Errorf("failed to remove previous install at %q: %w", installDir, err)
	}
	if err := os.Rename(extractedInstallDir, installDir); err != nil {
		return fmt.Errorf("failed to install %s to %q: %w", art.primaryLibrary, installDir, err)
	}
	return nil
}

func downloadArchive(cfg config, url string) (archivePath string, checksum string, err error) {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return "", "", fmt.Errorf("failed to create download request for %q: %w", url, err)
	}

	resp, err := cfg.httpClient.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("failed to download archive from %q: %w", url, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		snippet = []byte(strings.TrimSpace(string(snippet)))
		if len(snippet) > 0 {
			return "", "", fmt.Errorf("failed to download archive from %q: HTTP %d: %s", url, resp.StatusCode, string(snippet))
		}
		return "", "", fmt.Errorf("failed to download archive from %q: HTTP %d", url, resp.StatusCode)
	}

	maxSize := cfg.maxDownloadSize
	if maxSize <= 0 {
		maxSize = defaultMaxDownloadSize
	}
	if resp.ContentLength > maxSize {
		return "", "", fmt.Errorf("archive from %q exceeds maximum size limit (%d > %d bytes)", url, resp.ContentLength, maxSize)
	}

	if err := os.MkdirAll(cfg.cacheDir, 0o755); err != nil {
		return "", "", fmt.Errorf("failed to create cache directory %q: %w", cfg.cacheDir, err)
	}

	tmpFile, err := os.CreateTemp(cfg.cacheDir, "pure-dl-*.archive")
	if err != nil {
		return "", "", fmt.Errorf("failed to create temporary archive file: %w", err)
	}
	tmpPath := tmpFile.Name()
	archivePath = tmpPath
	success := false
	defer func() {
		closeErr := tmpFile.Close()
		if err == nil && closeErr != nil {
			err = closeErr
		}
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	hasher := sha256.New()
	written, copyErr := io.Copy(io.MultiWriter(tmpFile, hasher), io.LimitReader(resp.Body, maxSize+1))
	if copyErr != nil {
		err = fmt.Errorf("failed to write archive to %q: %w", archivePath, copyErr)
		return "", "", err
	}
	if written > maxSize {
		err = fmt.Errorf("archive from %q exceeds maximum size limit of %d bytes", url, maxSize)
		return "", "", err
	}
	if written == 0 {
		err = fmt.Errorf("downloaded archive is empty")
		return "", "", err
	}

	checksum = hex.EncodeToString(hasher.Sum(nil))
	success = true
	return archivePath, checksum, nil
}

func extractArchiveFile(archivePath, destinationDir, extension string) error {
	switch extension {
	case "tgz":
		return extractTGZArchive(archivePath, destinationDir)
	case "zip":
		return extractZIPArchive(archivePath, destinationDir)
	default:
		return fmt.Errorf("unsupported archive extension %q", extension)
	}
}

func extractTGZArchive(archivePath, destinationDir string) error {
	archiveFile, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open archive %q: %w", archivePath, err)
	}
	defer func() {
		_ = archiveFile.Close()
	}()

	gzipReader, err := gzip.NewReader(archiveFile)
	if err != nil {
		return fmt.Errorf("failed to read gzip archive %q: %w", archivePath, err)
	}
	defer func() {
		_ = gzipReader.Close()
	}()

	tarReader := tar.NewReader(gzipReader)
	regularFiles := 0
	var totalWritten int64

	for {
		header, err := tarReader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read tar entry from %q: %w", archivePath, err)
		}
		if isArchiveRoot(header.Name) {
			continue
		}

		targetPath, err := secureArchiveJoin(destinationDir, header.Name)
		if err != nil {
			return err
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(targetPath, 0o755); err != nil {
				return fmt.Errorf("failed to create directory %q: %w", targetPath, err)
			}
		case tar.TypeReg, tar.TypeRegA:
			mode := header.FileInfo().Mode().Perm()
			if err := writeExtractedFile(targetPath, mode, tarReader, header.Size, &totalWritten, header.Name); err != nil {
				return err
			}
			regularFiles++
		default:
			// Links and device files are skipped; shared libraries are
			// expected as regular files.
			continue
		}
	}

	if regularFiles == 0 {
		return fmt.Errorf("archive %q did not contain regular files", archivePath)
	}
	return nil
}

func extractZIPArchive(archivePath, destinationDir string) error {
	reader, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open ZIP archive %q: %w", archivePath, err)
	}
	defer func() {
		_ = reader.Close()
	}()

	regularFiles := 0
	var totalWritten int64
	for _, entry := range reader.File {
		if isArchiveRoot(entry.Name) {
			continue
		}
		targetPath, err := secureArchiveJoin(destinationDir, entry.Name)
		if err != nil {
			return err
		}

		if entry.FileInfo().IsDir() {
			if err := os.MkdirAll(targetPath, 0o755); err != nil {
				return fmt.Errorf("failed to create directory %q: %w", targetPath, err)
			}
			continue
		}
		if !entry.Mode().IsRegular() {
			continue
		}

		rc, err := entry.Open()
		if err != nil {
			return fmt.Errorf("failed to open ZIP entry %q: %w", entry.Name, err)
		}
		// #nosec G115 -- bounded by maxExtractedFileBytes in copyExtractedFile
		size := int64(entry.UncompressedSize64)
		writeErr := writeExtractedFile(targetPath, entry.Mode().Perm(), rc, size, &totalWritten, entry.Name)
		closeErr := rc.Close()
		if writeErr != nil {
			return writeErr
		}
		if closeErr != nil {
			return fmt.Errorf("failed to close ZIP entry %q: %w", entry.Name, closeErr)
		}
		regularFiles++
	}

	if regularFiles == 0 {
		return fmt.Errorf("archive %q did not contain regular files", archivePath)
	}
	return nil
}

func writeExtractedFile(targetPath string, mode os.FileMode, src io.Reader, size int64, totalWritten *int64, name string) error {
	if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
		return fmt.Errorf("failed to create parent directory for %q: %w", targetPath, err)
	}
	if mode == 0 {
		mode = 0o644
	}

	outFile, err := os.OpenFile(targetPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return fmt.Errorf("failed to create extracted file %q: %w", targetPath, err)
	}
	if err := copyExtractedFile(outFile, src, size, totalWritten, name); err != nil {
		_ = outFile.Close()
		return err
	}
	if err := outFile.Close(); err != nil {
		return fmt.Errorf("failed to close extracted file %q: %w", targetPath, err)
	}
	return nil
}

// copyExtractedFile copies exactly size bytes, enforcing the per-file and
// cumulative extraction limits. totalWritten may be nil.
func copyExtractedFile(dst io.Writer, src io.Reader, size int64, totalWritten *int64, name string) error {
	if size < 0 || size > maxExtractedFileBytes {
		return fmt.Errorf("archive entry %q exceeds per-file size limit of %d bytes", name, maxExtractedFileBytes)
	}
	if totalWritten != nil && *totalWritten+size > maxExtractedTotalBytes {
		return fmt.Errorf("archive exceeds total extraction limit of %d bytes at entry %q", maxExtractedTotalBytes, name)
	}

	written, err := io.Copy(dst, io.LimitReader(src, size))
	if err != nil {
		return fmt.Errorf("failed to extract %q: %w", name, err)
	}
	if written != size {
		return fmt.Errorf("archive entry %q is truncated: expected %d bytes, got %d", name, size, written)
	}
	if totalWritten != nil {
		*totalWritten += written
	}
	return nil
}

// isArchiveRoot reports entries such as "./" that name the archive itself.
func isArchiveRoot(name string) bool {
	name = strings.Trim(strings.ReplaceAll(strings.TrimSpace(name), "\\", "/"), "/")
	return name == "" || name == "."
}

func secureArchiveJoin(baseDir, archivePath string) (string, error) {
	archivePath = strings.TrimSpace(archivePath)
	if archivePath == "" {
		return "", fmt.Errorf("invalid empty archive entry path")
	}

	normalized := strings.ReplaceAll(archivePath, "\\", "/")
	if strings.HasPrefix(normalized, "/") {
		return "", fmt.Errorf("invalid absolute archive entry path %q", archivePath)
	}
	if len(normalized) >= 2 && ((normalized[0] >= 'A' && normalized[0] <= 'Z') || (normalized[0] >= 'a' && normalized[0] <= 'z')) && normalized[1] == ':' {
		return "", fmt.Errorf("invalid archive entry path with drive letter %q", archivePath)
	}

	cleaned := filepath.Clean(filepath.FromSlash(normalized))
	if cleaned == "." {
		return "", fmt.Errorf("invalid archive entry path %q", archivePath)
	}
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("unsafe archive entry path %q", archivePath)
	}

	targetPath := filepath.Join(baseDir, cleaned)
	relPath, err := filepath.Rel(baseDir, targetPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve archive path %q: %w", archivePath, err)
	}
	if relPath == ".." || strings.HasPrefix(relPath, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("unsafe archive entry path %q", archivePath)
	}

	return targetPath, nil
}
