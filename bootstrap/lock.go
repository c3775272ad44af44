package bootstrap

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	lockAcquireTimeout = 10 * time.Minute
	lockRetryInterval  = 100 * time.Millisecond
	lockLogInterval    = 10 * time.Second
)

// withProcessFileLock runs fn while holding an exclusive lock on lockPath.
// The lock is polled so a stuck holder surfaces as a timeout instead of a
// hang.
func withProcessFileLock(lockPath string, logger logrus.FieldLogger, fn func() error) (err error) {
	if fn == nil {
		return fmt.Errorf("lock callback is nil")
	}
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return fmt.Errorf("failed to create lock directory for %q: %w", lockPath, err)
	}

	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open lock file %q: %w", lockPath, err)
	}

	start := time.Now()
	lastLog := start
	for {
		busy, lockErr := tryLock(file)
		if lockErr == nil {
			break
		}
		if !busy {
			_ = file.Close()
			return fmt.Errorf("failed to acquire lock %q: %w", lockPath, lockErr)
		}
		if time.Since(start) >= lockAcquireTimeout {
			_ = file.Close()
			return fmt.Errorf("timed out acquiring lock %q after %s", lockPath, lockAcquireTimeout)
		}
		if logger != nil && time.Since(lastLog) >= lockLogInterval {
			logger.WithFields(logrus.Fields{
				"lock":    lockPath,
				"waiting": time.Since(start).Round(time.Second).String(),
			}).Info("waiting for another process to finish provisioning")
			lastLog = time.Now()
		}
		time.Sleep(lockRetryInterval)
	}

	defer func() {
		unlockErr := unlock(file)
		closeErr := file.Close()
		err = errors.Join(err, unlockErr, closeErr)
	}()

	return fn()
}
