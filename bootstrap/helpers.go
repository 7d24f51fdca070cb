//go:build linux

package bootstrap

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"eventd/ingest"
	"eventd/storage"

	"go.uber.org/zap"
)

// EnsureDirectories creates the parent directories of the given paths.
// Empty paths are skipped.
func EnsureDirectories(sugar *zap.SugaredLogger, paths ...string) error {
	for _, p := range paths {
		if p == "" || p == ":memory:" {
			continue
		}
		dir, err := filepath.Abs(filepath.Dir(p))
		if err != nil {
			return fmt.Errorf("failed to resolve absolute path for %s: %w", p, err)
		}
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("failed to create directory %s: %w\n"+
				"  Remediation: Ensure the parent directory exists and is writable\n"+
				"  For bare metal: Run 'mkdir -p %s'", dir, err, dir)
		}
		sugar.Debugw("Directory ready", "path", dir)
	}
	return nil
}

// ClassifyBindError explains an endpoint bind failure with remediation steps
func ClassifyBindError(err error, socketPath string) string {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, ingest.ErrAddressInUse):
		return fmt.Sprintf("Socket %s is in use by a running process.\n"+
			"  Possible causes:\n"+
			"  - Another eventd or analysisd instance owns the socket\n"+
			"  Remediation:\n"+
			"  - Stop the other process, or configure a different endpoint.path\n"+
			"  - Find the owner: ss -xlp | grep %s", socketPath, filepath.Base(socketPath))
	case errors.Is(err, ingest.ErrPermission):
		return fmt.Sprintf("Permission denied creating socket %s.\n"+
			"  Remediation:\n"+
			"  - Check directory permissions: ls -ld %s\n"+
			"  - Run eventd as the user that owns the queue directory", socketPath, filepath.Dir(socketPath))
	case errors.Is(err, ingest.ErrNotSocket):
		return fmt.Sprintf("%s exists and is not a socket; it will not be removed.\n"+
			"  Remediation:\n"+
			"  - Move the file away or configure a different endpoint.path", socketPath)
	case errors.Is(err, ingest.ErrInvalidPath):
		return fmt.Sprintf("Socket path %q is not usable: %v", socketPath, err)
	}

	return fmt.Sprintf("Failed to bind socket %s: %v\n"+
		"  Remediation:\n"+
		"  - Ensure the directory %s exists and is writable", socketPath, err, filepath.Dir(socketPath))
}

// ClassifySQLiteError provides specific error messages based on the type of SQLite failure.
func ClassifySQLiteError(err error, dbPath string) string {
	if err == nil {
		return ""
	}

	if errors.Is(err, storage.ErrInvalidDatabasePath) {
		return fmt.Sprintf("Database path %q was rejected: %v\n"+
			"  Remediation:\n"+
			"  - Set dlq.path (or EVENTD_DLQ_PATH) to a plain file path without \"..\"", dbPath, err)
	}

	errStr := strings.ToLower(err.Error())
	absPath, _ := filepath.Abs(dbPath)
	parentDir := filepath.Dir(absPath)

	switch {
	case strings.Contains(errStr, "permission denied"):
		return fmt.Sprintf("Permission denied accessing SQLite database at %s.\n"+
			"  Remediation:\n"+
			"  - Check file permissions: ls -la %s\n"+
			"  - Check directory permissions: ls -la %s", absPath, absPath, parentDir)
	case strings.Contains(errStr, "database is locked") || strings.Contains(errStr, "sqlite_busy"):
		return fmt.Sprintf("SQLite database at %s is locked by another process.\n"+
			"  Remediation:\n"+
			"  - Check for running eventd processes: ps aux | grep eventd\n"+
			"  - Check for lock files: ls -la %s*", absPath, absPath)
	case strings.Contains(errStr, "disk full") || strings.Contains(errStr, "no space") || strings.Contains(errStr, "sqlite_full"):
		return fmt.Sprintf("Disk full - cannot write to SQLite database at %s.\n"+
			"  Remediation:\n"+
			"  - Check available disk space: df -h %s", absPath, parentDir)
	case strings.Contains(errStr, "corrupt") || strings.Contains(errStr, "malformed"):
		return fmt.Sprintf("SQLite database at %s appears to be corrupted.\n"+
			"  Remediation:\n"+
			"  - Check integrity: sqlite3 %s \"PRAGMA integrity_check;\"\n"+
			"  - Dead-lettered datagrams are disposable: move the file away and restart", absPath, absPath)
	case strings.Contains(errStr, "read-only"):
		return fmt.Sprintf("SQLite database location is on a read-only file system: %s.\n"+
			"  Remediation:\n"+
			"  - Move the database to a writable location via EVENTD_DLQ_PATH", absPath)
	}

	return fmt.Sprintf("Failed to initialize SQLite database at %s: %v\n"+
		"  Remediation:\n"+
		"  - Ensure the directory %s exists and is writable", absPath, err, parentDir)
}
