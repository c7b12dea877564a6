package containment

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
)

// ErrNoBackup is returned by Restore when no backup artifact exists for a
// path. The live file is never touched in that case.
var ErrNoBackup = errors.New("no backup available for path")

// BackupStore captures known-good copies of watched files and restores them
// on rollback.
type BackupStore struct {
	dir string
}

// NewBackupStore creates the backup directory if it does not exist.
func NewBackupStore(dir string) (*BackupStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("backup dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create backup dir: %w", err)
	}
	return &BackupStore{dir: dir}, nil
}

// backupPath maps a live path to its backup artifact. The digest prefix keeps
// files with the same base name from distinct directories apart.
func (b *BackupStore) backupPath(path string) string {
	sum := sha256.Sum256([]byte(path))
	return filepath.Join(b.dir, hex.EncodeToString(sum[:8])+"_"+filepath.Base(path))
}

// Has reports whether a backup artifact exists for path.
func (b *BackupStore) Has(path string) bool {
	_, err := os.Stat(b.backupPath(path))
	return err == nil
}

// Capture copies the live file into the store. An existing backup is kept:
// the first captured copy is the known-good artifact.
func (b *BackupStore) Capture(path string) error {
	dst := b.backupPath(path)
	if _, err := os.Stat(dst); err == nil {
		return nil
	}
	if err := copyFile(path, dst); err != nil {
		return fmt.Errorf("capture backup for %s: %w", path, err)
	}
	log.Debug().Str("path", path).Str("backup", dst).Msg("Captured file backup")
	return nil
}

// Restore copies the backup artifact over the live path. Returns ErrNoBackup
// when no artifact was captured; the live file is left untouched.
func (b *BackupStore) Restore(path string) error {
	src := b.backupPath(path)
	if _, err := os.Stat(src); err != nil {
		return ErrNoBackup
	}
	if err := copyFile(src, path); err != nil {
		return fmt.Errorf("restore %s: %w", path, err)
	}
	log.Info().Str("path", path).Msg("Restored file from backup")
	return nil
}

// copyFile copies src to dst, preserving the source mode, and syncs the
// destination before returning.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
