package patch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// BackupStore keeps full pre-mutation copies of patched files. Backups are
// never deleted by the pipeline.
type BackupStore interface {
	Save(ctx context.Context, key string, data []byte) (location string, err error)
	Load(ctx context.Context, location string) ([]byte, error)
}

// BackupKey names a backup as <reportID>/<unixnano>-<flattened path>.backup.
func BackupKey(reportID, file string, at time.Time) string {
	flat := strings.NewReplacer("/", "__", `\`, "__").Replace(filepath.ToSlash(file))
	return fmt.Sprintf("%s/%d-%s.backup", reportID, at.UnixNano(), flat)
}

// FSBackupStore writes backups under a dedicated directory with 0600 files.
type FSBackupStore struct {
	dir string
}

func NewFSBackupStore(dir string) (*FSBackupStore, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o700); err != nil {
		return nil, fmt.Errorf("create backup dir %s: %w", abs, err)
	}
	return &FSBackupStore{dir: abs}, nil
}

func (s *FSBackupStore) Save(_ context.Context, key string, data []byte) (string, error) {
	target, err := s.within(filepath.Join(s.dir, filepath.FromSlash(key)))
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
		return "", fmt.Errorf("create backup dir: %w", err)
	}
	f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return "", fmt.Errorf("create backup: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(target)
		return "", fmt.Errorf("write backup: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(target)
		return "", fmt.Errorf("sync backup: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close backup: %w", err)
	}
	return target, nil
}

func (s *FSBackupStore) Load(_ context.Context, location string) ([]byte, error) {
	target, err := s.within(location)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(target)
}

func (s *FSBackupStore) within(p string) (string, error) {
	clean := filepath.Clean(p)
	rel, err := filepath.Rel(s.dir, clean)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("backup location %s is outside %s", p, s.dir)
	}
	return clean, nil
}
