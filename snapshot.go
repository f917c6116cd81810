// perlcomplete/snapshot.go
// Writes unsaved buffer contents to stable paths the server can read.
package perlcomplete

import (
	"fmt"
	"os"
	"path/filepath"
)

// FileSnapshotter stores buffer snapshots under Dir, one file per context path.
// The same context path always maps to the same snapshot file.
type FileSnapshotter struct {
	Dir string
}

// NewFileSnapshotter uses <user cache dir>/perlcomplete/buffers, or the temp dir
// when no cache dir is available.
func NewFileSnapshotter() *FileSnapshotter {
	base, err := os.UserCacheDir()
	if err != nil {
		base = os.TempDir()
	}
	return &FileSnapshotter{Dir: filepath.Join(base, configDirName, "buffers")}
}

// Snapshot implements BufferSnapshotter.
func (s *FileSnapshotter) Snapshot(contextPath string, contents []byte) (string, error) {
	if err := os.MkdirAll(s.Dir, 0o700); err != nil {
		return "", fmt.Errorf("creating snapshot dir: %w", err)
	}
	name := hashString(contextPath)[:32] + filepath.Ext(contextPath)
	path := filepath.Join(s.Dir, name)

	tmp, err := os.CreateTemp(s.Dir, name+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("creating snapshot: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(contents); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("writing snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("closing snapshot: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("replacing snapshot: %w", err)
	}
	return path, nil
}
