package state

import (
	"fmt"
	"os"
	"path/filepath"
)

// Paths is the canonical runtime folder layout under the data directory.
type Paths struct {
	Root        string
	Crash       string
	Abort       string
	Maintenance string
	Tmp         string
}

// PathsVar holds the resolved layout after EnsureStateDirs.
var PathsVar Paths

// EnsureStateDirs ensures the runtime folder layout exists under the data
// directory. It rejects symlinks and permissive modes, and verifies each
// directory is writable by the process.
func EnsureStateDirs(dataDir string) error {
	statePath := filepath.Join(dataDir, "state")
	p := Paths{
		Root:        statePath,
		Crash:       filepath.Join(statePath, "crash"),
		Abort:       filepath.Join(statePath, "abort"),
		Maintenance: filepath.Join(statePath, "maintenance"),
		Tmp:         filepath.Join(statePath, "tmp"),
	}

	for _, dir := range []string{p.Crash, p.Abort, p.Maintenance, p.Tmp} {
		if err := os.MkdirAll(filepath.Dir(dir), 0o700); err != nil {
			return fmt.Errorf("cannot create parent for %s: %w", dir, err)
		}
		if fi, err := os.Lstat(dir); err == nil {
			if fi.Mode()&os.ModeSymlink != 0 {
				return fmt.Errorf("path is a symlink: %s", dir)
			}
			if !fi.IsDir() {
				return fmt.Errorf("path exists and is not a directory: %s", dir)
			}
			if fi.Mode().Perm()&0o022 != 0 {
				return fmt.Errorf("path has permissive mode (group/other write): %s", dir)
			}
		}
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("cannot create path %s: %w", dir, err)
		}

		// writability check: create and remove a temp file
		tmp, err := os.CreateTemp(dir, ".validate-*")
		if err != nil {
			return fmt.Errorf("path not writable: %s: %w", dir, err)
		}
		tmp.Close()
		_ = os.Remove(tmp.Name())
	}

	PathsVar = p
	return nil
}
