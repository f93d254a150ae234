package config

import (
	"os"
	"path/filepath"
)

// FindWorkspaceRoot walks up from the current directory looking for a
// .forge marker directory. Falls back to the current directory, where
// the CLI will create .forge on first use.
func FindWorkspaceRoot() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}

	dir := cwd
	for {
		if info, err := os.Stat(filepath.Join(dir, ".forge")); err == nil && info.IsDir() {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return cwd, nil
		}
		dir = parent
	}
}
