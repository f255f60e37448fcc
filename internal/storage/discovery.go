package storage

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// WorkspaceEnv overrides workspace discovery, mainly for test isolation
const WorkspaceEnv = "PUBDEPLOY_WORKSPACE"

// skipDirs are never descended into when scanning a workspace
var skipDirs = map[string]bool{
	"bin":          true,
	"obj":          true,
	".git":         true,
	".vs":          true,
	"node_modules": true,
	"packages":     true,
}

// DiscoverWorkspace returns the workspace root: $PUBDEPLOY_WORKSPACE when
// set, otherwise the current directory. It does not walk up the tree, so a
// nested checkout never picks up a parent project's profiles.
func DiscoverWorkspace() (string, error) {
	if dir := os.Getenv(WorkspaceEnv); dir != "" {
		return resolveDir(dir)
	}

	dir, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get current directory: %w", err)
	}
	return resolveDir(dir)
}

func resolveDir(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("failed to get absolute path: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("workspace %s is not accessible: %w", abs, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("workspace %s is not a directory", abs)
	}
	return abs, nil
}

// WalkFiles returns every file under root whose name ends with suffix,
// skipping build output and VCS directories. Unreadable subdirectories are
// skipped rather than failing the whole scan.
func WalkFiles(root, suffix string) ([]string, error) {
	var found []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if path != root && skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasSuffix(strings.ToLower(d.Name()), strings.ToLower(suffix)) {
			found = append(found, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", root, err)
	}
	return found, nil
}

// IsAtOrBelow checks if path is at or below root in the directory tree
func IsAtOrBelow(path, root string) bool {
	path = filepath.Clean(path)
	root = filepath.Clean(root)
	return path == root || strings.HasPrefix(path, root+string(filepath.Separator))
}
