// Package file has small filesystem helpers shared by the media layer.
package file

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// ReplaceExt swaps the extension of path. ext may be given with or without the dot.
func ReplaceExt(path, ext string) string {
	if path == "" {
		return path
	}
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	base := filepath.Base(path)
	if dot := strings.LastIndex(base, "."); dot > 0 {
		base = base[:dot]
	}
	return filepath.Join(filepath.Dir(path), base+ext)
}

// Exists reports whether path names an existing file or directory.
func Exists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}

// StaleDirs lists the direct subdirectories of root last modified before cutoff, sorted.
// A missing root yields no entries.
func StaleDirs(root string, cutoff time.Time) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var stale []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			stale = append(stale, filepath.Join(root, e.Name()))
		}
	}
	sort.Strings(stale)
	return stale, nil
}
