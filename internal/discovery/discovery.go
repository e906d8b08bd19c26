// Package discovery finds candidate source images and enumerates asset roots.
package discovery

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// DefaultExtensions are the source formats picked up when none are configured
var DefaultExtensions = []string{".png", ".jpg", ".jpeg", ".webp"}

// RootStatus pairs a configured root with whether it is present on disk
type RootStatus struct {
	Path   string
	Exists bool
}

// Sources lists the source images at the top level of root. Extensions match
// case-insensitively. Files whose name appears in known are left out so an
// asset already recorded in the manifest is never ingested twice.
func Sources(root string, exts []string, known map[string]struct{}) ([]string, error) {
	if len(exts) == 0 {
		exts = DefaultExtensions
	}
	allowed := make(map[string]bool, len(exts))
	for _, ext := range exts {
		allowed[strings.ToLower(ext)] = true
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", root, err)
	}

	seen := make(map[string]bool, len(entries))
	var sources []string
	for _, entry := range entries {
		if !IsRegular(root, entry) {
			continue
		}
		name := entry.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		if !allowed[strings.ToLower(filepath.Ext(name))] {
			continue
		}
		if _, ok := known[name]; ok {
			continue
		}
		if seen[name] {
			continue
		}
		seen[name] = true
		sources = append(sources, filepath.Join(root, name))
	}
	sort.Strings(sources)
	return sources, nil
}

// IsRegular reports whether entry in dir is a regular file or a symlink that
// resolves to one.
func IsRegular(dir string, entry fs.DirEntry) bool {
	if entry.Type().IsRegular() {
		return true
	}
	if entry.Type()&fs.ModeSymlink == 0 {
		return false
	}
	info, err := os.Stat(filepath.Join(dir, entry.Name()))
	return err == nil && info.Mode().IsRegular()
}

// Roots reports each configured root in order along with whether it exists
func Roots(paths []string) []RootStatus {
	statuses := make([]RootStatus, 0, len(paths))
	for _, path := range paths {
		info, err := os.Stat(path)
		statuses = append(statuses, RootStatus{
			Path:   path,
			Exists: err == nil && info.IsDir(),
		})
	}
	return statuses
}
