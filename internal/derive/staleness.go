package derive

import (
	"os"
	"time"
)

// ModTime returns the modification time of path. The boolean is false when
// the file is missing or cannot be inspected.
func ModTime(path string) (time.Time, bool) {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}, false
	}
	return info.ModTime(), true
}

// NeedsRegen reports whether target must be regenerated from an upstream file
// last modified at upstream. Regeneration is skipped only when the target
// exists and is at least as new as its upstream.
func NeedsRegen(upstream time.Time, target string) bool {
	targetTime, ok := ModTime(target)
	if !ok {
		return true
	}
	return upstream.After(targetTime)
}

// staleAgainst applies NeedsRegen to a pair of files. An unreadable upstream
// timestamp always means regenerate.
func staleAgainst(upstream, target string) bool {
	upstreamTime, ok := ModTime(upstream)
	if !ok {
		return true
	}
	return NeedsRegen(upstreamTime, target)
}
