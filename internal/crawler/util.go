package crawler

import (
	"path/filepath"
	"regexp"
	"strings"
)

// MaxSegmentLength bounds program and filename path segments.
const MaxSegmentLength = 80

var pathBreakingChars = regexp.MustCompile(`[\\/*?:"<>|]`)

// SanitizeSegment replaces path-breaking characters, trims whitespace and
// truncates the result so it is safe to use as a single path segment.
func SanitizeSegment(name string) string {
	clean := pathBreakingChars.ReplaceAllString(strings.TrimSpace(name), "_")
	if r := []rune(clean); len(r) > MaxSegmentLength {
		clean = string(r[:MaxSegmentLength])
	}
	clean = strings.TrimSpace(clean)
	if clean == "" || clean == "." || clean == ".." {
		return "_"
	}
	return clean
}

// StoragePath derives the deterministic on-disk location
// <root>/<program>/<period>/<filename>.
func StoragePath(root, program, period, filename string) string {
	return filepath.Join(root, SanitizeSegment(program), SanitizeSegment(period), SanitizeSegment(filename))
}

// NormalizePath returns an absolute, cleaned form of p for comparisons.
func NormalizePath(p string) string {
	if p == "" {
		return ""
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return filepath.Clean(p)
	}
	return abs
}
