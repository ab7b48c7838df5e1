// Package route contains path normalization and the route table that maps
// normalized request paths to upstream descriptors.
package route

import (
	"regexp"
	"strings"
)

// IDPlaceholder replaces identifier-shaped path segments during
// normalization, so "/api/users/42" and "/api/users/{id}" share a match key.
const IDPlaceholder = "{id}"

var (
	uuidSegment    = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
	numericSegment = regexp.MustCompile(`^[0-9]+$`)
	versionSegment = regexp.MustCompile(`^[vV][0-9]+$`)
)

// Normalize collapses duplicate slashes, strips the trailing slash, and
// replaces UUID and pure-numeric segments with the id placeholder.
//
// Dot segments are deliberately left alone: resolving ".." here would let a
// crafted path slip past template matching, and the scanner wants to see the
// original shape anyway.
func Normalize(path string) string {
	segs := splitSegments(path)
	if len(segs) == 0 {
		return "/"
	}
	for i, s := range segs {
		if uuidSegment.MatchString(s) || numericSegment.MatchString(s) {
			segs[i] = IDPlaceholder
		}
	}
	return "/" + strings.Join(segs, "/")
}

// MatchKey returns the key used for route table lookups: the normalized path
// with version segments ("v1", "V2", ...) removed. Version segments are
// stripped for matching only; the dispatcher forwards the original path.
func MatchKey(path string) string {
	segs := splitSegments(path)
	out := segs[:0]
	for _, s := range segs {
		if versionSegment.MatchString(s) {
			continue
		}
		if uuidSegment.MatchString(s) || numericSegment.MatchString(s) {
			s = IDPlaceholder
		}
		out = append(out, s)
	}
	if len(out) == 0 {
		return "/"
	}
	return "/" + strings.Join(out, "/")
}

// Group reduces a path to its leading service prefix for rate-limit keying:
// "/api/v1/llm/completion" becomes "/llm". The optional "api" segment and
// version segments do not count as the prefix.
func Group(path string) string {
	segs := splitSegments(path)
	for _, s := range segs {
		if versionSegment.MatchString(s) || strings.EqualFold(s, "api") {
			continue
		}
		if uuidSegment.MatchString(s) || numericSegment.MatchString(s) {
			continue
		}
		return "/" + s
	}
	return "/"
}

// splitSegments breaks a path into non-empty segments, which collapses
// duplicate slashes and drops the trailing one.
func splitSegments(path string) []string {
	parts := strings.Split(path, "/")
	segs := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			segs = append(segs, p)
		}
	}
	return segs
}
