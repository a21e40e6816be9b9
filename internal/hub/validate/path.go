package validate

import (
	"path"
	"strings"
)

// SanitizeDirectory sanitizes the working-directory path of a spawn
// request. It strips control characters, trims whitespace, rejects path
// traversal, and normalizes the result. Invalid input returns "".
//
// The hub never touches the runner's filesystem, so the check is purely
// syntactic: absolute, traversal-free paths only. Tilde expansion is the
// runner's job (the hub does not know the remote home directory).
func SanitizeDirectory(value string) string {
	// Strip control characters (< 0x20 and 0x7F).
	var b strings.Builder
	for _, r := range value {
		if r < 0x20 || r == 0x7F {
			continue
		}
		b.WriteRune(r)
	}
	s := strings.TrimSpace(b.String())
	if s == "" {
		return ""
	}

	// Tilde paths pass through untouched for the runner to expand.
	if s == "~" || strings.HasPrefix(s, "~/") {
		if strings.Contains(s, "..") {
			return ""
		}
		return s
	}

	// Must be absolute.
	if !strings.HasPrefix(s, "/") {
		return ""
	}

	// Reject path traversal before normalizing (Clean resolves ".." components).
	for _, comp := range strings.Split(s, "/") {
		if comp == ".." {
			return ""
		}
	}

	return path.Clean(s)
}
