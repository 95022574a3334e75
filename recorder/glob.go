package recorder

import "strings"

// matchGlob reports whether path matches pattern. '*' matches any run of
// characters (including none); everything else is literal. Patterns are
// anchored at both ends, so "/admin/*" matches "/admin/users" but not
// "/x/admin/users".
func matchGlob(pattern, path string) bool {
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return pattern == path
	}

	if !strings.HasPrefix(path, parts[0]) {
		return false
	}
	rest := path[len(parts[0]):]

	for _, mid := range parts[1 : len(parts)-1] {
		idx := strings.Index(rest, mid)
		if idx < 0 {
			return false
		}
		rest = rest[idx+len(mid):]
	}

	last := parts[len(parts)-1]
	if last == "" {
		return true
	}
	return strings.HasSuffix(rest, last)
}

// pathExcluded reports whether path matches any of the configured globs.
func pathExcluded(patterns []string, path string) bool {
	for _, p := range patterns {
		if matchGlob(p, path) {
			return true
		}
	}
	return false
}
