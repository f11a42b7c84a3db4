// Package registry tracks optimistic state: files the user deleted before
// the backend confirmed, and folder subtrees marked "being indexed" during
// knowledge base creation. Both registries live in the state store and are
// rewritten copy-on-write.
package registry

import (
	"path"
	"strings"
)

// NormalizePath converts a path-qualified name to its canonical
// leading-slash form with no trailing slash: "docs/a/" -> "/docs/a".
// The empty string and "/" both normalize to "/".
func NormalizePath(p string) string {
	p = strings.Trim(p, "/")
	if p == "" {
		return "/"
	}
	return "/" + path.Clean(p)
}

// ParentDir returns the canonical directory containing the named file:
// "docs/a/b.txt" -> "/docs/a".
func ParentDir(name string) string {
	return NormalizePath(path.Dir(strings.Trim(name, "/")))
}

// isWithin reports whether target equals base or sits below it, matching
// only at "/" boundaries so "/doc" never claims "/docs/x".
func isWithin(base, target string) bool {
	if base == target {
		return true
	}
	if base == "/" {
		return strings.HasPrefix(target, "/")
	}
	return strings.HasPrefix(target, base+"/")
}
