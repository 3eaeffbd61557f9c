package models

import (
	"path"
	"strings"
)

// RootPath is the implicit root folder.
const RootPath = "/"

// CleanPath turns p into an absolute, slash separated logical path.
// Backslashes are treated as separators.
func CleanPath(p string) string {
	p = strings.ReplaceAll(strings.TrimSpace(p), "\\", "/")
	return path.Clean("/" + p)
}

// JoinPath appends name to parent.
func JoinPath(parent, name string) string {
	return CleanPath(parent + "/" + name)
}

// SplitPath returns the parent folder and the last element of p.
// The root splits into ("/", "").
func SplitPath(p string) (parent, name string) {
	p = CleanPath(p)
	if p == RootPath {
		return RootPath, ""
	}
	dir, name := path.Split(p)
	return CleanPath(dir), name
}

// IsWithin reports whether p equals root or lies below it.
func IsWithin(p, root string) bool {
	p, root = CleanPath(p), CleanPath(root)
	if root == RootPath || p == root {
		return true
	}
	return strings.HasPrefix(p, root+"/")
}
