// SPDX-FileCopyrightText: (C) 2026 Opaquefs Contributors
// SPDX-License-Identifier: Apache 2.0

package account

import (
	"path"
	"strings"
)

// HasPerm reports whether the user's base Perm string (or a matching
// per-path override) grants letter for path. path may be empty, in which
// case only the base permission set is consulted.
//
// Grounded on the original server's has_perm/_issubpath: an override applies
// to path if path is under (or equal to) the override's directory; a
// non-recursive override applies only to that directory itself and its
// direct children, never to files nested further down.
func (r Record) HasPerm(letter byte, forPath string) bool {
	if forPath == "" {
		return strings.IndexByte(r.Perm, letter) >= 0
	}
	norm := path.Clean(forPath)
	for dir, ov := range r.Operms {
		if !isSubpath(norm, dir) {
			continue
		}
		if ov.Recursive || norm == dir || path.Dir(norm) == dir {
			return strings.IndexByte(ov.Perm, letter) >= 0
		}
	}
	return strings.IndexByte(r.Perm, letter) >= 0
}

// isSubpath reports whether p is dir itself or nested under it.
func isSubpath(p, dir string) bool {
	if dir == "/" {
		return true
	}
	return p == dir || strings.HasPrefix(p, dir+"/")
}
