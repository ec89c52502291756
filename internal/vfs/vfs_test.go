// SPDX-FileCopyrightText: (C) 2026 Opaquefs Contributors
// SPDX-License-Identifier: Apache 2.0

package vfs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/opaquefs/opaquefs/internal/filemeta"
)

func newTestVFS(t *testing.T) (*VFS, string) {
	t.Helper()
	root := t.TempDir()
	numpath, err := MkHomeDir(root, 0)
	if err != nil {
		t.Fatalf("MkHomeDir: %v", err)
	}
	meta, err := filemeta.Open(filepath.Join(root, "meta.db"), 0, numpath)
	if err != nil {
		t.Fatalf("filemeta.Open: %v", err)
	}
	t.Cleanup(func() { _ = meta.Close() })
	return New(meta, numpath), numpath
}

func TestFtp2FsAllocatesAndIsStable(t *testing.T) {
	v, _ := newTestVFS(t)

	n1, err := v.Ftp2Fs("/a.txt")
	if err != nil {
		t.Fatalf("Ftp2Fs: %v", err)
	}
	n2, err := v.Ftp2Fs("/a.txt")
	if err != nil {
		t.Fatalf("Ftp2Fs (again): %v", err)
	}
	if n1 != n2 {
		t.Fatalf("expected stable numpath, got %q then %q", n1, n2)
	}

	ftppath, err := v.Fs2Ftp(n1)
	if err != nil {
		t.Fatalf("Fs2Ftp: %v", err)
	}
	if ftppath != "/a.txt" {
		t.Fatalf("got %q want /a.txt", ftppath)
	}
}

func TestFtp2FsDistinctPathsGetDistinctNumpaths(t *testing.T) {
	v, _ := newTestVFS(t)
	a, err := v.Ftp2Fs("/a.txt")
	if err != nil {
		t.Fatalf("Ftp2Fs: %v", err)
	}
	b, err := v.Ftp2Fs("/b.txt")
	if err != nil {
		t.Fatalf("Ftp2Fs: %v", err)
	}
	if a == b {
		t.Fatalf("expected distinct numpaths, got %q for both", a)
	}
}

func TestListDirFiltersUnmappedEntries(t *testing.T) {
	v, home := newTestVFS(t)
	numpath, err := v.Ftp2Fs("/a.txt")
	if err != nil {
		t.Fatalf("Ftp2Fs: %v", err)
	}
	if err := os.WriteFile(numpath, []byte("hi"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	// the per-home database file itself has no name-map row and must not
	// show up in a listing.
	if err := os.WriteFile(filepath.Join(home, "meta.db"), []byte{}, 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	names, err := v.ListDir(home)
	if err != nil {
		t.Fatalf("ListDir: %v", err)
	}
	if len(names) != 1 || names[0] != "a.txt" {
		t.Fatalf("got %v want [a.txt]", names)
	}
}

func TestRenamePreservesIntegrityViaFilenum(t *testing.T) {
	v, home := newTestVFS(t)
	src, err := v.Ftp2Fs("/a.txt")
	if err != nil {
		t.Fatalf("Ftp2Fs: %v", err)
	}
	if err := os.WriteFile(src, []byte("hi"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	filenum, err := v.meta.FetchFilenumByNumpath(src)
	if err != nil {
		t.Fatalf("FetchFilenumByNumpath: %v", err)
	}
	if err := v.meta.AddFileMeta(filenum, "aa", 2); err != nil {
		t.Fatalf("AddFileMeta: %v", err)
	}

	dst := filepath.Join(home, "99")
	if err := v.Rename(src, dst, "/b.txt"); err != nil {
		t.Fatalf("Rename: %v", err)
	}

	ftppath, err := v.Fs2Ftp(dst)
	if err != nil {
		t.Fatalf("Fs2Ftp: %v", err)
	}
	if ftppath != "/b.txt" {
		t.Fatalf("got %q want /b.txt", ftppath)
	}
	if _, err := os.Stat(dst); err != nil {
		t.Fatalf("expected file at dst: %v", err)
	}
	if got, err := v.meta.FetchFilenumByNumpath(dst); err != nil || got != filenum {
		t.Fatalf("expected dst to keep filenum %d, got (%d, %v)", filenum, got, err)
	}
	if tag, err := v.meta.FetchTag(filenum); err != nil || tag != "aa" {
		t.Fatalf("expected integrity row preserved across rename: got (%q, %v)", tag, err)
	}
}

func TestFtp2FsUnknownParentFails(t *testing.T) {
	v, _ := newTestVFS(t)
	if _, err := v.Ftp2Fs("/nope/child.txt"); err == nil {
		t.Fatalf("expected error for unregistered parent directory")
	}
}
