// SPDX-FileCopyrightText: (C) 2026 Opaquefs Contributors
// SPDX-License-Identifier: Apache 2.0

package filemeta

import (
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "home.db"), 0, "/home/0")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSeededRoot(t *testing.T) {
	s := openTestStore(t)
	numpath, err := s.FetchNumpathByFtppath("/")
	if err != nil {
		t.Fatalf("FetchNumpathByFtppath: %v", err)
	}
	if numpath != "/home/0" {
		t.Fatalf("got %q want /home/0", numpath)
	}
}

func TestAddAndLookupNumpath(t *testing.T) {
	s := openTestStore(t)
	next, err := s.GetNextFilenum()
	if err != nil {
		t.Fatalf("GetNextFilenum: %v", err)
	}
	if next != 1 {
		t.Fatalf("expected next filenum 1 after seeding filenum 0, got %d", next)
	}

	if err := s.AddNumpath(next, "/home/0/1", "/a.txt"); err != nil {
		t.Fatalf("AddNumpath: %v", err)
	}

	numpath, err := s.FetchNumpathByFtppath("/a.txt")
	if err != nil {
		t.Fatalf("FetchNumpathByFtppath: %v", err)
	}
	if numpath != "/home/0/1" {
		t.Fatalf("got %q want /home/0/1", numpath)
	}

	ftppath, err := s.FetchFilepath("/home/0/1")
	if err != nil {
		t.Fatalf("FetchFilepath: %v", err)
	}
	if ftppath != "/a.txt" {
		t.Fatalf("got %q want /a.txt", ftppath)
	}
}

func TestFileMetaUpsertAndFetch(t *testing.T) {
	s := openTestStore(t)
	if err := s.AddNumpath(1, "/home/0/1", "/a.txt"); err != nil {
		t.Fatalf("AddNumpath: %v", err)
	}

	if _, err := s.FetchTag(1); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound before any TAG, got %v", err)
	}

	if err := s.UpsertFileMeta(1, "deadbeef", 48); err != nil {
		t.Fatalf("UpsertFileMeta (insert): %v", err)
	}
	tag, err := s.FetchTag(1)
	if err != nil || tag != "deadbeef" {
		t.Fatalf("FetchTag after insert: got (%q, %v)", tag, err)
	}

	if err := s.UpsertFileMeta(1, "cafebabe", 64); err != nil {
		t.Fatalf("UpsertFileMeta (update): %v", err)
	}
	tag, err = s.FetchTag(1)
	if err != nil || tag != "cafebabe" {
		t.Fatalf("FetchTag after update: got (%q, %v)", tag, err)
	}
	size, err := s.FetchSize(1)
	if err != nil || size != 64 {
		t.Fatalf("FetchSize after update: got (%d, %v)", size, err)
	}
}

func TestFetchAllFileSizes(t *testing.T) {
	s := openTestStore(t)
	if err := s.AddNumpath(1, "/home/0/1", "/a.txt"); err != nil {
		t.Fatalf("AddNumpath: %v", err)
	}
	if err := s.AddNumpath(2, "/home/0/2", "/b.txt"); err != nil {
		t.Fatalf("AddNumpath: %v", err)
	}
	if err := s.AddFileMeta(1, "aa", 10); err != nil {
		t.Fatalf("AddFileMeta: %v", err)
	}

	sizes, err := s.FetchAllFileSizes()
	if err != nil {
		t.Fatalf("FetchAllFileSizes: %v", err)
	}
	if len(sizes) != 1 {
		t.Fatalf("expected only files with a recorded tag, got %d rows: %+v", len(sizes), sizes)
	}
	if sizes[0].Ftppath != "/a.txt" || sizes[0].Size != 10 {
		t.Fatalf("unexpected row: %+v", sizes[0])
	}
}

func TestRemoveByFilenum(t *testing.T) {
	s := openTestStore(t)
	if err := s.AddNumpath(1, "/home/0/1", "/a.txt"); err != nil {
		t.Fatalf("AddNumpath: %v", err)
	}
	if err := s.AddFileMeta(1, "aa", 10); err != nil {
		t.Fatalf("AddFileMeta: %v", err)
	}
	if err := s.RemoveByFilenum(1); err != nil {
		t.Fatalf("RemoveByFilenum: %v", err)
	}
	if _, err := s.FetchFilepath("/home/0/1"); err != ErrNotFound {
		t.Fatalf("expected name row removed, got %v", err)
	}
	if _, err := s.FetchTag(1); err != ErrNotFound {
		t.Fatalf("expected integrity row removed, got %v", err)
	}
}

func TestRenameNumpathPreservesFilenum(t *testing.T) {
	s := openTestStore(t)
	if err := s.AddNumpath(1, "/home/0/1", "/a.txt"); err != nil {
		t.Fatalf("AddNumpath: %v", err)
	}
	if err := s.AddFileMeta(1, "aa", 10); err != nil {
		t.Fatalf("AddFileMeta: %v", err)
	}
	if err := s.RenameNumpath(1, "/home/0/1", "/renamed.txt"); err != nil {
		t.Fatalf("RenameNumpath: %v", err)
	}
	ftppath, err := s.FetchFilepath("/home/0/1")
	if err != nil || ftppath != "/renamed.txt" {
		t.Fatalf("got (%q, %v)", ftppath, err)
	}
	tag, err := s.FetchTag(1)
	if err != nil || tag != "aa" {
		t.Fatalf("expected integrity row preserved across rename: got (%q, %v)", tag, err)
	}
}
