// SPDX-FileCopyrightText: (C) 2026 Opaquefs Contributors
// SPDX-License-Identifier: Apache 2.0

// Package vfs implements the opaque-name virtual filesystem: it translates
// between client-visible (ciphertext) FTP paths and server-side opaque
// numeric paths built from monotonically allocated filenums, persisting the
// mapping in a per-home filemeta.Store.
package vfs

import (
	"errors"
	"fmt"
	"os"
	"path"
	"strconv"
	"strings"

	"github.com/opaquefs/opaquefs/internal/filemeta"
)

// ErrNotFound is returned when an ftppath or numpath has no registered
// mapping and none could be created (e.g. missing parent).
var ErrNotFound = errors.New("vfs: not found")

// VFS mediates between ftppaths (as they appear in FTP commands, already
// normalised and still in their client-supplied ciphertext form) and
// numpaths (the real on-disk, opaque-numbered paths).
type VFS struct {
	meta *filemeta.Store
	root string // real on-disk path of the user's home directory
}

// New wraps an already-open per-home metadata store rooted at root.
func New(meta *filemeta.Store, root string) *VFS {
	return &VFS{meta: meta, root: root}
}

// MkHomeDir creates the on-disk home directory named after the given home
// filenum under serverRoot and returns its numpath. It does not touch the
// name map: call it before filemeta.Open when provisioning a brand-new user,
// and pass the returned numpath to filemeta.Open, which seeds the root row.
func MkHomeDir(serverRoot string, filenum int64) (numpath string, err error) {
	numpath = path.Join(serverRoot, strconv.FormatInt(filenum, 10))
	if err := os.MkdirAll(numpath, 0o700); err != nil {
		return "", fmt.Errorf("vfs: mkhomedir: %w", err)
	}
	return numpath, nil
}

// Ftp2Fs translates a normalised ftppath to its numpath, allocating a new
// filenum (and the corresponding name-map row) if this is the first time
// this ftppath has been observed. The parent of ftppath must already be
// registered.
func (v *VFS) Ftp2Fs(ftppath string) (string, error) {
	ftppath = normalize(ftppath)
	numpath, err := v.meta.FetchNumpathByFtppath(ftppath)
	if err == nil {
		return numpath, nil
	}
	if !errors.Is(err, filemeta.ErrNotFound) {
		return "", err
	}

	parentFtppath := parentOf(ftppath)
	parentNumpath, err := v.meta.FetchNumpathByFtppath(parentFtppath)
	if err != nil {
		if errors.Is(err, filemeta.ErrNotFound) {
			return "", ErrNotFound
		}
		return "", err
	}

	newFilenum, err := v.meta.GetNextFilenum()
	if err != nil {
		return "", err
	}
	numpath = path.Join(parentNumpath, strconv.FormatInt(newFilenum, 10))
	if err := v.meta.AddNumpath(newFilenum, numpath, ftppath); err != nil {
		return "", err
	}
	return numpath, nil
}

// Fs2Ftp returns the client-supplied ciphertext ftppath registered for
// numpath.
func (v *VFS) Fs2Ftp(numpath string) (string, error) {
	ftppath, err := v.meta.FetchFilepath(numpath)
	if err != nil {
		if errors.Is(err, filemeta.ErrNotFound) {
			return "", ErrNotFound
		}
		return "", err
	}
	return ftppath, nil
}

// ListDir lists the ftppath basenames corresponding to the real directory
// entries under numpath. Entries with no name-map row (e.g. the per-home
// database file itself) are silently filtered out.
func (v *VFS) ListDir(numpath string) ([]string, error) {
	entries, err := os.ReadDir(numpath)
	if err != nil {
		return nil, fmt.Errorf("vfs: listdir: %w", err)
	}
	var out []string
	for _, e := range entries {
		childNumpath := path.Join(numpath, e.Name())
		ftppath, err := v.meta.FetchFilepath(childNumpath)
		if err != nil {
			if errors.Is(err, filemeta.ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, path.Base(ftppath))
	}
	return out, nil
}

// Rename moves the file on disk from srcNumpath to dstNumpath and rewrites
// the name map so dstNumpath is the new home of the original name-map row
// (preserving its filenum, and therefore its integrity row -- see
// DESIGN.md's decision on the spec's open rename question).
func (v *VFS) Rename(srcNumpath, dstNumpath, dstFtppath string) error {
	filenum, err := v.meta.FetchFilenumByNumpath(srcNumpath)
	if err != nil {
		if errors.Is(err, filemeta.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	if err := os.Rename(srcNumpath, dstNumpath); err != nil {
		return fmt.Errorf("vfs: rename: %w", err)
	}
	return v.meta.RenameNumpath(filenum, dstNumpath, dstFtppath)
}

// Remove deletes the name-map (and, if present, integrity) rows for
// numpath's filenum. Callers are responsible for removing the underlying
// file/directory itself.
func (v *VFS) Remove(numpath string) error {
	filenum, err := v.meta.FetchFilenumByNumpath(numpath)
	if err != nil {
		if errors.Is(err, filemeta.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	return v.meta.RemoveByFilenum(filenum)
}

// normalize mimics the FTP framework's path normalisation: collapse to an
// absolute, slash-separated path with "." and ".." resolved, preserving the
// distinction between "/" and other absolute paths.
func normalize(ftppath string) string {
	if ftppath == "" {
		return "/"
	}
	if !strings.HasPrefix(ftppath, "/") {
		ftppath = "/" + ftppath
	}
	return path.Clean(ftppath)
}

// parentOf returns the normalised parent of a normalised ftppath.
func parentOf(ftppath string) string {
	if ftppath == "/" {
		return "/"
	}
	p := path.Dir(ftppath)
	if p == "" {
		return "/"
	}
	return p
}
