// SPDX-FileCopyrightText: (C) 2026 Opaquefs Contributors
// SPDX-License-Identifier: Apache 2.0

package ftpserver

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/opaquefs/opaquefs/internal/vfs"
)

func (s *Session) handlePASV() {
	if !s.requireAuth() {
		return
	}
	host := parsePasvHost(s.conn.LocalAddr())
	dc, text, err := listenPassive(host)
	if err != nil {
		s.log.Error("pasv listen", "err", err)
		_ = reply(s.conn, 425, "Can't open passive connection.")
		return
	}
	if s.dataCh != nil {
		// A PASV with no intervening transfer command abandons the
		// previous listener; close it now instead of leaving it open
		// until its own accept deadline.
		s.dataCh.ln.Close()
	}
	s.dataCh = dc
	_ = reply(s.conn, 227, text)
}

func (s *Session) takeDataConn() (dataConn io.ReadWriteCloser, ok bool) {
	if s.dataCh == nil {
		_ = reply(s.conn, 425, "Use PASV first.")
		return nil, false
	}
	conn, err := s.dataCh.accept()
	s.dataCh = nil
	if err != nil {
		s.log.Error("accept data conn", "err", err)
		_ = reply(s.conn, 425, "Can't open data connection.")
		return nil, false
	}
	return conn, true
}

// handleSTOR receives the ciphertext body over the data channel and writes
// it verbatim to the opaque-named file; it does not interpret the body at
// all (that is the client's job). Integrity bookkeeping happens on the
// following TAG command.
func (s *Session) handleSTOR(arg string) {
	target := s.resolve(arg)
	if !s.requirePerm('w', target) {
		return
	}
	numpath, err := s.vfs.Ftp2Fs(target)
	if err != nil {
		_ = reply(s.conn, 550, "No such file or directory.")
		return
	}

	dataConn, ok := s.takeDataConn()
	if !ok {
		return
	}
	_ = reply(s.conn, 150, "Ok to send data.")

	f, err := os.OpenFile(numpath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		dataConn.Close()
		s.log.Error("open for STOR", "err", err)
		_ = reply(s.conn, 451, "Could not write file.")
		return
	}
	_, copyErr := io.Copy(f, dataConn)
	closeErr := f.Close()
	dataConn.Close()
	if copyErr != nil || closeErr != nil {
		_ = os.Remove(numpath)
		_ = reply(s.conn, 426, "Connection closed; transfer aborted.")
		return
	}

	filenum, err := s.meta.FetchFilenumByNumpath(numpath)
	if err != nil {
		s.log.Error("fetch filenum after STOR", "err", err)
		_ = reply(s.conn, 451, "Internal error.")
		return
	}
	s.pendingNumpath = numpath
	s.pendingFilenum = filenum
	s.hasPending = true

	_ = reply(s.conn, 226, "Transfer complete.")
}

// handleTAG upserts the integrity row for the file most recently received
// via STOR. It is a protocol error to TAG without a preceding STOR.
func (s *Session) handleTAG(arg string) {
	if !s.authed {
		_ = reply(s.conn, 530, "Please login with USER and PASS.")
		return
	}
	if !s.hasPending {
		_ = reply(s.conn, 503, "Bad sequence of commands: use STOR first.")
		return
	}
	info, err := os.Stat(s.pendingNumpath)
	if err != nil {
		s.log.Error("stat pending file", "err", err)
		_ = reply(s.conn, 451, "Internal error.")
		return
	}
	if err := s.meta.UpsertFileMeta(s.pendingFilenum, arg, info.Size()); err != nil {
		s.log.Error("upsert file meta", "err", err)
		_ = reply(s.conn, 451, "Internal error.")
		return
	}
	s.hasPending = false
	s.pendingNumpath = ""
	s.pendingFilenum = 0
	_ = reply(s.conn, 250, "File transfer completed.")
}

// handleRETR streams the stored blob followed by its tag bytes: the "RETR
// append tag" trick (spec.md §2/§4.6). Before streaming it verifies the
// on-disk size still matches the recorded size, failing closed with 555 if
// not (full HMAC verification happens client-side after the whole stream is
// received).
func (s *Session) handleRETR(arg string) {
	target := s.resolve(arg)
	if !s.requirePerm('r', target) {
		return
	}
	numpath, err := s.vfs.Ftp2Fs(target)
	if err != nil {
		_ = reply(s.conn, 550, "No such file.")
		return
	}
	filenum, err := s.meta.FetchFilenumByNumpath(numpath)
	if err != nil {
		_ = reply(s.conn, 550, "No such file.")
		return
	}
	recordedSize, err := s.meta.FetchSize(filenum)
	if err != nil {
		_ = reply(s.conn, 550, "No such file.")
		return
	}
	info, err := os.Stat(numpath)
	if err != nil {
		_ = reply(s.conn, 550, "No such file.")
		return
	}
	if info.Size() != recordedSize {
		_ = reply(s.conn, 555, "File size changed.")
		return
	}
	tagHex, err := s.meta.FetchTag(filenum)
	if err != nil {
		_ = reply(s.conn, 550, "No such file.")
		return
	}
	tagBytes, err := hex.DecodeString(tagHex)
	if err != nil {
		s.log.Error("decode stored tag", "err", err)
		_ = reply(s.conn, 451, "Internal error.")
		return
	}

	dataConn, ok := s.takeDataConn()
	if !ok {
		return
	}
	_ = reply(s.conn, 150, "Opening data connection.")

	f, err := os.Open(numpath)
	if err != nil {
		dataConn.Close()
		_ = reply(s.conn, 451, "Could not read file.")
		return
	}
	_, copyErr := io.Copy(dataConn, f)
	f.Close()
	if copyErr == nil {
		_, copyErr = dataConn.Write(tagBytes)
	}
	dataConn.Close()
	if copyErr != nil {
		_ = reply(s.conn, 426, "Connection closed; transfer aborted.")
		return
	}
	_ = reply(s.conn, 226, "Transfer complete.")
}

// handleSIZE replies with the recorded size of the stored (ciphertext)
// blob at target, the same value RETR checks the on-disk size against.
func (s *Session) handleSIZE(arg string) {
	target := s.resolve(arg)
	if !s.requirePerm('r', target) {
		return
	}
	numpath, err := s.vfs.Ftp2Fs(target)
	if err != nil {
		_ = reply(s.conn, 550, "No such file.")
		return
	}
	filenum, err := s.meta.FetchFilenumByNumpath(numpath)
	if err != nil {
		_ = reply(s.conn, 550, "No such file.")
		return
	}
	size, err := s.meta.FetchSize(filenum)
	if err != nil {
		_ = reply(s.conn, 550, "No such file.")
		return
	}
	_ = reply(s.conn, 213, fmt.Sprintf("%d", size))
}

func (s *Session) handleLIST(arg string, long bool) {
	target := s.resolve(arg)
	if !s.requirePerm('l', target) {
		return
	}
	numpath, err := s.vfs.Ftp2Fs(target)
	if err != nil {
		_ = reply(s.conn, 550, "No such directory.")
		return
	}
	names, err := s.vfs.ListDir(numpath)
	if err != nil {
		_ = reply(s.conn, 550, "No such directory.")
		return
	}

	dataConn, ok := s.takeDataConn()
	if !ok {
		return
	}
	_ = reply(s.conn, 150, "Here comes the directory listing.")
	for _, name := range names {
		var line string
		if long {
			line = fmt.Sprintf("---------- 1 opaquefs opaquefs 0 Jan 1 00:00 %s\r\n", name)
		} else {
			line = name + "\r\n"
		}
		if _, err := io.WriteString(dataConn, line); err != nil {
			break
		}
	}
	dataConn.Close()
	_ = reply(s.conn, 226, "Directory send ok.")
}

func (s *Session) handleRNTO(arg string) {
	if !s.requireAuth() {
		return
	}
	if s.pendingRnfr == "" {
		_ = reply(s.conn, 503, "Bad sequence of commands: use RNFR first.")
		return
	}
	srcTarget := s.resolve(s.pendingRnfr)
	s.pendingRnfr = ""
	if !s.requirePerm('f', srcTarget) {
		return
	}
	dstTarget := s.resolve(arg)

	srcNumpath, err := s.vfs.Ftp2Fs(srcTarget)
	if err != nil {
		_ = reply(s.conn, 550, "No such file.")
		return
	}
	dstParent := path.Dir(dstTarget)
	dstParentNumpath, err := s.vfs.Ftp2Fs(dstParent)
	if err != nil {
		_ = reply(s.conn, 550, "Destination directory does not exist.")
		return
	}
	dstNumpath := path.Join(dstParentNumpath, path.Base(srcNumpath))

	if err := s.vfs.Rename(srcNumpath, dstNumpath, dstTarget); err != nil {
		if errors.Is(err, os.ErrNotExist) || errors.Is(err, vfs.ErrNotFound) {
			_ = reply(s.conn, 550, "No such file.")
			return
		}
		s.log.Error("rename", "err", err)
		_ = reply(s.conn, 451, "Internal error.")
		return
	}
	_ = reply(s.conn, 250, "Rename successful.")
}

func (s *Session) handleQUIT() {
	msg := "Goodbye."
	if s.authed && s.rec.MsgQuit != "" {
		msg = s.rec.MsgQuit
	}
	_ = reply(s.conn, 221, msg)
}
