// SPDX-FileCopyrightText: (C) 2026 Opaquefs Contributors
// SPDX-License-Identifier: Apache 2.0

// Package ftpserver implements the server side of the encrypted-transfer
// protocol: an FTP-shaped control-channel state machine extended with the
// RGTR (registration) and TAG (post-upload authentication tag) commands,
// and the opaque-name virtual filesystem wired in underneath it.
package ftpserver

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/opaquefs/opaquefs/internal/account"
	"github.com/opaquefs/opaquefs/internal/cipher"
	"github.com/opaquefs/opaquefs/internal/filemeta"
	"github.com/opaquefs/opaquefs/internal/vfs"
)

// ErrBadSequence is the internal marker for a TAG sent with no preceding
// STOR.
var ErrBadSequence = errors.New("ftpserver: bad sequence of commands")

// ErrSizeMismatch is the internal marker for a RETR whose on-disk size no
// longer matches the recorded size.
var ErrSizeMismatch = errors.New("ftpserver: file size changed")

// DefaultIdleTimeout matches a typical FTP daemon's control-connection idle
// timeout.
const DefaultIdleTimeout = 5 * time.Minute

// Session services one client connection serially: commands are handled in
// strict receipt order, and all state below belongs to this connection
// alone (per spec.md §5/§9 -- no global mutable session state).
type Session struct {
	conn        net.Conn
	reader      *bufio.Reader
	log         *slog.Logger
	accounts    *account.Store
	serverRoot  string
	idleTimeout time.Duration

	username    string
	registering bool
	authed      bool
	rec         account.Record

	meta *filemeta.Store
	vfs  *vfs.VFS
	cwd  string

	pendingNumpath string
	pendingFilenum int64
	hasPending     bool

	pendingRnfr string

	dataCh *dataChannel
}

// NewSession constructs a session for an accepted connection. Callers must
// call Serve to run it to completion.
func NewSession(conn net.Conn, accounts *account.Store, serverRoot string, idleTimeout time.Duration, log *slog.Logger) *Session {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	return &Session{
		conn:        conn,
		reader:      bufio.NewReader(conn),
		log:         log.With("remote", conn.RemoteAddr().String()),
		accounts:    accounts,
		serverRoot:  serverRoot,
		idleTimeout: idleTimeout,
		cwd:         "/",
	}
}

// Serve runs the session's command loop until the connection closes or the
// client sends QUIT. It always closes the connection (and any per-home
// store it opened) before returning.
func (s *Session) Serve() {
	defer s.cleanup()

	if err := reply(s.conn, 220, "opaquefs server ready."); err != nil {
		return
	}

	for {
		if err := s.conn.SetDeadline(time.Now().Add(s.idleTimeout)); err != nil {
			s.log.Debug("set deadline failed", "err", err)
			return
		}
		cmd, err := readCommand(s.reader)
		if err != nil {
			s.log.Debug("session ended", "err", err)
			return
		}
		s.log.Debug("command", "verb", cmd.verb, "arg", redact(cmd.verb, cmd.arg))

		if cmd.verb == "TAG" {
			// TAG is recognised ahead of the generic auth/perm gate: the
			// framework would otherwise enforce the per-command
			// permission table before dispatch, and TAG's own
			// "was a file just received" check has to run regardless.
			s.handleTAG(cmd.arg)
			continue
		}

		switch cmd.verb {
		case "USER":
			s.handleUSER(cmd.arg)
		case "PASS":
			s.handlePASS(cmd.arg)
		case "RGTR":
			s.handleRGTR(cmd.arg)
		case "ACCT":
			_ = reply(s.conn, 230, "Account information ignored.")
		case "TYPE":
			_ = reply(s.conn, 200, "Type set to I.")
		case "PASV":
			s.handlePASV()
		case "PWD", "XPWD":
			s.handlePWD()
		case "CWD", "XCWD":
			s.handleCWD(cmd.arg)
		case "MKD", "XMKD":
			s.handleMKD(cmd.arg)
		case "RMD", "XRMD":
			s.handleRMD(cmd.arg)
		case "DELE":
			s.handleDELE(cmd.arg)
		case "STOR":
			s.handleSTOR(cmd.arg)
		case "RETR":
			s.handleRETR(cmd.arg)
		case "SIZE":
			s.handleSIZE(cmd.arg)
		case "LIST":
			s.handleLIST(cmd.arg, true)
		case "NLST":
			s.handleLIST(cmd.arg, false)
		case "RNFR":
			if s.requireAuth() {
				s.pendingRnfr = cmd.arg
				_ = reply(s.conn, 350, "Ready for RNTO.")
			}
		case "RNTO":
			s.handleRNTO(cmd.arg)
		case "NOOP":
			_ = reply(s.conn, 200, "NOOP ok.")
		case "QUIT":
			s.handleQUIT()
			return
		default:
			_ = reply(s.conn, 502, "Command not implemented.")
		}
	}
}

func redact(verb, arg string) string {
	if verb == "PASS" || verb == "TAG" {
		return "<redacted>"
	}
	return arg
}

func (s *Session) cleanup() {
	if s.dataCh != nil {
		// An unconsumed PASV listener would otherwise sit open until its
		// own accept deadline even though the control connection is gone.
		s.dataCh.ln.Close()
	}
	if s.meta != nil {
		if err := s.meta.Close(); err != nil {
			s.log.Debug("closing per-home store", "err", err)
		}
	}
	_ = s.conn.Close()
}

// --- Authentication & registration -----------------------------------------

func (s *Session) handleUSER(arg string) {
	if s.authed {
		_ = reply(s.conn, 503, "Already logged in.")
		return
	}
	s.username = arg
	s.registering = false
	_ = reply(s.conn, 331, "User name ok, send password.")
}

func (s *Session) handleRGTR(arg string) {
	if s.authed {
		_ = reply(s.conn, 503, "Can't register while logged in.")
		return
	}
	has, err := s.accounts.HasUser(arg)
	if err != nil {
		s.log.Error("has_user failed", "err", err)
		_ = reply(s.conn, 451, "Internal error.")
		return
	}
	if has {
		_ = reply(s.conn, 503, "Username already exists. Choose a different name.")
		return
	}
	s.username = arg
	s.registering = true
	_ = reply(s.conn, 331, "Username ok, send password.")
}

func (s *Session) handlePASS(arg string) {
	if s.username == "" {
		_ = reply(s.conn, 503, "Login with USER first.")
		return
	}
	if s.registering {
		s.finishRegistration(arg)
		return
	}
	s.finishLogin(arg)
}

func (s *Session) finishRegistration(passwordHex string) {
	salt, verifier, err := cipher.DerivePasswordForStorage(passwordHex)
	if err != nil {
		s.log.Error("derive verifier", "err", err)
		_ = reply(s.conn, 451, "Internal error.")
		return
	}

	homeNum, err := s.accounts.NextHomeNum()
	if err != nil {
		s.log.Error("next_home_num", "err", err)
		_ = reply(s.conn, 451, "Internal error.")
		return
	}
	homeNumpath, err := vfs.MkHomeDir(s.serverRoot, homeNum)
	if err != nil {
		s.log.Error("mkhomedir", "err", err)
		_ = reply(s.conn, 451, "Internal error.")
		return
	}

	rec := account.Record{
		Username: s.username,
		Salt:     salt,
		Verifier: verifier,
		HomeNum:  homeNum,
		Perm:     account.DefaultPerm,
		MsgLogin: "Login successful.",
		MsgQuit:  "Goodbye.",
	}
	if err := s.accounts.Add(rec); err != nil {
		s.log.Error("add user", "err", err)
		_ = reply(s.conn, 451, "Internal error.")
		return
	}

	if err := s.mountHome(rec, homeNumpath); err != nil {
		s.log.Error("mount home", "err", err)
		_ = reply(s.conn, 451, "Internal error.")
		return
	}
	s.registering = false
	_ = reply(s.conn, 230, "New user registered.")
}

func (s *Session) finishLogin(passwordHex string) {
	rec, err := s.accounts.Fetch(s.username)
	if errors.Is(err, account.ErrNotFound) {
		_ = reply(s.conn, 530, "Authentication failed.")
		return
	}
	if err != nil {
		s.log.Error("fetch account", "err", err)
		_ = reply(s.conn, 451, "Internal error.")
		return
	}
	if err := cipher.VerifyStoredPassword(passwordHex, rec.Salt, rec.Verifier); err != nil {
		_ = reply(s.conn, 530, "Authentication failed.")
		return
	}

	homeNumpath := path.Join(s.serverRoot, strconv.FormatInt(rec.HomeNum, 10))
	if err := s.mountHome(rec, homeNumpath); err != nil {
		s.log.Error("mount home", "err", err)
		_ = reply(s.conn, 451, "Internal error.")
		return
	}

	s.scanAndReply(rec.MsgLogin)
}

func (s *Session) mountHome(rec account.Record, homeNumpath string) error {
	dbPath := path.Join(homeNumpath, "meta.db")
	// The per-home store's own root filenum is always 0: each home gets an
	// isolated sqlite file, so there is no cross-home numbering to collide with.
	meta, err := filemeta.Open(dbPath, 0, homeNumpath)
	if err != nil {
		return fmt.Errorf("open per-home store: %w", err)
	}
	s.meta = meta
	s.vfs = vfs.New(meta, homeNumpath)
	s.rec = rec
	s.authed = true
	s.cwd = "/"
	return nil
}

// scanAndReply implements the post-auth tamper scan (spec.md §4.6): compare
// every tagged file's on-disk size against its recorded size, reporting
// missing and altered files via a 556 multi-line reply, or 230 if clean.
func (s *Session) scanAndReply(msgLogin string) {
	sizes, err := s.meta.FetchAllFileSizes()
	if err != nil {
		s.log.Error("post-auth scan", "err", err)
		_ = reply(s.conn, 451, "Internal error.")
		return
	}

	var missing, altered []string
	for _, f := range sizes {
		info, err := os.Stat(f.Numpath)
		switch {
		case os.IsNotExist(err):
			missing = append(missing, f.Ftppath)
		case err != nil:
			missing = append(missing, f.Ftppath)
		case info.Size() != f.Size:
			altered = append(altered, f.Ftppath)
		}
	}

	if len(missing) == 0 && len(altered) == 0 {
		if msgLogin == "" {
			msgLogin = "Login successful."
		}
		_ = reply(s.conn, 230, "All files unchanged. "+msgLogin)
		return
	}

	lines := []string{"Integrity scan found problems:"}
	for _, f := range missing {
		lines = append(lines, "missing: "+f)
	}
	for _, f := range altered {
		lines = append(lines, "altered: "+f)
	}
	_ = replyMultiline(s.conn, 556, lines)
}

// --- Path resolution --------------------------------------------------------

func (s *Session) resolve(arg string) string {
	if arg == "" {
		return s.cwd
	}
	if strings.HasPrefix(arg, "/") {
		return path.Clean(arg)
	}
	return path.Clean(path.Join(s.cwd, arg))
}

// --- Navigation --------------------------------------------------------

func (s *Session) handlePWD() {
	if !s.requireAuth() {
		return
	}
	_ = reply(s.conn, 257, fmt.Sprintf("%q is the current directory.", s.cwd))
}

func (s *Session) handleCWD(arg string) {
	target := s.resolve(arg)
	if !s.requirePerm('e', target) {
		return
	}
	numpath, err := s.vfs.Ftp2Fs(target)
	if err != nil {
		_ = reply(s.conn, 550, "No such file or directory.")
		return
	}
	info, err := os.Stat(numpath)
	if err != nil || !info.IsDir() {
		_ = reply(s.conn, 550, "No such directory.")
		return
	}
	s.cwd = target
	_ = reply(s.conn, 250, "Directory successfully changed.")
}

func (s *Session) handleMKD(arg string) {
	target := s.resolve(arg)
	if !s.requirePerm('m', target) {
		return
	}
	numpath, err := s.vfs.Ftp2Fs(target)
	if err != nil {
		_ = reply(s.conn, 550, "Parent directory does not exist.")
		return
	}
	if err := os.Mkdir(numpath, 0o700); err != nil {
		_ = reply(s.conn, 550, "Could not create directory.")
		return
	}
	_ = reply(s.conn, 257, fmt.Sprintf("%q directory created.", target))
}

func (s *Session) handleRMD(arg string) {
	target := s.resolve(arg)
	if !s.requirePerm('d', target) {
		return
	}
	numpath, err := s.vfs.Ftp2Fs(target)
	if err != nil {
		_ = reply(s.conn, 550, "No such directory.")
		return
	}
	if err := os.Remove(numpath); err != nil {
		_ = reply(s.conn, 550, "Could not remove directory.")
		return
	}
	_ = s.vfs.Remove(numpath)
	_ = reply(s.conn, 250, "Directory removed.")
}

func (s *Session) handleDELE(arg string) {
	target := s.resolve(arg)
	if !s.requirePerm('d', target) {
		return
	}
	numpath, err := s.vfs.Ftp2Fs(target)
	if err != nil {
		_ = reply(s.conn, 550, "No such file.")
		return
	}
	if err := os.Remove(numpath); err != nil {
		_ = reply(s.conn, 550, "Could not delete file.")
		return
	}
	_ = s.vfs.Remove(numpath)
	_ = reply(s.conn, 250, "File deleted.")
}

// requireAuth replies 530 and reports false if the session is not yet
// authenticated; handlers that need an authenticated session should return
// immediately when this returns false.
func (s *Session) requireAuth() bool {
	if !s.authed {
		_ = reply(s.conn, 530, "Please login with USER and PASS.")
		return false
	}
	return true
}

// requirePerm replies 550 and reports false if the session is authenticated
// but lacks letter for target, per the user's base permission string or a
// matching per-path override (account.Record.HasPerm).
func (s *Session) requirePerm(letter byte, target string) bool {
	if !s.requireAuth() {
		return false
	}
	if !s.rec.HasPerm(letter, target) {
		_ = reply(s.conn, 550, "Permission denied.")
		return false
	}
	return true
}
