// SPDX-FileCopyrightText: (C) 2026 Opaquefs Contributors
// SPDX-License-Identifier: Apache 2.0

// Package ftpclient implements the client side of the encrypted-transfer
// protocol: it speaks the same FTP-shaped control channel and PASV data
// channel as internal/ftpserver, but additionally holds the user's secret
// and transparently encrypts/decrypts every path and file body that crosses
// the wire.
package ftpclient

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/opaquefs/opaquefs/internal/cipher"
	"github.com/opaquefs/opaquefs/internal/pathcodec"
)

// ErrTamper is returned by Retr when the downloaded body fails integrity
// verification.
var ErrTamper = cipher.ErrTamper

// ErrServer wraps a control-channel reply whose code is not the one the
// command expected.
type ErrServer struct {
	Code int
	Text string
}

func (e *ErrServer) Error() string {
	return fmt.Sprintf("ftpclient: server replied %d %s", e.Code, e.Text)
}

// Client is a single control-channel session. It is not safe for concurrent
// use, matching the one-command-in-flight nature of the protocol.
type Client struct {
	conn   net.Conn
	reader *bufio.Reader
	cipher *cipher.Cipher
}

// Dial opens the control connection and reads the server's greeting.
func Dial(addr string) (*Client, error) {
	conn, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("ftpclient: dial: %w", err)
	}
	c := &Client{conn: conn, reader: bufio.NewReader(conn)}
	if _, _, err := c.readReply(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ftpclient: reading greeting: %w", err)
	}
	return c, nil
}

// Close sends QUIT and closes the connection.
func (c *Client) Close() error {
	_, _, _ = c.sendCommand("QUIT", "")
	return c.conn.Close()
}

func (c *Client) sendCommand(verb, arg string) (code int, text string, err error) {
	line := verb
	if arg != "" {
		line += " " + arg
	}
	if _, err := fmt.Fprintf(c.conn, "%s\r\n", line); err != nil {
		return 0, "", fmt.Errorf("ftpclient: write command: %w", err)
	}
	return c.readReply()
}

// readReply reads one (possibly multi-line) control reply.
func (c *Client) readReply() (code int, text string, err error) {
	first, err := c.reader.ReadString('\n')
	if err != nil {
		return 0, "", err
	}
	first = strings.TrimRight(first, "\r\n")
	if len(first) < 4 {
		return 0, "", fmt.Errorf("ftpclient: malformed reply %q", first)
	}
	code, convErr := strconv.Atoi(first[:3])
	if convErr != nil {
		return 0, "", fmt.Errorf("ftpclient: malformed reply code %q", first[:3])
	}
	if first[3] == ' ' {
		return code, first[4:], nil
	}

	var lines []string
	lines = append(lines, first[4:])
	prefix := first[:3] + " "
	for {
		line, err := c.reader.ReadString('\n')
		if err != nil {
			return 0, "", err
		}
		line = strings.TrimRight(line, "\r\n")
		if strings.HasPrefix(line, prefix) {
			lines = append(lines, strings.TrimPrefix(line, prefix))
			break
		}
		lines = append(lines, strings.TrimPrefix(line, first[:3]+"-"))
	}
	return code, strings.Join(lines, "\n"), nil
}

func asServerErr(code int, text string) error {
	return &ErrServer{Code: code, Text: text}
}

// Register creates a new account and logs in as it. secret is the user's
// raw shared secret; the server never sees it, only hex(server_verifier_key).
func (c *Client) Register(username string, secret []byte) error {
	ciph, err := cipher.New(secret)
	if err != nil {
		return err
	}
	verifierHex, err := ciph.ServerVerifierHex()
	if err != nil {
		return err
	}

	code, text, err := c.sendCommand("RGTR", username)
	if err != nil {
		return err
	}
	if code != 331 {
		return asServerErr(code, text)
	}
	code, text, err = c.sendCommand("PASS", verifierHex)
	if err != nil {
		return err
	}
	if code != 230 {
		return asServerErr(code, text)
	}
	c.cipher = ciph
	return nil
}

// Login authenticates an existing account. A non-empty warning reports an
// integrity-scan finding (missing or altered files) from the server's
// post-auth scan; login itself has still succeeded.
func (c *Client) Login(username string, secret []byte) (warning string, err error) {
	ciph, err := cipher.New(secret)
	if err != nil {
		return "", err
	}
	verifierHex, err := ciph.ServerVerifierHex()
	if err != nil {
		return "", err
	}

	code, text, err := c.sendCommand("USER", username)
	if err != nil {
		return "", err
	}
	if code != 331 {
		return "", asServerErr(code, text)
	}
	code, text, err = c.sendCommand("PASS", verifierHex)
	if err != nil {
		return "", err
	}
	if code != 230 && code != 556 {
		return "", asServerErr(code, text)
	}
	c.cipher = ciph
	if code == 556 {
		return decryptScanWarning(ciph, text), nil
	}
	return "", nil
}

// decryptScanWarning decrypts the ciphertext path embedded in each
// "missing: "/"altered: " line of a 556 reply, so the caller sees the
// plaintext name it recognises rather than the server's opaque wire path.
func decryptScanWarning(ciph *cipher.Cipher, text string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		for _, prefix := range []string{"missing: ", "altered: "} {
			if strings.HasPrefix(line, prefix) {
				lines[i] = prefix + pathcodec.Decrypt(ciph, strings.TrimPrefix(line, prefix))
			}
		}
	}
	return strings.Join(lines, "\n")
}

func (c *Client) requireCipher() error {
	if c.cipher == nil {
		return errors.New("ftpclient: not logged in")
	}
	return nil
}

func (c *Client) encryptPath(plainPath string) (string, error) {
	return pathcodec.Encrypt(c.cipher, plainPath)
}

// pasv issues PASV and dials the data connection it announces.
func (c *Client) pasv() (net.Conn, error) {
	code, text, err := c.sendCommand("PASV", "")
	if err != nil {
		return nil, err
	}
	if code != 227 {
		return nil, asServerErr(code, text)
	}
	host, port, err := parsePasvReply(text)
	if err != nil {
		return nil, err
	}
	return net.DialTimeout("tcp", net.JoinHostPort(host, strconv.Itoa(port)), 10*time.Second)
}

func parsePasvReply(text string) (host string, port int, err error) {
	open := strings.IndexByte(text, '(')
	close := strings.IndexByte(text, ')')
	if open < 0 || close < 0 || close < open {
		return "", 0, fmt.Errorf("ftpclient: malformed PASV reply %q", text)
	}
	parts := strings.Split(text[open+1:close], ",")
	if len(parts) != 6 {
		return "", 0, fmt.Errorf("ftpclient: malformed PASV reply %q", text)
	}
	host = strings.Join(parts[:4], ".")
	p1, err1 := strconv.Atoi(parts[4])
	p2, err2 := strconv.Atoi(parts[5])
	if err1 != nil || err2 != nil {
		return "", 0, fmt.Errorf("ftpclient: malformed PASV port in %q", text)
	}
	return host, p1<<8 | p2, nil
}

// Stor uploads plaintext body to plainPath, pairing STOR with the TAG
// command per the protocol's upload dataflow.
func (c *Client) Stor(plainPath string, body []byte) error {
	if err := c.requireCipher(); err != nil {
		return err
	}
	wirePath, err := c.encryptPath(plainPath)
	if err != nil {
		return err
	}
	env, err := c.cipher.Encrypt(body, cipher.ModeBody)
	if err != nil {
		return err
	}

	dataConn, err := c.pasv()
	if err != nil {
		return err
	}
	code, text, err := c.sendCommand("STOR", wirePath)
	if err != nil {
		dataConn.Close()
		return err
	}
	if code != 150 {
		dataConn.Close()
		return asServerErr(code, text)
	}
	_, writeErr := dataConn.Write(env.IVCiphertext)
	closeErr := dataConn.Close()
	if writeErr != nil {
		return fmt.Errorf("ftpclient: writing body: %w", writeErr)
	}
	if closeErr != nil {
		return fmt.Errorf("ftpclient: closing data connection: %w", closeErr)
	}
	code, text, err = c.readReply()
	if err != nil {
		return err
	}
	if code != 226 {
		return asServerErr(code, text)
	}

	code, text, err = c.sendCommand("TAG", fmt.Sprintf("%x", env.Tag))
	if err != nil {
		return err
	}
	if code != 250 {
		return asServerErr(code, text)
	}
	return nil
}

// Retr downloads and decrypts the file at plainPath, verifying its
// integrity tag.
func (c *Client) Retr(plainPath string) ([]byte, error) {
	if err := c.requireCipher(); err != nil {
		return nil, err
	}
	wirePath, err := c.encryptPath(plainPath)
	if err != nil {
		return nil, err
	}

	dataConn, err := c.pasv()
	if err != nil {
		return nil, err
	}
	code, text, err := c.sendCommand("RETR", wirePath)
	if err != nil {
		dataConn.Close()
		return nil, err
	}
	if code != 150 {
		dataConn.Close()
		return nil, asServerErr(code, text)
	}
	var buf bytes.Buffer
	_, readErr := io.Copy(&buf, dataConn)
	dataConn.Close()
	if readErr != nil {
		return nil, fmt.Errorf("ftpclient: reading body: %w", readErr)
	}
	code, text, err = c.readReply()
	if err != nil {
		return nil, err
	}
	if code != 226 {
		return nil, asServerErr(code, text)
	}

	env, err := cipher.ParseEnvelope(buf.Bytes())
	if err != nil {
		return nil, cipher.ErrTamper
	}
	return c.cipher.Decrypt(env)
}

// List returns the plaintext basenames of plainDirPath's entries.
func (c *Client) List(plainDirPath string) ([]string, error) {
	if err := c.requireCipher(); err != nil {
		return nil, err
	}
	wirePath, err := c.encryptPath(plainDirPath)
	if err != nil {
		return nil, err
	}

	dataConn, err := c.pasv()
	if err != nil {
		return nil, err
	}
	code, text, err := c.sendCommand("NLST", wirePath)
	if err != nil {
		dataConn.Close()
		return nil, err
	}
	if code != 150 {
		dataConn.Close()
		return nil, asServerErr(code, text)
	}
	var buf bytes.Buffer
	_, readErr := io.Copy(&buf, dataConn)
	dataConn.Close()
	if readErr != nil {
		return nil, fmt.Errorf("ftpclient: reading listing: %w", readErr)
	}
	code, text, err = c.readReply()
	if err != nil {
		return nil, err
	}
	if code != 226 {
		return nil, asServerErr(code, text)
	}

	var names []string
	for _, line := range strings.Split(strings.TrimRight(buf.String(), "\n"), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		names = append(names, pathcodec.Decrypt(c.cipher, line))
	}
	return names, nil
}

// Cwd changes the server-side current directory.
func (c *Client) Cwd(plainPath string) error {
	return c.simplePathCommand("CWD", plainPath, 250)
}

// Pwd returns the current directory, decrypted.
func (c *Client) Pwd() (string, error) {
	if err := c.requireCipher(); err != nil {
		return "", err
	}
	code, text, err := c.sendCommand("PWD", "")
	if err != nil {
		return "", err
	}
	if code != 257 {
		return "", asServerErr(code, text)
	}
	first := strings.IndexByte(text, '"')
	last := strings.LastIndexByte(text, '"')
	if first < 0 || last <= first {
		return "", fmt.Errorf("ftpclient: malformed PWD reply %q", text)
	}
	wirePath := text[first+1 : last]
	return pathcodec.Decrypt(c.cipher, wirePath), nil
}

// Size returns plainPath's recorded (ciphertext, iv-prefixed) size in bytes,
// as tracked server-side by C4's integrity table.
func (c *Client) Size(plainPath string) (int64, error) {
	if err := c.requireCipher(); err != nil {
		return 0, err
	}
	wirePath, err := c.encryptPath(plainPath)
	if err != nil {
		return 0, err
	}
	code, text, err := c.sendCommand("SIZE", wirePath)
	if err != nil {
		return 0, err
	}
	if code != 213 {
		return 0, asServerErr(code, text)
	}
	size, err := strconv.ParseInt(strings.TrimSpace(text), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("ftpclient: malformed SIZE reply %q", text)
	}
	return size, nil
}

// Mkd creates a directory.
func (c *Client) Mkd(plainPath string) error {
	return c.simplePathCommand("MKD", plainPath, 257)
}

// Rmd removes a directory.
func (c *Client) Rmd(plainPath string) error {
	return c.simplePathCommand("RMD", plainPath, 250)
}

// Dele removes a file.
func (c *Client) Dele(plainPath string) error {
	return c.simplePathCommand("DELE", plainPath, 250)
}

// Rename moves srcPlainPath to dstPlainPath.
func (c *Client) Rename(srcPlainPath, dstPlainPath string) error {
	if err := c.requireCipher(); err != nil {
		return err
	}
	srcWire, err := c.encryptPath(srcPlainPath)
	if err != nil {
		return err
	}
	dstWire, err := c.encryptPath(dstPlainPath)
	if err != nil {
		return err
	}
	code, text, err := c.sendCommand("RNFR", srcWire)
	if err != nil {
		return err
	}
	if code != 350 {
		return asServerErr(code, text)
	}
	code, text, err = c.sendCommand("RNTO", dstWire)
	if err != nil {
		return err
	}
	if code != 250 {
		return asServerErr(code, text)
	}
	return nil
}

func (c *Client) simplePathCommand(verb, plainPath string, wantCode int) error {
	if err := c.requireCipher(); err != nil {
		return err
	}
	wirePath, err := c.encryptPath(plainPath)
	if err != nil {
		return err
	}
	code, text, err := c.sendCommand(verb, wirePath)
	if err != nil {
		return err
	}
	if code != wantCode {
		return asServerErr(code, text)
	}
	return nil
}
