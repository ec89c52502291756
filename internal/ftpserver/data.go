// SPDX-FileCopyrightText: (C) 2026 Opaquefs Contributors
// SPDX-License-Identifier: Apache 2.0

package ftpserver

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// dataChannel represents one passive-mode data listener, good for exactly
// one subsequent data transfer.
type dataChannel struct {
	ln net.Listener
}

// listenPassive opens an ephemeral-port listener on host for a single data
// connection and formats the PASV reply text (without the leading reply
// code), e.g. "Entering Passive Mode (127,0,0,1,200,12)."
func listenPassive(host string) (*dataChannel, string, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return nil, "", fmt.Errorf("ftpserver: passive listen: %w", err)
	}
	_, portStr, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		ln.Close()
		return nil, "", err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		ln.Close()
		return nil, "", err
	}
	ip := parseIPv4(host)
	text := fmt.Sprintf("Entering Passive Mode (%s,%d,%d).", ip, port>>8, port&0xff)
	return &dataChannel{ln: ln}, text, nil
}

func parseIPv4(host string) string {
	ip := net.ParseIP(host)
	if ip == nil || ip.To4() == nil {
		return "127,0,0,1"
	}
	v4 := ip.To4()
	return strings.Join([]string{
		strconv.Itoa(int(v4[0])), strconv.Itoa(int(v4[1])),
		strconv.Itoa(int(v4[2])), strconv.Itoa(int(v4[3])),
	}, ",")
}

// accept waits for the single expected data connection and closes the
// listener regardless of outcome.
func (d *dataChannel) accept() (net.Conn, error) {
	defer d.ln.Close()
	if tl, ok := d.ln.(*net.TCPListener); ok {
		_ = tl.SetDeadline(time.Now().Add(30 * time.Second))
	}
	return d.ln.Accept()
}

// parsePasvHost extracts the PASV host to listen on from a control
// connection's local address (so multi-homed servers announce a reachable
// address).
func parsePasvHost(localAddr net.Addr) string {
	host, _, err := net.SplitHostPort(localAddr.String())
	if err != nil {
		return "127.0.0.1"
	}
	return host
}
