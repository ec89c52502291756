// SPDX-FileCopyrightText: (C) 2026 Opaquefs Contributors
// SPDX-License-Identifier: Apache 2.0

package main

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/opaquefs/opaquefs/internal/ftpclient"
)

func runInteractive(cmd *cobra.Command, args []string) error {
	if err := loadConfig(cmd); err != nil {
		return err
	}

	c, err := ftpclient.Dial(cfg.Client.DialAddress())
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", cfg.Client.DialAddress(), err)
	}
	defer c.Close()

	scanner := bufio.NewScanner(os.Stdin)

	username, _, ok := unauthMenu(scanner, c)
	if !ok {
		return nil
	}
	fmt.Printf("Logged in as %s.\n", username)
	authMenu(scanner, c)
	return nil
}

// unauthMenu loops Register/Log in/Quit until a session is authenticated or
// the user quits. secret is the raw shared secret, read once from the
// terminal with echo disabled.
func unauthMenu(scanner *bufio.Scanner, c *ftpclient.Client) (username string, secret []byte, ok bool) {
	for {
		fmt.Print("\n1) Register\n2) Log in\n3) Quit\n> ")
		if !scanner.Scan() {
			return "", nil, false
		}
		switch strings.TrimSpace(scanner.Text()) {
		case "1":
			username, secret, err := promptCredentials(scanner)
			if err != nil {
				fmt.Println("error:", err)
				continue
			}
			if err := c.Register(username, secret); err != nil {
				fmt.Println("registration failed:", err)
				continue
			}
			return username, secret, true
		case "2":
			username, secret, err := promptCredentials(scanner)
			if err != nil {
				fmt.Println("error:", err)
				continue
			}
			warning, err := c.Login(username, secret)
			if err != nil {
				fmt.Println("login failed:", err)
				continue
			}
			if warning != "" {
				fmt.Println("WARNING:", warning)
			}
			return username, secret, true
		case "3":
			return "", nil, false
		default:
			fmt.Println("unrecognised choice")
		}
	}
}

func promptCredentials(scanner *bufio.Scanner) (username string, secret []byte, err error) {
	fmt.Print("Username: ")
	if !scanner.Scan() {
		return "", nil, errors.New("no input")
	}
	username = strings.TrimSpace(scanner.Text())

	secret, err = readSecret("Secret: ")
	if err != nil {
		return "", nil, err
	}
	return username, secret, nil
}

// readSecret reads the shared secret from the terminal with echo disabled,
// falling back to a buffered line read when stdin is not a terminal (piped
// input in tests/scripts).
func readSecret(prompt string) ([]byte, error) {
	fmt.Fprint(os.Stderr, prompt)
	if !term.IsTerminal(int(syscall.Stdin)) {
		reader := bufio.NewReader(os.Stdin)
		line, err := reader.ReadString('\n')
		if err != nil {
			return nil, fmt.Errorf("reading secret: %w", err)
		}
		return bytes.TrimRight([]byte(line), "\r\n"), nil
	}
	secret, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("reading secret: %w", err)
	}
	return secret, nil
}

// authMenu loops the authenticated command menu until the user logs out.
func authMenu(scanner *bufio.Scanner, c *ftpclient.Client) {
	for {
		fmt.Print("\nlist|upload|download|rename|size|delete|mkdir|rmdir|cd|pwd|logout\n> ")
		if !scanner.Scan() {
			return
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "list":
			dir := "/"
			if len(fields) > 1 {
				dir = fields[1]
			}
			names, err := c.List(dir)
			if err != nil {
				fmt.Println("error:", err)
				continue
			}
			for _, n := range names {
				fmt.Println(n)
			}
		case "upload":
			if len(fields) < 3 {
				fmt.Println("usage: upload <local-file> <remote-path>")
				continue
			}
			body, err := os.ReadFile(fields[1])
			if err != nil {
				fmt.Println("error:", err)
				continue
			}
			if err := c.Stor(fields[2], body); err != nil {
				fmt.Println("error:", err)
				continue
			}
			fmt.Println("uploaded")
		case "download":
			if len(fields) < 3 {
				fmt.Println("usage: download <remote-path> <local-file>")
				continue
			}
			body, err := c.Retr(fields[1])
			if err != nil {
				fmt.Println("error:", err)
				continue
			}
			if err := os.WriteFile(fields[2], body, 0o600); err != nil {
				fmt.Println("error:", err)
				continue
			}
			fmt.Println("downloaded")
		case "rename":
			if len(fields) < 3 {
				fmt.Println("usage: rename <src> <dst>")
				continue
			}
			if err := c.Rename(fields[1], fields[2]); err != nil {
				fmt.Println("error:", err)
			}
		case "size":
			if len(fields) < 2 {
				fmt.Println("usage: size <remote-path>")
				continue
			}
			size, err := c.Size(fields[1])
			if err != nil {
				fmt.Println("error:", err)
				continue
			}
			fmt.Println(size)
		case "delete":
			if len(fields) < 2 {
				fmt.Println("usage: delete <remote-path>")
				continue
			}
			if err := c.Dele(fields[1]); err != nil {
				fmt.Println("error:", err)
			}
		case "mkdir":
			if len(fields) < 2 {
				fmt.Println("usage: mkdir <remote-path>")
				continue
			}
			if err := c.Mkd(fields[1]); err != nil {
				fmt.Println("error:", err)
			}
		case "rmdir":
			if len(fields) < 2 {
				fmt.Println("usage: rmdir <remote-path>")
				continue
			}
			if err := c.Rmd(fields[1]); err != nil {
				fmt.Println("error:", err)
			}
		case "cd":
			if len(fields) < 2 {
				fmt.Println("usage: cd <remote-path>")
				continue
			}
			if err := c.Cwd(fields[1]); err != nil {
				fmt.Println("error:", err)
			}
		case "pwd":
			pwd, err := c.Pwd()
			if err != nil {
				fmt.Println("error:", err)
				continue
			}
			fmt.Println(pwd)
		case "logout":
			return
		default:
			fmt.Println("unrecognised command")
		}
	}
}
