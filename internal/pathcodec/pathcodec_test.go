// SPDX-FileCopyrightText: (C) 2026 Opaquefs Contributors
// SPDX-License-Identifier: Apache 2.0

package pathcodec

import (
	"testing"

	"github.com/opaquefs/opaquefs/internal/cipher"
)

func mustCipher(t *testing.T) *cipher.Cipher {
	t.Helper()
	c, err := cipher.New([]byte("1234"))
	if err != nil {
		t.Fatalf("cipher.New: %v", err)
	}
	return c
}

func TestRoundTrip(t *testing.T) {
	c := mustCipher(t)
	paths := []string{
		"/",
		"/a",
		"/a/b/c",
		"//double/slash",
		"/a/./b/../c",
		"relative/path",
		"",
	}
	for _, p := range paths {
		t.Run(p, func(t *testing.T) {
			enc, err := Encrypt(c, p)
			if err != nil {
				t.Fatalf("Encrypt: %v", err)
			}
			dec := Decrypt(c, enc)
			if dec != p {
				t.Fatalf("round trip mismatch: got %q want %q (enc=%q)", dec, p, enc)
			}
		})
	}
}

func TestEncryptPreservesSegmentCount(t *testing.T) {
	c := mustCipher(t)
	enc, err := Encrypt(c, "/a/b/c")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if got, want := len(splitKeepEmpty(enc)), len(splitKeepEmpty("/a/b/c")); got != want {
		t.Fatalf("segment count changed: got %d want %d", got, want)
	}
}

func splitKeepEmpty(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '/' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}

func TestDeterministicAcrossCalls(t *testing.T) {
	c := mustCipher(t)
	a, err := Encrypt(c, "/a.txt")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	b, err := Encrypt(c, "/a.txt")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if a != b {
		t.Fatalf("expected deterministic encryption: %q != %q", a, b)
	}
}
