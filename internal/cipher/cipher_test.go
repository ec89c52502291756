// SPDX-FileCopyrightText: (C) 2026 Opaquefs Contributors
// SPDX-License-Identifier: Apache 2.0

package cipher

import (
	"bytes"
	"encoding/hex"
	"testing"
)

func mustCipher(t *testing.T, secret string) *Cipher {
	t.Helper()
	c, err := New([]byte(secret))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		body []byte
	}{
		{"empty", []byte{}},
		{"short", []byte("hello\n")},
		{"exact-block", bytes.Repeat([]byte{'a'}, paddingBlock)},
		{"multi-block", bytes.Repeat([]byte{'z'}, paddingBlock*3+7)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := mustCipher(t, "1234")
			env, err := c.Encrypt(tc.body, ModeBody)
			if err != nil {
				t.Fatalf("Encrypt: %v", err)
			}
			pt, err := c.Decrypt(env)
			if err != nil {
				t.Fatalf("Decrypt: %v", err)
			}
			if !bytes.Equal(pt, tc.body) {
				t.Fatalf("round trip mismatch: got %q want %q", pt, tc.body)
			}
		})
	}
}

func TestFilenameEncryptionIsDeterministic(t *testing.T) {
	c := mustCipher(t, "1234")
	a, err := c.Encrypt([]byte("a.txt"), ModeFilename)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	b, err := c.Encrypt([]byte("a.txt"), ModeFilename)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if !bytes.Equal(a.Concat(), b.Concat()) {
		t.Fatalf("expected identical ciphertext for identical plaintext under same secret")
	}
}

func TestBodyEncryptionIsRandomized(t *testing.T) {
	c := mustCipher(t, "1234")
	a, _ := c.Encrypt([]byte("hello\n"), ModeBody)
	b, _ := c.Encrypt([]byte("hello\n"), ModeBody)
	if bytes.Equal(a.Concat(), b.Concat()) {
		t.Fatalf("expected random IVs to produce different ciphertext")
	}
}

func TestTamperDetection(t *testing.T) {
	c := mustCipher(t, "1234")
	env, err := c.Encrypt([]byte("hello\n"), ModeBody)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	blob := env.Concat()
	for i := range blob {
		corrupted := append([]byte(nil), blob...)
		corrupted[i] ^= 0xff
		if _, err := c.DecryptBlob(corrupted); err != ErrTamper {
			t.Fatalf("byte %d: expected ErrTamper, got %v", i, err)
		}
	}
}

func TestDecryptBlobRoundTrip(t *testing.T) {
	c := mustCipher(t, "5678")
	env, err := c.Encrypt([]byte("payload"), ModeBody)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	pt, err := c.DecryptBlob(env.Concat())
	if err != nil {
		t.Fatalf("DecryptBlob: %v", err)
	}
	if string(pt) != "payload" {
		t.Fatalf("got %q want %q", pt, "payload")
	}
}

func TestServerVerifierHexIsStableAndSecretNeverLeaks(t *testing.T) {
	c := mustCipher(t, "correct horse battery staple")
	v1, err := c.ServerVerifierHex()
	if err != nil {
		t.Fatalf("ServerVerifierHex: %v", err)
	}
	v2, _ := c.ServerVerifierHex()
	if v1 != v2 {
		t.Fatalf("expected stable verifier, got %q then %q", v1, v2)
	}
	if _, err := hex.DecodeString(v1); err != nil {
		t.Fatalf("verifier is not valid hex: %v", err)
	}
	for _, material := range [][]byte{c.secret, c.cipherKey[:], c.macKey[:]} {
		if v1 == hex.EncodeToString(material) {
			t.Fatalf("verifier reveals the secret or a file-encryption key")
		}
	}
}

func TestPasswordVerifierRoundTrip(t *testing.T) {
	c := mustCipher(t, "1234")
	passwordHex, err := c.ServerVerifierHex()
	if err != nil {
		t.Fatalf("ServerVerifierHex: %v", err)
	}

	salt, verifier, err := DerivePasswordForStorage(passwordHex)
	if err != nil {
		t.Fatalf("DerivePasswordForStorage: %v", err)
	}

	if err := VerifyStoredPassword(passwordHex, salt, verifier); err != nil {
		t.Fatalf("VerifyStoredPassword: %v", err)
	}

	other := mustCipher(t, "not-the-secret")
	otherHex, _ := other.ServerVerifierHex()
	if err := VerifyStoredPassword(otherHex, salt, verifier); err == nil {
		t.Fatalf("expected verification failure for wrong password")
	}
}

func TestParseEnvelopeRejectsShortBlob(t *testing.T) {
	if _, err := ParseEnvelope([]byte("too short")); err == nil {
		t.Fatalf("expected error for undersized blob")
	}
}
