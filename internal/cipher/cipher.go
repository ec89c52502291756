// SPDX-FileCopyrightText: (C) 2026 Opaquefs Contributors
// SPDX-License-Identifier: Apache 2.0

// Package cipher implements the client-held cryptographic envelope: key
// derivation from a user secret, authenticated encryption of file bodies and
// path components, and password-verifier derivation for the server side of
// authentication.
package cipher

import (
	"bytes"
	"crypto/aes"
	gocipher "crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/scrypt"
)

// Mode selects how the IV for Encrypt is produced.
type Mode int

const (
	// ModeBody uses a random IV; intended for file contents.
	ModeBody Mode = iota
	// ModeFilename derives the IV deterministically from secret||plaintext so
	// the same plaintext component always produces the same ciphertext.
	ModeFilename
)

// paddingBlock is the PKCS7 padding block size used for the body envelope.
// This is 32 bytes (256 bits), not AES's native 16-byte block size -- an
// intentional, spec-mandated choice. Any compatible re-implementation must
// match it exactly or ciphertexts will not round-trip.
const paddingBlock = 32

const (
	keySize = 32
	ivSize  = 16
	tagSize = sha256.Size // 32
)

// ErrTamper is returned by Decrypt when the HMAC tag does not match.
var ErrTamper = errors.New("cipher: tamper detected")

// ErrAuth is returned by VerifyStoredPassword on a verifier mismatch.
var ErrAuth = errors.New("cipher: password verification failed")

// Envelope is the body-form output of Encrypt: the IV-prefixed ciphertext
// and its detached authentication tag.
type Envelope struct {
	IVCiphertext []byte
	Tag          [tagSize]byte
}

// Concat returns the filename-form encoding: iv||ct||tag.
func (e Envelope) Concat() []byte {
	out := make([]byte, 0, len(e.IVCiphertext)+tagSize)
	out = append(out, e.IVCiphertext...)
	out = append(out, e.Tag[:]...)
	return out
}

// ParseEnvelope splits a filename-form blob (iv||ct||tag) back into an
// Envelope. It returns an error if the blob is shorter than ivSize+tagSize.
func ParseEnvelope(blob []byte) (Envelope, error) {
	if len(blob) < ivSize+tagSize {
		return Envelope{}, fmt.Errorf("cipher: envelope too short (%d bytes)", len(blob))
	}
	split := len(blob) - tagSize
	var env Envelope
	env.IVCiphertext = append([]byte(nil), blob[:split]...)
	copy(env.Tag[:], blob[split:])
	return env, nil
}

// Cipher holds the key material derived from a single client secret.
type Cipher struct {
	secret    []byte
	cipherKey [keySize]byte
	macKey    [keySize]byte
}

// New derives cipher_key and mac_key eagerly from secret and retains the raw
// secret for the deterministic-IV computation used by filename encryption.
func New(secret []byte) (*Cipher, error) {
	ck, err := deriveKey(secret, 0x31)
	if err != nil {
		return nil, err
	}
	mk, err := deriveKey(secret, 0x32)
	if err != nil {
		return nil, err
	}
	c := &Cipher{secret: append([]byte(nil), secret...)}
	copy(c.cipherKey[:], ck)
	copy(c.macKey[:], mk)
	return c, nil
}

// ServerVerifierHex returns hex(KDF(secret||0x33)), the value the client
// presents on the wire in place of a plaintext password.
func (c *Cipher) ServerVerifierHex() (string, error) {
	vk, err := deriveKey(c.secret, 0x33)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", vk), nil
}

// deriveKey implements the salt-less, info-less HKDF-SHA256 extract+expand
// over secret||suffix, producing keySize bytes.
func deriveKey(secret []byte, suffix byte) ([]byte, error) {
	material := append(append([]byte(nil), secret...), suffix)
	r := hkdf.New(sha256.New, material, nil, nil)
	out := make([]byte, keySize)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("cipher: key derivation failed: %w", err)
	}
	return out, nil
}

// Encrypt authenticates and encrypts pt. For ModeBody the IV is random; for
// ModeFilename the IV is derived from secret||pt so identical plaintexts
// produce identical ciphertext (this leaks equality of filenames to the
// server, an accepted trade-off).
func (c *Cipher) Encrypt(pt []byte, mode Mode) (Envelope, error) {
	var iv [ivSize]byte
	var ivBytes []byte
	switch mode {
	case ModeFilename:
		material := append(append([]byte(nil), c.secret...), pt...)
		r := hkdf.New(sha256.New, material, nil, nil)
		full := make([]byte, keySize)
		if _, err := io.ReadFull(r, full); err != nil {
			return Envelope{}, fmt.Errorf("cipher: deterministic IV derivation failed: %w", err)
		}
		ivBytes = full[:ivSize]
	default:
		ivBytes = make([]byte, ivSize)
		if _, err := io.ReadFull(rand.Reader, ivBytes); err != nil {
			return Envelope{}, fmt.Errorf("cipher: random IV generation failed: %w", err)
		}
	}
	copy(iv[:], ivBytes)

	padded := pkcs7Pad(pt, paddingBlock)

	block, err := aes.NewCipher(c.cipherKey[:])
	if err != nil {
		return Envelope{}, fmt.Errorf("cipher: aes setup failed: %w", err)
	}
	ct := make([]byte, len(padded))
	gocipher.NewCBCEncrypter(block, iv[:]).CryptBlocks(ct, padded)

	ivCt := append(append([]byte(nil), iv[:]...), ct...)

	mac := hmac.New(sha256.New, c.macKey[:])
	mac.Write(ivCt)
	var tag [tagSize]byte
	copy(tag[:], mac.Sum(nil))

	return Envelope{IVCiphertext: ivCt, Tag: tag}, nil
}

// Decrypt verifies the HMAC tag in constant time and, on success, decrypts
// and unpads the plaintext. It returns ErrTamper on any mismatch -- the
// caller never sees the unverified plaintext.
func (c *Cipher) Decrypt(env Envelope) ([]byte, error) {
	if len(env.IVCiphertext) < ivSize {
		return nil, ErrTamper
	}

	mac := hmac.New(sha256.New, c.macKey[:])
	mac.Write(env.IVCiphertext)
	expected := mac.Sum(nil)
	if subtle.ConstantTimeCompare(expected, env.Tag[:]) != 1 {
		return nil, ErrTamper
	}

	iv := env.IVCiphertext[:ivSize]
	ct := env.IVCiphertext[ivSize:]
	if len(ct)%aes.BlockSize != 0 || len(ct) == 0 {
		return nil, ErrTamper
	}

	block, err := aes.NewCipher(c.cipherKey[:])
	if err != nil {
		return nil, fmt.Errorf("cipher: aes setup failed: %w", err)
	}
	padded := make([]byte, len(ct))
	gocipher.NewCBCDecrypter(block, iv).CryptBlocks(padded, ct)

	pt, err := pkcs7Unpad(padded, paddingBlock)
	if err != nil {
		return nil, ErrTamper
	}
	return pt, nil
}

// DecryptBlob splits a filename-form blob (iv||ct||tag) and decrypts it.
func (c *Cipher) DecryptBlob(blob []byte) ([]byte, error) {
	env, err := ParseEnvelope(blob)
	if err != nil {
		return nil, ErrTamper
	}
	return c.Decrypt(env)
}

// DerivePasswordForStorage generates a fresh random salt and derives a
// scrypt verifier over the hex-decoded password presentation. passwordHex is
// the client's hex(server_verifier_key), not a plaintext password.
func DerivePasswordForStorage(passwordHex string) (salt, verifier []byte, err error) {
	pw, err := decodeHex(passwordHex)
	if err != nil {
		return nil, nil, fmt.Errorf("cipher: invalid password presentation: %w", err)
	}
	salt = make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, nil, fmt.Errorf("cipher: salt generation failed: %w", err)
	}
	verifier, err = scrypt.Key(pw, salt, 1<<14, 8, 1, keySize)
	if err != nil {
		return nil, nil, fmt.Errorf("cipher: scrypt derivation failed: %w", err)
	}
	return salt, verifier, nil
}

// VerifyStoredPassword re-derives the scrypt verifier with the stored salt
// and compares it in constant time against the stored verifier.
func VerifyStoredPassword(passwordHex string, salt, verifier []byte) error {
	pw, err := decodeHex(passwordHex)
	if err != nil {
		return ErrAuth
	}
	candidate, err := scrypt.Key(pw, salt, 1<<14, 8, 1, keySize)
	if err != nil {
		return fmt.Errorf("cipher: scrypt derivation failed: %w", err)
	}
	if subtle.ConstantTimeCompare(candidate, verifier) != 1 {
		return ErrAuth
	}
	return nil
}

func decodeHex(s string) ([]byte, error) {
	return hex.DecodeString(s)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - (len(data) % blockSize)
	padding := bytes.Repeat([]byte{byte(padLen)}, padLen)
	return append(append([]byte(nil), data...), padding...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	n := len(data)
	if n == 0 || n%blockSize != 0 {
		return nil, errors.New("cipher: invalid padded length")
	}
	padLen := int(data[n-1])
	if padLen == 0 || padLen > blockSize || padLen > n {
		return nil, errors.New("cipher: invalid padding")
	}
	if !bytes.Equal(data[n-padLen:], bytes.Repeat([]byte{byte(padLen)}, padLen)) {
		return nil, errors.New("cipher: invalid padding bytes")
	}
	return data[:n-padLen], nil
}
