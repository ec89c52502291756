// SPDX-FileCopyrightText: (C) 2026 Opaquefs Contributors
// SPDX-License-Identifier: Apache 2.0

// Package pathcodec translates between client-visible plaintext paths and
// their wire-form ciphertext representation, encrypting each path component
// independently so directory structure on the wire stays opaque while "/",
// ".", ".." and empty segments (from a leading or doubled slash) pass
// through untouched.
package pathcodec

import (
	"encoding/hex"
	"strings"

	"github.com/opaquefs/opaquefs/internal/cipher"
)

// isNormal reports whether a path segment should be encrypted: non-empty
// and not "." or "..".
func isNormal(seg string) bool {
	return seg != "" && seg != "." && seg != ".."
}

// Encrypt replaces every normal segment of path with
// hex(cipher.Encrypt(seg, ModeFilename)), leaving "/", ".", ".." and empty
// segments bit-exactly in place.
func Encrypt(c *cipher.Cipher, path string) (string, error) {
	segs := strings.Split(path, "/")
	for i, seg := range segs {
		if !isNormal(seg) {
			continue
		}
		env, err := c.Encrypt([]byte(seg), cipher.ModeFilename)
		if err != nil {
			return "", err
		}
		segs[i] = hex.EncodeToString(env.Concat())
	}
	return strings.Join(segs, "/"), nil
}

// Decrypt reverses Encrypt. Segments that are not valid hex, or that fail to
// decrypt (wrong secret, corrupted wire data), pass through unchanged --
// callers that need to detect that case should re-derive and compare.
func Decrypt(c *cipher.Cipher, path string) string {
	segs := strings.Split(path, "/")
	for i, seg := range segs {
		if !isNormal(seg) {
			continue
		}
		blob, err := hex.DecodeString(seg)
		if err != nil {
			continue
		}
		pt, err := c.DecryptBlob(blob)
		if err != nil {
			continue
		}
		segs[i] = string(pt)
	}
	return strings.Join(segs, "/")
}
