// SPDX-FileCopyrightText: (C) 2026 Opaquefs Contributors
// SPDX-License-Identifier: Apache 2.0

// Command opaquefs-cli is the interactive client for the opaquefs server: an
// end-to-end encrypted file transfer session where every path and file body
// is encrypted before it ever reaches the wire.
package main

func main() {
	Execute()
}
