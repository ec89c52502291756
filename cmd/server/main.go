// SPDX-FileCopyrightText: (C) 2026 Opaquefs Contributors
// SPDX-License-Identifier: Apache 2.0

// Command opaquefs-serverd runs the opaquefs file-transfer server.
package main

func main() {
	Execute()
}
