// SPDX-FileCopyrightText: Copyright (C) 2026 Kauki Labs
// SPDX-License-Identifier: AGPL-3.0-only

//go:build windows

package compat

// Umask is a no-op, Windows has no process umask.
func Umask(newMask int) int {
	return 0
}
