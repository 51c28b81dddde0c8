// SPDX-FileCopyrightText: Copyright (C) 2026 Kauki Labs
// SPDX-License-Identifier: AGPL-3.0-only

//go:build !windows

// Package compat wraps platform specific calls the daemons need.
package compat

import "syscall"

// Umask sets the process umask and returns the previous value.
func Umask(newMask int) int {
	return syscall.Umask(newMask)
}
