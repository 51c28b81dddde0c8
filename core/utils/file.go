// SPDX-FileCopyrightText: Copyright (C) 2026 Kauki Labs
// SPDX-License-Identifier: AGPL-3.0-only

// Package utils provides filesystem helpers shared by the daemons.
package utils

import (
	"errors"
	"fmt"
	"os"
)

func BothExists(a, b string) bool {
	if Exists(a) && Exists(b) {
		return true
	}
	return false
}

func BothNotExists(a, b string) bool {
	if !Exists(a) && !Exists(b) {
		return true
	}
	return false
}

func Exists(f string) bool {
	if _, err := os.Stat(f); err == nil {
		return true
	} else if errors.Is(err, os.ErrNotExist) {
		return false
	} else {
		panic(err)
	}
}

// MkDataDir ensures that a directory exists with mode 0700, creating it if
// required.  Pre-existing directories with lax permissions are rejected.
func MkDataDir(d string) error {
	const dirMode = os.ModeDir | 0700

	if fi, err := os.Lstat(d); err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("utils: failed to stat() '%v': %v", d, err)
		}
		if err = os.Mkdir(d, dirMode); err != nil {
			return fmt.Errorf("utils: failed to create '%v': %v", d, err)
		}
	} else {
		if !fi.IsDir() {
			return fmt.Errorf("utils: '%v' is not a directory", d)
		}
		if fi.Mode() != dirMode {
			return fmt.Errorf("utils: '%v' has invalid permissions '%v'", d, fi.Mode())
		}
	}

	return nil
}
