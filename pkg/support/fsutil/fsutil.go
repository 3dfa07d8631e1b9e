// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package fsutil resolves the user paths given in settings and flags.
package fsutil

import (
	"os"
	"os/user"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// ExpandHome replaces a leading "~" or "~name" by the home directory of the current or the
// named user. Other paths are returned unchanged.
func ExpandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil
	}
	userName, rest, _ := strings.Cut(path[1:], "/")
	var usr *user.User
	var err error
	if userName == "" {
		usr, err = user.Current()
	} else {
		usr, err = user.Lookup(userName)
	}
	if err != nil {
		return "", errors.Wrapf(err, "looking up home directory for %q", path)
	}
	return filepath.Join(usr.HomeDir, rest), nil
}

// ReadFile reads the file at path, after expanding its home directory.
func ReadFile(path string) ([]byte, error) {
	expanded, err := ExpandHome(path)
	if err != nil {
		return nil, err
	}
	contents, err := os.ReadFile(expanded)
	return contents, errors.Wrapf(err, "reading %q", path)
}

// EnsureDir creates the directory dir, and its parents, if it doesn't exist yet. It returns
// dir with its home directory expanded.
func EnsureDir(dir string) (string, error) {
	expanded, err := ExpandHome(dir)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(expanded)
	switch {
	case err == nil && !info.IsDir():
		return "", errors.Errorf("%q is not a directory", dir)
	case err == nil:
		return expanded, nil
	case !errors.Is(err, os.ErrNotExist):
		return "", errors.Wrapf(err, "checking directory %q", dir)
	}
	return expanded, errors.Wrapf(os.MkdirAll(expanded, 0o755), "creating directory %q", dir)
}
