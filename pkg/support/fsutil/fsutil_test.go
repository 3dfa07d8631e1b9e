// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package fsutil

import (
	"os"
	"os/user"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandHome(t *testing.T) {
	usr, err := user.Current()
	require.NoError(t, err)

	for path, want := range map[string]string{
		"":             "",
		"/tmp/weights": "/tmp/weights",
		"relative/x":   "relative/x",
		"~":            usr.HomeDir,
		"~/a/b":        filepath.Join(usr.HomeDir, "a/b"),
	} {
		got, err := ExpandHome(path)
		require.NoError(t, err)
		assert.Equal(t, want, got, "path %q", path)
	}
	_, err = ExpandHome("~no_such_user_for_autosched_tests/x")
	require.Error(t, err)
}

func TestReadFileAndEnsureDir(t *testing.T) {
	base := t.TempDir()
	dir, err := EnsureDir(filepath.Join(base, "a", "b"))
	require.NoError(t, err)
	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	// Existing directories are kept.
	path := filepath.Join(dir, "settings.txt")
	require.NoError(t, os.WriteFile(path, []byte("beam_size=2"), 0o644))
	_, err = EnsureDir(dir)
	require.NoError(t, err)
	contents, err := ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "beam_size=2", string(contents))

	_, err = EnsureDir(path)
	require.ErrorContains(t, err, "not a directory")
	_, err = ReadFile(filepath.Join(base, "missing"))
	require.Error(t, err)
}
