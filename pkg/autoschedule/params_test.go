// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package autoschedule

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSettings(t *testing.T) {
	p := DefaultParams()
	require.NoError(t, p.ParseSettings("parallelism=80; beam_size=1_000;random_dropout_seed=7;"+
		"disable_subtiling=true;search_space_options=0011;stack_factor=0.5;weights_path=/tmp/w.json"))
	assert.Equal(t, 80, p.Parallelism)
	assert.Equal(t, 1000, p.BeamSize)
	assert.Equal(t, int64(7), p.RandomDropoutSeed)
	assert.True(t, p.DisableSubtiling)
	assert.False(t, p.MaySubtile())
	assert.True(t, p.SearchSpaceOptions.ComputeRoot())
	assert.True(t, p.SearchSpaceOptions.Inline())
	assert.False(t, p.SearchSpaceOptions.ComputeAtBlock())
	assert.False(t, p.SearchSpaceOptions.ComputeAtThread())
	assert.Equal(t, 0.5, p.StackFactor)
	assert.Equal(t, "/tmp/w.json", p.WeightsPath)

	// String round-trips through ParseSettings.
	p2 := DefaultParams()
	require.NoError(t, p2.ParseSettings(p.String()))
	assert.Equal(t, p, p2)

	for _, bad := range []string{
		"parallelism",
		"unknown_param=1",
		"beam_size=abc",
		"beam_size=0",
		"random_dropout=101",
		"search_space_options=0000",
		"search_space_options=12",
		"search_space_options=11111",
		"disable_subtiling=maybe",
	} {
		p := DefaultParams()
		assert.Error(t, p.ParseSettings(bad), "setting %q should fail", bad)
	}
}

func TestParseSettingsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "params.txt")
	require.NoError(t, os.WriteFile(path, []byte("# Comment\n\nbeam_size=4\nnum_passes=2;randomize_tilings=true\n"), 0o644))
	p := DefaultParams()
	require.NoError(t, p.ParseSettings("parallelism=2;file:"+path))
	assert.Equal(t, 2, p.Parallelism)
	assert.Equal(t, 4, p.BeamSize)
	assert.Equal(t, 2, p.Passes())
	assert.True(t, p.RandomizeTilings)

	require.Error(t, p.ParseSettings("file:"+filepath.Join(t.TempDir(), "missing.txt")))
}

func TestParamsFromEnv(t *testing.T) {
	t.Setenv(ParamsEnv, "beam_size=3")
	p, err := ParamsFromEnv()
	require.NoError(t, err)
	assert.Equal(t, 3, p.BeamSize)

	t.Setenv(ParamsEnv, "beam_size=-3")
	_, err = ParamsFromEnv()
	require.ErrorContains(t, err, ParamsEnv)
}

func TestPasses(t *testing.T) {
	p := DefaultParams()
	assert.Equal(t, 5, p.Passes())
	p.BeamSize = 1
	assert.Equal(t, 1, p.Passes())
	p.NumPasses = 3
	assert.Equal(t, 3, p.Passes())
}

func TestSearchSpaceOptions(t *testing.T) {
	o, err := ParseSearchSpaceOptions("1000")
	require.NoError(t, err)
	assert.True(t, o.ComputeAtThread())
	assert.False(t, o.ComputeRoot())
	assert.Equal(t, "1000", o.String())

	o, err = ParseSearchSpaceOptions("1")
	require.NoError(t, err)
	assert.Equal(t, ComputeRootOption, o)
	assert.Equal(t, "1111", AllSearchSpaceOptions().String())
}

func TestMemoryLimits(t *testing.T) {
	p := DefaultParams()
	assert.Equal(t, int64(48*1024), p.SharedMemoryLimit())
	assert.Equal(t, int64(96*1024), p.SharedMemorySMLimit())
	assert.Equal(t, int64(98070), p.StackMemoryLimit())
}
