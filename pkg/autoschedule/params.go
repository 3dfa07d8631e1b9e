// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package autoschedule

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/gomlx/autosched/pkg/support/fsutil"
	"github.com/pkg/errors"
)

// ParamsEnv is the environment variable with settings overriding the default Params.
const ParamsEnv = "AUTOSCHED_PARAMS"

// Params configures the search.
type Params struct {
	// Parallelism is the number of cores (CPU) or SMs (GPU) to target.
	Parallelism int

	// BeamSize is the number of states kept at each decision of a pass.
	BeamSize int

	// RandomDropout is the percent chance of keeping each state: 100 disables dropout.
	RandomDropout int

	// RandomDropoutSeed seeds the dropout and the randomized tilings.
	RandomDropoutSeed int64

	// WeightsPath is the location of the cost model weights. Empty uses built-in weights.
	WeightsPath string

	// DisableSubtiling emulates the legacy search space: Funcs can only be tiled once.
	DisableSubtiling bool

	// RandomizeTilings shuffles and truncates the tiling candidates.
	RandomizeTilings bool

	// SearchSpaceOptions enables the placements considered for each Func.
	SearchSpaceOptions SearchSpaceOptions

	// FreezeInlineComputeRoot freezes, after the first pass, the inline and compute_root
	// decisions of the cheapest stages.
	FreezeInlineComputeRoot bool

	// PartialSchedulePath is a transcript whose "# decision" lines pin the decisions of
	// the first pass.
	PartialSchedulePath string

	// NumPasses of the beam search. 0 means 1 for greedy searches (BeamSize == 1), else 5.
	NumPasses int

	// GPU limits.
	SharedMemoryLimitKB   int64
	SharedMemorySMLimitKB int64
	ActiveBlockLimit      int64
	ActiveWarpLimit       int64

	// StackFactor is the fraction of the per-thread stack that may be used by constant
	// sized local allocations.
	StackFactor float64
}

// DefaultParams returns the default configuration.
func DefaultParams() Params {
	return Params{
		Parallelism:           16,
		BeamSize:              32,
		RandomDropout:         100,
		SearchSpaceOptions:    AllSearchSpaceOptions(),
		SharedMemoryLimitKB:   48,
		SharedMemorySMLimitKB: 96,
		ActiveBlockLimit:      32,
		ActiveWarpLimit:       64,
		StackFactor:           0.95,
	}
}

// Passes returns the number of passes to run.
func (p *Params) Passes() int {
	if p.NumPasses > 0 {
		return p.NumPasses
	}
	if p.BeamSize == 1 {
		return 1
	}
	return 5
}

// MaySubtile returns whether loops can be tiled more than once.
func (p *Params) MaySubtile() bool {
	return !p.DisableSubtiling
}

// SharedMemoryLimit in bytes per block.
func (p *Params) SharedMemoryLimit() int64 { return p.SharedMemoryLimitKB * 1024 }

// SharedMemorySMLimit in bytes per SM.
func (p *Params) SharedMemorySMLimit() int64 { return p.SharedMemorySMLimitKB * 1024 }

const (
	// stackMemoryBase is the per-thread stack scaled by StackFactor.
	stackMemoryBase = 103232

	// localMemoryLimit is the per-thread limit of local memory.
	localMemoryLimit = 524288
)

// StackMemoryLimit is the budget in bytes for constant sized local allocations per thread.
func (p *Params) StackMemoryLimit() int64 {
	return int64(p.StackFactor * stackMemoryBase)
}

// Validate checks the parameters are consistent.
func (p *Params) Validate() error {
	switch {
	case p.Parallelism < 1:
		return errors.Errorf("parallelism must be >= 1, got %d", p.Parallelism)
	case p.BeamSize < 1:
		return errors.Errorf("beam_size must be >= 1, got %d", p.BeamSize)
	case p.RandomDropout < 1 || p.RandomDropout > 100:
		return errors.Errorf("random_dropout must be a percentage in (0, 100], got %d", p.RandomDropout)
	case p.NumPasses < 0:
		return errors.Errorf("num_passes must be >= 0, got %d", p.NumPasses)
	case p.StackFactor <= 0:
		return errors.Errorf("stack_factor must be > 0, got %g", p.StackFactor)
	case p.SearchSpaceOptions == 0:
		return errors.New("search_space_options must enable at least one option")
	}
	return nil
}

// SearchSpaceOptions is a set of placement options, set from a 4-bit string whose last
// character is bit 0: compute_root, inline, compute_at_block, compute_at_thread.
type SearchSpaceOptions uint8

const (
	ComputeRootOption SearchSpaceOptions = 1 << iota
	InlineOption
	ComputeAtBlockOption
	ComputeAtThreadOption
)

// AllSearchSpaceOptions enables every placement ("1111").
func AllSearchSpaceOptions() SearchSpaceOptions {
	return ComputeRootOption | InlineOption | ComputeAtBlockOption | ComputeAtThreadOption
}

// ParseSearchSpaceOptions parses a string like "1011".
func ParseSearchSpaceOptions(bits string) (SearchSpaceOptions, error) {
	if len(bits) == 0 || len(bits) > 4 {
		return 0, errors.Errorf("search_space_options must have 1 to 4 bits, got %q", bits)
	}
	var o SearchSpaceOptions
	for ii := range len(bits) {
		switch bits[len(bits)-1-ii] {
		case '1':
			o |= 1 << ii
		case '0':
		default:
			return 0, errors.Errorf("invalid search_space_options %q: only 0s and 1s are allowed", bits)
		}
	}
	return o, nil
}

// Has returns whether option is enabled.
func (o SearchSpaceOptions) Has(option SearchSpaceOptions) bool { return o&option != 0 }

func (o SearchSpaceOptions) ComputeRoot() bool     { return o.Has(ComputeRootOption) }
func (o SearchSpaceOptions) Inline() bool          { return o.Has(InlineOption) }
func (o SearchSpaceOptions) ComputeAtBlock() bool  { return o.Has(ComputeAtBlockOption) }
func (o SearchSpaceOptions) ComputeAtThread() bool { return o.Has(ComputeAtThreadOption) }

// String returns the 4-bit representation.
func (o SearchSpaceOptions) String() string {
	return fmt.Sprintf("%04b", uint8(o))
}

// paramsTable maps setting names to the Params fields.
func (p *Params) paramsTable() map[string]any {
	return map[string]any{
		"parallelism":                &p.Parallelism,
		"beam_size":                  &p.BeamSize,
		"random_dropout":             &p.RandomDropout,
		"random_dropout_seed":        &p.RandomDropoutSeed,
		"weights_path":               &p.WeightsPath,
		"disable_subtiling":          &p.DisableSubtiling,
		"randomize_tilings":          &p.RandomizeTilings,
		"search_space_options":       &p.SearchSpaceOptions,
		"freeze_inline_compute_root": &p.FreezeInlineComputeRoot,
		"partial_schedule_path":      &p.PartialSchedulePath,
		"num_passes":                 &p.NumPasses,
		"shared_memory_limit_kb":     &p.SharedMemoryLimitKB,
		"shared_memory_sm_limit_kb":  &p.SharedMemorySMLimitKB,
		"active_block_limit":         &p.ActiveBlockLimit,
		"active_warp_limit":          &p.ActiveWarpLimit,
		"stack_factor":               &p.StackFactor,
	}
}

// ParseSettings updates p from settings of the form "param1=value1;param2=value2".
// A setting "file:<path>" reads settings from a file, one or more per line, ignoring
// empty lines and lines starting with "#".
//
// For integer values "_" can be used as a separator, as in "1_000".
func (p *Params) ParseSettings(settings string) error {
	for _, setting := range strings.Split(settings, ";") {
		if err := p.parseSetting(strings.TrimSpace(setting)); err != nil {
			return err
		}
	}
	return p.Validate()
}

func (p *Params) parseSetting(setting string) error {
	if setting == "" {
		return nil
	}
	if filePath, found := strings.CutPrefix(setting, "file:"); found {
		contents, err := fsutil.ReadFile(filePath)
		if err != nil {
			return errors.WithMessage(err, "failed to read settings file")
		}
		for _, line := range strings.Split(string(contents), "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			for _, s := range strings.Split(line, ";") {
				if err := p.parseSetting(strings.TrimSpace(s)); err != nil {
					return errors.WithMessagef(err, "in settings file %q", filePath)
				}
			}
		}
		return nil
	}

	name, valueStr, found := strings.Cut(setting, "=")
	if !found {
		return errors.Errorf("can't parse setting %q: it requires the format \"<param>=<value>\"", setting)
	}
	name, valueStr = strings.TrimSpace(name), strings.TrimSpace(valueStr)
	field, known := p.paramsTable()[name]
	if !known {
		return errors.Errorf("unknown autoscheduler parameter %q", name)
	}
	var err error
	switch v := field.(type) {
	case *int:
		err = json.Unmarshal([]byte(strings.ReplaceAll(valueStr, "_", "")), v)
	case *int64:
		err = json.Unmarshal([]byte(strings.ReplaceAll(valueStr, "_", "")), v)
	case *float64:
		err = json.Unmarshal([]byte(valueStr), v)
	case *bool:
		*v, err = strconv.ParseBool(valueStr)
	case *string:
		*v = valueStr
	case *SearchSpaceOptions:
		*v, err = ParseSearchSpaceOptions(valueStr)
	}
	if err != nil {
		return errors.Wrapf(err, "failed to parse value %q for parameter %q", valueStr, name)
	}
	return nil
}

// ParamsFromEnv returns the default Params updated with the settings in $AUTOSCHED_PARAMS.
func ParamsFromEnv() (Params, error) {
	p := DefaultParams()
	if settings := os.Getenv(ParamsEnv); settings != "" {
		if err := p.ParseSettings(settings); err != nil {
			return p, errors.WithMessagef(err, "while parsing $%s", ParamsEnv)
		}
	}
	return p, nil
}

// String lists the parameters in a settings format accepted by ParseSettings.
func (p *Params) String() string {
	return fmt.Sprintf("parallelism=%d;beam_size=%d;random_dropout=%d;random_dropout_seed=%d;weights_path=%s;"+
		"disable_subtiling=%v;randomize_tilings=%v;search_space_options=%s;freeze_inline_compute_root=%v;"+
		"partial_schedule_path=%s;num_passes=%d;shared_memory_limit_kb=%d;shared_memory_sm_limit_kb=%d;"+
		"active_block_limit=%d;active_warp_limit=%d;stack_factor=%g",
		p.Parallelism, p.BeamSize, p.RandomDropout, p.RandomDropoutSeed, p.WeightsPath,
		p.DisableSubtiling, p.RandomizeTilings, p.SearchSpaceOptions, p.FreezeInlineComputeRoot,
		p.PartialSchedulePath, p.NumPasses, p.SharedMemoryLimitKB, p.SharedMemorySMLimitKB,
		p.ActiveBlockLimit, p.ActiveWarpLimit, p.StackFactor)
}
