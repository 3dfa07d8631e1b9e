// autosched searches schedules for the built-in synthetic pipelines and reports them.
//
// Parameters are taken from the AUTOSCHED_PARAMS environment variable, overridden by the
// -params flag, both in the "key=value;key=value" or "file:<path>" formats.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gomlx/autosched/pkg/autoschedule"
	"github.com/gomlx/autosched/pkg/dag"
	"github.com/gomlx/autosched/pkg/dag/dagtest"
	"github.com/gomlx/autosched/pkg/support/fsutil"
	"github.com/google/uuid"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

var (
	flagPipelines = flag.String("pipelines", "", "Comma-separated list of pipelines to schedule. "+
		"Empty schedules all of: "+strings.Join(pipelineNames(), ", "))
	flagGPU    = flag.Bool("gpu", false, "Schedule for a GPU target, instead of the host CPU.")
	flagParams = flag.String("params", "", "Search parameters, as \"key=value;...\" or \"file:<path>\". "+
		"They override the ones in $"+autoschedule.ParamsEnv+".")
	flagFeaturesDir = flag.String("features_dir", "", "If set, the featurization of each best schedule "+
		"is saved in this directory.")
	flagSchedule = flag.Bool("schedule", false, "Print the transcript of each best schedule.")
	flagProgress = flag.Bool("progress", true, "Display a progress bar of the search.")
	flagTimeout  = flag.Duration("timeout", 0, "Time limit for the whole search. 0 means no limit.")
	flagWorkers  = flag.Int("workers", runtime.NumCPU(), "Number of pipelines scheduled concurrently.")
)

func pipelineNames() []string {
	var names []string
	for name := range dagtest.All() {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// scheduled is the outcome of the search of one pipeline.
type scheduled struct {
	name         string
	dag          *dag.FunctionDAG
	result       *autoschedule.Result
	featuresPath string
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	params := must.M1(autoschedule.ParamsFromEnv())
	if *flagParams != "" {
		must.M(params.ParseSettings(*flagParams))
	}
	must.M(params.Validate())
	target := autoschedule.HostTarget()
	if *flagGPU {
		target = autoschedule.GPUTarget()
	}

	all := dagtest.All()
	names := pipelineNames()
	if *flagPipelines != "" {
		names = strings.Split(*flagPipelines, ",")
	}
	for _, name := range names {
		if _, found := all[name]; !found {
			klog.Fatalf("Unknown pipeline %q, see -help for the list", name)
		}
	}

	ctx := context.Background()
	if *flagTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *flagTimeout)
		defer cancel()
	}

	bar := newProgressBar(names, all, &params)
	results := make([]*scheduled, len(names))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(*flagWorkers, 1))
	for ii, name := range names {
		g.Go(func() error {
			s, err := schedulePipeline(ctx, name, all[name], params, target, bar)
			if err != nil {
				return errors.WithMessagef(err, "pipeline %q", name)
			}
			results[ii] = s
			return nil
		})
	}
	err := g.Wait()
	if bar != nil {
		_ = bar.Finish()
		fmt.Println()
	}
	if err != nil {
		klog.Errorf("Search failed: %+v", err)
		os.Exit(1)
	}
	report(results, &params, target)
}

// newProgressBar counts the decisions of all passes of all pipelines.
func newProgressBar(names []string, all map[string]*dag.FunctionDAG, params *autoschedule.Params) *progressbar.ProgressBar {
	if !*flagProgress {
		return nil
	}
	total := 0
	for _, name := range names {
		total += params.Passes() * 2 * len(all[name].Nodes)
	}
	return progressbar.NewOptions(total,
		progressbar.OptionSetDescription("searching"),
		progressbar.OptionShowCount(),
		progressbar.OptionSetItsString("decisions"),
		progressbar.OptionShowIts(),
		progressbar.OptionSetTheme(progressbar.ThemeASCII),
		progressbar.OptionThrottle(100*time.Millisecond),
	)
}

func schedulePipeline(ctx context.Context, name string, d *dag.FunctionDAG, params autoschedule.Params,
	target autoschedule.Target, bar *progressbar.ProgressBar) (*scheduled, error) {
	var options []autoschedule.Option
	if bar != nil {
		var mu sync.Mutex
		options = append(options, autoschedule.WithProgress(func(_, _, _, _ int) {
			mu.Lock()
			defer mu.Unlock()
			_ = bar.Add(1)
		}))
	}
	result, err := autoschedule.Schedule(ctx, d, params, target, nil, options...)
	if err != nil {
		return nil, err
	}
	s := &scheduled{name: name, dag: d, result: result}
	if *flagFeaturesDir != "" {
		s.featuresPath, err = saveFeaturization(s, &params, target)
		if err != nil {
			return nil, err
		}
	}
	return s, nil
}

// saveFeaturization writes the featurization of the best schedule in a uniquely named file.
func saveFeaturization(s *scheduled, params *autoschedule.Params, target autoschedule.Target) (string, error) {
	dir, err := fsutil.EnsureDir(*flagFeaturesDir)
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, fmt.Sprintf("%s-%s.featurization", s.name, uuid.NewString()))
	f, err := os.Create(path)
	if err != nil {
		return "", errors.Wrapf(err, "creating featurization file")
	}
	err = s.result.Best.SaveFeaturization(f, s.dag, params, target)
	if closeErr := f.Close(); err == nil {
		err = errors.Wrapf(closeErr, "closing %q", path)
	}
	if err != nil {
		return "", err
	}
	klog.V(1).Infof("saved featurization of %s to %q", s.name, path)
	return path, nil
}
