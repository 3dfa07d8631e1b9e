package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/autosched/pkg/autoschedule"
)

// hotStageFraction highlights the stages taking more than this fraction of the cost.
const hotStageFraction = 0.5

func humanizeFloat(v float64) string {
	return humanize.SIWithDigits(v, 2, "")
}

func report(results []*scheduled, params *autoschedule.Params, target autoschedule.Target) {
	fmt.Println(titleStyle.Render(fmt.Sprintf("Schedules for %s", target)))
	summary := newTable([]string{"Pipeline", "Funcs", "Cost", "States", "Featurizations", "Rejected", "Time"},
		lipgloss.Left, lipgloss.Right)
	for _, s := range results {
		stats := s.result.Stats
		summary.Row(false, s.name,
			humanize.Comma(int64(len(s.dag.Nodes))),
			humanizeFloat(s.result.Best.Cost()),
			humanize.Comma(int64(stats.NumStatesAdded)),
			humanize.Comma(int64(stats.NumFeaturizations)),
			humanize.Comma(int64(stats.NumRejected())),
			stats.Duration.Round(1e6).String())
	}
	fmt.Println(summary.Render())
	fmt.Printf("Parameters: %s\n", params)

	for _, s := range results {
		fmt.Println(titleStyle.Render(s.name))
		costs := s.result.Best.CostPerStage()
		stages := newTable([]string{"Stage", "Cost", "%"}, lipgloss.Left, lipgloss.Right)
		total := s.result.Best.Cost()
		for _, stage := range s.dag.Stages() {
			if stage.Node.IsInput || stage.ID >= len(costs) {
				continue
			}
			fraction := costs[stage.ID] / max(total, 1e-30)
			stages.Row(fraction > hotStageFraction, stage.Name, humanizeFloat(costs[stage.ID]),
				fmt.Sprintf("%.1f%%", 100*fraction))
		}
		fmt.Println(stages.Render())
		if *flagSchedule {
			fmt.Println(strings.TrimRight(s.result.Transcript, "\n"))
		}
		if s.featuresPath != "" {
			fmt.Printf("Featurization saved to %s\n", s.featuresPath)
		}
	}
}
