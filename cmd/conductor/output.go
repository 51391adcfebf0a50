package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/aixgo-dev/conductor/internal/aggregation"
	"github.com/aixgo-dev/conductor/internal/distribution"
	"github.com/aixgo-dev/conductor/internal/pipeline"
)

var (
	okMark   = color.New(color.FgGreen).Sprint("✓")
	failMark = color.New(color.FgRed).Sprint("✗")
	skipMark = color.New(color.FgYellow).Sprint("-")
	bold     = color.New(color.Bold).SprintFunc()
	faint    = color.New(color.Faint).SprintFunc()
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printPlan(w io.Writer, dist *distribution.Distribution, pool []*distribution.Worker) {
	fmt.Fprintf(w, "%s %d workers\n", bold("Plan:"), len(pool))
	for _, worker := range pool {
		tasks := dist.Assignments[worker.ID]
		ids := make([]string, len(tasks))
		for i, t := range tasks {
			ids[i] = t.ID
		}
		fmt.Fprintf(w, "  %-20s %-12s %s\n", worker.ID, faint(worker.Type), strings.Join(ids, ", "))
	}
}

func printAggregate(w io.Writer, res *aggregation.Result) {
	fmt.Fprintf(w, "%s %s, %d tasks, %d succeeded, %d failed\n",
		bold("Distribution:"), res.Strategy, res.TotalTasks, res.Succeeded, res.Failed)

	workers := append([]aggregation.WorkerSummary(nil), res.Workers...)
	sort.Slice(workers, func(i, j int) bool { return workers[i].WorkerID < workers[j].WorkerID })
	for _, ws := range workers {
		mark := okMark
		if ws.Failed > 0 {
			mark = failMark
		}
		fmt.Fprintf(w, "  %s %-20s %d/%d\n", mark, ws.WorkerID, ws.Succeeded, ws.Total)
	}

	for _, r := range res.Results {
		if r.Success {
			continue
		}
		fmt.Fprintf(w, "  %s %s on %s after %d attempts: %s\n", failMark, r.TaskID, r.AgentID, r.Attempts, r.Error)
	}

	switch {
	case res.First != nil:
		fmt.Fprintf(w, "%s %s from %s\n", bold("First success:"), res.First.TaskID, res.First.AgentID)
	case res.Vote != nil:
		verdict := color.YellowString("plurality")
		if res.Vote.IsMajority {
			verdict = color.GreenString("majority")
		}
		fmt.Fprintf(w, "%s %v (%d/%d, %s)\n", bold("Vote:"), res.Vote.Winner, res.Vote.WinnerVotes, res.Vote.TotalVotes, verdict)
	case res.NoSuccess:
		fmt.Fprintln(w, color.RedString("No task succeeded"))
	}
}

func printExecution(w io.Writer, exec *pipeline.Execution) {
	status := color.GreenString(string(exec.Status))
	if exec.Status == pipeline.StatusFailed {
		status = color.RedString(string(exec.Status))
	}
	name := exec.Pipeline
	if exec.AdHoc {
		name += faint(" (ad hoc)")
	}
	fmt.Fprintf(w, "%s %s %s in %s\n", bold("Pipeline:"), name, status, exec.Duration.Round(time.Millisecond))

	for _, o := range exec.Stages {
		mark := okMark
		switch o.Status {
		case pipeline.StageFailed:
			mark = failMark
		case pipeline.StageSkipped:
			mark = skipMark
		}
		label := o.Stage
		if o.Parent != "" {
			label = o.Parent + "/" + o.Stage
		}
		line := fmt.Sprintf("  %s %-24s", mark, label)
		if o.AgentID != "" {
			line += " " + o.AgentID
		}
		if o.Reason != "" {
			line += " " + faint(o.Reason)
		}
		if o.Error != "" {
			line += " " + color.RedString(o.Error)
		}
		fmt.Fprintln(w, line)
	}
	if exec.Error != "" {
		fmt.Fprintf(w, "%s %s\n", color.RedString("Error:"), exec.Error)
	}
}
