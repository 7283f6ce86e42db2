package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/schema"
)

type runReport struct {
	Run    *schema.Run                    `json:"run"`
	Steps  []*schema.StepResult           `json:"steps"`
	Replay map[string]*store.StepSnapshot `json:"replay,omitempty"`
	Events []*schema.Event                `json:"events,omitempty"`
}

func runInspect(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)
	events := fs.Bool("events", false, "include the event log")
	since := fs.Int64("since", 0, "only events after this sequence number")
	output := fs.String("output", "text", "output format: text, json")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: stepflow inspect [flags] <run-id>")
	}
	runID := fs.Arg(0)

	a, err := newApp(ctx, loadConfig(), appOptions{})
	if err != nil {
		return err
	}
	defer a.close(context.WithoutCancel(ctx))

	rep := runReport{}
	if rep.Run, err = a.store.GetRun(ctx, runID); err != nil {
		return err
	}
	if rep.Steps, err = a.store.ListStepResults(ctx, runID); err != nil {
		return err
	}
	if rep.Replay, err = a.store.ReplaySteps(ctx, runID); err != nil {
		return err
	}
	if *events {
		if rep.Events, err = a.store.GetEvents(ctx, runID, *since); err != nil {
			return err
		}
	}

	if *output == "json" {
		return writeJSON(os.Stdout, rep)
	}
	printRunReport(os.Stdout, rep)
	return nil
}

func printRunReport(w io.Writer, rep runReport) {
	r := rep.Run
	fmt.Fprintf(w, "run:     %s\ngraph:   %s\nstatus:  %s\nstarted: %s\n",
		r.ID, r.GraphName, r.Status, r.StartedAt.Format(time.RFC3339))
	if r.CompletedAt != nil {
		fmt.Fprintf(w, "ended:   %s\n", r.CompletedAt.Format(time.RFC3339))
	}
	if r.Error != nil {
		fmt.Fprintf(w, "error:   %s\n", r.Error.Error())
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "\nSTEP\tTYPE\tSTATUS\tATTEMPTS\tRETRIES\tERROR")
	for _, sr := range rep.Steps {
		retries := 0
		if snap, ok := rep.Replay[sr.Key]; ok {
			retries = snap.Retries
		}
		msg := ""
		if sr.Error != nil {
			msg = sr.Error.Message
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\n", sr.Key, sr.Type, sr.Status, sr.Attempts, retries, msg)
	}
	tw.Flush()

	// Steps the event log knows about but that never produced a result,
	// e.g. a run that crashed mid-step.
	var orphans []string
	for key := range rep.Replay {
		if !hasStep(rep.Steps, key) {
			orphans = append(orphans, key)
		}
	}
	sort.Strings(orphans)
	for _, key := range orphans {
		fmt.Fprintf(w, "%s: %s (no result recorded)\n", key, rep.Replay[key].Status)
	}

	for _, ev := range rep.Events {
		fmt.Fprintf(w, "#%-4d %s %-20s %s\n", ev.ID, ev.Timestamp.Format("15:04:05.000"), ev.Type, ev.StepID)
	}
}

func hasStep(steps []*schema.StepResult, key string) bool {
	for _, sr := range steps {
		if sr.Key == key {
			return true
		}
	}
	return false
}

func runRuns(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("runs", flag.ExitOnError)
	status := fs.String("status", "", "filter by status")
	graph := fs.String("graph", "", "filter by graph name")
	limit := fs.Int("limit", 20, "max runs to list")
	if err := fs.Parse(args); err != nil {
		return err
	}

	a, err := newApp(ctx, loadConfig(), appOptions{})
	if err != nil {
		return err
	}
	defer a.close(context.WithoutCancel(ctx))

	filter := store.RunFilter{GraphName: *graph, Limit: *limit}
	if *status != "" {
		st := schema.RunStatus(*status)
		filter.Status = &st
	}
	runs, err := a.store.ListRuns(ctx, filter)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tGRAPH\tSTATUS\tSTARTED")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.ID, r.GraphName, r.Status, r.StartedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}
