package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rendis/stepflow/internal/diagram"
	"github.com/rendis/stepflow/internal/scheduler"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/schema"
)

func runGraph(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: stepflow graph <save|list|show|diagram|delete>")
	}
	sub, args := args[0], args[1:]

	a, err := newApp(ctx, loadConfig(), appOptions{})
	if err != nil {
		return err
	}
	defer a.close(context.WithoutCancel(ctx))

	switch sub {
	case "save":
		fs := flag.NewFlagSet("graph save", flag.ExitOnError)
		file := fs.String("f", "", "graph file (JSON or YAML)")
		name := fs.String("name", "", "graph name (defaults to the document's name)")
		desc := fs.String("description", "", "description")
		if err := fs.Parse(args); err != nil {
			return err
		}
		if *file == "" {
			return fmt.Errorf("graph save: -f is required")
		}
		g, err := a.loadGraph(ctx, *file, "")
		if err != nil {
			return err
		}
		if *name != "" {
			g.Name = *name
		}
		rec := &store.GraphRecord{Name: g.Name, Description: *desc, Graph: *g}
		if err := a.store.SaveGraph(ctx, rec); err != nil {
			return err
		}
		fmt.Printf("saved graph %q (%d steps)\n", rec.Name, len(g.Steps))
		return nil

	case "list":
		graphs, err := a.store.ListGraphs(ctx)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "NAME\tSTEPS\tUPDATED\tDESCRIPTION")
		for _, g := range graphs {
			fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", g.Name, len(g.Graph.Steps), g.UpdatedAt.Format(time.RFC3339), g.Description)
		}
		return tw.Flush()

	case "show":
		if len(args) != 1 {
			return fmt.Errorf("usage: stepflow graph show <name>")
		}
		rec, err := a.store.GetGraph(ctx, args[0])
		if err != nil {
			return err
		}
		return writeJSON(os.Stdout, rec)

	case "diagram":
		return graphDiagram(ctx, a, args)

	case "delete":
		if len(args) != 1 {
			return fmt.Errorf("usage: stepflow graph delete <name>")
		}
		return a.store.DeleteGraph(ctx, args[0])
	}
	return fmt.Errorf("unknown graph command %q", sub)
}

// graphDiagram draws a stored graph, or the graph of a run with its step
// statuses overlaid.
func graphDiagram(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("graph diagram", flag.ExitOnError)
	runID := fs.String("run", "", "overlay the step statuses of this run")
	format := fs.String("format", "ascii", "output format: ascii, mermaid, png, svg")
	out := fs.String("o", "", "output file (required for png)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	name := fs.Arg(0)

	var results []*schema.StepResult
	if *runID != "" {
		run, err := a.store.GetRun(ctx, *runID)
		if err != nil {
			return err
		}
		if name == "" {
			name = run.GraphName
		}
		if results, err = a.store.ListStepResults(ctx, *runID); err != nil {
			return err
		}
	}
	if name == "" {
		return fmt.Errorf("usage: stepflow graph diagram [-run id] [-format f] [-o file] <name>")
	}
	rec, err := a.store.GetGraph(ctx, name)
	if err != nil {
		return err
	}
	if rec.Graph.Name == "" {
		rec.Graph.Name = rec.Name
	}
	model, err := diagram.Build(&rec.Graph, a.registry.FlowOf, results)
	if err != nil {
		return err
	}

	var data []byte
	switch *format {
	case "ascii":
		data = []byte(diagram.RenderASCII(model))
	case "mermaid":
		data = []byte(diagram.RenderMermaid(model))
	case "png", "svg":
		if *format == "png" && *out == "" {
			return fmt.Errorf("graph diagram: -o is required for png")
		}
		if data, err = diagram.RenderImage(ctx, model, *format); err != nil {
			return err
		}
	default:
		return fmt.Errorf("graph diagram: unknown format %q", *format)
	}
	if *out == "" {
		_, err = os.Stdout.Write(data)
		return err
	}
	return os.WriteFile(*out, data, 0o644)
}

func runSchedule(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: stepflow schedule <add|list|enable|disable|delete>")
	}
	sub, args := args[0], args[1:]

	a, err := newApp(ctx, loadConfig(), appOptions{})
	if err != nil {
		return err
	}
	defer a.close(context.WithoutCancel(ctx))
	sched := scheduler.NewScheduler(a.store, a.executor, a.logger)

	switch sub {
	case "add":
		fs := flag.NewFlagSet("schedule add", flag.ExitOnError)
		graph := fs.String("graph", "", "stored graph name")
		cronExpr := fs.String("cron", "", "cron expression, e.g. \"*/5 * * * *\" or \"@hourly\"")
		vars := varsFlag{}
		fs.Var(vars, "var", "variable name=value (repeatable)")
		if err := fs.Parse(args); err != nil {
			return err
		}
		sc, err := sched.Create(ctx, *graph, *cronExpr, vars)
		if err != nil {
			return err
		}
		fmt.Printf("schedule %s created, next run %s\n", sc.ID, sc.NextRunAt.Format(time.RFC3339))
		return nil

	case "list":
		schedules, err := a.store.ListSchedules(ctx, store.ScheduleFilter{})
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tGRAPH\tCRON\tENABLED\tNEXT\tLAST STATUS")
		for _, sc := range schedules {
			next := "-"
			if sc.NextRunAt != nil {
				next = sc.NextRunAt.Format(time.RFC3339)
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\t%s\n", sc.ID, sc.GraphName, sc.CronExpression, sc.Enabled, next, sc.LastRunStatus)
		}
		return tw.Flush()

	case "enable", "disable":
		if len(args) != 1 {
			return fmt.Errorf("usage: stepflow schedule %s <id>", sub)
		}
		enabled := sub == "enable"
		return a.store.UpdateSchedule(ctx, args[0], store.ScheduleUpdate{Enabled: &enabled})

	case "delete":
		if len(args) != 1 {
			return fmt.Errorf("usage: stepflow schedule delete <id>")
		}
		return a.store.DeleteSchedule(ctx, args[0])
	}
	return fmt.Errorf("unknown schedule command %q", sub)
}

func runPlugins(ctx context.Context, _ []string) error {
	a, err := newApp(ctx, loadConfig(), appOptions{})
	if err != nil {
		return err
	}
	defer a.close(context.WithoutCancel(ctx))

	records, err := a.store.ListPlugins(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tPREFIX\tSTATUS\tTOOLS\tCOMMAND\tERROR")
	for _, p := range records {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n", p.ID, p.Prefix, p.Status, p.Tools, p.Command, p.ErrorMessage)
	}
	return tw.Flush()
}
