package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/stepflow/internal/engine"
	"github.com/rendis/stepflow/internal/streaming"
	"github.com/rendis/stepflow/pkg/schema"
)

func runRun(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	file := fs.String("f", "", "graph file (JSON or YAML)")
	name := fs.String("graph", "", "stored graph name")
	varsFile := fs.String("vars", "", "variables file (JSON or YAML)")
	noStore := fs.Bool("no-store", false, "do not persist the run")
	output := fs.String("output", "text", "output format: text, json")
	follow := fs.Bool("follow", false, "print step events to stderr while the run executes")
	vars := varsFlag{}
	fs.Var(vars, "var", "variable name=value (repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	a, err := newApp(ctx, loadConfig(), appOptions{noStore: *noStore, loadPlugins: true, stream: *follow})
	if err != nil {
		return err
	}
	defer a.close(context.WithoutCancel(ctx))

	g, err := a.loadGraph(ctx, *file, *name)
	if err != nil {
		return err
	}

	initial := map[string]any{}
	if *varsFile != "" {
		if initial, err = readVarsFile(*varsFile); err != nil {
			return err
		}
	}
	initial = mergeVars(initial, vars)
	if err := a.validator.ValidateVariables(g, initial); err != nil {
		return err
	}

	opts := engine.RunOptions{Variables: initial}
	if *follow {
		opts.RunID = uuid.New().String()
		ch, cancel, err := a.hub.Subscribe(ctx, streaming.EventFilter{RunID: opts.RunID})
		if err != nil {
			return err
		}
		done := make(chan struct{})
		go func() {
			defer close(done)
			for ev := range ch {
				printEvent(os.Stderr, ev)
			}
		}()
		defer func() {
			cancel()
			<-done
		}()
	}

	res, err := a.executor.Run(ctx, g, opts)
	if err != nil {
		return err
	}
	if *output == "json" {
		if err := writeJSON(os.Stdout, res); err != nil {
			return err
		}
	} else {
		printRunResult(os.Stdout, res)
	}
	if res.Status != schema.RunStatusCompleted {
		return errRunFailed
	}
	return nil
}

func runValidate(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	file := fs.String("f", "", "graph file (JSON or YAML)")
	output := fs.String("output", "text", "output format: text, json")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *file == "" && fs.NArg() > 0 {
		*file = fs.Arg(0)
	}
	if *file == "" {
		return fmt.Errorf("validate: graph file required")
	}

	a, err := newApp(ctx, loadConfig(), appOptions{noStore: true})
	if err != nil {
		return err
	}
	defer a.close(context.WithoutCancel(ctx))

	doc, err := readGraphDocument(*file)
	if err != nil {
		return err
	}
	_, res := a.validator.ValidateDocument(doc)
	if *output == "json" {
		if err := writeJSON(os.Stdout, res); err != nil {
			return err
		}
	} else {
		printValidation(os.Stdout, *file, res)
	}
	if !res.Valid() {
		return errRunFailed
	}
	return nil
}

func printRunResult(w io.Writer, res *engine.RunResult) {
	fmt.Fprintf(w, "run %s: %s (%s)\n", res.RunID, res.Status, res.CompletedAt.Sub(res.StartedAt).Round(time.Millisecond))

	keys := make([]string, 0, len(res.Steps))
	for k := range res.Steps {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		sr := res.Steps[k]
		line := fmt.Sprintf("  %-40s %s", k, sr.Status)
		if sr.Error != nil {
			line += "  " + sr.Error.Error()
		}
		fmt.Fprintln(w, line)
	}
	for _, warn := range res.Warnings {
		fmt.Fprintf(w, "warning: %s\n", warn)
	}
	if res.Error != nil {
		fmt.Fprintf(w, "error: %s\n", res.Error.Error())
	}
}

func printValidation(w io.Writer, file string, res *schema.ValidationResult) {
	for _, is := range res.Errors {
		fmt.Fprintf(w, "%s: error %s [%s] %s\n", file, is.Path, is.Code, is.Message)
	}
	for _, is := range res.Warnings {
		fmt.Fprintf(w, "%s: warning %s [%s] %s\n", file, is.Path, is.Code, is.Message)
	}
	if res.Valid() {
		fmt.Fprintf(w, "%s: ok\n", file)
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printEvent(w io.Writer, ev schema.Event) {
	line := fmt.Sprintf("#%-4d %s %-20s %s", ev.ID, ev.Timestamp.Format("15:04:05.000"), ev.Type, ev.StepID)
	if msg, ok := ev.Payload["error"]; ok {
		line += fmt.Sprintf("  %v", msg)
	}
	fmt.Fprintln(w, line)
}
