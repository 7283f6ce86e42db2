package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

// errRunFailed signals a non-zero exit after output has been written.
var errRunFailed = errors.New("run failed")

const usage = `stepflow runs step graphs.

Usage:
  stepflow <command> [flags]

Commands:
  run        execute a graph file (-f) or stored graph (-graph)
  validate   check a graph file without running it
  serve      run scheduled graphs and plugin servers until interrupted
  mcp        serve the MCP tools on stdio
  inspect    show a stored run, its steps and event log
  runs       list stored runs
  graph      save, list, show, diagram or delete stored graphs
  schedule   add, list, enable, disable or delete cron schedules
  plugins    list configured plugin servers and their health
  install    write ~/.stepflow/settings.json
  version    print the version
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	cmd, args := os.Args[1], os.Args[2:]

	// serve handles its own signals so SIGHUP can reload.
	ctx := context.Background()
	if cmd != "serve" {
		var stop context.CancelFunc
		ctx, stop = signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
		defer stop()
	}

	var err error
	switch cmd {
	case "run":
		err = runRun(ctx, args)
	case "validate":
		err = runValidate(ctx, args)
	case "serve":
		err = runServe(ctx, args)
	case "mcp":
		err = runMCP(ctx, args)
	case "inspect":
		err = runInspect(ctx, args)
	case "runs":
		err = runRuns(ctx, args)
	case "graph":
		err = runGraph(ctx, args)
	case "schedule":
		err = runSchedule(ctx, args)
	case "plugins":
		err = runPlugins(ctx, args)
	case "install":
		err = runInstall(args)
	case "version", "-v", "--version":
		printVersion()
	case "help", "-h", "--help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}
	if err != nil {
		if !errors.Is(err, errRunFailed) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}
