package main

import (
	"context"

	"github.com/rendis/stepflow/pkg/mcp"
)

// runMCP serves the MCP tools on stdio. Run events stream to the session
// that started the run as log notifications.
func runMCP(ctx context.Context, _ []string) error {
	a, err := newApp(ctx, loadConfig(), appOptions{loadPlugins: true, stream: true})
	if err != nil {
		return err
	}
	defer a.close(context.WithoutCancel(ctx))

	srv := mcp.NewStepflowServer(mcp.ServerDeps{
		Executor:  a.executor,
		Store:     a.store,
		Validator: a.validator,
		FlowOf:    a.registry.FlowOf,
		Hub:       a.hub,
		Logger:    a.logger,
	})
	a.logger.InfoContext(ctx, "mcp server listening on stdio", "db", a.cfg.DBPath)
	return srv.Serve(ctx)
}
