package handlers

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"

	"github.com/rendis/stepflow/internal/dbclient"
	"github.com/rendis/stepflow/internal/runctx"
	"github.com/rendis/stepflow/pkg/schema"
)

// QueryExecutor is what db.query needs from a connection handle.
type QueryExecutor interface {
	Execute(ctx context.Context, query string, params []any, timeoutMs int) (*dbclient.Result, error)
}

// --- db.connect ---

type dbConnectConfig struct {
	Name         string `json:"name"`
	Driver       string `json:"driver"`
	DSN          string `json:"dsn"`
	MaxOpenConns int    `json:"maxOpenConns,omitempty"`
	MaxIdleConns int    `json:"maxIdleConns,omitempty"`
}

type dbConnectHandler struct{ deps Deps }

func (h *dbConnectHandler) Type() string   { return "db.connect" }
func (h *dbConnectHandler) Flow() FlowKind { return FlowSequential }

func (h *dbConnectHandler) Validate(raw json.RawMessage) error {
	cfg, err := decode[dbConnectConfig](h.Type(), raw)
	if err != nil {
		return err
	}
	for field, v := range map[string]string{"name": cfg.Name, "driver": cfg.Driver, "dsn": cfg.DSN} {
		if err := required(h.Type(), field, v); err != nil {
			return err
		}
	}
	return nil
}

func (h *dbConnectHandler) Execute(ctx context.Context, step *schema.Step, rc *runctx.RunContext) (any, error) {
	cfg, err := resolveInto[dbConnectConfig](h.deps.Interp, h.Type(), step.Config, rc)
	if err != nil {
		return nil, err
	}
	client, err := h.deps.OpenDB(ctx, dbclient.Config{
		Driver:       cfg.Driver,
		DSN:          cfg.DSN,
		MaxOpenConns: cfg.MaxOpenConns,
		MaxIdleConns: cfg.MaxIdleConns,
	})
	if err != nil {
		return nil, err
	}

	if prev, ok := rc.RemoveConnection(cfg.Name); ok {
		closeConnection(ctx, h.deps.Logger, cfg.Name, prev)
	}
	rc.SetConnection(cfg.Name, client)
	return map[string]any{"connection": cfg.Name, "driver": cfg.Driver}, nil
}

// --- db.query ---

type dbQueryConfig struct {
	Connection    string `json:"connection"`
	Query         string `json:"query"`
	Params        []any  `json:"params,omitempty"`
	ConnectionKey string `json:"connectionKey,omitempty"`
	QueryTimeout  int    `json:"queryTimeout,omitempty"` // ms
}

// dbQueryHandler runs a query on a named connection and stores the result
// record at data[connectionKey] (the step id when unset).
type dbQueryHandler struct{ deps Deps }

func (h *dbQueryHandler) Type() string   { return "db.query" }
func (h *dbQueryHandler) Flow() FlowKind { return FlowSequential }

func (h *dbQueryHandler) Validate(raw json.RawMessage) error {
	cfg, err := decode[dbQueryConfig](h.Type(), raw)
	if err != nil {
		return err
	}
	if err := required(h.Type(), "connection", cfg.Connection); err != nil {
		return err
	}
	return required(h.Type(), "query", cfg.Query)
}

func (h *dbQueryHandler) Execute(ctx context.Context, step *schema.Step, rc *runctx.RunContext) (any, error) {
	cfg, err := resolveInto[dbQueryConfig](h.deps.Interp, h.Type(), step.Config, rc)
	if err != nil {
		return nil, err
	}
	conn, ok := rc.Connection(cfg.Connection)
	if !ok {
		return nil, schema.NotFoundError("connection", cfg.Connection, rc.ConnectionKeys())
	}
	exec, ok := conn.(QueryExecutor)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeConfig, "connection %q cannot run queries (%T)", cfg.Connection, conn)
	}

	res, err := exec.Execute(ctx, cfg.Query, cfg.Params, cfg.QueryTimeout)
	if err != nil {
		return nil, schema.AsFlowError(err, schema.ErrCodeOperation).
			WithDetails(map[string]any{"connection": cfg.Connection, "query": cfg.Query})
	}
	key := cfg.ConnectionKey
	if key == "" {
		key = step.ID
	}
	rec := res.Record()
	rc.SetData(key, rec)
	return rec, nil
}

// --- db.close ---

type dbCloseConfig struct {
	Connection string `json:"connection"`
}

type dbCloseHandler struct{ deps Deps }

func (h *dbCloseHandler) Type() string   { return "db.close" }
func (h *dbCloseHandler) Flow() FlowKind { return FlowSequential }

func (h *dbCloseHandler) Validate(raw json.RawMessage) error {
	cfg, err := decode[dbCloseConfig](h.Type(), raw)
	if err != nil {
		return err
	}
	return required(h.Type(), "connection", cfg.Connection)
}

func (h *dbCloseHandler) Execute(ctx context.Context, step *schema.Step, rc *runctx.RunContext) (any, error) {
	cfg, err := resolveInto[dbCloseConfig](h.deps.Interp, h.Type(), step.Config, rc)
	if err != nil {
		return nil, err
	}
	conn, ok := rc.RemoveConnection(cfg.Connection)
	if !ok {
		return nil, schema.NotFoundError("connection", cfg.Connection, rc.ConnectionKeys())
	}
	if c, ok := conn.(io.Closer); ok {
		if err := c.Close(); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeOperation, "close connection %q: %s", cfg.Connection, err.Error()).WithCause(err)
		}
	}
	return map[string]any{"connection": cfg.Connection, "closed": true}, nil
}

func closeConnection(ctx context.Context, logger *slog.Logger, name string, conn any) {
	c, ok := conn.(io.Closer)
	if !ok {
		return
	}
	if err := c.Close(); err != nil {
		logger.WarnContext(ctx, "closing replaced connection failed",
			slog.String("connection", name),
			slog.String("error", err.Error()),
		)
	}
}
