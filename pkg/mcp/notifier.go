package mcp

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/stepflow/pkg/schema"
)

// Sender delivers a notification to one client session. Satisfied by
// *server.MCPServer.
type Sender interface {
	SendNotificationToSpecificClient(sessionID, method string, params map[string]any) error
}

// Notifier pushes run events to the session that started each run as
// notifications/message logging notifications.
type Notifier struct {
	sender   Sender
	sessions *SessionRegistry
	logger   *slog.Logger
}

// NewNotifier creates a Notifier.
func NewNotifier(sender Sender, sessions *SessionRegistry, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{sender: sender, sessions: sessions, logger: logger}
}

// Forward delivers events until ch closes or ctx is done.
func (n *Notifier) Forward(ctx context.Context, ch <-chan schema.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := n.Notify(ev); err != nil {
				n.logger.DebugContext(ctx, "run notification failed", "run_id", ev.RunID, "error", err)
			}
		}
	}
}

// Notify sends one event. Best-effort: events of runs with no known
// session are dropped, and a vanished session is forgotten.
func (n *Notifier) Notify(ev schema.Event) error {
	sid, ok := n.sessions.SessionFor(ev.RunID)
	if !ok {
		return nil
	}
	if isTerminal(ev.Type) {
		defer n.sessions.Forget(ev.RunID)
	}
	err := n.sender.SendNotificationToSpecificClient(sid, "notifications/message", map[string]any{
		"level":  notifyLevel(ev.Type),
		"logger": "stepflow",
		"data":   ev,
	})
	if errors.Is(err, server.ErrSessionNotFound) {
		n.sessions.RemoveSession(sid)
		return nil
	}
	return err
}

func isTerminal(typ string) bool {
	switch typ {
	case schema.EventRunCompleted, schema.EventRunFailed, schema.EventRunCancelled:
		return true
	}
	return false
}

func notifyLevel(typ string) string {
	switch typ {
	case schema.EventRunFailed, schema.EventStepFailed:
		return "error"
	case schema.EventStepSuppressed, schema.EventStepRetrying, schema.EventRunCancelled:
		return "warning"
	}
	return "info"
}
