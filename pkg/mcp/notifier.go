package mcp

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/opchain/internal/streaming"
	"github.com/rendis/opchain/pkg/schema"
)

// notifiedEvents are the job events pushed to the submitting session.
var notifiedEvents = map[string]bool{
	schema.EventJobStarted:        true,
	schema.EventJobProgress:       true,
	schema.EventJobRetryScheduled: true,
	schema.EventJobCompleted:      true,
	schema.EventJobFailed:         true,
	schema.EventJobCancelled:      true,
}

// Notifier is a streaming.Sink that pushes job events to the MCP session
// that submitted the job. Jobs submitted elsewhere are ignored.
type Notifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
	logger    *slog.Logger
}

// NewNotifier creates a notifier that pushes via MCP notifications.
func NewNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry, logger *slog.Logger) *Notifier {
	return &Notifier{mcpServer: mcpServer, sessions: sessions, logger: logger}
}

// Emit implements streaming.Sink. Best-effort: a disconnected session is
// not an error.
func (n *Notifier) Emit(_ context.Context, e streaming.Event) error {
	if e.JobID == "" || !notifiedEvents[e.Type] {
		return nil
	}
	sessionID, ok := n.sessions.SessionFor(e.JobID)
	if !ok {
		return nil
	}

	final := e.Type == schema.EventJobCompleted || e.Type == schema.EventJobCancelled ||
		(e.Type == schema.EventJobFailed && !willRetry(e.Payload))
	if final {
		defer n.sessions.Forget(e.JobID)
	}

	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", map[string]any{
		"level":  "info",
		"logger": "opchain",
		"data": map[string]any{
			"event":     e.Type,
			"job_id":    e.JobID,
			"payload":   e.Payload,
			"timestamp": e.Timestamp,
		},
	})
	if errors.Is(err, server.ErrSessionNotFound) {
		// Session went away between lookup and send.
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}

func willRetry(payload any) bool {
	m, ok := payload.(map[string]any)
	if !ok {
		return false
	}
	v, _ := m["will_retry"].(bool)
	return v
}

var _ streaming.Sink = (*Notifier)(nil)
