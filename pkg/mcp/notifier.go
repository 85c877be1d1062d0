package mcp

import (
	"context"
	"log/slog"

	"github.com/rendis/galaxy/internal/streaming"
	"github.com/rendis/galaxy/pkg/schema"
)

// ClientBroadcaster pushes notifications to connected MCP clients.
// Satisfied by *server.MCPServer.
type ClientBroadcaster interface {
	SendNotificationToAllClients(method string, params map[string]any)
}

// EventSubscriber streams live run events. Satisfied by *engine.Service.
type EventSubscriber interface {
	Subscribe(ctx context.Context, filter streaming.EventFilter) (<-chan streaming.RunEvent, func(), error)
}

// notifiedEvents are forwarded to clients: run outcomes and nodes that start
// waiting on a provider callback.
var notifiedEvents = []string{
	schema.EventRunCompleted,
	schema.EventRunFailed,
	schema.EventRunCanceled,
	schema.EventNodeWaiting,
}

// RunNotifier forwards run events to MCP clients as log-message notifications.
type RunNotifier struct {
	events EventSubscriber
	out    ClientBroadcaster
	logger *slog.Logger
}

// NewRunNotifier creates a notifier; call Run to start forwarding.
func NewRunNotifier(events EventSubscriber, out ClientBroadcaster, logger *slog.Logger) *RunNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &RunNotifier{events: events, out: out, logger: logger}
}

// Run forwards events until ctx ends. Best effort: events dropped by the hub
// are not retried.
func (n *RunNotifier) Run(ctx context.Context) error {
	ch, cancel, err := n.events.Subscribe(ctx, streaming.EventFilter{EventTypes: notifiedEvents})
	if err != nil {
		return err
	}
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			n.out.SendNotificationToAllClients("notifications/message", map[string]any{
				"level":  "info",
				"logger": "galaxy",
				"data":   ev,
			})
			n.logger.DebugContext(ctx, "run event forwarded", "run_id", ev.RunID, "event_type", ev.EventType)
		}
	}
}
