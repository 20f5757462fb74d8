package mcp

import (
	"context"
	"log/slog"

	"github.com/fpoisson2/test-chatkit-sub001/internal/streaming"
	"github.com/fpoisson2/test-chatkit-sub001/pkg/schema"
)

// clientPusher sends a notification to every connected MCP client.
// Satisfied by *server.MCPServer.
type clientPusher interface {
	SendNotificationToAllClients(method string, params map[string]any)
}

// RunNotifier forwards turn-completion and error events from the hub to
// connected MCP clients as notifications/message pushes, so a client that
// issued flowd.signal can observe the resumed turn finishing without polling
// flowd.status.
type RunNotifier struct {
	pusher clientPusher
	hub    streaming.EventHub
	logger *slog.Logger
}

// NewRunNotifier creates a notifier over the given hub.
func NewRunNotifier(pusher clientPusher, hub streaming.EventHub, logger *slog.Logger) *RunNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &RunNotifier{pusher: pusher, hub: hub, logger: logger}
}

// Start subscribes to the hub and pumps events until ctx is cancelled.
// Push delivery is best effort; a client with no open session sees nothing.
func (n *RunNotifier) Start(ctx context.Context) error {
	events, cancel, err := n.hub.Subscribe(ctx, streaming.EventFilter{
		EventTypes: []schema.StreamEventType{schema.StreamEndOfTurn, schema.StreamError},
	})
	if err != nil {
		return err
	}

	go func() {
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				n.push(ev)
			}
		}
	}()
	return nil
}

func (n *RunNotifier) push(ev schema.StreamEvent) {
	payload := map[string]any{
		"event":     string(ev.Type),
		"thread_id": ev.ThreadID,
		"run_id":    ev.RunID,
	}
	if ev.Type == schema.StreamError {
		payload["message"] = ev.Text
		payload["allow_retry"] = ev.AllowRetry
	}
	n.pusher.SendNotificationToAllClients("notifications/message", payload)
	n.logger.Debug("pushed run notification", "event", string(ev.Type), "thread_id", ev.ThreadID)
}
