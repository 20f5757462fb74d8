package engine

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/fpoisson2/test-chatkit-sub001/pkg/schema"
)

// AutoStart describes how a brand-new thread's first turn begins: with a
// synthesized user message, a synthesized assistant message, or not at all.
type AutoStart struct {
	Enabled          bool   `json:"enabled"`
	UserMessage      string `json:"user_message,omitempty"`
	AssistantMessage string `json:"assistant_message,omitempty"`
}

// ResolveAutoStart reads the start step's parameters. When both a user and
// an assistant message are configured, the user message wins and the
// assistant message is discarded with a warning. That is a conflict
// resolution rule, not a validation error.
func ResolveAutoStart(ctx context.Context, logger *slog.Logger, def *schema.WorkflowDefinition) AutoStart {
	start := def.StartStep()
	if start == nil || len(start.Parameters) == 0 {
		return AutoStart{}
	}

	var params struct {
		AutoStartUserMessage      string `json:"auto_start_user_message,omitempty"`
		AutoStartAssistantMessage string `json:"auto_start_assistant_message,omitempty"`
	}
	if err := json.Unmarshal(start.Parameters, &params); err != nil {
		logger.WarnContext(ctx, "malformed start step parameters, auto-start disabled", "error", err)
		return AutoStart{}
	}

	if params.AutoStartUserMessage != "" && params.AutoStartAssistantMessage != "" {
		logger.WarnContext(ctx, "start step configures both auto-start messages; using the user message",
			"step", start.Slug)
		params.AutoStartAssistantMessage = ""
	}

	return AutoStart{
		Enabled:          params.AutoStartUserMessage != "" || params.AutoStartAssistantMessage != "",
		UserMessage:      params.AutoStartUserMessage,
		AssistantMessage: params.AutoStartAssistantMessage,
	}
}
