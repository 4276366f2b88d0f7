package agent

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nugget/toolloop/internal/events"
	"github.com/nugget/toolloop/internal/llm"
	"github.com/nugget/toolloop/internal/tools"
)

// runTools executes calls and returns one tool message per call, in
// request order, whatever order the executions finish in.
func (l *Loop) runTools(ctx context.Context, conversationID string, calls []llm.ToolCall) []llm.Message {
	out := make([]llm.Message, len(calls))
	if !l.cfg.ParallelTools || len(calls) < 2 {
		for i, tc := range calls {
			out[i] = l.runTool(ctx, conversationID, tc)
		}
		return out
	}

	var g errgroup.Group
	if l.cfg.MaxParallelTools > 0 {
		g.SetLimit(l.cfg.MaxParallelTools)
	}
	for i, tc := range calls {
		g.Go(func() error {
			out[i] = l.runTool(ctx, conversationID, tc)
			return nil
		})
	}
	_ = g.Wait() // runTool never fails; errors become message content
	return out
}

// runTool executes one call. Every failure is turned into an
// error-tagged tool message.
func (l *Loop) runTool(ctx context.Context, conversationID string, tc llm.ToolCall) llm.Message {
	l.publish(events.KindToolCall, map[string]any{
		"conversation_id": conversationID,
		"tool":            tc.Name,
		"call_id":         tc.ID,
	})
	start := time.Now()

	var res tools.Result
	if tc.Name == "" {
		res = tools.Result{
			Content: tools.ErrorContent(tools.KindMissingName, "tool call has no name"),
			IsError: true,
			Kind:    tools.KindMissingName,
		}
	} else {
		tctx := tools.WithCallID(tools.WithConversationID(ctx, conversationID), tc.ID)
		r, err := l.registry.Invoke(tctx, tc.Name, tc.Arguments)
		if err != nil {
			kind := tools.ErrorKind(err)
			r = tools.Result{
				Content: tools.ErrorContent(kind, err.Error()),
				IsError: true,
				Kind:    kind,
			}
		}
		res = r
	}

	elapsed := time.Since(start)
	if res.IsError {
		l.logger.Warn("tool call failed",
			"conversation", conversationID,
			"tool", tc.Name,
			"call_id", tc.ID,
			"kind", res.Kind,
		)
	} else {
		l.logger.Debug("tool call done",
			"conversation", conversationID,
			"tool", tc.Name,
			"call_id", tc.ID,
			"elapsed", elapsed,
		)
	}
	l.publish(events.KindToolDone, map[string]any{
		"conversation_id": conversationID,
		"tool":            tc.Name,
		"call_id":         tc.ID,
		"ok":              !res.IsError,
		"kind":            res.Kind,
		"duration_ms":     elapsed.Milliseconds(),
	})

	return llm.Message{
		Role:       llm.RoleTool,
		Content:    res.Content,
		ToolCallID: tc.ID,
		Name:       tc.Name,
	}
}
