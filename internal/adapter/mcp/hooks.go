package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/guillermoBallester/pgwatch/internal/core/domain"
	"github.com/guillermoBallester/pgwatch/internal/core/port"
)

// toolCall is what the before hook leaves for the after or error hook.
type toolCall struct {
	tool        string
	fingerprint string
	start       time.Time
	span        trace.Span
}

// ToolCallHooks logs every tool call and, with a tracer, wraps it in a span.
// Calls carrying a sql argument are tagged with the statement fingerprint,
// the same value a watch record gets from the fingerprint_sql cast, so a
// tool call can be matched to the records its statement produced.
func ToolCallHooks(logger *slog.Logger, tracer trace.Tracer, inst port.Instrumentation) *server.Hooks {
	hooks := &server.Hooks{}
	var calls sync.Map // request id -> *toolCall

	hooks.AddBeforeCallTool(func(ctx context.Context, id any, req *mcp.CallToolRequest) {
		call := &toolCall{tool: req.Params.Name, start: time.Now()}
		if sql, ok := req.GetArguments()["sql"].(string); ok {
			if fp, err := domain.FingerprintSQL(sql); err == nil {
				call.fingerprint, _ = fp.(string)
			}
		}
		if tracer != nil {
			attrs := []attribute.KeyValue{attribute.String("mcp.tool", call.tool)}
			if call.fingerprint != "" {
				attrs = append(attrs, attribute.String("db.query.fingerprint", call.fingerprint))
			}
			_, call.span = tracer.Start(ctx, "mcp.tool.call", trace.WithAttributes(attrs...))
		}
		calls.Store(id, call)
	})

	finish := func(ctx context.Context, id any, tool string, callErr error) {
		call := &toolCall{tool: tool}
		if v, ok := calls.LoadAndDelete(id); ok {
			call = v.(*toolCall)
		}
		if call.tool == "" {
			return
		}
		var duration time.Duration
		if !call.start.IsZero() {
			duration = time.Since(call.start)
		}

		level := slog.LevelInfo
		attrs := []slog.Attr{
			slog.String("rpc.method", "tools/call"),
			slog.String("mcp.tool", call.tool),
			slog.Duration("duration", duration),
			slog.Bool("error", callErr != nil),
		}
		if call.fingerprint != "" {
			attrs = append(attrs, slog.String("db.query.fingerprint", call.fingerprint))
		}
		if callErr != nil {
			level = slog.LevelError
			attrs = append(attrs, slog.String("error.message", callErr.Error()))
		}
		logger.LogAttrs(ctx, level, "tool call", attrs...)

		if inst != nil {
			inst.RecordToolDuration(ctx, float64(duration.Milliseconds()))
		}
		if call.span != nil {
			if callErr != nil {
				call.span.RecordError(callErr)
				call.span.SetStatus(codes.Error, callErr.Error())
			}
			call.span.End()
		}
	}

	hooks.AddAfterCallTool(func(ctx context.Context, id any, req *mcp.CallToolRequest, result any) {
		var err error
		if r, ok := result.(*mcp.CallToolResult); ok && r.IsError {
			err = errors.New(toolErrorText(r))
		}
		finish(ctx, id, req.Params.Name, err)
	})

	hooks.AddOnError(func(ctx context.Context, id any, _ mcp.MCPMethod, message any, err error) {
		tool := ""
		if req, ok := message.(*mcp.CallToolRequest); ok {
			tool = req.Params.Name
		}
		finish(ctx, id, tool, err)
	})

	return hooks
}

// toolErrorText returns the text of an error result, which tools report as
// their first text content.
func toolErrorText(r *mcp.CallToolResult) string {
	for _, c := range r.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			return tc.Text
		}
	}
	return fmt.Sprintf("tool returned error with %d content items", len(r.Content))
}
