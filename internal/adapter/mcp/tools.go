package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/guillermoBallester/pgwatch/internal/audit"
	"github.com/guillermoBallester/pgwatch/internal/core/domain"
	"github.com/guillermoBallester/pgwatch/internal/core/service"
)

// Server metadata
const serverName = "pgwatch"

const defaultRecentLimit = 20

// Tool descriptions
const (
	descQuery = "Execute a read-only SQL query against the database and return results as a JSON array of objects. " +
		"A server-side row limit and query timeout are enforced. " +
		"Every query is audited: its record shows up in recent_events once delivered."

	descQueryParam = "SQL query to execute (SELECT statements only)"

	descExplainQuery = "Show the PostgreSQL execution plan for a SQL query. " +
		"Supports ANALYZE to include actual execution statistics (the query WILL be executed)."

	descExplainQuerySQL = "The SELECT query to explain (without the EXPLAIN keyword)"

	descRecentEvents = "List the most recently delivered audit records, newest first. " +
		"Each entry carries the record fields, the delivery reason (final, timeout or shutdown) and its level."

	descRecentLimit = "Maximum number of records to return (default 20)"

	descRateSummary = "Show the in-progress rate window of every configured rate aggregator " +
		"and the number of records waiting for delivery."
)

// DeliveryStatus reports the live state of the delivery engine.
type DeliveryStatus interface {
	Rates() []*domain.Record
	QueueLen() int
}

// RecentEvent is the JSON form of a delivered record.
type RecentEvent struct {
	Name   string         `json:"name"`
	Reason string         `json:"reason"`
	Level  string         `json:"level"`
	Record *domain.Record `json:"record"`
}

// RateSummary is the JSON form of the rate_summary tool result.
type RateSummary struct {
	QueueLen int              `json:"queue_len"`
	Rates    []*domain.Record `json:"rates"`
}

// RegisterTools adds the query tools and, when their sources are set, the
// audit inspection tools.
func RegisterTools(s *server.MCPServer, query *service.QueryService, recent *audit.Recent, status DeliveryStatus) {
	s.AddTool(
		mcp.NewTool("query",
			mcp.WithDescription(descQuery),
			mcp.WithString("sql",
				mcp.Required(),
				mcp.Description(descQueryParam),
			),
		),
		queryHandler(query),
	)

	s.AddTool(
		mcp.NewTool("explain_query",
			mcp.WithDescription(descExplainQuery),
			mcp.WithString("sql",
				mcp.Required(),
				mcp.Description(descExplainQuerySQL),
			),
			mcp.WithBoolean("analyze",
				mcp.Description("Include actual execution statistics (executes the query). Defaults to false."),
			),
		),
		explainQueryHandler(query),
	)

	if recent != nil {
		s.AddTool(
			mcp.NewTool("recent_events",
				mcp.WithDescription(descRecentEvents),
				mcp.WithNumber("limit",
					mcp.Description(descRecentLimit),
				),
			),
			recentEventsHandler(recent),
		)
	}

	if status != nil {
		s.AddTool(
			mcp.NewTool("rate_summary",
				mcp.WithDescription(descRateSummary),
			),
			rateSummaryHandler(status),
		)
	}
}

func explainQueryHandler(query *service.QueryService) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sql, ok := request.GetArguments()["sql"].(string)
		if !ok || sql == "" {
			return mcp.NewToolResultError("sql is required"), nil
		}

		analyze, _ := request.GetArguments()["analyze"].(bool)

		prefix := "EXPLAIN "
		if analyze {
			prefix = "EXPLAIN ANALYZE "
		}

		results, err := query.Execute(ctx, prefix+sql)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("explain failed: %v", err)), nil
		}

		return jsonResult(results)
	}
}

func queryHandler(query *service.QueryService) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sql, ok := request.GetArguments()["sql"].(string)
		if !ok || sql == "" {
			return mcp.NewToolResultError("sql is required"), nil
		}

		results, err := query.Execute(ctx, sql)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
		}

		return jsonResult(results)
	}
}

func recentEventsHandler(recent *audit.Recent) server.ToolHandlerFunc {
	return func(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := defaultRecentLimit
		if v, ok := request.GetArguments()["limit"].(float64); ok {
			if v < 1 {
				return mcp.NewToolResultError("limit must be at least 1"), nil
			}
			limit = int(v)
		}

		deliveries := recent.Deliveries(limit)
		events := make([]RecentEvent, 0, len(deliveries))
		for _, d := range deliveries {
			events = append(events, RecentEvent{
				Name:   d.Name,
				Reason: d.Reason,
				Level:  d.Level.String(),
				Record: d.Record,
			})
		}
		return jsonResult(events)
	}
}

func rateSummaryHandler(status DeliveryStatus) server.ToolHandlerFunc {
	return func(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		rates := status.Rates()
		if rates == nil {
			rates = []*domain.Record{}
		}
		return jsonResult(RateSummary{QueueLen: status.QueueLen(), Rates: rates})
	}
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal results: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
