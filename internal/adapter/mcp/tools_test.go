package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guillermoBallester/pgwatch/internal/audit"
	"github.com/guillermoBallester/pgwatch/internal/core/domain"
	"github.com/guillermoBallester/pgwatch/internal/core/port"
	"github.com/guillermoBallester/pgwatch/internal/core/service"
)

// --- mock QueryExecutor ---

type mockExecutor struct {
	result  []map[string]any
	err     error
	lastSQL string // captures the SQL passed to Execute
}

func (m *mockExecutor) Execute(_ context.Context, sql string) ([]map[string]any, error) {
	m.lastSQL = sql
	return m.result, m.err
}

// --- mock DeliveryStatus ---

type mockStatus struct {
	rates    []*domain.Record
	queueLen int
}

func (m mockStatus) Rates() []*domain.Record { return m.rates }
func (m mockStatus) QueueLen() int           { return m.queueLen }

// --- helpers ---

func callTool(t *testing.T, s *server.MCPServer, toolName string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	sessionCtx := initSession(t, s)

	// Call tool.
	reqBytes, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0", "id": "call-1", "method": "tools/call",
		"params": map[string]any{
			"name":      toolName,
			"arguments": args,
		},
	})
	resp := s.HandleMessage(sessionCtx, reqBytes)
	respBytes, _ := json.Marshal(resp)

	var rpc struct {
		Result *mcp.CallToolResult       `json:"result"`
		Error  *struct{ Message string } `json:"error,omitempty"`
	}
	require.NoError(t, json.Unmarshal(respBytes, &rpc))
	require.Nil(t, rpc.Error, "unexpected RPC error: %v", rpc.Error)
	require.NotNil(t, rpc.Result)
	return rpc.Result
}

func initSession(t *testing.T, s *server.MCPServer) context.Context {
	t.Helper()
	ctx := context.Background()
	session := server.NewInProcessSession("test", nil)
	require.NoError(t, s.RegisterSession(ctx, session))
	sessionCtx := s.WithContext(ctx, session)

	initBytes, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0", "id": "init", "method": "initialize",
		"params": map[string]any{
			"protocolVersion": "2025-03-26",
			"capabilities":    map[string]any{},
			"clientInfo":      map[string]any{"name": "test", "version": "1.0"},
		},
	})
	s.HandleMessage(sessionCtx, initBytes)
	return sessionCtx
}

func toolText(result *mcp.CallToolResult) string {
	if len(result.Content) == 0 {
		return ""
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		return ""
	}
	return tc.Text
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setupServer(executor *mockExecutor, recent *audit.Recent, status DeliveryStatus) *server.MCPServer {
	querySvc := service.NewQueryService(domain.NewPgQueryValidator(), executor, testLogger(), nil, nil, nil)
	s := server.NewMCPServer("test", "0.1.0", server.WithToolCapabilities(true))
	RegisterTools(s, querySvc, recent, status)
	return s
}

// --- tests ---

func TestQuery_HappyPath(t *testing.T) {
	exec := &mockExecutor{result: []map[string]any{{"id": float64(1), "name": "alice"}}}
	s := setupServer(exec, nil, nil)

	result := callTool(t, s, "query", map[string]any{"sql": "SELECT id, name FROM users"})
	require.False(t, result.IsError)

	var rows []map[string]any
	require.NoError(t, json.Unmarshal([]byte(toolText(result)), &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, "alice", rows[0]["name"])
	assert.Equal(t, "SELECT id, name FROM users", exec.lastSQL)
}

func TestQuery_Errors(t *testing.T) {
	tests := []struct {
		name    string
		args    map[string]any
		execErr error
		want    string
	}{
		{"missing sql", map[string]any{}, nil, "sql is required"},
		{"rejected write", map[string]any{"sql": "DELETE FROM users"}, nil, "query failed"},
		{"executor error", map[string]any{"sql": "SELECT 1"}, fmt.Errorf("connection refused"), "connection refused"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := setupServer(&mockExecutor{err: tt.execErr}, nil, nil)
			result := callTool(t, s, "query", tt.args)
			assert.True(t, result.IsError)
			assert.Contains(t, toolText(result), tt.want)
		})
	}
}

func TestExplainQuery(t *testing.T) {
	tests := []struct {
		name    string
		args    map[string]any
		wantSQL string
	}{
		{"plain", map[string]any{"sql": "SELECT 1"}, "EXPLAIN SELECT 1"},
		{"analyze", map[string]any{"sql": "SELECT 1", "analyze": true}, "EXPLAIN ANALYZE SELECT 1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := &mockExecutor{result: []map[string]any{{"QUERY PLAN": "Result"}}}
			s := setupServer(exec, nil, nil)

			result := callTool(t, s, "explain_query", tt.args)
			require.False(t, result.IsError)
			assert.Equal(t, tt.wantSQL, exec.lastSQL)
		})
	}
}

func TestRecentEvents(t *testing.T) {
	recent := audit.NewRecent(10)
	ctx := context.Background()
	for i := range 3 {
		rec := domain.NewRecord(time.Minute, domain.F("Seq", i))
		rec.Finalize()
		require.NoError(t, recent.Write(ctx, port.Delivery{Record: rec, Name: "pgwatch", Reason: port.ReasonFinal, Level: slog.LevelInfo}))
	}
	s := setupServer(&mockExecutor{}, recent, nil)

	result := callTool(t, s, "recent_events", map[string]any{"limit": 2})
	require.False(t, result.IsError)

	var events []struct {
		Name   string `json:"name"`
		Reason string `json:"reason"`
		Level  string `json:"level"`
		Record struct {
			Final  bool           `json:"final"`
			Fields map[string]any `json:"fields"`
		} `json:"record"`
	}
	require.NoError(t, json.Unmarshal([]byte(toolText(result)), &events))
	require.Len(t, events, 2)
	assert.Equal(t, float64(2), events[0].Record.Fields["Seq"], "newest first")
	assert.Equal(t, "final", events[0].Reason)
	assert.Equal(t, "INFO", events[0].Level)
	assert.True(t, events[0].Record.Final)
}

func TestRecentEvents_InvalidLimit(t *testing.T) {
	s := setupServer(&mockExecutor{}, audit.NewRecent(1), nil)
	result := callTool(t, s, "recent_events", map[string]any{"limit": 0})
	assert.True(t, result.IsError)
	assert.Contains(t, toolText(result), "limit must be at least 1")
}

func TestRateSummary(t *testing.T) {
	rate := domain.NewRecord(0, domain.F("Rate", "matched"), domain.F("MatchedCount", 1.5))
	s := setupServer(&mockExecutor{}, nil, mockStatus{rates: []*domain.Record{rate}, queueLen: 4})

	result := callTool(t, s, "rate_summary", nil)
	require.False(t, result.IsError)

	var summary struct {
		QueueLen int `json:"queue_len"`
		Rates    []struct {
			Fields map[string]any `json:"fields"`
		} `json:"rates"`
	}
	require.NoError(t, json.Unmarshal([]byte(toolText(result)), &summary))
	assert.Equal(t, 4, summary.QueueLen)
	require.Len(t, summary.Rates, 1)
	assert.Equal(t, "matched", summary.Rates[0].Fields["Rate"])
}

func TestRateSummary_NoOpenWindows(t *testing.T) {
	s := setupServer(&mockExecutor{}, nil, mockStatus{})
	result := callTool(t, s, "rate_summary", nil)
	assert.JSONEq(t, `{"queue_len":0,"rates":[]}`, toolText(result))
}

func TestRegisterTools_OptionalTools(t *testing.T) {
	tests := []struct {
		name   string
		recent *audit.Recent
		status DeliveryStatus
		want   []string
	}{
		{"query only", nil, nil, []string{"explain_query", "query"}},
		{"all", audit.NewRecent(1), mockStatus{}, []string{"explain_query", "query", "rate_summary", "recent_events"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := setupServer(&mockExecutor{}, tt.recent, tt.status)
			assert.ElementsMatch(t, tt.want, listTools(t, s))
		})
	}
}

func listTools(t *testing.T, s *server.MCPServer) []string {
	t.Helper()
	ctx := initSession(t, s)
	reqBytes, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0", "id": "list-1", "method": "tools/list",
	})
	respBytes, _ := json.Marshal(s.HandleMessage(ctx, reqBytes))

	var rpc struct {
		Result struct {
			Tools []struct {
				Name string `json:"name"`
			} `json:"tools"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal(respBytes, &rpc))
	names := make([]string, 0, len(rpc.Result.Tools))
	for _, tool := range rpc.Result.Tools {
		names = append(names, tool.Name)
	}
	return names
}
