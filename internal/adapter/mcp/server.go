package mcp

import (
	"log/slog"

	"github.com/mark3labs/mcp-go/server"
	"go.opentelemetry.io/otel/trace"

	"github.com/guillermoBallester/pgwatch/internal/audit"
	"github.com/guillermoBallester/pgwatch/internal/core/port"
	"github.com/guillermoBallester/pgwatch/internal/core/service"
)

// NewServer creates an MCPServer with tools and logging hooks.
func NewServer(version string, query *service.QueryService, recent *audit.Recent, status DeliveryStatus, logger *slog.Logger, tracer trace.Tracer, inst port.Instrumentation) *server.MCPServer {
	s := server.NewMCPServer(
		serverName,
		version,
		server.WithToolCapabilities(true),
		server.WithHooks(ToolCallHooks(logger, tracer, inst)),
	)

	RegisterTools(s, query, recent, status)

	return s
}
