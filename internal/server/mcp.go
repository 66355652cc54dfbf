package server

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/bebsworthy/toolbridge/internal/logging"
	"github.com/bebsworthy/toolbridge/internal/protocol"
	"github.com/bebsworthy/toolbridge/internal/session"
)

// MCPServer exposes the tool server to an MCP client over stdio. Its tool
// set mirrors tools/list and every call goes through the bridge on one
// dedicated session.
type MCPServer struct {
	bridge    Bridge
	sessions  *session.Manager
	mcpServer *server.MCPServer
	logger    *slog.Logger

	mu        sync.Mutex
	sessionID string
}

// NewMCPServer creates the MCP front end and its session.
func NewMCPServer(b Bridge, sessions *session.Manager, version string, logger *logging.Logger) *MCPServer {
	if logger == nil {
		logger = logging.Discard()
	}
	return &MCPServer{
		bridge:   b,
		sessions: sessions,
		mcpServer: server.NewMCPServer(
			"toolbridge",
			version,
			server.WithToolCapabilities(true),
		),
		sessionID: sessions.CreateSession().ID,
		logger:    logger.Component("mcp"),
	}
}

// SyncTools replaces the advertised tools with the tool server's current
// list and returns how many there are.
func (m *MCPServer) SyncTools(ctx context.Context) (int, error) {
	result, err := m.bridge.Call(ctx, m.session(), protocol.MethodToolsList, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to list tools: %w", err)
	}
	descriptors, err := protocol.ParseToolsList(result)
	if err != nil {
		return 0, err
	}

	tools := make([]server.ServerTool, 0, len(descriptors))
	for _, d := range descriptors {
		tools = append(tools, server.ServerTool{
			Tool:    d.MCPTool(),
			Handler: m.forward(d.Name),
		})
	}
	m.mcpServer.SetTools(tools...)
	m.logger.Info("Mirrored tool server tools", slog.Int("count", len(tools)))
	return len(tools), nil
}

// forward returns a handler relaying one tool to the tool server.
func (m *MCPServer) forward(name string) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, err := json.Marshal(request.GetArguments())
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
		}
		params, err := protocol.NewToolCallParams(name, args)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		result, err := m.bridge.Call(ctx, m.session(), protocol.MethodToolsCall, params)
		if err != nil {
			var rpcErr *protocol.RPCError
			if stderrors.As(err, &rpcErr) {
				return mcp.NewToolResultError(rpcErr.Message), nil
			}
			return mcp.NewToolResultError(err.Error()), nil
		}

		// Tool servers that already answer in MCP shape pass through;
		// anything else is returned as text.
		if parsed, err := mcp.ParseCallToolResult(&result); err == nil {
			return parsed, nil
		}
		return mcp.NewToolResultText(string(result)), nil
	}
}

// HandleMessage processes one raw MCP message.
func (m *MCPServer) HandleMessage(ctx context.Context, message json.RawMessage) mcp.JSONRPCMessage {
	return m.mcpServer.HandleMessage(ctx, message)
}

// Serve speaks MCP over in and out until ctx is cancelled or in closes.
func (m *MCPServer) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	m.logger.Info("Starting MCP stdio front end", slog.String("session_id", m.SessionID()))
	stdio := server.NewStdioServer(m.mcpServer)
	stdio.SetErrorLogger(slog.NewLogLogger(m.logger.Handler(), slog.LevelError))
	err := stdio.Listen(ctx, in, out)
	if err != nil && !stderrors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// SessionID is the session the MCP client's calls run under.
func (m *MCPServer) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionID
}

// session touches the front end's session and returns its id. A session
// reaped while the MCP client sat idle is replaced with a fresh one.
func (m *MCPServer) session() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.sessions.Touch(m.sessionID); err != nil {
		previous := m.sessionID
		m.sessionID = m.sessions.CreateSession().ID
		m.logger.Info("MCP session expired, opened a new one",
			slog.String("previous_session_id", previous),
			slog.String("session_id", m.sessionID))
	}
	return m.sessionID
}
