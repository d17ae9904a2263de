package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"OpenMCP-Paygate/internal/dispatch"
	"OpenMCP-Paygate/pkg/logger"
)

// PrincipalArgument 和 PrincipalMeta 是 MCP 调用方声明付款地址的两种方式。
const (
	PrincipalArgument = "_principal"
	PrincipalMeta     = "principal"
)

// MCPServer 将目录中的每个工具注册到 mcp-go，并把 tools/call 转给调度器。
type MCPServer struct {
	invoker Invoker
	server  *server.MCPServer
	log     *slog.Logger
}

// NewMCPServer 构造 MCP 服务，工具使用目录中的原始输入 schema 注册。
func NewMCPServer(name, version string, invoker Invoker) *MCPServer {
	m := &MCPServer{
		invoker: invoker,
		server:  server.NewMCPServer(name, version, server.WithToolCapabilities(false), server.WithRecovery()),
		log:     logger.Named("mcp"),
	}
	for _, desc := range invoker.Catalog().List() {
		description := desc.Description
		if desc.Tier.Paid() {
			description = fmt.Sprintf("%s [%s, %s per call]", strings.TrimSpace(description), desc.Tier, desc.Price)
		}
		tool := mcp.NewToolWithRawSchema(desc.ID, description, desc.InputSchema)
		m.server.AddTool(tool, m.callTool)
	}
	return m
}

// Server 返回底层 mcp-go 服务。
func (m *MCPServer) Server() *server.MCPServer { return m.server }

// HTTPHandler 返回 Streamable HTTP 处理器。
func (m *MCPServer) HTTPHandler() *server.StreamableHTTPServer {
	return server.NewStreamableHTTPServer(m.server)
}

// ServeStdio 通过标准输入输出提供服务，直到 ctx 取消。
func (m *MCPServer) ServeStdio(ctx context.Context) error {
	stdio := server.NewStdioServer(m.server)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

func (m *MCPServer) callTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	principal := principalFrom(req, args)

	env := m.invoker.Invoke(ctx, dispatch.Request{
		ToolID:    req.Params.Name,
		Arguments: args,
		Principal: principal,
		RequestID: requestIDFrom(req),
	})
	body, err := json.Marshal(env)
	if err != nil {
		m.log.Error("序列化调用结果失败", slog.String("tool_id", req.Params.Name), slog.String("error", err.Error()))
		return mcp.NewToolResultError("failed to encode invocation envelope"), nil
	}
	result := mcp.NewToolResultText(string(body))
	result.IsError = !env.Success
	return result, nil
}

func principalFrom(req mcp.CallToolRequest, args map[string]any) string {
	if raw, ok := args[PrincipalArgument].(string); ok && strings.TrimSpace(raw) != "" {
		return strings.TrimSpace(raw)
	}
	if req.Params.Meta != nil {
		if raw, ok := req.Params.Meta.AdditionalFields[PrincipalMeta].(string); ok {
			return strings.TrimSpace(raw)
		}
	}
	return ""
}

func requestIDFrom(req mcp.CallToolRequest) string {
	if req.Params.Meta == nil {
		return ""
	}
	if raw, ok := req.Params.Meta.AdditionalFields["requestId"].(string); ok {
		return raw
	}
	return ""
}
