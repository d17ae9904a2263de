// Package api exposes the invocation pipeline over REST and MCP. REST callers
// post to /api/v1/invoke; MCP clients call tools over Streamable HTTP or stdio.
package api
