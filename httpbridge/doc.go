// Package httpbridge exposes a bridge.Endpoint over plain HTTP.
//
// Routes
//
//	POST    /mcp      one JSON-RPC call; the reply is the response body
//	DELETE  /mcp      terminate the session named by the session header
//	GET     /health   live session count and timestamp
//	GET     /metrics  prometheus exposition (when a gatherer is configured)
//	OPTIONS *         CORS preflight for the configured origins
//
// The session a call belongs to travels in the X-Session-Id header; the
// Mcp-Session-Id header is accepted as an alias. Both are set on every
// response that was served by a session.
package httpbridge
