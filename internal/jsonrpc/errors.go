package jsonrpc

// ErrorCode is a JSON-RPC 2.0 error code.
type ErrorCode int

const (
	// ErrorCodeParseError indicates invalid JSON was received by the server.
	ErrorCodeParseError ErrorCode = -32700
	// ErrorCodeInvalidRequest indicates the JSON sent is not a valid Request object.
	ErrorCodeInvalidRequest ErrorCode = -32600
	// ErrorCodeMethodNotFound indicates the method does not exist / is not available.
	ErrorCodeMethodNotFound ErrorCode = -32601
	// ErrorCodeInvalidParams indicates invalid method parameters.
	ErrorCodeInvalidParams ErrorCode = -32602
	// ErrorCodeInternalError indicates an internal JSON-RPC error.
	ErrorCodeInternalError ErrorCode = -32603

	// ErrorCodeSessionClosed indicates the peer process backing the session
	// exited before replying.
	ErrorCodeSessionClosed ErrorCode = -32000
	// ErrorCodeRequestTimeout indicates the peer did not reply within the
	// call budget.
	ErrorCodeRequestTimeout ErrorCode = -32001
	// ErrorCodeSessionNotFound indicates no session could be found or created
	// for the call.
	ErrorCodeSessionNotFound ErrorCode = -32004
)
