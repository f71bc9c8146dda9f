package protocol

import "encoding/json"

// JSONRPCVersion is the only JSON-RPC version the embedded tool protocol
// speaks.
const JSONRPCVersion = "2.0"

// Tool RPC method names, as called against the device.
const (
	MethodInitialize = "initialize"
	MethodToolsList  = "tools/list"
	MethodToolsCall  = "tools/call"
)

// Standard JSON-RPC error codes used when a device response cannot be
// honored locally (the device itself is the other error-code author).
const (
	ErrCodeParse          = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternal       = -32603
)

// JSONRPCRequest is an outbound (server-to-device) or inbound
// (device-to-server) JSON-RPC 2.0 request.
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
}

// JSONRPCResponse is a JSON-RPC 2.0 response, correlated to a request by ID.
type JSONRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
}

// JSONRPCError is the standard JSON-RPC 2.0 error object.
type JSONRPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// NewRequest builds a JSONRPCRequest with params and id pre-marshaled.
func NewRequest(method string, params any, id any) (*JSONRPCRequest, error) {
	req := &JSONRPCRequest{JSONRPC: JSONRPCVersion, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		req.Params = raw
	}
	if id != nil {
		raw, err := json.Marshal(id)
		if err != nil {
			return nil, err
		}
		req.ID = raw
	}
	return req, nil
}

// ClientInfo identifies the calling peer during initialize.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ServerInfo identifies the responding peer during initialize.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// McpInitializeParams is the request body of the initialize method.
type McpInitializeParams struct {
	Capabilities    json.RawMessage `json:"capabilities"`
	ProtocolVersion string          `json:"protocolVersion"`
	ClientInfo      ClientInfo      `json:"clientInfo"`
}

// McpInitializeResult is the reply body of the initialize method.
type McpInitializeResult struct {
	ProtocolVersion string          `json:"protocolVersion"`
	Capabilities    json.RawMessage `json:"capabilities"`
	ServerInfo      ServerInfo      `json:"serverInfo"`
}

// McpTool describes one device-exposed tool, discovered via tools/list.
type McpTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// McpToolListResult is the reply body of the tools/list method.
type McpToolListResult struct {
	Tools      []McpTool `json:"tools"`
	NextCursor *string   `json:"nextCursor,omitempty"`
}

// McpToolCallParams is the request body of the tools/call method.
type McpToolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// McpToolCallResult is the reply body of the tools/call method.
type McpToolCallResult struct {
	Content []McpContent `json:"content"`
	IsError bool         `json:"isError"`
}

// McpContent is a single piece of tool-call result content. The device only
// ever emits the "text" variant; Type is kept so the shape stays
// forward-compatible with other MCP content kinds without us parsing them.
type McpContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// DecodeInputSchema unmarshals a tool's raw inputSchema into a plain map, the
// shape the language-model interface and the Turn Processor pass around.
func (t McpTool) DecodeInputSchema() (map[string]any, error) {
	if len(t.InputSchema) == 0 {
		return nil, nil
	}
	var schema map[string]any
	if err := json.Unmarshal(t.InputSchema, &schema); err != nil {
		return nil, err
	}
	return schema, nil
}

// EncodeInputSchema marshals a plain input-schema map into the wire shape.
func EncodeInputSchema(schema map[string]any) (json.RawMessage, error) {
	return json.Marshal(schema)
}
