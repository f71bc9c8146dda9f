package session

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/xiaozhi-go/xiaozhi-server/internal/protocol"
)

// protocolVersion is the MCP protocol version advertised during initialize,
// matching the value the original handshake negotiates.
const protocolVersion = "2024-11-05"

// boot performs Session Boot and Handshake (§4.1): it reads the mandatory
// first Hello, replies with the server's own Hello, and — if the client
// advertised MCP support — kicks off the initialize/tools-list handshake.
// The handshake's remaining steps are driven by handleHandshakeResponse as
// responses arrive on the Session Loop; boot itself never blocks on them.
func (s *Session) boot(ctx context.Context) error {
	_, data, err := s.conn.Read(ctx)
	if err != nil {
		return fmt.Errorf("session: read hello: %w", err)
	}

	msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		return fmt.Errorf("session: parse hello: %w", err)
	}
	hello, ok := msg.(*protocol.ClientHello)
	if !ok {
		return fmt.Errorf("session: first message must be hello, got %T", msg)
	}

	reply := protocol.NewServerHello()
	replyData, err := json.Marshal(reply)
	if err != nil {
		return fmt.Errorf("session: marshal hello reply: %w", err)
	}
	if err := s.conn.Write(ctx, websocketText, replyData); err != nil {
		return fmt.Errorf("session: write hello reply: %w", err)
	}

	if hello.Features != nil && hello.Features.MCP {
		s.sendInitialize()
	}
	return nil
}

// websocketText is the coder/websocket text message type constant,
// narrowed here to avoid importing the library into this package (see the
// Conn interface in session.go).
const websocketText = 1

// sendInitialize issues the initialize handshake step directly — it is not
// routed through callRPC since the Turn Processor has no part in the
// handshake, but the response still arrives through the same
// handleInboundMCP path and is recognized as unmatched-in-pending.
func (s *Session) sendInitialize() {
	s.toolDiscovery = ToolDiscoveryInitializing
	id := s.nextRPCID
	s.nextRPCID++
	s.pendingHandshakeID = id
	s.pendingHandshakeMethod = protocol.MethodInitialize

	params := protocol.McpInitializeParams{
		ProtocolVersion: protocolVersion,
		ClientInfo:      protocol.ClientInfo{Name: "xiaozhi-server", Version: "1"},
	}
	s.sendHandshakeRequest(protocol.MethodInitialize, params, id)
}

// sendToolsList issues the tools/list handshake step once initialize has
// completed.
func (s *Session) sendToolsList() {
	id := s.nextRPCID
	s.nextRPCID++
	s.pendingHandshakeID = id
	s.pendingHandshakeMethod = protocol.MethodToolsList

	s.sendHandshakeRequest(protocol.MethodToolsList, struct{}{}, id)
}

func (s *Session) sendHandshakeRequest(method string, params any, id int64) {
	req, err := protocol.NewRequest(method, params, id)
	if err != nil {
		s.deps.Logger.Warn("session: build handshake request", "method", method, "error", err)
		return
	}
	payload, err := json.Marshal(req)
	if err != nil {
		s.deps.Logger.Warn("session: marshal handshake request", "method", method, "error", err)
		return
	}
	envelope := protocol.ServerMCP{Type: protocol.TypeMCP, Payload: payload}
	data, err := json.Marshal(envelope)
	if err != nil {
		s.deps.Logger.Warn("session: marshal handshake envelope", "method", method, "error", err)
		return
	}
	select {
	case s.out <- outboundMsg{kind: kindTry, data: data}:
	default:
		s.deps.Logger.Warn("session: outbound queue full during handshake", "method", method)
	}
}

// handleHandshakeResponse processes a tool-protocol response whose id was
// not found in the pending-RPC map, i.e. one of our own handshake steps.
func (s *Session) handleHandshakeResponse(resp protocol.JSONRPCResponse) {
	var id int64
	if err := json.Unmarshal(resp.ID, &id); err != nil || id != s.pendingHandshakeID {
		s.deps.Logger.Warn("session: unexpected mcp response during handshake")
		return
	}
	if resp.Error != nil {
		s.deps.Logger.Warn("session: handshake step failed", "method", s.pendingHandshakeMethod, "error", resp.Error.Message)
		return
	}

	switch s.pendingHandshakeMethod {
	case protocol.MethodInitialize:
		s.sendToolsList()
		s.toolDiscovery = ToolDiscoveryReady
	case protocol.MethodToolsList:
		var result protocol.McpToolListResult
		if err := json.Unmarshal(resp.Result, &result); err != nil {
			s.deps.Logger.Warn("session: malformed tools/list result", "error", err)
			return
		}
		s.toolCatalogue = result.Tools
	}
}
