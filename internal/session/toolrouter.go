package session

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/xiaozhi-go/xiaozhi-server/internal/protocol"
)

// rpcCallRequest is how the Turn Processor asks the Session Loop to place
// an outbound tool call. The pending-id map and next-id counter live on
// the Session, touched only from the Session Loop goroutine; callRPC
// hands the request across that boundary on a small channel instead of
// touching the map directly, so cross-task communication stays exclusively
// through bounded channels per the concurrency model.
type rpcCallRequest struct {
	method string
	params any
	reply  chan rpcResult
}

// rpcRequestQueueCapacity is small: the Turn Processor issues tool calls
// sequentially (one per loop iteration's tool-call list entry), so more
// than a couple of in-flight requests would indicate a bug, not load.
const rpcRequestQueueCapacity = 4

// callRPC sends method/params to the device and blocks until a matching
// response arrives or the session closes. It is the Turn Processor's sole
// entry point into the Tool RPC Router and may be called concurrently
// with the Session Loop's own processing, since the actual pending-map
// bookkeeping happens on the loop goroutine.
func (s *Session) callRPC(method string, params any) (json.RawMessage, error) {
	reply := make(chan rpcResult, 1)
	req := rpcCallRequest{method: method, params: params, reply: reply}

	select {
	case s.rpcRequests <- req:
	case <-s.closedSignal():
		return nil, errSessionClosed
	}

	select {
	case res := <-reply:
		return res.value, res.err
	case <-s.closedSignal():
		return nil, errSessionClosed
	}
}

// dispatchRPCCall runs on the Session Loop goroutine. It allocates the
// next id, builds the JSON-RPC envelope, and enqueues it via the Outbound
// Writer's try-send path. If the queue is full the request is failed
// immediately rather than ever blocking the Session Loop.
func (s *Session) dispatchRPCCall(req rpcCallRequest) {
	id := s.nextRPCID
	s.nextRPCID++

	rpcReq, err := protocol.NewRequest(req.method, req.params, id)
	if err != nil {
		req.reply <- rpcResult{err: fmt.Errorf("session: build rpc request: %w", err)}
		close(req.reply)
		return
	}
	payload, err := json.Marshal(rpcReq)
	if err != nil {
		req.reply <- rpcResult{err: fmt.Errorf("session: marshal rpc request: %w", err)}
		close(req.reply)
		return
	}
	envelope := protocol.ServerMCP{Type: protocol.TypeMCP, Payload: payload, SessionID: s.id}
	data, err := json.Marshal(envelope)
	if err != nil {
		req.reply <- rpcResult{err: fmt.Errorf("session: marshal mcp envelope: %w", err)}
		close(req.reply)
		return
	}

	select {
	case s.out <- outboundMsg{kind: kindTry, data: data}:
		s.pending[id] = req.reply
	default:
		s.deps.Logger.Warn("session: outbound queue full, failing tool call", "method", req.method)
		if s.deps.Metrics != nil {
			s.deps.Metrics.RecordQueueFullDrop(context.Background(), s.id)
		}
		req.reply <- rpcResult{err: errQueueFull}
		close(req.reply)
	}
}

// handleInboundMCP runs on the Session Loop goroutine and processes one
// inbound tool-protocol payload. Responses (carrying an id) are routed to
// their waiter or, if no waiter is pending, treated as a handshake-step
// response per the current tool-discovery state. Notifications (no id)
// are logged and ignored.
func (s *Session) handleInboundMCP(payload json.RawMessage) {
	var resp protocol.JSONRPCResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		s.deps.Logger.Warn("session: malformed mcp payload", "error", err)
		return
	}
	if len(resp.ID) == 0 {
		s.deps.Logger.Debug("session: ignoring mcp notification")
		return
	}

	var id int64
	if err := json.Unmarshal(resp.ID, &id); err != nil {
		s.deps.Logger.Warn("session: mcp response id not an integer", "error", err)
		return
	}

	if waiter, ok := s.pending[id]; ok {
		delete(s.pending, id)
		if resp.Error != nil {
			waiter <- rpcResult{err: fmt.Errorf("session: device rpc error %d: %s", resp.Error.Code, resp.Error.Message)}
		} else {
			waiter <- rpcResult{value: resp.Result}
		}
		close(waiter)
		return
	}

	s.handleHandshakeResponse(resp)
}
