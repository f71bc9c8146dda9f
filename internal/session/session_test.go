package session

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/xiaozhi-go/xiaozhi-server/internal/protocol"
)

// fakeConn is a minimal Conn double for tests that never actually drive the
// Session Loop over the wire.
type fakeConn struct {
	closeCode   int
	closeReason string
	closeCalls  int

	writeErr   error
	writeCalls []fakeWrite
}

type fakeWrite struct {
	messageType int
	data        []byte
}

func (f *fakeConn) Read(context.Context) (int, []byte, error) { return 0, nil, nil }

func (f *fakeConn) Write(_ context.Context, messageType int, data []byte) error {
	f.writeCalls = append(f.writeCalls, fakeWrite{messageType: messageType, data: data})
	return f.writeErr
}

func (f *fakeConn) Close(code int, reason string) error {
	f.closeCode = code
	f.closeReason = reason
	f.closeCalls++
	return nil
}

func newTestSession() (*Session, *fakeConn) {
	conn := &fakeConn{}
	s := NewSession(conn, "device-1", Deps{})
	return s, conn
}

func TestNewSession_Defaults(t *testing.T) {
	t.Parallel()

	s, _ := newTestSession()

	if s.deps.MaxIdleDuration != defaultMaxIdleDuration {
		t.Errorf("MaxIdleDuration = %v, want default %v", s.deps.MaxIdleDuration, defaultMaxIdleDuration)
	}
	if s.deps.HistoryLimit != defaultHistoryLimit {
		t.Errorf("HistoryLimit = %d, want default %d", s.deps.HistoryLimit, defaultHistoryLimit)
	}
	if s.deps.Logger == nil {
		t.Error("Logger should default to slog.Default(), got nil")
	}
	if s.state != Listening {
		t.Errorf("initial state = %v, want Listening", s.state)
	}
}

func TestSession_CloseIsIdempotent(t *testing.T) {
	t.Parallel()

	s, _ := newTestSession()

	var calls int
	s.addCloser(func() error { calls++; return nil })

	if err := s.Close(); err != nil {
		t.Fatalf("first Close() error: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close() error: %v", err)
	}
	if calls != 1 {
		t.Errorf("closer ran %d times, want 1", calls)
	}

	select {
	case <-s.closedSignal():
	default:
		t.Error("doneCh should be closed after Close()")
	}
}

func TestSession_CloseRunsClosersInReverseOrder(t *testing.T) {
	t.Parallel()

	s, _ := newTestSession()

	var order []int
	s.addCloser(func() error { order = append(order, 1); return nil })
	s.addCloser(func() error { order = append(order, 2); return nil })
	s.addCloser(func() error { order = append(order, 3); return nil })

	if err := s.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	want := []int{3, 2, 1}
	if len(order) != len(want) {
		t.Fatalf("closer call order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("closer call order = %v, want %v", order, want)
			break
		}
	}
}

func TestSession_CloseDrainsPendingRPCWaiters(t *testing.T) {
	t.Parallel()

	s, _ := newTestSession()

	waiter := make(chan rpcResult, 1)
	s.pending[1] = waiter

	if err := s.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	res, ok := <-waiter
	if !ok {
		t.Fatal("pending waiter channel should receive a result before closing")
	}
	if res.err != errSessionClosed {
		t.Errorf("waiter error = %v, want %v", res.err, errSessionClosed)
	}
}

func TestSession_Touch(t *testing.T) {
	t.Parallel()

	s, _ := newTestSession()
	s.lastActivity = time.Now().Add(-time.Hour)

	before := time.Now()
	s.touch()
	if s.lastActivity.Before(before) {
		t.Error("touch() should update lastActivity to at least the time it was called")
	}
}

func TestSession_IdleDeadline_Listening(t *testing.T) {
	t.Parallel()

	s, _ := newTestSession()
	s.deps.MaxIdleDuration = 10 * time.Second
	s.lastActivity = time.Unix(1000, 0)
	s.state = Listening

	want := time.Unix(1000, 0).Add(10 * time.Second)
	if got := s.idleDeadline(); !got.Equal(want) {
		t.Errorf("idleDeadline() = %v, want %v", got, want)
	}
}

func TestSession_IdleDeadline_ProcessingIsSuspended(t *testing.T) {
	t.Parallel()

	s, _ := newTestSession()
	s.deps.MaxIdleDuration = 10 * time.Second
	s.lastActivity = time.Now()
	s.state = Processing

	if got := s.idleDeadline(); got.Before(time.Now().Add(time.Hour)) {
		t.Errorf("idleDeadline() while Processing = %v, want far in the future", got)
	}
}

func TestDispatchRPCCall_QueueFullFailsImmediately(t *testing.T) {
	t.Parallel()

	s, _ := newTestSession()
	// out has capacity outboundQueueCapacity; fill it so the try-send in
	// dispatchRPCCall takes the default (full) branch.
	for i := 0; i < outboundQueueCapacity; i++ {
		s.out <- outboundMsg{kind: kindTry, data: []byte("x")}
	}

	reply := make(chan rpcResult, 1)
	s.dispatchRPCCall(rpcCallRequest{method: "tools/call", params: struct{}{}, reply: reply})

	res := <-reply
	if res.err != errQueueFull {
		t.Errorf("error = %v, want %v", res.err, errQueueFull)
	}
	if _, pending := s.pending[s.nextRPCID-1]; pending {
		t.Error("a failed dispatch should not register a pending waiter")
	}
}

func TestDispatchRPCCall_Success(t *testing.T) {
	t.Parallel()

	s, _ := newTestSession()

	reply := make(chan rpcResult, 1)
	s.dispatchRPCCall(rpcCallRequest{method: "tools/call", params: struct{}{}, reply: reply})

	select {
	case <-s.out:
	default:
		t.Fatal("expected the rpc request to be enqueued on the outbound channel")
	}
	if len(s.pending) != 1 {
		t.Errorf("pending map has %d entries, want 1", len(s.pending))
	}
}

func TestHandleInboundMCP_RoutesResponseToWaiter(t *testing.T) {
	t.Parallel()

	s, _ := newTestSession()

	waiter := make(chan rpcResult, 1)
	s.pending[1] = waiter

	resp := protocol.JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      json.RawMessage(`1`),
		Result:  json.RawMessage(`{"ok":true}`),
	}
	payload, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal response: %v", err)
	}

	s.handleInboundMCP(payload)

	res, ok := <-waiter
	if !ok {
		t.Fatal("waiter channel should receive the routed result")
	}
	if res.err != nil {
		t.Errorf("unexpected error: %v", res.err)
	}
	if string(res.value) != `{"ok":true}` {
		t.Errorf("result = %s, want %s", res.value, `{"ok":true}`)
	}
	if _, stillPending := s.pending[1]; stillPending {
		t.Error("routed waiter should be removed from the pending map")
	}
}

func TestHandleInboundMCP_IgnoresNotification(t *testing.T) {
	t.Parallel()

	s, _ := newTestSession()

	notification := protocol.JSONRPCResponse{JSONRPC: "2.0"}
	payload, err := json.Marshal(notification)
	if err != nil {
		t.Fatalf("marshal notification: %v", err)
	}

	// Should not panic and should leave pending map untouched.
	s.handleInboundMCP(payload)
	if len(s.pending) != 0 {
		t.Errorf("pending map has %d entries, want 0", len(s.pending))
	}
}
