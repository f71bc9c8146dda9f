// Package session implements the per-connection real-time interaction
// engine: one Session is created per accepted device WebSocket and owns
// the Frame Codec, Recognition Bridge, Turn Processor, Tool RPC Router,
// Outbound Writer, and the Session Loop that multiplexes them.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/xiaozhi-go/xiaozhi-server/internal/observe"
	"github.com/xiaozhi-go/xiaozhi-server/internal/protocol"
	"github.com/xiaozhi-go/xiaozhi-server/internal/store"
	"github.com/xiaozhi-go/xiaozhi-server/pkg/provider/embeddings"
	"github.com/xiaozhi-go/xiaozhi-server/pkg/provider/llm"
	"github.com/xiaozhi-go/xiaozhi-server/pkg/provider/stt"
	"github.com/xiaozhi-go/xiaozhi-server/pkg/provider/tts"
)

// ConversationState is the session's top-level state machine position.
type ConversationState int

const (
	Listening ConversationState = iota
	Processing
)

func (s ConversationState) String() string {
	if s == Processing {
		return "processing"
	}
	return "listening"
}

// ToolDiscoveryState tracks the handshake-time tool-catalogue negotiation.
type ToolDiscoveryState int

const (
	ToolDiscoveryDisabled ToolDiscoveryState = iota
	ToolDiscoveryInitializing
	ToolDiscoveryReady
)

// Conn is the minimal socket surface the Session needs. *websocket.Conn
// from github.com/coder/websocket is adapted to it by internal/server's
// wsConn (plain ints for message type and close code); it is narrowed here so
// the engine has no direct compile-time dependency on the transport
// library, matching the provider-abstraction idiom used elsewhere.
type Conn interface {
	Read(ctx context.Context) (messageType int, data []byte, err error)
	Write(ctx context.Context, messageType int, data []byte) error
	Close(code int, reason string) error
}

// Deps bundles everything a Session needs beyond the wire connection:
// providers, persistence, and the config knobs that shape its behavior.
type Deps struct {
	LLM   llm.Provider
	STT   stt.Provider
	TTS   tts.Provider
	Store store.Store

	// Embeddings, when non-nil, lets the Turn Processor recall
	// semantically similar past chat turns in addition to the most recent
	// HistoryLimit entries. Nil disables this supplement entirely — the
	// in-memory store's RecallSimilar always returns empty anyway.
	Embeddings embeddings.Provider

	// MaxIdleDuration is how long the session may sit in Listening with no
	// qualifying activity before standby triggers. Zero means use the
	// package default (30s).
	MaxIdleDuration time.Duration
	// StandbyPrompt is synthesized once when the idle timer fires.
	StandbyPrompt string
	// HistoryLimit bounds how many prior messages the Turn Processor loads.
	HistoryLimit int

	Metrics *observe.Metrics
	Logger  *slog.Logger
}

const defaultMaxIdleDuration = 30 * time.Second
const defaultHistoryLimit = 5

// Session is the per-connection engine instance. One goroutine (the
// Session Loop, see loop.go) owns it for its entire lifetime; all mutation
// of the fields below happens exclusively from that goroutine, except
// where noted (closers, metrics) which are safe for concurrent use.
type Session struct {
	deps Deps

	conn     Conn
	deviceID string

	// closers runs in reverse-registration order when the session tears
	// down, mirroring the single-owner-of-resource cleanup idiom.
	closeOnce sync.Once
	closersMu sync.Mutex
	closers   []func() error

	id string // device-assigned session id from Listen, empty until then

	state         ConversationState
	toolDiscovery ToolDiscoveryState
	toolCatalogue []protocol.McpTool

	// pendingHandshakeID/Method track the one in-flight initialize or
	// tools/list request issued directly by Boot (see boot.go), so its
	// response — which never appears in the pending-RPC map — can still be
	// routed correctly.
	pendingHandshakeID     int64
	pendingHandshakeMethod string

	transcript   []byte // accumulated transcript text buffer
	lastActivity time.Time
	standby      bool

	nextRPCID int64
	pending   map[int64]chan rpcResult

	out         chan outboundMsg
	rpcRequests chan rpcCallRequest
	turnCtrl    chan turnControl
	doneCh      chan struct{}

	recog   *recognitionBridge
	encoder *frameEncoder
	decoder *frameDecoder
}

// closedSignal returns the channel that closes when the session tears
// down, for goroutines outside the loop (e.g. the Turn Processor) that
// need to stop waiting without touching loop-owned state directly.
func (s *Session) closedSignal() <-chan struct{} {
	return s.doneCh
}

// rpcResult is the one-shot reply slot for a PendingRpc.
type rpcResult struct {
	value []byte // raw JSON-RPC "result"
	err   error
}

// outboundMsg is one item on the Session's single bounded outbound queue.
// kind distinguishes the send discipline (await vs try-send) applied by
// the Outbound Writer; see writer.go.
type outboundMsg struct {
	kind outboundKind
	data []byte
	// binary marks data as a raw Opus frame rather than a JSON text message;
	// the Outbound Writer uses it to pick the wire message type it writes.
	binary bool
	// deadline bounds a kindAwait send; zero means no deadline (kindTry).
	deadline time.Time
}

type outboundKind int

const (
	kindAwait outboundKind = iota // bounded-await send, fails the turn on timeout
	kindTry                       // non-blocking try-send, drops with a warning if full
)

// outboundQueueCapacity is the bounded queue capacity shared by text
// control, audio, and tool-RPC sends.
const outboundQueueCapacity = 256

// textSendTimeout bounds awaited sends of text control messages.
const textSendTimeout = 5 * time.Second

// NewSession constructs a Session for an accepted connection. Boot (the
// handshake) is performed by Run, not here, so construction never blocks
// on the network.
func NewSession(conn Conn, deviceID string, deps Deps) *Session {
	if deps.MaxIdleDuration <= 0 {
		deps.MaxIdleDuration = defaultMaxIdleDuration
	}
	if deps.HistoryLimit <= 0 {
		deps.HistoryLimit = defaultHistoryLimit
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Session{
		deps:         deps,
		conn:         conn,
		deviceID:     deviceID,
		state:        Listening,
		pending:      make(map[int64]chan rpcResult),
		out:          make(chan outboundMsg, outboundQueueCapacity),
		rpcRequests:  make(chan rpcCallRequest, rpcRequestQueueCapacity),
		turnCtrl:     make(chan turnControl, turnCtrlQueueCapacity),
		doneCh:       make(chan struct{}),
		nextRPCID:    1,
		lastActivity: time.Now(),
	}
}

// addCloser registers f to run during teardown. Closers run in reverse
// order of registration, mirroring an ordered stack unwind.
func (s *Session) addCloser(f func() error) {
	s.closersMu.Lock()
	defer s.closersMu.Unlock()
	s.closers = append(s.closers, f)
}

// Close tears the session down exactly once: closes the outbound queue
// (which stops the Outbound Writer), drains the pending RPC map with a
// terminal error for every waiter, and runs registered closers in reverse
// order. Safe to call more than once and from any goroutine.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.doneCh)
		close(s.out)

		for id, ch := range s.pending {
			ch <- rpcResult{err: errSessionClosed}
			close(ch)
			delete(s.pending, id)
		}

		s.closersMu.Lock()
		closers := s.closers
		s.closersMu.Unlock()
		for i := len(closers) - 1; i >= 0; i-- {
			if cerr := closers[i](); cerr != nil && err == nil {
				err = cerr
			}
		}
	})
	return err
}

// touch marks last-activity as now. Must only be called for text messages,
// recognition events, and control events per spec — never for inbound
// audio frames, or a silently-streaming mic would defeat the idle timer.
func (s *Session) touch() {
	s.lastActivity = time.Now()
}

// idleDeadline computes the instant the idle-timeout timer should next
// fire. While Processing, the deadline is effectively suspended (returned
// far in the future) since the spec requires the timer only to matter in
// Listening.
func (s *Session) idleDeadline() time.Time {
	if s.state == Processing {
		return time.Now().Add(24 * time.Hour)
	}
	return s.lastActivity.Add(s.deps.MaxIdleDuration)
}
