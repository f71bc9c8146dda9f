package session

import (
	"context"
	"time"

	"github.com/xiaozhi-go/xiaozhi-server/internal/protocol"
	"github.com/xiaozhi-go/xiaozhi-server/pkg/provider/stt"
)

// messageText/messageBinary mirror coder/websocket's MessageType values
// (Text=1, Binary=2); kept here rather than importing the library so the
// core engine stays decoupled from the transport, per the Conn interface
// in session.go. Ping/Pong are handled transparently beneath the Conn
// implementation (coder/websocket answers control frames itself), so the
// Session Loop never needs a sixth event source for them — the state
// table's "any | Ping | enqueue Pong" row is satisfied by the transport,
// not by application code.
const (
	messageText   = 1
	messageBinary = 2
)

// inboundFrame is one item read from the socket by the dedicated reader
// goroutine and handed to the Session Loop.
type inboundFrame struct {
	kind int
	data []byte
	err  error
}

// Run drives the full session lifecycle: Boot, then the Session Loop until
// termination, then teardown. It blocks until the session ends.
func (s *Session) Run(ctx context.Context) error {
	if err := s.boot(ctx); err != nil {
		s.Close()
		return err
	}

	sttCfg := stt.StreamConfig{SampleRate: sampleRate, Channels: channels}
	recog, err := startRecognitionBridge(ctx, s.deps.STT, sttCfg)
	if err != nil {
		s.Close()
		return err
	}
	s.recog = recog

	inboundCh := make(chan inboundFrame, 1)
	go s.readLoop(ctx, inboundCh)

	writerDone := make(chan struct{})
	go s.runWriter(ctx, writerDone)

	s.loop(ctx, inboundCh)

	s.recog.close()
	s.Close()
	<-writerDone
	return nil
}

// readLoop continuously reads frames off the socket and forwards them to
// the Session Loop. It is the only goroutine that calls conn.Read.
func (s *Session) readLoop(ctx context.Context, out chan<- inboundFrame) {
	for {
		mt, data, err := s.conn.Read(ctx)
		select {
		case out <- inboundFrame{kind: mt, data: data, err: err}:
		case <-s.doneCh:
			return
		}
		if err != nil {
			return
		}
	}
}

// loop is the five-source fair-select multiplexer (§4.6): inbound socket
// frames, recognition events, Turn Processor control messages, outgoing
// RPC requests, and the idle-timeout timer.
func (s *Session) loop(ctx context.Context, inboundCh <-chan inboundFrame) {
	for {
		idleAt := s.idleDeadline()
		timer := timerUntil(idleAt)

		select {
		case frame := <-inboundCh:
			if frame.err != nil {
				timer.Stop()
				return
			}
			if done := s.handleInbound(ctx, frame); done {
				timer.Stop()
				return
			}

		case ev := <-s.recog.events():
			s.handleRecogEvent(ctx, ev)

		case req := <-s.rpcRequests:
			s.dispatchRPCCall(req)

		case ctrl := <-s.turnCtrl:
			if done := s.handleTurnControl(ctx, ctrl); done {
				timer.Stop()
				return
			}

		case <-timer.C:
			s.handleIdleTimeout(ctx)
		}

		timer.Stop()
	}
}

// handleInbound processes one socket frame according to the state table.
// Returns true if the loop should terminate.
func (s *Session) handleInbound(ctx context.Context, frame inboundFrame) bool {
	switch frame.kind {
	case messageBinary:
		if s.state == Processing {
			return false // dropped silently per the state table
		}
		pcm, err := s.decodeFrame(frame.data)
		if err != nil {
			s.deps.Logger.Warn("session: frame decode failed", "error", err)
			if s.deps.Metrics != nil {
				s.deps.Metrics.RecordFrameError(ctx, "decode")
			}
			return false
		}
		if !s.recog.sendPCM(pcm) {
			s.deps.Logger.Warn("session: recognition bridge backlogged, dropping frame")
		}
		return false

	case messageText:
		return s.handleTextMessage(ctx, frame.data)

	default:
		return false
	}
}

func (s *Session) decodeFrame(opusFrame []byte) ([]byte, error) {
	if s.decoder == nil {
		dec, err := newFrameDecoder()
		if err != nil {
			return nil, err
		}
		s.decoder = dec
	}
	return s.decoder.decode(opusFrame)
}

// handleTextMessage dispatches one parsed client text message. Returns
// true if the loop should terminate.
func (s *Session) handleTextMessage(ctx context.Context, data []byte) bool {
	msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		s.deps.Logger.Warn("session: malformed client message", "error", err)
		return false
	}
	s.touch()

	switch m := msg.(type) {
	case *protocol.ClientListen:
		return s.handleListen(ctx, m)
	case *protocol.ClientAbort:
		s.transcript = nil
		return false
	case *protocol.ClientIot:
		return false // ignored by the core engine
	case *protocol.ClientMCP:
		s.handleInboundMCP(m.Payload)
		return false
	case *protocol.ClientHello:
		s.deps.Logger.Warn("session: unexpected hello after boot")
		return false
	default:
		return false
	}
}

func (s *Session) handleListen(ctx context.Context, m *protocol.ClientListen) bool {
	if s.id == "" {
		s.id = m.SessionID
	}
	switch m.State {
	case protocol.ListenStart:
		if s.state == Listening {
			s.transcript = nil
		}
	case protocol.ListenStop:
		if s.state == Listening && len(s.transcript) > 0 {
			s.startTurn(ctx)
		}
	}
	return false
}

// startTurn transitions to Processing and launches the Turn Processor in
// its own goroutine. Only called from Listening, which together with the
// Turn Processor's single completion signal enforces single-flight: no
// second startTurn can occur until a turnCtrl message returns the loop to
// Listening.
func (s *Session) startTurn(ctx context.Context) {
	userText := string(s.transcript)
	s.transcript = nil
	s.state = Processing
	go s.runTurn(ctx, userText)
}

func (s *Session) handleRecogEvent(ctx context.Context, ev recogEvent) {
	switch ev.kind {
	case eventTextDelta:
		s.touch()
		s.transcript = append(s.transcript, ev.text...)
		s.sendTry(protocol.ServerSTT{Type: protocol.TypeSTT, Text: string(s.transcript)})

	case eventEndOfUtterance:
		s.touch()
		if s.state == Listening && len(s.transcript) > 0 {
			s.startTurn(ctx)
		}

	case eventError:
		s.deps.Logger.Warn("session: recognizer fault", "error", ev.err)
		if s.deps.Metrics != nil {
			s.deps.Metrics.RecordProviderError(ctx, "stt", "recognize")
		}
	}
}

// handleTurnControl processes a completion signal from the Turn
// Processor. Returns true if the loop should terminate (Sleep).
func (s *Session) handleTurnControl(ctx context.Context, ctrl turnControl) bool {
	switch ctrl.kind {
	case ctrlLlmFinished:
		s.touch()
		s.standby = false
		s.state = Listening
		return false
	case ctrlSleep:
		s.sendAwait(closeNotice{})
		return true
	default:
		return false
	}
}

// closeNotice is a minimal control message the server can use to announce
// an imminent close; the socket Close call itself carries the protocol
// status code and reason.
type closeNotice struct{}

// MarshalJSON renders closeNotice as an empty control frame placeholder;
// the actual teardown is the subsequent conn.Close call in Close().
func (closeNotice) MarshalJSON() ([]byte, error) { return []byte(`{"type":"bye"}`), nil }

func (s *Session) handleIdleTimeout(ctx context.Context) {
	if s.state != Listening || s.standby {
		return
	}
	s.standby = true
	s.state = Processing
	if s.deps.Metrics != nil {
		s.deps.Metrics.RecordIdleStandbyClose(ctx)
	}
	go s.runStandbyTurn(ctx)
}

// runStandbyTurn synthesizes the configured standby prompt and then
// signals Sleep, matching "spawn a standby utterance ... upon completion,
// close the session with Sleep".
func (s *Session) runStandbyTurn(ctx context.Context) {
	s.sendTry(protocol.ServerTTS{Type: protocol.TypeTTS, State: protocol.TTSStart})
	s.sendTry(protocol.ServerTTS{Type: protocol.TypeTTS, State: protocol.TTSSentenceStart, Text: s.deps.StandbyPrompt})
	s.synthesizeAndPace(ctx, s.deps.StandbyPrompt)
	s.sendTry(protocol.ServerTTS{Type: protocol.TypeTTS, State: protocol.TTSStop})

	select {
	case s.turnCtrl <- turnControl{kind: ctrlSleep}:
	default:
	}
}

// timerUntil returns a timer firing at deadline, floored at a minimum
// positive duration so a deadline already in the past still fires on the
// next scheduler tick rather than looping the select hot.
func timerUntil(deadline time.Time) *time.Timer {
	d := time.Until(deadline)
	if d <= 0 {
		d = time.Millisecond
	}
	return time.NewTimer(d)
}
