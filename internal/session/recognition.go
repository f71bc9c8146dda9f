package session

import (
	"context"
	"fmt"
	"runtime"

	"github.com/xiaozhi-go/xiaozhi-server/pkg/provider/stt"
)

// recognizerChunkSamples is the exact sample count the underlying
// recognizer requires per call; the bridge buffers and re-chunks whatever
// arrives on pcmIn to this boundary, zero-padding the tail on
// termination.
const recognizerChunkSamples = 512
const recognizerChunkBytes = recognizerChunkSamples * 2 // 16-bit PCM

// recogEventKind discriminates the two events the bridge can emit, plus a
// non-fatal error notification.
type recogEventKind int

const (
	eventTextDelta recogEventKind = iota
	eventEndOfUtterance
	eventError
)

// recogEvent is one item emitted on the bridge's bounded events channel.
type recogEvent struct {
	kind recogEventKind
	text string
	err  error
}

// recognitionBridgeQueueCapacity bounds both the inbound PCM queue and the
// outbound event queue.
const recognitionBridgeQueueCapacity = 32

// recognitionBridge adapts an inbound PCM stream into the recognizer's
// fixed-size chunked input and surfaces TextDelta/EndOfUtterance events.
// It runs on a dedicated OS thread with its own goroutine because the
// underlying recognizer handle is not portable across threads; all
// communication is via the two bounded channels below.
type recognitionBridge struct {
	pcmIn     chan []byte
	eventsOut chan recogEvent
	stopCh    chan struct{}
	doneCh    chan struct{} // closed once the dedicated goroutine exits
}

// startRecognitionBridge launches the dedicated-thread goroutine and
// returns once the underlying provider session has been opened (or failed
// to open).
func startRecognitionBridge(ctx context.Context, provider stt.Provider, cfg stt.StreamConfig) (*recognitionBridge, error) {
	b := &recognitionBridge{
		pcmIn:     make(chan []byte, recognitionBridgeQueueCapacity),
		eventsOut: make(chan recogEvent, recognitionBridgeQueueCapacity),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}

	ready := make(chan error, 1)
	go b.run(ctx, provider, cfg, ready)

	if err := <-ready; err != nil {
		return nil, err
	}
	return b, nil
}

// run is the dedicated-thread loop. It owns the provider's SessionHandle
// exclusively: no other goroutine touches it.
func (b *recognitionBridge) run(ctx context.Context, provider stt.Provider, cfg stt.StreamConfig, ready chan<- error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(b.doneCh)

	handle, err := provider.StartStream(ctx, cfg)
	if err != nil {
		ready <- fmt.Errorf("session: start recognition stream: %w", err)
		return
	}
	ready <- nil
	defer handle.Close()

	var buf []byte
	flush := func() {
		for len(buf) >= recognizerChunkBytes {
			chunk := buf[:recognizerChunkBytes]
			buf = buf[recognizerChunkBytes:]
			if err := handle.SendAudio(chunk); err != nil {
				b.emit(recogEvent{kind: eventError, err: err})
			}
		}
	}

	for {
		select {
		case chunk, ok := <-b.pcmIn:
			if !ok {
				// Zero-pad the tail and send the final partial chunk.
				if len(buf) > 0 {
					padded := make([]byte, recognizerChunkBytes)
					copy(padded, buf)
					if err := handle.SendAudio(padded); err != nil {
						b.emit(recogEvent{kind: eventError, err: err})
					}
					buf = nil
				}
				return
			}
			buf = append(buf, chunk...)
			flush()

		case _, ok := <-handle.Partials():
			if !ok {
				continue
			}
			// Interim guesses are superseded by the matching final, so they
			// are drained here and never appended to the transcript.

		case t, ok := <-handle.Finals():
			if !ok {
				continue
			}
			b.emit(recogEvent{kind: eventTextDelta, text: t.Text})
			b.emit(recogEvent{kind: eventEndOfUtterance})

		case <-b.stopCh:
			return
		}
	}
}

// emit delivers ev on the events channel without blocking the recognition
// thread indefinitely; a full events channel indicates the Session Loop is
// badly backed up, which the bridge surfaces by dropping the event rather
// than wedging.
func (b *recognitionBridge) emit(ev recogEvent) {
	select {
	case b.eventsOut <- ev:
	default:
	}
}

// sendPCM delivers one decoded PCM chunk to the bridge for re-chunking and
// recognition. Non-blocking: returns false if the inbound queue is full,
// in which case the caller should drop the frame rather than stall.
func (b *recognitionBridge) sendPCM(chunk []byte) bool {
	select {
	case b.pcmIn <- chunk:
		return true
	default:
		return false
	}
}

// events returns the bridge's outbound event channel.
func (b *recognitionBridge) events() <-chan recogEvent {
	return b.eventsOut
}

// close terminates the bridge: closing pcmIn first (if not already closed
// by EndOfUtterance handling) causes the dedicated thread to zero-pad and
// flush the tail before exiting. Safe to call once.
func (b *recognitionBridge) close() {
	close(b.pcmIn)
	<-b.doneCh
}

// restart discards the current dedicated-thread goroutine (via stopCh, for
// use when the bridge has faulted) without waiting for a tail flush, then
// starts a fresh one against the same provider/config.
func restartRecognitionBridge(ctx context.Context, old *recognitionBridge, provider stt.Provider, cfg stt.StreamConfig) (*recognitionBridge, error) {
	close(old.stopCh)
	<-old.doneCh
	return startRecognitionBridge(ctx, provider, cfg)
}
