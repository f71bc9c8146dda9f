package resilience

import (
	"context"

	"github.com/xiaozhi-go/xiaozhi-server/pkg/provider/stt"
)

// STTFallback gives the Recognition Bridge one stt.Provider backed by a pool
// of speech-to-text backends: StartStream opens against the first healthy
// entry, retrying later entries if earlier ones are breaker-open or refuse
// the stream.
type STTFallback struct {
	group *FallbackGroup[stt.Provider]
}

// Compile-time interface assertion.
var _ stt.Provider = (*STTFallback)(nil)

// NewSTTFallback builds an STTFallback around primary, identified by
// primaryName for logging and breaker bookkeeping. Call AddFallback to
// register additional backends before the first StartStream.
func NewSTTFallback(primary stt.Provider, primaryName string, cfg FallbackConfig) *STTFallback {
	return &STTFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback appends provider to the failover order, tried only once every
// backend ahead of it is unhealthy or has refused the stream.
func (f *STTFallback) AddFallback(name string, provider stt.Provider) {
	f.group.AddFallback(name, provider)
}

// StartStream opens a streaming transcription session against the first
// healthy backend. Once a session handle is returned, failover is done —
// mid-stream errors on that handle are not retried against another backend.
func (f *STTFallback) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	return ExecuteWithResult(f.group, func(p stt.Provider) (stt.SessionHandle, error) {
		return p.StartStream(ctx, cfg)
	})
}
