package resilience

import (
	"context"

	"github.com/xiaozhi-go/xiaozhi-server/pkg/provider/tts"
)

// TTSFallback gives the Turn Processor one tts.Provider backed by a pool of
// speech-synthesis backends, moving to the next entry whenever the current
// one's breaker is open or a call errors.
type TTSFallback struct {
	group *FallbackGroup[tts.Provider]
}

// Compile-time interface assertion.
var _ tts.Provider = (*TTSFallback)(nil)

// NewTTSFallback builds a TTSFallback around primary, identified by
// primaryName for logging and breaker bookkeeping. Call AddFallback to
// register additional backends before the first SynthesizeStream.
func NewTTSFallback(primary tts.Provider, primaryName string, cfg FallbackConfig) *TTSFallback {
	return &TTSFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback appends provider to the failover order, tried only once every
// backend ahead of it is unhealthy or has errored.
func (f *TTSFallback) AddFallback(name string, provider tts.Provider) {
	f.group.AddFallback(name, provider)
}

// SynthesizeStream starts synthesis against the first healthy backend.
// Failover only covers stream setup: once a backend accepts the stream,
// errors mid-synthesis are not retried against another backend.
func (f *TTSFallback) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.VoiceProfile) (<-chan []byte, error) {
	return ExecuteWithResult(f.group, func(p tts.Provider) (<-chan []byte, error) {
		return p.SynthesizeStream(ctx, text, voice)
	})
}

// ListVoices aggregates the catalogue from the first healthy backend; it
// does not merge catalogues across backends.
func (f *TTSFallback) ListVoices(ctx context.Context) ([]tts.VoiceProfile, error) {
	return ExecuteWithResult(f.group, func(p tts.Provider) ([]tts.VoiceProfile, error) {
		return p.ListVoices(ctx)
	})
}
