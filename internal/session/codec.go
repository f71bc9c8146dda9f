package session

import (
	"fmt"

	"layeh.com/gopus"
)

// The device speaks 16 kHz mono Opus with 60 ms frames, one frame per
// message in both directions.
const (
	sampleRate      = 16000
	channels        = 1
	frameDurationMs = 60
	// frameSize is the number of PCM samples per 60 ms frame at 16 kHz.
	frameSize = sampleRate * frameDurationMs / 1000 // 960
)

// frameDecoder wraps a gopus Opus decoder bound to one session's inbound
// stream. A session owns exactly one decoder so decoder state (history,
// PLC) persists correctly across consecutive frames.
type frameDecoder struct {
	dec *gopus.Decoder
}

func newFrameDecoder() (*frameDecoder, error) {
	dec, err := gopus.NewDecoder(sampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("session: create opus decoder: %w", err)
	}
	return &frameDecoder{dec: dec}, nil
}

// decode decodes one compressed inbound frame into little-endian int16 PCM
// bytes. The decoded frame may carry up to 5760 samples (the largest legal
// Opus frame at this sample rate); callers should not assume exactly 960.
func (d *frameDecoder) decode(opusFrame []byte) ([]byte, error) {
	pcm, err := d.dec.Decode(opusFrame, 5760, false)
	if err != nil {
		return nil, fmt.Errorf("session: opus decode: %w", err)
	}
	return int16sToBytes(pcm), nil
}

// frameEncoder wraps a gopus Opus encoder bound to one turn's synthesized
// output. A fresh encoder per utterance is acceptable; the spec only
// requires the encoder state to persist across frames within one utterance.
type frameEncoder struct {
	enc *gopus.Encoder
}

func newFrameEncoder() (*frameEncoder, error) {
	enc, err := gopus.NewEncoder(sampleRate, channels, gopus.Audio)
	if err != nil {
		return nil, fmt.Errorf("session: create opus encoder: %w", err)
	}
	return &frameEncoder{enc: enc}, nil
}

// encode encodes exactly one frameSize-sample PCM chunk into a compressed
// frame. Callers must zero-pad the final chunk of an utterance to frameSize
// samples before calling encode.
func (e *frameEncoder) encode(pcmBytes []byte) ([]byte, error) {
	pcm := bytesToInt16s(pcmBytes)
	if len(pcm) != frameSize {
		padded := make([]int16, frameSize)
		copy(padded, pcm)
		pcm = padded
	}
	opusFrame, err := e.enc.Encode(pcm, frameSize, len(pcmBytes))
	if err != nil {
		return nil, fmt.Errorf("session: opus encode: %w", err)
	}
	return opusFrame, nil
}

// pcmChunks splits a continuous PCM byte buffer into frameSize-sample
// chunks, zero-padding the final (short) chunk.
func pcmChunks(pcm []byte) [][]byte {
	const chunkBytes = frameSize * 2
	var chunks [][]byte
	for off := 0; off < len(pcm); off += chunkBytes {
		end := off + chunkBytes
		if end > len(pcm) {
			padded := make([]byte, chunkBytes)
			copy(padded, pcm[off:])
			chunks = append(chunks, padded)
			break
		}
		chunks = append(chunks, pcm[off:end])
	}
	return chunks
}

func int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}

func bytesToInt16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}
