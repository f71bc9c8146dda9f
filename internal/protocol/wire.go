// Package protocol defines the JSON wire messages exchanged between a
// Xiaozhi device and the server over the session WebSocket, plus the
// embedded JSON-RPC 2.0 tool-invocation envelope carried inside it.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Message type discriminators, shared by both directions of the wire.
const (
	TypeHello = "hello"
	TypeListen = "listen"
	TypeAbort = "abort"
	TypeIot = "iot"
	TypeMCP = "mcp"
	TypeSTT = "stt"
	TypeTTS = "tts"
	TypeLLM = "llm"
)

// Listen states, carried in ClientListen.State.
const (
	ListenStart  = "start"
	ListenStop   = "stop"
	ListenDetect = "detect"
)

// TTS states, carried in ServerTTS.State.
const (
	TTSStart         = "start"
	TTSSentenceStart = "sentence_start"
	TTSStop          = "stop"
)

// envelope is used only to peek at the "type" discriminator before decoding
// into a concrete message type.
type envelope struct {
	Type string `json:"type"`
}

// AudioParams describes the device's inbound audio format, sent with Hello.
type AudioParams struct {
	Format        string `json:"format"`
	SampleRate    int    `json:"sample_rate"`
	Channels      int    `json:"channels"`
	FrameDuration int    `json:"frame_duration"`
}

// HelloFeatures advertises optional client capabilities.
type HelloFeatures struct {
	MCP bool `json:"mcp"`
}

// ClientHello is the first message a device must send on a new connection.
type ClientHello struct {
	Type        string         `json:"type"`
	Version     int            `json:"version"`
	Transport   string         `json:"transport"`
	AudioParams AudioParams    `json:"audio_params"`
	Features    *HelloFeatures `json:"features,omitempty"`
}

// ClientListen starts, stops, or marks detection-mode for one utterance.
type ClientListen struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	State     string `json:"state"`
	Mode      string `json:"mode,omitempty"`
	Text      string `json:"text,omitempty"`
}

// ClientAbort cancels the current utterance and clears the transcript.
type ClientAbort struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"`
}

// ClientIot carries IoT device/state descriptors. Ignored by the core engine.
type ClientIot struct {
	Type        string          `json:"type"`
	SessionID   string          `json:"session_id"`
	Descriptors json.RawMessage `json:"descriptors,omitempty"`
	States      json.RawMessage `json:"states,omitempty"`
}

// ClientMCP carries an inbound JSON-RPC 2.0 payload for the tool protocol.
type ClientMCP struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	SessionID string          `json:"session_id,omitempty"`
}

// ParseClientMessage inspects the "type" field of data and decodes it into
// the matching Client* struct. The returned value is one of *ClientHello,
// *ClientListen, *ClientAbort, *ClientIot, or *ClientMCP.
func ParseClientMessage(data []byte) (any, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("protocol: decode envelope: %w", err)
	}

	switch env.Type {
	case TypeHello:
		var m ClientHello
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("protocol: decode hello: %w", err)
		}
		return &m, nil
	case TypeListen:
		var m ClientListen
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("protocol: decode listen: %w", err)
		}
		return &m, nil
	case TypeAbort:
		var m ClientAbort
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("protocol: decode abort: %w", err)
		}
		return &m, nil
	case TypeIot:
		var m ClientIot
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("protocol: decode iot: %w", err)
		}
		return &m, nil
	case TypeMCP:
		var m ClientMCP
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("protocol: decode mcp: %w", err)
		}
		return &m, nil
	default:
		return nil, fmt.Errorf("protocol: unknown message type %q", env.Type)
	}
}

// ServerHello is the server's handshake reply.
type ServerHello struct {
	Type        string             `json:"type"`
	Transport   string             `json:"transport"`
	AudioParams ServerAudioParams `json:"audio_params"`
}

// ServerAudioParams is the audio format the server will emit.
type ServerAudioParams struct {
	SampleRate    int `json:"sample_rate"`
	FrameDuration int `json:"frame_duration"`
}

// NewServerHello builds the fixed handshake reply (16 kHz mono, 60 ms frames).
func NewServerHello() ServerHello {
	return ServerHello{
		Type:      TypeHello,
		Transport: "websocket",
		AudioParams: ServerAudioParams{
			SampleRate:    16000,
			FrameDuration: 60,
		},
	}
}

// ServerSTT carries a running transcript delta.
type ServerSTT struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ServerTTS marks synthesis progress around a binary audio burst.
type ServerTTS struct {
	Type  string `json:"type"`
	State string `json:"state"`
	Text  string `json:"text,omitempty"`
}

// ServerLLM carries the assistant's text reply and an optional emotion tag.
type ServerLLM struct {
	Type    string `json:"type"`
	Emotion string `json:"emotion,omitempty"`
	Text    string `json:"text,omitempty"`
}

// ServerMCP carries an outbound JSON-RPC 2.0 payload for the tool protocol.
type ServerMCP struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	SessionID string          `json:"session_id,omitempty"`
}

// ServerIot carries IoT commands. Never emitted by the core engine.
type ServerIot struct {
	Type     string `json:"type"`
	Commands []any  `json:"commands"`
}
