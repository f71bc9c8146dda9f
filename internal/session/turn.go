package session

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/xiaozhi-go/xiaozhi-server/internal/protocol"
	"github.com/xiaozhi-go/xiaozhi-server/internal/store"
	"github.com/xiaozhi-go/xiaozhi-server/pkg/provider/llm"
	"github.com/xiaozhi-go/xiaozhi-server/pkg/provider/tts"
)

// recalledHistoryLimit caps how many semantically similar past turns are
// pulled into a turn's context alongside the recent-history window.
const recalledHistoryLimit = 3

// maxDialogIterations is the hard cap on the per-turn tool-using dialog
// loop (§4.4 step 3).
const maxDialogIterations = 5

// sleepMarker is the trailing token the model emits to request the
// session close after this utterance.
const sleepMarker = "[SLEEP]"

// turnControlKind is the single value the Turn Processor reports back to
// the Session Loop to signal completion.
type turnControlKind int

const (
	ctrlLlmFinished turnControlKind = iota
	ctrlSleep
)

type turnControl struct {
	kind turnControlKind
}

// turnCtrlQueueCapacity is 1: only one turn is ever in flight (single-flight
// enforcement), so its single completion signal never has to queue behind
// another.
const turnCtrlQueueCapacity = 1

// emojiPattern matches the Unicode emoji/pictograph/symbol ranges scrubbed
// from assistant text before it is spoken and persisted.
var emojiPattern = regexp.MustCompile(`[\x{1F300}-\x{1FAFF}\x{2600}-\x{27BF}\x{2190}-\x{21FF}\x{2B00}-\x{2BFF}]`)

// runTurn is the Turn Processor entry point, launched by the Session Loop
// in its own goroutine for exactly one utterance. It is the only place
// that touches the language model, the synthesizer, and outbound audio
// pacing; re-entrance is prevented by the Session Loop only ever launching
// one of these at a time (single-flight).
func (s *Session) runTurn(ctx context.Context, userText string) {
	kind := ctrlLlmFinished
	defer func() {
		select {
		case s.turnCtrl <- turnControl{kind: kind}:
		default:
		}
	}()

	history, err := s.deps.Store.GetChatHistory(ctx, s.deviceID, s.deps.HistoryLimit)
	if err != nil {
		s.deps.Logger.Warn("session: fetch chat history", "error", err)
	}

	recalled := s.recallSimilar(ctx, userText)

	messages := make([]llm.Message, 0, len(recalled)+len(history)+1)
	for _, h := range recalled {
		messages = append(messages, llm.Message{Role: "system", Content: "recalled from an earlier conversation: " + h.Content})
	}
	for _, h := range history {
		messages = append(messages, llm.Message{Role: h.Role, Content: h.Content})
	}
	messages = append(messages, llm.Message{Role: "user", Content: userText})

	tools := toolDefinitionsFromCatalogue(s.toolCatalogue)

	for iter := 0; iter < maxDialogIterations; iter++ {
		start := time.Now()
		resp, err := s.deps.LLM.Complete(ctx, llm.CompletionRequest{Messages: messages, Tools: tools})
		if s.deps.Metrics != nil {
			s.deps.Metrics.LLMDuration.Record(ctx, time.Since(start).Seconds())
		}
		if err != nil {
			s.deps.Logger.Warn("session: llm completion failed", "error", err)
			s.recordTurnOutcome(ctx, "error")
			return
		}

		if len(resp.ToolCalls) > 0 {
			messages = append(messages, llm.Message{
				Role:      "assistant",
				ToolCalls: resp.ToolCalls,
			})
			for _, call := range resp.ToolCalls {
				result := s.invokeTool(ctx, call)
				messages = append(messages, llm.Message{
					Role:       "tool",
					Content:    result,
					ToolCallID: call.ID,
				})
			}
			continue
		}

		if s.finishWithText(ctx, userText, resp.Content) {
			kind = ctrlSleep
		}
		return
	}

	s.deps.Logger.Warn("session: dialog loop cap reached", "device", s.deviceID)
	s.recordTurnOutcome(ctx, "tool_timeout")
}

// recallSimilar embeds userText and asks the store for semantically similar
// past chat turns, when an embeddings provider is configured. Failures are
// logged and treated as "nothing recalled" — this is a supplement, never a
// turn-blocking dependency.
func (s *Session) recallSimilar(ctx context.Context, userText string) []store.ChatEntry {
	if s.deps.Embeddings == nil {
		return nil
	}
	vec, err := s.deps.Embeddings.Embed(ctx, userText)
	if err != nil {
		s.deps.Logger.Warn("session: embed user text for recall", "error", err)
		return nil
	}
	entries, err := s.deps.Store.RecallSimilar(ctx, s.deviceID, vec, recalledHistoryLimit)
	if err != nil {
		s.deps.Logger.Warn("session: recall similar chat history", "error", err)
		return nil
	}
	return entries
}

// invokeTool requests execution of one tool call via the Tool RPC Router
// and formats the result (or error) as the text content of a synthetic
// "tool" message, per §4.4 step 3c.
func (s *Session) invokeTool(ctx context.Context, call llm.ToolCall) string {
	params := protocol.McpToolCallParams{Name: call.Name, Arguments: []byte(call.Arguments)}
	raw, err := s.callRPC(protocol.MethodToolsCall, params)
	if err != nil {
		return fmt.Sprintf("error: tool call failed: %v", err)
	}

	var result protocol.McpToolCallResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return fmt.Sprintf("error: malformed tool result: %v", err)
	}
	if result.IsError {
		return formatToolContent(result.Content)
	}
	return formatToolContent(result.Content)
}

func formatToolContent(content []protocol.McpContent) string {
	var b strings.Builder
	for i, c := range content {
		if i > 0 {
			b.WriteString(" ")
		}
		b.WriteString(c.Text)
	}
	return b.String()
}

// finishWithText implements §4.4 step 3b: scrub emoji, detect the sleep
// marker, infer a coarse emotion, persist both turns, then emit the fixed
// outbound sequence (llm, tts:start, tts:sentence_start, paced audio,
// tts:stop).
func (s *Session) finishWithText(ctx context.Context, userText, rawText string) bool {
	sleep := strings.HasSuffix(rawText, sleepMarker)
	text := strings.TrimSuffix(rawText, sleepMarker)
	text = emojiPattern.ReplaceAllString(text, "")
	text = strings.TrimSpace(text)

	emotion := inferEmotion(rawText)

	if err := s.deps.Store.AddChatHistory(ctx, s.deviceID, "user", userText); err != nil {
		s.deps.Logger.Warn("session: persist user turn", "error", err)
	}
	if err := s.deps.Store.AddChatHistory(ctx, s.deviceID, "assistant", text); err != nil {
		s.deps.Logger.Warn("session: persist assistant turn", "error", err)
	}

	s.sendAwait(protocol.ServerLLM{Type: protocol.TypeLLM, Emotion: emotion, Text: text})
	s.sendTry(protocol.ServerTTS{Type: protocol.TypeTTS, State: protocol.TTSStart})
	s.sendTry(protocol.ServerTTS{Type: protocol.TypeTTS, State: protocol.TTSSentenceStart, Text: text})

	s.synthesizeAndPace(ctx, text)

	s.sendTry(protocol.ServerTTS{Type: protocol.TypeTTS, State: protocol.TTSStop})

	s.recordTurnOutcome(ctx, "ok")
	return sleep
}

// synthesizeAndPace drives text through the TTS provider and paces the
// resulting PCM out as encoded frames per the §4.4 pacing formula.
// Synthesizer failure logs and continues (the caller still emits
// tts:stop), matching the documented failure mode.
func (s *Session) synthesizeAndPace(ctx context.Context, text string) {
	textCh := make(chan string, 1)
	textCh <- text
	close(textCh)

	voice := tts.VoiceProfile{}
	audioCh, err := s.deps.TTS.SynthesizeStream(ctx, textCh, voice)
	if err != nil {
		s.deps.Logger.Warn("session: synthesize stream failed", "error", err)
		return
	}

	enc, err := newFrameEncoder()
	if err != nil {
		s.deps.Logger.Warn("session: create frame encoder", "error", err)
		return
	}

	var pcm []byte
	for chunk := range audioCh {
		pcm = append(pcm, chunk...)
	}
	if len(pcm) == 0 {
		return
	}

	chunks := pcmChunks(pcm)
	p := newPacer(time.Now())
	for i, pcmChunk := range chunks {
		if !p.waitFor(i, s.doneCh) {
			return
		}
		frame, err := enc.encode(pcmChunk)
		if err != nil {
			s.deps.Logger.Warn("session: encode synthesized frame", "error", err)
			continue
		}
		select {
		case s.out <- outboundMsg{kind: kindTry, data: frame, binary: true}:
		case <-s.doneCh:
			return
		}
	}
	time.Sleep(time.Until(p.tailDeadline(len(chunks))))
}

// sendAwait enqueues a text control message using the bounded-await send
// discipline (§4.6 outbound discipline).
func (s *Session) sendAwait(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.deps.Logger.Warn("session: marshal outbound message", "error", err)
		return
	}
	select {
	case s.out <- outboundMsg{kind: kindAwait, data: data, deadline: time.Now().Add(textSendTimeout)}:
	case <-s.doneCh:
	}
}

// sendTry enqueues a message using the non-blocking try-send discipline.
func (s *Session) sendTry(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.deps.Logger.Warn("session: marshal outbound message", "error", err)
		return
	}
	select {
	case s.out <- outboundMsg{kind: kindTry, data: data}:
	default:
		s.deps.Logger.Warn("session: outbound queue full, dropping message")
	}
}

func (s *Session) recordTurnOutcome(ctx context.Context, outcome string) {
	if s.deps.Metrics != nil {
		s.deps.Metrics.RecordTurnCompleted(ctx, outcome)
	}
}

// toolDefinitionsFromCatalogue converts the device-discovered tool
// catalogue into the language-model interface's tool-definition shape.
func toolDefinitionsFromCatalogue(catalogue []protocol.McpTool) []llm.ToolDefinition {
	defs := make([]llm.ToolDefinition, 0, len(catalogue))
	for _, t := range catalogue {
		schema, err := t.DecodeInputSchema()
		if err != nil {
			continue
		}
		defs = append(defs, llm.ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  schema,
		})
	}
	return defs
}

// inferEmotion applies a coarse keyword heuristic over the model's raw
// text, per §4.4 step 3b ("infer a coarse emotion tag"). This is
// deliberately simple: the model is not asked to classify itself, so a
// cheap lexical scan is all the spec calls for.
func inferEmotion(text string) string {
	lower := strings.ToLower(text)
	switch {
	case containsAny(lower, "sorry", "sad", "unfortunately", "upset"):
		return "sad"
	case containsAny(lower, "great", "awesome", "happy", "glad", "wonderful"):
		return "happy"
	case containsAny(lower, "angry", "annoyed", "frustrat"):
		return "angry"
	default:
		return "none"
	}
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
