package realtime

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// EventKind enumerates the server event variants the bridge reacts to.
// Anything else decodes to EventUnknown and is ignored by consumers.
type EventKind int

const (
	EventUnknown EventKind = iota
	EventSpeechStarted
	EventSpeechStopped
	EventResponseCancelled
	EventAudioDelta
	EventTranscriptDelta
	EventResponseCompleted
	EventSessionEnded
	EventError
)

// TranscriptEntry is one finished utterance.
type TranscriptEntry struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// ServerEvent is the decoded form of one provider WebSocket frame.
type ServerEvent struct {
	Kind EventKind
	Type string // raw wire type

	ResponseID string
	// Audio holds decoded PCM16 for EventAudioDelta.
	Audio []byte
	// Text holds the incremental transcript for EventTranscriptDelta.
	Text string
	// Completed holds explicit output transcripts attached to a
	// response.completed payload.
	Completed []TranscriptEntry
	// ErrorMessage is set for EventError frames.
	ErrorMessage string
}

// ErrMalformedFrame marks frames that carried undecodable payloads. The
// session survives them; the frame is skipped.
type ErrMalformedFrame struct {
	Reason string
}

func (e *ErrMalformedFrame) Error() string {
	return "malformed realtime frame: " + e.Reason
}

// strictB64 rejects malformed input instead of tolerating stray padding.
var strictB64 = base64.StdEncoding.Strict()

// ParseServerEvent decodes one raw WebSocket frame into a ServerEvent.
// Unknown event types yield Kind==EventUnknown with a nil error so the
// pump can skip them.
func ParseServerEvent(raw []byte) (ServerEvent, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return ServerEvent{}, &ErrMalformedFrame{Reason: "empty frame"}
	}

	var frame map[string]any
	if err := json.Unmarshal([]byte(trimmed), &frame); err != nil {
		return ServerEvent{}, &ErrMalformedFrame{Reason: "not JSON"}
	}

	eventType, _ := frame["type"].(string)
	eventType = strings.TrimSpace(eventType)
	event := ServerEvent{Type: eventType, ResponseID: extractResponseID(frame)}

	switch {
	case eventType == "input_audio_buffer.speech_started":
		event.Kind = EventSpeechStarted
	case eventType == "input_audio_buffer.speech_stopped":
		event.Kind = EventSpeechStopped
	case eventType == "response.cancelled":
		event.Kind = EventResponseCancelled
	case eventType == "session.ended":
		event.Kind = EventSessionEnded
	case eventType == "error":
		event.Kind = EventError
		event.ErrorMessage = extractErrorMessage(frame)
	case strings.HasSuffix(eventType, "audio.delta"):
		event.Kind = EventAudioDelta
		pcm, err := decodeAudioChunks(frame)
		if err != nil {
			return ServerEvent{}, err
		}
		event.Audio = pcm
	case strings.HasSuffix(eventType, "transcript.delta"):
		event.Kind = EventTranscriptDelta
		event.Text = extractTranscriptText(frame)
	case eventType == "response.completed" || eventType == "response.done":
		event.Kind = EventResponseCompleted
		event.Completed = extractCompletedTranscripts(frame["response"])
	default:
		event.Kind = EventUnknown
	}

	return event, nil
}

// decodeAudioChunks gathers every base64 audio chunk in a delta frame and
// concatenates the decoded PCM. The GA API puts the chunk in "delta"; the
// beta API nested it under "delta.audio" or used "audio"/"chunk" keys.
func decodeAudioChunks(frame map[string]any) ([]byte, error) {
	var chunks []string
	for _, key := range []string{"audio", "chunk"} {
		switch v := frame[key].(type) {
		case string:
			chunks = append(chunks, v)
		case []any:
			for _, entry := range v {
				if s, ok := entry.(string); ok {
					chunks = append(chunks, s)
				}
			}
		}
	}
	switch delta := frame["delta"].(type) {
	case string:
		chunks = append(chunks, delta)
	case map[string]any:
		for _, key := range []string{"audio", "chunk"} {
			if s, ok := delta[key].(string); ok {
				chunks = append(chunks, s)
			}
		}
	}

	var pcm []byte
	for _, chunk := range chunks {
		decoded, err := strictB64.DecodeString(chunk)
		if err != nil {
			return nil, &ErrMalformedFrame{Reason: "invalid base64 audio"}
		}
		pcm = append(pcm, decoded...)
	}
	return pcm, nil
}

func extractTranscriptText(frame map[string]any) string {
	switch delta := frame["delta"].(type) {
	case string:
		if strings.TrimSpace(delta) != "" {
			return delta
		}
	case map[string]any:
		for _, key := range []string{"text", "transcript"} {
			if s, ok := delta[key].(string); ok && strings.TrimSpace(s) != "" {
				return s
			}
		}
	}
	for _, key := range []string{"text", "transcript"} {
		if s, ok := frame[key].(string); ok && strings.TrimSpace(s) != "" {
			return s
		}
	}
	return ""
}

func extractResponseID(frame map[string]any) string {
	for _, key := range []string{"response_id", "responseId", "id"} {
		if s, ok := frame[key].(string); ok && strings.TrimSpace(s) != "" {
			return s
		}
	}
	if response, ok := frame["response"].(map[string]any); ok {
		for _, key := range []string{"id", "response_id", "responseId"} {
			if s, ok := response[key].(string); ok && strings.TrimSpace(s) != "" {
				return s
			}
		}
	}
	return ""
}

func extractErrorMessage(frame map[string]any) string {
	if payload, ok := frame["error"].(map[string]any); ok {
		for _, key := range []string{"message", "detail", "error"} {
			if s, ok := payload[key].(string); ok && strings.TrimSpace(s) != "" {
				return strings.TrimSpace(s)
			}
		}
	}
	if s, ok := frame["message"].(string); ok && strings.TrimSpace(s) != "" {
		return strings.TrimSpace(s)
	}
	return "realtime session error"
}

// extractCompletedTranscripts pulls explicit output text entries out of a
// response.completed payload. These win over the transcript deltas that
// were buffered along the way.
func extractCompletedTranscripts(response any) []TranscriptEntry {
	payload, ok := response.(map[string]any)
	if !ok {
		return nil
	}
	output := payload["output"]
	if output == nil {
		output = payload["outputs"]
	}
	entries, ok := output.([]any)
	if !ok {
		return nil
	}

	var transcripts []TranscriptEntry
	for _, entry := range entries {
		item, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		role := "assistant"
		if r, ok := item["role"].(string); ok && strings.TrimSpace(r) != "" {
			role = r
		}
		contents, ok := item["content"].([]any)
		if !ok {
			continue
		}
		for _, content := range contents {
			part, ok := content.(map[string]any)
			if !ok {
				continue
			}
			partType, _ := part["type"].(string)
			if partType != "output_text" && partType != "text" {
				continue
			}
			if text, ok := part["text"].(string); ok && strings.TrimSpace(text) != "" {
				transcripts = append(transcripts, TranscriptEntry{
					Role: role,
					Text: strings.TrimSpace(text),
				})
			}
		}
	}
	return transcripts
}

// String returns the kind name for logs.
func (k EventKind) String() string {
	switch k {
	case EventSpeechStarted:
		return "speech_started"
	case EventSpeechStopped:
		return "speech_stopped"
	case EventResponseCancelled:
		return "response_cancelled"
	case EventAudioDelta:
		return "audio_delta"
	case EventTranscriptDelta:
		return "transcript_delta"
	case EventResponseCompleted:
		return "response_completed"
	case EventSessionEnded:
		return "session_ended"
	case EventError:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}
