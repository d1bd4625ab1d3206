package gateway

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/sebas/voicegate/internal/registry"
)

// SessionDriver is the model-session surface the gateway pumps. One
// driver exists per live session; its Events channel closes when the
// model stream ends.
type SessionDriver interface {
	Start() error
	Events() <-chan Event
	SendAudio(pcm []byte, commit bool) error
	Interrupt() error
	Close() error
}

// DriverFactory opens a driver for a registered session handle.
type DriverFactory func(handle *registry.Handle) (SessionDriver, error)

// sessionState tracks one live voice session inside the gateway.
// Invariant: at most one pump goroutine per session id.
type sessionState struct {
	handle  *registry.Handle
	gateway *Gateway

	mu          sync.Mutex
	history     []map[string]any
	listeners   map[*Connection]struct{}
	ownerUserID string

	driver   SessionDriver
	pumpDone chan struct{}
	closed   bool

	sendMu            sync.Mutex
	inputAudioLogSkip int
}

func newSessionState(handle *registry.Handle, gw *Gateway) *sessionState {
	return &sessionState{
		handle:      handle,
		gateway:     gw,
		listeners:   make(map[*Connection]struct{}),
		ownerUserID: handle.Metadata.UserID,
	}
}

// ensureStarted opens the model session and starts the event pump once.
func (s *sessionState) ensureStarted() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.driver != nil {
		return nil
	}
	if s.closed {
		return fmt.Errorf("session %s already closed", s.handle.SessionID)
	}
	if s.handle.ClientSecret == "" {
		return fmt.Errorf("realtime client secret is missing for session %s", s.handle.SessionID)
	}

	driver, err := s.gateway.factory(s.handle)
	if err != nil {
		return fmt.Errorf("failed to open model session: %w", err)
	}
	if err := driver.Start(); err != nil {
		driver.Close()
		return fmt.Errorf("failed to start model session: %w", err)
	}

	s.driver = driver
	s.pumpDone = make(chan struct{})
	go s.pumpEvents(driver, s.pumpDone)
	return nil
}

// pumpEvents forwards model events to every listener, strictly in
// emission order.
func (s *sessionState) pumpEvents(driver SessionDriver, done chan struct{}) {
	defer close(done)

	for event := range driver.Events() {
		s.apply(event)
		s.gateway.broadcastSessionEvent(s, event)
	}
	s.gateway.handleSessionStreamClosed(s)
}

// apply folds history events into the session snapshot before fan-out,
// so late listeners receive a complete prefix.
func (s *sessionState) apply(event Event) {
	switch event.Type {
	case EventHistory:
		s.mu.Lock()
		s.history = append([]map[string]any(nil), event.History...)
		s.mu.Unlock()
	case EventHistoryDelta:
		if event.Item != nil {
			s.mu.Lock()
			s.history = append(s.history, event.Item)
			s.mu.Unlock()
		}
	}
}

// shutdown closes the driver and waits for the pump to drain.
func (s *sessionState) shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	driver := s.driver
	done := s.pumpDone
	s.driver = nil
	s.pumpDone = nil
	s.mu.Unlock()

	if driver != nil {
		if err := driver.Close(); err != nil {
			slog.Debug("[Gateway] Model session close failed",
				"session_id", s.handle.SessionID, "error", err)
		}
	}
	if done != nil {
		<-done
	}
}

func (s *sessionState) addListener(conn *Connection) error {
	s.mu.Lock()
	s.listeners[conn] = struct{}{}
	historyCopy := append([]map[string]any(nil), s.history...)
	s.mu.Unlock()

	if err := s.ensureStarted(); err != nil {
		return err
	}
	if len(historyCopy) > 0 {
		return conn.SendEvent(Event{
			Type:      EventHistory,
			SessionID: s.handle.SessionID,
			History:   historyCopy,
		})
	}
	return nil
}

func (s *sessionState) removeListener(conn *Connection) {
	s.mu.Lock()
	delete(s.listeners, conn)
	s.mu.Unlock()
}

func (s *sessionState) threadID() string {
	return strings.TrimSpace(s.handle.Metadata.ThreadID)
}

// sessionPayload describes the session to browsers on session_created.
func (s *sessionState) sessionPayload() map[string]any {
	meta := s.handle.Metadata
	payload := map[string]any{
		"model": meta.Model,
		"voice": meta.Voice,
	}
	if meta.Instructions != "" {
		payload["instructions"] = meta.Instructions
	}
	if len(meta.Tools) > 0 {
		payload["tools"] = meta.Tools
	}
	if realtimeCfg, ok := meta.Extras["realtime"]; ok {
		payload["realtime"] = realtimeCfg
	}
	return payload
}

// sendAudio forwards browser audio into the model session.
func (s *sessionState) sendAudio(pcm []byte, commit bool) error {
	if err := s.ensureStarted(); err != nil {
		return err
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	s.mu.Lock()
	driver := s.driver
	s.mu.Unlock()
	if driver == nil {
		return fmt.Errorf("realtime session not ready")
	}
	return driver.SendAudio(pcm, commit)
}

func (s *sessionState) interrupt() error {
	if err := s.ensureStarted(); err != nil {
		return err
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	s.mu.Lock()
	driver := s.driver
	s.mu.Unlock()
	if driver == nil {
		return nil
	}
	return driver.Interrupt()
}

// shouldLogInputAudio keeps the input_audio debug logging down to the
// first and then every 25th non-commit chunk; commits always log.
func (s *sessionState) shouldLogInputAudio(commit bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if commit {
		s.inputAudioLogSkip = 0
		return true
	}
	if s.inputAudioLogSkip == 0 {
		s.inputAudioLogSkip = 1
		return true
	}
	s.inputAudioLogSkip++
	if s.inputAudioLogSkip >= 25 {
		s.inputAudioLogSkip = 1
		return true
	}
	return false
}

// transcripts assembles finished utterances from the history snapshot:
// user and assistant messages, completed or in-progress, text extracted
// from text and audio-transcript content parts.
func (s *sessionState) transcripts() []TranscriptItem {
	s.mu.Lock()
	history := append([]map[string]any(nil), s.history...)
	s.mu.Unlock()

	var ordered []string
	byID := make(map[string]TranscriptItem)

	for _, item := range history {
		if itemType, _ := item["type"].(string); itemType != "message" {
			continue
		}
		role, _ := item["role"].(string)
		if role != "user" && role != "assistant" {
			continue
		}
		status, _ := item["status"].(string)
		status = strings.TrimSpace(status)
		if status != "" && status != "completed" && status != "in_progress" {
			continue
		}

		var textParts []string
		contents, _ := item["content"].([]any)
		for _, content := range contents {
			part, ok := content.(map[string]any)
			if !ok {
				continue
			}
			var value string
			switch part["type"] {
			case "input_text", "output_text", "text":
				value, _ = part["text"].(string)
			case "input_audio", "output_audio", "audio":
				value, _ = part["transcript"].(string)
			}
			if strings.TrimSpace(value) != "" {
				textParts = append(textParts, strings.TrimSpace(value))
			}
		}
		if len(textParts) == 0 {
			continue
		}

		identifier, _ := item["item_id"].(string)
		if identifier == "" {
			identifier, _ = item["id"].(string)
		}
		if identifier == "" {
			identifier = fmt.Sprintf("%s-%d", role, len(ordered))
		}

		entry := TranscriptItem{
			ID:     identifier,
			Role:   role,
			Text:   strings.Join(textParts, "\n"),
			Status: status,
		}
		if _, seen := byID[identifier]; !seen {
			ordered = append(ordered, identifier)
		}
		byID[identifier] = entry
	}

	transcripts := make([]TranscriptItem, 0, len(ordered))
	for _, id := range ordered {
		transcripts = append(transcripts, byID[id])
	}
	return transcripts
}
