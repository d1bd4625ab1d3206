package runtime

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"sync"

	"github.com/sebas/voicegate/internal/bridge"
	"github.com/sebas/voicegate/internal/gateway"
	"github.com/sebas/voicegate/internal/realtime"
)

// callDriver exposes the one live Realtime session of a SIP call to the
// gateway. The client secret is single-use, so the bridge's connection
// is the only one the call gets: the bridge publishes its model events
// here (as a bridge.Observer) and browser control frames ride the same
// connection through the client the bridge handed over.
type callDriver struct {
	call *CallSession

	events chan gateway.Event

	mu     sync.Mutex
	client bridge.SessionClient

	closeOnce sync.Once
	published int
}

// driverQueueDepth bounds the browser-bound event queue. A stalled
// gateway pump loses events rather than stalling the media bridge.
const driverQueueDepth = 64

func newCallDriver(call *CallSession) *callDriver {
	return &callDriver{
		call:   call,
		events: make(chan gateway.Event, driverQueueDepth),
	}
}

func (d *callDriver) sessionClient() bridge.SessionClient {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.client
}

func (d *callDriver) publish(event gateway.Event) {
	select {
	case d.events <- event:
	default:
		slog.Debug("[Invite] Browser event queue full, event dropped",
			"call_id", d.call.CallID, "type", event.Type)
	}
}

// --- bridge.Observer ---

func (d *callDriver) SessionOpened(client bridge.SessionClient) {
	d.mu.Lock()
	d.client = client
	d.mu.Unlock()
}

func (d *callDriver) AudioDelta(responseID string, pcm []byte) {
	zero := 0
	d.publish(gateway.Event{
		Type:         gateway.EventAudio,
		ResponseID:   responseID,
		ContentIndex: &zero,
		Data:         base64.StdEncoding.EncodeToString(pcm),
	})
}

func (d *callDriver) AudioEnd(responseID string) {
	d.publish(gateway.Event{Type: gateway.EventAudioEnd, ResponseID: responseID})
}

func (d *callDriver) AudioInterrupted(responseID string) {
	d.publish(gateway.Event{Type: gateway.EventAudioInterrupted, ResponseID: responseID})
}

// TranscriptCompleted turns finished utterances into history items so
// late listeners and the finalize path see them.
func (d *callDriver) TranscriptCompleted(responseID string, entries []realtime.TranscriptEntry) {
	for _, entry := range entries {
		d.mu.Lock()
		d.published++
		seq := d.published
		d.mu.Unlock()

		base := responseID
		if base == "" {
			base = entry.Role
		}
		itemID := fmt.Sprintf("%s-%d", base, seq)
		d.publish(gateway.Event{
			Type: gateway.EventHistoryDelta,
			Item: map[string]any{
				"type":    "message",
				"id":      itemID,
				"role":    entry.Role,
				"status":  "completed",
				"content": []any{map[string]any{"type": "text", "text": entry.Text}},
			},
		})
	}
}

func (d *callDriver) SessionError(message string) {
	d.publish(gateway.Event{Type: gateway.EventSessionError, Error: message})
}

func (d *callDriver) SessionClosed() {
	d.mu.Lock()
	d.client = nil
	d.mu.Unlock()
	d.closeOnce.Do(func() { close(d.events) })
}

// --- gateway.SessionDriver ---

// Start is a no-op: the session lives and dies with the call.
func (d *callDriver) Start() error {
	return nil
}

func (d *callDriver) Events() <-chan gateway.Event {
	return d.events
}

// SendAudio injects browser audio into the call's input buffer.
func (d *callDriver) SendAudio(pcm []byte, commit bool) error {
	client := d.sessionClient()
	if client == nil {
		return fmt.Errorf("realtime session not ready")
	}
	if err := client.AppendAudio(pcm); err != nil {
		return err
	}
	if commit {
		return client.CommitInput()
	}
	return nil
}

// Interrupt stops the in-flight model turn.
func (d *callDriver) Interrupt() error {
	client := d.sessionClient()
	if client == nil {
		return nil
	}
	return client.CancelResponse()
}

// Close winds the call down; the bridge closes the session and the
// event stream on its way out.
func (d *callDriver) Close() error {
	d.call.voiceActive.Store(false)
	d.call.Endpoint.Stop()
	return nil
}

var _ bridge.Observer = (*callDriver)(nil)
var _ gateway.SessionDriver = (*callDriver)(nil)
