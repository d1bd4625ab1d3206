package runtime

import (
	"sync"
	"testing"
	"time"

	"github.com/sebas/voicegate/internal/gateway"
	"github.com/sebas/voicegate/internal/media"
	"github.com/sebas/voicegate/internal/realtime"
)

// fakeSessionClient records control traffic injected through the driver.
type fakeSessionClient struct {
	mu       sync.Mutex
	appended [][]byte
	commits  int
	cancels  int
}

func (f *fakeSessionClient) SendSessionUpdate(cfg realtime.SessionConfig) error { return nil }

func (f *fakeSessionClient) AppendAudio(pcm []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appended = append(f.appended, pcm)
	return nil
}

func (f *fakeSessionClient) CommitInput() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commits++
	return nil
}

func (f *fakeSessionClient) CreateResponse() error { return nil }

func (f *fakeSessionClient) CancelResponse() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels++
	return nil
}

func (f *fakeSessionClient) ReadEvent() (realtime.ServerEvent, bool, error) {
	return realtime.ServerEvent{}, true, nil
}

func (f *fakeSessionClient) Close() error { return nil }

func drainEvents(t *testing.T, driver *callDriver, want int) []gateway.Event {
	t.Helper()
	var events []gateway.Event
	timeout := time.After(2 * time.Second)
	for len(events) < want {
		select {
		case event, ok := <-driver.Events():
			if !ok {
				return events
			}
			events = append(events, event)
		case <-timeout:
			t.Fatalf("got %d events, want %d", len(events), want)
		}
	}
	return events
}

func testCallSession() *CallSession {
	return &CallSession{
		CallID:    "call-1",
		SessionID: "sess-1",
		Endpoint:  media.NewEndpoint(media.EndpointConfig{LocalHost: "127.0.0.1"}),
	}
}

// The bridge-observer side of the driver turns model events into the
// browser wire format, including history items for finished utterances.
func TestCallDriverPublishesGatewayEvents(t *testing.T) {
	driver := newCallDriver(testCallSession())

	driver.AudioDelta("r1", []byte("AB"))
	driver.AudioEnd("r1")
	driver.TranscriptCompleted("r1", []realtime.TranscriptEntry{
		{Role: "assistant", Text: "Bonjour"},
	})
	driver.SessionError("boom")

	events := drainEvents(t, driver, 4)

	if events[0].Type != gateway.EventAudio {
		t.Fatalf("events[0] = %s, want audio", events[0].Type)
	}
	if events[0].Data != "QUI=" || events[0].ResponseID != "r1" {
		t.Errorf("audio event = %+v", events[0])
	}
	if events[0].ContentIndex == nil || *events[0].ContentIndex != 0 {
		t.Errorf("audio content_index = %v, want 0", events[0].ContentIndex)
	}
	if events[1].Type != gateway.EventAudioEnd {
		t.Errorf("events[1] = %s, want audio_end", events[1].Type)
	}
	if events[2].Type != gateway.EventHistoryDelta {
		t.Fatalf("events[2] = %s, want history_delta", events[2].Type)
	}
	item := events[2].Item
	if item["role"] != "assistant" || item["type"] != "message" || item["status"] != "completed" {
		t.Errorf("history item = %v", item)
	}
	contents := item["content"].([]any)
	text := contents[0].(map[string]any)["text"]
	if text != "Bonjour" {
		t.Errorf("history item text = %v", text)
	}
	if events[3].Type != gateway.EventSessionError || events[3].Error != "boom" {
		t.Errorf("events[3] = %+v", events[3])
	}

	driver.SessionClosed()
	select {
	case _, ok := <-driver.Events():
		if ok {
			t.Error("event stream not closed after SessionClosed")
		}
	case <-time.After(time.Second):
		t.Error("event stream still open after SessionClosed")
	}
}

// Browser control frames ride the call's own realtime connection once
// the bridge hands it over.
func TestCallDriverControlPath(t *testing.T) {
	driver := newCallDriver(testCallSession())

	if err := driver.SendAudio([]byte{1}, false); err == nil {
		t.Error("SendAudio before session open should fail")
	}
	if err := driver.Interrupt(); err != nil {
		t.Errorf("Interrupt before session open = %v, want nil no-op", err)
	}

	client := &fakeSessionClient{}
	driver.SessionOpened(client)

	if err := driver.SendAudio([]byte{1, 2}, true); err != nil {
		t.Fatalf("SendAudio() error: %v", err)
	}
	if err := driver.Interrupt(); err != nil {
		t.Fatalf("Interrupt() error: %v", err)
	}

	client.mu.Lock()
	defer client.mu.Unlock()
	if len(client.appended) != 1 {
		t.Errorf("appended chunks = %d, want 1", len(client.appended))
	}
	if client.commits != 1 {
		t.Errorf("commits = %d, want 1", client.commits)
	}
	if client.cancels != 1 {
		t.Errorf("cancels = %d, want 1", client.cancels)
	}
}

func TestCallDriverCloseStopsMedia(t *testing.T) {
	call := testCallSession()
	if _, err := call.Endpoint.Start(); err != nil {
		t.Fatalf("endpoint Start() error: %v", err)
	}
	call.voiceActive.Store(true)

	driver := newCallDriver(call)
	if err := driver.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	if call.VoiceActive() {
		t.Error("voice still active after driver Close")
	}
	select {
	case _, ok := <-call.Endpoint.Packets():
		if ok {
			t.Error("endpoint stream still delivering after Close")
		}
	case <-time.After(time.Second):
		t.Error("endpoint stream not closed after Close")
	}
}
