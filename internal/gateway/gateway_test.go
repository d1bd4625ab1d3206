package gateway

import (
	"encoding/base64"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/sebas/voicegate/internal/registry"
	"github.com/sebas/voicegate/internal/store"
)

// fakeWS collects frames written to one browser connection.
type fakeWS struct {
	mu     sync.Mutex
	frames []Event
	closed bool
}

func (f *fakeWS) ReadMessage() (int, []byte, error) {
	select {} // tests drive HandleMessage directly
}

func (f *fakeWS) WriteMessage(messageType int, data []byte) error {
	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		return err
	}
	f.mu.Lock()
	f.frames = append(f.frames, event)
	f.mu.Unlock()
	return nil
}

func (f *fakeWS) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeWS) eventsOfType(eventType string) []Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Event
	for _, e := range f.frames {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

// fakeDriver is a scriptable model session.
type fakeDriver struct {
	mu         sync.Mutex
	events     chan Event
	audio      [][]byte
	commits    int
	interrupts int
	closed     bool
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{events: make(chan Event, 16)}
}

func (d *fakeDriver) Start() error        { return nil }
func (d *fakeDriver) Events() <-chan Event { return d.events }

func (d *fakeDriver) SendAudio(pcm []byte, commit bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.audio = append(d.audio, pcm)
	if commit {
		d.commits++
	}
	return nil
}

func (d *fakeDriver) Interrupt() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.interrupts++
	return nil
}

func (d *fakeDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.closed {
		d.closed = true
		close(d.events)
	}
	return nil
}

func newTestGateway(driver *fakeDriver) (*Gateway, *registry.Registry, *store.MemoryStore) {
	reg := registry.New()
	mem := store.NewMemoryStore()
	gw := New(Config{
		Registry:  reg,
		Finalizer: mem,
		Factory: func(handle *registry.Handle) (SessionDriver, error) {
			return driver, nil
		},
	})
	return gw, reg, mem
}

func testHandle(sessionID, userID string) *registry.Handle {
	return &registry.Handle{
		SessionID:    sessionID,
		ClientSecret: "ek_" + sessionID,
		Metadata: registry.Metadata{
			UserID:   userID,
			Model:    "gpt-realtime",
			Voice:    "verse",
			ThreadID: "thread-" + sessionID,
		},
	}
}

func connect(gw *Gateway, userID string) (*Connection, *fakeWS) {
	ws := &fakeWS{}
	conn := NewConnection(ws, User{ID: userID}, "Bearer tok")
	gw.RegisterConnection(conn)
	return conn, ws
}

func TestRegisterSessionBroadcastsToOwner(t *testing.T) {
	driver := newFakeDriver()
	gw, _, _ := newTestGateway(driver)

	_, ownerWS := connect(gw, "user-1")
	_, otherWS := connect(gw, "user-2")

	gw.RegisterSession(testHandle("sess-1", "user-1"))

	created := ownerWS.eventsOfType(EventSessionCreated)
	if len(created) != 1 {
		t.Fatalf("owner session_created events = %d, want 1", len(created))
	}
	if created[0].SessionID != "sess-1" || created[0].ThreadID != "thread-sess-1" {
		t.Errorf("session_created = %+v", created[0])
	}
	if created[0].Session["model"] != "gpt-realtime" {
		t.Errorf("session payload = %v", created[0].Session)
	}
	if len(otherWS.eventsOfType(EventSessionCreated)) != 0 {
		t.Error("non-owner received session_created")
	}
}

func TestConnectReplaysExistingSessions(t *testing.T) {
	driver := newFakeDriver()
	gw, _, _ := newTestGateway(driver)

	gw.RegisterSession(testHandle("sess-1", "user-1"))
	_, ws := connect(gw, "user-1")

	if len(ws.eventsOfType(EventSessionCreated)) != 1 {
		t.Fatalf("replayed session_created = %d, want 1", len(ws.eventsOfType(EventSessionCreated)))
	}
	if gw.ListenerCount("sess-1") != 1 {
		t.Errorf("listeners = %d, want 1", gw.ListenerCount("sess-1"))
	}
}

func TestPumpFanoutPreservesOrder(t *testing.T) {
	driver := newFakeDriver()
	gw, _, _ := newTestGateway(driver)

	gw.RegisterSession(testHandle("sess-1", "user-1"))
	conn, ws := connect(gw, "user-1")
	_ = conn

	driver.events <- Event{Type: EventAgentStart}
	driver.events <- Event{Type: EventAudio, Data: "QUJD"}
	driver.events <- Event{Type: EventAudioEnd}
	driver.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(ws.eventsOfType(EventAudioEnd)) == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	ws.mu.Lock()
	defer ws.mu.Unlock()
	var sequence []string
	for _, e := range ws.frames {
		switch e.Type {
		case EventAgentStart, EventAudio, EventAudioEnd:
			sequence = append(sequence, e.Type)
			if e.SessionID != "sess-1" {
				t.Errorf("event %s missing session id", e.Type)
			}
		}
	}
	want := []string{EventAgentStart, EventAudio, EventAudioEnd}
	if len(sequence) != len(want) {
		t.Fatalf("sequence = %v, want %v", sequence, want)
	}
	for i := range want {
		if sequence[i] != want[i] {
			t.Fatalf("sequence = %v, want %v", sequence, want)
		}
	}
}

func TestInputAudioForwarded(t *testing.T) {
	driver := newFakeDriver()
	gw, _, _ := newTestGateway(driver)

	gw.RegisterSession(testHandle("sess-1", "user-1"))
	conn, ws := connect(gw, "user-1")

	pcm := []byte{1, 2, 3, 4}
	gw.HandleMessage(conn, &ClientFrame{
		Type:      FrameInputAudio,
		SessionID: "sess-1",
		Data:      base64.StdEncoding.EncodeToString(pcm),
		Commit:    true,
	})

	driver.mu.Lock()
	defer driver.mu.Unlock()
	if len(driver.audio) != 1 || string(driver.audio[0]) != string(pcm) {
		t.Errorf("driver audio = %v", driver.audio)
	}
	if driver.commits != 1 {
		t.Errorf("commits = %d, want 1", driver.commits)
	}
	if len(ws.eventsOfType(EventError)) != 0 {
		t.Errorf("unexpected error frames: %v", ws.eventsOfType(EventError))
	}
}

func TestInputAudioRejectsBadBase64(t *testing.T) {
	driver := newFakeDriver()
	gw, _, _ := newTestGateway(driver)

	gw.RegisterSession(testHandle("sess-1", "user-1"))
	conn, ws := connect(gw, "user-1")

	gw.HandleMessage(conn, &ClientFrame{
		Type:      FrameInputAudio,
		SessionID: "sess-1",
		Data:      "!!!",
	})

	if len(ws.eventsOfType(EventError)) != 1 {
		t.Fatalf("error frames = %d, want 1", len(ws.eventsOfType(EventError)))
	}
	driver.mu.Lock()
	defer driver.mu.Unlock()
	if len(driver.audio) != 0 {
		t.Error("malformed audio reached the driver")
	}
}

func TestInterruptReachesDriver(t *testing.T) {
	driver := newFakeDriver()
	gw, _, _ := newTestGateway(driver)

	gw.RegisterSession(testHandle("sess-1", "user-1"))
	conn, _ := connect(gw, "user-1")

	gw.HandleMessage(conn, &ClientFrame{Type: FrameInterrupt, SessionID: "sess-1"})

	driver.mu.Lock()
	defer driver.mu.Unlock()
	if driver.interrupts != 1 {
		t.Errorf("interrupts = %d, want 1", driver.interrupts)
	}
}

func TestUnknownSessionProducesErrorFrame(t *testing.T) {
	driver := newFakeDriver()
	gw, _, _ := newTestGateway(driver)
	conn, ws := connect(gw, "user-1")

	gw.HandleMessage(conn, &ClientFrame{Type: FrameFinalize, SessionID: "ghost"})

	if len(ws.eventsOfType(EventError)) != 1 {
		t.Fatalf("error frames = %d, want 1", len(ws.eventsOfType(EventError)))
	}
	if gw.SessionCount() != 0 {
		t.Error("session state mutated by unknown-session frame")
	}
}

func TestWrongOwnerCannotTouchSession(t *testing.T) {
	driver := newFakeDriver()
	gw, _, _ := newTestGateway(driver)

	gw.RegisterSession(testHandle("sess-1", "user-1"))
	intruder, ws := connect(gw, "user-2")

	gw.HandleMessage(intruder, &ClientFrame{Type: FrameInterrupt, SessionID: "sess-1"})

	if len(ws.eventsOfType(EventError)) != 1 {
		t.Fatalf("error frames = %d, want 1", len(ws.eventsOfType(EventError)))
	}
	driver.mu.Lock()
	defer driver.mu.Unlock()
	if driver.interrupts != 0 {
		t.Error("intruder interrupted a session it does not own")
	}
}

func TestFinalizeFlow(t *testing.T) {
	driver := newFakeDriver()
	gw, _, mem := newTestGateway(driver)

	ctx := store.Context{}
	_ = mem.SaveThread(&store.Thread{ID: "thread-sess-1", WaitState: &store.WaitState{Type: "voice"}}, ctx)

	gw.RegisterSession(testHandle("sess-1", "user-1"))
	conn, ws := connect(gw, "user-1")

	// Seed history through the pump so transcripts exist.
	driver.events <- Event{Type: EventHistoryDelta, Item: map[string]any{
		"type": "message", "role": "assistant", "status": "completed",
		"id": "item-1",
		"content": []any{map[string]any{"type": "text", "text": "Bonjour"}},
	}}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(ws.eventsOfType(EventHistoryDelta)) == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	gw.HandleMessage(conn, &ClientFrame{Type: FrameFinalize, SessionID: "sess-1"})

	finalized := ws.eventsOfType(EventSessionFinalized)
	if len(finalized) != 1 {
		t.Fatalf("session_finalized events = %d, want 1", len(finalized))
	}
	if finalized[0].ThreadID != "thread-sess-1" {
		t.Errorf("thread id = %q", finalized[0].ThreadID)
	}
	if len(finalized[0].Transcripts) != 1 || finalized[0].Transcripts[0].Text != "Bonjour" {
		t.Errorf("transcripts = %+v", finalized[0].Transcripts)
	}
	if gw.SessionCount() != 0 {
		t.Error("session still tracked after finalize")
	}
	loaded, err := mem.LoadThread("thread-sess-1", ctx)
	if err != nil {
		t.Fatalf("LoadThread() error: %v", err)
	}
	if !loaded.WaitState.VoiceEventConsumed {
		t.Error("wait state not consumed on finalize")
	}
	if len(ws.eventsOfType(EventSessionClosed)) != 1 {
		t.Error("session_closed not broadcast during finalize")
	}
}

// Finalizing an already-finalized session stays safe and still answers
// with session_finalized, keeping browser retries idempotent.
func TestFinalizeTwice(t *testing.T) {
	driver := newFakeDriver()
	gw, reg, mem := newTestGateway(driver)
	_ = mem.SaveThread(&store.Thread{ID: "thread-sess-1"}, store.Context{})

	handle := testHandle("sess-1", "user-1")
	reg.Add(handle)
	gw.RegisterSession(handle)
	conn, ws := connect(gw, "user-1")

	gw.HandleMessage(conn, &ClientFrame{Type: FrameFinalize, SessionID: "sess-1"})
	gw.HandleMessage(conn, &ClientFrame{Type: FrameFinalize, SessionID: "sess-1"})

	if got := len(ws.eventsOfType(EventSessionFinalized)); got != 2 {
		t.Errorf("session_finalized events = %d, want 2 (idempotent replay)", got)
	}
}

func TestEmptyTranscriptsStillDelivered(t *testing.T) {
	driver := newFakeDriver()
	gw, _, mem := newTestGateway(driver)
	_ = mem.SaveThread(&store.Thread{ID: "thread-sess-1"}, store.Context{})

	gw.RegisterSession(testHandle("sess-1", "user-1"))
	conn, ws := connect(gw, "user-1")

	gw.HandleMessage(conn, &ClientFrame{Type: FrameFinalize, SessionID: "sess-1"})

	finalized := ws.eventsOfType(EventSessionFinalized)
	if len(finalized) != 1 {
		t.Fatalf("session_finalized events = %d, want 1", len(finalized))
	}
	if finalized[0].Transcripts == nil || len(finalized[0].Transcripts) != 0 {
		t.Errorf("transcripts = %#v, want present-but-empty list", finalized[0].Transcripts)
	}
}

func TestShouldLogInputAudioDedup(t *testing.T) {
	state := newSessionState(testHandle("sess-1", "user-1"), nil)

	if !state.shouldLogInputAudio(false) {
		t.Error("first chunk should log")
	}
	logged := 0
	for i := 0; i < 48; i++ {
		if state.shouldLogInputAudio(false) {
			logged++
		}
	}
	if logged != 2 {
		t.Errorf("logged %d of 48 follow-up chunks, want 2 (every 25th)", logged)
	}
	if !state.shouldLogInputAudio(true) {
		t.Error("commit should always log")
	}
	if !state.shouldLogInputAudio(false) {
		t.Error("chunk right after commit should log")
	}
}

// Encode∘decode is identity for documented browser events.
func TestEventJSONRoundTrip(t *testing.T) {
	two := 2
	events := []Event{
		{Type: EventSessionCreated, SessionID: "s", ThreadID: "t", Session: map[string]any{"model": "m"}},
		{Type: EventSessionClosed, SessionID: "s"},
		{Type: EventHistory, SessionID: "s", History: []map[string]any{{"type": "message"}}},
		{Type: EventHistoryDelta, SessionID: "s", Item: map[string]any{"type": "message"}},
		{Type: EventAudio, SessionID: "s", ItemID: "i", ContentIndex: &two, ResponseID: "r", Data: "QUJD"},
		{Type: EventAudioEnd, SessionID: "s", ItemID: "i"},
		{Type: EventAudioInterrupted, SessionID: "s", ItemID: "i"},
		{Type: EventAgentStart, SessionID: "s"},
		{Type: EventAgentEnd, SessionID: "s"},
		{Type: EventHandoff, SessionID: "s", ToAgent: "agent-b"},
		{Type: EventToolStart, SessionID: "s", Tool: "transfer_call"},
		{Type: EventToolEnd, SessionID: "s", Tool: "transfer_call", Output: "done"},
		{Type: EventSessionError, SessionID: "s", Error: "boom"},
		{Type: EventSessionFinalized, SessionID: "s", ThreadID: "t",
			Transcripts: []TranscriptItem{{ID: "x", Role: "assistant", Text: "hi", Status: "completed"}}},
	}

	for _, original := range events {
		data, err := json.Marshal(original)
		if err != nil {
			t.Fatalf("marshal %s: %v", original.Type, err)
		}
		var decoded Event
		if err := json.Unmarshal(data, &decoded); err != nil {
			t.Fatalf("unmarshal %s: %v", original.Type, err)
		}
		redata, err := json.Marshal(decoded)
		if err != nil {
			t.Fatalf("re-marshal %s: %v", original.Type, err)
		}
		if string(data) != string(redata) {
			t.Errorf("%s round trip mismatch:\n%s\n%s", original.Type, data, redata)
		}
	}
}
