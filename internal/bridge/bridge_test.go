package bridge

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sebas/voicegate/internal/media"
	"github.com/sebas/voicegate/internal/realtime"
)

// fakeClient scripts the model side of a bridge run. Events are handed
// out one per ReadEvent call; once drained, reads time out, letting the
// pumps observe the stop signal.
type fakeClient struct {
	mu             sync.Mutex
	events         []realtime.ServerEvent
	appended       [][]byte
	commits        int
	responsesMade  int
	cancels        int
	sessionUpdates []realtime.SessionConfig
	closed         bool
}

func (f *fakeClient) SendSessionUpdate(cfg realtime.SessionConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessionUpdates = append(f.sessionUpdates, cfg)
	return nil
}

func (f *fakeClient) AppendAudio(pcm []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appended = append(f.appended, append([]byte(nil), pcm...))
	return nil
}

func (f *fakeClient) CommitInput() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commits++
	return nil
}

func (f *fakeClient) CreateResponse() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responsesMade++
	return nil
}

func (f *fakeClient) CancelResponse() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels++
	return nil
}

func (f *fakeClient) ReadEvent() (realtime.ServerEvent, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.events) == 0 {
		return realtime.ServerEvent{}, true, nil
	}
	event := f.events[0]
	f.events = f.events[1:]
	return event, false, nil
}

func (f *fakeClient) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeClient) commitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.commits
}

type orderedHooks struct {
	mu          sync.Mutex
	order       []string
	transcripts []realtime.TranscriptEntry
}

func (h *orderedHooks) CloseDialog() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.order = append(h.order, "close_dialog")
}

func (h *orderedHooks) ClearVoiceState() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.order = append(h.order, "clear_voice_state")
}

func (h *orderedHooks) ResumeWorkflow(transcripts []realtime.TranscriptEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.order = append(h.order, "resume_workflow")
	h.transcripts = transcripts
}

func ulawFrame(n int) media.Packet {
	payload := make([]byte, n)
	for i := range payload {
		payload[i] = 0xFF // µ-law silence
	}
	return media.Packet{Payload: payload}
}

func runTestBridge(t *testing.T, client *fakeClient, hooks Hooks, packets []media.Packet, speakFirst bool) (Stats, [][]byte) {
	t.Helper()

	stream := make(chan media.Packet, len(packets)+1)
	for _, p := range packets {
		stream <- p
	}
	close(stream)

	var peerMu sync.Mutex
	var sent [][]byte

	b := New(Config{
		Hooks:          hooks,
		Connect:        func(_, _, _ string, _ time.Duration) (SessionClient, error) { return client, nil },
		InputCodec:     media.CodecPCMU,
		ReceiveTimeout: 100 * time.Millisecond,
	})
	stats := b.Run(RunParams{
		ClientSecret: "ek_test",
		Model:        "gpt-realtime",
		Instructions: "hi",
		Voice:        "verse",
		SpeakFirst:   speakFirst,
		RTPStream:    stream,
		SendToPeer: func(pcm []byte) {
			peerMu.Lock()
			sent = append(sent, append([]byte(nil), pcm...))
			peerMu.Unlock()
		},
	})
	return stats, sent
}

func TestBridgeHappyPath(t *testing.T) {
	pcmDelta := make([]byte, 320)
	client := &fakeClient{
		events: []realtime.ServerEvent{
			{Kind: realtime.EventAudioDelta, ResponseID: "r1", Audio: pcmDelta},
			{Kind: realtime.EventTranscriptDelta, ResponseID: "r1", Text: "Bon"},
			{Kind: realtime.EventTranscriptDelta, ResponseID: "r1", Text: "jour"},
			{Kind: realtime.EventResponseCompleted, ResponseID: "r1"},
		},
	}
	hooks := &orderedHooks{}

	stats, sent := runTestBridge(t, client, hooks, []media.Packet{ulawFrame(160), ulawFrame(160)}, false)

	if stats.Err != nil {
		t.Fatalf("stats.Err = %v", stats.Err)
	}
	if len(client.sessionUpdates) != 1 {
		t.Fatalf("session updates = %d, want 1", len(client.sessionUpdates))
	}
	// Two 160-byte µ-law frames decode and resample to 24kHz PCM16.
	if len(client.appended) != 2 {
		t.Errorf("appended chunks = %d, want 2", len(client.appended))
	}
	if stats.InboundAudioBytes == 0 {
		t.Error("inbound byte count not recorded")
	}
	if client.commitCount() != 1 {
		t.Errorf("commits = %d, want exactly 1 at stream end", client.commitCount())
	}
	if len(sent) != 1 || len(sent[0]) != len(pcmDelta) {
		t.Errorf("peer received %d chunks", len(sent))
	}
	if stats.OutboundAudioBytes != len(pcmDelta) {
		t.Errorf("outbound bytes = %d, want %d", stats.OutboundAudioBytes, len(pcmDelta))
	}
	if len(stats.Transcripts) != 1 {
		t.Fatalf("transcripts = %v, want one entry", stats.Transcripts)
	}
	if stats.Transcripts[0].Role != "assistant" || stats.Transcripts[0].Text != "Bonjour" {
		t.Errorf("transcript = %+v, want assistant Bonjour", stats.Transcripts[0])
	}
	if !client.closed {
		t.Error("client not closed")
	}

	wantOrder := []string{"close_dialog", "clear_voice_state", "resume_workflow"}
	if len(hooks.order) != len(wantOrder) {
		t.Fatalf("hook order = %v, want %v", hooks.order, wantOrder)
	}
	for i, name := range wantOrder {
		if hooks.order[i] != name {
			t.Fatalf("hook order = %v, want %v", hooks.order, wantOrder)
		}
	}
}

func TestBridgeCompletedOutputTextWins(t *testing.T) {
	client := &fakeClient{
		events: []realtime.ServerEvent{
			{Kind: realtime.EventTranscriptDelta, ResponseID: "r1", Text: "partial"},
			{
				Kind:       realtime.EventResponseCompleted,
				ResponseID: "r1",
				Completed:  []realtime.TranscriptEntry{{Role: "assistant", Text: "final text"}},
			},
		},
	}

	stats, _ := runTestBridge(t, client, NopHooks{}, []media.Packet{ulawFrame(160)}, false)

	if len(stats.Transcripts) != 1 {
		t.Fatalf("transcripts = %+v, want only the completed entry", stats.Transcripts)
	}
	if stats.Transcripts[0].Text != "final text" {
		t.Errorf("first transcript = %+v, want explicit output text", stats.Transcripts[0])
	}
	if stats.Transcripts[0].Text == "partial" {
		t.Errorf("transcript = %+v, buffered delta kept despite explicit output text", stats.Transcripts[0])
	}
}

func TestBridgeModelErrorSetsStatsError(t *testing.T) {
	client := &fakeClient{
		events: []realtime.ServerEvent{
			{Kind: realtime.EventError, ErrorMessage: "model exploded"},
		},
	}

	stats, _ := runTestBridge(t, client, NopHooks{}, nil, false)

	var bridgeErr *BridgeError
	if !errors.As(stats.Err, &bridgeErr) {
		t.Fatalf("stats.Err = %v, want *BridgeError", stats.Err)
	}
	if bridgeErr.Message != "model exploded" {
		t.Errorf("message = %q", bridgeErr.Message)
	}
}

func TestBridgeEmptyCallProducesNoCommit(t *testing.T) {
	client := &fakeClient{
		events: []realtime.ServerEvent{{Kind: realtime.EventSessionEnded}},
	}

	stats, _ := runTestBridge(t, client, NopHooks{}, nil, false)

	if stats.Err != nil {
		t.Fatalf("stats.Err = %v", stats.Err)
	}
	if client.commitCount() != 0 {
		t.Errorf("commits = %d, want 0 when nothing was appended", client.commitCount())
	}
	if len(stats.Transcripts) != 0 {
		t.Errorf("transcripts = %v, want empty", stats.Transcripts)
	}
}

func TestBridgeSpeakFirstCreatesResponse(t *testing.T) {
	client := &fakeClient{
		events: []realtime.ServerEvent{{Kind: realtime.EventSessionEnded}},
	}
	runTestBridge(t, client, NopHooks{}, nil, true)

	if client.responsesMade != 1 {
		t.Errorf("response.create count = %d, want 1 for speak-first", client.responsesMade)
	}
}

func TestBridgeConnectFailureStillRunsTeardown(t *testing.T) {
	hooks := &orderedHooks{}
	b := New(Config{
		Hooks: hooks,
		Connect: func(_, _, _ string, _ time.Duration) (SessionClient, error) {
			return nil, errors.New("dial refused")
		},
	})

	stream := make(chan media.Packet)
	close(stream)
	stats := b.Run(RunParams{RTPStream: stream, SendToPeer: func([]byte) {}})

	if stats.Err == nil {
		t.Fatal("stats.Err should be set on connect failure")
	}
	if len(hooks.order) < 2 || hooks.order[0] != "close_dialog" || hooks.order[1] != "clear_voice_state" {
		t.Errorf("teardown hooks did not run: %v", hooks.order)
	}
}

func TestBridgeCheckerPanicFailsOpen(t *testing.T) {
	b := New(Config{
		Checker: func() bool { panic("boom") },
	})
	if !b.checkSession() {
		t.Error("checkSession() = false after panic, want fail-open true")
	}
}

// recordObserver captures everything the bridge publishes for fan-out.
type recordObserver struct {
	mu          sync.Mutex
	client      SessionClient
	audio       int
	audioEnds   int
	interrupted int
	transcripts []realtime.TranscriptEntry
	errors      []string
	closed      int
}

func (o *recordObserver) SessionOpened(client SessionClient) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.client = client
}

func (o *recordObserver) AudioDelta(responseID string, pcm []byte) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.audio++
}

func (o *recordObserver) AudioEnd(responseID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.audioEnds++
}

func (o *recordObserver) AudioInterrupted(responseID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.interrupted++
}

func (o *recordObserver) TranscriptCompleted(responseID string, entries []realtime.TranscriptEntry) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.transcripts = append(o.transcripts, entries...)
}

func (o *recordObserver) SessionError(message string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.errors = append(o.errors, message)
}

func (o *recordObserver) SessionClosed() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed++
}

// The bridge publishes its session and events to the observer so the
// gateway fan-out rides the same connection as the RTP leg.
func TestBridgeObserverReceivesSessionAndEvents(t *testing.T) {
	client := &fakeClient{
		events: []realtime.ServerEvent{
			{Kind: realtime.EventAudioDelta, ResponseID: "r1", Audio: make([]byte, 160)},
			{Kind: realtime.EventTranscriptDelta, ResponseID: "r1", Text: "Bonjour"},
			{Kind: realtime.EventResponseCancelled, ResponseID: "r1"},
			{Kind: realtime.EventResponseCompleted, ResponseID: "r1"},
		},
	}
	observer := &recordObserver{}

	stream := make(chan media.Packet, 1)
	stream <- ulawFrame(160)
	close(stream)

	b := New(Config{
		Observer:       observer,
		Connect:        func(_, _, _ string, _ time.Duration) (SessionClient, error) { return client, nil },
		InputCodec:     media.CodecPCMU,
		ReceiveTimeout: 100 * time.Millisecond,
	})
	b.Run(RunParams{RTPStream: stream, SendToPeer: func([]byte) {}})

	observer.mu.Lock()
	defer observer.mu.Unlock()
	if observer.client == nil {
		t.Error("SessionOpened never handed the live client over")
	}
	if observer.audio != 1 {
		t.Errorf("audio deltas observed = %d, want 1", observer.audio)
	}
	if observer.audioEnds != 1 {
		t.Errorf("audio ends observed = %d, want 1", observer.audioEnds)
	}
	if observer.interrupted != 1 {
		t.Errorf("interruptions observed = %d, want 1", observer.interrupted)
	}
	if len(observer.transcripts) != 1 || observer.transcripts[0].Text != "Bonjour" {
		t.Errorf("transcripts observed = %+v", observer.transcripts)
	}
	if observer.closed != 1 {
		t.Errorf("SessionClosed calls = %d, want 1", observer.closed)
	}
}

func TestBridgeObserverSeesModelError(t *testing.T) {
	client := &fakeClient{
		events: []realtime.ServerEvent{
			{Kind: realtime.EventError, ErrorMessage: "model exploded"},
		},
	}
	observer := &recordObserver{}

	stream := make(chan media.Packet)
	close(stream)

	b := New(Config{
		Observer:       observer,
		Connect:        func(_, _, _ string, _ time.Duration) (SessionClient, error) { return client, nil },
		ReceiveTimeout: 100 * time.Millisecond,
	})
	b.Run(RunParams{RTPStream: stream, SendToPeer: func([]byte) {}})

	observer.mu.Lock()
	defer observer.mu.Unlock()
	if len(observer.errors) != 1 || observer.errors[0] != "model exploded" {
		t.Errorf("errors observed = %v", observer.errors)
	}
	if observer.closed != 1 {
		t.Errorf("SessionClosed calls = %d, want 1", observer.closed)
	}
}

func TestMetricsRecorder(t *testing.T) {
	recorder := NewMetricsRecorder()
	recorder.Record(Stats{Duration: 2 * time.Second, InboundAudioBytes: 10, OutboundAudioBytes: 20})
	recorder.Record(Stats{Duration: 4 * time.Second, Err: errors.New("bad")})

	snap := recorder.Snapshot()
	if snap["total_sessions"] != 2 {
		t.Errorf("total_sessions = %v", snap["total_sessions"])
	}
	if snap["total_errors"] != 1 {
		t.Errorf("total_errors = %v", snap["total_errors"])
	}
	if snap["average_duration_seconds"].(float64) != 3 {
		t.Errorf("average = %v", snap["average_duration_seconds"])
	}
	if snap["last_error"] != "bad" {
		t.Errorf("last_error = %v", snap["last_error"])
	}
}
