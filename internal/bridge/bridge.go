package bridge

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sebas/voicegate/internal/media"
	"github.com/sebas/voicegate/internal/realtime"
)

// BridgeError wraps a fatal failure of the Realtime session.
type BridgeError struct {
	Message string
}

func (e *BridgeError) Error() string {
	return "voice bridge error: " + e.Message
}

// Stats summarizes one bridge run.
type Stats struct {
	Duration           time.Duration
	InboundAudioBytes  int
	OutboundAudioBytes int
	Transcripts        []realtime.TranscriptEntry
	Err                error
}

// SessionClient is the slice of the realtime client the bridge drives.
// The same client is handed to the bridge's Observer so browser-injected
// audio and interrupts ride the one live connection.
type SessionClient interface {
	SendSessionUpdate(cfg realtime.SessionConfig) error
	AppendAudio(pcm []byte) error
	CommitInput() error
	CreateResponse() error
	CancelResponse() error
	ReadEvent() (realtime.ServerEvent, bool, error)
	Close() error
}

// ConnectFunc opens the Realtime session. The default dials the provider;
// tests inject fakes.
type ConnectFunc func(model, clientSecret, apiBase string, receiveTimeout time.Duration) (SessionClient, error)

func defaultConnect(model, clientSecret, apiBase string, receiveTimeout time.Duration) (SessionClient, error) {
	return realtime.Connect(model, clientSecret, apiBase,
		realtime.WithReceiveTimeout(receiveTimeout))
}

// SessionChecker is an external liveness predicate polled between events.
// A panicking checker keeps the session running: liveness beats a broken
// predicate, and the failure is logged.
type SessionChecker func() bool

// Config parameterizes a bridge.
type Config struct {
	Hooks          Hooks
	Metrics        *MetricsRecorder
	Observer       Observer
	Connect        ConnectFunc
	Checker        SessionChecker
	InputCodec     media.Codec
	TargetRate     int
	ReceiveTimeout time.Duration
}

// RunParams carries the per-call inputs.
type RunParams struct {
	ClientSecret string
	Model        string
	Instructions string
	Voice        string
	APIBase      string
	SpeakFirst   bool

	// RTPStream is the lazy inbound packet sequence from the media
	// endpoint; it ends when the endpoint stops.
	RTPStream <-chan media.Packet
	// SendToPeer pushes PCM16 back toward the caller.
	SendToPeer func(pcm []byte)
}

// Bridge runs full-duplex media bridging for exactly one call.
type Bridge struct {
	hooks          Hooks
	metrics        *MetricsRecorder
	observer       Observer
	connect        ConnectFunc
	checker        SessionChecker
	inputCodec     media.Codec
	targetRate     int
	receiveTimeout time.Duration
}

// New creates a bridge from cfg, applying defaults for unset fields.
func New(cfg Config) *Bridge {
	b := &Bridge{
		hooks:          cfg.Hooks,
		metrics:        cfg.Metrics,
		observer:       cfg.Observer,
		connect:        cfg.Connect,
		checker:        cfg.Checker,
		inputCodec:     cfg.InputCodec,
		targetRate:     cfg.TargetRate,
		receiveTimeout: cfg.ReceiveTimeout,
	}
	if b.hooks == nil {
		b.hooks = NopHooks{}
	}
	if b.metrics == nil {
		b.metrics = NewMetricsRecorder()
	}
	if b.observer == nil {
		b.observer = NopObserver{}
	}
	if b.connect == nil {
		b.connect = defaultConnect
	}
	if b.inputCodec.Name == "" {
		b.inputCodec = media.CodecPCMU
	}
	if b.targetRate <= 0 {
		b.targetRate = 24000
	}
	if b.receiveTimeout < 100*time.Millisecond {
		b.receiveTimeout = 500 * time.Millisecond
	}
	return b
}

// Run opens the Realtime session and pumps both directions until the call
// ends, the model ends the session, or either side fails. It always
// returns stats and always fires the teardown hooks.
func (b *Bridge) Run(params RunParams) Stats {
	slog.Info("[Bridge] Opening realtime voice session",
		"model", params.Model, "voice", params.Voice)

	start := time.Now()

	var (
		mu            sync.Mutex
		inboundBytes  int
		outboundBytes int
		transcripts   []realtime.TranscriptEntry
		runErr        error
	)
	stop := make(chan struct{})
	var stopOnce sync.Once
	requestStop := func() { stopOnce.Do(func() { close(stop) }) }

	setErr := func(err error) {
		mu.Lock()
		if runErr == nil {
			runErr = err
		}
		mu.Unlock()
	}

	shouldContinue := func() bool {
		select {
		case <-stop:
			return false
		default:
		}
		return b.checkSession()
	}

	client, err := b.connect(params.Model, params.ClientSecret, params.APIBase, b.receiveTimeout)
	if err != nil {
		setErr(fmt.Errorf("failed to open realtime session: %w", err))
		b.observer.SessionError("failed to open realtime session")
		return b.finish(start, inboundBytes, outboundBytes, transcripts, runErr)
	}

	if err := client.SendSessionUpdate(realtime.SessionConfig{
		Model:        params.Model,
		Instructions: params.Instructions,
		Voice:        params.Voice,
	}); err != nil {
		setErr(fmt.Errorf("failed to send session.update: %w", err))
		b.observer.SessionError("failed to configure realtime session")
		client.Close()
		return b.finish(start, inboundBytes, outboundBytes, transcripts, runErr)
	}

	// The session is live: hand the client to the observer so browser
	// listeners share this connection instead of dialing their own.
	b.observer.SessionOpened(client)

	if params.SpeakFirst {
		if err := client.CreateResponse(); err != nil {
			slog.Debug("[Bridge] speak-first response.create failed", "error", err)
		}
	}

	var wg sync.WaitGroup
	wg.Add(2)

	// Inbound pump: caller RTP -> model input buffer.
	go func() {
		defer wg.Done()
		defer requestStop()

		appended := false
		for packet := range params.RTPStream {
			pcm := b.decodePacket(packet)
			if len(pcm) == 0 {
				continue
			}
			mu.Lock()
			inboundBytes += len(pcm)
			mu.Unlock()
			if err := client.AppendAudio(pcm); err != nil {
				slog.Debug("[Bridge] Audio append failed", "error", err)
				break
			}
			appended = true
			if !shouldContinue() {
				break
			}
		}

		// Server VAD owns turn-taking; the only manual commit is the
		// final one, in case the call ends while the user is speaking.
		if appended {
			if err := client.CommitInput(); err != nil {
				slog.Debug("[Bridge] Final input commit failed", "error", err)
			}
		}
	}()

	// Outbound pump: model events -> caller RTP + transcript assembly.
	go func() {
		defer wg.Done()
		defer requestStop()

		transcriptBuffers := make(map[string][]string)

		for {
			event, timedOut, err := client.ReadEvent()
			if timedOut {
				if !shouldContinue() {
					return
				}
				continue
			}
			if err != nil {
				var malformed *realtime.ErrMalformedFrame
				if errors.As(err, &malformed) {
					slog.Debug("[Bridge] Skipping malformed realtime frame", "reason", malformed.Reason)
					if !shouldContinue() {
						return
					}
					continue
				}
				setErr(&BridgeError{Message: "websocket transport error"})
				b.observer.SessionError("websocket transport error")
				slog.Error("[Bridge] Realtime transport error", "error", err)
				return
			}

			switch event.Kind {
			case realtime.EventSessionEnded:
				return
			case realtime.EventError:
				setErr(&BridgeError{Message: event.ErrorMessage})
				b.observer.SessionError(event.ErrorMessage)
				return
			case realtime.EventSpeechStarted:
				slog.Debug("[Bridge] Caller speech detected, model interrupts automatically")
			case realtime.EventSpeechStopped:
				slog.Debug("[Bridge] Caller speech ended")
			case realtime.EventResponseCancelled:
				slog.Debug("[Bridge] Model response cancelled after interruption")
				b.observer.AudioInterrupted(event.ResponseID)
			case realtime.EventAudioDelta:
				if len(event.Audio) > 0 {
					mu.Lock()
					outboundBytes += len(event.Audio)
					mu.Unlock()
					params.SendToPeer(event.Audio)
					b.observer.AudioDelta(event.ResponseID, event.Audio)
				}
			case realtime.EventTranscriptDelta:
				if event.ResponseID != "" && event.Text != "" {
					transcriptBuffers[event.ResponseID] = append(transcriptBuffers[event.ResponseID], event.Text)
				}
			case realtime.EventResponseCompleted:
				entry := flushTranscriptBuffer(transcriptBuffers, event.ResponseID)
				var added []realtime.TranscriptEntry
				if len(event.Completed) > 0 {
					added = append(added, event.Completed...)
				} else if entry != nil {
					added = append(added, *entry)
				}
				mu.Lock()
				transcripts = append(transcripts, added...)
				mu.Unlock()
				b.observer.AudioEnd(event.ResponseID)
				if len(added) > 0 {
					b.observer.TranscriptCompleted(event.ResponseID, added)
				}
			default:
				slog.Debug("[Bridge] Ignoring unknown realtime event", "type", event.Type)
			}
			// The stop flag is polled on receive timeouts and skipped
			// frames, not after each event, so that in-flight deltas
			// drain after the call leg ends.
		}
	}()

	wg.Wait()

	if err := client.Close(); err != nil {
		slog.Debug("[Bridge] Realtime websocket close failed", "error", err)
	}

	return b.finish(start, inboundBytes, outboundBytes, transcripts, runErr)
}

// checkSession polls the external predicate, staying alive when the
// predicate itself fails. Fail-open keeps the call up when a misbehaving
// hook would otherwise cut it; the failure is still surfaced in the log.
func (b *Bridge) checkSession() bool {
	if b.checker == nil {
		return true
	}
	alive := true
	func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("[Bridge] Session checker panicked, continuing", "panic", r)
				alive = true
			}
		}()
		alive = b.checker()
	}()
	return alive
}

func (b *Bridge) decodePacket(packet media.Packet) []byte {
	if len(packet.Payload) == 0 {
		return nil
	}

	switch b.inputCodec.Name {
	case "PCMU", "PCMA":
		pcm := b.inputCodec.Decode(packet.Payload)
		return media.Resample(pcm, int(b.inputCodec.SampleRate), b.targetRate)
	default:
		// Passthrough codecs (G.729) are forwarded untouched.
		return packet.Payload
	}
}

func (b *Bridge) finish(start time.Time, inbound, outbound int, transcripts []realtime.TranscriptEntry, runErr error) Stats {
	b.observer.SessionClosed()
	stats := Stats{
		Duration:           time.Since(start),
		InboundAudioBytes:  inbound,
		OutboundAudioBytes: outbound,
		Transcripts:        transcripts,
		Err:                runErr,
	}
	b.metrics.Record(stats)
	b.teardown(transcripts, runErr)

	if runErr == nil {
		slog.Info("[Bridge] Voice session finished",
			"duration", stats.Duration.Round(10*time.Millisecond),
			"audio_in", inbound,
			"audio_out", outbound,
			"transcripts", len(transcripts))
	} else {
		slog.Warn("[Bridge] Voice session finished with error",
			"duration", stats.Duration.Round(10*time.Millisecond),
			"error", runErr)
	}
	return stats
}

// teardown fires the hooks in their documented order. Hook failures are
// contained so every hook runs and resources always release.
func (b *Bridge) teardown(transcripts []realtime.TranscriptEntry, runErr error) {
	invoke := func(name string, fn func()) {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("[Bridge] Teardown hook panicked", "hook", name, "panic", r)
			}
		}()
		fn()
	}

	invoke("close_dialog", b.hooks.CloseDialog)
	invoke("clear_voice_state", b.hooks.ClearVoiceState)
	if len(transcripts) > 0 {
		invoke("resume_workflow", func() { b.hooks.ResumeWorkflow(transcripts) })
	} else if runErr != nil {
		slog.Debug("[Bridge] No transcripts after error, workflow resume skipped")
	}
}

func flushTranscriptBuffer(buffers map[string][]string, responseID string) *realtime.TranscriptEntry {
	if responseID == "" {
		return nil
	}
	parts, ok := buffers[responseID]
	if !ok {
		return nil
	}
	delete(buffers, responseID)
	combined := strings.TrimSpace(strings.Join(parts, ""))
	if combined == "" {
		return nil
	}
	return &realtime.TranscriptEntry{Role: "assistant", Text: combined}
}

