package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/sebas/voicegate/internal/bridge"
	"github.com/sebas/voicegate/internal/gateway"
	"github.com/sebas/voicegate/internal/media"
	"github.com/sebas/voicegate/internal/media/portpool"
	"github.com/sebas/voicegate/internal/realtime"
	"github.com/sebas/voicegate/internal/registry"
	"github.com/sebas/voicegate/internal/sdp"
	"github.com/sebas/voicegate/internal/signaling"
	"github.com/sebas/voicegate/internal/store"
	"github.com/sebas/voicegate/internal/workflow"
)

// rejection is the explicit failure arm of call admission: the SIP layer
// turns it into the matching status response.
type rejection struct {
	status int
	reason string
}

// SecretMinter mints realtime client secrets. *realtime.Minter satisfies
// it; tests inject fakes.
type SecretMinter interface {
	Mint(ctx context.Context, req realtime.MintRequest) (*realtime.ClientSecret, error)
}

// SessionNotifier is the gateway surface the runtime talks to.
type SessionNotifier interface {
	RegisterSession(handle *registry.Handle)
	UnregisterSession(sessionID string)
}

// Config wires the runtime's collaborators.
type Config struct {
	Accounts *signaling.AccountTable
	Resolver *workflow.Resolver
	Minter   SecretMinter
	Registry *registry.Registry
	Gateway  SessionNotifier
	Threads  store.ThreadStore
	Metrics  *bridge.MetricsRecorder
	PortPool *portpool.PortPool

	MediaHost       string // address bound and advertised for RTP
	PreferredCodecs []string
	APIBase         string
	APIKey          string
	PublicBaseURL   string

	// BridgeConnect lets tests replace the realtime dialer used by call
	// bridges.
	BridgeConnect bridge.ConnectFunc
}

// Runtime keeps one CallSession per Call-ID and drives each call from
// INVITE to teardown.
type Runtime struct {
	accounts *signaling.AccountTable
	resolver *workflow.Resolver
	minter   SecretMinter
	registry *registry.Registry
	gateway  SessionNotifier
	threads  store.ThreadStore
	metrics  *bridge.MetricsRecorder
	portPool *portpool.PortPool

	mediaHost       string
	preferredCodecs []string
	apiBase         string
	apiKey          string
	publicBaseURL   string
	bridgeConnect   bridge.ConnectFunc

	server *signaling.Server

	mu    sync.Mutex
	calls map[string]*CallSession
}

// New creates the runtime. Attach it to a signaling server before
// serving.
func New(cfg Config) *Runtime {
	preferred := cfg.PreferredCodecs
	if len(preferred) == 0 {
		preferred = []string{"pcmu", "g729"}
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = bridge.NewMetricsRecorder()
	}
	return &Runtime{
		accounts:        cfg.Accounts,
		resolver:        cfg.Resolver,
		minter:          cfg.Minter,
		registry:        cfg.Registry,
		gateway:         cfg.Gateway,
		threads:         cfg.Threads,
		metrics:         metrics,
		portPool:        cfg.PortPool,
		mediaHost:       cfg.MediaHost,
		preferredCodecs: preferred,
		apiBase:         cfg.APIBase,
		apiKey:          cfg.APIKey,
		publicBaseURL:   cfg.PublicBaseURL,
		bridgeConnect:   cfg.BridgeConnect,
		calls:           make(map[string]*CallSession),
	}
}

// SetGateway installs the session notifier. Split from New because the
// gateway needs the runtime's session closer first.
func (r *Runtime) SetGateway(gw SessionNotifier) {
	r.gateway = gw
}

// Attach installs the runtime as the server's invite handler.
func (r *Runtime) Attach(server *signaling.Server) {
	r.server = server
	server.SetInviteHandler(r.HandleInvite)
}

// Metrics exposes the bridge metrics aggregate.
func (r *Runtime) Metrics() *bridge.MetricsRecorder {
	return r.metrics
}

// HandleInvite drives one inbound call. It runs on its own goroutine per
// call.
func (r *Runtime) HandleInvite(dialog *signaling.Dialog, req *sip.Request) {
	if err := dialog.SendTrying(); err != nil {
		slog.Error("[Invite] Failed to send 100 Trying", "call_id", dialog.CallID, "error", err)
		r.forgetDialog(dialog)
		return
	}

	call, rej := r.admitCall(dialog, req)
	if rej != nil {
		slog.Warn("[Invite] Call rejected",
			"call_id", dialog.CallID, "status", rej.status, "reason", rej.reason)
		if err := dialog.Reply(rej.status, rej.reason); err != nil {
			slog.Debug("[Invite] Rejection reply failed", "call_id", dialog.CallID, "error", err)
		}
		r.forgetDialog(dialog)
		return
	}

	r.runCall(call)
}

// admitCall performs every step that can still reject the call: SDP
// parsing, account lookup, workflow resolution, codec negotiation, and
// RTP allocation. It returns either an admitted session or the SIP
// status to answer with.
func (r *Runtime) admitCall(dialog *signaling.Dialog, req *sip.Request) (*CallSession, *rejection) {
	offer, err := sdp.ParseOffer(req.Body())
	if err != nil {
		slog.Warn("[Invite] Unusable SDP offer", "call_id", dialog.CallID, "error", err)
		return nil, &rejection{status: 400, reason: "Bad Request"}
	}

	username := extractToUsername(req)
	account, ok := r.accounts.ResolveByUsername(username)
	if !ok {
		slog.Warn("[Invite] No SIP account for To username",
			"call_id", dialog.CallID, "username", username)
		return nil, &rejection{status: 404, reason: "Not Found"}
	}

	calledNumber := extractCalledNumber(req)
	slog.Info("[Invite] Call admitted for routing",
		"call_id", dialog.CallID,
		"number", calledNumber,
		"account", account.Label)

	callCtx, err := r.resolver.Resolve(calledNumber, account.ID)
	if err != nil {
		if errors.Is(err, workflow.ErrNoRoute) {
			return nil, &rejection{status: 404, reason: "Not Found"}
		}
		slog.Error("[Invite] Workflow resolution failed", "call_id", dialog.CallID, "error", err)
		return nil, &rejection{status: 500, reason: "Server Internal Error"}
	}

	codec, ok := sdp.SelectCodec(offer, r.preferredCodecs)
	if !ok {
		slog.Warn("[Invite] No common codec", "call_id", dialog.CallID, "payloads", offer.Payloads)
		return nil, &rejection{status: 603, reason: "Decline"}
	}

	mediaCodec, err := media.CodecByName(codec.Name)
	if err != nil {
		return nil, &rejection{status: 603, reason: "Decline"}
	}

	localPort := 0
	pooled := false
	if r.portPool != nil {
		rtpPort, _, err := r.portPool.Allocate()
		if err != nil {
			slog.Error("[Invite] RTP port pool exhausted", "call_id", dialog.CallID, "error", err)
			return nil, &rejection{status: 500, reason: "Server Internal Error"}
		}
		localPort = rtpPort
		pooled = true
	}

	endpoint := media.NewEndpoint(media.EndpointConfig{
		LocalHost:  r.mediaHost,
		LocalPort:  localPort,
		RemoteHost: offer.RemoteHost,
		RemotePort: offer.RemotePort,
		Codec:      mediaCodec,
	})
	actualPort, err := endpoint.Start()
	if err != nil {
		slog.Error("[Invite] Failed to start RTP endpoint", "call_id", dialog.CallID, "error", err)
		if pooled {
			r.portPool.Release(localPort)
		}
		return nil, &rejection{status: 500, reason: "Server Internal Error"}
	}

	call := &CallSession{
		CallID:     dialog.CallID,
		SessionID:  uuid.New().String(),
		Dialog:     dialog,
		Endpoint:   endpoint,
		Context:    callCtx,
		rtpPort:    actualPort,
		pooledPort: pooled,
		runtime:    r,
	}
	r.mu.Lock()
	r.calls[dialog.CallID] = call
	r.mu.Unlock()

	// Selected codec kept on the call session for the SDP answer.
	call.selectedCodec = codec
	return call, nil
}

// runCall takes an admitted call through ringing, model warm-up, answer,
// and the bridge, then releases everything.
func (r *Runtime) runCall(call *CallSession) {
	dialog := call.Dialog
	callCtx := call.Context

	defer func() {
		call.releaseMedia()
		r.removeCall(call)
	}()

	if err := dialog.SendRinging(); err != nil {
		slog.Error("[Invite] Failed to send 180 Ringing", "call_id", call.CallID, "error", err)
		return
	}

	// The model handshake runs while the caller hears ringing, hiding
	// its latency behind the ring delay.
	type mintResult struct {
		secret *realtime.ClientSecret
		err    error
	}
	mintCh := make(chan mintResult, 1)
	go func() {
		tools := append([]workflow.Tool{}, callCtx.Tools...)
		tools = append(tools, transferCallTool())
		secret, err := r.minter.Mint(context.Background(), realtime.MintRequest{
			Model:        callCtx.Model,
			Instructions: callCtx.Instructions,
			Voice:        callCtx.Voice,
			Tools:        tools,
			APIBase:      r.apiBase,
			APIKey:       r.apiKey,
		})
		mintCh <- mintResult{secret: secret, err: err}
	}()

	if callCtx.RingTimeoutSeconds > 0 {
		slog.Info("[Invite] Ringing before answer",
			"call_id", call.CallID, "seconds", callCtx.RingTimeoutSeconds)
		time.Sleep(time.Duration(callCtx.RingTimeoutSeconds * float64(time.Second)))
	}

	mint := <-mintCh
	if mint.err != nil {
		slog.Error("[Invite] Client secret mint failed", "call_id", call.CallID, "error", mint.err)
		_ = dialog.Reply(500, "Server Internal Error")
		return
	}

	answer := sdp.BuildAnswer(r.mediaHost, call.Endpoint.LocalPort(), call.selectedCodec)
	if answer == nil {
		_ = dialog.Reply(500, "Server Internal Error")
		return
	}
	if err := dialog.Answer(r.server.DialogUA(), answer); err != nil {
		slog.Error("[Invite] Failed to answer call", "call_id", call.CallID, "error", err)
		return
	}
	call.Endpoint.SendSilencePacket()

	r.prepareThread(call, mint.secret)

	handle := &registry.Handle{
		SessionID:    call.SessionID,
		ClientSecret: mint.secret.Value,
		Metadata: registry.Metadata{
			UserID:       "sip:" + call.CallID,
			Model:        callCtx.Model,
			Voice:        callCtx.Voice,
			Instructions: callCtx.Instructions,
			ThreadID:     call.ThreadID,
			ProviderID:   callCtx.ProviderID,
			ProviderSlug: callCtx.ProviderSlug,
			Tools:        callCtx.Tools,
			Extras: map[string]any{
				"call_id":           call.CallID,
				"incoming_number":   callCtx.NormalizedNumber,
				"secret_expires_at": mint.secret.ExpiresAt,
			},
		},
	}
	// The driver shares the bridge's realtime session with the gateway:
	// it must exist before the handle is visible so the gateway's pump
	// finds it on activation.
	call.driver = newCallDriver(call)

	r.registry.Add(handle)
	if r.gateway != nil {
		r.gateway.RegisterSession(handle)
	}

	// BYE from the peer ends the inbound packet stream, which winds the
	// bridge down.
	dialog.OnBye(func() {
		slog.Info("[Invite] Peer hangup", "call_id", call.CallID)
		call.Endpoint.Stop()
	})

	call.voiceActive.Store(true)
	slog.Info("[Invite] Starting voice bridge",
		"call_id", call.CallID,
		"model", callCtx.Model,
		"voice", callCtx.Voice,
		"session_id", call.SessionID)

	voiceBridge := bridge.New(bridge.Config{
		Hooks:      callHooks{call: call},
		Metrics:    r.metrics,
		Observer:   call.driver,
		Connect:    r.bridgeConnect,
		Checker:    call.VoiceActive,
		InputCodec: call.Endpoint.Codec(),
	})
	stats := voiceBridge.Run(bridge.RunParams{
		ClientSecret: mint.secret.Value,
		Model:        callCtx.Model,
		Instructions: callCtx.Instructions,
		Voice:        callCtx.Voice,
		APIBase:      r.apiBase,
		SpeakFirst:   callCtx.SpeakFirst,
		RTPStream:    call.Endpoint.Packets(),
		SendToPeer:   call.Endpoint.SendAudio,
	})

	slog.Info("[Invite] Voice bridge finished",
		"call_id", call.CallID,
		"duration", stats.Duration.Round(10*time.Millisecond),
		"transcripts", len(stats.Transcripts),
		"error", stats.Err)

	r.registry.Remove(call.SessionID, "")
	if r.gateway != nil {
		r.gateway.UnregisterSession(call.SessionID)
	}
}

// prepareThread creates the thread and serialized voice wait state that
// let the chat UI resume this call later.
func (r *Runtime) prepareThread(call *CallSession, secret *realtime.ClientSecret) {
	if r.threads == nil {
		return
	}

	ctx := r.storeContext(call)
	threadID := uuid.New().String()
	thread := &store.Thread{
		ID:        threadID,
		CreatedAt: time.Now().UTC(),
		Metadata: map[string]any{
			"sip_caller_number":   call.Context.NormalizedNumber,
			"sip_original_number": call.Context.OriginalNumber,
			"sip_call_id":         call.CallID,
		},
	}

	voiceEvent := map[string]any{
		"type": "realtime.event",
		"step": map[string]any{
			"slug":  "sip-voice-session",
			"title": "SIP call",
		},
		"event": map[string]any{
			"type":       "history",
			"session_id": call.SessionID,
			"session": map[string]any{
				"model":        call.Context.Model,
				"voice":        call.Context.Voice,
				"instructions": call.Context.Instructions,
			},
		},
	}
	thread.WaitState = &store.WaitState{
		Type:               "voice",
		VoiceEvent:         voiceEvent,
		VoiceEventConsumed: false,
	}

	if err := r.threads.SaveThread(thread, ctx); err != nil {
		slog.Error("[Invite] Thread creation failed", "call_id", call.CallID, "error", err)
		return
	}
	call.ThreadID = threadID
	slog.Info("[Invite] Thread created", "call_id", call.CallID, "thread_id", threadID)
}

func (r *Runtime) storeContext(call *CallSession) store.Context {
	return store.Context{
		UserID:        "sip:" + call.CallID,
		PublicBaseURL: r.publicBaseURL,
	}
}

// SessionDriver returns the gateway driver of the live call behind a
// handle. It is the gateway's DriverFactory: every browser listener of
// a call session is fed from the call's own realtime connection.
func (r *Runtime) SessionDriver(handle *registry.Handle) (gateway.SessionDriver, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, call := range r.calls {
		if call.SessionID == handle.SessionID && call.driver != nil {
			return call.driver, nil
		}
	}
	return nil, fmt.Errorf("no live call for session %s", handle.SessionID)
}

// CloseVoiceSession hangs up the call behind a session id. Used by the
// gateway's finalize path; unknown ids are ignored.
func (r *Runtime) CloseVoiceSession(sessionID string) {
	r.mu.Lock()
	var target *CallSession
	for _, call := range r.calls {
		if call.SessionID == sessionID {
			target = call
			break
		}
	}
	r.mu.Unlock()

	if target == nil {
		return
	}
	slog.Info("[Invite] Closing voice session", "session_id", sessionID, "call_id", target.CallID)
	target.voiceActive.Store(false)
	target.Endpoint.Stop()
}

// ActiveCalls returns the number of live call sessions.
func (r *Runtime) ActiveCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (r *Runtime) removeCall(call *CallSession) {
	r.mu.Lock()
	delete(r.calls, call.CallID)
	r.mu.Unlock()
	if r.server != nil {
		r.server.RemoveDialog(call.CallID)
	}
}

func (r *Runtime) forgetDialog(dialog *signaling.Dialog) {
	if r.server != nil {
		r.server.RemoveDialog(dialog.CallID)
	}
}
