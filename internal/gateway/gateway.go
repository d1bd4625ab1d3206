package gateway

import (
	"encoding/base64"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/sebas/voicegate/internal/realtime"
	"github.com/sebas/voicegate/internal/registry"
	"github.com/sebas/voicegate/internal/store"
)

// strictB64 mirrors the provider-side decoder: malformed browser audio is
// rejected, not tolerated.
var strictB64 = base64.StdEncoding.Strict()

// SessionCloser tears down the underlying voice session (hangs up the
// call leg, closes the model socket). Injected by the runtime.
type SessionCloser func(sessionID string)

// Config wires the gateway's collaborators.
type Config struct {
	Registry  *registry.Registry
	Factory   DriverFactory
	Finalizer store.Finalizer
	// CloseSession is invoked on finalize, before the session is
	// unregistered. Optional.
	CloseSession SessionCloser
	PublicBaseURL string
}

// Gateway multiplexes N browser connections onto M live voice sessions.
type Gateway struct {
	mu              sync.Mutex
	sessions        map[string]*sessionState
	userConnections map[string]map[*Connection]struct{}

	registry      *registry.Registry
	factory       DriverFactory
	finalizer     store.Finalizer
	closeSession  SessionCloser
	publicBaseURL string

	upgrader websocket.Upgrader
}

// New creates a gateway.
func New(cfg Config) *Gateway {
	return &Gateway{
		sessions:        make(map[string]*sessionState),
		userConnections: make(map[string]map[*Connection]struct{}),
		registry:        cfg.Registry,
		factory:         cfg.Factory,
		finalizer:       cfg.Finalizer,
		closeSession:    cfg.CloseSession,
		publicBaseURL:   cfg.PublicBaseURL,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// RegisterSession makes a voice session visible to its owner's browsers
// and starts its event pump: events flow from call activation onward,
// not just from the first listener.
func (g *Gateway) RegisterSession(handle *registry.Handle) {
	slog.Info("[Gateway] Registering voice session",
		"session_id", handle.SessionID, "user_id", handle.Metadata.UserID)
	state := g.getOrCreateState(handle)
	if err := state.ensureStarted(); err != nil {
		slog.Warn("[Gateway] Session pump not started",
			"session_id", handle.SessionID, "error", err)
	}
	g.broadcastToUser(state.ownerUserID, g.sessionCreatedEvent(state))
}

// UnregisterSession shuts a session down and tells browsers it closed.
func (g *Gateway) UnregisterSession(sessionID string) {
	g.mu.Lock()
	state, ok := g.sessions[sessionID]
	if ok {
		delete(g.sessions, sessionID)
	}
	g.mu.Unlock()

	if !ok {
		return
	}

	slog.Info("[Gateway] Unregistering session",
		"session_id", sessionID, "user_id", state.ownerUserID)
	state.shutdown()
	g.broadcastSessionEvent(state, Event{Type: EventSessionClosed})
}

func (g *Gateway) getOrCreateState(handle *registry.Handle) *sessionState {
	g.mu.Lock()
	defer g.mu.Unlock()

	state, ok := g.sessions[handle.SessionID]
	if !ok {
		state = newSessionState(handle, g)
		g.sessions[handle.SessionID] = state
	}
	return state
}

// RegisterConnection stores a browser connection and replays the sessions
// its user already owns.
func (g *Gateway) RegisterConnection(conn *Connection) {
	slog.Info("[Gateway] Registering connection",
		"connection_id", conn.ID, "user_id", conn.UserID())

	g.mu.Lock()
	set, ok := g.userConnections[conn.UserID()]
	if !ok {
		set = make(map[*Connection]struct{})
		g.userConnections[conn.UserID()] = set
	}
	set[conn] = struct{}{}

	var owned []*sessionState
	for _, state := range g.sessions {
		if state.ownerUserID == conn.UserID() {
			owned = append(owned, state)
		}
	}
	g.mu.Unlock()

	for _, state := range owned {
		if err := conn.SendEvent(g.sessionCreatedEvent(state)); err != nil {
			continue
		}
		if err := state.addListener(conn); err != nil {
			slog.Warn("[Gateway] Failed to attach listener",
				"session_id", state.handle.SessionID, "error", err)
		}
	}
}

// UnregisterConnection drops a connection from the user table and every
// listener set.
func (g *Gateway) UnregisterConnection(conn *Connection) {
	slog.Info("[Gateway] Unregistering connection",
		"connection_id", conn.ID, "user_id", conn.UserID())

	g.mu.Lock()
	if set, ok := g.userConnections[conn.UserID()]; ok {
		delete(set, conn)
		if len(set) == 0 {
			delete(g.userConnections, conn.UserID())
		}
	}
	states := make([]*sessionState, 0, len(g.sessions))
	for _, state := range g.sessions {
		states = append(states, state)
	}
	g.mu.Unlock()

	for _, state := range states {
		state.removeListener(conn)
	}
}

func (g *Gateway) sessionCreatedEvent(state *sessionState) Event {
	return Event{
		Type:      EventSessionCreated,
		SessionID: state.handle.SessionID,
		ThreadID:  state.threadID(),
		Session:   state.sessionPayload(),
	}
}

// broadcastToUser fans one event out to every connection of a user.
// The connection list is read under lock; writes happen outside it.
func (g *Gateway) broadcastToUser(userID string, event Event) {
	if userID == "" {
		return
	}
	g.mu.Lock()
	connections := make([]*Connection, 0, len(g.userConnections[userID]))
	for conn := range g.userConnections[userID] {
		connections = append(connections, conn)
	}
	g.mu.Unlock()

	for _, conn := range connections {
		if err := conn.SendEvent(event); err != nil {
			// A dead browser socket is simply dropped.
			g.UnregisterConnection(conn)
		}
	}
}

// broadcastSessionEvent stamps the session id and fans out to the owner.
func (g *Gateway) broadcastSessionEvent(state *sessionState, event Event) {
	if event.SessionID == "" {
		event.SessionID = state.handle.SessionID
	}
	g.broadcastToUser(state.ownerUserID, event)
}

// handleSessionStreamClosed runs when a pump drains. Closure is
// propagated on unregister, so nothing happens here.
func (g *Gateway) handleSessionStreamClosed(state *sessionState) {}

// getStateForUser returns the state for a session the user owns,
// rebuilding it from the registry if the gateway has not seen it yet.
func (g *Gateway) getStateForUser(sessionID, userID string) *sessionState {
	g.mu.Lock()
	state, ok := g.sessions[sessionID]
	g.mu.Unlock()
	if ok && state.ownerUserID == userID {
		return state
	}
	if ok {
		return nil
	}

	handle := g.registry.Get(sessionID)
	if handle == nil {
		return nil
	}
	state = g.getOrCreateState(handle)
	if state.ownerUserID != userID {
		return nil
	}
	return state
}

// HandleMessage dispatches one browser control frame.
func (g *Gateway) HandleMessage(conn *Connection, frame *ClientFrame) {
	if frame.SessionID == "" {
		conn.SendEvent(Event{Type: EventError, Error: "session_id missing"})
		slog.Warn("[Gateway] Frame without session_id",
			"connection_id", conn.ID, "frame_type", frame.Type)
		return
	}

	state := g.getStateForUser(frame.SessionID, conn.UserID())
	if state == nil {
		conn.SendEvent(Event{Type: EventError, Error: "voice session not found"})
		slog.Warn("[Gateway] Unknown session for frame",
			"session_id", frame.SessionID,
			"user_id", conn.UserID(),
			"frame_type", frame.Type)
		return
	}

	switch frame.Type {
	case FrameInputAudio:
		g.handleInputAudio(conn, state, frame)
	case FrameInterrupt:
		slog.Info("[Gateway] Interrupt",
			"session_id", frame.SessionID, "connection_id", conn.ID)
		if err := state.interrupt(); err != nil {
			conn.SendEvent(Event{Type: EventError, Error: "interrupt failed"})
		}
	case FrameFinalize:
		g.handleFinalize(conn, state, frame)
	default:
		conn.SendEvent(Event{Type: EventError, Error: "unknown message type: " + frame.Type})
	}
}

func (g *Gateway) handleInputAudio(conn *Connection, state *sessionState, frame *ClientFrame) {
	if frame.Data == "" {
		conn.SendEvent(Event{Type: EventError, Error: "audio missing"})
		return
	}
	chunk, err := strictB64.DecodeString(frame.Data)
	if err != nil {
		conn.SendEvent(Event{Type: EventError, Error: "audio invalid"})
		return
	}
	if state.shouldLogInputAudio(frame.Commit) {
		slog.Debug("[Gateway] input_audio received",
			"session_id", frame.SessionID,
			"bytes", len(chunk),
			"commit", frame.Commit)
	}
	if err := state.sendAudio(chunk, frame.Commit); err != nil {
		conn.SendEvent(Event{Type: EventError, Error: "audio forward failed"})
	}
}

func (g *Gateway) handleFinalize(conn *Connection, state *sessionState, frame *ClientFrame) {
	threadID := frame.ThreadID
	if threadID == "" {
		threadID = state.threadID()
	}
	if threadID == "" {
		conn.SendEvent(Event{Type: EventError, Error: "thread_id missing"})
		return
	}

	sessionID := state.handle.SessionID
	slog.Info("[Gateway] Finalize",
		"session_id", sessionID, "thread_id", threadID, "connection_id", conn.ID)

	transcripts := state.transcripts()

	if g.finalizer != nil {
		ctx := store.Context{
			UserID:        conn.User.ID,
			Email:         conn.User.Email,
			Authorization: conn.Authorization,
			PublicBaseURL: g.publicBaseURL,
		}
		entries := make([]realtime.TranscriptEntry, 0, len(transcripts))
		for _, t := range transcripts {
			entries = append(entries, realtime.TranscriptEntry{Role: t.Role, Text: t.Text})
		}
		if err := g.finalizer.FinalizeVoiceWaitState(threadID, entries, ctx); err != nil {
			slog.Error("[Gateway] Wait state finalize failed",
				"thread_id", threadID, "error", err)
		}
	}

	if g.closeSession != nil {
		g.closeSession(sessionID)
	}

	// Unregister is a no-op when CloseSession already removed the state;
	// the session_finalized event still goes out so browser retries stay
	// idempotent.
	g.UnregisterSession(sessionID)
	if transcripts == nil {
		transcripts = []TranscriptItem{}
	}
	g.broadcastToUser(state.ownerUserID, Event{
		Type:        EventSessionFinalized,
		SessionID:   sessionID,
		ThreadID:    threadID,
		Transcripts: transcripts,
	})
}

// ServeWS upgrades an authenticated HTTP request and serves its frames
// until the browser disconnects.
func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request, user User, authorization string) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("[Gateway] WebSocket upgrade failed", "error", err)
		return
	}
	conn := NewConnection(ws, user, authorization)
	g.Serve(conn)
}

// Serve runs the read loop of one registered connection.
func (g *Gateway) Serve(conn *Connection) {
	g.RegisterConnection(conn)
	defer g.UnregisterConnection(conn)

	for {
		_, raw, err := conn.ws.ReadMessage()
		if err != nil {
			slog.Debug("[Gateway] Connection closed",
				"connection_id", conn.ID, "error", err)
			return
		}
		frame, err := ParseClientFrame(raw)
		if err != nil {
			conn.SendEvent(Event{Type: EventError, Error: "invalid JSON message"})
			continue
		}
		g.HandleMessage(conn, frame)
	}
}

// SessionCount returns the number of sessions the gateway tracks.
func (g *Gateway) SessionCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sessions)
}

// ListenerCount returns the number of listeners on one session.
func (g *Gateway) ListenerCount(sessionID string) int {
	g.mu.Lock()
	state, ok := g.sessions[sessionID]
	g.mu.Unlock()
	if !ok {
		return 0
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	return len(state.listeners)
}
