package signaling

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
)

// InviteHandler receives admitted INVITE dialogs. The handler owns the
// rest of the call lifecycle; the server only tracks the dialog and
// routes in-dialog requests back to it.
type InviteHandler func(dialog *Dialog, req *sip.Request)

// ServerConfig configures the SIP listener.
type ServerConfig struct {
	BindAddr      string
	Port          int
	AdvertiseAddr string
}

// Server is the SIP user agent of the gateway.
type Server struct {
	cfg ServerConfig

	ua       *sipgo.UserAgent
	srv      *sipgo.Server
	client   *sipgo.Client
	dialogUA *sipgo.DialogUA

	mu      sync.Mutex
	dialogs map[string]*Dialog

	inviteHandler InviteHandler
}

// NewServer builds the sipgo stack.
func NewServer(cfg ServerConfig) (*Server, error) {
	ua, err := sipgo.NewUA()
	if err != nil {
		return nil, fmt.Errorf("failed to create user agent: %w", err)
	}
	uas, err := sipgo.NewServer(ua)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("failed to create server: %w", err)
	}
	uac, err := sipgo.NewClient(ua)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("failed to create client: %w", err)
	}

	contact := sip.ContactHeader{
		Address: sip.Uri{
			Scheme: "sip",
			User:   "voicegate",
			Host:   cfg.AdvertiseAddr,
			Port:   cfg.Port,
		},
	}
	dialogUA := &sipgo.DialogUA{
		Client:     uac,
		ContactHDR: contact,
	}

	s := &Server{
		cfg:      cfg,
		ua:       ua,
		srv:      uas,
		client:   uac,
		dialogUA: dialogUA,
		dialogs:  make(map[string]*Dialog),
	}

	uas.OnInvite(s.onInvite)
	uas.OnAck(s.onAck)
	uas.OnBye(s.onBye)
	uas.OnCancel(s.onCancel)
	uas.OnOptions(s.onOptions)

	return s, nil
}

// SetInviteHandler installs the call admission handler. Must be set
// before ListenAndServe.
func (s *Server) SetInviteHandler(handler InviteHandler) {
	s.inviteHandler = handler
}

// DialogUA exposes the dialog UA for answering calls.
func (s *Server) DialogUA() *sipgo.DialogUA {
	return s.dialogUA
}

// Client exposes the SIP client for out-of-dialog requests (REGISTER).
func (s *Server) Client() *sipgo.Client {
	return s.client
}

// ListenAndServe blocks serving SIP on UDP until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.BindAddr, s.cfg.Port)
	slog.Info("[SIP] Listening", "addr", addr)
	return s.srv.ListenAndServe(ctx, "udp", addr)
}

// Close shuts the SIP stack down.
func (s *Server) Close() error {
	return s.ua.Close()
}

// GetDialog returns the dialog for a Call-ID, if any.
func (s *Server) GetDialog(callID string) *Dialog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dialogs[callID]
}

// RemoveDialog forgets a dialog after teardown.
func (s *Server) RemoveDialog(callID string) {
	s.mu.Lock()
	delete(s.dialogs, callID)
	s.mu.Unlock()
}

func (s *Server) onInvite(req *sip.Request, tx sip.ServerTransaction) {
	slog.Info("[SIP] Received INVITE",
		"from", req.From().Address.String(),
		"to", req.To().Address.String(),
		"call_id", req.CallID())

	dialog := NewDialog(req, tx)
	if dialog.CallID == "" {
		resp := sip.NewResponseFromRequest(req, sip.StatusBadRequest, "Bad Request", nil)
		_ = tx.Respond(resp)
		return
	}

	s.mu.Lock()
	if existing, ok := s.dialogs[dialog.CallID]; ok && existing.State() != StateTerminated {
		s.mu.Unlock()
		// Concurrent INVITE with the same Call-ID: reject the newcomer.
		slog.Warn("[SIP] Duplicate INVITE rejected", "call_id", dialog.CallID)
		resp := sip.NewResponseFromRequest(req, sip.StatusBusyHere, "Busy Here", nil)
		_ = tx.Respond(resp)
		return
	}
	s.dialogs[dialog.CallID] = dialog
	s.mu.Unlock()

	if s.inviteHandler == nil {
		slog.Error("[SIP] No invite handler installed")
		resp := sip.NewResponseFromRequest(req, sip.StatusInternalServerError, "Server Internal Error", nil)
		_ = tx.Respond(resp)
		s.RemoveDialog(dialog.CallID)
		return
	}

	go s.inviteHandler(dialog, req)
}

func (s *Server) onAck(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDOf(req)
	dialog := s.GetDialog(callID)
	if dialog == nil {
		slog.Debug("[SIP] ACK for unknown dialog", "call_id", callID)
		return
	}
	dialog.ReadAck(req, tx)
}

func (s *Server) onBye(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDOf(req)
	slog.Info("[SIP] BYE received", "call_id", callID)

	dialog := s.GetDialog(callID)
	if dialog == nil {
		resp := sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil)
		_ = tx.Respond(resp)
		return
	}
	dialog.ReadBye(req, tx)
	s.RemoveDialog(callID)
}

func (s *Server) onCancel(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDOf(req)
	slog.Info("[SIP] CANCEL received", "call_id", callID)

	dialog := s.GetDialog(callID)
	if dialog == nil {
		resp := sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil)
		_ = tx.Respond(resp)
		return
	}

	resp := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	_ = tx.Respond(resp)
	terminated := sip.NewResponseFromRequest(dialog.InviteRequest, 487, "Request Terminated", nil)
	_ = dialog.Transaction.Respond(terminated)

	dialog.setState(StateTerminated)
	dialog.fireBye()
	s.RemoveDialog(callID)
}

func (s *Server) onOptions(req *sip.Request, tx sip.ServerTransaction) {
	resp := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	_ = tx.Respond(resp)
}

func callIDOf(req *sip.Request) string {
	if req.CallID() != nil {
		return string(*req.CallID())
	}
	return ""
}
