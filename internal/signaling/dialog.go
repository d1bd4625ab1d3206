// Package signaling runs the SIP side of the gateway: INVITE intake,
// dialog tracking, and trunk registration.
package signaling

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
)

// DialogState tracks where an inbound dialog is in its lifecycle.
type DialogState int

const (
	StateCreated DialogState = iota
	StateEarly
	StateWaitingACK
	StateConfirmed
	StateTerminated
)

func (s DialogState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateEarly:
		return "early"
	case StateWaitingACK:
		return "waiting_ack"
	case StateConfirmed:
		return "confirmed"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Dialog is one inbound call leg.
type Dialog struct {
	CallID        string
	InviteRequest *sip.Request
	Transaction   sip.ServerTransaction

	mu      sync.Mutex
	state   DialogState
	session *sipgo.DialogServerSession
	onBye   func()
}

// NewDialog wraps an INVITE transaction.
func NewDialog(req *sip.Request, tx sip.ServerTransaction) *Dialog {
	callID := ""
	if req.CallID() != nil {
		callID = string(*req.CallID())
	}
	return &Dialog{
		CallID:        callID,
		InviteRequest: req,
		Transaction:   tx,
		state:         StateCreated,
	}
}

// State returns the current dialog state.
func (d *Dialog) State() DialogState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Dialog) setState(state DialogState) {
	d.mu.Lock()
	d.state = state
	d.mu.Unlock()
}

// OnBye registers the teardown callback fired when the peer hangs up.
func (d *Dialog) OnBye(fn func()) {
	d.mu.Lock()
	d.onBye = fn
	d.mu.Unlock()
}

func (d *Dialog) fireBye() {
	d.mu.Lock()
	fn := d.onBye
	d.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Reply sends a non-2xx response on the INVITE transaction.
func (d *Dialog) Reply(status int, reason string) error {
	resp := sip.NewResponseFromRequest(d.InviteRequest, sip.StatusCode(status), reason, nil)
	return d.Transaction.Respond(resp)
}

// SendTrying sends 100 Trying.
func (d *Dialog) SendTrying() error {
	if err := d.Reply(100, "Trying"); err != nil {
		return fmt.Errorf("failed to send 100 Trying: %w", err)
	}
	d.setState(StateEarly)
	slog.Debug("[Dialog] Sent 100 Trying", "call_id", d.CallID)
	return nil
}

// SendRinging sends 180 Ringing.
func (d *Dialog) SendRinging() error {
	if err := d.Reply(180, "Ringing"); err != nil {
		return fmt.Errorf("failed to send 180 Ringing: %w", err)
	}
	slog.Debug("[Dialog] Sent 180 Ringing", "call_id", d.CallID)
	return nil
}

// Answer creates the sipgo dialog session and sends 200 OK with the SDP
// answer.
func (d *Dialog) Answer(dialogUA *sipgo.DialogUA, sdpBody []byte) error {
	session, err := dialogUA.ReadInvite(d.InviteRequest, d.Transaction)
	if err != nil {
		return fmt.Errorf("failed to create dialog session: %w", err)
	}
	d.mu.Lock()
	d.session = session
	d.mu.Unlock()

	if err := session.RespondSDP(sdpBody); err != nil {
		_ = session.Close()
		return fmt.Errorf("failed to send 200 OK: %w", err)
	}
	d.setState(StateWaitingACK)
	slog.Info("[Dialog] Sent 200 OK", "call_id", d.CallID)
	return nil
}

// ReadAck confirms the dialog when the caller ACKs the answer.
func (d *Dialog) ReadAck(req *sip.Request, tx sip.ServerTransaction) {
	d.mu.Lock()
	session := d.session
	state := d.state
	d.mu.Unlock()

	if state == StateConfirmed {
		slog.Debug("[Dialog] ACK retransmission ignored", "call_id", d.CallID)
		return
	}
	if session != nil {
		if err := session.ReadAck(req, tx); err != nil {
			slog.Warn("[Dialog] Failed to read ACK", "call_id", d.CallID, "error", err)
		}
	}
	d.setState(StateConfirmed)
	slog.Info("[Dialog] Confirmed (ACK received)", "call_id", d.CallID)
}

// ReadBye absorbs the peer's BYE and fires the teardown callback.
func (d *Dialog) ReadBye(req *sip.Request, tx sip.ServerTransaction) {
	d.mu.Lock()
	session := d.session
	d.mu.Unlock()

	if session != nil {
		if err := session.ReadBye(req, tx); err != nil {
			slog.Warn("[Dialog] Failed to read BYE", "call_id", d.CallID, "error", err)
		}
	} else {
		resp := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
		if err := tx.Respond(resp); err != nil {
			slog.Error("[Dialog] Failed to respond to BYE", "call_id", d.CallID, "error", err)
		}
	}
	d.setState(StateTerminated)
	d.fireBye()
}

// Hangup sends BYE toward the peer. Idempotent: a terminated dialog is
// left alone.
func (d *Dialog) Hangup(ctx context.Context) {
	d.mu.Lock()
	if d.state == StateTerminated {
		d.mu.Unlock()
		return
	}
	d.state = StateTerminated
	session := d.session
	d.mu.Unlock()

	if session == nil {
		return
	}
	if err := session.Bye(ctx); err != nil {
		slog.Debug("[Dialog] BYE send failed", "call_id", d.CallID, "error", err)
	}
	_ = session.Close()
}
