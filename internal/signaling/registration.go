package signaling

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"
)

// RegistrationStatus is the keepalive state of one account.
type RegistrationStatus string

const (
	RegistrationUnknown    RegistrationStatus = "unknown"
	RegistrationRegistered RegistrationStatus = "registered"
	RegistrationFailed     RegistrationStatus = "failed"
)

// Registrar keeps the gateway's SIP accounts registered against their
// upstream registrars so the trunk can route calls in.
type Registrar struct {
	client      *sipgo.Client
	accounts    *AccountTable
	contactHost string
	contactPort int
	interval    time.Duration

	mu     sync.Mutex
	states map[int64]RegistrationStatus
}

// NewRegistrar creates a registrar over the server's SIP client.
func NewRegistrar(client *sipgo.Client, accounts *AccountTable, contactHost string, contactPort int, interval time.Duration) *Registrar {
	if interval <= 0 {
		interval = 300 * time.Second
	}
	return &Registrar{
		client:      client,
		accounts:    accounts,
		contactHost: contactHost,
		contactPort: contactPort,
		interval:    interval,
		states:      make(map[int64]RegistrationStatus),
	}
}

// Status returns the last observed state of one account.
func (r *Registrar) Status(accountID int64) RegistrationStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	if state, ok := r.states[accountID]; ok {
		return state
	}
	return RegistrationUnknown
}

// Run registers every active account now and re-registers on the
// configured interval until ctx is cancelled.
func (r *Registrar) Run(ctx context.Context) {
	r.registerAll(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.registerAll(ctx)
		}
	}
}

func (r *Registrar) registerAll(ctx context.Context) {
	for _, account := range r.accounts.Active() {
		if account.Registrar == "" {
			continue
		}
		status := RegistrationRegistered
		if err := r.register(ctx, account); err != nil {
			slog.Warn("[SIP] Registration failed",
				"account", account.Label, "registrar", account.Registrar, "error", err)
			status = RegistrationFailed
		} else {
			slog.Info("[SIP] Registered", "account", account.Label, "registrar", account.Registrar)
		}
		r.mu.Lock()
		r.states[account.ID] = status
		r.mu.Unlock()
	}
}

// register sends one REGISTER, answering a digest challenge when the
// registrar issues one.
func (r *Registrar) register(ctx context.Context, account Account) error {
	recipientStr := "sip:" + account.Registrar
	var recipient sip.Uri
	if err := sip.ParseUri(recipientStr, &recipient); err != nil {
		return fmt.Errorf("parsing registrar uri: %w", err)
	}

	buildRegister := func() *sip.Request {
		req := sip.NewRequest(sip.REGISTER, recipient)
		aor := fmt.Sprintf("<sip:%s@%s>", account.Username, recipient.Host)
		req.AppendHeader(sip.NewHeader("From", aor))
		req.AppendHeader(sip.NewHeader("To", aor))
		req.AppendHeader(sip.NewHeader("Contact",
			fmt.Sprintf("<sip:%s@%s:%d>", account.Username, r.contactHost, r.contactPort)))
		req.AppendHeader(sip.NewHeader("Expires", fmt.Sprintf("%d", int(r.interval.Seconds())+60)))
		return req
	}

	req := buildRegister()
	tx, err := r.client.TransactionRequest(ctx, req, sipgo.ClientRequestBuild)
	if err != nil {
		return fmt.Errorf("sending register: %w", err)
	}
	res, err := awaitResponse(ctx, tx)
	tx.Terminate()
	if err != nil {
		return err
	}

	if res.StatusCode == 401 || res.StatusCode == 407 {
		authHeader := "WWW-Authenticate"
		authzHeader := "Authorization"
		if res.StatusCode == 407 {
			authHeader = "Proxy-Authenticate"
			authzHeader = "Proxy-Authorization"
		}

		challengeHdr := res.GetHeader(authHeader)
		if challengeHdr == nil {
			return fmt.Errorf("received %d without %s header", res.StatusCode, authHeader)
		}
		challenge, err := digest.ParseChallenge(challengeHdr.Value())
		if err != nil {
			return fmt.Errorf("parsing auth challenge: %w", err)
		}
		cred, err := digest.Digest(challenge, digest.Options{
			Method:   req.Method.String(),
			URI:      recipientStr,
			Username: account.Username,
			Password: account.Password,
		})
		if err != nil {
			return fmt.Errorf("computing digest: %w", err)
		}

		authReq := buildRegister()
		authReq.AppendHeader(sip.NewHeader(authzHeader, cred.String()))

		tx2, err := r.client.TransactionRequest(ctx, authReq, sipgo.ClientRequestBuild)
		if err != nil {
			return fmt.Errorf("sending authenticated register: %w", err)
		}
		res, err = awaitResponse(ctx, tx2)
		tx2.Terminate()
		if err != nil {
			return err
		}
	}

	if res.StatusCode != 200 {
		return fmt.Errorf("register failed with status %d %s", res.StatusCode, res.Reason)
	}
	return nil
}

func awaitResponse(ctx context.Context, tx sip.ClientTransaction) (*sip.Response, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res, ok := <-tx.Responses():
		if !ok {
			return nil, fmt.Errorf("transaction closed before response")
		}
		if res.StatusCode == 100 || res.StatusCode == 180 {
			return awaitResponse(ctx, tx)
		}
		return res, nil
	}
}
