package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// placementMode says where an optional parameter is placed in the mint
// payload. Providers disagree on where "voice" and "realtime" belong, so
// the minter walks the modes until one is accepted.
type placementMode string

const (
	modeTopLevel placementMode = "top_level"
	modeSession  placementMode = "session"
	modeNone     placementMode = "none"
)

// MintRequest describes the voice session to mint a client secret for.
type MintRequest struct {
	Model        string
	Instructions string
	Voice        string
	Tools        []map[string]any
	Realtime     map[string]any

	APIBase string
	APIKey  string
}

// ClientSecret is the minted short-lived credential.
type ClientSecret struct {
	Value     string
	ExpiresAt string
	// Raw holds the sanitized provider response for diagnostics.
	Raw map[string]any
}

// MintError reports a provider rejection of the credential request.
type MintError struct {
	StatusCode int
	Body       any // sanitized
}

func (e *MintError) Error() string {
	return fmt.Sprintf("realtime client secret request failed (status %d)", e.StatusCode)
}

// Minter requests client secrets against the provider REST endpoint.
type Minter struct {
	http *resty.Client
}

// NewMinter builds a minter. The connect timeout is bounded; the read has
// none because the provider may hold the request while provisioning.
func NewMinter() *Minter {
	client := resty.New().
		SetTimeout(0).
		SetHeader("Content-Type", "application/json").
		SetHeader("OpenAI-Beta", "realtime=v1")
	client.SetTransport(newConnectBoundedTransport(10 * time.Second))
	return &Minter{http: client}
}

// NewMinterWithClient builds a minter over a caller-supplied resty client.
// Used by tests to point at a local server.
func NewMinterWithClient(client *resty.Client) *Minter {
	return &Minter{http: client}
}

// Mint requests a client secret, reshaping the payload when the provider
// rejects "voice" or "realtime" with unknown_parameter. At most 9 attempts
// (3 voice modes x 3 realtime modes).
func (m *Minter) Mint(ctx context.Context, req MintRequest) (*ClientSecret, error) {
	endpoint, err := m.endpointURL(req.APIBase)
	if err != nil {
		return nil, err
	}

	voiceModes := []placementMode{modeNone}
	if strings.TrimSpace(req.Voice) != "" {
		voiceModes = []placementMode{modeTopLevel, modeSession, modeNone}
	}
	realtimeModes := []placementMode{modeNone}
	if len(req.Realtime) > 0 {
		realtimeModes = []placementMode{modeTopLevel, modeSession, modeNone}
	}

	var lastStatus int
	var lastBody any

	voiceIdx, realtimeIdx := 0, 0
	for {
		voiceMode := voiceModes[voiceIdx]
		realtimeMode := realtimeModes[realtimeIdx]
		payload := buildMintPayload(req, voiceMode, realtimeMode)

		slog.Debug("[Realtime] Requesting client secret",
			"voice_mode", string(voiceMode),
			"realtime_mode", string(realtimeMode))

		resp, err := m.http.R().
			SetContext(ctx).
			SetHeader("Authorization", "Bearer "+req.APIKey).
			SetBody(payload).
			Post(endpoint)
		if err != nil {
			return nil, fmt.Errorf("realtime client secret request failed: %w", err)
		}

		if resp.StatusCode() < 400 {
			var body map[string]any
			if err := json.Unmarshal(resp.Body(), &body); err != nil {
				return nil, fmt.Errorf("invalid client secret response: %w", err)
			}
			secret := extractClientSecret(body)
			if secret == "" {
				return nil, fmt.Errorf("client secret missing from provider response")
			}
			return &ClientSecret{
				Value:     secret,
				ExpiresAt: extractExpiry(body),
				Raw:       Sanitize(body).(map[string]any),
			}, nil
		}

		lastStatus = resp.StatusCode()
		var errBody map[string]any
		if err := json.Unmarshal(resp.Body(), &errBody); err != nil {
			lastBody = map[string]any{"error": string(resp.Body())}
		} else {
			lastBody = Sanitize(errBody)
		}
		slog.Error("[Realtime] Client secret request rejected",
			"status", lastStatus,
			"voice_mode", string(voiceMode),
			"realtime_mode", string(realtimeMode),
			"body", fmt.Sprint(lastBody))

		retried := false
		if shouldRetryPlacement(lastBody, "voice", voiceMode) && voiceIdx < len(voiceModes)-1 {
			voiceIdx++
			slog.Info("[Realtime] Retrying client secret with voice mode", "mode", string(voiceModes[voiceIdx]))
			retried = true
		} else if shouldRetryPlacement(lastBody, "realtime", realtimeMode) && realtimeIdx < len(realtimeModes)-1 {
			realtimeIdx++
			slog.Info("[Realtime] Retrying client secret with realtime mode", "mode", string(realtimeModes[realtimeIdx]))
			retried = true
		}

		if !retried {
			break
		}
	}

	return nil, &MintError{StatusCode: lastStatus, Body: lastBody}
}

func (m *Minter) endpointURL(apiBase string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(apiBase))
	if err != nil || parsed.Host == "" {
		return "", fmt.Errorf("invalid provider API base %q", apiBase)
	}
	parsed.Path = secretsPath(parsed.Path)
	parsed.RawQuery = ""
	parsed.Fragment = ""
	return parsed.String(), nil
}

func buildMintPayload(req MintRequest, voiceMode, realtimeMode placementMode) map[string]any {
	session := map[string]any{
		"type":         "realtime",
		"model":        req.Model,
		"instructions": req.Instructions,
	}
	if len(req.Tools) > 0 {
		tools := make([]any, 0, len(req.Tools))
		for _, t := range req.Tools {
			tools = append(tools, t)
		}
		session["tools"] = tools
	}

	payload := map[string]any{"session": session}

	if len(req.Realtime) > 0 {
		switch realtimeMode {
		case modeSession:
			session["realtime"] = req.Realtime
		case modeTopLevel:
			payload["realtime"] = req.Realtime
		}
	}

	if voice := strings.TrimSpace(req.Voice); voice != "" {
		switch voiceMode {
		case modeSession:
			session["voice"] = voice
		case modeTopLevel:
			payload["voice"] = voice
		}
	}

	return payload
}

// shouldRetryPlacement reports whether the provider rejected the given
// parameter at its current placement with code unknown_parameter.
func shouldRetryPlacement(body any, param string, mode placementMode) bool {
	if mode == modeNone {
		return false
	}
	payload, ok := body.(map[string]any)
	if !ok {
		return false
	}
	details, ok := payload["error"].(map[string]any)
	if !ok {
		return false
	}
	if code, _ := details["code"].(string); code != "unknown_parameter" {
		return false
	}
	expected := param
	if mode == modeSession {
		expected = "session." + param
	}
	got, _ := details["param"].(string)
	return got == expected
}

// extractClientSecret reads the secret from either the GA response shape
// {"value": "..."} or the beta shape {"client_secret": {"value": "..."}}.
func extractClientSecret(payload map[string]any) string {
	if value, ok := payload["value"].(string); ok && strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	if nested, ok := payload["client_secret"].(map[string]any); ok {
		if value, ok := nested["value"].(string); ok && strings.TrimSpace(value) != "" {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

func extractExpiry(payload map[string]any) string {
	switch v := payload["expires_at"].(type) {
	case string:
		return v
	case float64:
		return fmt.Sprintf("%.0f", v)
	}
	if nested, ok := payload["client_secret"].(map[string]any); ok {
		return extractExpiry(nested)
	}
	return ""
}
