// Package realtime talks to the cloud Realtime speech provider: it mints
// short-lived client secrets over REST and pumps audio and events over an
// authenticated WebSocket.
package realtime

import (
	"net/url"
	"strings"
)

// BuildWSURL derives the Realtime WebSocket URL for a model from an HTTP
// API base. "/v1" is appended unless the base already ends in "/v1" or
// contains a "/v1/" segment.
func BuildWSURL(model, apiBase string) string {
	base := strings.TrimRight(apiBase, "/")

	var wsBase string
	switch {
	case strings.HasPrefix(base, "https://"):
		wsBase = "wss://" + base[len("https://"):]
	case strings.HasPrefix(base, "http://"):
		wsBase = "ws://" + base[len("http://"):]
	case strings.HasPrefix(base, "ws"):
		wsBase = base
	default:
		wsBase = "wss://" + strings.TrimLeft(base, "/")
	}

	if !strings.HasSuffix(wsBase, "/v1") && !strings.Contains(wsBase, "/v1/") {
		wsBase += "/v1"
	}

	return wsBase + "/realtime?model=" + url.QueryEscape(model)
}

// secretsPath builds the client-secrets endpoint path for an API base.
// The path keeps any prefix ending in "v1"; any other base gets
// "/v1/realtime/client_secrets" appended as-is.
func secretsPath(basePath string) string {
	normalized := strings.TrimRight(basePath, "/")
	segments := strings.Split(normalized, "/")
	last := ""
	for _, s := range segments {
		if s != "" {
			last = s
		}
	}

	var target string
	if strings.EqualFold(last, "v1") {
		target = normalized + "/realtime/client_secrets"
	} else {
		target = normalized + "/v1/realtime/client_secrets"
	}
	if !strings.HasPrefix(target, "/") {
		target = "/" + target
	}
	return target
}
