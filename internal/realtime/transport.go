package realtime

import (
	"net"
	"net/http"
	"time"
)

// newConnectBoundedTransport returns an HTTP transport whose dial is
// bounded but whose reads are not: the provider may legitimately hold a
// mint request while provisioning the session.
func newConnectBoundedTransport(connectTimeout time.Duration) *http.Transport {
	dialer := &net.Dialer{Timeout: connectTimeout}
	return &http.Transport{
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   connectTimeout,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
}
