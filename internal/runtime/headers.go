// Package runtime composes the SIP server, workflow resolver, media
// endpoint, realtime client, and gateway into the per-call lifecycle.
package runtime

import (
	"regexp"
	"strings"

	"github.com/emiago/sipgo/sip"
)

var sipUserPattern = regexp.MustCompile(`(?i)sips?:([^@>;]+)`)

// calledNumberHeaders are checked in order for the dialled number.
var calledNumberHeaders = []string{
	"X-Original-To",
	"X-Called-Number",
	"P-Called-Party-Id",
	"P-Asserted-Identity",
	"To",
	"From",
}

// extractCalledNumber pulls the dialled number out of the INVITE,
// preferring trunk-provided headers over To/From.
func extractCalledNumber(req *sip.Request) string {
	for _, name := range calledNumberHeaders {
		header := req.GetHeader(name)
		if header == nil {
			continue
		}
		if candidate := sanitizeNumberCandidate(header.Value()); candidate != "" {
			return candidate
		}
	}
	return ""
}

// sanitizeNumberCandidate extracts the user part of a SIP URI (or takes
// the raw text) and keeps dialling characters only.
func sanitizeNumberCandidate(raw string) string {
	text := strings.TrimSpace(raw)
	if text == "" {
		return ""
	}

	candidate := text
	if match := sipUserPattern.FindStringSubmatch(text); match != nil {
		candidate = match[1]
	}

	var digits strings.Builder
	for _, ch := range candidate {
		if (ch >= '0' && ch <= '9') || ch == '+' || ch == '#' || ch == '*' {
			digits.WriteRune(ch)
		}
	}
	if digits.Len() > 0 {
		return digits.String()
	}
	return strings.TrimSpace(candidate)
}

// extractToUsername returns the user part of the To URI, which selects
// the destination SIP account.
func extractToUsername(req *sip.Request) string {
	to := req.To()
	if to == nil {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(to.Address.User))
}
