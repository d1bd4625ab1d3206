// Package sdp parses inbound SDP offers and builds the gateway's answers.
// Parsing covers only what codec and address negotiation needs: the first
// audio media line, its rtpmap attributes, and the connection address.
package sdp

import (
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"strings"
	"time"

	psdp "github.com/pion/sdp/v3"
)

// SelectedCodec is the codec retained for the RTP session.
type SelectedCodec struct {
	PayloadType uint8
	Name        string
	ClockRate   int
}

// Offer is the subset of an SDP offer the gateway negotiates on.
type Offer struct {
	RemoteHost string
	RemotePort int
	Payloads   []uint8
	RTPMap     map[uint8]SelectedCodec
}

// Static payload types per RFC 3551, used when the offer omits rtpmap lines.
var staticPayloads = map[uint8]SelectedCodec{
	0:  {PayloadType: 0, Name: "pcmu", ClockRate: 8000},
	8:  {PayloadType: 8, Name: "pcma", ClockRate: 8000},
	18: {PayloadType: 18, Name: "g729", ClockRate: 8000},
}

// ParseOffer extracts the audio media description from an SDP body.
// Multiple m=audio lines are legal; the first one wins. A media port of 0
// (hold) is accepted.
func ParseOffer(body []byte) (*Offer, error) {
	if len(body) == 0 {
		return nil, fmt.Errorf("empty SDP body")
	}

	desc := &psdp.SessionDescription{}
	if err := desc.Unmarshal(body); err != nil {
		return nil, fmt.Errorf("failed to parse SDP: %w", err)
	}

	var audio *psdp.MediaDescription
	for _, md := range desc.MediaDescriptions {
		if md.MediaName.Media == "audio" {
			audio = md
			break
		}
	}
	if audio == nil {
		return nil, fmt.Errorf("no audio media description in SDP")
	}

	offer := &Offer{
		RemotePort: audio.MediaName.Port.Value,
		RTPMap:     make(map[uint8]SelectedCodec),
	}

	for _, format := range audio.MediaName.Formats {
		pt, err := strconv.Atoi(format)
		if err != nil || pt < 0 || pt > 127 {
			slog.Debug("[SDP] Ignoring non-numeric payload format", "format", format)
			continue
		}
		offer.Payloads = append(offer.Payloads, uint8(pt))
	}
	if len(offer.Payloads) == 0 {
		return nil, fmt.Errorf("audio media line carries no payload types")
	}

	for _, attr := range audio.Attributes {
		if attr.Key != "rtpmap" {
			continue
		}
		if entry, ok := parseRTPMap(attr.Value); ok {
			offer.RTPMap[entry.PayloadType] = entry
		}
	}

	// Connection address: media-level wins over session-level
	if audio.ConnectionInformation != nil && audio.ConnectionInformation.Address != nil {
		offer.RemoteHost = audio.ConnectionInformation.Address.Address
	} else if desc.ConnectionInformation != nil && desc.ConnectionInformation.Address != nil {
		offer.RemoteHost = desc.ConnectionInformation.Address.Address
	}

	return offer, nil
}

// parseRTPMap parses "<pt> <name>/<rate>[/channels]".
func parseRTPMap(value string) (SelectedCodec, bool) {
	parts := strings.SplitN(strings.TrimSpace(value), " ", 2)
	if len(parts) != 2 {
		return SelectedCodec{}, false
	}
	pt, err := strconv.Atoi(parts[0])
	if err != nil || pt < 0 || pt > 127 {
		return SelectedCodec{}, false
	}
	encoding := strings.Split(parts[1], "/")
	if len(encoding) < 2 {
		return SelectedCodec{}, false
	}
	rate, err := strconv.Atoi(encoding[1])
	if err != nil {
		return SelectedCodec{}, false
	}
	return SelectedCodec{
		PayloadType: uint8(pt),
		Name:        strings.ToLower(encoding[0]),
		ClockRate:   rate,
	}, true
}

// SelectCodec picks the first offered payload whose codec appears in the
// preferred list, resolving names through rtpmap entries first and the
// static payload table second.
func SelectCodec(offer *Offer, preferred []string) (SelectedCodec, bool) {
	normalized := make([]string, 0, len(preferred))
	for _, name := range preferred {
		normalized = append(normalized, strings.ToLower(name))
	}

	for _, pt := range offer.Payloads {
		entry, ok := offer.RTPMap[pt]
		if !ok {
			entry, ok = staticPayloads[pt]
		}
		if !ok {
			continue
		}
		for _, want := range normalized {
			if entry.Name == want {
				return entry, true
			}
		}
	}
	return SelectedCodec{}, false
}

// BuildAnswer renders the gateway's SDP answer advertising the selected
// codec on the local media endpoint.
func BuildAnswer(mediaHost string, mediaPort int, codec SelectedCodec) []byte {
	sessionID := uint64(rand.Int63n(1<<31 - 1))
	sessionVersion := uint64(time.Now().Unix())

	desc := &psdp.SessionDescription{
		Origin: psdp.Origin{
			Username:       "-",
			SessionID:      sessionID,
			SessionVersion: sessionVersion,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: mediaHost,
		},
		SessionName: "ChatKit Voice Session",
		ConnectionInformation: &psdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &psdp.Address{Address: mediaHost},
		},
		TimeDescriptions: []psdp.TimeDescription{
			{Timing: psdp.Timing{StartTime: 0, StopTime: 0}},
		},
		MediaDescriptions: []*psdp.MediaDescription{
			{
				MediaName: psdp.MediaName{
					Media:   "audio",
					Port:    psdp.RangedPort{Value: mediaPort},
					Protos:  []string{"RTP", "AVP"},
					Formats: []string{strconv.Itoa(int(codec.PayloadType))},
				},
				Attributes: []psdp.Attribute{
					{Key: "rtpmap", Value: fmt.Sprintf("%d %s/%d", codec.PayloadType, strings.ToUpper(codec.Name), codec.ClockRate)},
					{Key: "sendrecv"},
				},
			},
		},
	}

	body, err := desc.Marshal()
	if err != nil {
		slog.Error("[SDP] Failed to build answer", "error", err)
		return nil
	}
	return body
}
