package media

import (
	"fmt"
	"strings"
	"time"

	"github.com/zaf/g711"
)

// Codec represents an immutable audio codec specification.
// Use the pre-defined codec values (CodecPCMU, CodecPCMA, CodecG729)
// for RTP streaming.
type Codec struct {
	Name        string        // Codec name (e.g., "PCMU", "PCMA")
	PayloadType uint8         // RTP payload type (0 for PCMU, 8 for PCMA)
	SampleRate  uint32        // Sample rate in Hz
	SampleDur   time.Duration // Duration per sample frame (typically 20ms)
	Channels    int           // Number of channels (1 for mono)
}

// Pre-defined codecs understood by the gateway.
var (
	// CodecPCMU is G.711 µ-law (North America, Japan)
	CodecPCMU = Codec{"PCMU", 0, 8000, 20 * time.Millisecond, 1}

	// CodecPCMA is G.711 A-law (Europe, rest of world)
	CodecPCMA = Codec{"PCMA", 8, 8000, 20 * time.Millisecond, 1}

	// CodecG729 is G.729; the gateway forwards it without transcoding
	CodecG729 = Codec{"G729", 18, 8000, 20 * time.Millisecond, 1}
)

// SamplesPerFrame returns the number of samples in one frame.
// For 8kHz with 20ms frames, this returns 160.
func (c Codec) SamplesPerFrame() int {
	return int(c.SampleRate) * int(c.SampleDur) / int(time.Second)
}

// BytesPerFrame returns the payload bytes per frame.
// For PCMU/PCMA (8-bit encoded), this equals SamplesPerFrame.
func (c Codec) BytesPerFrame() int {
	return c.SamplesPerFrame() * c.Channels
}

// TimestampIncrement returns the RTP timestamp increment per frame.
func (c Codec) TimestampIncrement() uint32 {
	return uint32(c.SamplesPerFrame())
}

// CodecByName looks up one of the known codecs by its case-insensitive name.
func CodecByName(name string) (Codec, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "PCMU":
		return CodecPCMU, nil
	case "PCMA":
		return CodecPCMA, nil
	case "G729":
		return CodecG729, nil
	}
	return Codec{}, fmt.Errorf("codec not supported: %s", name)
}

// CodecByPayloadType looks up one of the known codecs by RTP payload type.
func CodecByPayloadType(pt uint8) (Codec, error) {
	for _, c := range []Codec{CodecPCMU, CodecPCMA, CodecG729} {
		if c.PayloadType == pt {
			return c, nil
		}
	}
	return Codec{}, fmt.Errorf("codec not found for payload type: %d", pt)
}

// Encode converts 16-bit little-endian PCM at the codec's sample rate into
// the codec's wire payload. G.729 payloads pass through untouched.
func (c Codec) Encode(pcm []byte) []byte {
	switch c.Name {
	case "PCMU":
		return g711.EncodeUlaw(pcm)
	case "PCMA":
		return g711.EncodeAlaw(pcm)
	default:
		return pcm
	}
}

// Decode converts a wire payload into 16-bit little-endian PCM at the
// codec's sample rate. G.729 payloads pass through untouched.
func (c Codec) Decode(payload []byte) []byte {
	switch c.Name {
	case "PCMU":
		return g711.DecodeUlaw(payload)
	case "PCMA":
		return g711.DecodeAlaw(payload)
	default:
		return payload
	}
}
