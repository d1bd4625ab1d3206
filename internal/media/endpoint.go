package media

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/pion/rtp"
)

// Packet is a decoded inbound RTP packet.
type Packet struct {
	Payload        []byte
	Timestamp      uint32
	SequenceNumber uint16
	PayloadType    uint8
	Marker         bool
}

// EndpointConfig configures one RTP endpoint.
type EndpointConfig struct {
	LocalHost string
	LocalPort int // 0 lets the OS pick a port
	// Remote peer, when already known from the SDP offer. Otherwise the
	// endpoint latches onto the source of the first inbound packet.
	RemoteHost string
	RemotePort int
	Codec      Codec // outbound codec (PCMU or PCMA)
	// Sample rate of the PCM handed to SendAudio. The Realtime model
	// produces 24kHz PCM16.
	InputSampleRate int
}

// Endpoint owns the UDP socket of one call. It decodes inbound RTP into a
// packet stream and paces outbound PCM16 into 20ms codec frames.
type Endpoint struct {
	conn net.PacketConn

	codec           Codec
	inputSampleRate int

	// RTP header state for the outbound stream
	ssrc      uint32
	seq       uint16
	timestamp uint32

	mu         sync.Mutex
	remoteAddr net.Addr
	running    bool

	packets  chan Packet
	stopOnce sync.Once
	done     chan struct{}

	config EndpointConfig
}

// inboundQueueDepth bounds the packet stream. When the consumer lags, new
// packets are dropped: the bridge prefers fresh audio over completeness.
const inboundQueueDepth = 256

// NewEndpoint creates an endpoint. Call Start to bind the socket.
func NewEndpoint(cfg EndpointConfig) *Endpoint {
	if cfg.InputSampleRate <= 0 {
		cfg.InputSampleRate = 24000
	}
	if cfg.Codec.Name == "" {
		cfg.Codec = CodecPCMU
	}
	e := &Endpoint{
		codec:           cfg.Codec,
		inputSampleRate: cfg.InputSampleRate,
		ssrc:            GenerateSSRC(),
		seq:             GenerateSequenceStart(),
		timestamp:       GenerateTimestampStart(),
		packets:         make(chan Packet, inboundQueueDepth),
		done:            make(chan struct{}),
		config:          cfg,
	}
	if cfg.RemoteHost != "" && cfg.RemotePort > 0 {
		e.remoteAddr = &net.UDPAddr{IP: net.ParseIP(cfg.RemoteHost), Port: cfg.RemotePort}
	}
	return e
}

// Start binds the UDP socket and starts the read loop.
// Returns the actual local port (relevant when LocalPort was 0).
func (e *Endpoint) Start() (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return e.localPortLocked(), nil
	}

	addr := fmt.Sprintf("%s:%d", e.config.LocalHost, e.config.LocalPort)
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return 0, fmt.Errorf("failed to bind RTP socket on %s: %w", addr, err)
	}
	e.conn = conn
	e.running = true

	port := e.localPortLocked()
	slog.Info("[RTP] Endpoint started", "addr", e.config.LocalHost, "port", port)

	go e.readLoop()
	return port, nil
}

func (e *Endpoint) localPortLocked() int {
	if e.conn == nil {
		return e.config.LocalPort
	}
	if udp, ok := e.conn.LocalAddr().(*net.UDPAddr); ok {
		return udp.Port
	}
	return e.config.LocalPort
}

// LocalPort returns the bound local port.
func (e *Endpoint) LocalPort() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.localPortLocked()
}

// RemoteAddr returns the cached remote peer address, if known.
func (e *Endpoint) RemoteAddr() net.Addr {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.remoteAddr
}

// Stop closes the socket and ends the packet stream. Idempotent.
func (e *Endpoint) Stop() {
	e.stopOnce.Do(func() {
		e.mu.Lock()
		e.running = false
		conn := e.conn
		e.mu.Unlock()

		close(e.done)
		if conn != nil {
			conn.Close()
		}
		slog.Info("[RTP] Endpoint stopped")
	})
}

// Packets returns the stream of decoded inbound packets. The channel is
// closed when the endpoint stops or the socket errors out.
func (e *Endpoint) Packets() <-chan Packet {
	return e.packets
}

func (e *Endpoint) readLoop() {
	defer close(e.packets)

	buf := make([]byte, 1500)
	for {
		n, addr, err := e.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-e.done:
			default:
				slog.Debug("[RTP] Read error", "error", err)
			}
			return
		}

		e.mu.Lock()
		if e.remoteAddr == nil {
			e.remoteAddr = addr
			slog.Info("[RTP] Remote peer discovered", "addr", addr.String())
		}
		e.mu.Unlock()

		pkt := &rtp.Packet{}
		if err := pkt.Unmarshal(append([]byte(nil), buf[:n]...)); err != nil {
			slog.Debug("[RTP] Dropping unparseable packet", "error", err)
			continue
		}
		if pkt.Version != 2 {
			slog.Debug("[RTP] Dropping packet with invalid version", "version", pkt.Version)
			continue
		}

		decoded := Packet{
			Payload:        pkt.Payload,
			Timestamp:      pkt.Timestamp,
			SequenceNumber: pkt.SequenceNumber,
			PayloadType:    pkt.PayloadType,
			Marker:         pkt.Marker,
		}

		select {
		case e.packets <- decoded:
		default:
			slog.Debug("[RTP] Inbound queue full, packet dropped")
		}
	}
}

// SendAudio rate-converts PCM16 from the input sample rate to the codec
// rate, encodes it, and transmits it as paced 20ms RTP frames. Socket
// errors are logged, not returned: a dying peer must not kill the bridge.
func (e *Endpoint) SendAudio(pcm []byte) {
	e.mu.Lock()
	if !e.running || e.conn == nil {
		e.mu.Unlock()
		slog.Warn("[RTP] SendAudio called on stopped endpoint")
		return
	}
	remote := e.remoteAddr
	e.mu.Unlock()

	if remote == nil {
		slog.Warn("[RTP] SendAudio: remote address unknown")
		return
	}

	converted := Resample(pcm, e.inputSampleRate, int(e.codec.SampleRate))
	payload := e.codec.Encode(converted)
	if len(payload) == 0 {
		return
	}

	frameSize := e.codec.BytesPerFrame()
	numFrames := (len(payload) + frameSize - 1) / frameSize

	for i := 0; i < numFrames; i++ {
		start := i * frameSize
		end := start + frameSize
		if end > len(payload) {
			end = len(payload)
		}
		if err := e.writeFrame(payload[start:end], false); err != nil {
			slog.Debug("[RTP] Send error", "frame", i+1, "frames", numFrames, "error", err)
		}
		// 160 bytes at 8kHz is 20ms of audio; pace frames accordingly
		if i < numFrames-1 {
			select {
			case <-time.After(e.codec.SampleDur):
			case <-e.done:
				return
			}
		}
	}
}

// SendSilencePacket transmits a single frame of zeroed payload. Sent right
// after the SDP answer so the caller's NAT opens a return path before the
// model produces audio.
func (e *Endpoint) SendSilencePacket() {
	e.mu.Lock()
	running := e.running && e.conn != nil
	remote := e.remoteAddr
	e.mu.Unlock()

	if !running || remote == nil {
		return
	}
	if err := e.writeFrame(make([]byte, e.codec.BytesPerFrame()), false); err != nil {
		slog.Debug("[RTP] Silence packet send error", "error", err)
	}
}

func (e *Endpoint) writeFrame(payload []byte, marker bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.conn == nil || e.remoteAddr == nil {
		return net.ErrClosed
	}

	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         marker,
			PayloadType:    e.codec.PayloadType,
			SequenceNumber: e.seq,
			Timestamp:      e.timestamp,
			SSRC:           e.ssrc,
		},
		Payload: payload,
	}

	data, err := pkt.Marshal()
	if err != nil {
		return err
	}

	if _, err := e.conn.WriteTo(data, e.remoteAddr); err != nil {
		return err
	}

	e.seq++
	e.timestamp += uint32(len(payload))
	return nil
}

// Codec returns the outbound codec of this endpoint.
func (e *Endpoint) Codec() Codec {
	return e.codec
}

// SSRC returns the synchronization source of the outbound stream.
func (e *Endpoint) SSRC() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ssrc
}
