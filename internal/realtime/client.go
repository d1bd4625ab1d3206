package realtime

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultOpenTimeout    = 10 * time.Second
	defaultCloseTimeout   = 5 * time.Second
	defaultReceiveTimeout = 500 * time.Millisecond
)

// Conn is the WebSocket surface the client needs. *websocket.Conn
// satisfies it; tests substitute fakes.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens the provider WebSocket. The default uses gorilla/websocket
// with a bounded handshake.
type Dialer func(url string, header http.Header) (Conn, error)

func defaultDialer(url string, header http.Header) (Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: defaultOpenTimeout}
	conn, _, err := dialer.Dial(url, header)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// SessionConfig parameterizes the session.update sent right after connect.
type SessionConfig struct {
	Model        string
	Instructions string
	Voice        string
}

type inboundFrame struct {
	data []byte
	err  error
}

// Client is one authenticated Realtime WebSocket session. A dedicated
// reader goroutine feeds frames into a channel so that ReadEvent can
// poll with a timeout without disturbing the underlying socket.
type Client struct {
	conn           Conn
	receiveTimeout time.Duration
	frames         chan inboundFrame

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// ClientOption tweaks client construction.
type ClientOption func(*clientOptions)

type clientOptions struct {
	dialer         Dialer
	receiveTimeout time.Duration
}

// WithDialer substitutes the WebSocket dialer (tests).
func WithDialer(d Dialer) ClientOption {
	return func(o *clientOptions) { o.dialer = d }
}

// WithReceiveTimeout overrides the per-recv poll timeout.
func WithReceiveTimeout(d time.Duration) ClientOption {
	return func(o *clientOptions) { o.receiveTimeout = d }
}

// Connect opens the Realtime WebSocket for a model, authenticated with a
// minted client secret.
func Connect(model, clientSecret, apiBase string, opts ...ClientOption) (*Client, error) {
	options := clientOptions{
		dialer:         defaultDialer,
		receiveTimeout: defaultReceiveTimeout,
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.receiveTimeout < 100*time.Millisecond {
		options.receiveTimeout = 100 * time.Millisecond
	}

	url := BuildWSURL(model, apiBase)
	header := http.Header{}
	header.Set("Authorization", "Bearer "+clientSecret)

	conn, err := options.dialer(url, header)
	if err != nil {
		return nil, fmt.Errorf("failed to open realtime websocket: %w", err)
	}

	return newClient(conn, options.receiveTimeout), nil
}

// NewClientWithConn wraps an already-open connection (tests).
func NewClientWithConn(conn Conn, receiveTimeout time.Duration) *Client {
	if receiveTimeout <= 0 {
		receiveTimeout = defaultReceiveTimeout
	}
	return newClient(conn, receiveTimeout)
}

func newClient(conn Conn, receiveTimeout time.Duration) *Client {
	c := &Client{
		conn:           conn,
		receiveTimeout: receiveTimeout,
		frames:         make(chan inboundFrame, 32),
	}
	go c.readLoop()
	return c
}

// readLoop pulls frames off the socket until it fails or closes. The
// terminal error is delivered once through the channel.
func (c *Client) readLoop() {
	defer close(c.frames)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.frames <- inboundFrame{err: err}
			return
		}
		c.frames <- inboundFrame{data: data}
	}
}

func (c *Client) sendJSON(payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// SendSessionUpdate configures the session: GA audio formats at 24kHz on
// both directions and server-side voice activity detection.
func (c *Client) SendSessionUpdate(cfg SessionConfig) error {
	output := map[string]any{
		"format": map[string]any{"type": "audio/pcm", "rate": 24000},
	}
	if cfg.Voice != "" {
		output["voice"] = cfg.Voice
	}
	session := map[string]any{
		"type":         "realtime",
		"model":        cfg.Model,
		"instructions": cfg.Instructions,
		"audio": map[string]any{
			"input": map[string]any{
				"format": map[string]any{"type": "audio/pcm", "rate": 24000},
			},
			"output": output,
		},
		"turn_detection": map[string]any{
			"type":                "server_vad",
			"threshold":           0.5,
			"prefix_padding_ms":   300,
			"silence_duration_ms": 500,
		},
	}
	return c.sendJSON(map[string]any{"type": "session.update", "session": session})
}

// AppendAudio streams one PCM16 chunk into the input buffer.
func (c *Client) AppendAudio(pcm []byte) error {
	return c.sendJSON(map[string]any{
		"type":  "input_audio_buffer.append",
		"audio": base64.StdEncoding.EncodeToString(pcm),
	})
}

// CommitInput closes the current input turn. With server VAD active this
// is only needed when the call ends while the user is still speaking.
func (c *Client) CommitInput() error {
	return c.sendJSON(map[string]any{"type": "input_audio_buffer.commit"})
}

// CreateResponse asks the model to speak without waiting for user input.
func (c *Client) CreateResponse() error {
	return c.sendJSON(map[string]any{"type": "response.create"})
}

// CancelResponse interrupts the in-flight model turn.
func (c *Client) CancelResponse() error {
	return c.sendJSON(map[string]any{"type": "response.cancel"})
}

// ReadEvent decodes the next server event. timedOut is true when the
// receive window elapsed with no frame; the caller checks its stop
// condition and polls again.
func (c *Client) ReadEvent() (event ServerEvent, timedOut bool, err error) {
	select {
	case frame, ok := <-c.frames:
		if !ok {
			return ServerEvent{}, false, fmt.Errorf("realtime websocket closed")
		}
		if frame.err != nil {
			return ServerEvent{}, false, frame.err
		}
		event, err = ParseServerEvent(frame.data)
		return event, false, err
	case <-time.After(c.receiveTimeout):
		return ServerEvent{}, true, nil
	}
}

// Close shuts the WebSocket down. Idempotent.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()

		err = c.conn.Close()

		// Drain whatever the reader still had queued so it can exit.
		go func() {
			for range c.frames {
			}
		}()
	})
	return err
}
