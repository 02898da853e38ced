package realtime

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultWebSocketURL is the default streaming endpoint.
const DefaultWebSocketURL = "wss://api.openai.com/v1/realtime"

// DefaultHTTPURL is the default HTTP endpoint used by the WebRTC transport
// for ephemeral session creation and SDP exchange.
const DefaultHTTPURL = "https://api.openai.com/v1/realtime"

// Credentials authenticate a dial. Exactly one of the two fields is used:
// the long-lived API key when set, otherwise the short-lived ephemeral
// token.
type Credentials struct {
	APIKey         string
	EphemeralToken string
}

func (c Credentials) bearer() string {
	if c.APIKey != "" {
		return c.APIKey
	}
	return c.EphemeralToken
}

// Wire is one established bidirectional link. Read blocks until a frame
// arrives or the link fails; Write hands one frame to the transport.
type Wire interface {
	Read() ([]byte, error)
	Write([]byte) error
	Close() error
}

// Transport dials a fresh Wire. The Connection owns reconnect policy; a
// Transport only knows how to establish a single link.
type Transport interface {
	Dial(ctx context.Context) (Wire, error)
}

// WebSocketTransport is the default transport: one WebSocket carrying JSON
// frames in both directions.
type WebSocketTransport struct {
	// URL is the endpoint; DefaultWebSocketURL if empty.
	URL string

	// Model is appended as a query parameter.
	Model string

	Credentials Credentials

	// HandshakeTimeout bounds the dial. Zero means 30 s.
	HandshakeTimeout time.Duration
}

// Dial establishes the WebSocket link.
func (t *WebSocketTransport) Dial(ctx context.Context) (Wire, error) {
	url := t.URL
	if url == "" {
		url = DefaultWebSocketURL
	}
	if t.Model != "" {
		url = fmt.Sprintf("%s?model=%s", url, t.Model)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+t.Credentials.bearer())
	headers.Set("OpenAI-Beta", "realtime=v1")

	timeout := t.HandshakeTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	dialer := websocket.Dialer{HandshakeTimeout: timeout}

	conn, resp, err := dialer.DialContext(ctx, url, headers)
	if err != nil {
		if resp != nil {
			return nil, &Error{
				Code:       "connection_failed",
				Message:    fmt.Sprintf("dial: %v", err),
				HTTPStatus: resp.StatusCode,
			}
		}
		return nil, fmt.Errorf("realtime: dial: %w", err)
	}
	return &wsWire{conn: conn}, nil
}

type wsWire struct {
	conn *websocket.Conn
}

func (w *wsWire) Read() ([]byte, error) {
	_, frame, err := w.conn.ReadMessage()
	return frame, err
}

func (w *wsWire) Write(frame []byte) error {
	return w.conn.WriteMessage(websocket.TextMessage, frame)
}

func (w *wsWire) Close() error {
	return w.conn.Close()
}
