package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nevil-robotics/nevil-core/pkg/buffer"
	"github.com/nevil-robotics/nevil-core/pkg/logging"
)

// State is the connection lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "disconnected"
	}
}

// Disposition is a handler's verdict on the event it just processed. The
// dispatcher, not the handler, decides what happens next: Ok continues,
// Retry re-dispatches the event to the same handler once, Fatal drops the
// link and lets the reconnect cycle rebuild the session.
type Disposition int

const (
	Ok Disposition = iota
	Retry
	Fatal
)

// Handler processes one inbound server event.
type Handler func(ev *ServerEvent) Disposition

// Config configures a Connection.
type Config struct {
	Transport Transport

	// Session, when non-nil, is sent as session.update after every
	// successful connect, so a reconnected session is configured
	// identically to the first.
	Session *SessionConfig

	// BaseDelay seeds the exponential backoff. Default 1 s.
	BaseDelay time.Duration

	// MaxDelay caps the backoff. Default 16 s.
	MaxDelay time.Duration

	// MaxReconnectAttempts bounds consecutive failed connects before the
	// connection transitions to FAILED. Default 10.
	MaxReconnectAttempts int

	// ConnectTimeout bounds each dial attempt. Default 30 s.
	ConnectTimeout time.Duration

	// OfflineQueueSize bounds the outbound queue held while not
	// connected. Default 256; oldest events are discarded on overflow.
	OfflineQueueSize int

	Log logging.Logger
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.BaseDelay == 0 {
		out.BaseDelay = time.Second
	}
	if out.MaxDelay == 0 {
		out.MaxDelay = 16 * time.Second
	}
	if out.MaxReconnectAttempts == 0 {
		out.MaxReconnectAttempts = 10
	}
	if out.ConnectTimeout == 0 {
		out.ConnectTimeout = 30 * time.Second
	}
	if out.OfflineQueueSize == 0 {
		out.OfflineQueueSize = 256
	}
	if out.Log == nil {
		out.Log = logging.Discard
	}
	return out
}

// Connection is the persistent bidirectional session shared by audio
// capture, the AI core, and speech synthesis. It owns its wire and its
// outbound queue exclusively; everything else talks to it through SendSync
// and On.
type Connection struct {
	cfg Config
	log logging.Logger

	state atomic.Int32

	handlerMu sync.RWMutex
	handlers  map[string][]Handler

	offline *buffer.Ring[[]byte]

	writeMu sync.Mutex
	wire    Wire

	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	sessionID          atomic.Value // string
	responseInProgress atomic.Bool

	sent        atomic.Uint64
	received    atomic.Uint64
	attempts    atomic.Int32
	connectedAt atomic.Int64 // unix nano, 0 while down
}

// NewConnection creates a Connection. Call Start to bring the link up.
func NewConnection(cfg Config) *Connection {
	c := cfg.withDefaults()
	conn := &Connection{
		cfg:      c,
		log:      logging.Named(c.Log, "realtime"),
		handlers: make(map[string][]Handler),
		offline:  buffer.NewRing[[]byte](c.OfflineQueueSize),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	conn.sessionID.Store("")
	return conn
}

// On registers h for events of the given type. Multiple handlers for one
// type run in registration order. Registration after Start is safe.
func (c *Connection) On(eventType string, h Handler) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.handlers[eventType] = append(c.handlers[eventType], h)
}

// Start brings the connection up and keeps it up until Stop. It returns
// immediately; connection state is observable via State and the error
// event.
func (c *Connection) Start() {
	go c.run()
}

// Stop tears the connection down and waits for the run loop to exit.
func (c *Connection) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		c.writeMu.Lock()
		if c.wire != nil {
			c.wire.Close()
		}
		c.writeMu.Unlock()
	})
	<-c.done
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	return State(c.state.Load())
}

// SessionID returns the server-assigned session id, empty before
// session.created.
func (c *Connection) SessionID() string {
	return c.sessionID.Load().(string)
}

// ResponseInProgress reports whether the server is currently generating a
// response, tracked from response.created / response.done events.
func (c *Connection) ResponseInProgress() bool {
	return c.responseInProgress.Load()
}

// Stats is a metrics snapshot for the monitor.
type Stats struct {
	State             string        `json:"state"`
	MessagesSent      uint64        `json:"messages_sent"`
	MessagesReceived  uint64        `json:"messages_received"`
	ReconnectAttempts int           `json:"reconnect_attempts"`
	QueuedOffline     int           `json:"queued_offline"`
	Uptime            time.Duration `json:"uptime"`
}

// Stats returns a snapshot of connection metrics.
func (c *Connection) Stats() Stats {
	var uptime time.Duration
	if at := c.connectedAt.Load(); at != 0 {
		uptime = time.Since(time.Unix(0, at))
	}
	return Stats{
		State:             c.State().String(),
		MessagesSent:      c.sent.Load(),
		MessagesReceived:  c.received.Load(),
		ReconnectAttempts: int(c.attempts.Load()),
		QueuedOffline:     c.offline.Len(),
		Uptime:            uptime,
	}
}

func (c *Connection) setState(s State) {
	c.state.Store(int32(s))
}

func (c *Connection) run() {
	defer close(c.done)
	attempt := 0
	for {
		select {
		case <-c.stopCh:
			c.setState(StateDisconnected)
			return
		default:
		}

		if attempt == 0 {
			c.setState(StateConnecting)
		} else {
			c.setState(StateReconnecting)
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ConnectTimeout)
		wire, err := c.cfg.Transport.Dial(ctx)
		cancel()
		if err != nil {
			attempt++
			c.attempts.Store(int32(attempt))
			if attempt >= c.cfg.MaxReconnectAttempts {
				c.log.Error("reconnect attempts exhausted", "attempts", attempt, "error", err)
				c.setState(StateFailed)
				c.dispatch(&ServerEvent{
					Type: EventTypeError,
					Err:  &EventError{Code: "reconnect_failed", Message: err.Error()},
				})
				return
			}
			delay := c.backoff(attempt)
			c.log.Warn("connect failed, backing off", "attempt", attempt, "delay", delay, "error", err)
			select {
			case <-time.After(delay):
			case <-c.stopCh:
				c.setState(StateDisconnected)
				return
			}
			continue
		}

		attempt = 0
		c.attempts.Store(0)
		c.writeMu.Lock()
		c.wire = wire
		c.writeMu.Unlock()
		c.setState(StateConnected)
		c.connectedAt.Store(time.Now().UnixNano())
		c.log.Info("connected")

		if c.cfg.Session != nil {
			c.SendSync(map[string]any{
				"event_id": newEventID(),
				"type":     EventTypeSessionUpdate,
				"session":  c.cfg.Session,
			})
		}
		c.flushOffline()

		c.readLoop(wire)

		c.writeMu.Lock()
		c.wire = nil
		c.writeMu.Unlock()
		c.connectedAt.Store(0)
		wire.Close()

		select {
		case <-c.stopCh:
			c.setState(StateDisconnected)
			return
		default:
			c.log.Warn("connection dropped, reconnecting")
		}
	}
}

// backoff returns base * 2^(attempt-1) capped at MaxDelay.
func (c *Connection) backoff(attempt int) time.Duration {
	d := c.cfg.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= c.cfg.MaxDelay {
			return c.cfg.MaxDelay
		}
	}
	if d > c.cfg.MaxDelay {
		return c.cfg.MaxDelay
	}
	return d
}

func (c *Connection) flushOffline() {
	frames := c.offline.Drain()
	for i, frame := range frames {
		if err := c.writeFrame(frame); err != nil {
			// Link died mid-flush; requeue everything unsent, in order,
			// and let the read loop notice the drop.
			for _, f := range frames[i:] {
				c.offline.Push(f)
			}
			return
		}
	}
}

func (c *Connection) readLoop(wire Wire) {
	for {
		frame, err := wire.Read()
		if err != nil {
			return
		}
		c.received.Add(1)
		ev, err := parseServerEvent(frame)
		if err != nil {
			// ProtocolError: log and discard.
			c.log.Warn("discarding malformed event", "error", err)
			continue
		}
		c.observe(ev)
		if c.dispatch(ev) == Fatal {
			return
		}
	}
}

// observe updates connection-internal state before handler dispatch.
func (c *Connection) observe(ev *ServerEvent) {
	switch ev.Type {
	case EventTypeSessionCreated:
		if ev.Session != nil {
			c.sessionID.Store(ev.Session.ID)
		}
	case EventTypeResponseCreated:
		c.responseInProgress.Store(true)
	case EventTypeResponseDone:
		c.responseInProgress.Store(false)
	}
}

func (c *Connection) dispatch(ev *ServerEvent) Disposition {
	c.handlerMu.RLock()
	handlers := c.handlers[ev.Type]
	c.handlerMu.RUnlock()

	for _, h := range handlers {
		switch h(ev) {
		case Retry:
			if h(ev) == Fatal {
				return Fatal
			}
		case Fatal:
			return Fatal
		}
	}
	return Ok
}

// SendSync marshals event and hands it to the transport, blocking until
// the frame is written. While not connected the frame is appended to the
// bounded offline queue instead (oldest-first drop on overflow) and
// SendSync returns false. It is safe to call from any goroutine.
func (c *Connection) SendSync(event any) bool {
	frame, err := json.Marshal(event)
	if err != nil {
		c.log.Error("marshal outbound event", "error", err)
		return false
	}
	if c.State() != StateConnected {
		c.enqueue(frame)
		return false
	}
	if err := c.writeFrame(frame); err != nil {
		c.log.Warn("send failed, buffering", "error", err)
		c.enqueue(frame)
		return false
	}
	return true
}

func (c *Connection) enqueue(frame []byte) {
	if c.offline.Push(frame) {
		c.log.Warn("offline queue full, dropped oldest event")
	}
}

func (c *Connection) writeFrame(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.wire == nil {
		return &Error{Code: "connection_failed", Message: "not connected"}
	}
	if err := c.wire.Write(frame); err != nil {
		return err
	}
	c.sent.Add(1)
	return nil
}

func newEventID() string {
	return "evt_" + uuid.NewString()[:12]
}

// === Typed send helpers ===

// UpdateSession sends a session.update with the given configuration.
func (c *Connection) UpdateSession(cfg *SessionConfig) bool {
	return c.SendSync(map[string]any{
		"event_id": newEventID(),
		"type":     EventTypeSessionUpdate,
		"session":  cfg,
	})
}

// AppendAudio base64-encodes pcm and sends input_audio_buffer.append.
func (c *Connection) AppendAudio(pcm []byte) bool {
	return c.AppendAudioBase64(base64.StdEncoding.EncodeToString(pcm))
}

// AppendAudioBase64 sends input_audio_buffer.append with pre-encoded audio.
func (c *Connection) AppendAudioBase64(audio string) bool {
	return c.SendSync(map[string]any{
		"event_id": newEventID(),
		"type":     EventTypeInputAudioBufferAppend,
		"audio":    audio,
	})
}

// CommitInput sends input_audio_buffer.commit.
func (c *Connection) CommitInput() bool {
	return c.SendSync(map[string]any{
		"event_id": newEventID(),
		"type":     EventTypeInputAudioBufferCommit,
	})
}

// ClearInput sends input_audio_buffer.clear.
func (c *Connection) ClearInput() bool {
	return c.SendSync(map[string]any{
		"event_id": newEventID(),
		"type":     EventTypeInputAudioBufferClear,
	})
}

// AddUserMessage appends a user text message to the conversation.
func (c *Connection) AddUserMessage(text string) bool {
	return c.SendSync(map[string]any{
		"event_id": newEventID(),
		"type":     EventTypeConversationItemCreate,
		"item": map[string]any{
			"type": "message",
			"role": "user",
			"content": []map[string]any{
				{"type": "input_text", "text": text},
			},
		},
	})
}

// AddFunctionCallOutput replies to a function call with its JSON result.
func (c *Connection) AddFunctionCallOutput(callID, output string) bool {
	return c.SendSync(map[string]any{
		"event_id": newEventID(),
		"type":     EventTypeConversationItemCreate,
		"item": map[string]any{
			"type":    "function_call_output",
			"call_id": callID,
			"output":  output,
		},
	})
}

// CreateResponse requests a model response. Pass nil for session defaults.
func (c *Connection) CreateResponse(opts *ResponseCreateOptions) bool {
	event := map[string]any{
		"event_id": newEventID(),
		"type":     EventTypeResponseCreate,
	}
	if opts != nil {
		event["response"] = opts
	}
	return c.SendSync(event)
}

// CancelResponse cancels the current response generation.
func (c *Connection) CancelResponse() bool {
	return c.SendSync(map[string]any{
		"event_id": newEventID(),
		"type":     EventTypeResponseCancel,
	})
}
