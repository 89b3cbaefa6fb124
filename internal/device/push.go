package device

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

// MessageType discriminates inbound push-channel envelopes.
type MessageType string

const (
	MessageFrameUpdate   MessageType = "frame_update"
	MessageShotDetected  MessageType = "shot_detected"
	MessageSessionStatus MessageType = "session_status"
	MessageDeviceStatus  MessageType = "device_status"
	MessageError         MessageType = "error"
)

// Envelope is the push-channel wire format: a type tag plus a payload
// matching the corresponding REST resource shape.
type Envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// MessageHandler consumes inbound push messages. It runs on the transport's
// read goroutine; handlers must not block for long.
type MessageHandler func(Envelope)

// StatusHandler is notified when the push connection goes up or down.
type StatusHandler func(connected bool)

// PushTransport maintains a per-session bidirectional WebSocket channel to
// the device. On unexpected closure it reconnects after a fixed backoff,
// indefinitely, until Close is called - there is no retry cap, favoring
// liveness while the session remains active.
type PushTransport struct {
	url            string
	sessionID      string
	header         http.Header
	handler        MessageHandler
	onStatus       StatusHandler
	reconnectDelay time.Duration
	dialer         *websocket.Dialer

	mu        sync.Mutex
	conn      *websocket.Conn
	closed    chan struct{}
	closeOnce sync.Once
}

// NewPushTransport creates the transport for one session. The bearer token
// may be empty when the device does not require authentication.
func NewPushTransport(endpoint, sessionID, bearer string, reconnectDelay time.Duration, handler MessageHandler, onStatus StatusHandler) *PushTransport {
	header := http.Header{}
	if bearer != "" {
		header.Set("Authorization", "Bearer "+bearer)
	}
	return &PushTransport{
		url:            fmt.Sprintf("ws://%s/session/%s/ws", endpoint, sessionID),
		sessionID:      sessionID,
		header:         header,
		handler:        handler,
		onStatus:       onStatus,
		reconnectDelay: reconnectDelay,
		dialer:         websocket.DefaultDialer,
		closed:         make(chan struct{}),
	}
}

// Start launches the connect/read loop in its own goroutine.
func (t *PushTransport) Start() {
	go t.run()
}

func (t *PushTransport) run() {
	for {
		select {
		case <-t.closed:
			return
		default:
		}

		conn, _, err := t.dialer.Dial(t.url, t.header)
		if err != nil {
			log.Warnf("Push transport for session %s: connect failed: %v. Retrying in %s",
				t.sessionID, err, t.reconnectDelay)
			if !t.sleepOrClosed() {
				return
			}
			continue
		}

		t.mu.Lock()
		t.conn = conn
		t.mu.Unlock()

		log.Infof("Push transport connected for session %s", t.sessionID)
		t.notifyStatus(true)

		normal := t.readLoop(conn)
		t.notifyStatus(false)

		select {
		case <-t.closed:
			return
		default:
		}
		if normal {
			// Device closed the channel cleanly; nothing to recover.
			log.Infof("Push transport for session %s closed by device", t.sessionID)
			return
		}
		log.Warnf("Push transport for session %s lost unexpectedly. Reconnecting in %s",
			t.sessionID, t.reconnectDelay)
		if !t.sleepOrClosed() {
			return
		}
	}
}

// readLoop pumps inbound messages until the connection drops. Returns true
// when the peer closed with a normal close code.
func (t *PushTransport) readLoop(conn *websocket.Conn) bool {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Warnf("Push transport for session %s: malformed message: %v", t.sessionID, err)
			continue
		}
		if t.handler != nil {
			t.handler(env)
		}
	}
}

// Send writes a message to the device over the push channel.
func (t *PushTransport) Send(v interface{}) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("push transport for session %s is not connected", t.sessionID)
	}
	return conn.WriteJSON(v)
}

// Close stops the transport and any pending reconnect. Safe to call more
// than once.
func (t *PushTransport) Close() {
	t.closeOnce.Do(func() {
		close(t.closed)
		t.mu.Lock()
		conn := t.conn
		t.mu.Unlock()
		if conn != nil {
			// Best effort: tell the device we are leaving cleanly.
			deadline := time.Now().Add(time.Second)
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			conn.Close()
		}
		log.Debugf("Push transport for session %s closed", t.sessionID)
	})
}

func (t *PushTransport) notifyStatus(connected bool) {
	if t.onStatus != nil {
		t.onStatus(connected)
	}
}

// sleepOrClosed waits the reconnect delay; returns false if Close happened
// in the meantime.
func (t *PushTransport) sleepOrClosed() bool {
	select {
	case <-t.closed:
		return false
	case <-time.After(t.reconnectDelay):
		return true
	}
}
