package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// ErrTransportClosed indicates a send on a transport that is no longer
// open.
var ErrTransportClosed = errors.New("relay transport is not open")

const writeTimeout = 10 * time.Second

// WSTransport is a websocket-backed Transport. Writes are serialized with
// a mutex since gorilla/websocket permits only one concurrent writer.
type WSTransport struct {
	mu    sync.Mutex
	conn  *websocket.Conn
	state ConnState
}

// DialWS connects to a relay websocket endpoint. The returned transport
// is open and ready to send.
func DialWS(ctx context.Context, url string) (*WSTransport, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay %s: %w", url, err)
	}
	logrus.WithFields(logrus.Fields{
		"function": "DialWS",
		"url":      url,
	}).Info("Connected to relay")
	return &WSTransport{conn: conn, state: StateOpen}, nil
}

// Send writes one frame to the relay.
func (t *WSTransport) Send(msg ClientMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateOpen {
		return fmt.Errorf("%w: state %s", ErrTransportClosed, t.state)
	}
	if err := t.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := t.conn.WriteJSON(msg); err != nil {
		t.state = StateClosed
		return fmt.Errorf("write %s frame: %w", msg.Type, err)
	}
	return nil
}

// State reports the transport's readiness.
func (t *WSTransport) State() ConnState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Close performs a websocket close handshake and tears the connection
// down. Safe to call more than once.
func (t *WSTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateClosed {
		return nil
	}
	t.state = StateClosing
	deadline := time.Now().Add(writeTimeout)
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	err := t.conn.Close()
	t.state = StateClosed
	return err
}

// ReadLoop reads inbound frames and hands each to receiver until the
// connection fails or closes. It always leaves the transport closed and
// returns the terminal read error, or nil on a normal peer close.
func (t *WSTransport) ReadLoop(receiver *Receiver) error {
	defer func() {
		t.mu.Lock()
		t.state = StateClosed
		t.mu.Unlock()
	}()

	for {
		var msg ServerMessage
		if err := t.conn.ReadJSON(&msg); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read relay frame: %w", err)
		}
		if err := receiver.OnServerMessage(msg); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "ReadLoop",
				"type":     msg.Type,
				"error":    err,
			}).Error("Failed to process relay frame")
		}
	}
}
