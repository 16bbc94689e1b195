// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package backend

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
)

// =============================================================================
// STREAM CONNECTION
// =============================================================================

// Stream is one open chat stream. Read must be called from a single
// goroutine; Send and Close may be called from any goroutine.
type Stream interface {
	// Send transmits one user turn.
	Send(req ChatRequest) error
	// Read blocks for the next server frame. It returns ErrStreamClosed
	// after a clean close and another error for any other termination.
	Read() ([]byte, error)
	// Close terminates the connection. It is safe to call more than once.
	Close() error
}

// ErrStreamClosed is returned by Read when the peer or the local side
// closed the stream normally.
var ErrStreamClosed = errors.New("stream closed")

const (
	writeWait = 10 * time.Second
)

// wsStream adapts a websocket connection to Stream.
type wsStream struct {
	conn *websocket.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// DialStream opens the chat stream for slug/sessionID.
func (c *Client) DialStream(ctx context.Context, slug, sessionID string) (Stream, error) {
	dialer := websocket.Dialer{
		Proxy:            websocket.DefaultDialer.Proxy,
		HandshakeTimeout: c.config.DialTimeout,
	}

	endpoint := c.StreamEndpoint(slug, sessionID)
	conn, resp, err := dialer.DialContext(ctx, endpoint, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		ce := &ClientError{Type: ErrTypeConnection, Message: "failed to open stream " + endpoint, Cause: err}
		if resp != nil {
			ce.Status = resp.StatusCode
		}
		return nil, ce
	}
	return &wsStream{conn: conn}, nil
}

func (s *wsStream) Send(req ChatRequest) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteJSON(req); err != nil {
		return &ClientError{Type: ErrTypeConnection, Message: "failed to send message", Cause: err}
	}
	return nil
}

func (s *wsStream) Read() ([]byte, error) {
	for {
		kind, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || errors.Is(err, net.ErrClosed) {
				return nil, ErrStreamClosed
			}
			return nil, &ClientError{Type: ErrTypeConnection, Message: "stream read failed", Cause: err}
		}
		if kind == websocket.TextMessage || kind == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (s *wsStream) Close() error {
	s.closeOnce.Do(func() {
		// WriteControl is safe alongside a concurrent Send.
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}
