package stream

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketDialer connects to the voice model service over WebSocket.
type WebSocketDialer struct {
	URL              string
	Credentials      Credentials
	HandshakeTimeout time.Duration
}

// Dial opens the connection. On an auth rejection it invalidates the cached
// credentials and retries once; a second failure is fatal to the caller.
func (d *WebSocketDialer) Dial(ctx context.Context) (Stream, error) {
	conn, err := d.dialOnce(ctx)
	if isAuthError(err) && d.Credentials != nil {
		d.Credentials.Invalidate()
		conn, err = d.dialOnce(ctx)
	}
	if err != nil {
		return nil, err
	}

	ws := &wsStream{
		conn:   conn,
		events: make(chan Result, 100),
	}
	go ws.readLoop()
	return ws, nil
}

func (d *WebSocketDialer) dialOnce(ctx context.Context) (*websocket.Conn, error) {
	headers := http.Header{}
	if d.Credentials != nil {
		var err error
		headers, err = d.Credentials.Headers(ctx)
		if err != nil {
			return nil, fmt.Errorf("stream: credentials: %w", err)
		}
	}

	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dialer := websocket.Dialer{HandshakeTimeout: timeout}

	conn, resp, err := dialer.DialContext(ctx, d.URL, headers)
	if err != nil {
		if resp != nil {
			return nil, &dialError{status: resp.StatusCode, err: err}
		}
		return nil, fmt.Errorf("stream: dial %s: %w", d.URL, err)
	}
	return conn, nil
}

type dialError struct {
	status int
	err    error
}

func (e *dialError) Error() string {
	return fmt.Sprintf("stream: dial rejected (%d): %v", e.status, e.err)
}

func (e *dialError) Unwrap() error { return e.err }

func isAuthError(err error) bool {
	de, ok := err.(*dialError)
	return ok && (de.status == http.StatusUnauthorized || de.status == http.StatusForbidden)
}

type wsStream struct {
	conn      *websocket.Conn
	events    chan Result
	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    bool
}

func (s *wsStream) Send(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *wsStream) Events() <-chan Result { return s.events }

func (s *wsStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.writeMu.Lock()
		s.closed = true
		deadline := time.Now().Add(time.Second)
		s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	return err
}

func (s *wsStream) readLoop() {
	defer close(s.events)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if !s.isClosed() {
				s.events <- Result{Err: err}
			}
			return
		}
		s.events <- Result{Data: data}
	}
}

func (s *wsStream) isClosed() bool {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.closed
}
