// Package stream provides the transport to the remote voice model service:
// an ordered bidirectional byte stream carrying protocol event payloads.
package stream

import (
	"context"
	"errors"
	"net/http"
)

// ErrClosed is returned by Send after the stream has been closed.
var ErrClosed = errors.New("stream: closed")

// Result is one inbound payload or a terminal transport error. After a
// Result with a non-nil Err, the events channel is closed.
type Result struct {
	Data []byte
	Err  error
}

// Stream is an open bidirectional connection to the voice model service.
// Send delivers payloads in call order; Events yields inbound payloads in
// delivery order.
type Stream interface {
	Send(data []byte) error
	Events() <-chan Result
	Close() error
}

// Credentials supplies auth material for dialing. Invalidate discards cached
// material so the next Headers call re-authenticates.
type Credentials interface {
	Headers(ctx context.Context) (http.Header, error)
	Invalidate()
}

// Dialer opens streams. Injected into the engine so tests substitute an
// in-memory transport.
type Dialer interface {
	Dial(ctx context.Context) (Stream, error)
}

// StaticCredentials is a fixed bearer token, for development setups.
type StaticCredentials struct {
	Token string
}

func (s StaticCredentials) Headers(context.Context) (http.Header, error) {
	h := http.Header{}
	if s.Token != "" {
		h.Set("Authorization", "Bearer "+s.Token)
	}
	return h, nil
}

func (StaticCredentials) Invalidate() {}
