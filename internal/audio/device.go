package audio

import (
	"context"
	"errors"
	"time"
)

// ErrDeviceUnavailable is returned when a capture device cannot be opened
// (missing hardware, denied permission, already in use).
var ErrDeviceUnavailable = errors.New("audio: capture device unavailable")

// RawFrame is one capture callback's worth of audio as delivered by the
// device: interleaved float32 samples at the device's native rate.
type RawFrame struct {
	Samples    []float32
	Channels   int
	SampleRate int
	Timestamp  time.Time
}

// Device is a microphone-capable capture source supplied by the caller.
// Start delivers frames to emit until Stop or context cancellation; emit must
// not be called after Start returns an error or Stop completes. A device is
// exclusively owned by one session at a time.
type Device interface {
	Start(ctx context.Context, emit func(RawFrame)) error
	Stop() error
}
