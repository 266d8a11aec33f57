package ws

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/tutorvoice/engine/internal/audio"
)

func TestClientDeviceFeed(t *testing.T) {
	dev := newClientDevice(16000, 1)

	var mu sync.Mutex
	var frames []audio.RawFrame
	if err := dev.Start(context.Background(), func(f audio.RawFrame) {
		mu.Lock()
		frames = append(frames, f)
		mu.Unlock()
	}); err != nil {
		t.Fatal(err)
	}
	defer dev.Stop()

	pcm := make([]byte, 320)
	dev.Feed(pcm)

	mu.Lock()
	defer mu.Unlock()
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	f := frames[0]
	if len(f.Samples) != 160 {
		t.Errorf("samples = %d, want 160", len(f.Samples))
	}
	if f.SampleRate != 16000 || f.Channels != 1 {
		t.Errorf("frame format = %d Hz %d ch", f.SampleRate, f.Channels)
	}
	if f.Timestamp.IsZero() {
		t.Error("frame has no capture timestamp")
	}
}

func TestClientDeviceFeedAfterStopDiscards(t *testing.T) {
	dev := newClientDevice(16000, 1)

	delivered := 0
	dev.Start(context.Background(), func(audio.RawFrame) { delivered++ })
	dev.Stop()

	dev.Feed(make([]byte, 320))
	if delivered != 0 {
		t.Errorf("stopped device delivered %d frames", delivered)
	}
}

func TestClientDeviceStopsOnContextCancel(t *testing.T) {
	dev := newClientDevice(16000, 1)
	ctx, cancel := context.WithCancel(context.Background())

	var mu sync.Mutex
	delivered := 0
	dev.Start(ctx, func(audio.RawFrame) {
		mu.Lock()
		delivered++
		mu.Unlock()
	})

	cancel()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		dev.Feed(make([]byte, 320))
		dev.mu.Lock()
		stopped := dev.emit == nil
		dev.mu.Unlock()
		if stopped {
			break
		}
		time.Sleep(time.Millisecond)
	}

	mu.Lock()
	before := delivered
	mu.Unlock()
	dev.Feed(make([]byte, 320))
	mu.Lock()
	defer mu.Unlock()
	if delivered != before {
		t.Error("frame delivered after context cancellation")
	}
}
