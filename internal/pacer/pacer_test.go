package pacer

import (
	"encoding/base64"
	"testing"
	"time"
)

func testConfig() Config {
	return Config{
		TargetSamples: 1600,
		BaseInterval:  50 * time.Millisecond,
		MaxInterval:   400 * time.Millisecond,
		IdleTicks:     4,
	}
}

func pcm(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i)
	}
	return b
}

func TestTickEmitsFullChunks(t *testing.T) {
	p := New(testConfig())
	p.Push(pcm(3200))

	chunk, ok := p.Tick(true)
	if !ok {
		t.Fatal("Tick returned no chunk with a full buffer")
	}
	raw, err := base64.StdEncoding.DecodeString(chunk)
	if err != nil {
		t.Fatalf("chunk is not valid base64: %v", err)
	}
	if len(raw) != 3200 {
		t.Errorf("chunk size = %d bytes, want 3200", len(raw))
	}
	if p.PendingBytes() != 0 {
		t.Errorf("PendingBytes = %d after emitting exact chunk", p.PendingBytes())
	}
}

func TestTickHoldsPartialChunk(t *testing.T) {
	p := New(testConfig())
	p.Push(pcm(3199))

	if _, ok := p.Tick(true); ok {
		t.Error("Tick emitted a sub-target chunk")
	}
	if p.PendingBytes() != 3199 {
		t.Errorf("PendingBytes = %d, want 3199", p.PendingBytes())
	}
}

func TestBackpressureDefersWithoutLoss(t *testing.T) {
	p := New(testConfig())
	p.Push(pcm(6400))

	// Budget exhausted: the chunk is deferred, not dropped.
	for i := 0; i < 3; i++ {
		if _, ok := p.Tick(false); ok {
			t.Fatal("Tick emitted under exhausted budget")
		}
	}
	if p.PendingBytes() != 6400 {
		t.Fatalf("bytes lost under backpressure: %d remain", p.PendingBytes())
	}
	// Deferral keeps the base cadence so drain is noticed promptly.
	if p.Interval() != 50*time.Millisecond {
		t.Errorf("Interval during deferral = %v, want base", p.Interval())
	}

	// Budget recovers: both chunks go out in order.
	c1, ok := p.Tick(true)
	if !ok {
		t.Fatal("first deferred chunk not emitted after budget recovery")
	}
	c2, ok := p.Tick(true)
	if !ok {
		t.Fatal("second deferred chunk not emitted")
	}
	b1, _ := base64.StdEncoding.DecodeString(c1)
	b2, _ := base64.StdEncoding.DecodeString(c2)
	want := pcm(6400)
	for i, b := range append(b1, b2...) {
		if b != want[i] {
			t.Fatalf("byte %d reordered or corrupted", i)
		}
	}
}

func TestAdaptiveBackoffAndSnapBack(t *testing.T) {
	p := New(testConfig())

	if p.Interval() != 50*time.Millisecond {
		t.Fatalf("initial interval = %v", p.Interval())
	}

	// Four empty ticks double the interval.
	for i := 0; i < 4; i++ {
		p.Tick(true)
	}
	if p.Interval() != 100*time.Millisecond {
		t.Errorf("interval after 4 empty ticks = %v, want 100ms", p.Interval())
	}

	// Keep idling: interval caps at MaxInterval.
	for i := 0; i < 16; i++ {
		p.Tick(true)
	}
	if p.Interval() != 400*time.Millisecond {
		t.Errorf("interval after long idle = %v, want 400ms cap", p.Interval())
	}

	// Data moves: snap back to base.
	p.Push(pcm(3200))
	if _, ok := p.Tick(true); !ok {
		t.Fatal("Tick did not emit after data arrived")
	}
	if p.Interval() != 50*time.Millisecond {
		t.Errorf("interval after emission = %v, want base", p.Interval())
	}
}

func TestFlushDrainsRemainder(t *testing.T) {
	p := New(testConfig())
	p.Push(pcm(3200 + 1000))

	chunks := p.Flush()
	if len(chunks) != 2 {
		t.Fatalf("Flush returned %d chunks, want 2", len(chunks))
	}
	b1, _ := base64.StdEncoding.DecodeString(chunks[0])
	b2, _ := base64.StdEncoding.DecodeString(chunks[1])
	if len(b1) != 3200 || len(b2) != 1000 {
		t.Errorf("chunk sizes = %d, %d; want 3200, 1000", len(b1), len(b2))
	}
	if p.PendingBytes() != 0 {
		t.Errorf("PendingBytes = %d after Flush", p.PendingBytes())
	}
}

func TestFlushEmpty(t *testing.T) {
	p := New(testConfig())
	if chunks := p.Flush(); len(chunks) != 0 {
		t.Errorf("Flush of empty pacer returned %d chunks", len(chunks))
	}
}

func TestPushAccumulatesAcrossFrames(t *testing.T) {
	p := New(testConfig())
	// 10 frames of 320 bytes = one full chunk.
	for i := 0; i < 10; i++ {
		p.Push(pcm(320))
	}
	if _, ok := p.Tick(true); !ok {
		t.Error("accumulated frames did not form a chunk")
	}
}
