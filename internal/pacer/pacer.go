// Package pacer coalesces PCM16 audio into fixed-size chunks and meters them
// out to the protocol layer under a queue-depth backpressure budget.
package pacer

import (
	"encoding/base64"
	"time"
)

// Config controls chunking and tick cadence.
type Config struct {
	// TargetSamples is the chunk size in samples (100 ms at 16 kHz).
	TargetSamples int
	// BaseInterval is the tick period while audio is flowing.
	BaseInterval time.Duration
	// MaxInterval caps the backed-off tick period while idle.
	MaxInterval time.Duration
	// IdleTicks is how many consecutive empty ticks trigger a backoff step.
	IdleTicks int
}

// DefaultConfig returns the nominal 100 ms chunk cadence.
func DefaultConfig() Config {
	return Config{
		TargetSamples: 1600,
		BaseInterval:  50 * time.Millisecond,
		MaxInterval:   400 * time.Millisecond,
		IdleTicks:     4,
	}
}

// Pacer accumulates PCM16 bytes and emits base64-encoded chunks on ticks.
// It is not safe for concurrent use; the session coordinator owns it.
type Pacer struct {
	cfg         Config
	buf         []byte
	interval    time.Duration
	emptyStreak int
}

// New creates a pacer.
func New(cfg Config) *Pacer {
	if cfg.TargetSamples <= 0 {
		cfg = DefaultConfig()
	}
	return &Pacer{cfg: cfg, interval: cfg.BaseInterval}
}

// Push appends PCM16 bytes for later chunking. Input length is arbitrary;
// chunk boundaries are imposed at tick time.
func (p *Pacer) Push(pcm []byte) {
	p.buf = append(p.buf, pcm...)
}

// PendingBytes reports buffered bytes not yet emitted.
func (p *Pacer) PendingBytes() int { return len(p.buf) }

// Interval is the current tick period, adapted to recent load.
func (p *Pacer) Interval() time.Duration { return p.interval }

// Tick emits one full chunk if available and the backpressure budget allows.
// budgetFree reports whether the outbound queue can accept another event;
// when false a ready chunk is deferred, never dropped. The adaptive cadence
// backs off after consecutive empty ticks and snaps back once data moves.
func (p *Pacer) Tick(budgetFree bool) (chunk string, ok bool) {
	target := p.cfg.TargetSamples * 2

	if len(p.buf) >= target && budgetFree {
		chunk = base64.StdEncoding.EncodeToString(p.buf[:target])
		p.buf = append(p.buf[:0], p.buf[target:]...)
		p.emptyStreak = 0
		p.interval = p.cfg.BaseInterval
		return chunk, true
	}

	if len(p.buf) >= target {
		// Deferred by backpressure: keep polling at the base cadence so the
		// chunk goes out as soon as the queue drains.
		p.emptyStreak = 0
		p.interval = p.cfg.BaseInterval
		return "", false
	}

	p.emptyStreak++
	if p.emptyStreak >= p.cfg.IdleTicks && p.interval < p.cfg.MaxInterval {
		p.interval *= 2
		if p.interval > p.cfg.MaxInterval {
			p.interval = p.cfg.MaxInterval
		}
		p.emptyStreak = 0
	}
	return "", false
}

// Flush drains everything buffered, including a sub-target remainder, as
// base64 chunks of at most the target size. Called on turn end and stop so
// no audio is silently dropped.
func (p *Pacer) Flush() []string {
	target := p.cfg.TargetSamples * 2
	var chunks []string
	for len(p.buf) > 0 {
		n := min(len(p.buf), target)
		chunks = append(chunks, base64.StdEncoding.EncodeToString(p.buf[:n]))
		p.buf = append(p.buf[:0], p.buf[n:]...)
	}
	p.interval = p.cfg.BaseInterval
	p.emptyStreak = 0
	return chunks
}
