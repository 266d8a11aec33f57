// Package vad implements energy-threshold voice activity detection with the
// two silence policies the session protocol needs: an initial-silence timeout
// for turns where the user never speaks, and an inter-utterance timeout that
// closes a turn once the user has stopped speaking.
package vad

import "time"

// State is the detector's activity state.
type State int

const (
	Silent State = iota
	Active
)

func (s State) String() string {
	if s == Active {
		return "ACTIVE"
	}
	return "SILENT"
}

// Turn-end reasons surfaced to the session layer.
const (
	ReasonInitialSilence = "initial_silence"
	ReasonVADSilence     = "vadsilence"
	ReasonBargeIn        = "barge_in"
	ReasonStopped        = "stopped"
)

// Config controls detection thresholds and timeouts.
type Config struct {
	// Threshold is the RMS level at or above which a frame counts as speech.
	Threshold float64
	// InitialSilence ends the turn if no speech arrives after turn start.
	InitialSilence time.Duration
	// InterUtteranceSilence ends the turn once speech has been heard and
	// this much silence has accumulated since the last active frame.
	InterUtteranceSilence time.Duration
}

// DefaultConfig returns thresholds tuned for 16 kHz mono microphone input.
func DefaultConfig() Config {
	return Config{
		Threshold:             0.015,
		InitialSilence:        4000 * time.Millisecond,
		InterUtteranceSilence: 1200 * time.Millisecond,
	}
}

// Decision is the detector's per-frame output. Reason is set only when
// EndOfTurn is true.
type Decision struct {
	EndOfTurn bool
	Reason    string
}

// Detector is the SILENT/ACTIVE state machine for one turn at a time.
// It only signals; ending the turn on the wire is the session's job.
type Detector struct {
	cfg Config

	state       State
	turnStart   time.Time
	lastFrameAt time.Time
	silentFor   time.Duration
	hasAudio    bool
	inTurn      bool
}

// New creates a detector with the given config.
func New(cfg Config) *Detector {
	return &Detector{cfg: cfg, state: Silent}
}

// StartTurn arms the detector for a new user turn beginning at now.
func (d *Detector) StartTurn(now time.Time) {
	d.state = Silent
	d.turnStart = now
	d.lastFrameAt = now
	d.silentFor = 0
	d.hasAudio = false
	d.inTurn = true
}

// EndTurn disarms the detector.
func (d *Detector) EndTurn() { d.inTurn = false }

// State reports the current activity state.
func (d *Detector) State() State { return d.state }

// SilentFor reports silence accumulated since the last active frame.
// It is monotonically non-decreasing while SILENT and resets to zero on the
// SILENT to ACTIVE transition.
func (d *Detector) SilentFor() time.Duration { return d.silentFor }

// HasAudio reports whether any speech was detected this turn.
func (d *Detector) HasAudio() bool { return d.hasAudio }

// Observe feeds one frame's RMS energy and real capture timestamp.
// Silence is accumulated from timestamp deltas, not frame counts, so the
// timeouts stay correct under capture jitter.
func (d *Detector) Observe(rms float64, ts time.Time) Decision {
	if !d.inTurn {
		return Decision{}
	}

	elapsed := ts.Sub(d.lastFrameAt)
	if elapsed < 0 {
		elapsed = 0
	}
	d.lastFrameAt = ts

	if rms >= d.cfg.Threshold {
		d.state = Active
		d.silentFor = 0
		d.hasAudio = true
		return Decision{}
	}

	if d.state == Active {
		d.state = Silent
	}
	d.silentFor += elapsed

	return d.check(ts)
}

// Check evaluates the timeout policies against now without a new frame.
// The session calls this from its tick so a stalled device still times out.
// Frames that never arrived carry no energy, so the gap counts as silence
// even if the last observed frame was speech.
func (d *Detector) Check(now time.Time) Decision {
	if !d.inTurn {
		return Decision{}
	}
	gap := now.Sub(d.lastFrameAt)
	if gap > 0 {
		d.state = Silent
		d.silentFor += gap
		d.lastFrameAt = now
	}
	return d.check(now)
}

func (d *Detector) check(now time.Time) Decision {
	if !d.hasAudio {
		if now.Sub(d.turnStart) >= d.cfg.InitialSilence {
			d.inTurn = false
			return Decision{EndOfTurn: true, Reason: ReasonInitialSilence}
		}
		return Decision{}
	}
	if d.state == Silent && d.silentFor >= d.cfg.InterUtteranceSilence {
		d.inTurn = false
		return Decision{EndOfTurn: true, Reason: ReasonVADSilence}
	}
	return Decision{}
}
