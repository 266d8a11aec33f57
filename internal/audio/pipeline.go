package audio

import (
	"time"

	"github.com/tutorvoice/engine/internal/metrics"
)

// ProtocolSampleRate is the fixed input rate expected by the voice model.
const ProtocolSampleRate = 16000

// Frame is one processed capture frame: mono PCM16 at the protocol rate,
// with its RMS energy and original capture timestamp.
type Frame struct {
	PCM       []byte
	RMS       float64
	Timestamp time.Time
}

// Pipeline turns raw device frames into protocol-ready frames: downmix to
// mono, resample to 16 kHz, compute RMS, quantize to PCM16. Processed frames
// are posted to Out with a non-blocking send so the capture callback is never
// stalled; a full channel drops the frame and counts it.
type Pipeline struct {
	out chan Frame
}

// NewPipeline creates a pipeline with the given output buffer depth.
func NewPipeline(depth int) *Pipeline {
	if depth <= 0 {
		depth = 64
	}
	return &Pipeline{out: make(chan Frame, depth)}
}

// Out is the processed frame stream consumed by the session coordinator.
func (p *Pipeline) Out() <-chan Frame { return p.out }

// Process converts one raw frame and posts it. Safe to call from a device
// callback goroutine; it never blocks and never touches session state.
func (p *Pipeline) Process(raw RawFrame) {
	mono := Downmix(raw.Samples, raw.Channels)
	mono = Resample(mono, raw.SampleRate, ProtocolSampleRate)

	frame := Frame{
		PCM:       EncodePCM16(mono),
		RMS:       RMS(mono),
		Timestamp: raw.Timestamp,
	}

	select {
	case p.out <- frame:
	default:
		metrics.FramesDropped.Inc()
	}
}
