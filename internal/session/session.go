// Package session owns the conversation lifecycle: the Session aggregate and
// its coordinator loop, the registry, automatic continuation past the remote
// duration ceiling, and the caller-facing Engine API.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/tutorvoice/engine/internal/audio"
	"github.com/tutorvoice/engine/internal/clock"
	"github.com/tutorvoice/engine/internal/dispatch"
	"github.com/tutorvoice/engine/internal/metrics"
	"github.com/tutorvoice/engine/internal/pacer"
	"github.com/tutorvoice/engine/internal/protocol"
	"github.com/tutorvoice/engine/internal/strategiclog"
	"github.com/tutorvoice/engine/internal/stream"
	"github.com/tutorvoice/engine/internal/vad"
)

// Session errors.
var (
	ErrSessionClosed = errors.New("session: closed")
	ErrNoDevice      = errors.New("session: no capture device configured")
)

// bargeInMarker is embedded in assistant text output when the model was
// interrupted mid-generation.
const bargeInMarker = `{ "interrupted" : true }`

type ctrlKind int

const (
	ctrlStop ctrlKind = iota
	ctrlBargeIn
	ctrlStartCapture
	ctrlStopCapture
	ctrlSnapshot
)

type ctrlMsg struct {
	kind  ctrlKind
	reply chan error
	turns chan []ConversationTurn
}

// ContinuationSnapshot carries everything a successor session needs.
type ContinuationSnapshot struct {
	PrevID    string
	Number    int
	Config    Config
	History   []ConversationTurn
	CaptureOn bool
}

// Session is the root aggregate for one protocol session. All mutable state
// is owned by the coordinator goroutine; other goroutines communicate through
// the control channel, the frame channel, and the stream's event channel.
type Session struct {
	id     string
	number int
	cfg    Config
	resume bool

	machine *protocol.Machine
	queue   *protocol.Queue
	stream  stream.Stream
	pipe    *audio.Pipeline
	det     *vad.Detector
	pac     *pacer.Pacer

	clk  clock.Clock
	log  *strategiclog.Logger
	disp *dispatch.Dispatcher

	// Coordinator-owned state.
	history              []ConversationTurn
	recording            bool
	active               bool
	restartPending       bool
	stopped              bool
	deviceOn             bool
	deviceCancel         context.CancelFunc
	lastVADState         vad.State
	inRole               string
	inModality           string
	speculative          bool
	ignoreAssistantAudio bool
	pendingText          strings.Builder
	startedAt            time.Time

	// Continuation.
	contTimer    clock.Timer
	contPending  bool
	contInFlight bool
	onContinue   func(ContinuationSnapshot)

	ctrl       chan ctrlMsg
	done       chan struct{}
	writerDone chan struct{}
}

// ID is the caller-visible session identifier.
func (s *Session) ID() string { return s.id }

// Number is the logical conversation's session sequence number.
func (s *Session) Number() int { return s.number }

// Stop requests teardown and waits for the coordinator to exit. Idempotent:
// stopping an already-stopped session is a no-op.
func (s *Session) Stop() error {
	err := s.send(ctrlMsg{kind: ctrlStop, reply: make(chan error, 1)})
	if errors.Is(err, ErrSessionClosed) {
		return nil
	}
	<-s.done
	return err
}

// BargeIn interrupts in-flight assistant audio and forces a fresh turn.
func (s *Session) BargeIn() error {
	return s.send(ctrlMsg{kind: ctrlBargeIn, reply: make(chan error, 1)})
}

// StartCapture connects the capture device and opens the first audio turn.
func (s *Session) StartCapture() error {
	return s.send(ctrlMsg{kind: ctrlStartCapture, reply: make(chan error, 1)})
}

// StopCapture disconnects the capture device, closing any open turn.
func (s *Session) StopCapture() error {
	return s.send(ctrlMsg{kind: ctrlStopCapture, reply: make(chan error, 1)})
}

// Snapshot returns a copy of the most recent MaxHistoryTurns turns.
func (s *Session) Snapshot() ([]ConversationTurn, error) {
	msg := ctrlMsg{kind: ctrlSnapshot, reply: make(chan error, 1), turns: make(chan []ConversationTurn, 1)}
	if err := s.send(msg); err != nil {
		return nil, err
	}
	return <-msg.turns, nil
}

func (s *Session) send(msg ctrlMsg) error {
	select {
	case s.ctrl <- msg:
		return <-msg.reply
	case <-s.done:
		return ErrSessionClosed
	}
}

// run is the coordinator loop: the single goroutine that touches session
// state. It multiplexes capture frames, the pacing tick, inbound protocol
// events, the continuation deadline, and control requests.
func (s *Session) run() {
	defer close(s.done)

	tick := s.clk.NewTimer(s.pac.Interval())
	defer tick.Stop()

	var contC <-chan time.Time
	if s.contTimer != nil {
		contC = s.contTimer.C()
	}

	for {
		select {
		case f := <-s.pipe.Out():
			s.handleFrame(f)

		case <-tick.C():
			s.handleTick()
			tick.Reset(s.pac.Interval())

		case res, ok := <-s.stream.Events():
			if !ok {
				s.handleStreamLost(errors.New("stream closed"))
				return
			}
			if res.Err != nil {
				s.handleStreamLost(res.Err)
				return
			}
			s.handleInbound(res.Data)

		case <-contC:
			s.handleContinuationDue()

		case msg := <-s.ctrl:
			if s.handleCtrl(msg) {
				return
			}
		}
	}
}

func (s *Session) handleCtrl(msg ctrlMsg) (exit bool) {
	switch msg.kind {
	case ctrlStop:
		s.shutdown()
		msg.reply <- nil
		return true
	case ctrlBargeIn:
		s.handleBargeIn()
		msg.reply <- nil
	case ctrlStartCapture:
		msg.reply <- s.startCapture()
	case ctrlStopCapture:
		msg.reply <- s.stopCapture()
	case ctrlSnapshot:
		msg.turns <- lastTurns(s.history, s.cfg.MaxHistoryTurns)
		msg.reply <- nil
	}
	return false
}

// writer drains the outbound queue to the stream in FIFO order. It keeps
// draining after send errors so termination never truncates queued events,
// and closes the stream only once the queue is fully drained.
func (s *Session) writer() {
	defer close(s.writerDone)
	for ev := range s.queue.C() {
		data, err := protocol.MarshalOutbound(ev)
		if err != nil {
			s.log.Logf(strategiclog.Stream, strategiclog.Error, "marshal outbound %s: %v", ev.Tag(), err)
			continue
		}
		if err := s.stream.Send(data); err != nil {
			s.log.Logf(strategiclog.Stream, strategiclog.Warn, "send %s: %v", ev.Tag(), err)
			continue
		}
		metrics.OutboundEvents.WithLabelValues(ev.Tag()).Inc()
		if ev.Tag() == "audioInput" {
			metrics.AudioChunksSent.Inc()
		}
	}
	s.stream.Close()
}

func (s *Session) startCapture() error {
	if s.cfg.Device == nil {
		s.dispatchError(ErrNoDevice.Error())
		return ErrNoDevice
	}
	if s.deviceOn {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := s.cfg.Device.Start(ctx, s.pipe.Process); err != nil {
		cancel()
		s.dispatchError("capture device: " + err.Error())
		return errors.Join(audio.ErrDeviceUnavailable, err)
	}
	s.deviceCancel = cancel
	s.deviceOn = true
	s.log.Logf(strategiclog.Audio, strategiclog.Info, "capture started session=%s", s.id)
	return s.beginTurn()
}

func (s *Session) stopCapture() error {
	if !s.deviceOn {
		return nil
	}
	s.releaseDevice()
	if s.recording {
		s.endTurn(vad.ReasonStopped)
	}
	return nil
}

func (s *Session) releaseDevice() {
	if s.deviceCancel != nil {
		s.deviceCancel()
		s.deviceCancel = nil
	}
	if s.cfg.Device != nil {
		s.cfg.Device.Stop()
	}
	s.deviceOn = false
}

// beginTurn opens a fresh interactive audio content block and arms the VAD.
func (s *Session) beginTurn() error {
	if !s.active || s.recording {
		return nil
	}
	evs, err := s.machine.BeginAudioTurn()
	if err != nil {
		return err
	}
	for _, ev := range evs {
		s.queue.Push(ev)
	}
	s.det.StartTurn(s.clk.Now())
	s.lastVADState = vad.Silent
	s.recording = true
	s.log.Logf(strategiclog.VAD, strategiclog.Debug, "turn started content=%s", s.machine.AudioContentID)
	return nil
}

// endTurn closes the open audio block. Buffered audio is flushed first so
// nothing is dropped — unless the turn never contained speech, in which case
// the buffered silence is discarded and no audioInput is ever sent.
func (s *Session) endTurn(reason string) {
	chunks := s.pac.Flush()
	if s.machine.ContentOpen() && s.det.HasAudio() {
		for _, c := range chunks {
			if ev, err := s.machine.AudioChunk(c); err == nil {
				s.queue.Push(ev)
			}
		}
	}
	s.det.EndTurn()

	if evs, err := s.machine.EndAudioTurn(); err == nil {
		for _, ev := range evs {
			s.queue.Push(ev)
		}
	}
	s.recording = false
	metrics.TurnsTotal.WithLabelValues(reason).Inc()
	s.disp.Publish(dispatch.Event{
		SessionID: s.id,
		Type:      dispatch.TurnEnd,
		Reason:    reason,
		Timestamp: s.clk.Now(),
	})
	s.log.Logf(strategiclog.VAD, strategiclog.Info, "turn ended reason=%s", reason)

	if s.contPending {
		s.doContinuation()
	}
}

func (s *Session) handleFrame(f audio.Frame) {
	if !s.recording {
		return
	}
	s.pac.Push(f.PCM)

	d := s.det.Observe(f.RMS, f.Timestamp)
	if st := s.det.State(); st != s.lastVADState {
		s.lastVADState = st
		s.log.Logf(strategiclog.VAD, strategiclog.Debug, "state=%s rms=%.4f", st, f.RMS)
	}
	if d.EndOfTurn {
		s.endTurn(d.Reason)
	}
}

// handleTick runs the pacer: emits one ready chunk when the backpressure
// budget allows, and re-checks VAD timeouts so a stalled device still closes
// the turn. Audio is only transmitted once the turn contains speech; silence
// buffered before the first active frame is either carried along as
// pre-speech context or discarded with the turn.
func (s *Session) handleTick() {
	metrics.QueueDepth.Set(float64(s.queue.Len()))

	if !s.recording {
		s.pac.Tick(false)
		return
	}

	if d := s.det.Check(s.clk.Now()); d.EndOfTurn {
		s.endTurn(d.Reason)
		return
	}

	if !s.machine.ContentOpen() || !s.det.HasAudio() {
		return
	}

	budget := s.queue.Free()
	chunk, ok := s.pac.Tick(budget)
	if !ok {
		if !budget && s.pac.PendingBytes() >= s.cfg.Pacer.TargetSamples*2 {
			metrics.ChunksDeferred.Inc()
			s.log.Logf(strategiclog.Performance, strategiclog.Debug, "chunk deferred depth=%d", s.queue.Len())
		}
		return
	}
	ev, err := s.machine.AudioChunk(chunk)
	if err != nil {
		return
	}
	s.queue.Push(ev)
}

func (s *Session) handleInbound(data []byte) {
	ev, err := protocol.DecodeInbound(data)
	if err != nil {
		metrics.InboundParseErrors.Inc()
		s.log.Logf(strategiclog.Stream, strategiclog.Warn, "discarding inbound payload: %v", err)
		return
	}
	metrics.InboundEvents.WithLabelValues(ev.InTag()).Inc()

	switch e := ev.(type) {
	case *protocol.CompletionStart:
		// Assistant generation beginning; nothing to surface yet.

	case *protocol.InboundContentStart:
		s.inRole = e.Role
		s.inModality = ModalityText
		if e.Type == protocol.ContentTypeAudio {
			s.inModality = ModalityAudio
		}
		s.speculative = generationStage(e.AdditionalModelFields) == "SPECULATIVE"
		if e.Type == protocol.ContentTypeAudio && e.Role == protocol.RoleAssistant {
			// A new assistant utterance lifts the barge-in gate.
			s.ignoreAssistantAudio = false
		}
		s.pendingText.Reset()

	case *protocol.TextOutput:
		if strings.Contains(e.Content, bargeInMarker) {
			s.handleBargeIn()
			return
		}
		role := e.Role
		if role == "" {
			role = s.inRole
		}
		s.pendingText.WriteString(e.Content)
		if role == protocol.RoleUser {
			s.disp.Publish(dispatch.Event{
				SessionID: s.id, Type: dispatch.Transcription,
				Role: RoleUser, Text: e.Content, Timestamp: s.clk.Now(),
			})
		} else {
			s.disp.Publish(dispatch.Event{
				SessionID: s.id, Type: dispatch.TextResponse,
				Role: RoleAssistant, Text: e.Content,
				Speculative: s.speculative, Timestamp: s.clk.Now(),
			})
		}

	case *protocol.AudioOutput:
		if s.ignoreAssistantAudio {
			return
		}
		// Pass-through: payload stays base64, playback is the caller's job.
		s.disp.Publish(dispatch.Event{
			SessionID: s.id, Type: dispatch.AudioResponse,
			Role: RoleAssistant, AudioBase64: e.Content, Timestamp: s.clk.Now(),
		})

	case *protocol.InboundContentEnd:
		s.appendPendingTurn()

	case *protocol.CompletionEnd:
		if s.contPending && !s.recording {
			s.doContinuation()
			return
		}
		// Gated mic re-open for the next turn: only while the session is
		// live, not already recording, and not mid-restart.
		if s.active && s.deviceOn && !s.recording && !s.restartPending {
			s.restartPending = true
			if err := s.beginTurn(); err != nil {
				s.log.Logf(strategiclog.Stream, strategiclog.Warn, "reopen turn: %v", err)
			}
			s.restartPending = false
		}

	case *protocol.UsageEvent:
		metrics.TokensUsed.WithLabelValues("input").Add(float64(e.TotalInputTokens))
		metrics.TokensUsed.WithLabelValues("output").Add(float64(e.TotalOutputTokens))

	case *protocol.InboundSessionEnd:
		s.active = false
		s.dispatchConnState("ended")

	case *protocol.InboundError:
		s.dispatchError(e.Message)
	}
}

func (s *Session) appendPendingTurn() {
	text := strings.TrimSpace(s.pendingText.String())
	s.pendingText.Reset()
	if text == "" {
		return
	}
	role := RoleAssistant
	if s.inRole == protocol.RoleUser {
		role = RoleUser
	}
	s.history = append(s.history, ConversationTurn{
		Role:      role,
		Content:   text,
		Timestamp: s.clk.Now(),
		Modality:  s.inModality,
	})
}

// handleBargeIn clears locally buffered audio, emits the turn boundary, and
// gates further inbound assistant audio until the next assistant content
// block. Then a fresh user turn opens immediately.
func (s *Session) handleBargeIn() {
	s.ignoreAssistantAudio = true
	s.pac.Flush()
	metrics.TurnsTotal.WithLabelValues(vad.ReasonBargeIn).Inc()
	s.disp.Publish(dispatch.Event{
		SessionID: s.id,
		Type:      dispatch.TurnEnd,
		Reason:    vad.ReasonBargeIn,
		Timestamp: s.clk.Now(),
	})
	if s.active && s.deviceOn && !s.recording {
		if err := s.beginTurn(); err != nil {
			s.log.Logf(strategiclog.Stream, strategiclog.Warn, "barge-in turn: %v", err)
		}
	}
}

// handleStreamLost covers transport failure and unexpected remote close.
// Continuation is never attempted across a network failure — only across the
// intentional duration ceiling.
func (s *Session) handleStreamLost(err error) {
	if s.stopped {
		return
	}
	s.dispatchError("stream lost: " + err.Error())
	s.dispatchConnState("error")
	s.shutdown()
}

func (s *Session) handleContinuationDue() {
	if !s.active || s.contInFlight {
		return
	}
	if s.recording {
		// Never continue mid-utterance; defer to the next turn boundary.
		s.contPending = true
		s.log.Logf(strategiclog.System, strategiclog.Info, "continuation deferred until turn end session=%s", s.id)
		return
	}
	s.doContinuation()
}

func (s *Session) doContinuation() {
	if s.onContinue == nil || s.contInFlight {
		return
	}
	s.contInFlight = true
	s.contPending = false

	snap := ContinuationSnapshot{
		PrevID:    s.id,
		Number:    s.number,
		Config:    s.cfg,
		History:   lastTurns(s.history, s.cfg.MaxHistoryTurns),
		CaptureOn: s.deviceOn,
	}
	s.log.Logf(strategiclog.System, strategiclog.Info,
		"continuation triggered session=%s number=%d turns=%d elapsed=%s",
		s.id, s.number, len(snap.History), s.clk.Now().Sub(s.startedAt))
	metrics.ContinuationsTotal.Inc()

	// The engine builds the successor and stops this session; run it off
	// the coordinator so the stop request does not deadlock.
	go s.onContinue(snap)
}

// shutdown tears the session down in the mandated order: flush partial
// audio, cancel timers, release the device, mark inactive, emit the
// termination tail, then let the writer drain before the stream closes.
func (s *Session) shutdown() {
	if s.stopped {
		return
	}
	s.stopped = true
	s.active = false

	if s.recording {
		s.endTurn(vad.ReasonStopped)
	} else {
		// Partial chunk flush even outside a turn, per the stop contract.
		if chunks := s.pac.Flush(); s.machine.ContentOpen() && s.det.HasAudio() {
			for _, c := range chunks {
				if ev, err := s.machine.AudioChunk(c); err == nil {
					s.queue.Push(ev)
				}
			}
		}
	}

	if s.contTimer != nil {
		s.contTimer.Stop()
	}
	s.releaseDevice()

	for _, ev := range s.machine.Terminate() {
		s.queue.Push(ev)
	}
	if !s.machine.Balanced() {
		s.log.Logf(strategiclog.Stream, strategiclog.Warn,
			"unbalanced protocol close: contentStarts=%d contentEnds=%d promptStarts=%d promptEnds=%d",
			s.machine.ContentStarts, s.machine.ContentEnds, s.machine.PromptStarts, s.machine.PromptEnds)
	}

	s.queue.Close()
	<-s.writerDone

	s.dispatchConnState("disconnected")
	metrics.SessionsActive.Dec()
	s.log.Logf(strategiclog.System, strategiclog.Info, "session ended id=%s number=%d", s.id, s.number)
}

func (s *Session) dispatchError(msg string) {
	s.disp.Publish(dispatch.Event{
		SessionID: s.id, Type: dispatch.Error, Err: msg, Timestamp: s.clk.Now(),
	})
}

func (s *Session) dispatchConnState(state string) {
	s.disp.Publish(dispatch.Event{
		SessionID: s.id, Type: dispatch.ConnectionStateChange, State: state, Timestamp: s.clk.Now(),
	})
}

// generationStage extracts the generationStage field from the model's
// additionalModelFields blob, tolerating absence and junk.
func generationStage(fields string) string {
	if fields == "" {
		return ""
	}
	var parsed struct {
		GenerationStage string `json:"generationStage"`
	}
	if err := json.Unmarshal([]byte(fields), &parsed); err != nil {
		return ""
	}
	return parsed.GenerationStage
}
