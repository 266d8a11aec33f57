package session

import (
	"context"
	"fmt"

	"github.com/google/uuid"

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

// Engine is the collaborator-facing API. The UI layer calls the lifecycle
// methods and consumes domain events from the dispatcher; everything else is
// internal to the engine.
type Engine struct {
	dialer stream.Dialer
	disp   *dispatch.Dispatcher
	reg    *Registry
	log    *strategiclog.Logger
	clk    clock.Clock
}

// NewEngine wires the engine from injected collaborators.
func NewEngine(dialer stream.Dialer, disp *dispatch.Dispatcher, reg *Registry, log *strategiclog.Logger, clk clock.Clock) *Engine {
	return &Engine{dialer: dialer, disp: disp, reg: reg, log: log, clk: clk}
}

// Dispatcher exposes the event channel consumers subscribe on.
func (e *Engine) Dispatcher() *dispatch.Dispatcher { return e.disp }

// StartConversation opens a single session with no automatic continuation.
func (e *Engine) StartConversation(ctx context.Context, cfg Config) (string, error) {
	s, err := e.startSession(ctx, cfg.withDefaults(), 1, nil, false, false)
	if err != nil {
		return "", err
	}
	return s.ID(), nil
}

// StartExtendedConversation opens a session that transparently rolls over to
// a successor before the remote service's per-session duration ceiling, so
// the logical conversation can outlive the limit.
func (e *Engine) StartExtendedConversation(ctx context.Context, cfg Config) (string, error) {
	s, err := e.startSession(ctx, cfg.withDefaults(), 1, nil, false, true)
	if err != nil {
		return "", err
	}
	return s.ID(), nil
}

// ResumeConversation snapshots an existing session's history, ends it, and
// starts a successor carrying that history forward.
func (e *Engine) ResumeConversation(ctx context.Context, prevID string, cfg Config) (string, error) {
	prev, err := e.reg.Get(prevID)
	if err != nil {
		return "", err
	}
	cfg = cfg.withDefaults()
	history, err := prev.Snapshot()
	if err != nil && err != ErrSessionClosed {
		return "", err
	}
	number := prev.Number() + 1

	s, err := e.startSession(ctx, cfg, number, history, true, false)
	if err != nil {
		return "", err
	}

	prev.Stop()
	e.reg.Remove(prevID)
	e.disp.Remove(prevID)
	return s.ID(), nil
}

// StartAudioCapture connects the session's capture device and opens the
// first user turn.
func (e *Engine) StartAudioCapture(id string) error {
	s, err := e.reg.Get(id)
	if err != nil {
		return err
	}
	return s.StartCapture()
}

// StopAudioCapture releases the capture device, closing any open turn.
func (e *Engine) StopAudioCapture(id string) error {
	s, err := e.reg.Get(id)
	if err != nil {
		return err
	}
	return s.StopCapture()
}

// BargeIn interrupts in-flight assistant audio and forces a fresh turn.
func (e *Engine) BargeIn(id string) error {
	s, err := e.reg.Get(id)
	if err != nil {
		return err
	}
	return s.BargeIn()
}

// EndConversation stops the session and releases its resources. Ending an
// unknown or already-ended session is a no-op.
func (e *Engine) EndConversation(id string) error {
	s, err := e.reg.Get(id)
	if err != nil {
		return nil
	}
	err = s.Stop()
	e.reg.Remove(id)
	e.disp.Remove(id)
	return err
}

// startSession dials the model service, builds the Session aggregate, sends
// the opening handshake, and starts its goroutines.
func (e *Engine) startSession(ctx context.Context, cfg Config, number int, history []ConversationTurn, resume, extended bool) (*Session, error) {
	st, err := e.dialer.Dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("start session: %w", err)
	}

	s := &Session{
		id:         uuid.NewString(),
		number:     number,
		cfg:        cfg,
		resume:     resume,
		machine:    protocol.NewMachine(cfg.VoiceID),
		queue:      protocol.NewQueue(),
		stream:     st,
		pipe:       audio.NewPipeline(cfg.FrameDepth),
		det:        vad.New(cfg.VAD),
		pac:        pacer.New(cfg.Pacer),
		clk:        e.clk,
		log:        e.log,
		disp:       e.disp,
		history:    history,
		active:     true,
		startedAt:  e.clk.Now(),
		ctrl:       make(chan ctrlMsg),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}

	if extended {
		s.contTimer = e.clk.NewTimer(cfg.MaxSessionDuration - cfg.ContinuationLead)
		s.onContinue = e.continueSession
	}

	open, err := s.machine.Open(cfg.Inference, cfg.systemPrompt(history, resume), cfg.kickoff(resume))
	if err != nil {
		st.Close()
		return nil, err
	}
	for _, ev := range open {
		s.queue.Push(ev)
	}

	go s.writer()
	go s.run()

	e.reg.Add(s)
	metrics.SessionsActive.Inc()
	metrics.SessionsTotal.Inc()

	e.disp.Publish(dispatch.Event{
		SessionID: s.id, Type: dispatch.ConnectionStateChange, State: "connected", Timestamp: e.clk.Now(),
	})
	e.disp.Publish(dispatch.Event{
		SessionID: s.id, Type: dispatch.SessionReady, Timestamp: e.clk.Now(),
	})
	e.log.Logf(strategiclog.System, strategiclog.Info,
		"session started id=%s number=%d resume=%t extended=%t", s.id, number, resume, extended)
	return s, nil
}

// continueSession builds the successor when a session hits its continuation
// deadline. The predecessor's history rides into the successor's SYSTEM
// content; the dispatcher rebinds so the caller keeps receiving events for
// the logical conversation, and sessionReady announces the new id.
func (e *Engine) continueSession(snap ContinuationSnapshot) {
	ctx := context.Background()

	next, err := e.startSessionForContinuation(ctx, snap)
	if err != nil {
		e.log.Logf(strategiclog.System, strategiclog.Error, "continuation failed: %v", err)
		e.disp.Publish(dispatch.Event{
			SessionID: snap.PrevID, Type: dispatch.Error,
			Err: "continuation failed: " + err.Error(), Timestamp: e.clk.Now(),
		})
		return
	}

	if prev, err := e.reg.Get(snap.PrevID); err == nil {
		prev.Stop()
		e.reg.Remove(snap.PrevID)
	}

	e.disp.Rebind(snap.PrevID, next.ID())
	e.disp.Publish(dispatch.Event{
		SessionID: next.ID(), Type: dispatch.SessionReady, Timestamp: e.clk.Now(),
	})

	if snap.CaptureOn {
		if err := next.StartCapture(); err != nil {
			e.log.Logf(strategiclog.Audio, strategiclog.Error, "continuation capture: %v", err)
		}
	}
}

func (e *Engine) startSessionForContinuation(ctx context.Context, snap ContinuationSnapshot) (*Session, error) {
	return e.startSession(ctx, snap.Config, snap.Number+1, snap.History, true, true)
}
