// Package ws exposes the engine to browser/app clients over WebSocket: the
// client supplies the microphone (binary PCM16 frames) and consumes the
// engine's domain events. It is presentation glue; all conversation logic
// lives behind the session.Engine API.
package ws

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tutorvoice/engine/internal/audio"
	"github.com/tutorvoice/engine/internal/dispatch"
	"github.com/tutorvoice/engine/internal/session"
	"github.com/tutorvoice/engine/internal/strategiclog"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  16384,
	WriteBufferSize: 16384,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// HandlerConfig holds the shared engine for all conversation sessions.
// Defaults supplies the engine tuning (VAD thresholds, pacer cadence,
// continuation timing) every session starts from.
type HandlerConfig struct {
	Engine        *session.Engine
	Log           *strategiclog.Logger
	Defaults      session.Config
	MaxConcurrent int
}

// Handler manages WebSocket conversation sessions with admission control.
type Handler struct {
	cfg HandlerConfig
	sem chan struct{}
}

// NewHandler creates a handler with a concurrency limit.
func NewHandler(cfg HandlerConfig) *Handler {
	maxConc := cfg.MaxConcurrent
	if maxConc <= 0 {
		maxConc = 100
	}
	return &Handler{cfg: cfg, sem: make(chan struct{}, maxConc)}
}

// sessionMetadata is the first text frame sent by the client.
type sessionMetadata struct {
	Topic      string `json:"topic"`
	CourseID   string `json:"course_id"`
	StudentID  string `json:"student_id"`
	Voice      string `json:"voice"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	Extended   bool   `json:"extended"`
	ResumeFrom string `json:"resume_from"`
}

// control is any later text frame from the client.
type control struct {
	Type string `json:"type"`
}

// outEvent is the JSON shape of engine events sent to the client. Assistant
// audio goes out as binary frames instead.
type outEvent struct {
	Type        string `json:"type"`
	SessionID   string `json:"session_id,omitempty"`
	Role        string `json:"role,omitempty"`
	Text        string `json:"text,omitempty"`
	Reason      string `json:"reason,omitempty"`
	State       string `json:"state,omitempty"`
	Speculative bool   `json:"speculative,omitempty"`
	Error       string `json:"error,omitempty"`
}

// ServeHTTP upgrades the connection and runs the conversation session.
// Returns 503 at max concurrent capacity.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case h.sem <- struct{}{}:
		defer func() { <-h.sem }()
	default:
		http.Error(w, "at capacity", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.cfg.Log.Logf(strategiclog.System, strategiclog.Error, "websocket upgrade: %v", err)
		return
	}
	defer conn.Close()

	h.runSession(r.Context(), conn)
}

func (h *Handler) runSession(ctx context.Context, conn *websocket.Conn) {
	meta, err := readMetadata(conn)
	if err != nil {
		h.cfg.Log.Logf(strategiclog.System, strategiclog.Warn, "read metadata: %v", err)
		return
	}
	if meta.SampleRate <= 0 {
		meta.SampleRate = audio.ProtocolSampleRate
	}
	if meta.Channels <= 0 {
		meta.Channels = 1
	}

	dev := newClientDevice(meta.SampleRate, meta.Channels)
	cfg := h.cfg.Defaults
	cfg.Topic = meta.Topic
	cfg.CourseID = meta.CourseID
	cfg.StudentID = meta.StudentID
	cfg.VoiceID = meta.Voice
	cfg.Device = dev

	var sessionID string
	switch {
	case meta.ResumeFrom != "":
		sessionID, err = h.cfg.Engine.ResumeConversation(ctx, meta.ResumeFrom, cfg)
	case meta.Extended:
		sessionID, err = h.cfg.Engine.StartExtendedConversation(ctx, cfg)
	default:
		sessionID, err = h.cfg.Engine.StartConversation(ctx, cfg)
	}
	if err != nil {
		writeJSON(conn, &sync.Mutex{}, outEvent{Type: "error", Error: err.Error()})
		return
	}
	defer h.cfg.Engine.EndConversation(sessionID)

	var writeMu sync.Mutex
	unsubscribe := h.cfg.Engine.Dispatcher().Subscribe(sessionID, func(ev dispatch.Event) {
		sendEvent(conn, &writeMu, ev, h.cfg.Log)
	})
	defer unsubscribe()

	// The dispatcher drops events published before a consumer exists, so
	// announce readiness ourselves now that the subscription is live.
	writeJSON(conn, &writeMu, outEvent{Type: "sessionReady", SessionID: sessionID})

	if err := h.cfg.Engine.StartAudioCapture(sessionID); err != nil {
		h.cfg.Log.Logf(strategiclog.Audio, strategiclog.Error, "start capture: %v", err)
		return
	}

	h.readFrames(conn, dev, sessionID)
}

// readFrames consumes client frames until disconnect: binary frames are mic
// audio, text frames are control commands.
func (h *Handler) readFrames(conn *websocket.Conn, dev *clientDevice, sessionID string) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			h.cfg.Log.Logf(strategiclog.System, strategiclog.Info, "client disconnected: %v", err)
			return
		}

		switch msgType {
		case websocket.BinaryMessage:
			dev.Feed(data)

		case websocket.TextMessage:
			var c control
			if err := json.Unmarshal(data, &c); err != nil {
				continue
			}
			switch c.Type {
			case "bargeIn":
				h.cfg.Engine.BargeIn(sessionID)
			case "stopCapture":
				h.cfg.Engine.StopAudioCapture(sessionID)
			case "startCapture":
				h.cfg.Engine.StartAudioCapture(sessionID)
			case "end":
				return
			}
		}
	}
}

func sendEvent(conn *websocket.Conn, mu *sync.Mutex, ev dispatch.Event, log *strategiclog.Logger) {
	if ev.Type == dispatch.AudioResponse {
		pcm, err := base64.StdEncoding.DecodeString(ev.AudioBase64)
		if err != nil {
			log.Logf(strategiclog.Audio, strategiclog.Warn, "bad audio payload: %v", err)
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if err := conn.WriteMessage(websocket.BinaryMessage, pcm); err != nil {
			log.Logf(strategiclog.Stream, strategiclog.Warn, "write audio: %v", err)
		}
		return
	}

	writeJSON(conn, mu, outEvent{
		Type:        string(ev.Type),
		SessionID:   ev.SessionID,
		Role:        ev.Role,
		Text:        ev.Text,
		Reason:      ev.Reason,
		State:       ev.State,
		Speculative: ev.Speculative,
		Error:       ev.Err,
	})
}

func writeJSON(conn *websocket.Conn, mu *sync.Mutex, ev outEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	conn.WriteMessage(websocket.TextMessage, data)
}

func readMetadata(conn *websocket.Conn) (*sessionMetadata, error) {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	var meta sessionMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

// clientDevice adapts the client's WebSocket audio frames to the engine's
// capture device interface. Frames arriving while the device is stopped are
// discarded.
type clientDevice struct {
	sampleRate int
	channels   int

	mu   sync.Mutex
	emit func(audio.RawFrame)
}

func newClientDevice(sampleRate, channels int) *clientDevice {
	return &clientDevice{sampleRate: sampleRate, channels: channels}
}

func (d *clientDevice) Start(ctx context.Context, emit func(audio.RawFrame)) error {
	d.mu.Lock()
	d.emit = emit
	d.mu.Unlock()
	go func() {
		<-ctx.Done()
		d.Stop()
	}()
	return nil
}

func (d *clientDevice) Stop() error {
	d.mu.Lock()
	d.emit = nil
	d.mu.Unlock()
	return nil
}

// Feed posts one binary PCM16 frame from the client.
func (d *clientDevice) Feed(data []byte) {
	d.mu.Lock()
	emit := d.emit
	d.mu.Unlock()
	if emit == nil {
		return
	}
	emit(audio.RawFrame{
		Samples:    audio.DecodePCM16(data),
		Channels:   d.channels,
		SampleRate: d.sampleRate,
		Timestamp:  time.Now(),
	})
}
