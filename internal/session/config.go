package session

import (
	"fmt"
	"strings"
	"time"

	"github.com/tutorvoice/engine/internal/audio"
	"github.com/tutorvoice/engine/internal/pacer"
	"github.com/tutorvoice/engine/internal/protocol"
	"github.com/tutorvoice/engine/internal/vad"
)

// Config describes one conversation. Topic, CourseID, and StudentID are
// opaque business context carried into the system prompt; the engine never
// interprets them.
type Config struct {
	Topic     string
	CourseID  string
	StudentID string

	SystemPrompt   string
	KickoffMessage string
	VoiceID        string

	Inference protocol.InferenceConfig

	// Device is the caller-supplied capture source. Required before
	// StartAudioCapture; exclusively owned by one session at a time.
	Device audio.Device

	// MaxHistoryTurns bounds the transcript carried into a successor
	// session on continuation or resume.
	MaxHistoryTurns int

	// MaxSessionDuration is the remote service's hard per-session ceiling.
	// ContinuationLead is how long before the ceiling the continuation
	// check fires.
	MaxSessionDuration time.Duration
	ContinuationLead   time.Duration

	VAD        vad.Config
	Pacer      pacer.Config
	FrameDepth int
}

const (
	defaultSystemPrompt = "You are an educational AI assistant helping students learn. " +
		"Respond naturally and helpfully to their questions. " +
		"Keep responses concise and clear, generally two or three sentences."
	defaultKickoff          = "Please greet the student and begin the lesson."
	resumeKickoff           = "Please continue the conversation naturally from where it left off."
	defaultVoiceID          = "matthew"
	defaultMaxHistory       = 10
	defaultMaxSession       = 8 * time.Minute
	defaultContinuationLead = 30 * time.Second
)

func (c Config) withDefaults() Config {
	if c.SystemPrompt == "" {
		c.SystemPrompt = defaultSystemPrompt
	}
	if c.KickoffMessage == "" {
		c.KickoffMessage = defaultKickoff
	}
	if c.VoiceID == "" {
		c.VoiceID = defaultVoiceID
	}
	if c.Inference == (protocol.InferenceConfig{}) {
		c.Inference = protocol.DefaultInferenceConfig()
	}
	if c.MaxHistoryTurns <= 0 {
		c.MaxHistoryTurns = defaultMaxHistory
	}
	if c.MaxSessionDuration <= 0 {
		c.MaxSessionDuration = defaultMaxSession
	}
	if c.ContinuationLead <= 0 {
		c.ContinuationLead = defaultContinuationLead
	}
	if c.VAD == (vad.Config{}) {
		c.VAD = vad.DefaultConfig()
	}
	if c.Pacer == (pacer.Config{}) {
		c.Pacer = pacer.DefaultConfig()
	}
	if c.FrameDepth <= 0 {
		c.FrameDepth = 64
	}
	return c
}

// systemPrompt assembles the SYSTEM content text: base instructions, course
// context, and on resume a bounded transcript of prior turns.
func (c Config) systemPrompt(prior []ConversationTurn, resume bool) string {
	var b strings.Builder
	b.WriteString(c.SystemPrompt)
	if c.Topic != "" {
		fmt.Fprintf(&b, "\nThe lesson topic is: %s.", c.Topic)
	}
	if resume && len(prior) > 0 {
		b.WriteString("\n\nThe conversation so far:\n")
		b.WriteString(formatTranscript(prior))
		b.WriteString("Continue from this point without re-introducing yourself.")
	}
	return b.String()
}

func (c Config) kickoff(resume bool) string {
	if resume {
		return resumeKickoff
	}
	return c.KickoffMessage
}
