package protocol

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Machine states.
type State int

const (
	StateCreated State = iota
	StatePromptOpen
	StateTurnActive
	StateTurnEnded
	StateEnded
)

// Sequencing errors.
var (
	ErrNotOpen       = errors.New("protocol: prompt not open")
	ErrNoOpenContent = errors.New("protocol: no open audio content")
	ErrEnded         = errors.New("protocol: session already ended")
)

// Machine owns the canonical outbound sequencing for one session: opening
// handshake, per-turn audio content blocks, and the drain-safe termination
// tail. It produces events; the caller enqueues them. All methods must be
// called from the session coordinator only.
type Machine struct {
	PromptName       string
	SystemContentID  string
	KickoffContentID string
	AudioContentID   string

	state       State
	contentOpen bool
	voiceID     string

	// Balanced-protocol accounting; an imbalance at close indicates a
	// sequencing bug and is logged by the session.
	ContentStarts int
	ContentEnds   int
	PromptStarts  int
	PromptEnds    int
}

// NewMachine creates a machine with fresh correlation ids.
func NewMachine(voiceID string) *Machine {
	return &Machine{
		PromptName:       uuid.NewString(),
		SystemContentID:  uuid.NewString(),
		KickoffContentID: uuid.NewString(),
		voiceID:          voiceID,
	}
}

// State reports the machine's lifecycle state.
func (m *Machine) State() State { return m.state }

// ContentOpen reports whether an audio content block is currently open.
func (m *Machine) ContentOpen() bool { return m.contentOpen }

// Open produces the strict opening sequence: sessionStart, promptStart, the
// non-interactive SYSTEM text block, then the single interactive USER kickoff
// block. The kickoff is required because the model only begins producing
// output once it has received an interactive turn.
func (m *Machine) Open(inference InferenceConfig, systemPrompt, kickoff string) ([]Outbound, error) {
	if m.state != StateCreated {
		return nil, fmt.Errorf("protocol: open in state %d", m.state)
	}
	m.state = StatePromptOpen
	m.PromptStarts++
	m.ContentStarts += 2
	m.ContentEnds += 2

	textCfg := TextConfig{MediaType: "text/plain"}
	return []Outbound{
		SessionStart{InferenceConfiguration: inference},
		PromptStart{
			PromptName:               m.PromptName,
			TextOutputConfiguration:  textCfg,
			AudioOutputConfiguration: defaultAudioOutputConfig(m.voiceID),
		},
		ContentStart{
			PromptName:             m.PromptName,
			ContentName:            m.SystemContentID,
			Type:                   ContentTypeText,
			Interactive:            false,
			Role:                   RoleSystem,
			TextInputConfiguration: &textCfg,
		},
		TextInput{PromptName: m.PromptName, ContentName: m.SystemContentID, Content: systemPrompt},
		ContentEnd{PromptName: m.PromptName, ContentName: m.SystemContentID},
		ContentStart{
			PromptName:             m.PromptName,
			ContentName:            m.KickoffContentID,
			Type:                   ContentTypeText,
			Interactive:            true,
			Role:                   RoleUser,
			TextInputConfiguration: &textCfg,
		},
		TextInput{PromptName: m.PromptName, ContentName: m.KickoffContentID, Content: kickoff},
		ContentEnd{PromptName: m.PromptName, ContentName: m.KickoffContentID},
	}, nil
}

// BeginAudioTurn opens a fresh interactive USER audio block with a new
// content id. A still-open block from a previous turn is closed first so
// content starts and ends stay balanced.
func (m *Machine) BeginAudioTurn() ([]Outbound, error) {
	if m.state == StateEnded {
		return nil, ErrEnded
	}
	if m.state == StateCreated {
		return nil, ErrNotOpen
	}

	var evs []Outbound
	if m.contentOpen {
		evs = append(evs, m.closeContent())
	}

	m.AudioContentID = uuid.NewString()
	m.contentOpen = true
	m.state = StateTurnActive
	m.ContentStarts++

	cfg := defaultAudioInputConfig()
	evs = append(evs, ContentStart{
		PromptName:              m.PromptName,
		ContentName:             m.AudioContentID,
		Type:                    ContentTypeAudio,
		Interactive:             true,
		Role:                    RoleUser,
		AudioInputConfiguration: &cfg,
	})
	return evs, nil
}

// AudioChunk wraps one base64 chunk for the open audio block. Chunks with no
// open block are rejected so stray pacer output after a turn ends cannot
// corrupt the stream.
func (m *Machine) AudioChunk(b64 string) (Outbound, error) {
	if !m.contentOpen {
		return nil, ErrNoOpenContent
	}
	return AudioInput{
		PromptName:  m.PromptName,
		ContentName: m.AudioContentID,
		Content:     b64,
	}, nil
}

// EndAudioTurn closes the open audio block. No promptEnd is sent here; the
// prompt closes only once, at session termination.
func (m *Machine) EndAudioTurn() ([]Outbound, error) {
	if !m.contentOpen {
		return nil, ErrNoOpenContent
	}
	m.state = StateTurnEnded
	return []Outbound{m.closeContent()}, nil
}

// Terminate produces the drain-safe close tail: a trailing contentEnd if a
// turn is still open, then promptEnd, then sessionEnd. Idempotent.
func (m *Machine) Terminate() []Outbound {
	if m.state == StateEnded {
		return nil
	}

	var evs []Outbound
	if m.contentOpen {
		evs = append(evs, m.closeContent())
	}
	if m.state != StateCreated {
		evs = append(evs, PromptEnd{PromptName: m.PromptName})
		m.PromptEnds++
	}
	evs = append(evs, SessionEnd{})
	m.state = StateEnded
	return evs
}

// Balanced reports whether content and prompt starts match their ends.
func (m *Machine) Balanced() bool {
	return m.ContentStarts == m.ContentEnds && m.PromptStarts == m.PromptEnds
}

func (m *Machine) closeContent() Outbound {
	m.contentOpen = false
	m.ContentEnds++
	return ContentEnd{PromptName: m.PromptName, ContentName: m.AudioContentID}
}
