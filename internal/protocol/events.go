// Package protocol defines the vendor-neutral bidirectional wire events for
// the voice model service and the per-session state machine that sequences
// them. Events travel as {"event":{"<tag>":{...}}} JSON in both directions.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Content block types and roles.
const (
	ContentTypeText  = "TEXT"
	ContentTypeAudio = "AUDIO"

	RoleSystem    = "SYSTEM"
	RoleUser      = "USER"
	RoleAssistant = "ASSISTANT"
)

// InputSampleRate and OutputSampleRate are the fixed protocol audio rates.
const (
	InputSampleRate  = 16000
	OutputSampleRate = 24000
)

// InferenceConfig carries the model sampling parameters sent at sessionStart.
type InferenceConfig struct {
	MaxTokens   int     `json:"maxTokens"`
	TopP        float64 `json:"topP"`
	Temperature float64 `json:"temperature"`
}

// DefaultInferenceConfig matches the service defaults.
func DefaultInferenceConfig() InferenceConfig {
	return InferenceConfig{MaxTokens: 1024, TopP: 0.9, Temperature: 0.7}
}

// TextConfig describes a text content block's media type.
type TextConfig struct {
	MediaType string `json:"mediaType"`
}

// AudioInputConfig describes the inbound user audio format.
type AudioInputConfig struct {
	MediaType       string `json:"mediaType"`
	SampleRateHertz int    `json:"sampleRateHertz"`
	SampleSizeBits  int    `json:"sampleSizeBits"`
	ChannelCount    int    `json:"channelCount"`
	AudioType       string `json:"audioType"`
	Encoding        string `json:"encoding"`
}

// AudioOutputConfig describes the assistant audio the model should produce.
type AudioOutputConfig struct {
	MediaType       string `json:"mediaType"`
	SampleRateHertz int    `json:"sampleRateHertz"`
	SampleSizeBits  int    `json:"sampleSizeBits"`
	ChannelCount    int    `json:"channelCount"`
	VoiceID         string `json:"voiceId"`
	Encoding        string `json:"encoding"`
	AudioType       string `json:"audioType"`
}

func defaultAudioInputConfig() AudioInputConfig {
	return AudioInputConfig{
		MediaType:       "audio/lpcm",
		SampleRateHertz: InputSampleRate,
		SampleSizeBits:  16,
		ChannelCount:    1,
		AudioType:       "SPEECH",
		Encoding:        "base64",
	}
}

func defaultAudioOutputConfig(voiceID string) AudioOutputConfig {
	return AudioOutputConfig{
		MediaType:       "audio/lpcm",
		SampleRateHertz: OutputSampleRate,
		SampleSizeBits:  16,
		ChannelCount:    1,
		VoiceID:         voiceID,
		Encoding:        "base64",
		AudioType:       "SPEECH",
	}
}

// Outbound is the closed union of client-to-service events. Adding a new
// event means adding a type here and a case to every exhaustive switch.
type Outbound interface {
	Tag() string
}

// SessionStart opens the session with inference parameters.
type SessionStart struct {
	InferenceConfiguration InferenceConfig `json:"inferenceConfiguration"`
}

// PromptStart configures output modalities for the prompt.
type PromptStart struct {
	PromptName               string            `json:"promptName"`
	TextOutputConfiguration  TextConfig        `json:"textOutputConfiguration"`
	AudioOutputConfiguration AudioOutputConfig `json:"audioOutputConfiguration"`
}

// ContentStart opens a text or audio content block.
type ContentStart struct {
	PromptName              string            `json:"promptName"`
	ContentName             string            `json:"contentName"`
	Type                    string            `json:"type"`
	Interactive             bool              `json:"interactive"`
	Role                    string            `json:"role"`
	TextInputConfiguration  *TextConfig       `json:"textInputConfiguration,omitempty"`
	AudioInputConfiguration *AudioInputConfig `json:"audioInputConfiguration,omitempty"`
}

// TextInput carries one text payload inside an open text block.
type TextInput struct {
	PromptName  string `json:"promptName"`
	ContentName string `json:"contentName"`
	Content     string `json:"content"`
}

// AudioInput carries one base64 PCM16 chunk inside an open audio block.
type AudioInput struct {
	PromptName  string `json:"promptName"`
	ContentName string `json:"contentName"`
	Content     string `json:"content"`
}

// ContentEnd closes a content block.
type ContentEnd struct {
	PromptName  string `json:"promptName"`
	ContentName string `json:"contentName"`
}

// PromptEnd closes the prompt; sent once per session, at termination.
type PromptEnd struct {
	PromptName string `json:"promptName"`
}

// SessionEnd terminates the session.
type SessionEnd struct{}

func (SessionStart) Tag() string { return "sessionStart" }
func (PromptStart) Tag() string  { return "promptStart" }
func (ContentStart) Tag() string { return "contentStart" }
func (TextInput) Tag() string    { return "textInput" }
func (AudioInput) Tag() string   { return "audioInput" }
func (ContentEnd) Tag() string   { return "contentEnd" }
func (PromptEnd) Tag() string    { return "promptEnd" }
func (SessionEnd) Tag() string   { return "sessionEnd" }

// MarshalOutbound wraps an event in the {"event":{tag:payload}} envelope.
func MarshalOutbound(ev Outbound) ([]byte, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", ev.Tag(), err)
	}
	envelope := map[string]map[string]json.RawMessage{
		"event": {ev.Tag(): payload},
	}
	return json.Marshal(envelope)
}
