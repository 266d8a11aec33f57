package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Decode errors. Both are non-fatal to the session: the payload is logged
// and skipped.
var (
	ErrMalformedEvent = errors.New("protocol: payload missing event envelope")
	ErrUnknownEvent   = errors.New("protocol: unknown inbound event tag")
)

// Inbound is the closed union of service-to-client events.
type Inbound interface {
	InTag() string
}

// CompletionStart signals the model began generating a completion.
type CompletionStart struct {
	PromptName   string `json:"promptName"`
	CompletionID string `json:"completionId"`
}

// InboundContentStart signals an assistant or transcription content block
// beginning. AdditionalModelFields may carry a JSON object with a
// generationStage of SPECULATIVE for provisional assistant text.
type InboundContentStart struct {
	ContentName           string `json:"contentName"`
	Type                  string `json:"type"`
	Role                  string `json:"role"`
	AdditionalModelFields string `json:"additionalModelFields"`
}

// TextOutput carries transcription (USER role) or assistant text.
type TextOutput struct {
	Content string `json:"content"`
	Role    string `json:"role"`
}

// AudioOutput carries one base64 PCM16 chunk of assistant speech.
type AudioOutput struct {
	Content string `json:"content"`
}

// InboundContentEnd closes an inbound content block.
type InboundContentEnd struct {
	ContentName string `json:"contentName"`
	Type        string `json:"type"`
	StopReason  string `json:"stopReason"`
}

// CompletionEnd signals the model finished the completion.
type CompletionEnd struct {
	StopReason string `json:"stopReason"`
}

// UsageEvent reports token consumption. Metrics only, never dispatched.
type UsageEvent struct {
	TotalInputTokens  int `json:"totalInputTokens"`
	TotalOutputTokens int `json:"totalOutputTokens"`
	TotalTokens       int `json:"totalTokens"`
}

// InboundSessionEnd signals the service closed the session.
type InboundSessionEnd struct{}

// InboundError carries a service-side error.
type InboundError struct {
	Message string `json:"message"`
}

func (CompletionStart) InTag() string     { return "completionStart" }
func (InboundContentStart) InTag() string { return "contentStart" }
func (TextOutput) InTag() string          { return "textOutput" }
func (AudioOutput) InTag() string         { return "audioOutput" }
func (InboundContentEnd) InTag() string   { return "contentEnd" }
func (CompletionEnd) InTag() string       { return "completionEnd" }
func (UsageEvent) InTag() string          { return "usageEvent" }
func (InboundSessionEnd) InTag() string   { return "sessionEnd" }
func (InboundError) InTag() string        { return "error" }

// DecodeInbound parses a service payload into its typed event. A payload
// without the expected envelope or with an unrecognized tag returns an error;
// callers log and skip rather than terminate the stream.
func DecodeInbound(data []byte) (Inbound, error) {
	var envelope struct {
		Event map[string]json.RawMessage `json:"event"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if len(envelope.Event) == 0 {
		return nil, ErrMalformedEvent
	}

	for tag, raw := range envelope.Event {
		ev, err := decodeTagged(tag, raw)
		if err != nil {
			return nil, err
		}
		return ev, nil
	}
	return nil, ErrMalformedEvent
}

func decodeTagged(tag string, raw json.RawMessage) (Inbound, error) {
	var target Inbound
	switch tag {
	case "completionStart":
		target = &CompletionStart{}
	case "contentStart":
		target = &InboundContentStart{}
	case "textOutput":
		target = &TextOutput{}
	case "audioOutput":
		target = &AudioOutput{}
	case "contentEnd":
		target = &InboundContentEnd{}
	case "completionEnd":
		target = &CompletionEnd{}
	case "usageEvent":
		target = &UsageEvent{}
	case "sessionEnd":
		target = &InboundSessionEnd{}
	case "error":
		target = &InboundError{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, tag)
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return nil, fmt.Errorf("protocol: decode %s: %w", tag, err)
	}
	return target, nil
}
