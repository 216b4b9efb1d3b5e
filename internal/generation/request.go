// Package generation consumes the text generation endpoint.
//
// A Consumer issues a streaming request through the Transport Invoker
// (Client), decodes the response body line by line (LineDecoder), extracts
// content deltas (ParseLine) and appends them to a per-attempt StreamState
// (Accumulator), publishing the whole answer so far after every delta. When
// the streaming attempt fails or produces no text, the Consumer retries the
// same request once in non-streaming mode and uses that result instead.
package generation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Mode selects the prompt family used by the generation endpoint.
type Mode string

const (
	ModeDefault Mode = "default"
	ModeDraft   Mode = "draft"
	ModeProblem Mode = "problem"
	ModeMedia   Mode = "media"
)

// Modes lists every supported mode.
var Modes = []Mode{ModeDefault, ModeDraft, ModeProblem, ModeMedia}

// ParseMode parses a wire mode. The empty string is ModeDefault.
func ParseMode(s string) (Mode, error) {
	if s == "" {
		return ModeDefault, nil
	}
	m := Mode(strings.ToLower(strings.TrimSpace(s)))
	if !m.Valid() {
		return "", fmt.Errorf("%w %q", ErrUnknownMode, s)
	}
	return m, nil
}

// Valid reports whether m is a supported mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeDefault, ModeDraft, ModeProblem, ModeMedia:
		return true
	}
	return false
}

// Label names what a mode produces, for user-facing messages.
func (m Mode) Label() string {
	switch m {
	case ModeDraft:
		return "draft"
	case ModeProblem:
		return "problem statement"
	case ModeMedia:
		return "media content"
	default:
		return "response"
	}
}

var (
	// ErrEmptyPrompt is returned by Validate for a blank prompt.
	ErrEmptyPrompt = errors.New("prompt is required")
	// ErrUnknownMode is returned for a type outside Modes.
	ErrUnknownMode = errors.New("unknown generation type")
)

// Request is one generation request. It is a value type: the Consumer never
// mutates a caller's Request, the fallback path derives a copy.
type Request struct {
	Prompt string
	Model  string
	Mode   Mode
	Stream bool
}

// Validate checks the fields the endpoint requires. The Transport Invoker
// does not call it; callers validate user input before submitting.
func (r Request) Validate() error {
	if strings.TrimSpace(r.Prompt) == "" {
		return ErrEmptyPrompt
	}
	if r.Mode != "" && !r.Mode.Valid() {
		return fmt.Errorf("%w %q", ErrUnknownMode, r.Mode)
	}
	return nil
}

// Streaming returns a copy of r with Stream set.
func (r Request) Streaming() Request {
	r.Stream = true
	return r
}

// NonStreaming returns a copy of r with Stream cleared.
func (r Request) NonStreaming() Request {
	r.Stream = false
	return r
}

type wireRequest struct {
	Prompt string `json:"prompt"`
	Model  string `json:"model,omitempty"`
	Type   Mode   `json:"type"`
	Stream bool   `json:"stream"`
}

// MarshalJSON encodes the endpoint body {prompt, model?, type, stream}.
func (r Request) MarshalJSON() ([]byte, error) {
	mode := r.Mode
	if mode == "" {
		mode = ModeDefault
	}
	return json.Marshal(wireRequest{
		Prompt: r.Prompt,
		Model:  r.Model,
		Type:   mode,
		Stream: r.Stream,
	})
}

// UnmarshalJSON decodes the endpoint body. A missing type is ModeDefault.
func (r *Request) UnmarshalJSON(data []byte) error {
	var w wireRequest
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	mode, err := ParseMode(string(w.Type))
	if err != nil {
		return err
	}
	*r = Request{
		Prompt: w.Prompt,
		Model:  w.Model,
		Mode:   mode,
		Stream: w.Stream,
	}
	return nil
}
