package generation

import "strings"

// StreamState is a snapshot of one generation attempt.
type StreamState struct {
	Text     string
	Complete bool
	Failed   bool
}

// Terminal reports whether the attempt has finished.
func (s StreamState) Terminal() bool { return s.Complete || s.Failed }

// Accumulator owns the StreamState of a single attempt. After each content
// delta it publishes the full accumulated text, so a renderer can redraw
// from any single update. Once completed or failed it ignores further input.
type Accumulator struct {
	text     strings.Builder
	complete bool
	failed   bool
	publish  func(text string)
}

// NewAccumulator creates an accumulator that reports to publish, which may
// be nil.
func NewAccumulator(publish func(text string)) *Accumulator {
	return &Accumulator{publish: publish}
}

// Apply appends a content delta. It returns true when the accumulated text
// changed.
func (a *Accumulator) Apply(d Delta) bool {
	if a.complete || a.failed {
		return false
	}
	if d.Kind != DeltaContent || d.Text == "" {
		return false
	}
	a.text.WriteString(d.Text)
	if a.publish != nil {
		a.publish(a.text.String())
	}
	return true
}

// Len returns the number of accumulated bytes.
func (a *Accumulator) Len() int { return a.text.Len() }

// Text returns the accumulated text.
func (a *Accumulator) Text() string { return a.text.String() }

// Complete marks the attempt as successfully finished.
func (a *Accumulator) Complete() {
	if !a.failed {
		a.complete = true
	}
}

// Fail marks the attempt as failed.
func (a *Accumulator) Fail() {
	if !a.complete {
		a.failed = true
	}
}

// State returns a snapshot of the attempt.
func (a *Accumulator) State() StreamState {
	return StreamState{
		Text:     a.text.String(),
		Complete: a.complete,
		Failed:   a.failed,
	}
}
