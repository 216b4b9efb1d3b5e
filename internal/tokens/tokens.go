// Package tokens counts tokens for finished drafts and chat turns.
package tokens

import (
	"strings"
	"unicode/utf8"
)

// Message is a role/content pair as it is sent to a chat model.
type Message struct {
	Role    string
	Content string
}

// Count is the result of counting a piece of text.
type Count struct {
	Tokens    int
	Model     string
	Estimated bool
}

// Counter counts tokens for a model.
type Counter interface {
	CountText(model, text string) (Count, error)
	SupportsModel(model string) bool
}

// Registry picks the first registered counter that supports a model and
// falls back to an estimate for everything else.
type Registry struct {
	counters []Counter
	fallback Counter
}

// NewRegistry returns a registry with the tiktoken counter registered.
func NewRegistry() *Registry {
	return &Registry{
		counters: []Counter{NewTiktokenCounter()},
		fallback: NewEstimator(),
	}
}

// Register adds a counter ahead of the fallback.
func (r *Registry) Register(c Counter) {
	r.counters = append(r.counters, c)
}

// CountText counts text for model. Counters that fail are skipped.
func (r *Registry) CountText(model, text string) Count {
	for _, c := range r.counters {
		if !c.SupportsModel(model) {
			continue
		}
		if n, err := c.CountText(model, text); err == nil {
			return n
		}
	}
	n, _ := r.fallback.CountText(model, text)
	return n
}

// CountMessages counts a conversation using the chat framing overhead
// OpenAI documents for its chat models.
func (r *Registry) CountMessages(model string, msgs []Message) Count {
	total := Count{Model: model}
	for _, m := range msgs {
		n := r.CountText(model, m.Role+"\n"+m.Content)
		total.Tokens += n.Tokens + 3
		total.Estimated = total.Estimated || n.Estimated
	}
	if len(msgs) > 0 {
		total.Tokens += 3 // reply priming
	}
	return total
}

// Estimator approximates token counts from character length.
type Estimator struct {
	// CharsPerToken is the average number of characters per token.
	CharsPerToken float64
}

// NewEstimator creates an estimator with four characters per token.
func NewEstimator() *Estimator {
	return &Estimator{CharsPerToken: 4.0}
}

// CountText estimates the tokens in text.
func (e *Estimator) CountText(model, text string) (Count, error) {
	chars := utf8.RuneCountInString(text)
	n := int(float64(chars)/e.CharsPerToken + 0.5)
	if n == 0 && strings.TrimSpace(text) != "" {
		n = 1
	}
	return Count{Tokens: n, Model: model, Estimated: true}, nil
}

// SupportsModel always returns true.
func (e *Estimator) SupportsModel(string) bool { return true }

// ModelMatcher matches model names by exact name or prefix.
type ModelMatcher struct {
	prefixes []string
	exact    []string
}

// NewModelMatcher creates a matcher.
func NewModelMatcher(prefixes, exact []string) *ModelMatcher {
	return &ModelMatcher{prefixes: prefixes, exact: exact}
}

// Matches reports whether model matches any pattern.
func (m *ModelMatcher) Matches(model string) bool {
	model = strings.ToLower(model)
	for _, e := range m.exact {
		if model == e {
			return true
		}
	}
	for _, p := range m.prefixes {
		if strings.HasPrefix(model, p) {
			return true
		}
	}
	return false
}
