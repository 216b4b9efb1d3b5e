package generation

import (
	"encoding/json"
	"strings"
)

// DeltaKind tags the result of decoding one stream line.
type DeltaKind int

const (
	// DeltaUnrecognized is any line that carries no content: blank lines,
	// comments, non-JSON payloads, payloads without a delta content field.
	DeltaUnrecognized DeltaKind = iota
	// DeltaContent carries a text fragment.
	DeltaContent
	// DeltaDone is the end-of-stream marker.
	DeltaDone
)

func (k DeltaKind) String() string {
	switch k {
	case DeltaContent:
		return "content"
	case DeltaDone:
		return "done"
	default:
		return "unrecognized"
	}
}

// Delta is a decoded stream line.
type Delta struct {
	Kind DeltaKind
	Text string
}

const (
	dataPrefix = "data:"
	doneMarker = "[DONE]"
)

type chunkPayload struct {
	Choices []struct {
		Delta *struct {
			Content *string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// ParseLine decodes a single stream line. It never fails: anything that is
// not a recognizable content delta is DeltaUnrecognized.
func ParseLine(line string) Delta {
	if !strings.HasPrefix(line, dataPrefix) {
		return Delta{Kind: DeltaUnrecognized}
	}
	payload := strings.TrimSpace(strings.TrimPrefix(line, dataPrefix))
	if payload == doneMarker {
		return Delta{Kind: DeltaDone}
	}

	var chunk chunkPayload
	if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
		return Delta{Kind: DeltaUnrecognized}
	}
	if len(chunk.Choices) == 0 {
		return Delta{Kind: DeltaUnrecognized}
	}
	d := chunk.Choices[0].Delta
	if d == nil || d.Content == nil {
		return Delta{Kind: DeltaUnrecognized}
	}
	return Delta{Kind: DeltaContent, Text: *d.Content}
}
