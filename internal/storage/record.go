package storage

import (
	"time"

	"github.com/google/uuid"

	"github.com/tjfontaine/legisdraft/internal/generation"
)

// NewGenerationRecord builds the record of a finished Consumer run.
func NewGenerationRecord(caller, source string, req generation.Request, res *generation.Result, runErr error, elapsed time.Duration) *GenerationRecord {
	rec := &GenerationRecord{
		ID:        "gen_" + uuid.NewString(),
		Caller:    caller,
		Source:    source,
		Mode:      string(req.Mode),
		Model:     req.Model,
		Prompt:    req.Prompt,
		Duration:  elapsed,
		CreatedAt: time.Now().UTC(),
	}
	if rec.Mode == "" {
		rec.Mode = string(generation.ModeDefault)
	}
	if res != nil {
		rec.Text = res.Text
		rec.State = res.State.String()
		rec.UsedFallback = res.UsedFallback
		if res.StreamErr != nil {
			rec.StreamError = res.StreamErr.Error()
		}
	}
	if runErr != nil {
		rec.Error = runErr.Error()
	}
	return rec
}
