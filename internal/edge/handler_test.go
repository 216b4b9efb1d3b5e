package edge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tjfontaine/legisdraft/internal/api/openai"
	"github.com/tjfontaine/legisdraft/internal/generation"
)

type fakeUpstream struct {
	got      *openai.ChatCompletionRequest
	text     string
	chunks   []string
	midErr   error
	startErr error
}

func (f *fakeUpstream) CreateChatCompletion(ctx context.Context, req *openai.ChatCompletionRequest) (*openai.ChatCompletionResponse, error) {
	f.got = req
	if f.startErr != nil {
		return nil, f.startErr
	}
	return &openai.ChatCompletionResponse{Choices: []openai.Choice{{Message: openai.ChatCompletionMessage{Role: "assistant", Content: f.text}}}}, nil
}

func (f *fakeUpstream) StreamChatCompletion(ctx context.Context, req *openai.ChatCompletionRequest) (<-chan openai.StreamResult, error) {
	f.got = req
	if f.startErr != nil {
		return nil, f.startErr
	}
	out := make(chan openai.StreamResult, len(f.chunks)+1)
	for _, c := range f.chunks {
		out <- openai.StreamResult{Chunk: &openai.ChatCompletionChunk{Choices: []openai.ChunkChoice{{Delta: openai.ChunkDelta{Content: c}}}}}
	}
	if f.midErr != nil {
		out <- openai.StreamResult{Err: f.midErr}
	}
	close(out)
	return out, nil
}

func post(t *testing.T, h http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, Path, strings.NewReader(body)))
	return rec
}

func TestHandler_NonStreaming(t *testing.T) {
	up := &fakeUpstream{text: "AN ACT relating to taxation."}
	h := NewHandler(up, WithModel("gpt-4o-mini"), WithMaxTokens(512))

	rec := post(t, h, `{"prompt":"Draft a tax bill","type":"draft","stream":false}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"generatedText":"AN ACT relating to taxation."}`, rec.Body.String())

	require.NotNil(t, up.got)
	assert.Equal(t, "gpt-4o-mini", up.got.Model)
	assert.Equal(t, 512, up.got.MaxTokens)
	require.Len(t, up.got.Messages, 2)
	assert.Equal(t, SystemPrompt(generation.ModeDraft), up.got.Messages[0].Content)
	assert.Equal(t, "Draft a tax bill", up.got.Messages[1].Content)
}

func TestHandler_RequestModelOverridesDefault(t *testing.T) {
	up := &fakeUpstream{text: "ok"}
	h := NewHandler(up, WithModel("gpt-4o-mini"))

	post(t, h, `{"prompt":"hi","model":"gpt-4o","type":"default"}`)
	require.NotNil(t, up.got)
	assert.Equal(t, "gpt-4o", up.got.Model)
}

func TestHandler_Streaming(t *testing.T) {
	up := &fakeUpstream{chunks: []string{"Be it ", "", "enacted"}}
	h := NewHandler(up)

	rec := post(t, h, `{"prompt":"Summarize","type":"default","stream":true}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t,
		"data: {\"choices\":[{\"delta\":{\"content\":\"Be it \"}}]}\n\n"+
			"data: {\"choices\":[{\"delta\":{\"content\":\"enacted\"}}]}\n\n"+
			"data: [DONE]\n\n",
		rec.Body.String())
}

func TestHandler_StreamingInterrupted(t *testing.T) {
	up := &fakeUpstream{chunks: []string{"partial"}, midErr: fmt.Errorf("stream read error: reset")}
	rec := post(t, NewHandler(up), `{"prompt":"x","stream":true}`)

	assert.Contains(t, rec.Body.String(), "partial")
	assert.NotContains(t, rec.Body.String(), "[DONE]")
}

func TestHandler_StreamingEncodeFailure(t *testing.T) {
	prev := marshalChunk
	marshalChunk = func(streamChunk) ([]byte, error) { return nil, errors.New("encode failed") }
	t.Cleanup(func() { marshalChunk = prev })

	up := &fakeUpstream{chunks: []string{"Be it ", "enacted"}}
	rec := post(t, NewHandler(up), `{"prompt":"x","stream":true}`)

	assert.NotContains(t, rec.Body.String(), "[DONE]")
	assert.NotContains(t, rec.Body.String(), "enacted")
}

func TestHandler_BadRequests(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantCode string
	}{
		{"empty prompt", `{"prompt":"  ","type":"default"}`, "empty_prompt"},
		{"missing prompt", `{"type":"draft"}`, "empty_prompt"},
		{"unknown type", `{"prompt":"x","type":"poem"}`, "unknown_mode"},
		{"not json", `prompt=x`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			up := &fakeUpstream{}
			rec := post(t, NewHandler(up), tt.body)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Nil(t, up.got, "upstream must not be called")

			var body struct {
				Error struct {
					Type string `json:"type"`
					Code string `json:"code"`
				} `json:"error"`
			}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, "invalid_request_error", body.Error.Type)
			assert.Equal(t, tt.wantCode, body.Error.Code)
		})
	}
}

func TestHandler_UpstreamErrorStatus(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		io.WriteString(w, `{"error":{"message":"Rate limit reached","type":"rate_limit_error","code":"rate_limit_exceeded"}}`)
	}))
	defer upstream.Close()

	client := openai.NewClient("sk-test", openai.WithBaseURL(upstream.URL), openai.WithHTTPClient(upstream.Client()))
	h := NewHandler(client)

	for _, stream := range []bool{false, true} {
		rec := post(t, h, fmt.Sprintf(`{"prompt":"x","stream":%t}`, stream))
		assert.Equal(t, http.StatusTooManyRequests, rec.Code, "stream=%t", stream)
		assert.Contains(t, rec.Body.String(), "Rate limit reached")
	}
}

func TestHandler_ProxiesRealUpstreamStream(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req openai.ChatCompletionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Stream)
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "data: {\"choices\":[{\"index\":0,\"delta\":{\"role\":\"assistant\"}}]}\n\n")
		io.WriteString(w, "data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":\"Hello\"}}]}\n\n")
		io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer upstream.Close()

	client := openai.NewClient("sk-test", openai.WithBaseURL(upstream.URL), openai.WithHTTPClient(upstream.Client()))
	rec := post(t, NewHandler(client), `{"prompt":"Summarize","stream":true}`)

	assert.Equal(t, "data: {\"choices\":[{\"delta\":{\"content\":\"Hello\"}}]}\n\ndata: [DONE]\n\n", rec.Body.String())
}

func TestHandler_CORS(t *testing.T) {
	h := NewHandler(&fakeUpstream{}, WithAllowedOrigin("https://legis.example"))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, Path, nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://legis.example", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "apikey")

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, Path, nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestSystemPrompt(t *testing.T) {
	seen := map[string]bool{}
	for _, m := range generation.Modes {
		p := SystemPrompt(m)
		assert.NotEmpty(t, p)
		assert.False(t, seen[p], "mode %s reuses a prompt", m)
		seen[p] = true
	}
}
