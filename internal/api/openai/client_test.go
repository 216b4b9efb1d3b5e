package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/tjfontaine/legisdraft/internal/domain"
)

func TestClient_CreateChatCompletion(t *testing.T) {
	var got ChatCompletionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s, want /chat/completions", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"c1","model":"gpt-4o-mini","choices":[{"index":0,"message":{"role":"assistant","content":"Section 1. Short title."},"finish_reason":"stop"}]}`)
	}))
	defer srv.Close()

	c := NewClient("sk-test", WithBaseURL(srv.URL+"/"), WithHTTPClient(srv.Client()))
	resp, err := c.CreateChatCompletion(context.Background(), &ChatCompletionRequest{
		Model:    "gpt-4o-mini",
		Messages: []ChatCompletionMessage{{Role: "user", Content: "Draft a title"}},
		Stream:   true,
	})
	if err != nil {
		t.Fatalf("CreateChatCompletion() error = %v", err)
	}

	if got.Stream {
		t.Error("non-streaming call must not send stream=true")
	}
	if resp.Text() != "Section 1. Short title." {
		t.Errorf("Text() = %q", resp.Text())
	}
}

func TestClient_CreateChatCompletion_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"slow down","type":"rate_limit_error","code":"rate_limit_exceeded"}}`)
	}))
	defer srv.Close()

	c := NewClient("sk-test", WithBaseURL(srv.URL), WithHTTPClient(srv.Client()))
	_, err := c.CreateChatCompletion(context.Background(), &ChatCompletionRequest{Model: "m"})

	var apiErr *domain.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error = %v, want *domain.APIError", err)
	}
	if apiErr.Type != domain.ErrorTypeRateLimit {
		t.Errorf("Type = %s, want %s", apiErr.Type, domain.ErrorTypeRateLimit)
	}
	if apiErr.HTTPStatusCode() != http.StatusTooManyRequests {
		t.Errorf("HTTPStatusCode() = %d", apiErr.HTTPStatusCode())
	}
}

func TestClient_StreamChatCompletion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ChatCompletionRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if !req.Stream || req.StreamOptions == nil || !req.StreamOptions.IncludeUsage {
			t.Errorf("stream request = %+v", req)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"index\":0,\"delta\":{\"role\":\"assistant\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":\"Be it \"}}]}\n\n")
		fmt.Fprint(w, ": keep-alive\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":\"enacted\"}}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	c := NewClient("sk-test", WithBaseURL(srv.URL), WithHTTPClient(srv.Client()))
	stream, err := c.StreamChatCompletion(context.Background(), &ChatCompletionRequest{Model: "m"})
	if err != nil {
		t.Fatalf("StreamChatCompletion() error = %v", err)
	}

	var content string
	for res := range stream {
		if res.Err != nil {
			t.Fatalf("stream error: %v", res.Err)
		}
		content += res.Chunk.ContentDelta()
	}

	if content != "Be it enacted" {
		t.Errorf("content = %q, want %q", content, "Be it enacted")
	}
}

func TestClient_StreamChatCompletion_BadChunk(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {not json}\n\n")
	}))
	defer srv.Close()

	c := NewClient("sk-test", WithBaseURL(srv.URL), WithHTTPClient(srv.Client()))
	stream, err := c.StreamChatCompletion(context.Background(), &ChatCompletionRequest{Model: "m"})
	if err != nil {
		t.Fatalf("StreamChatCompletion() error = %v", err)
	}

	var sawErr bool
	for res := range stream {
		if res.Err != nil {
			sawErr = true
		}
	}
	if !sawErr {
		t.Error("expected an error result for an undecodable chunk")
	}
}

func TestClient_StreamChatCompletion_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient("sk-test", WithBaseURL(srv.URL), WithHTTPClient(srv.Client()))
	if _, err := c.StreamChatCompletion(context.Background(), &ChatCompletionRequest{Model: "m"}); err == nil {
		t.Fatal("expected error for 502")
	}
}
