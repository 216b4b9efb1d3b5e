package server

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tjfontaine/legisdraft/internal/api/openai"
	"github.com/tjfontaine/legisdraft/internal/auth"
	"github.com/tjfontaine/legisdraft/internal/chat"
	"github.com/tjfontaine/legisdraft/internal/config"
	"github.com/tjfontaine/legisdraft/internal/edge"
	"github.com/tjfontaine/legisdraft/internal/generation"
	"github.com/tjfontaine/legisdraft/internal/mediakit"
	"github.com/tjfontaine/legisdraft/internal/notify"
	"github.com/tjfontaine/legisdraft/internal/storage"
	"github.com/tjfontaine/legisdraft/internal/storage/memory"
)

const testKey = "ld_test_key"

// fakeOpenAI streams deltas for streaming requests and returns text for
// plain completions. A zero status means success.
type fakeOpenAI struct {
	deltas       []string
	text         string
	streamStatus int
	delay        time.Duration
}

func (f *fakeOpenAI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req openai.ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !req.Stream {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"id":"c1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":%q},"finish_reason":"stop"}]}`, f.text)
		return
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.streamStatus != 0 {
		w.WriteHeader(f.streamStatus)
		io.WriteString(w, `{"error":{"message":"upstream down","type":"server_error"}}`)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	for _, d := range f.deltas {
		fmt.Fprintf(w, "data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":%q}}]}\n\n", d)
	}
	io.WriteString(w, "data: [DONE]\n\n")
}

type testApp struct {
	srv   *httptest.Server
	store *memory.Store
	queue *notify.Queue
}

func newTestApp(t *testing.T, upstream *fakeOpenAI) *testApp {
	t.Helper()
	return newTestAppWithTimeout(t, upstream, time.Minute)
}

func newTestAppWithTimeout(t *testing.T, upstream *fakeOpenAI, requestTimeout time.Duration) *testApp {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	up := httptest.NewServer(upstream)
	t.Cleanup(up.Close)
	edgeHandler := edge.NewHandler(
		openai.NewClient("sk-test", openai.WithBaseURL(up.URL), openai.WithHTTPClient(up.Client())),
		edge.WithLogger(logger),
	)
	edgeSrv := httptest.NewServer(edgeHandler)
	t.Cleanup(edgeSrv.Close)

	store := memory.New()
	queue := notify.NewQueue(16, logger)
	t.Cleanup(func() { queue.Close() })

	invoker := generation.NewClient(edgeSrv.URL, generation.WithHTTPClient(edgeSrv.Client()))
	consumerOpts := []generation.ConsumerOption{generation.WithPublisher(queue), generation.WithLogger(logger)}

	authenticator := auth.NewAuthenticator([]config.APIKeyConfig{
		{KeyHash: auth.HashAPIKey(testKey), Caller: "clerk"},
	})
	s := New(0, requestTimeout, logger, authenticator, Services{
		Edge:          edgeHandler,
		Chat:          chat.NewService(store, invoker, chat.WithConsumerOptions(consumerOpts...), chat.WithLogger(logger)),
		MediaKits:     mediakit.NewGenerator(invoker, store, mediakit.WithConsumerOptions(consumerOpts...), mediakit.WithLogger(logger)),
		Notifications: queue,
		Generations:   store,
	})

	app := &testApp{srv: httptest.NewServer(s.Router), store: store, queue: queue}
	t.Cleanup(app.srv.Close)
	return app
}

func (a *testApp) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, a.srv.URL+path, r)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testKey)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := a.srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

type sseEvent struct {
	name string
	data string
}

// readEvents reads named events until the stream ends.
func readEvents(t *testing.T, body io.Reader) []sseEvent {
	t.Helper()
	var (
		events []sseEvent
		cur    sseEvent
	)
	sc := bufio.NewScanner(body)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			cur.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.data = strings.TrimPrefix(line, "data: ")
		case line == "" && cur.name != "":
			events = append(events, cur)
			cur = sseEvent{}
		}
	}
	return events
}

func decode[T any](t *testing.T, data string) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal([]byte(data), &v))
	return v
}

func TestHealthz_Unauthenticated(t *testing.T) {
	app := newTestApp(t, &fakeOpenAI{})

	resp, err := app.srv.Client().Get(app.srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", string(body))
	assert.NotEmpty(t, resp.Header.Get(RequestIDHeader))
}

func TestRoutes_RequireAuth(t *testing.T) {
	app := newTestApp(t, &fakeOpenAI{})

	for _, path := range []string{"/api/conversations", "/api/generations", edge.Path} {
		resp, err := app.srv.Client().Get(app.srv.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, path)
	}
}

func TestEdgeRoute_NonStreaming(t *testing.T) {
	app := newTestApp(t, &fakeOpenAI{text: "A bill to fund libraries."})

	resp := app.do(t, http.MethodPost, edge.Path, `{"prompt":"Summarize HB 7","type":"default"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	got := decode[map[string]string](t, mustRead(t, resp.Body))
	assert.Equal(t, "A bill to fund libraries.", got["generatedText"])
}

func mustRead(t *testing.T, r io.Reader) string {
	t.Helper()
	b, err := io.ReadAll(r)
	require.NoError(t, err)
	return string(b)
}

func TestConversationLifecycle(t *testing.T) {
	app := newTestApp(t, &fakeOpenAI{deltas: []string{"HB 12 ", "raises the cap."}})

	resp := app.do(t, http.MethodPost, "/api/conversations", `{"title":"HB 12"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	conv := decode[chat.Conversation](t, mustRead(t, resp.Body))
	assert.Equal(t, "HB 12", conv.Title)

	resp = app.do(t, http.MethodPost, "/api/conversations/"+conv.ID+"/messages", `{"content":"What does HB 12 do?"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := readEvents(t, resp.Body)
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	require.Equal(t, "done", last.name, "events: %v", events)

	reply := decode[chat.Reply](t, last.data)
	assert.Equal(t, "What does HB 12 do?", reply.User.Content)
	assert.Equal(t, "HB 12 raises the cap.", reply.Assistant.Content)
	assert.False(t, reply.Assistant.IsStreaming)

	var updates []chat.Message
	for _, ev := range events[:len(events)-1] {
		require.Equal(t, "update", ev.name)
		updates = append(updates, decode[chat.Message](t, ev.data))
	}
	require.NotEmpty(t, updates)
	for i := 1; i < len(updates); i++ {
		assert.True(t, strings.HasPrefix(updates[i].Content, updates[i-1].Content) || updates[i].Content == "",
			"update %d shrank: %q -> %q", i, updates[i-1].Content, updates[i].Content)
	}

	resp = app.do(t, http.MethodGet, "/api/conversations/"+conv.ID, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	stored := decode[chat.Conversation](t, mustRead(t, resp.Body))
	require.Len(t, stored.Messages, 2)
	assert.Equal(t, "HB 12 raises the cap.", stored.Messages[1].Content)

	resp = app.do(t, http.MethodGet, "/api/conversations", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[struct {
		Conversations []chat.Conversation `json:"conversations"`
	}](t, mustRead(t, resp.Body))
	assert.Len(t, list.Conversations, 1)

	resp = app.do(t, http.MethodGet, "/api/generations", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	gens := decode[struct {
		Generations []storage.GenerationRecord `json:"generations"`
	}](t, mustRead(t, resp.Body))
	require.Len(t, gens.Generations, 1)
	assert.Equal(t, "clerk", gens.Generations[0].Caller)
	assert.Equal(t, chat.Source, gens.Generations[0].Source)
	assert.Equal(t, "complete", gens.Generations[0].State)

	resp = app.do(t, http.MethodDelete, "/api/conversations/"+conv.ID, "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = app.do(t, http.MethodGet, "/api/conversations/"+conv.ID, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSendMessage_FallsBackWhenStreamFails(t *testing.T) {
	app := newTestApp(t, &fakeOpenAI{streamStatus: http.StatusInternalServerError, text: "Fallback answer"})

	conv := decode[chat.Conversation](t, mustRead(t, app.do(t, http.MethodPost, "/api/conversations", "").Body))

	resp := app.do(t, http.MethodPost, "/api/conversations/"+conv.ID+"/messages", `{"content":"Summarize"}`)
	events := readEvents(t, resp.Body)
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	require.Equal(t, "done", last.name)

	reply := decode[chat.Reply](t, last.data)
	assert.Equal(t, "Fallback answer", reply.Assistant.Content)
	assert.True(t, reply.Assistant.UsedFallback)
}

func TestSendMessage_Errors(t *testing.T) {
	app := newTestApp(t, &fakeOpenAI{})

	resp := app.do(t, http.MethodPost, "/api/conversations/conv_missing/messages", `{"content":"hi"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "application/json")

	conv := decode[chat.Conversation](t, mustRead(t, app.do(t, http.MethodPost, "/api/conversations", "").Body))

	resp = app.do(t, http.MethodPost, "/api/conversations/"+conv.ID+"/messages", `{"content":"  "}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = app.do(t, http.MethodPost, "/api/conversations/"+conv.ID+"/messages", `{not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMediaKitRoute(t *testing.T) {
	app := newTestApp(t, &fakeOpenAI{deltas: []string{"Statewide ", "library funding."}})

	resp := app.do(t, http.MethodPost, "/api/media-kits",
		`{"bill_number":"HB 7","summary":"Funds libraries.","formats":["press_release","social_post"]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	events := readEvents(t, resp.Body)
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	require.Equal(t, "done", last.name)

	kit := decode[mediakit.Kit](t, last.data)
	require.Len(t, kit.Pieces, 2)
	for _, p := range kit.Pieces {
		assert.Equal(t, "Statewide library funding.", p.Content, p.Format)
		assert.Empty(t, p.Error)
	}

	formats := map[string]bool{}
	for _, ev := range events[:len(events)-1] {
		u := decode[struct {
			Format string `json:"format"`
		}](t, ev.data)
		formats[u.Format] = true
	}
	assert.Equal(t, map[string]bool{"press_release": true, "social_post": true}, formats)
}

func TestMediaKitRoute_InvalidRequest(t *testing.T) {
	app := newTestApp(t, &fakeOpenAI{})

	resp := app.do(t, http.MethodPost, "/api/media-kits", `{"bill_number":"HB 7"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = app.do(t, http.MethodPost, "/api/media-kits", `{"bill_number":"HB 7","summary":"x","formats":["limerick"]}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestNotificationsRoute(t *testing.T) {
	prev := keepAliveInterval
	keepAliveInterval = 20 * time.Millisecond
	t.Cleanup(func() { keepAliveInterval = prev })

	app := newTestApp(t, &fakeOpenAI{})

	resp := app.do(t, http.MethodGet, "/api/notifications", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	br := bufio.NewReader(resp.Body)

	line, err := br.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, ": subscribed\n", line)

	require.Eventually(t, func() bool { return app.queue.Subscribers() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, app.queue.Publish(t.Context(), notify.Error("chat", "Error generating response. Please try again later.")))

	var (
		sawKeepAlive bool
		ev           notify.Event
	)
	deadline := time.Now().Add(2 * time.Second)
	for ev.Message == "" && time.Now().Before(deadline) {
		line, err := br.ReadString('\n')
		require.NoError(t, err)
		switch {
		case line == ": keep-alive\n":
			sawKeepAlive = true
		case strings.HasPrefix(line, "data: "):
			ev = decode[notify.Event](t, strings.TrimPrefix(strings.TrimSpace(line), "data: "))
		}
	}
	assert.Equal(t, notify.KindError, ev.Kind)
	assert.Equal(t, "chat", ev.Source)
	assert.Equal(t, "Error generating response. Please try again later.", ev.Message)

	for !sawKeepAlive && time.Now().Before(deadline) {
		line, err := br.ReadString('\n')
		require.NoError(t, err)
		sawKeepAlive = line == ": keep-alive\n"
	}
	assert.True(t, sawKeepAlive, "expected a keep-alive comment")
}

// Generations outlive the request timeout; they are bounded by the
// Consumer's own stream and fallback timeouts.
func TestStreamingRoutes_NotBoundByRequestTimeout(t *testing.T) {
	app := newTestAppWithTimeout(t, &fakeOpenAI{deltas: []string{"Slow answer."}, delay: 150 * time.Millisecond}, 50*time.Millisecond)

	conv := decode[chat.Conversation](t, mustRead(t, app.do(t, http.MethodPost, "/api/conversations", "").Body))

	events := readEvents(t, app.do(t, http.MethodPost, "/api/conversations/"+conv.ID+"/messages", `{"content":"Summarize"}`).Body)
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	require.Equal(t, "done", last.name, "events: %v", events)
	assert.Equal(t, "Slow answer.", decode[chat.Reply](t, last.data).Assistant.Content)

	events = readEvents(t, app.do(t, http.MethodPost, "/api/media-kits",
		`{"bill_number":"HB 7","summary":"Funds libraries.","formats":["press_release","faq"]}`).Body)
	require.NotEmpty(t, events)
	last = events[len(events)-1]
	require.Equal(t, "done", last.name)
	kit := decode[mediakit.Kit](t, last.data)
	require.Len(t, kit.Pieces, 2)
	for _, p := range kit.Pieces {
		assert.Empty(t, p.Error, p.Format)
	}
}
