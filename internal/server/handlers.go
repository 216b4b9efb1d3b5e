package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tjfontaine/legisdraft/internal/auth"
	"github.com/tjfontaine/legisdraft/internal/chat"
	"github.com/tjfontaine/legisdraft/internal/codec"
	"github.com/tjfontaine/legisdraft/internal/domain"
	"github.com/tjfontaine/legisdraft/internal/generation"
	"github.com/tjfontaine/legisdraft/internal/mediakit"
	"github.com/tjfontaine/legisdraft/internal/storage"
)

const maxBodyBytes = 1 << 20

// keepAliveInterval spaces comments on idle notification streams.
var keepAliveInterval = 15 * time.Second

type handlers struct {
	svc    Services
	logger *slog.Logger
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		return domain.ErrInvalidRequest("invalid JSON body: " + err.Error())
	}
	return nil
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	AddError(r.Context(), err)
	codec.WriteError(w, err)
}

func pagination(r *http.Request) (limit, offset int) {
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	return max(limit, 0), max(offset, 0)
}

func (h *handlers) createConversation(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Title string `json:"title"`
	}
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &body); err != nil {
			writeError(w, r, err)
			return
		}
	}

	conv, err := h.svc.Chat.CreateConversation(r.Context(), auth.CallerFromContext(r.Context()).ID, body.Title)
	if err != nil {
		writeError(w, r, err)
		return
	}
	AddLogField(r.Context(), "conversation_id", conv.ID)
	codec.WriteJSON(w, http.StatusCreated, conv)
}

func (h *handlers) listConversations(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	list, err := h.svc.Chat.ListConversations(r.Context(), auth.CallerFromContext(r.Context()).ID, limit, offset)
	if err != nil {
		writeError(w, r, err)
		return
	}
	codec.WriteJSON(w, http.StatusOK, map[string]any{"conversations": list})
}

func (h *handlers) getConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := h.svc.Chat.GetConversation(r.Context(), auth.CallerFromContext(r.Context()).ID, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	codec.WriteJSON(w, http.StatusOK, conv)
}

func (h *handlers) deleteConversation(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Chat.DeleteConversation(r.Context(), auth.CallerFromContext(r.Context()).ID, chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// streamError is the payload of an SSE error event.
type streamError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

func newStreamError(err error) streamError {
	apiErr := domain.AsAPIError(err)
	return streamError{Message: apiErr.Message, Type: string(apiErr.Type)}
}

// sendMessage streams the assistant message as "update" events and ends
// with a "done" event carrying the reply, or an "error" event. Errors that
// happen before the first event are plain JSON responses.
func (h *handlers) sendMessage(w http.ResponseWriter, r *http.Request) {
	convID := chi.URLParam(r, "id")
	AddLogField(r.Context(), "conversation_id", convID)

	var in chat.SendRequest
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, r, err)
		return
	}

	sse, err := codec.NewSSEWriter(w)
	if err != nil {
		writeError(w, r, err)
		return
	}

	started := false
	reply, err := h.svc.Chat.Send(r.Context(), auth.CallerFromContext(r.Context()).ID, convID, in, func(m chat.Message) {
		started = true
		sse.Event("update", m)
	})
	if err != nil {
		AddError(r.Context(), err)
		if !started {
			codec.WriteError(w, err)
			return
		}
		sse.Event("error", newStreamError(err))
		return
	}
	if reply.Result.UsedFallback {
		AddLogField(r.Context(), "fallback", "true")
	}
	sse.Event("done", reply)
}

type kitUpdate struct {
	Format mediakit.Format   `json:"format"`
	Update generation.Update `json:"update"`
}

func (h *handlers) createMediaKit(w http.ResponseWriter, r *http.Request) {
	var req mediakit.Request
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := req.Normalize(); err != nil {
		writeError(w, r, err)
		return
	}

	sse, err := codec.NewSSEWriter(w)
	if err != nil {
		writeError(w, r, err)
		return
	}

	kit, err := h.svc.MediaKits.Generate(r.Context(), auth.CallerFromContext(r.Context()).ID, req, func(f mediakit.Format, u generation.Update) {
		sse.Event("update", kitUpdate{Format: f, Update: u})
	})
	if err != nil {
		AddError(r.Context(), err)
		sse.Event("error", newStreamError(err))
		return
	}
	AddLogField(r.Context(), "pieces", strconv.Itoa(len(kit.Pieces)))
	sse.Event("done", kit)
}

func (h *handlers) listGenerations(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	recs, err := h.svc.Generations.ListGenerations(r.Context(), storage.ListOptions{
		Caller: auth.CallerFromContext(r.Context()).ID,
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	codec.WriteJSON(w, http.StatusOK, map[string]any{"generations": recs})
}

// notifications relays queue events as "notification" SSE events until the
// client disconnects or the queue closes.
func (h *handlers) notifications(w http.ResponseWriter, r *http.Request) {
	sse, err := codec.NewSSEWriter(w)
	if err != nil {
		writeError(w, r, err)
		return
	}

	events, cancel := h.svc.Notifications.Subscribe(r.Context())
	defer cancel()

	if err := sse.Comment("subscribed"); err != nil {
		return
	}

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := sse.Event("notification", ev); err != nil {
				return
			}
		case <-ticker.C:
			if err := sse.Comment("keep-alive"); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}
