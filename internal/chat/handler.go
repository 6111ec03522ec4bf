package chat

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tosinamuda/graspy-natlas/internal/locale"
	"github.com/tosinamuda/graspy-natlas/internal/study"
)

// Handler serves the sidebar chat endpoints.
type Handler struct {
	store *Store
	log   zerolog.Logger
}

func NewHandler(store *Store, log zerolog.Logger) *Handler {
	return &Handler{store: store, log: log}
}

// Routes registers the chat endpoints on mux, wrapping each with wrap (for
// example an access gate). wrap may be nil.
func (h *Handler) Routes(mux *http.ServeMux, wrap func(http.Handler) http.Handler) {
	if wrap == nil {
		wrap = func(next http.Handler) http.Handler { return next }
	}
	mux.Handle("POST /chat/conversations", wrap(http.HandlerFunc(h.create)))
	mux.Handle("GET /chat/conversations/{id}", wrap(http.HandlerFunc(h.get)))
	mux.Handle("DELETE /chat/conversations/{id}", wrap(http.HandlerFunc(h.remove)))
	mux.Handle("POST /chat/conversations/{id}/messages", wrap(http.HandlerFunc(h.send)))
	mux.Handle("DELETE /chat/conversations/{id}/messages", wrap(http.HandlerFunc(h.clear)))
}

type conversationView struct {
	ID         uuid.UUID `json:"id"`
	SessionID  string    `json:"session_id,omitempty"`
	TopicID    string    `json:"topic_id,omitempty"`
	Generating bool      `json:"generating"`
	Messages   []Message `json:"messages"`
}

func view(c *Conversation) conversationView {
	msgs := c.Messages()
	if msgs == nil {
		msgs = []Message{}
	}
	return conversationView{
		ID:         c.ID,
		SessionID:  c.SessionID(),
		TopicID:    c.Seed().TopicID,
		Generating: c.Generating(),
		Messages:   msgs,
	}
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var seed Seed
	if err := json.NewDecoder(r.Body).Decode(&seed); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	c := h.store.Create(seed)
	h.log.Debug().Str("conversation", c.ID.String()).Str("topic_id", seed.TopicID).Msg("conversation created")
	writeJSON(w, http.StatusCreated, view(c))
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	c, ok := h.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, view(c))
}

func (h *Handler) remove(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	h.store.Delete(id)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) send(w http.ResponseWriter, r *http.Request) {
	c, ok := h.lookup(w, r)
	if !ok {
		return
	}
	var req struct {
		Content  string `json:"content"`
		Language string `json:"language"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Language == "" {
		req.Language = locale.LanguageID(locale.FromContext(r.Context()))
	}

	reply, err := c.Send(r.Context(), req.Content, req.Language)
	if err != nil {
		h.log.Error().Err(err).Str("conversation", c.ID.String()).Msg("chat message failed")
		writeError(w, statusFor(err), err.Error())
		return
	}
	if reply == nil {
		writeError(w, http.StatusBadRequest, "message is empty")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"reply":        reply,
		"conversation": view(c),
	})
}

func (h *Handler) clear(w http.ResponseWriter, r *http.Request) {
	c, ok := h.lookup(w, r)
	if !ok {
		return
	}
	c.Clear()
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) lookup(w http.ResponseWriter, r *http.Request) (*Conversation, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "conversation not found")
		return nil, false
	}
	c, err := h.store.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "conversation not found")
		return nil, false
	}
	return c, true
}

func statusFor(err error) int {
	var apiErr *study.APIError
	switch {
	case errors.Is(err, ErrNoSession):
		return http.StatusBadRequest
	case errors.Is(err, study.ErrAuthRequired):
		return http.StatusUnauthorized
	case errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusForbidden:
		return http.StatusForbidden
	case errors.As(err, &apiErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
