package orchestrator

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/wisbric/novarelay/internal/httpserver"
	"github.com/wisbric/novarelay/pkg/gatewayauth"
)

// Handler adapts Service to HTTP: decodes the request, writes a buffered
// JSON response or relays an SSE stream (SPEC_FULL.md §6).
type Handler struct {
	svc    *Service
	models []string
	logger *slog.Logger
}

// NewHandler builds a Handler. models is the static list served by
// GET /v1/models (SPEC_FULL.md §6).
func NewHandler(svc *Service, models []string, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, models: models, logger: logger}
}

// Routes mounts the gateway's chat-completions and models endpoints. The
// caller is responsible for applying gatewayauth.Middleware ahead of this
// router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/chat/completions", h.handleChatCompletions)
	r.Get("/models", h.handleModels)
	return r
}

type modelEntry struct {
	ID     string `json:"id"`
	Object string `json:"object"`
}

func (h *Handler) handleModels(w http.ResponseWriter, _ *http.Request) {
	data := make([]modelEntry, len(h.models))
	for i, m := range h.models {
		data[i] = modelEntry{ID: m, Object: "model"}
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"object": "list", "data": data})
}

func (h *Handler) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	identity, ok := gatewayauth.FromContext(r.Context())
	if !ok {
		httpserver.RespondError(w, http.StatusUnauthorized, "invalid_api_key", "missing tenant identity")
		return
	}

	// Fields outside ChatCompletionRequest are dropped, not rejected, so this
	// decodes without httpserver.Decode's unknown-field check.
	var req ChatCompletionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid JSON: "+err.Error())
		return
	}
	if errs := httpserver.Validate(&req); len(errs) > 0 {
		httpserver.RespondValidationError(w, errs)
		return
	}

	if !req.Stream {
		result := h.svc.Handle(r.Context(), identity.TenantKey, identity.Account, req, nil)
		if result.Status != http.StatusOK {
			httpserver.Respond(w, result.Status, ErrorBody{Error: ErrorDetail{Type: result.ErrorType, Message: result.ErrorMessage}})
			return
		}
		httpserver.Respond(w, http.StatusOK, result.Response)
		return
	}

	sink := newSSESink(w, req.Model)
	result := h.svc.Handle(r.Context(), identity.TenantKey, identity.Account, req, sink)
	if !result.Relayed {
		httpserver.Respond(w, result.Status, ErrorBody{Error: ErrorDetail{Type: result.ErrorType, Message: result.ErrorMessage}})
		return
	}
	// Headers and chunks were already written live by sink; a rejection
	// discovered after the first delta truncates the stream rather than
	// emitting anything further (SPEC_FULL.md §4.7).
}

// sseSink writes the OpenAI-compatible SSE chunk framing live to an
// http.ResponseWriter, flushing after every frame.
type sseSink struct {
	w           http.ResponseWriter
	flusher     http.Flusher
	model       string
	id          string
	headersSent bool
}

func newSSESink(w http.ResponseWriter, model string) *sseSink {
	flusher, _ := w.(http.Flusher)
	return &sseSink{w: w, flusher: flusher, model: model, id: "chatcmpl-" + uuid.NewString()}
}

func (s *sseSink) ensureHeaders() {
	if s.headersSent {
		return
	}
	s.headersSent = true
	s.w.Header().Set("Content-Type", "text/event-stream")
	s.w.Header().Set("Cache-Control", "no-cache")
	s.w.Header().Set("Connection", "keep-alive")
	s.w.WriteHeader(http.StatusOK)
}

// Delta writes one chunk carrying a content delta.
func (s *sseSink) Delta(text string) error {
	s.ensureHeaders()
	return s.writeChunk(StreamChunk{
		ID: s.id, Object: "chat.completion.chunk", Created: time.Now().Unix(), Model: s.model,
		Choices: []StreamChoice{{Index: 0, Delta: StreamDelta{Content: text}}},
	})
}

// Done writes the trailing finish_reason chunk and the [DONE] sentinel.
func (s *sseSink) Done(finishReason string) {
	s.ensureHeaders()
	fr := finishReason
	_ = s.writeChunk(StreamChunk{
		ID: s.id, Object: "chat.completion.chunk", Created: time.Now().Unix(), Model: s.model,
		Choices: []StreamChoice{{Index: 0, Delta: StreamDelta{}, FinishReason: &fr}},
	})
	fmt.Fprint(s.w, "data: [DONE]\n\n")
	if s.flusher != nil {
		s.flusher.Flush()
	}
}

func (s *sseSink) writeChunk(chunk StreamChunk) error {
	b, err := json.Marshal(chunk)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", b); err != nil {
		return err
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}
