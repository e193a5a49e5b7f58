package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/villaggiolabs/totem/internal/avatar"
	"github.com/villaggiolabs/totem/internal/config"
	"github.com/villaggiolabs/totem/internal/dialogue"
	"github.com/villaggiolabs/totem/internal/kiosk"
	"github.com/villaggiolabs/totem/internal/observability"
	"github.com/villaggiolabs/totem/internal/transcript"
)

// Kiosk is the controller surface the API drives.
type Kiosk interface {
	Start(ctx context.Context) error
	Stop()
	Status() kiosk.Status
}

type Server struct {
	cfg         config.Config
	tokens      avatar.TokenIssuer
	responder   dialogue.Responder
	kiosk       Kiosk
	transcripts transcript.Store
	metrics     *observability.Metrics
}

func New(cfg config.Config, tokens avatar.TokenIssuer, responder dialogue.Responder, k Kiosk, transcripts transcript.Store, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:         cfg,
		tokens:      tokens,
		responder:   responder,
		kiosk:       k,
		transcripts: transcripts,
		metrics:     metrics,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	// Browser-facing kiosk routes.
	r.Post("/api/get-access-token", s.handleAccessToken)
	r.Post("/api/chat", s.handleChat)

	// Headless controller routes.
	r.Post("/v1/kiosk/start", s.handleKioskStart)
	r.Post("/v1/kiosk/stop", s.handleKioskStop)
	r.Get("/v1/kiosk/status", s.handleKioskStatus)
	r.Get("/v1/kiosk/transcript", s.handleKioskTranscript)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

// handleAccessToken brokers one short-lived streaming token. The upstream
// status and message are mirrored; the server-held API key never leaves the
// process.
func (s *Server) handleAccessToken(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.TokenTimeout)
	defer cancel()

	token, err := s.tokens.CreateToken(ctx)
	if err != nil {
		var apiErr *avatar.APIError
		if errors.As(err, &apiErr) {
			s.metrics.TokenRequests.WithLabelValues("upstream_error").Inc()
			s.metrics.UpstreamErrors.WithLabelValues("heygen", http.StatusText(apiErr.StatusCode)).Inc()
			respondError(w, apiErr.StatusCode, "upstream_error", apiErr.Message)
			return
		}
		s.metrics.TokenRequests.WithLabelValues("error").Inc()
		log.Printf("token request failed: %v", err)
		respondError(w, http.StatusInternalServerError, "internal_error", "internal server error")
		return
	}

	s.metrics.TokenRequests.WithLabelValues("ok").Inc()
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(token))
}

type chatMessage struct {
	Content string `json:"content"`
}

type chatRequest struct {
	Prompt   string        `json:"prompt"`
	Messages []chatMessage `json:"messages"`
}

// handleChat relays one utterance to the dialogue backend and returns the
// concatenated text reply. Accepts both the prompt shape and the messages
// shape for compatibility with both caller generations.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	utterance := strings.TrimSpace(req.Prompt)
	if utterance == "" && len(req.Messages) > 0 {
		utterance = strings.TrimSpace(req.Messages[len(req.Messages)-1].Content)
	}
	if utterance == "" {
		respondError(w, http.StatusBadRequest, "no_message", "no message received")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RelayTimeout)
	defer cancel()

	reply, err := s.responder.Respond(ctx, s.cfg.ConversationID, utterance)
	if err != nil {
		log.Printf("chat relay failed: %v", err)
		respondError(w, http.StatusInternalServerError, "upstream_error", "internal server error")
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(reply))
}

func (s *Server) handleKioskStart(w http.ResponseWriter, r *http.Request) {
	if s.kiosk == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "kiosk controller not configured")
		return
	}
	if err := s.kiosk.Start(r.Context()); err != nil {
		if errors.Is(err, kiosk.ErrSessionActive) {
			respondError(w, http.StatusConflict, "already_started", "kiosk session already started")
			return
		}
		respondError(w, http.StatusBadGateway, "start_failed", "could not start kiosk session")
		return
	}
	respondJSON(w, http.StatusOK, s.kiosk.Status())
}

func (s *Server) handleKioskStop(w http.ResponseWriter, _ *http.Request) {
	if s.kiosk == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "kiosk controller not configured")
		return
	}
	s.kiosk.Stop()
	respondJSON(w, http.StatusOK, s.kiosk.Status())
}

func (s *Server) handleKioskStatus(w http.ResponseWriter, _ *http.Request) {
	if s.kiosk == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "kiosk controller not configured")
		return
	}
	respondJSON(w, http.StatusOK, s.kiosk.Status())
}

func (s *Server) handleKioskTranscript(w http.ResponseWriter, r *http.Request) {
	if s.transcripts == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "transcript store not configured")
		return
	}

	conversationID := strings.TrimSpace(r.URL.Query().Get("conversation_id"))
	if conversationID == "" && s.kiosk != nil {
		conversationID = s.kiosk.Status().ConversationID
	}
	if conversationID == "" {
		respondJSON(w, http.StatusOK, []transcript.Turn{})
		return
	}

	turns, err := s.transcripts.Recent(r.Context(), conversationID, 50)
	if err != nil {
		log.Printf("transcript read failed: %v", err)
		respondError(w, http.StatusInternalServerError, "internal_error", "internal server error")
		return
	}
	if turns == nil {
		turns = []transcript.Turn{}
	}
	respondJSON(w, http.StatusOK, turns)
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
