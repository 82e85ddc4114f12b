package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/replyforge/agentrelay/internal/orchestrator"
	"github.com/replyforge/agentrelay/internal/telemetry"
)

// Server wires the five external endpoints of §6 onto a *orchestrator.Facade:
// chat send/stream/interrupt, plus the agent's own push_events/push_finished
// callbacks.
type Server struct {
	facade *orchestrator.Facade
	router chi.Router

	heartbeatInterval time.Duration
	callbackSecret    string
	sendLimiter       *perUserLimiter

	log telemetry.Logger
}

// Options configures a Server.
type Options struct {
	HeartbeatInterval time.Duration
	// CallbackSecret, when non-empty, is compared against the
	// X-Agent-Callback-Secret header on the two /trpc callback endpoints.
	CallbackSecret string
	Log            telemetry.Logger
	// SendRatePerSecond and SendBurst bound how often a single user_id may
	// call /api/chat/send. A zero or negative SendRatePerSecond uses 2 per
	// second and a zero or negative SendBurst uses 5; rate limiting cannot be
	// turned off.
	SendRatePerSecond float64
	SendBurst         int
	// MetricsHandler, when set, is mounted at GET /metrics (typically
	// promhttp.HandlerFor bound to a prometheus.Registry).
	MetricsHandler http.Handler
}

// NewServer builds the chi router for facade per Options.
func NewServer(facade *orchestrator.Facade, opts Options) *Server {
	if opts.Log == nil {
		opts.Log = telemetry.NewNoopLogger()
	}
	if opts.SendRatePerSecond <= 0 {
		opts.SendRatePerSecond = 2
	}
	if opts.SendBurst <= 0 {
		opts.SendBurst = 5
	}
	s := &Server{
		facade:            facade,
		heartbeatInterval: opts.HeartbeatInterval,
		callbackSecret:    opts.CallbackSecret,
		sendLimiter:       newPerUserLimiter(opts.SendRatePerSecond, opts.SendBurst),
		log:               opts.Log,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Post("/api/chat/send", s.rateLimitSend(s.handleSend))
	r.Post("/api/chat/stream", s.handleStream)
	r.Post("/api/chat/interrupt", s.handleInterrupt)
	r.Post("/trpc/pushMessageToChatAgent", s.requireCallbackSecret(s.handlePushMessage))
	r.Post("/trpc/pushFinishedSignalToChatAgent", s.requireCallbackSecret(s.handlePushFinished))
	if opts.MetricsHandler != nil {
		r.Get("/metrics", opts.MetricsHandler.ServeHTTP)
	}

	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

func (s *Server) requireCallbackSecret(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.callbackSecret != "" && r.Header.Get("X-Agent-Callback-Secret") != s.callbackSecret {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next(w, r)
	}
}

type sendRequest struct {
	UserID         string   `json:"user_id"`
	ConversationID string   `json:"conversation_id"`
	Message        string   `json:"message"`
	UploadedFiles  []string `json:"uploaded_files"`
}

type sendResponse struct {
	ConversationID string `json:"conversation_id"`
	ReplyID        string `json:"reply_id"`
	Status         string `json:"status"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" || req.Message == "" {
		http.Error(w, "user_id and message are required", http.StatusBadRequest)
		return
	}

	res, err := s.facade.Send(r.Context(), orchestrator.SendParams{
		UserID:         req.UserID,
		ConversationID: req.ConversationID,
		Message:        req.Message,
		UploadedFiles:  req.UploadedFiles,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	// /api/chat/send does not stream: the client only wants the minted ids,
	// so the subscription opened purely for ordering (§5) is discarded right
	// away. A client that wants the stream itself calls /api/chat/stream,
	// which performs its own Send and consumes that call's subscription
	// directly instead of subscribing separately against this reply.
	res.Subscription.Unsubscribe()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(sendResponse{ConversationID: res.ConversationID, ReplyID: res.ReplyID, Status: "processing"})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" || req.Message == "" {
		http.Error(w, "user_id and message are required", http.StatusBadRequest)
		return
	}

	// Send and subscribe synchronously in the same call (§4.9, §5): the
	// subscription Send returns is created before the subprocess is spawned,
	// so no event the agent emits can arrive before this handler starts
	// consuming it.
	res, err := s.facade.Send(r.Context(), orchestrator.SendParams{
		UserID:         req.UserID,
		ConversationID: req.ConversationID,
		Message:        req.Message,
		UploadedFiles:  req.UploadedFiles,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	defer res.Subscription.Unsubscribe()

	start := orchestrator.NewStartEvent(res.ConversationID, res.ReplyID)
	if err := writeSSE(w, r.Context().Done(), res.Subscription, start, s.heartbeatInterval); err != nil {
		s.log.Warn(r.Context(), "sse stream ended with error", "reply_id", res.ReplyID, "error", err)
	}
}

func (s *Server) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID  string `json:"user_id"`
		ReplyID string `json:"reply_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" || req.ReplyID == "" {
		http.Error(w, "user_id and reply_id are required", http.StatusBadRequest)
		return
	}

	found, err := s.facade.Interrupt(r.Context(), req.UserID, req.ReplyID)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]bool{"success": found})
}

func (s *Server) handlePushMessage(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	var probe struct {
		ReplyID string `json:"replyId"`
	}
	if err := json.Unmarshal(body, &probe); err != nil || probe.ReplyID == "" {
		http.Error(w, "replyId is required", http.StatusBadRequest)
		return
	}

	if err := s.facade.PushEvents(r.Context(), probe.ReplyID, body); err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]bool{"success": true})
}

func (s *Server) handlePushFinished(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ReplyID         string `json:"replyId"`
		StableMessageID string `json:"stableMessageId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ReplyID == "" {
		http.Error(w, "replyId is required", http.StatusBadRequest)
		return
	}

	if err := s.facade.PushFinished(r.Context(), req.ReplyID, req.StableMessageID); err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]bool{"success": true})
}

func writeError(w http.ResponseWriter, err error) {
	kind, known := orchestrator.KindOf(err)
	if !known {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	switch kind {
	case orchestrator.KindUnauthorizedInterrupt:
		http.Error(w, err.Error(), http.StatusForbidden)
	case orchestrator.KindUnknownReply:
		http.Error(w, err.Error(), http.StatusNotFound)
	case orchestrator.KindParseError:
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
