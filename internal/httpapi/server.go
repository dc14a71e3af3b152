// Package httpapi serves the local display surface: conversation, live
// session controls and a websocket feed of session and message events.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ent0n29/accountant/internal/apiclient"
	"github.com/ent0n29/accountant/internal/capture"
	"github.com/ent0n29/accountant/internal/config"
	"github.com/ent0n29/accountant/internal/live"
	"github.com/ent0n29/accountant/internal/observability"
	"github.com/ent0n29/accountant/internal/session"
	"github.com/ent0n29/accountant/internal/transport"
)

const maxUploadBytes = 32 << 20

type Server struct {
	cfg      config.Config
	sessions *session.Manager
	metrics  *observability.Metrics
	logger   zerolog.Logger
	upgrader websocket.Upgrader
	static   http.Handler
	hub      *hub
}

func New(cfg config.Config, sessions *session.Manager, metrics *observability.Metrics, logger zerolog.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		sessions: sessions,
		metrics:  metrics,
		logger:   logger,
		static:   newStaticHandler(),
		hub:      newHub(metrics),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     sameOrigin,
		},
	}
	if machine := sessions.Live(); machine != nil {
		machine.OnChange(func(snap live.Snapshot) {
			s.hub.broadcast(sessionStateEvent(snap))
		})
		machine.OnError(func(err error) {
			s.hub.broadcast(errorEvent(err))
		})
	}
	return s
}

// sameOrigin only lets browser pages served by this process open the feed.
// Non-browser clients omit Origin and are allowed.
func sameOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/ui/", http.StatusTemporaryRedirect)
	})
	r.Get("/ui", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/ui/", http.StatusTemporaryRedirect)
	})
	r.Handle("/ui/*", http.StripPrefix("/ui/", s.static))

	r.Get("/healthz", s.handleHealth)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Route("/v1", func(r chi.Router) {
		r.Get("/onboarding/status", s.handleOnboardingStatus)
		r.Get("/perf/latency", s.handlePerfLatency)

		r.Get("/session", s.handleSessionStatus)
		r.Post("/auth/login", s.handleLogin)
		r.Post("/auth/logout", s.handleLogout)

		r.Get("/conversation", s.handleConversation)
		r.Post("/text/query", s.handleTextQuery)
		r.Post("/files/upload", s.handleUpload)

		r.Post("/live/start", s.handleLiveStart)
		r.Post("/live/stop", s.handleLiveStop)
		r.Get("/live/state", s.handleLiveState)
		r.Get("/live/ws", s.handleDisplayWS)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := s.sessions.Status()
	liveStatus := "disabled"
	if machine := s.sessions.Live(); machine != nil {
		liveStatus = machine.Snapshot().Status.String()
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"authenticated": status.Authenticated,
		"live_status":   liveStatus,
		"display_peers": s.hub.count(),
	})
}

func (s *Server) handleSessionStatus(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.sessions.Status())
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "body must be JSON with username and password")
		return
	}
	if err := s.sessions.Login(r.Context(), req.Username, req.Password); err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, s.sessions.Status())
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Logout(r.Context()); err != nil {
		s.logger.Warn().Err(err).Msg("logout cleanup")
	}
	respondJSON(w, http.StatusOK, s.sessions.Status())
}

func (s *Server) handleConversation(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"messages": s.sessions.Conversation().Messages(),
	})
}

type textQueryRequest struct {
	Query string `json:"query"`
}

func (s *Server) handleTextQuery(w http.ResponseWriter, r *http.Request) {
	var req textQueryRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	res, err := s.sessions.SubmitText(r.Context(), req.Query)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "expected multipart form with file and category")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "missing file field")
		return
	}
	defer file.Close()

	category := r.FormValue("category")
	if category == "" {
		category = apiclient.Categories[0]
	}
	doc, err := s.sessions.Upload(r.Context(), header.Filename, file, category)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{"document": doc})
}

func (s *Server) handleLiveStart(w http.ResponseWriter, r *http.Request) {
	machine := s.sessions.Live()
	if machine == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "live voice is not configured")
		return
	}
	if !s.sessions.Authenticated() {
		respondError(w, http.StatusUnauthorized, "not_authenticated", apiclient.ErrNotAuthenticated.Error())
		return
	}
	if err := machine.Start(r.Context()); err != nil {
		if errors.Is(err, live.ErrSessionActive) {
			respondError(w, http.StatusConflict, "session_active", err.Error())
			return
		}
		respondError(w, http.StatusServiceUnavailable, "unavailable", err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, machine.Snapshot())
}

func (s *Server) handleLiveStop(w http.ResponseWriter, _ *http.Request) {
	machine := s.sessions.Live()
	if machine == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "live voice is not configured")
		return
	}
	machine.Stop()
	respondJSON(w, http.StatusOK, machine.Snapshot())
}

func (s *Server) handleLiveState(w http.ResponseWriter, _ *http.Request) {
	machine := s.sessions.Live()
	if machine == nil {
		respondJSON(w, http.StatusOK, live.Snapshot{Status: live.StatusIdle})
		return
	}
	respondJSON(w, http.StatusOK, machine.Snapshot())
}

// respondServiceError maps session and API failures onto HTTP statuses.
func (s *Server) respondServiceError(w http.ResponseWriter, err error) {
	var (
		authErr *apiclient.AuthError
		apiErr  *apiclient.APIError
	)
	switch {
	case errors.Is(err, apiclient.ErrEmptyQuery):
		respondError(w, http.StatusBadRequest, "empty_query", err.Error())
	case errors.Is(err, apiclient.ErrNotAuthenticated):
		respondError(w, http.StatusUnauthorized, "not_authenticated", err.Error())
	case errors.As(err, &authErr):
		respondError(w, http.StatusUnauthorized, "auth_error", authErr.Message)
	case errors.Is(err, apiclient.ErrInvalidUpload):
		respondError(w, http.StatusBadRequest, "invalid_upload", err.Error())
	case errors.As(err, &apiErr):
		respondError(w, http.StatusBadGateway, "api_error", apiErr.Message)
	default:
		s.logger.Error().Err(err).Msg("request failed")
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

// errorCode names an error for display clients.
func errorCode(err error) (code, source string) {
	var (
		devErr  *capture.DeviceError
		tErr    *transport.Error
		qErr    *live.QueryError
		authErr *apiclient.AuthError
		apiErr  *apiclient.APIError
	)
	switch {
	case errors.As(err, &devErr):
		return "device_error", "capture"
	case errors.As(err, &tErr):
		return "transport_error", "transport"
	case errors.As(err, &qErr):
		return "query_error", "dispatcher"
	case errors.As(err, &authErr):
		return "auth_error", "api"
	case errors.As(err, &apiErr):
		return "api_error", "api"
	default:
		return "internal", "app"
	}
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
