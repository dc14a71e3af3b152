package httpapi

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os/exec"
	"strings"
	"time"

	"github.com/ent0n29/accountant/internal/transport"
)

type onboardingCheck struct {
	ID     string `json:"id"`
	Status string `json:"status"` // ok|warn|error
	Label  string `json:"label"`
	Detail string `json:"detail,omitempty"`
	Fix    string `json:"fix,omitempty"`
}

type onboardingStatusResponse struct {
	APIBaseURL        string            `json:"api_base_url"`
	LiveWSURL         string            `json:"live_ws_url"`
	ConversationStore string            `json:"conversation_store"`
	Authenticated     bool              `json:"authenticated"`
	Checks            []onboardingCheck `json:"checks"`
}

func (s *Server) handleOnboardingStatus(w http.ResponseWriter, r *http.Request) {
	probe := r.URL.Query().Get("probe") == "1"

	checks := make([]onboardingCheck, 0, 6)
	checks = append(checks, s.apiCheck())
	checks = append(checks, s.liveChecks(probe)...)
	checks = append(checks, s.captureCheck())
	checks = append(checks, s.storeCheck())

	status := s.sessions.Status()
	if status.Authenticated {
		checks = append(checks, onboardingCheck{
			ID:     "sign_in",
			Status: "ok",
			Label:  "Signed in",
			Detail: status.Username,
		})
	} else {
		checks = append(checks, onboardingCheck{
			ID:     "sign_in",
			Status: "warn",
			Label:  "Signed in",
			Detail: "no saved credentials",
			Fix:    "Run `accountant login -u <username>` or POST /v1/auth/login.",
		})
	}

	respondJSON(w, http.StatusOK, onboardingStatusResponse{
		APIBaseURL:        s.cfg.APIBaseURL,
		LiveWSURL:         s.cfg.LiveWSURL,
		ConversationStore: storeMode(s.cfg.ConversationStoreURL),
		Authenticated:     status.Authenticated,
		Checks:            checks,
	})
}

func (s *Server) apiCheck() onboardingCheck {
	u, err := url.Parse(strings.TrimSpace(s.cfg.APIBaseURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return onboardingCheck{
			ID:     "api_base_url",
			Status: "error",
			Label:  "Finance API",
			Detail: "API_BASE_URL is not an http(s) URL",
			Fix:    "Set API_BASE_URL to the service root, e.g. https://host.example.",
		}
	}
	return onboardingCheck{
		ID:     "api_base_url",
		Status: "ok",
		Label:  "Finance API",
		Detail: u.Host,
	}
}

func (s *Server) liveChecks(probe bool) []onboardingCheck {
	if s.sessions.Live() == nil {
		return []onboardingCheck{{
			ID:     "live_voice",
			Status: "warn",
			Label:  "Live voice",
			Detail: "disabled in this process",
		}}
	}
	wsURL, err := transport.NormalizeURL(s.cfg.LiveWSURL)
	if err != nil {
		return []onboardingCheck{{
			ID:     "live_ws_url",
			Status: "error",
			Label:  "Live transcription socket",
			Detail: err.Error(),
			Fix:    "Set LIVE_WS_URL to a ws:// or wss:// endpoint.",
		}}
	}
	out := []onboardingCheck{{
		ID:     "live_ws_url",
		Status: "ok",
		Label:  "Live transcription socket",
		Detail: wsURL,
	}}
	if !probe {
		return out
	}
	if err := probeTCP(wsURL); err != nil {
		out = append(out, onboardingCheck{
			ID:     "live_ws_reachable",
			Status: "warn",
			Label:  "Live transcription socket reachable",
			Detail: err.Error(),
			Fix:    "Start the transcription service or point LIVE_WS_URL at a running one.",
		})
	} else {
		out = append(out, onboardingCheck{
			ID:     "live_ws_reachable",
			Status: "ok",
			Label:  "Live transcription socket reachable",
		})
	}
	return out
}

func (s *Server) captureCheck() onboardingCheck {
	fields := strings.Fields(s.cfg.CaptureCommand)
	if len(fields) == 0 {
		return onboardingCheck{
			ID:     "capture",
			Status: "error",
			Label:  "Microphone capture",
			Detail: "CAPTURE_COMMAND is empty",
			Fix:    "Set CAPTURE_COMMAND to a recorder that writes raw 16-bit mono PCM to stdout.",
		}
	}
	if _, err := exec.LookPath(fields[0]); err != nil {
		return onboardingCheck{
			ID:     "capture",
			Status: "error",
			Label:  "Microphone capture",
			Detail: fmt.Sprintf("%s not found", fields[0]),
			Fix:    "Install alsa-utils (arecord) or sox, or set CAPTURE_COMMAND.",
		}
	}
	return onboardingCheck{
		ID:     "capture",
		Status: "ok",
		Label:  "Microphone capture",
		Detail: fields[0] + " found",
	}
}

func (s *Server) storeCheck() onboardingCheck {
	mode := storeMode(s.cfg.ConversationStoreURL)
	if mode == "in-memory" {
		return onboardingCheck{
			ID:     "conversation_store",
			Status: "warn",
			Label:  "Conversation history",
			Detail: "in-memory only",
			Fix:    "Set CONVERSATION_STORE_URL to sqlite://path or a postgres URL to keep history across restarts.",
		}
	}
	return onboardingCheck{
		ID:     "conversation_store",
		Status: "ok",
		Label:  "Conversation history",
		Detail: mode,
	}
}

func storeMode(raw string) string {
	raw = strings.TrimSpace(raw)
	switch {
	case raw == "":
		return "in-memory"
	case strings.HasPrefix(raw, "postgres://"), strings.HasPrefix(raw, "postgresql://"):
		return "postgres"
	case strings.HasPrefix(raw, "sqlite://"):
		return "sqlite"
	default:
		return "unknown"
	}
}

func probeTCP(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	addr := u.Host
	if u.Port() == "" {
		port := "80"
		if u.Scheme == "wss" {
			port = "443"
		}
		addr = net.JoinHostPort(u.Hostname(), port)
	}
	c, err := net.DialTimeout("tcp", addr, 250*time.Millisecond)
	if err != nil {
		return err
	}
	return c.Close()
}
