package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/ent0n29/accountant/internal/observability"
)

func newTestClient(srv *httptest.Server, token string) *Client {
	return New(Options{
		BaseURL: srv.URL,
		Token:   func() string { return token },
		Logger:  zerolog.Nop(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestLoginReturnsToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/auth/token" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["username"] != "ana" || body["password"] != "pw" {
			t.Errorf("body = %v", body)
		}
		if r.Header.Get("Authorization") != "" {
			t.Errorf("login sent Authorization header")
		}
		writeJSON(w, http.StatusOK, map[string]string{"access_token": "tok-1", "token_type": "bearer"})
	}))
	defer srv.Close()

	token, err := newTestClient(srv, "stale").Login(context.Background(), "ana", "pw")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if token != "tok-1" {
		t.Fatalf("token = %q, want tok-1", token)
	}
}

func TestLoginFailureIsAuthError(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantMsg string
	}{
		{name: "server message", status: http.StatusUnauthorized, body: `{"message":"Invalid credentials"}`, wantMsg: "Invalid credentials"},
		{name: "no message", status: http.StatusUnauthorized, body: `{"detail":"nope"}`, wantMsg: "Authentication failed"},
		{name: "empty token", status: http.StatusOK, body: `{"access_token":""}`, wantMsg: "Authentication failed"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tc.status)
				_, _ = io.WriteString(w, tc.body)
			}))
			defer srv.Close()

			_, err := newTestClient(srv, "").Login(context.Background(), "ana", "bad")
			var authErr *AuthError
			if !errors.As(err, &authErr) {
				t.Fatalf("Login() error = %v, want *AuthError", err)
			}
			if authErr.Message != tc.wantMsg {
				t.Fatalf("message = %q, want %q", authErr.Message, tc.wantMsg)
			}
		})
	}
}

func TestTextQuerySendsBearerAndDecodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok-1" {
			t.Errorf("Authorization = %q", got)
		}
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["query"] != "what did I spend in May" {
			t.Errorf("query = %q", body["query"])
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"response_text": "You spent $1,204 in May.",
			"intent":        "expense_summary",
			"subintent":     "monthly",
			"entities":      []map[string]string{{"type": "month", "value": "May"}},
			"tts_url":       "https://cdn.test/a.mp3",
		})
	}))
	defer srv.Close()

	res, err := newTestClient(srv, "tok-1").TextQuery(context.Background(), "  what did I spend in May ")
	if err != nil {
		t.Fatalf("TextQuery() error = %v", err)
	}
	if res.ResponseText != "You spent $1,204 in May." || res.Intent != "expense_summary" || res.TTSURL == "" {
		t.Fatalf("response = %+v", res)
	}
	if len(res.Entities) != 1 || res.Entities[0] != (Entity{Type: "month", Value: "May"}) {
		t.Fatalf("entities = %+v", res.Entities)
	}
}

func TestTextQueryRejectsEmptyWithoutRequest(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	if _, err := newTestClient(srv, "tok").TextQuery(context.Background(), "   "); !errors.Is(err, ErrEmptyQuery) {
		t.Fatalf("TextQuery() error = %v, want ErrEmptyQuery", err)
	}
	if hits.Load() != 0 {
		t.Fatalf("server hit %d times", hits.Load())
	}
}

func TestNon2xxIsAPIError(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		body        string
		wantMsg     string
	}{
		{name: "json message", contentType: "application/json", body: `{"message":"Query engine unavailable"}`, wantMsg: "Query engine unavailable"},
		{name: "json without message", contentType: "application/json", body: `{"error":"x"}`, wantMsg: "API request failed"},
		{name: "plain text", contentType: "text/plain", body: "Internal Server Error", wantMsg: "API request failed"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", tc.contentType)
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = io.WriteString(w, tc.body)
			}))
			defer srv.Close()

			_, err := newTestClient(srv, "tok").TextQuery(context.Background(), "hi")
			var apiErr *APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("error = %v, want *APIError", err)
			}
			if apiErr.StatusCode != http.StatusInternalServerError || apiErr.Message != tc.wantMsg || apiErr.Endpoint != "/text/query" {
				t.Fatalf("APIError = %+v", apiErr)
			}
		})
	}
}

func TestTransientStatusIsRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"response_text": "ok"})
	}))
	defer srv.Close()

	c := New(Options{BaseURL: srv.URL, MaxRetries: 2, Logger: zerolog.Nop()})
	c.retry.Base = time.Millisecond
	c.retry.Cap = time.Millisecond

	res, err := c.TextQuery(context.Background(), "hi")
	if err != nil {
		t.Fatalf("TextQuery() error = %v", err)
	}
	if res.ResponseText != "ok" || hits.Load() != 2 {
		t.Fatalf("response = %+v hits = %d, want ok after 2 hits", res, hits.Load())
	}
}

func TestUploadIsNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(Options{BaseURL: srv.URL, MaxRetries: 3, Logger: zerolog.Nop()})
	c.retry.Base = time.Millisecond
	_, err := c.UploadFile(context.Background(), "q1.pdf", strings.NewReader("%PDF"), "Reports")
	if err == nil {
		t.Fatalf("UploadFile() error = nil, want failure")
	}
	if hits.Load() != 1 {
		t.Fatalf("upload attempted %d times, want 1", hits.Load())
	}
}

func TestVoiceQueryPostsMultipartAudio(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/voice/query" {
			t.Errorf("path = %s", r.URL.Path)
		}
		file, header, err := r.FormFile("audio_file")
		if err != nil {
			t.Errorf("FormFile(audio_file) error = %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		defer file.Close()
		data, _ := io.ReadAll(file)
		if string(data) != "RIFFdata" || header.Filename != "clip.wav" {
			t.Errorf("file = %q name = %q", data, header.Filename)
		}
		if ct := header.Header.Get("Content-Type"); ct != "audio/wav" {
			t.Errorf("part Content-Type = %q", ct)
		}
		writeJSON(w, http.StatusOK, map[string]string{"transcript": "show invoices", "response_text": "Here they are."})
	}))
	defer srv.Close()

	res, err := newTestClient(srv, "tok").VoiceQuery(context.Background(), "clip.wav", strings.NewReader("RIFFdata"))
	if err != nil {
		t.Fatalf("VoiceQuery() error = %v", err)
	}
	if res.Transcript != "show invoices" || res.ResponseText != "Here they are." {
		t.Fatalf("response = %+v", res)
	}
}

func TestUploadFileSendsCategoryAndFillsDefaults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("ParseMultipartForm() error = %v", err)
		}
		if got := r.FormValue("category"); got != "Tax Documents" {
			t.Errorf("category = %q", got)
		}
		if _, header, err := r.FormFile("file"); err != nil || header.Filename != "w2.pdf" {
			t.Errorf("file field error = %v", err)
		}
		writeJSON(w, http.StatusOK, map[string]any{"document": map[string]string{"id": "doc-9"}})
	}))
	defer srv.Close()

	c := newTestClient(srv, "tok")
	c.now = func() time.Time { return time.Date(2024, 4, 15, 12, 0, 0, 0, time.UTC) }
	doc, err := c.UploadFile(context.Background(), "/home/ana/w2.pdf", strings.NewReader("%PDF"), "Tax Documents")
	if err != nil {
		t.Fatalf("UploadFile() error = %v", err)
	}
	want := Document{ID: "doc-9", Title: "w2.pdf", Category: "Tax Documents", Date: "2024-04-15"}
	if doc != want {
		t.Fatalf("document = %+v, want %+v", doc, want)
	}
}

func TestValidateUpload(t *testing.T) {
	tests := []struct {
		file     string
		category string
		ok       bool
	}{
		{file: "a.pdf", category: "Invoices", ok: true},
		{file: "B.XLSX", category: "Other", ok: true},
		{file: "c.exe", category: "Other", ok: false},
		{file: "d.csv", category: "Groceries", ok: false},
		{file: "noext", category: "Reports", ok: false},
	}
	for _, tc := range tests {
		err := ValidateUpload(tc.file, tc.category)
		if (err == nil) != tc.ok {
			t.Fatalf("ValidateUpload(%q, %q) error = %v, want ok=%v", tc.file, tc.category, err, tc.ok)
		}
		if err != nil && !errors.Is(err, ErrInvalidUpload) {
			t.Fatalf("ValidateUpload(%q) error = %v, want ErrInvalidUpload", tc.file, err)
		}
	}
	if got := NormalizeCategory(" tax documents "); got != "Tax Documents" {
		t.Fatalf("NormalizeCategory() = %q", got)
	}
}

func TestNetworkFailureIsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	_, err := newTestClient(srv, "tok").TextQuery(context.Background(), "hi")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != 0 {
		t.Fatalf("error = %v, want *APIError without status", err)
	}
}

func TestRequestsAreObserved(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"response_text": "ok"})
	}))
	defer srv.Close()

	metrics := observability.NewMetricsWith("test", prometheus.NewRegistry())
	c := New(Options{BaseURL: srv.URL, Metrics: metrics, Logger: zerolog.Nop()})
	if _, err := c.TextQuery(context.Background(), "hi"); err != nil {
		t.Fatalf("TextQuery() error = %v", err)
	}
	if got := testutil.ToFloat64(metrics.APIRequests.WithLabelValues("/text/query", "ok")); got != 1 {
		t.Fatalf("api_requests_total{ok} = %v, want 1", got)
	}
}
