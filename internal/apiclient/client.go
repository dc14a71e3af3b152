// Package apiclient talks to the hosted finance-assistant HTTP API.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/accountant/internal/observability"
	"github.com/ent0n29/accountant/internal/reliability"
)

const maxResponseBytes = 4 << 20

// TokenSource returns the current bearer token, or "" when signed out.
type TokenSource func() string

type Options struct {
	BaseURL    string
	Timeout    time.Duration
	MaxRetries int
	Token      TokenSource
	Metrics    *observability.Metrics
	Logger     zerolog.Logger
	HTTPClient *http.Client
}

type Client struct {
	baseURL string
	client  *http.Client
	token   TokenSource
	retry   reliability.Policy
	metrics *observability.Metrics
	logger  zerolog.Logger
	now     func() time.Time
}

func New(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	token := opts.Token
	if token == nil {
		token = func() string { return "" }
	}
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"),
		client:  httpClient,
		token:   token,
		retry: reliability.Policy{
			MaxRetries: opts.MaxRetries,
			Base:       500 * time.Millisecond,
			Cap:        5 * time.Second,
		},
		metrics: opts.Metrics,
		logger:  opts.Logger,
		now:     time.Now,
	}
}

// Login exchanges credentials for a bearer token.
func (c *Client) Login(ctx context.Context, username, password string) (string, error) {
	payload, err := json.Marshal(loginRequest{Username: username, Password: password})
	if err != nil {
		return "", fmt.Errorf("marshal login: %w", err)
	}

	var res loginResponse
	err = c.do(ctx, call{
		endpoint:    "/auth/token",
		body:        payload,
		contentType: "application/json",
		retry:       true,
		fallback:    genericAuthMessage,
	}, &res)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			return "", &AuthError{StatusCode: apiErr.StatusCode, Message: apiErr.Message, Err: err}
		}
		return "", &AuthError{Message: genericAuthMessage, Err: err}
	}
	if strings.TrimSpace(res.AccessToken) == "" {
		return "", &AuthError{Message: genericAuthMessage, Err: errors.New("response carried no access_token")}
	}
	return res.AccessToken, nil
}

// TextQuery asks the assistant a typed question.
func (c *Client) TextQuery(ctx context.Context, query string) (QueryResponse, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return QueryResponse{}, ErrEmptyQuery
	}
	payload, err := json.Marshal(textQueryRequest{Query: query})
	if err != nil {
		return QueryResponse{}, fmt.Errorf("marshal query: %w", err)
	}

	var res QueryResponse
	err = c.do(ctx, call{
		endpoint:    "/text/query",
		body:        payload,
		contentType: "application/json",
		auth:        true,
		retry:       true,
	}, &res)
	return res, err
}

// VoiceQuery sends a recorded WAV clip as the audio_file form field.
func (c *Client) VoiceQuery(ctx context.Context, filename string, audio io.Reader) (VoiceQueryResponse, error) {
	if filename == "" {
		filename = "voice-query.wav"
	}
	body, contentType, err := multipartBody(nil, formFile{
		field:       "audio_file",
		filename:    filename,
		contentType: "audio/wav",
		r:           audio,
	})
	if err != nil {
		return VoiceQueryResponse{}, err
	}

	var res VoiceQueryResponse
	err = c.do(ctx, call{
		endpoint:    "/voice/query",
		body:        body,
		contentType: contentType,
		auth:        true,
		retry:       true,
	}, &res)
	return res, err
}

// UploadFile files a document under category. Missing fields in the
// service's answer fall back to the local filename, category and today's date.
func (c *Client) UploadFile(ctx context.Context, filename string, r io.Reader, category string) (Document, error) {
	if err := ValidateUpload(filename, category); err != nil {
		return Document{}, err
	}
	body, contentType, err := multipartBody(map[string]string{"category": category}, formFile{
		field:       "file",
		filename:    filename,
		contentType: contentTypeForDocument(filename),
		r:           r,
	})
	if err != nil {
		return Document{}, err
	}

	var res uploadResponse
	err = c.do(ctx, call{
		endpoint:    "/files/upload",
		body:        body,
		contentType: contentType,
		auth:        true,
	}, &res)
	if err != nil {
		return Document{}, err
	}

	doc := Document{}
	if res.Document != nil {
		doc = *res.Document
	}
	if doc.Title == "" {
		doc.Title = baseName(filename)
	}
	if doc.Category == "" {
		doc.Category = category
	}
	if doc.Date == "" {
		doc.Date = c.now().UTC().Format("2006-01-02")
	}
	return doc, nil
}

type call struct {
	endpoint    string
	body        []byte
	contentType string
	auth        bool
	// retry allows replaying the call when the host answers with a transient status.
	retry    bool
	fallback string
}

func (c *Client) do(ctx context.Context, req call, out any) error {
	startedAt := time.Now()
	fallback := req.fallback
	if fallback == "" {
		fallback = genericAPIMessage
	}

	err := c.retry.Do(ctx, func(attempt int) (bool, error) {
		if attempt > 0 {
			c.logger.Info().Str("endpoint", req.endpoint).Int("attempt", attempt+1).Msg("retrying api request")
		}
		return c.roundTrip(ctx, req, fallback, out)
	})
	c.metrics.ObserveAPIRequest(req.endpoint, time.Since(startedAt), err)
	if err != nil {
		c.logger.Debug().Err(err).Str("endpoint", req.endpoint).Dur("elapsed", time.Since(startedAt)).Msg("api request failed")
	}
	return err
}

func (c *Client) roundTrip(ctx context.Context, req call, fallback string, out any) (bool, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+req.endpoint, bytes.NewReader(req.body))
	if err != nil {
		return false, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", req.contentType)
	httpReq.Header.Set("Accept", "application/json")
	if req.auth {
		if token := c.token(); token != "" {
			httpReq.Header.Set("Authorization", "Bearer "+token)
		}
	}

	res, err := c.client.Do(httpReq)
	if err != nil {
		return req.retry && ctx.Err() == nil, &APIError{Endpoint: req.endpoint, Message: fallback, Err: err}
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBytes))
	if err != nil {
		return false, &APIError{Endpoint: req.endpoint, StatusCode: res.StatusCode, Message: fallback, Err: err}
	}

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		msg := errorMessage(res.Header.Get("Content-Type"), body)
		if msg == "" {
			msg = fallback
		}
		apiErr := &APIError{Endpoint: req.endpoint, StatusCode: res.StatusCode, Message: msg}
		return req.retry && reliability.IsRetryableHTTPStatus(res.StatusCode), apiErr
	}

	if out == nil || len(bytes.TrimSpace(body)) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return false, &APIError{
			Endpoint:   req.endpoint,
			StatusCode: res.StatusCode,
			Message:    "unexpected response from server",
			Err:        fmt.Errorf("decode response: %w", err),
		}
	}
	return false, nil
}

// errorMessage extracts the human-readable message field from a JSON error body.
func errorMessage(contentType string, body []byte) string {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return ""
	}
	if contentType != "" && !strings.Contains(strings.ToLower(contentType), "json") {
		return ""
	}
	var eb errorBody
	if err := json.Unmarshal(trimmed, &eb); err != nil {
		return ""
	}
	return strings.TrimSpace(eb.Message)
}

func baseName(filename string) string {
	if i := strings.LastIndexAny(filename, `/\`); i >= 0 {
		return filename[i+1:]
	}
	return filename
}
