// Package session holds the signed-in user's context: credentials, the
// conversation and the live voice machine.
package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/accountant/internal/apiclient"
	"github.com/ent0n29/accountant/internal/conversation"
	"github.com/ent0n29/accountant/internal/credentials"
	"github.com/ent0n29/accountant/internal/live"
)

const (
	noResponseText = "No response text available"
	voiceQueryText = "Voice query"
)

// Manager replaces process-wide auth and socket globals with one explicit
// context. Its zero value is not usable; build it with NewManager.
type Manager struct {
	api    API
	creds  credentials.Store
	log    *conversation.Log
	logger zerolog.Logger

	mu   sync.RWMutex
	cred credentials.Credential
	live *live.Machine
	// epoch changes on every sign-in and sign-out; answers that arrive for an
	// older epoch are not written to the conversation.
	epoch uint64
}

func NewManager(api API, creds credentials.Store, log *conversation.Log, logger zerolog.Logger) *Manager {
	if creds == nil {
		creds = &credentials.MemoryStore{}
	}
	return &Manager{
		api:    api,
		creds:  creds,
		log:    log,
		logger: logger,
	}
}

// Restore picks up a credential saved by an earlier run.
func (m *Manager) Restore(ctx context.Context) error {
	cred, ok, err := m.creds.Load()
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if err := m.log.Open(ctx, cred.Username); err != nil {
		return err
	}
	m.mu.Lock()
	m.cred = cred
	m.epoch++
	m.mu.Unlock()
	m.logger.Debug().Str("username", cred.Username).Msg("restored saved credentials")
	return nil
}

func (m *Manager) Login(ctx context.Context, username, password string) error {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return &apiclient.AuthError{Message: "username and password are required"}
	}
	token, err := m.api.Login(ctx, username, password)
	if err != nil {
		return err
	}

	cred := credentials.Credential{Username: username, AccessToken: token, IssuedAt: time.Now().UTC()}
	if err := m.creds.Save(cred); err != nil {
		return err
	}
	m.mu.Lock()
	m.epoch++
	m.mu.Unlock()
	if err := m.log.Open(ctx, username); err != nil {
		m.logger.Warn().Err(err).Msg("load conversation history")
	}
	m.mu.Lock()
	m.cred = cred
	m.mu.Unlock()
	m.logger.Info().Str("username", username).Msg("signed in")
	return nil
}

// Logout stops any live session, then forgets the token and the conversation.
func (m *Manager) Logout(ctx context.Context) error {
	if machine := m.Live(); machine != nil {
		machine.Stop()
	}

	m.mu.Lock()
	username := m.cred.Username
	m.cred = credentials.Credential{}
	m.epoch++
	m.mu.Unlock()

	var errs []error
	if err := m.creds.Clear(); err != nil {
		errs = append(errs, err)
	}
	if err := m.log.Clear(ctx); err != nil {
		errs = append(errs, err)
	}
	m.logger.Info().Str("username", username).Msg("signed out")
	return errors.Join(errs...)
}

// Token returns the bearer token, or "" when signed out.
func (m *Manager) Token() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cred.AccessToken
}

func (m *Manager) Authenticated() bool {
	return m.Token() != ""
}

func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Status{
		Authenticated: m.cred.AccessToken != "",
		Username:      m.cred.Username,
		Messages:      m.log.Len(),
	}
}

func (m *Manager) Conversation() *conversation.Log { return m.log }

// AttachLive hands the live machine to the session so Logout can stop it.
func (m *Manager) AttachLive(machine *live.Machine) {
	m.mu.Lock()
	m.live = machine
	m.mu.Unlock()
}

func (m *Manager) Live() *live.Machine {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.live
}

// SubmitText asks a typed question. The user/assistant pair is appended
// only when the service answers; a failed query leaves the log untouched.
func (m *Manager) SubmitText(ctx context.Context, query string) (apiclient.QueryResponse, error) {
	epoch, ok := m.signedInEpoch()
	if !ok {
		return apiclient.QueryResponse{}, apiclient.ErrNotAuthenticated
	}
	query = strings.TrimSpace(query)
	res, err := m.api.TextQuery(ctx, query)
	if err != nil {
		return apiclient.QueryResponse{}, err
	}

	m.appendExchange(ctx, epoch,
		conversation.Message{Role: conversation.RoleUser, Text: query},
		assistantMessage(res.ResponseText, queryMetadata(res)),
	)
	return res, nil
}

// Dispatch turns a final live transcript into a text query.
func (m *Manager) Dispatch(ctx context.Context, finalText string) error {
	if _, err := m.SubmitText(ctx, finalText); err != nil {
		return &live.QueryError{Text: finalText, Err: err}
	}
	return nil
}

// SubmitVoice sends a recorded clip. The user message carries the transcript
// and the clip itself.
func (m *Manager) SubmitVoice(ctx context.Context, filename string, wav []byte) (apiclient.VoiceQueryResponse, error) {
	epoch, ok := m.signedInEpoch()
	if !ok {
		return apiclient.VoiceQueryResponse{}, apiclient.ErrNotAuthenticated
	}
	if len(wav) == 0 {
		return apiclient.VoiceQueryResponse{}, errors.New("voice query has no audio")
	}
	res, err := m.api.VoiceQuery(ctx, filename, bytes.NewReader(wav))
	if err != nil {
		return apiclient.VoiceQueryResponse{}, err
	}

	userText := strings.TrimSpace(res.Transcript)
	if userText == "" {
		userText = voiceQueryText
	}
	meta := map[string]any{}
	if res.Intent != "" {
		meta["intent"] = res.Intent
	}
	if res.TTSURL != "" {
		meta["tts_url"] = res.TTSURL
	}
	m.appendExchange(ctx, epoch,
		conversation.Message{
			Role: conversation.RoleUser,
			Text: userText,
			Media: &conversation.Attachment{
				Name:        filename,
				ContentType: "audio/wav",
				Size:        len(wav),
				Data:        wav,
			},
		},
		assistantMessage(res.ResponseText, meta),
	)
	return res, nil
}

// Upload files a document under category. Uploads do not enter the conversation.
func (m *Manager) Upload(ctx context.Context, filename string, r io.Reader, category string) (apiclient.Document, error) {
	if !m.Authenticated() {
		return apiclient.Document{}, apiclient.ErrNotAuthenticated
	}
	category = apiclient.NormalizeCategory(category)
	doc, err := m.api.UploadFile(ctx, filename, r, category)
	if err != nil {
		return apiclient.Document{}, fmt.Errorf("upload %s: %w", filename, err)
	}
	m.logger.Info().Str("documentId", doc.ID).Str("category", doc.Category).Msg("document uploaded")
	return doc, nil
}

func (m *Manager) signedInEpoch() (uint64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.epoch, m.cred.AccessToken != ""
}

// appendExchange records the pair unless the user signed out or switched
// accounts since the request was sent.
func (m *Manager) appendExchange(ctx context.Context, epoch uint64, user, assistant conversation.Message) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.epoch != epoch {
		m.logger.Info().Msg("discarding answer that arrived after sign-out")
		return
	}
	if _, err := m.log.Append(ctx, user, assistant); err != nil {
		m.logger.Warn().Err(err).Msg("conversation kept in memory only")
	}
}

func assistantMessage(text string, meta map[string]any) conversation.Message {
	if strings.TrimSpace(text) == "" {
		text = noResponseText
	}
	if len(meta) == 0 {
		meta = nil
	}
	return conversation.Message{Role: conversation.RoleAssistant, Text: text, Metadata: meta}
}

func queryMetadata(res apiclient.QueryResponse) map[string]any {
	meta := map[string]any{}
	if res.Intent != "" {
		meta["intent"] = res.Intent
	}
	if res.Subintent != "" {
		meta["subintent"] = res.Subintent
	}
	if len(res.Entities) > 0 {
		entities := make([]map[string]string, 0, len(res.Entities))
		for _, e := range res.Entities {
			entities = append(entities, map[string]string{"type": e.Type, "value": e.Value})
		}
		meta["entities"] = entities
	}
	if res.TTSURL != "" {
		meta["tts_url"] = res.TTSURL
	}
	return meta
}
