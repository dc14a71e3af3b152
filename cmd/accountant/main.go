package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/ent0n29/accountant/internal/apiclient"
	"github.com/ent0n29/accountant/internal/config"
	"github.com/ent0n29/accountant/internal/conversation"
	"github.com/ent0n29/accountant/internal/credentials"
	"github.com/ent0n29/accountant/internal/logging"
	"github.com/ent0n29/accountant/internal/observability"
	"github.com/ent0n29/accountant/internal/session"
)

const usage = `usage: accountant <command> [flags]

commands:
  login     sign in and save the access token
  logout    forget the saved token and conversation
  status    show the signed-in user
  query     ask a typed question:           accountant query "unpaid invoices?"
  voice     send a recorded WAV clip:       accountant voice clip.wav
  record    record from the microphone:     accountant record -seconds 5
  upload    file a document:                accountant upload -category Invoices q3.pdf
  history   print the conversation
  live      stream the microphone (or -wav file) and ask each final transcript
  serve     run the local display server
`

type command func(ctx context.Context, a *app, args []string) error

var commands = map[string]command{
	"login":   runLogin,
	"logout":  runLogout,
	"status":  runStatus,
	"query":   runQuery,
	"voice":   runVoice,
	"record":  runRecord,
	"upload":  runUpload,
	"history": runHistory,
	"live":    runLive,
	"serve":   runServe,
}

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCode(err))
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		fmt.Fprint(stdout, usage)
		return nil
	}
	cmd, ok := commands[args[0]]
	if !ok {
		fmt.Fprint(stderr, usage)
		return fmt.Errorf("unknown command %q", args[0])
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Out: stderr})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, stdout)
	if err != nil {
		return err
	}
	defer a.Close()

	return cmd(ctx, a, args[1:])
}

// app is the per-process wiring shared by every command.
type app struct {
	cfg      config.Config
	out      io.Writer
	metrics  *observability.Metrics
	sessions *session.Manager
}

func newApp(ctx context.Context, cfg config.Config, out io.Writer) (*app, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	store, err := conversation.NewStore(ctx, cfg.ConversationStoreURL)
	if err != nil {
		return nil, fmt.Errorf("conversation store: %w", err)
	}

	var sessions *session.Manager
	client := apiclient.New(apiclient.Options{
		BaseURL:    cfg.APIBaseURL,
		Timeout:    cfg.HTTPTimeout,
		MaxRetries: cfg.APIMaxRetries,
		Token:      func() string { return sessions.Token() },
		Metrics:    metrics,
		Logger:     logging.WithComponent("apiclient"),
	})
	sessions = session.NewManager(
		client,
		credentials.NewFileStore(cfg.TokenPath),
		conversation.NewLog(store, logging.WithComponent("conversation")),
		logging.WithComponent("session"),
	)
	if err := sessions.Restore(ctx); err != nil {
		log.Warn().Err(err).Msg("saved credentials unreadable; sign in again")
	}

	return &app{
		cfg:      cfg,
		out:      out,
		metrics:  metrics,
		sessions: sessions,
	}, nil
}

func (a *app) Close() {
	if err := a.sessions.Conversation().Close(); err != nil {
		log.Warn().Err(err).Msg("close conversation store")
	}
}

// exitCode distinguishes sign-in problems from other failures for scripts.
func exitCode(err error) int {
	var authErr *apiclient.AuthError
	switch {
	case errors.As(err, &authErr), errors.Is(err, apiclient.ErrNotAuthenticated):
		return 3
	case errors.Is(err, context.Canceled):
		return 130
	default:
		return 1
	}
}
