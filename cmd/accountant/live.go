package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ent0n29/accountant/internal/apiclient"
	"github.com/ent0n29/accountant/internal/capture"
	"github.com/ent0n29/accountant/internal/conversation"
	"github.com/ent0n29/accountant/internal/httpapi"
	"github.com/ent0n29/accountant/internal/live"
	"github.com/ent0n29/accountant/internal/logging"
	"github.com/ent0n29/accountant/internal/transport"
)

// sourceFor picks the audio input: a WAV file, raw PCM on stdin, or the
// configured recorder command.
func sourceFor(a *app, wavPath string, stdin bool) capture.Source {
	switch {
	case wavPath != "":
		return capture.NewWAVSource(wavPath)
	case stdin:
		return &capture.ReaderSource{Label: "stdin", Reader: os.Stdin, SampleRate: a.cfg.CaptureSampleRate}
	default:
		return capture.NewCommandSource(a.cfg.CaptureCommand, a.cfg.CaptureSampleRate)
	}
}

func newMachine(a *app, source capture.Source) *live.Machine {
	cfg := live.Config{
		WSURL:             a.cfg.LiveWSURL,
		ChunkInterval:     a.cfg.LiveChunkInterval,
		InactivityTimeout: a.cfg.LiveInactivityTimeout,
		Header: func() http.Header {
			h := http.Header{}
			if tok := a.sessions.Token(); tok != "" {
				h.Set("Authorization", "Bearer "+tok)
			}
			return h
		},
	}
	machine := live.New(cfg, source, transport.NewWSDialer(), a.sessions, a.metrics, logging.WithComponent("live"))
	a.sessions.AttachLive(machine)
	return machine
}

func runLive(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("live")
	wavPath := fs.String("wav", "", "stream this PCM16 WAV file instead of the microphone")
	stdin := fs.Bool("stdin", false, "stream raw PCM16LE mono audio from stdin")
	duration := fs.Duration("duration", 0, "stop after this long (0 runs until interrupted)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if !a.sessions.Authenticated() {
		return apiclient.ErrNotAuthenticated
	}

	machine := newMachine(a, sourceFor(a, *wavPath, *stdin))
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if *duration > 0 {
		runCtx, cancel = context.WithTimeout(runCtx, *duration)
		defer cancel()
	}

	printer := newLivePrinter(a.out, os.Stderr)
	machine.OnChange(printer.state)
	machine.OnError(printer.report)
	messages, unsubscribe := a.sessions.Conversation().Subscribe(32)
	defer unsubscribe()
	go printer.answers(messages)

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		machine.Run(runCtx)
	}()

	if err := machine.Start(runCtx); err != nil {
		return err
	}
	fmt.Fprintln(os.Stderr, "listening; press Ctrl-C to stop")

	select {
	case <-runCtx.Done():
	case <-printer.ended:
	}
	machine.Stop()
	cancel()
	<-runDone
	machine.WaitDispatches()

	if errors.Is(ctx.Err(), context.Canceled) {
		return nil
	}
	return printer.lastErr()
}

// livePrinter renders live transcripts on stderr and answers on stdout.
type livePrinter struct {
	out, status io.Writer

	mu      sync.Mutex
	active  bool
	failure error
	ended   chan struct{}
	endOnce sync.Once
}

func newLivePrinter(out, status io.Writer) *livePrinter {
	return &livePrinter{out: out, status: status, ended: make(chan struct{})}
}

func (p *livePrinter) state(s live.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch s.Status {
	case live.StatusConnecting, live.StatusStreaming:
		p.active = true
		if s.InterimText != "" {
			fmt.Fprintf(p.status, "\r\033[K… %s", s.InterimText)
		}
	case live.StatusIdle:
		if p.active {
			p.endOnce.Do(func() { close(p.ended) })
		}
	}
}

func (p *livePrinter) report(err error) {
	p.mu.Lock()
	var qerr *live.QueryError
	if !errors.As(err, &qerr) {
		p.failure = err
	}
	p.mu.Unlock()
	fmt.Fprintf(p.status, "\r\033[Kerror: %v\n", err)
}

func (p *livePrinter) lastErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failure
}

func (p *livePrinter) answers(messages <-chan conversation.Message) {
	for m := range messages {
		p.mu.Lock()
		if m.Role == conversation.RoleUser {
			fmt.Fprintf(p.status, "\r\033[K")
			fmt.Fprintf(p.out, "you: %s\n", m.Text)
		} else {
			intent, _ := m.Metadata["intent"].(string)
			printAnswer(p.out, m.Text, intent)
		}
		p.mu.Unlock()
	}
}

func runServe(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("serve")
	addr := fs.String("addr", a.cfg.BindAddr, "listen address")
	noLive := fs.Bool("no-live", false, "disable microphone streaming")
	if err := fs.Parse(args); err != nil {
		return err
	}

	runCtx, runCancel := context.WithCancel(ctx)
	defer runCancel()

	var runDone chan struct{}
	if !*noLive {
		machine := newMachine(a, sourceFor(a, "", false))
		runDone = make(chan struct{})
		go func() {
			defer close(runDone)
			machine.Run(runCtx)
		}()
	}

	srv := httpapi.New(a.cfg, a.sessions, a.metrics, logging.WithComponent("httpapi"))
	httpServer := &http.Server{
		Addr:              *addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", *addr).Msg("display server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var err error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err = <-serveErr:
	}

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()
	if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
		log.Warn().Err(shutdownErr).Msg("graceful shutdown failed")
		_ = httpServer.Close()
	}
	if runDone != nil {
		<-runDone
	}
	log.Info().Msg("shutdown complete")
	return err
}
