package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/term"

	"github.com/ent0n29/accountant/internal/apiclient"
	"github.com/ent0n29/accountant/internal/capture"
	"github.com/ent0n29/accountant/internal/conversation"
)

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	return fs
}

func runLogin(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("login")
	username := fs.String("u", "", "username")
	password := fs.String("p", "", "password (default: ACCOUNTANT_PASSWORD, then stdin)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *username == "" && fs.NArg() > 0 {
		*username = fs.Arg(0)
	}
	if *password == "" {
		*password = os.Getenv("ACCOUNTANT_PASSWORD")
	}
	if *password == "" {
		line, err := promptPassword()
		if err != nil {
			return fmt.Errorf("read password: %w", err)
		}
		*password = line
	}

	if err := a.sessions.Login(ctx, *username, *password); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "signed in as %s\n", a.sessions.Status().Username)
	return nil
}

func runLogout(ctx context.Context, a *app, _ []string) error {
	if err := a.sessions.Logout(ctx); err != nil {
		return err
	}
	fmt.Fprintln(a.out, "signed out")
	return nil
}

func runStatus(_ context.Context, a *app, _ []string) error {
	st := a.sessions.Status()
	if !st.Authenticated {
		fmt.Fprintln(a.out, "not signed in")
		return nil
	}
	fmt.Fprintf(a.out, "signed in as %s (%d messages)\n", st.Username, st.Messages)
	return nil
}

func runQuery(ctx context.Context, a *app, args []string) error {
	query := strings.Join(args, " ")
	if strings.TrimSpace(query) == "" {
		line, err := readLine(os.Stdin)
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		query = line
	}
	res, err := a.sessions.SubmitText(ctx, query)
	if err != nil {
		return err
	}
	printAnswer(a.out, res.ResponseText, res.Intent)
	return nil
}

func runVoice(ctx context.Context, a *app, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: accountant voice <clip.wav>")
	}
	wav, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	return submitVoice(ctx, a, filepath.Base(args[0]), wav)
}

func runRecord(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("record")
	seconds := fs.Float64("seconds", 5, "recording length")
	save := fs.String("o", "", "also write the clip to this path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *seconds <= 0 || *seconds > 120 {
		return errors.New("-seconds must be in (0,120]")
	}
	if !a.sessions.Authenticated() {
		return apiclient.ErrNotAuthenticated
	}

	src := capture.NewCommandSource(a.cfg.CaptureCommand, a.cfg.CaptureSampleRate)
	fmt.Fprintf(os.Stderr, "recording %.1fs from %s...\n", *seconds, src.Name())
	wav, err := capture.Record(ctx, src, time.Duration(*seconds*float64(time.Second)), a.cfg.CaptureSampleRate)
	if err != nil {
		return err
	}
	if *save != "" {
		if err := os.WriteFile(*save, wav, 0o644); err != nil {
			return err
		}
	}
	return submitVoice(ctx, a, "recording.wav", wav)
}

func submitVoice(ctx context.Context, a *app, name string, wav []byte) error {
	res, err := a.sessions.SubmitVoice(ctx, name, wav)
	if err != nil {
		return err
	}
	if res.Transcript != "" {
		fmt.Fprintf(a.out, "you: %s\n", res.Transcript)
	}
	printAnswer(a.out, res.ResponseText, res.Intent)
	return nil
}

func runUpload(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("upload")
	category := fs.String("category", "Other", "one of: "+strings.Join(apiclient.Categories, ", "))
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: accountant upload -category <category> <file>")
	}
	path := fs.Arg(0)
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	doc, err := a.sessions.Upload(ctx, filepath.Base(path), f, *category)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "uploaded %s as %s (id %s, %s)\n", doc.Title, doc.Category, doc.ID, doc.Date)
	return nil
}

func runHistory(_ context.Context, a *app, _ []string) error {
	for _, m := range a.sessions.Conversation().Messages() {
		fmt.Fprintln(a.out, formatMessage(m))
	}
	return nil
}

func formatMessage(m conversation.Message) string {
	who := "you"
	if m.Role == conversation.RoleAssistant {
		who = "assistant"
	}
	line := fmt.Sprintf("[%s] %s: %s", m.CreatedAt.Local().Format("15:04"), who, m.Text)
	if m.Media != nil {
		line += fmt.Sprintf(" (%s, %d bytes)", m.Media.Name, m.Media.Size)
	}
	return line
}

func printAnswer(w io.Writer, text, intent string) {
	if strings.TrimSpace(text) == "" {
		text = "No response text available"
	}
	if intent != "" {
		fmt.Fprintf(w, "assistant [%s]: %s\n", intent, text)
		return
	}
	fmt.Fprintf(w, "assistant: %s\n", text)
}

// promptPassword reads without echo on a terminal and falls back to a plain
// line read when stdin is piped.
func promptPassword() (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return readLine(os.Stdin)
	}
	fmt.Fprint(os.Stderr, "password: ")
	raw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func readLine(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	line = strings.TrimRight(line, "\r\n")
	if err != nil && line == "" {
		return "", err
	}
	return line, nil
}
