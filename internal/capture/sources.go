package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/ent0n29/accountant/internal/audio"
)

// CommandSource records from a microphone through an external recorder that
// writes raw PCM16LE mono to stdout (arecord, sox, ffmpeg).
type CommandSource struct {
	Command    string
	SampleRate int

	lease lease
}

func NewCommandSource(command string, sampleRate int) *CommandSource {
	return &CommandSource{Command: strings.TrimSpace(command), SampleRate: sampleRate}
}

func (s *CommandSource) Name() string {
	fields := strings.Fields(s.Command)
	if len(fields) == 0 {
		return "command"
	}
	return fields[0]
}

func (s *CommandSource) Acquire(ctx context.Context) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fields := strings.Fields(s.Command)
	if len(fields) == 0 {
		return nil, &DeviceError{Source: s.Name(), Err: errors.New("capture command is empty")}
	}
	if !s.lease.take() {
		return nil, &DeviceError{Source: s.Name(), Err: ErrBusy}
	}

	cmd := exec.Command(fields[0], fields[1:]...)
	cmd.Stderr = io.Discard
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		s.lease.drop()
		return nil, &DeviceError{Source: s.Name(), Err: err}
	}
	if err := cmd.Start(); err != nil {
		s.lease.drop()
		return nil, &DeviceError{Source: s.Name(), Err: fmt.Errorf("start recorder: %w", err)}
	}

	return newReaderStream(stdout, s.SampleRate, false, func() error {
		defer s.lease.drop()
		_ = cmd.Process.Kill()
		// The recorder exits with a signal status after Kill; that is expected.
		_ = cmd.Wait()
		return nil
	}), nil
}

// ReaderSource chunks PCM16LE mono audio read from an arbitrary reader, e.g. stdin.
// The reader is consumed as fast as it produces data.
type ReaderSource struct {
	Label      string
	Reader     io.Reader
	SampleRate int

	lease lease
}

func (s *ReaderSource) Name() string {
	if strings.TrimSpace(s.Label) == "" {
		return "reader"
	}
	return s.Label
}

func (s *ReaderSource) Acquire(ctx context.Context) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.Reader == nil {
		return nil, &DeviceError{Source: s.Name(), Err: errors.New("no reader configured")}
	}
	if !s.lease.take() {
		return nil, &DeviceError{Source: s.Name(), Err: ErrBusy}
	}
	return newReaderStream(s.Reader, s.SampleRate, false, func() error {
		s.lease.drop()
		return nil
	}), nil
}

// WAVSource replays a PCM16 WAV file at real-time pace.
type WAVSource struct {
	Path string

	lease lease
}

func NewWAVSource(path string) *WAVSource {
	return &WAVSource{Path: strings.TrimSpace(path)}
}

func (s *WAVSource) Name() string { return "wav:" + s.Path }

func (s *WAVSource) Acquire(ctx context.Context) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, &DeviceError{Source: s.Name(), Err: err}
	}
	pcm, sampleRate, err := audio.DecodeWAVPCM16(raw)
	if err != nil {
		return nil, &DeviceError{Source: s.Name(), Err: err}
	}
	if !s.lease.take() {
		return nil, &DeviceError{Source: s.Name(), Err: ErrBusy}
	}
	return newReaderStream(bytes.NewReader(pcm), sampleRate, true, func() error {
		s.lease.drop()
		return nil
	}), nil
}
