package capture

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ent0n29/accountant/internal/audio"
)

func TestReaderSourceChunksInOrder(t *testing.T) {
	// 16 kHz * 2 bytes * 10ms = 320 bytes per chunk.
	pcm := bytes.Repeat([]byte{0x01, 0x00}, 400)
	src := &ReaderSource{Reader: bytes.NewReader(pcm), SampleRate: 16000}

	stream, err := src.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer stream.Release()

	chunks, err := stream.Start(10 * time.Millisecond)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	var sizes []int
	lastSeq := 0
	for c := range chunks {
		if c.Seq <= lastSeq {
			t.Fatalf("chunk seq %d after %d, want increasing", c.Seq, lastSeq)
		}
		lastSeq = c.Seq
		sizes = append(sizes, len(c.Data))
	}
	want := []int{320, 320, 160}
	if len(sizes) != len(want) {
		t.Fatalf("chunk sizes = %v, want %v", sizes, want)
	}
	for i := range want {
		if sizes[i] != want[i] {
			t.Fatalf("chunk sizes = %v, want %v", sizes, want)
		}
	}
}

func TestStreamStartIsNotRestartable(t *testing.T) {
	src := &ReaderSource{Reader: bytes.NewReader(nil), SampleRate: 16000}
	stream, err := src.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer stream.Release()

	if _, err := stream.Start(10 * time.Millisecond); err != nil {
		t.Fatalf("first Start() error = %v", err)
	}
	if _, err := stream.Start(10 * time.Millisecond); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("second Start() error = %v, want ErrAlreadyStarted", err)
	}
}

func TestSourceIsExclusiveUntilReleased(t *testing.T) {
	src := &ReaderSource{Reader: bytes.NewReader(nil), SampleRate: 16000}
	stream, err := src.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	_, err = src.Acquire(context.Background())
	var devErr *DeviceError
	if !errors.As(err, &devErr) || !errors.Is(err, ErrBusy) {
		t.Fatalf("second Acquire() error = %v, want DeviceError wrapping ErrBusy", err)
	}

	if err := stream.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if err := stream.Release(); err != nil {
		t.Fatalf("second Release() error = %v", err)
	}

	again, err := src.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() after release error = %v", err)
	}
	_ = again.Release()
}

func TestReleaseStopsChunking(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe() error = %v", err)
	}
	defer r.Close()
	defer w.Close()

	src := &ReaderSource{Reader: r, SampleRate: 16000}
	stream, err := src.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	chunks, err := stream.Start(10 * time.Millisecond)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if _, err := w.Write(make([]byte, 320)); err != nil {
		t.Fatalf("write error = %v", err)
	}
	<-chunks

	_ = stream.Release()
	// Unblock the pending read so the loop can observe the release.
	_, _ = w.Write(make([]byte, 320))

	select {
	case _, ok := <-chunks:
		if ok {
			// A chunk racing the release is acceptable; the channel must still close.
			if _, ok := <-chunks; ok {
				t.Fatalf("chunks channel still open after Release")
			}
		}
	case <-time.After(time.Second):
		t.Fatalf("chunks channel not closed after Release")
	}
}

func TestWAVSourceReplaysFile(t *testing.T) {
	pcm := bytes.Repeat([]byte{0x10, 0x00}, 160) // 20ms at 8 kHz
	wav, err := audio.EncodeWAVPCM16LE(pcm, 8000)
	if err != nil {
		t.Fatalf("EncodeWAVPCM16LE() error = %v", err)
	}
	path := filepath.Join(t.TempDir(), "clip.wav")
	if err := os.WriteFile(path, wav, 0o600); err != nil {
		t.Fatalf("write wav: %v", err)
	}

	stream, err := NewWAVSource(path).Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer stream.Release()
	chunks, err := stream.Start(10 * time.Millisecond)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	var got []byte
	for c := range chunks {
		got = append(got, c.Data...)
	}
	if !bytes.Equal(got, pcm) {
		t.Fatalf("replayed %d bytes, want %d", len(got), len(pcm))
	}
}

func TestWAVSourceMissingFileIsDeviceError(t *testing.T) {
	_, err := NewWAVSource(filepath.Join(t.TempDir(), "missing.wav")).Acquire(context.Background())
	var devErr *DeviceError
	if !errors.As(err, &devErr) {
		t.Fatalf("Acquire() error = %v, want *DeviceError", err)
	}
}

func TestCommandSourceMissingBinaryIsDeviceError(t *testing.T) {
	src := NewCommandSource("definitely-not-a-recorder-binary -q", 16000)
	_, err := src.Acquire(context.Background())
	var devErr *DeviceError
	if !errors.As(err, &devErr) {
		t.Fatalf("Acquire() error = %v, want *DeviceError", err)
	}
	// A failed acquire must not keep the source leased.
	_, err = src.Acquire(context.Background())
	if errors.Is(err, ErrBusy) {
		t.Fatalf("source still leased after failed acquire")
	}
}

func TestRecordProducesWAV(t *testing.T) {
	pcm := bytes.Repeat([]byte{0x02, 0x00}, 800)
	src := &ReaderSource{Reader: bytes.NewReader(pcm), SampleRate: 16000}

	wav, err := Record(context.Background(), src, time.Second, 16000)
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	got, sr, err := audio.DecodeWAVPCM16(wav)
	if err != nil {
		t.Fatalf("DecodeWAVPCM16() error = %v", err)
	}
	if sr != 16000 || !bytes.Equal(got, pcm) {
		t.Fatalf("recorded %d bytes at %d Hz, want %d bytes at 16000 Hz", len(got), sr, len(pcm))
	}
}
