package capture

import (
	"context"
	"time"

	"github.com/ent0n29/accountant/internal/audio"
)

// Record captures up to d of audio from src and returns it as a WAV file.
// The stream is released before Record returns.
func Record(ctx context.Context, src Source, d time.Duration, sampleRate int) ([]byte, error) {
	stream, err := src.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer stream.Release()

	chunks, err := stream.Start(100 * time.Millisecond)
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	var pcm []byte
collect:
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			break collect
		case c, ok := <-chunks:
			if !ok {
				break collect
			}
			pcm = append(pcm, c.Data...)
		}
	}
	return audio.EncodeWAVPCM16LE(pcm, sampleRate)
}
