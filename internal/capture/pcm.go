package capture

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/loqalabs/loqa-scribe/internal/audio"
)

// PCMSource reads raw 16-bit little-endian mono PCM, for example piped from
// arecord or ffmpeg.
type PCMSource struct {
	Reader     io.Reader
	SampleRate int
	BlockSize  int
	Realtime   bool
}

func (s *PCMSource) Open(ctx context.Context, deliver func([]float32)) (Stream, error) {
	if s.Reader == nil {
		return nil, errors.New("pcm source has no reader")
	}
	blockSize := s.BlockSize
	if blockSize <= 0 {
		blockSize = 4096
	}
	p := &pacer{enabled: s.Realtime, sampleRate: s.SampleRate}

	return startLoop(ctx, func(ctx context.Context) error {
		raw := make([]byte, blockSize*2)
		for {
			if err := ctx.Err(); err != nil {
				return nil
			}
			n, err := io.ReadFull(s.Reader, raw)
			if n >= 2 {
				block := audio.PCM16ToFloat32(raw[:n])
				if err := p.wait(ctx, len(block)); err != nil {
					return nil
				}
				deliver(block)
			}
			switch {
			case err == nil:
			case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
				return nil
			default:
				return fmt.Errorf("read pcm: %w", err)
			}
		}
	}), nil
}
