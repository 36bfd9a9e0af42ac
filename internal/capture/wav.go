package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// WAVSource plays a mono PCM WAV file as if it were live capture.
type WAVSource struct {
	Path       string
	SampleRate int
	BlockSize  int
	// Realtime paces delivery at the file's sample rate.
	Realtime bool
}

func (s *WAVSource) Open(ctx context.Context, deliver func([]float32)) (Stream, error) {
	f, err := os.Open(s.Path)
	if err != nil {
		return nil, fmt.Errorf("open wav: %w", err)
	}
	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		f.Close()
		return nil, fmt.Errorf("%s: not a valid wav file", s.Path)
	}
	dec.ReadInfo()
	if err := dec.Err(); err != nil {
		f.Close()
		return nil, fmt.Errorf("read wav header: %w", err)
	}
	if dec.NumChans != 1 {
		f.Close()
		return nil, fmt.Errorf("%w: %d channels, want mono", ErrUnsupportedFormat, dec.NumChans)
	}
	if s.SampleRate > 0 && int(dec.SampleRate) != s.SampleRate {
		f.Close()
		return nil, fmt.Errorf("%w: %d Hz, want %d Hz", ErrUnsupportedFormat, dec.SampleRate, s.SampleRate)
	}
	if dec.BitDepth == 0 || dec.BitDepth > 32 {
		f.Close()
		return nil, fmt.Errorf("%w: %d bit samples", ErrUnsupportedFormat, dec.BitDepth)
	}

	blockSize := s.BlockSize
	if blockSize <= 0 {
		blockSize = 4096
	}
	scale := float32(int64(1) << (dec.BitDepth - 1))
	p := &pacer{enabled: s.Realtime, sampleRate: int(dec.SampleRate)}

	return startLoop(ctx, func(ctx context.Context) error {
		defer f.Close()
		buf := &goaudio.IntBuffer{
			Format: &goaudio.Format{NumChannels: 1, SampleRate: int(dec.SampleRate)},
			Data:   make([]int, blockSize),
		}
		for {
			if err := ctx.Err(); err != nil {
				return nil
			}
			n, err := dec.PCMBuffer(buf)
			if n > 0 {
				block := make([]float32, n)
				for i, v := range buf.Data[:n] {
					block[i] = float32(v) / scale
				}
				if err := p.wait(ctx, n); err != nil {
					return nil
				}
				deliver(block)
			}
			if err != nil && !errors.Is(err, io.EOF) {
				return fmt.Errorf("decode wav: %w", err)
			}
			if n == 0 || err != nil || dec.EOF() {
				return nil
			}
		}
	}), nil
}
