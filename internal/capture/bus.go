package capture

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/nats-io/nats.go"
)

// BusSource subscribes to audio frames published on NATS.
type BusSource struct {
	Bus        *bus.Client
	Subject    string
	SampleRate int
	Log        *slog.Logger
}

type busStream struct {
	sub  *nats.Subscription
	stop context.CancelFunc
	once sync.Once
}

func (s *BusSource) Open(ctx context.Context, deliver func([]float32)) (Stream, error) {
	subject := s.Subject
	if subject == "" {
		subject = protocol.SubjectAudioFramePrefix + ".>"
	}
	log := s.Log
	if log == nil {
		log = s.Bus.Logger()
	}
	log = log.With(slog.String("component", "capture"))

	ctx, cancel := context.WithCancel(ctx)
	sub, err := s.Bus.Conn().Subscribe(subject, func(msg *nats.Msg) {
		if ctx.Err() != nil {
			return
		}
		var frame protocol.AudioFrame
		if err := json.Unmarshal(msg.Data, &frame); err != nil {
			log.Warn("failed to decode audio frame", slog.String("error", err.Error()))
			return
		}
		if frame.Channels > 1 {
			log.Warn("dropping multi-channel audio frame", slog.Int("channels", frame.Channels))
			return
		}
		if s.SampleRate > 0 && frame.SampleRate != 0 && frame.SampleRate != s.SampleRate {
			log.Warn("dropping audio frame with mismatched sample rate",
				slog.Int("sample_rate", frame.SampleRate),
				slog.Int("expected", s.SampleRate))
			return
		}
		if len(frame.PCM) < 2 {
			return
		}
		deliver(audio.PCM16ToFloat32(frame.PCM))
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe audio frames: %w", err)
	}

	stream := &busStream{sub: sub, stop: cancel}
	go func() {
		<-ctx.Done()
		_ = stream.Close()
	}()
	return stream, nil
}

func (s *busStream) Close() error {
	var err error
	s.once.Do(func() {
		s.stop()
		err = s.sub.Unsubscribe()
	})
	return err
}
