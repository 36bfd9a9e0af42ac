package stt

import (
	"context"
	"errors"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
)

// BusRecognizer forwards windows to a remote worker over NATS request/reply.
type BusRecognizer struct {
	bus        *bus.Client
	subject    string
	sampleRate int
}

func NewBusRecognizer(client *bus.Client, subject string, sampleRate int) *BusRecognizer {
	if subject == "" {
		subject = protocol.SubjectRecognize
	}
	return &BusRecognizer{bus: client, subject: subject, sampleRate: sampleRate}
}

func (r *BusRecognizer) Transcribe(ctx context.Context, samples []float32, opts Options) (string, error) {
	req := protocol.RecognizeRequest{
		SampleRate: r.sampleRate,
		PCM:        audio.Float32ToPCM16(samples),
		Options:    opts.wire(),
	}
	var reply protocol.RecognizeReply
	if err := r.bus.RequestJSON(ctx, r.subject, req, &reply); err != nil {
		return "", err
	}
	if reply.Error != "" {
		return "", errors.New(reply.Error)
	}
	return reply.Text, nil
}
