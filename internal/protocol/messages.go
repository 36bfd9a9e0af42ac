package protocol

import "time"

// AudioFrame carries 16-bit little-endian mono PCM streamed from a capture
// device.
type AudioFrame struct {
	SessionID  string `json:"session_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// TranscriptUpdate is the full accumulated transcript. An empty Text means
// the transcript was cleared.
type TranscriptUpdate struct {
	SessionID string    `json:"session_id,omitempty"`
	Text      string    `json:"text"`
	Cleared   bool      `json:"cleared,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Diagnostic is one timestamped pipeline event.
type Diagnostic struct {
	SessionID string    `json:"session_id,omitempty"`
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// RecognizeOptions mirrors the recognizer options on the wire.
type RecognizeOptions struct {
	ChunkLengthSeconds  int    `json:"chunk_length_s"`
	StrideLengthSeconds int    `json:"stride_length_s"`
	Language            string `json:"language"`
	Task                string `json:"task"`
}

// RecognizeRequest asks a recognizer worker to transcribe one window.
type RecognizeRequest struct {
	SampleRate int              `json:"sample_rate"`
	PCM        []byte           `json:"pcm"`
	Options    RecognizeOptions `json:"options"`
}

// RecognizeReply answers a RecognizeRequest. A non-empty Error means the
// invocation failed.
type RecognizeReply struct {
	Text  string `json:"text"`
	Error string `json:"error,omitempty"`
}

const (
	SubjectAudioFramePrefix = "audio.frame"
	SubjectTranscript       = "scribe.transcript"
	SubjectDiagnostics      = "scribe.diagnostics"
	SubjectRecognize        = "stt.recognize"
)
