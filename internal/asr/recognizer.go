package asr

import "context"

// Result is one recognizer event for an open session.
type Result struct {
	Text  string
	Final bool
	// DetectedLanguage is set when the session runs in multilingual mode and
	// the provider reports a language for the utterance.
	DetectedLanguage string
}

// SessionConfig configures one streaming recognition session.
type SessionConfig struct {
	// SourceLanguage is a BCP-47-ish code, or "auto" to request multilingual
	// detection from the provider.
	SourceLanguage string
	SampleRate     int
}

// Session is one live recognition stream. Results delivers partial and final
// transcripts in provider order and is closed when the stream ends; Err then
// reports the terminal error, if any.
type Session interface {
	Send(audio []byte) error
	KeepAlive() error
	Results() <-chan Result
	Err() error
	Close() error
}

// Recognizer abstracts streaming speech-to-text backends.
type Recognizer interface {
	Open(ctx context.Context, cfg SessionConfig) (Session, error)
}
