package asr

import (
	"context"
	"strings"
	"sync"
)

// Mock recognizer for tests and dev mode. Each pushed chunk is interpreted as
// utterance text: a chunk prefixed "partial:" yields an interim result, a
// chunk prefixed "lang=xx:" yields a final result with that detected language,
// anything else a plain final result.
type mockRecognizer struct{}

func NewMockRecognizer() Recognizer {
	return &mockRecognizer{}
}

func (m *mockRecognizer) Open(_ context.Context, _ SessionConfig) (Session, error) {
	return &mockSession{results: make(chan Result, 32)}, nil
}

type mockSession struct {
	results chan Result
	mu      sync.Mutex
	closed  bool
}

func (s *mockSession) Send(audio []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	text := string(audio)
	res := Result{Final: true}
	if rest, ok := strings.CutPrefix(text, "partial:"); ok {
		res.Final = false
		text = rest
	} else if rest, ok := strings.CutPrefix(text, "lang="); ok {
		if lang, utterance, found := strings.Cut(rest, ":"); found {
			res.DetectedLanguage = lang
			text = utterance
		}
	}
	res.Text = strings.TrimSpace(text)
	if res.Text == "" {
		return nil
	}
	select {
	case s.results <- res:
	default:
	}
	return nil
}

func (s *mockSession) KeepAlive() error { return nil }

func (s *mockSession) Results() <-chan Result { return s.results }

func (s *mockSession) Err() error { return nil }

func (s *mockSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.results)
	}
	return nil
}
