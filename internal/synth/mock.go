package synth

import (
	"context"
	"fmt"
	"strings"
)

// Mock synthesizer for tests and dev mode. Emits one segment whose bytes spell
// out the request, so tests can assert voice resolution without decoding
// audio. Voices listed in FailFor return an error instead.
type Mock struct {
	Voices  map[string]string
	FailFor map[string]bool
}

func NewMock(voices map[string]string) *Mock {
	return &Mock{Voices: voices}
}

func (m *Mock) Synthesize(ctx context.Context, req Request) (<-chan Segment, <-chan error) {
	segments := make(chan Segment, 1)
	errs := make(chan error, 1)

	go func() {
		defer close(segments)
		defer close(errs)

		if strings.TrimSpace(req.Text) == "" {
			return
		}
		voice := req.Voice
		if voice == "" {
			voice = VoiceForLanguage(req.Language, m.Voices)
		}
		if m.FailFor[voice] {
			errs <- fmt.Errorf("mock synthesis failure for voice %s", voice)
			return
		}
		seg := Segment{Data: []byte(fmt.Sprintf("%s|%s|%s", voice, req.Language, req.Text))}
		select {
		case segments <- seg:
		case <-ctx.Done():
			errs <- ctx.Err()
		}
	}()

	return segments, errs
}
