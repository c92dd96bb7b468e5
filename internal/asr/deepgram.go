package asr

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/polydub/polydub-core/internal/config"
)

// deepgramRecognizer streams audio to the Deepgram live-listen websocket API.
type deepgramRecognizer struct {
	cfg config.RecognitionConfig
	log *slog.Logger
}

func NewDeepgramRecognizer(cfg config.RecognitionConfig, log *slog.Logger) Recognizer {
	return &deepgramRecognizer{cfg: cfg, log: log.With(slog.String("component", "asr-deepgram"))}
}

func (r *deepgramRecognizer) Open(ctx context.Context, sc SessionConfig) (Session, error) {
	u, err := url.Parse(r.cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse recognition endpoint: %w", err)
	}
	q := u.Query()
	q.Set("model", r.cfg.Model)
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(sc.SampleRate))
	q.Set("channels", "1")
	q.Set("interim_results", "true")
	q.Set("endpointing", strconv.Itoa(r.cfg.EndpointingMS))
	if sc.SourceLanguage == "auto" {
		q.Set("language", "multi")
	} else {
		q.Set("language", sc.SourceLanguage)
	}
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Token "+r.cfg.APIKey)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial deepgram listen (%s): %w", resp.Status, err)
		}
		return nil, fmt.Errorf("dial deepgram listen: %w", err)
	}

	s := &deepgramSession{
		conn:    conn,
		results: make(chan Result, 32),
		log:     r.log,
	}
	go s.readLoop()
	return s, nil
}

type deepgramSession struct {
	conn    *websocket.Conn
	results chan Result
	log     *slog.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once

	errMu sync.Mutex
	err   error
}

// listenResponse is the subset of the Deepgram Results payload the relay
// consumes.
type listenResponse struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string   `json:"transcript"`
			Languages  []string `json:"languages"`
		} `json:"alternatives"`
	} `json:"channel"`
}

func (s *deepgramSession) readLoop() {
	defer close(s.results)
	for {
		var payload listenResponse
		if err := s.conn.ReadJSON(&payload); err != nil {
			s.setErr(err)
			return
		}
		if payload.Type != "Results" || len(payload.Channel.Alternatives) == 0 {
			continue
		}
		alt := payload.Channel.Alternatives[0]
		if alt.Transcript == "" {
			continue
		}
		res := Result{Text: alt.Transcript, Final: payload.IsFinal}
		if len(alt.Languages) > 0 {
			res.DetectedLanguage = alt.Languages[0]
		}
		s.results <- res
	}
}

func (s *deepgramSession) Send(audio []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.BinaryMessage, audio)
}

func (s *deepgramSession) KeepAlive() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"KeepAlive"}`))
}

func (s *deepgramSession) Results() <-chan Result { return s.results }

func (s *deepgramSession) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *deepgramSession) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *deepgramSession) Close() error {
	s.closeOnce.Do(func() {
		s.writeMu.Lock()
		_ = s.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"CloseStream"}`))
		s.writeMu.Unlock()
		_ = s.conn.Close()
	})
	return nil
}
