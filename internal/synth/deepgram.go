package synth

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/polydub/polydub-core/internal/config"
)

// deepgramSynth streams text through the Deepgram speak-live websocket API and
// forwards each binary frame as one self-contained segment.
type deepgramSynth struct {
	cfg config.SynthesisConfig
	log *slog.Logger
}

func NewDeepgramSynth(cfg config.SynthesisConfig, log *slog.Logger) Synthesizer {
	return &deepgramSynth{cfg: cfg, log: log.With(slog.String("component", "synth-deepgram"))}
}

type speakCommand struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type speakEvent struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

func (d *deepgramSynth) Synthesize(ctx context.Context, req Request) (<-chan Segment, <-chan error) {
	segments := make(chan Segment)
	errs := make(chan error, 1)

	go func() {
		defer close(segments)
		defer close(errs)

		if strings.TrimSpace(req.Text) == "" {
			return
		}

		voice := req.Voice
		if voice == "" {
			voice = VoiceForLanguage(req.Language, d.cfg.Voices)
		}

		conn, err := d.dial(ctx, voice)
		if err != nil {
			errs <- err
			return
		}
		defer conn.Close()

		// ReadMessage takes no context. Close the socket when ctx expires so
		// a stalled provider cannot pin the read loop past its deadline.
		watchDone := make(chan struct{})
		defer close(watchDone)
		go func() {
			select {
			case <-ctx.Done():
				_ = conn.Close()
			case <-watchDone:
			}
		}()

		if err := conn.WriteJSON(speakCommand{Type: "Speak", Text: req.Text}); err != nil {
			errs <- fmt.Errorf("send speak command: %w", err)
			return
		}
		if err := conn.WriteJSON(speakCommand{Type: "Flush"}); err != nil {
			errs <- fmt.Errorf("flush speak stream: %w", err)
			return
		}

		sequence := 0
		for {
			select {
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			default:
			}

			msgType, data, err := conn.ReadMessage()
			if err != nil {
				if ctx.Err() != nil {
					errs <- ctx.Err()
					return
				}
				errs <- fmt.Errorf("read speak stream: %w", err)
				return
			}
			switch msgType {
			case websocket.BinaryMessage:
				if len(data) == 0 {
					continue
				}
				seg := Segment{Data: data, Sequence: sequence}
				sequence++
				select {
				case segments <- seg:
				case <-ctx.Done():
					errs <- ctx.Err()
					return
				}
			case websocket.TextMessage:
				var evt speakEvent
				if err := json.Unmarshal(data, &evt); err != nil {
					continue
				}
				switch evt.Type {
				case "Flushed":
					_ = conn.WriteJSON(speakCommand{Type: "Close"})
					return
				case "Error":
					errs <- fmt.Errorf("speak stream error: %s", evt.Description)
					return
				}
			}
		}
	}()

	return segments, errs
}

func (d *deepgramSynth) dial(ctx context.Context, voice string) (*websocket.Conn, error) {
	u, err := url.Parse(d.cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse synthesis endpoint: %w", err)
	}
	q := u.Query()
	q.Set("model", voice)
	q.Set("encoding", d.cfg.Encoding)
	q.Set("sample_rate", strconv.Itoa(d.cfg.SampleRate))
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Token "+d.cfg.APIKey)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial deepgram speak (%s): %w", resp.Status, err)
		}
		return nil, fmt.Errorf("dial deepgram speak: %w", err)
	}
	return conn, nil
}
