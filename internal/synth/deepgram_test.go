package synth

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/polydub/polydub-core/internal/config"
)

// silentSpeakServer accepts the Speak and Flush commands, then produces
// nothing and holds the socket open.
func silentSpeakServer(t *testing.T) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for i := 0; i < 2; i++ {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestSynthesizeStalledProviderHonorsContext(t *testing.T) {
	cfg := config.SynthesisConfig{
		Endpoint:   silentSpeakServer(t),
		Encoding:   "linear16",
		SampleRate: 24000,
	}
	log := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
	syn := NewDeepgramSynth(cfg, log)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	segments, errs := syn.Synthesize(ctx, Request{Text: "hola", Language: "es"})

	timeout := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-segments:
			if !ok {
				segments = nil
			}
		case err, ok := <-errs:
			if !ok {
				t.Fatal("error channel closed without reporting the expired context")
			}
			if !errors.Is(err, context.DeadlineExceeded) {
				t.Fatalf("expected a deadline error, got %v", err)
			}
			return
		case <-timeout:
			t.Fatal("synthesize still blocked after the context deadline")
		}
	}
}
