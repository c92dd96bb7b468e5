package transport

import (
	"bytes"
	"context"
	"encoding/base64"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/polydub/polydub-core/internal/asr"
	"github.com/polydub/polydub-core/internal/bus"
	"github.com/polydub/polydub-core/internal/cast"
	"github.com/polydub/polydub-core/internal/config"
	"github.com/polydub/polydub-core/internal/journal"
	"github.com/polydub/polydub-core/internal/natsserver"
	"github.com/polydub/polydub-core/internal/protocol"
	"github.com/polydub/polydub-core/internal/registry"
	"github.com/polydub/polydub-core/internal/synth"
	"github.com/polydub/polydub-core/internal/translate"
)

func newTestRelay(t *testing.T) (string, *registry.Registry) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))

	cfg := config.Default()
	cfg.Journal.RetentionMode = "ephemeral"

	ns, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1}, log)
	if err != nil {
		t.Fatalf("start embedded bus: %v", err)
	}
	t.Cleanup(ns.Shutdown)

	busClient, err := bus.Connect(context.Background(), config.BusConfig{
		Servers:        []string{ns.ClientURL()},
		ConnectTimeout: 2000,
	}, log)
	if err != nil {
		t.Fatalf("connect bus: %v", err)
	}
	t.Cleanup(busClient.Close)

	jrnl, err := journal.Open(context.Background(), cfg.Journal, log)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { _ = jrnl.Close() })

	reg := registry.New(log)
	engine := cast.NewEngine(busClient, log)
	srv := NewServer(cfg, reg, engine, asr.NewMockRecognizer(), translate.NewMock(),
		synth.NewMock(nil), jrnl, log)

	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	return "ws" + strings.TrimPrefix(ts.URL, "http"), reg
}

func dial(t *testing.T, wsURL, query string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(wsURL+"?"+query, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", query, err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

// readControl skips binary frames and returns the next JSON control message.
func readControl(t *testing.T, ws *websocket.Conn) protocol.Control {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			t.Fatalf("read control: %v", err)
		}
		if msgType != websocket.TextMessage {
			continue
		}
		msg, err := protocol.ParseControl(data)
		if err != nil {
			t.Fatalf("parse control %q: %v", data, err)
		}
		return msg
	}
}

func readBinary(t *testing.T, ws *websocket.Conn) []byte {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			t.Fatalf("read binary: %v", err)
		}
		if msgType == websocket.BinaryMessage {
			return data
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestListenerStatusReflectsBroadcastState(t *testing.T) {
	wsURL, reg := newTestRelay(t)

	early := dial(t, wsURL, "role=listener&lang=es")
	msg := readControl(t, early)
	if msg.Type != protocol.TypeError || msg.Message != "Start a broadcast in es first." {
		t.Fatalf("unexpected status for early listener: %+v", msg)
	}

	dial(t, wsURL, "role=host&source=en&targets=es")
	waitFor(t, "broadcast activation", func() bool { return reg.CastActive("es") })

	late := dial(t, wsURL, "role=listener&lang=es")
	msg = readControl(t, late)
	if msg.Type != protocol.TypeInfo || msg.Message != "Connected to LIVE es broadcast." {
		t.Fatalf("unexpected status for late listener: %+v", msg)
	}
}

func TestBroadcastEndToEnd(t *testing.T) {
	wsURL, reg := newTestRelay(t)

	host := dial(t, wsURL, "role=host&source=en&targets=es")
	waitFor(t, "broadcast activation", func() bool { return reg.CastActive("es") })

	listener := dial(t, wsURL, "role=listener&lang=es")
	if msg := readControl(t, listener); msg.Type != protocol.TypeInfo {
		t.Fatalf("expected live status, got %+v", msg)
	}
	waitFor(t, "listener registration", func() bool { return reg.CastListenerCount("es") == 1 })

	if err := host.WriteMessage(websocket.BinaryMessage, []byte("hello")); err != nil {
		t.Fatalf("send audio: %v", err)
	}

	msg := readControl(t, listener)
	if msg.Type != protocol.TypeTranscript || msg.Original != "hello" || msg.Translated != "[es] hello" {
		t.Fatalf("unexpected transcript: %+v", msg)
	}
	if msg.SourceLanguage != "en" || msg.TargetLanguage != "es" {
		t.Fatalf("unexpected transcript languages: %+v", msg)
	}

	audio := readBinary(t, listener)
	if string(audio) != "aura-2-estrella-es|es|[es] hello" {
		t.Fatalf("unexpected audio payload: %q", audio)
	}

	_ = host.Close()
	msg = readControl(t, listener)
	if msg.Type != protocol.TypeInfo || msg.Message != "Host ended the broadcast." {
		t.Fatalf("expected broadcast end status, got %+v", msg)
	}
	waitFor(t, "broadcast deactivation", func() bool { return !reg.CastActive("es") })
}

func TestRoomEndToEnd(t *testing.T) {
	wsURL, reg := newTestRelay(t)

	alice := dial(t, wsURL, "role=member&room=r1&user=alice&source=en&target=en")
	state := readControl(t, alice)
	if state.Type != protocol.TypeRoomState || len(state.Participants) != 0 {
		t.Fatalf("expected empty room state, got %+v", state)
	}

	bob := dial(t, wsURL, "role=member&room=r1&user=bob&source=es&target=es")
	state = readControl(t, bob)
	if state.Type != protocol.TypeRoomState || len(state.Participants) != 1 || state.Participants[0].UserID != "alice" {
		t.Fatalf("expected alice in bob's room state, got %+v", state)
	}

	joined := readControl(t, alice)
	if joined.Type != protocol.TypeUserJoined || joined.UserID != "bob" || joined.SourceLanguage != "es" {
		t.Fatalf("expected user-joined for bob, got %+v", joined)
	}

	if err := alice.WriteMessage(websocket.BinaryMessage, []byte("hello")); err != nil {
		t.Fatalf("send audio: %v", err)
	}
	msg := readControl(t, bob)
	if msg.Type != protocol.TypeTranscript || msg.UserID != "alice" || msg.Translated != "[es] hello" {
		t.Fatalf("unexpected transcript for bob: %+v", msg)
	}
	audio := readBinary(t, bob)
	if string(audio) != "aura-2-estrella-es|es|[es] hello" {
		t.Fatalf("unexpected audio for bob: %q", audio)
	}

	pref := protocol.Control{Type: protocol.TypeSetVoicePreference, PeerID: "alice", VoiceID: "custom-voice"}
	if err := bob.WriteMessage(websocket.TextMessage, pref.Encode()); err != nil {
		t.Fatalf("send voice preference: %v", err)
	}
	waitFor(t, "voice preference", func() bool {
		targets := reg.RoomFanout("r1", "alice", "es")
		return len(targets) == 1 && targets[0].Voice == "custom-voice"
	})

	if err := alice.WriteMessage(websocket.BinaryMessage, []byte("again")); err != nil {
		t.Fatalf("send audio: %v", err)
	}
	if msg := readControl(t, bob); msg.Type != protocol.TypeTranscript {
		t.Fatalf("expected transcript, got %+v", msg)
	}
	audio = readBinary(t, bob)
	if string(audio) != "custom-voice|es|[es] again" {
		t.Fatalf("voice preference not applied: %q", audio)
	}

	_ = bob.Close()
	left := readControl(t, alice)
	if left.Type != protocol.TypeUserLeft || left.UserID != "bob" {
		t.Fatalf("expected user-left for bob, got %+v", left)
	}
}

// sendFramesUntil pushes the same binary frame on an interval until the test
// signals stop, so a receiver attaching concurrently still sees one.
func sendFramesUntil(t *testing.T, ws *websocket.Conn, frame []byte, stop <-chan struct{}) {
	t.Helper()
	go func() {
		for {
			if err := ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				return
			}
			select {
			case <-stop:
				return
			case <-time.After(25 * time.Millisecond):
			}
		}
	}()
}

func TestRoomVideoRelay(t *testing.T) {
	wsURL, reg := newTestRelay(t)

	alice := dial(t, wsURL, "role=member-video&room=r1&user=alice")
	bob := dial(t, wsURL, "role=member-video&room=r1&user=bob")

	waitFor(t, "video members", func() bool { return len(reg.VideoMemberIDs("r1", "")) == 2 })

	frame := []byte{0x01, 0x02, 0x03, 0xff}
	stop := make(chan struct{})
	defer close(stop)
	sendFramesUntil(t, alice, frame, stop)

	msg := readControl(t, bob)
	if msg.Type != protocol.TypeVideoFrame || msg.UserID != "alice" {
		t.Fatalf("unexpected video message: %+v", msg)
	}
	decoded, err := base64.StdEncoding.DecodeString(msg.Data)
	if err != nil {
		t.Fatalf("decode frame payload: %v", err)
	}
	if !bytes.Equal(decoded, frame) {
		t.Fatalf("frame payload mismatch: %v", decoded)
	}
}

func TestBroadcastVideoRelay(t *testing.T) {
	wsURL, _ := newTestRelay(t)

	viewer := dial(t, wsURL, "role=listener-video")
	host := dial(t, wsURL, "role=host-video")

	frame := []byte{0xde, 0xad, 0xbe, 0xef}
	stop := make(chan struct{})
	defer close(stop)
	sendFramesUntil(t, host, frame, stop)

	if got := readBinary(t, viewer); !bytes.Equal(got, frame) {
		t.Fatalf("frame passthrough mismatch: %v", got)
	}
}

func TestMemberWithoutIdentityIsRejected(t *testing.T) {
	wsURL, _ := newTestRelay(t)

	ws, _, err := websocket.DefaultDialer.Dial(wsURL+"?role=member&user=alice", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = ws.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("expected policy violation close, got %v", err)
	}
}
