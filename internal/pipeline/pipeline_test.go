package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/polydub/polydub-core/internal/asr"
	"github.com/polydub/polydub-core/internal/protocol"
	"github.com/polydub/polydub-core/internal/registry"
	"github.com/polydub/polydub-core/internal/synth"
	"github.com/polydub/polydub-core/internal/translate"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type castEvent struct {
	kind string // "cast-text", "cast-segment", "room-text", "room-segment"
	lang string
	user string
	msg  protocol.Control
	data []byte
}

type fakeCaster struct {
	mu     sync.Mutex
	events []castEvent
}

func (c *fakeCaster) record(e castEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *fakeCaster) CastText(lang string, msg protocol.Control) error {
	c.record(castEvent{kind: "cast-text", lang: lang, msg: msg})
	return nil
}

func (c *fakeCaster) CastSegment(lang string, segment []byte) error {
	c.record(castEvent{kind: "cast-segment", lang: lang, data: segment})
	return nil
}

func (c *fakeCaster) RoomText(_, userID string, msg protocol.Control) error {
	c.record(castEvent{kind: "room-text", user: userID, msg: msg})
	return nil
}

func (c *fakeCaster) RoomSegment(_, userID string, segment []byte) error {
	c.record(castEvent{kind: "room-segment", user: userID, data: segment})
	return nil
}

func (c *fakeCaster) snapshot() []castEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]castEvent(nil), c.events...)
}

type fakeDirectory struct {
	counts    map[string]int
	roomLangs []string
	targets   map[string][]registry.Target
}

func (d *fakeDirectory) CastListenerCount(lang string) int { return d.counts[lang] }

func (d *fakeDirectory) RoomFanout(_, _, targetLang string) []registry.Target {
	return d.targets[targetLang]
}

func (d *fakeDirectory) RoomTargetLanguages(_, _ string) []string { return d.roomLangs }

type fakeSpeaker struct {
	mu   sync.Mutex
	msgs []protocol.Control
}

func (s *fakeSpeaker) Alive() bool { return true }

func (s *fakeSpeaker) EnqueueText(data []byte) bool {
	msg, err := protocol.ParseControl(data)
	if err != nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
	return true
}

func (s *fakeSpeaker) snapshot() []protocol.Control {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Control(nil), s.msgs...)
}

func baseConfig() Config {
	return Config{
		Mode:            ModeBroadcast,
		SourceLanguage:  "en",
		DefaultSource:   "en",
		TargetLanguages: []string{"es"},
		SampleRate:      16000,
		PartialInterval: time.Hour,
		ProviderTimeout: 5 * time.Second,
	}
}

// runPipeline pushes the given chunks through a fresh pipeline and waits for
// all fan-out to finish.
func runPipeline(t *testing.T, cfg Config, tr translate.Translator, syn synth.Synthesizer,
	dir Directory, caster Caster, speaker SpeakerSink, chunks ...string) *Pipeline {
	t.Helper()
	p := New(cfg, asr.NewMockRecognizer(), tr, syn, dir, caster, speaker, newLogger())
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start pipeline: %v", err)
	}
	for _, chunk := range chunks {
		p.PushAudio([]byte(chunk))
	}
	p.Stop()
	p.Wait()
	return p
}

func TestPartialEchoedToSpeakerOnly(t *testing.T) {
	caster := &fakeCaster{}
	speaker := &fakeSpeaker{}
	dir := &fakeDirectory{counts: map[string]int{"es": 1}}

	runPipeline(t, baseConfig(), translate.NewMock(), synth.NewMock(nil), dir, caster, speaker,
		"partial:hello there")

	msgs := speaker.snapshot()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 speaker message, got %v", msgs)
	}
	if msgs[0].Type != protocol.TypePartial || msgs[0].Original != "hello there" {
		t.Fatalf("unexpected partial: %+v", msgs[0])
	}
	if msgs[0].TargetLanguage != "multi" {
		t.Fatalf("partial echo should carry targetLanguage multi, got %q", msgs[0].TargetLanguage)
	}
	if events := caster.snapshot(); len(events) != 0 {
		t.Fatalf("partials must never reach listeners, got %v", events)
	}
}

func TestPartialTranslationThrottled(t *testing.T) {
	cfg := baseConfig()
	cfg.PartialTranslate = true
	cfg.PartialTargetLanguage = "es"

	caster := &fakeCaster{}
	speaker := &fakeSpeaker{}
	dir := &fakeDirectory{counts: map[string]int{}}

	runPipeline(t, cfg, translate.NewMock(), synth.NewMock(nil), dir, caster, speaker,
		"partial:one", "partial:one two")

	var translated int
	for _, msg := range speaker.snapshot() {
		if msg.Type == protocol.TypePartial && msg.Translated != "" {
			translated++
		}
	}
	if translated != 1 {
		t.Fatalf("expected exactly 1 translated partial inside the interval, got %d", translated)
	}
}

func TestFinalFanoutTextBeforeAudio(t *testing.T) {
	caster := &fakeCaster{}
	speaker := &fakeSpeaker{}
	dir := &fakeDirectory{counts: map[string]int{"es": 1}}

	runPipeline(t, baseConfig(), translate.NewMock(), synth.NewMock(nil), dir, caster, speaker,
		"hello")

	if msgs := speaker.snapshot(); len(msgs) != 0 {
		t.Fatalf("finals must not be echoed to the speaker, got %v", msgs)
	}

	events := caster.snapshot()
	if len(events) != 2 {
		t.Fatalf("expected transcript then audio, got %v", events)
	}
	if events[0].kind != "cast-text" || events[0].msg.Translated != "[es] hello" {
		t.Fatalf("unexpected transcript event: %+v", events[0])
	}
	if events[0].msg.Original != "hello" || events[0].msg.SourceLanguage != "en" {
		t.Fatalf("transcript should carry original and source language: %+v", events[0].msg)
	}
	if events[1].kind != "cast-segment" || string(events[1].data) != "aura-2-estrella-es|es|[es] hello" {
		t.Fatalf("unexpected audio event: %+v", events[1])
	}
}

func TestFanoutSkipsEmptyListenerSets(t *testing.T) {
	cfg := baseConfig()
	cfg.TargetLanguages = []string{"es", "fr"}

	caster := &fakeCaster{}
	dir := &fakeDirectory{counts: map[string]int{"es": 1, "fr": 0}}

	runPipeline(t, cfg, translate.NewMock(), synth.NewMock(nil), dir, caster, &fakeSpeaker{},
		"hello")

	for _, e := range caster.snapshot() {
		if e.lang == "fr" {
			t.Fatalf("no listener is subscribed to fr, got %+v", e)
		}
	}
}

func TestTranslationFailureDeliversOriginal(t *testing.T) {
	cfg := baseConfig()
	cfg.TargetLanguages = []string{"es", "fr"}

	tr := translate.NewMock()
	tr.FailFor = map[string]bool{"fr": true}

	caster := &fakeCaster{}
	dir := &fakeDirectory{counts: map[string]int{"es": 1, "fr": 1}}

	runPipeline(t, cfg, tr, synth.NewMock(nil), dir, caster, &fakeSpeaker{}, "hello")

	var sawES, sawFR bool
	for _, e := range caster.snapshot() {
		if e.kind != "cast-text" {
			continue
		}
		switch e.lang {
		case "es":
			sawES = true
			if e.msg.Translated != "[es] hello" {
				t.Fatalf("healthy language degraded: %+v", e.msg)
			}
		case "fr":
			sawFR = true
			if e.msg.Translated != "hello" {
				t.Fatalf("failed translation should fall back to original text: %+v", e.msg)
			}
		}
	}
	if !sawES || !sawFR {
		t.Fatalf("expected transcripts for both languages, got %v", caster.snapshot())
	}
}

func TestSynthesisFailureSkipsAudioOnly(t *testing.T) {
	cfg := baseConfig()
	cfg.TargetLanguages = []string{"es", "fr"}

	syn := synth.NewMock(nil)
	syn.FailFor = map[string]bool{"aura-2-estrella-es": true}

	caster := &fakeCaster{}
	dir := &fakeDirectory{counts: map[string]int{"es": 1, "fr": 1}}

	runPipeline(t, cfg, translate.NewMock(), syn, dir, caster, &fakeSpeaker{}, "hello")

	var esText, esAudio, frAudio bool
	for _, e := range caster.snapshot() {
		switch {
		case e.kind == "cast-text" && e.lang == "es":
			esText = true
		case e.kind == "cast-segment" && e.lang == "es":
			esAudio = true
		case e.kind == "cast-segment" && e.lang == "fr":
			frAudio = true
		}
	}
	if !esText {
		t.Fatal("transcript must still be delivered when synthesis fails")
	}
	if esAudio {
		t.Fatal("expected no audio for the failed voice")
	}
	if !frAudio {
		t.Fatal("other languages must be unaffected by one synthesis failure")
	}
}

func TestRoomFanoutPerListenerVoice(t *testing.T) {
	cfg := baseConfig()
	cfg.Mode = ModeRoom
	cfg.RoomID = "r1"
	cfg.UserID = "speaker"
	cfg.TargetLanguages = nil

	caster := &fakeCaster{}
	dir := &fakeDirectory{
		roomLangs: []string{"es"},
		targets: map[string][]registry.Target{
			"es": {
				{UserID: "bob"},
				{UserID: "carol", Voice: "carol-pref"},
			},
		},
	}

	runPipeline(t, cfg, translate.NewMock(), synth.NewMock(nil), dir, caster, &fakeSpeaker{},
		"hello")

	segments := map[string]string{}
	texts := map[string]protocol.Control{}
	for _, e := range caster.snapshot() {
		switch e.kind {
		case "room-text":
			texts[e.user] = e.msg
		case "room-segment":
			segments[e.user] = string(e.data)
		}
	}
	for _, user := range []string{"bob", "carol"} {
		msg, ok := texts[user]
		if !ok {
			t.Fatalf("missing transcript for %s", user)
		}
		if msg.UserID != "speaker" || msg.Translated != "[es] hello" {
			t.Fatalf("unexpected transcript for %s: %+v", user, msg)
		}
	}
	if segments["bob"] != "aura-2-estrella-es|es|[es] hello" {
		t.Fatalf("bob should get the language default voice, got %q", segments["bob"])
	}
	if segments["carol"] != "carol-pref|es|[es] hello" {
		t.Fatalf("carol should get her preferred voice, got %q", segments["carol"])
	}
}

func TestAutoSourceLanguage(t *testing.T) {
	cfg := baseConfig()
	cfg.SourceLanguage = "auto"

	caster := &fakeCaster{}
	dir := &fakeDirectory{counts: map[string]int{"es": 1}}

	runPipeline(t, cfg, translate.NewMock(), synth.NewMock(nil), dir, caster, &fakeSpeaker{},
		"lang=fr:bonjour")

	events := caster.snapshot()
	if len(events) == 0 {
		t.Fatal("expected fan-out events")
	}
	if events[0].msg.SourceLanguage != "fr" {
		t.Fatalf("expected detected source fr, got %q", events[0].msg.SourceLanguage)
	}
}

func TestAutoSourceLanguageFallsBackToDefault(t *testing.T) {
	cfg := baseConfig()
	cfg.SourceLanguage = "auto"
	cfg.DefaultSource = "en"

	caster := &fakeCaster{}
	dir := &fakeDirectory{counts: map[string]int{"es": 1}}

	runPipeline(t, cfg, translate.NewMock(), synth.NewMock(nil), dir, caster, &fakeSpeaker{},
		"hello")

	events := caster.snapshot()
	if len(events) == 0 {
		t.Fatal("expected fan-out events")
	}
	if events[0].msg.SourceLanguage != "en" {
		t.Fatalf("expected default source en, got %q", events[0].msg.SourceLanguage)
	}
}

type failingRecognizer struct{}

func (f *failingRecognizer) Open(context.Context, asr.SessionConfig) (asr.Session, error) {
	results := make(chan asr.Result)
	close(results)
	return &failingSession{results: results}, nil
}

type failingSession struct {
	results chan asr.Result
}

func (s *failingSession) Send([]byte) error          { return nil }
func (s *failingSession) KeepAlive() error           { return nil }
func (s *failingSession) Results() <-chan asr.Result { return s.results }
func (s *failingSession) Err() error                 { return errors.New("connection reset") }
func (s *failingSession) Close() error               { return nil }

func TestRecognitionFailureNotifiesSpeaker(t *testing.T) {
	caster := &fakeCaster{}
	speaker := &fakeSpeaker{}
	dir := &fakeDirectory{counts: map[string]int{}}

	p := New(baseConfig(), &failingRecognizer{}, translate.NewMock(), synth.NewMock(nil),
		dir, caster, speaker, newLogger())
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start pipeline: %v", err)
	}
	p.Wait()

	msgs := speaker.snapshot()
	if len(msgs) != 1 || msgs[0].Type != protocol.TypeError || msgs[0].Message != "STT Error" {
		t.Fatalf("expected STT Error notification, got %v", msgs)
	}
}

func TestRecognitionFailureInvokesErrorObserver(t *testing.T) {
	cfg := baseConfig()
	errCh := make(chan error, 1)
	cfg.OnError = func(err error) { errCh <- err }

	p := New(cfg, &failingRecognizer{}, translate.NewMock(), synth.NewMock(nil),
		&fakeDirectory{counts: map[string]int{}}, &fakeCaster{}, &fakeSpeaker{}, newLogger())
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start pipeline: %v", err)
	}
	p.Wait()

	select {
	case err := <-errCh:
		if err == nil || !strings.Contains(err.Error(), "connection reset") {
			t.Fatalf("unexpected observed error: %v", err)
		}
	default:
		t.Fatal("expected the error observer to be invoked on session failure")
	}
}
