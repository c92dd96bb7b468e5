package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/polydub/polydub-core/internal/asr"
	"github.com/polydub/polydub-core/internal/protocol"
	"github.com/polydub/polydub-core/internal/registry"
	"github.com/polydub/polydub-core/internal/synth"
	"github.com/polydub/polydub-core/internal/translate"
)

// Mode selects how a speaker's finalized utterances resolve their listeners.
type Mode string

const (
	// ModeBroadcast fans out to language-keyed listener channels.
	ModeBroadcast Mode = "broadcast"
	// ModeRoom fans out pairwise to room members by target language.
	ModeRoom Mode = "room"
)

// Directory resolves listener sets at fan-out time. Implemented by the
// registry; fakes stand in for it in tests.
type Directory interface {
	CastListenerCount(lang string) int
	RoomFanout(roomID, speakerID, targetLang string) []registry.Target
	RoomTargetLanguages(roomID, speakerID string) []string
}

// Caster delivers transcript and audio events to resolved listener sets.
// Implemented by the broadcast engine.
type Caster interface {
	CastText(lang string, msg protocol.Control) error
	CastSegment(lang string, segment []byte) error
	RoomText(roomID, userID string, msg protocol.Control) error
	RoomSegment(roomID, userID string, segment []byte) error
}

// SpeakerSink is the speaker's own connection, used for partial echoes and
// terminal error reporting.
type SpeakerSink interface {
	Alive() bool
	EnqueueText(data []byte) bool
}

// Config fixes one speaker pipeline at connection time.
type Config struct {
	Mode   Mode
	RoomID string
	UserID string

	// SourceLanguage may be "auto"; DefaultSource applies when the provider
	// reports no detected language for an auto-mode utterance.
	SourceLanguage string
	DefaultSource  string

	// TargetLanguages is the static target list in broadcast mode. Room mode
	// resolves targets dynamically from the other members.
	TargetLanguages []string

	// PartialTargetLanguage is where debounced partial translation aims when
	// enabled: the speaker's own target in room mode, the first broadcast
	// target otherwise.
	PartialTargetLanguage string

	SampleRate        int
	PartialInterval   time.Duration
	PartialTranslate  bool
	ProviderTimeout   time.Duration
	KeepAliveInterval time.Duration

	// OnError observes a terminal recognition failure, after the speaker has
	// been notified and before the pipeline stops. May be nil.
	OnError func(err error)
}

// throttleState guards debounced partial translation. Single owner: only the
// result loop mutates it, under the pipeline mutex.
type throttleState struct {
	lastPartial time.Time
	inflight    bool
}

// Pipeline bridges one inbound audio stream to zero or more translated
// broadcasts. One instance per speaker connection, never shared.
type Pipeline struct {
	cfg     Config
	rec     asr.Recognizer
	tr      translate.Translator
	syn     synth.Synthesizer
	dir     Directory
	caster  Caster
	speaker SpeakerSink
	log     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	session  asr.Session
	stopped  bool
	throttle throttleState

	utterances metric.Int64Counter
	failures   metric.Int64Counter
}

func New(cfg Config, rec asr.Recognizer, tr translate.Translator, syn synth.Synthesizer,
	dir Directory, caster Caster, speaker SpeakerSink, log *slog.Logger) *Pipeline {
	meter := otel.Meter("polydub/pipeline")
	utterances, _ := meter.Int64Counter("polydub.pipeline.utterances",
		metric.WithDescription("Finalized utterances fanned out"))
	failures, _ := meter.Int64Counter("polydub.pipeline.failures",
		metric.WithDescription("Per-language translation or synthesis failures"))
	return &Pipeline{
		cfg:        cfg,
		rec:        rec,
		tr:         tr,
		syn:        syn,
		dir:        dir,
		caster:     caster,
		speaker:    speaker,
		log:        log.With(slog.String("component", "pipeline")),
		utterances: utterances,
		failures:   failures,
	}
}

// Start opens the recognition session and begins the keep-alive heartbeat.
func (p *Pipeline) Start(ctx context.Context) error {
	p.ctx, p.cancel = context.WithCancel(ctx)

	session, err := p.rec.Open(p.ctx, asr.SessionConfig{
		SourceLanguage: p.cfg.SourceLanguage,
		SampleRate:     p.cfg.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("open recognition session: %w", err)
	}

	p.mu.Lock()
	p.session = session
	p.mu.Unlock()

	p.wg.Add(2)
	go p.keepAliveLoop(session)
	go p.resultLoop(session)
	return nil
}

// PushAudio forwards raw audio to the open recognition session. Audio arriving
// before session-open or after close is dropped, never buffered.
func (p *Pipeline) PushAudio(audio []byte) {
	p.mu.Lock()
	session := p.session
	stopped := p.stopped
	p.mu.Unlock()
	if session == nil || stopped {
		return
	}
	if err := session.Send(audio); err != nil {
		p.log.Warn("failed to forward audio", slogError(err))
	}
}

// Stop cancels the heartbeat and closes the recognition session. Idempotent;
// fan-out already in flight for still-connected listeners runs to completion.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	session := p.session
	p.session = nil
	p.mu.Unlock()

	if p.cancel != nil {
		p.cancel()
	}
	if session != nil {
		_ = session.Close()
	}
}

// Wait blocks until all pipeline goroutines, including in-flight fan-out,
// have finished. Test hook; the transport does not wait on disconnect.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

func (p *Pipeline) keepAliveLoop(session asr.Session) {
	defer p.wg.Done()
	interval := p.cfg.KeepAliveInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			if err := session.KeepAlive(); err != nil {
				p.log.Warn("recognition keep-alive failed", slogError(err))
				return
			}
		}
	}
}

func (p *Pipeline) resultLoop(session asr.Session) {
	defer p.wg.Done()
	for res := range session.Results() {
		if res.Final {
			p.handleFinal(res)
		} else {
			p.handlePartial(res)
		}
	}

	err := session.Err()
	p.mu.Lock()
	stopped := p.stopped
	p.mu.Unlock()
	if err != nil && !stopped {
		p.log.Warn("recognition session failed", slogError(err))
		if p.speaker.Alive() {
			p.speaker.EnqueueText(protocol.Error("STT Error").Encode())
		}
		if p.cfg.OnError != nil {
			p.cfg.OnError(err)
		}
		p.Stop()
	}
}

// sourceLanguageFor resolves the authoritative source language for one
// utterance: the configured language, or the detected one in auto mode,
// falling back to the default when detection is absent.
func (p *Pipeline) sourceLanguageFor(res asr.Result) string {
	if p.cfg.SourceLanguage != "auto" {
		return p.cfg.SourceLanguage
	}
	if res.DetectedLanguage != "" {
		return res.DetectedLanguage
	}
	return p.cfg.DefaultSource
}

// handlePartial echoes an interim transcript to the speaker only. Partials are
// never broadcast: interim text is unstable and re-translating it per listener
// would dominate the hot path.
func (p *Pipeline) handlePartial(res asr.Result) {
	src := p.sourceLanguageFor(res)
	msg := protocol.Control{
		Type:           protocol.TypePartial,
		Original:       res.Text,
		Timestamp:      time.Now().UnixMilli(),
		SourceLanguage: src,
		TargetLanguage: "multi",
		UserID:         p.cfg.UserID,
	}
	if p.speaker.Alive() {
		p.speaker.EnqueueText(msg.Encode())
	}

	if !p.cfg.PartialTranslate || p.cfg.PartialTargetLanguage == "" {
		return
	}

	p.mu.Lock()
	now := time.Now()
	if p.throttle.inflight || now.Sub(p.throttle.lastPartial) < p.cfg.PartialInterval {
		p.mu.Unlock()
		return
	}
	p.throttle.lastPartial = now
	p.throttle.inflight = true
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() {
			p.mu.Lock()
			p.throttle.inflight = false
			p.mu.Unlock()
		}()

		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ProviderTimeout)
		defer cancel()
		translated, err := p.tr.Translate(ctx, res.Text, src, p.cfg.PartialTargetLanguage)
		if err != nil || translated == "" {
			return
		}
		msg.Translated = translated
		msg.TargetLanguage = p.cfg.PartialTargetLanguage
		if p.speaker.Alive() {
			p.speaker.EnqueueText(msg.Encode())
		}
	}()
}

// handleFinal fans one finalized utterance out to every distinct target
// language in parallel. Each language path is independent: a translation or
// synthesis failure is logged and skipped without touching the others.
func (p *Pipeline) handleFinal(res asr.Result) {
	text := strings.TrimSpace(res.Text)
	if text == "" {
		return
	}
	src := p.sourceLanguageFor(res)

	var langs []string
	switch p.cfg.Mode {
	case ModeRoom:
		langs = p.dir.RoomTargetLanguages(p.cfg.RoomID, p.cfg.UserID)
	default:
		langs = p.cfg.TargetLanguages
	}
	if len(langs) == 0 {
		return
	}
	p.utterances.Add(context.Background(), 1, metric.WithAttributes(attribute.String("mode", string(p.cfg.Mode))))

	for _, lang := range langs {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.fanOutLanguage(lang, text, src)
		}()
	}
}

func (p *Pipeline) fanOutLanguage(lang, text, src string) {
	// Runs on its own deadline, not the speaker context: a speaker
	// disconnecting mid-utterance must not abort delivery to still-connected
	// listeners.
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ProviderTimeout)
	defer cancel()

	translated, err := p.tr.Translate(ctx, text, src, lang)
	if err != nil {
		// Fail open: a degraded translation backend delivers the original
		// text instead of silence.
		p.log.Warn("translation failed, delivering original text",
			slog.String("target", lang), slogError(err))
		p.countFailure(lang, "translate")
		translated = text
	}

	msg := protocol.Control{
		Type:           protocol.TypeTranscript,
		Original:       text,
		Translated:     translated,
		Timestamp:      time.Now().UnixMilli(),
		SourceLanguage: src,
		TargetLanguage: lang,
		UserID:         p.cfg.UserID,
	}

	switch p.cfg.Mode {
	case ModeRoom:
		p.fanOutRoom(lang, translated, msg)
	default:
		p.fanOutCast(lang, translated, msg)
	}
}

func (p *Pipeline) fanOutCast(lang, translated string, msg protocol.Control) {
	if p.dir.CastListenerCount(lang) == 0 {
		return
	}
	if err := p.caster.CastText(lang, msg); err != nil {
		p.log.Warn("failed to deliver transcript", slog.String("target", lang), slogError(err))
		p.countFailure(lang, "deliver")
		return
	}
	if translated == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ProviderTimeout)
	defer cancel()
	segments, errs := p.syn.Synthesize(ctx, synth.Request{Text: translated, Language: lang})
	for segments != nil || errs != nil {
		select {
		case seg, ok := <-segments:
			if !ok {
				segments = nil
				continue
			}
			if err := p.caster.CastSegment(lang, seg.Data); err != nil {
				p.log.Warn("failed to deliver audio segment", slog.String("target", lang), slogError(err))
			}
		case err, ok := <-errs:
			if ok && err != nil {
				p.log.Warn("synthesis failed", slog.String("target", lang), slogError(err))
				p.countFailure(lang, "synthesize")
			}
			errs = nil
		}
	}
}

func (p *Pipeline) fanOutRoom(lang, translated string, msg protocol.Control) {
	targets := p.dir.RoomFanout(p.cfg.RoomID, p.cfg.UserID, lang)
	if len(targets) == 0 {
		return
	}
	for _, t := range targets {
		if err := p.caster.RoomText(p.cfg.RoomID, t.UserID, msg); err != nil {
			p.log.Warn("failed to deliver transcript",
				slog.String("room", p.cfg.RoomID), slog.String("user", t.UserID), slogError(err))
		}
	}
	if translated == "" {
		return
	}

	// One synthesis task per listener: voice resolution is per (listener,
	// speaker), so even identical text/language/voice pairs stay independent.
	for _, t := range targets {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.synthesizeToMember(lang, translated, t)
		}()
	}
}

func (p *Pipeline) synthesizeToMember(lang, translated string, target registry.Target) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ProviderTimeout)
	defer cancel()

	segments, errs := p.syn.Synthesize(ctx, synth.Request{
		Text:     translated,
		Language: lang,
		Voice:    target.Voice,
	})
	for segments != nil || errs != nil {
		select {
		case seg, ok := <-segments:
			if !ok {
				segments = nil
				continue
			}
			if err := p.caster.RoomSegment(p.cfg.RoomID, target.UserID, seg.Data); err != nil {
				p.log.Warn("failed to deliver audio segment",
					slog.String("room", p.cfg.RoomID), slog.String("user", target.UserID), slogError(err))
			}
		case err, ok := <-errs:
			if ok && err != nil {
				p.log.Warn("synthesis failed",
					slog.String("room", p.cfg.RoomID), slog.String("user", target.UserID), slogError(err))
				p.countFailure(lang, "synthesize")
			}
			errs = nil
		}
	}
}

func (p *Pipeline) countFailure(lang, stage string) {
	p.failures.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("target", lang),
		attribute.String("stage", stage)))
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
