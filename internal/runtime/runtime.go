package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/polydub/polydub-core/internal/asr"
	"github.com/polydub/polydub-core/internal/bus"
	"github.com/polydub/polydub-core/internal/cast"
	"github.com/polydub/polydub-core/internal/config"
	"github.com/polydub/polydub-core/internal/journal"
	"github.com/polydub/polydub-core/internal/natsserver"
	"github.com/polydub/polydub-core/internal/registry"
	"github.com/polydub/polydub-core/internal/synth"
	"github.com/polydub/polydub-core/internal/translate"
	"github.com/polydub/polydub-core/internal/transport"
)

// Runtime owns the relay's lifecycle: telemetry, the embedded bus, the
// connection journal and the transport boundary come up in order and shut
// down in reverse.
type Runtime struct {
	cfg    config.Config
	logger *slog.Logger

	httpServer     *http.Server
	telemetryClose func(context.Context) error
	natsServer     *natsserver.EmbeddedServer
	busClient      *bus.Client
	journal        *journal.Store
	ready          atomic.Bool
	wg             sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings the relay up and blocks until ctx is cancelled.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("setup telemetry: %w", err)
	}
	r.telemetryClose = shutdownTelemetry

	ns, err := natsserver.Start(r.cfg.Bus, r.logger.With(slog.String("component", "natsserver")))
	if err != nil {
		return fmt.Errorf("start embedded bus: %w", err)
	}
	r.natsServer = ns

	busCfg := r.cfg.Bus
	if ns != nil {
		busCfg.Servers = []string{ns.ClientURL()}
	}
	busClient, err := bus.Connect(ctx, busCfg, r.logger.With(slog.String("component", "bus")))
	if err != nil {
		return fmt.Errorf("connect bus: %w", err)
	}
	r.busClient = busClient

	jrnl, err := journal.Open(ctx, r.cfg.Journal, r.logger.With(slog.String("component", "journal")))
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	r.journal = jrnl

	reg := registry.New(r.logger)
	if err := registerRegistryGauges(reg); err != nil {
		r.logger.Warn("failed to register registry gauges", slog.String("error", err.Error()))
	}
	engine := cast.NewEngine(busClient, r.logger)

	rec := buildRecognizer(r.cfg, r.logger)
	tr := buildTranslator(r.cfg)
	syn := buildSynthesizer(r.cfg, r.logger)

	relay := transport.NewServer(r.cfg, reg, engine, rec, tr, syn, jrnl, r.logger)

	mux := http.NewServeMux()
	mux.Handle("/ws", relay)
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.ready.Store(true)
	r.logger.Info("relay started",
		slog.String("addr", addr),
		slog.String("recognition", r.cfg.Recognition.Mode),
		slog.String("translation", r.cfg.Translation.Mode),
		slog.String("synthesis", r.cfg.Synthesis.Mode))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("relay stopping")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()

	if err := r.journal.Close(); err != nil {
		r.logger.Error("journal close error", slog.String("error", err.Error()))
	}
	r.busClient.Close()
	r.natsServer.Shutdown()

	if r.telemetryClose != nil {
		if err := r.telemetryClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

func registerRegistryGauges(reg *registry.Registry) error {
	meter := otel.Meter("polydub/runtime")
	rooms, err := meter.Int64ObservableGauge("polydub.registry.rooms",
		metric.WithDescription("Rooms with at least one member"))
	if err != nil {
		return err
	}
	members, err := meter.Int64ObservableGauge("polydub.registry.members",
		metric.WithDescription("Room members currently connected"))
	if err != nil {
		return err
	}
	listeners, err := meter.Int64ObservableGauge("polydub.registry.listeners",
		metric.WithDescription("Broadcast listeners currently registered"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		nRooms, nMembers, nListeners := reg.Stats()
		o.ObserveInt64(rooms, int64(nRooms))
		o.ObserveInt64(members, int64(nMembers))
		o.ObserveInt64(listeners, int64(nListeners))
		return nil
	}, rooms, members, listeners)
	return err
}

func buildRecognizer(cfg config.Config, logger *slog.Logger) asr.Recognizer {
	switch cfg.Recognition.Mode {
	case "deepgram":
		return asr.NewDeepgramRecognizer(cfg.Recognition, logger)
	default:
		return asr.NewMockRecognizer()
	}
}

func buildTranslator(cfg config.Config) translate.Translator {
	switch cfg.Translation.Mode {
	case "lingo":
		return translate.NewLingoTranslator(cfg.Translation)
	default:
		return translate.NewMock()
	}
}

func buildSynthesizer(cfg config.Config, logger *slog.Logger) synth.Synthesizer {
	switch cfg.Synthesis.Mode {
	case "deepgram":
		return synth.NewDeepgramSynth(cfg.Synthesis, logger)
	default:
		return synth.NewMock(cfg.Synthesis.Voices)
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.busClient.Healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
