package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/signstream/internal/bus"
	"github.com/loqalabs/signstream/internal/capture"
	"github.com/loqalabs/signstream/internal/config"
	"github.com/loqalabs/signstream/internal/history"
	"github.com/loqalabs/signstream/internal/natsserver"
	"github.com/loqalabs/signstream/internal/predictor"
	"github.com/loqalabs/signstream/internal/presence"
	"github.com/loqalabs/signstream/internal/session"
	"github.com/loqalabs/signstream/internal/signs"
	"github.com/loqalabs/signstream/internal/speech"
	"github.com/loqalabs/signstream/internal/transport"
)

const pruneInterval = time.Hour

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	metricsSrv  *http.Server
	tracerClose func(context.Context) error
	nats        *natsserver.EmbeddedServer
	bus         *bus.Client
	history     *history.Store
	speech      *speech.Service
	predictor   *predictor.Service
	presence    *presence.Registry
	session     *session.Controller
	ready       atomic.Bool
	wg          sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	if err := r.startServices(ctx); err != nil {
		r.stopServices()
		return err
	}

	lib := signs.New(r.cfg.Signs)
	handlers := &api{
		session:    r.session,
		history:    r.history,
		predictors: r.presence,
		signs:      lib,
		log:        r.logger.With(slog.String("component", "api")),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}
	handlers.routes(mux)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.httpServer, "http")

	if metricsHandler != nil && r.cfg.Telemetry.PrometheusBind != "" && r.cfg.Telemetry.PrometheusBind != addr {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metricsHandler)
		r.metricsSrv = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.serve(r.metricsSrv, "metrics")
	}

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr), slog.String("session_id", r.session.ID()))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	for _, srv := range []*http.Server{r.httpServer, r.metricsSrv} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slogError(err))
		}
	}
	r.wg.Wait()

	if r.history != nil {
		if err := r.history.PurgeSession(shutdownCtx, r.session.ID()); err != nil {
			r.logger.Warn("history purge failed", slogError(err))
		}
	}
	r.stopServices()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slogError(err))
		}
	}

	return nil
}

// startServices brings up the bus, the collaborators and the session loop.
// Goroutines it starts stop when ctx is cancelled.
func (r *Runtime) startServices(ctx context.Context) error {
	busCfg := r.cfg.Bus
	ns, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return err
	}
	r.nats = ns
	if ns != nil {
		busCfg.Servers = []string{ns.ClientURL()}
	}

	r.bus, err = bus.Connect(ctx, busCfg, r.logger.With(slog.String("component", "bus")))
	if err != nil {
		return err
	}

	r.history, err = history.Open(ctx, r.cfg.History, r.logger)
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	r.goPrune(ctx)

	speaker, err := speech.NewSpeaker(r.cfg.Speech, r.logger)
	if err != nil {
		return err
	}
	r.speech = speech.NewService(ctx, r.cfg.Speech, speaker, r.logger)

	classifier, err := predictor.NewClassifier(r.cfg.Predictor, r.logger)
	if err != nil {
		return err
	}
	r.predictor = predictor.NewService(ctx, r.cfg.Predictor, r.bus, classifier, r.logger)
	if err := r.predictor.Start(); err != nil {
		return err
	}

	role := presence.RoleClient
	if r.cfg.Predictor.Enabled {
		role = presence.RolePredictor
	}
	r.presence, err = presence.NewRegistry(ctx, r.cfg.Presence, role, r.cfg.Predictor.Mode, r.bus, r.logger)
	if err != nil {
		return err
	}

	source, err := capture.NewSource(r.cfg.Capture)
	if err != nil {
		return err
	}
	metrics, err := session.NewMetrics()
	if err != nil {
		r.logger.Warn("failed to initialize session metrics", slogError(err))
		metrics = nil
	}
	busClient := r.bus
	transportLog := r.logger
	r.session = session.New(session.ConfigFrom(r.cfg), session.Deps{
		Device: capture.NewDevice(source, r.logger),
		Encoder: capture.Encoder{
			Width:   r.cfg.Capture.Width,
			Height:  r.cfg.Capture.Height,
			Quality: r.cfg.Capture.JPEGQuality,
		},
		Dial: func(ctx context.Context, id string) (session.Channel, error) {
			tr, err := transport.Open(ctx, busClient, id, transportLog)
			if err != nil {
				return nil, err
			}
			return tr, nil
		},
		History: r.history,
		Speech:  r.speech,
		Metrics: metrics,
	}, r.logger)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.session.Run(ctx); err != nil {
			r.logger.Error("session stopped", slogError(err))
		}
	}()
	return nil
}

func (r *Runtime) stopServices() {
	if r.presence != nil {
		r.presence.Close()
	}
	if r.predictor != nil {
		r.predictor.Close()
	}
	if r.speech != nil {
		r.speech.Close()
	}
	if r.history != nil {
		if err := r.history.Close(); err != nil {
			r.logger.Warn("history close failed", slogError(err))
		}
	}
	if r.bus != nil {
		r.bus.Close()
	}
	r.nats.Shutdown()
}

func (r *Runtime) goPrune(ctx context.Context) {
	if r.cfg.History.RetentionDays <= 0 && r.cfg.History.MaxEntries <= 0 {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(pruneInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := r.history.Prune(ctx); err != nil && !errors.Is(err, context.Canceled) {
					r.logger.Warn("history prune failed", slogError(err))
				}
			}
		}
	}()
}

func (r *Runtime) serve(srv *http.Server, name string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("server", name), slogError(err))
		}
	}()
}

func (r *Runtime) healthy() bool {
	return r.bus.Healthy() && r.predictor.Healthy() && r.speech.Healthy()
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
