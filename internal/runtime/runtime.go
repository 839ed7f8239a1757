package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-speech/internal/bus"
	"github.com/loqalabs/loqa-speech/internal/capability"
	"github.com/loqalabs/loqa-speech/internal/config"
	"github.com/loqalabs/loqa-speech/internal/engine"
	"github.com/loqalabs/loqa-speech/internal/eventstore"
	"github.com/loqalabs/loqa-speech/internal/natsserver"
	"github.com/loqalabs/loqa-speech/internal/stt"
	"github.com/loqalabs/loqa-speech/pkg/speech"
	"go.opentelemetry.io/otel"
)

const instrumentationName = "github.com/loqalabs/loqa-speech/runtime"

// Runtime hosts one recognition engine on the bus and serves health and
// metrics endpoints until its context is cancelled.
type Runtime struct {
	cfg    config.Config
	logger *slog.Logger
	ready  atomic.Bool
	wg     sync.WaitGroup

	telemetry *telemetry
	servers   []*http.Server
	nats      *natsserver.EmbeddedServer
	bus       *bus.Client
	store     *eventstore.Store
	engine    *engine.Engine
	host      *engine.Host
	bridge    *speech.Bridge
	recorder  *eventstore.Recorder
	directory *capability.Directory
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
	defer r.shutdown()

	tel, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetry = tel

	if err := r.startServices(ctx); err != nil {
		return err
	}

	mux := r.routes()
	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.serve(addr, mux)
	if bind := r.cfg.Telemetry.PrometheusBind; bind != "" && bind != addr && r.telemetry.metrics != nil {
		metrics := http.NewServeMux()
		metrics.Handle("/metrics", r.telemetry.metrics)
		r.serve(bind, metrics)
	}

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr), slog.String("prefix", r.cfg.Engine.SubjectPrefix))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	return nil
}

func (r *Runtime) startServices(ctx context.Context) error {
	busCfg := r.cfg.Bus
	srv, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return err
	}
	r.nats = srv
	if srv != nil {
		busCfg.Servers = []string{srv.ClientURL()}
	}

	r.bus, err = bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return err
	}

	r.store, err = eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}

	recognizer, err := stt.New(r.cfg.STT)
	if err != nil {
		return fmt.Errorf("create recognizer: %w", err)
	}
	r.engine = engine.New(r.cfg.Engine, r.cfg.STT, recognizer, r.logger)

	r.host = engine.NewHost(r.engine, r.bus, r.cfg.Engine.SubjectPrefix, r.logger)
	if err := r.host.Start(); err != nil {
		return fmt.Errorf("start engine host: %w", err)
	}

	r.bridge = speech.New(r.engine,
		speech.WithLogger(r.logger),
		speech.WithTracer(otel.Tracer(instrumentationName)),
		speech.WithMeter(otel.Meter(instrumentationName)),
	)
	r.recorder = eventstore.NewRecorder(r.store, r.currentLanguage, r.logger)
	r.recorder.Attach(r.bridge)

	r.directory, err = capability.NewDirectory(ctx, r.cfg.Node, r.bus, r.logger)
	if err != nil {
		return fmt.Errorf("start engine directory: %w", err)
	}
	languages, err := r.engine.SupportedLanguages(ctx)
	if err != nil {
		return err
	}
	if err := r.directory.Advertise(r.cfg.Engine.SubjectPrefix, r.currentLanguage, languages); err != nil {
		r.logger.Warn("failed to announce engine", slog.String("error", err.Error()))
	}
	return nil
}

func (r *Runtime) currentLanguage() string {
	tag, err := r.engine.RecognitionLanguage(context.Background())
	if err != nil {
		return ""
	}
	return tag
}

func (r *Runtime) serve(addr string, handler http.Handler) {
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.servers = append(r.servers, server)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("addr", addr), slog.String("error", err.Error()))
		}
	}()
}

// shutdown stops whatever Start brought up, in reverse order.
func (r *Runtime) shutdown() {
	r.ready.Store(false)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, server := range r.servers {
		if err := server.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()

	if r.directory != nil {
		r.directory.Close()
	}
	if r.recorder != nil {
		r.recorder.Detach()
	}
	if r.bridge != nil {
		r.bridge.Close()
	}
	if r.host != nil {
		r.host.Close()
	}
	if r.engine != nil {
		r.engine.Close()
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Error("event store close error", slog.String("error", err.Error()))
		}
	}
	r.bus.Close()
	r.nats.Shutdown()

	if r.telemetry != nil {
		if err := r.telemetry.shutdown(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/engines", r.handleEngines)
	if r.telemetry != nil && r.telemetry.metrics != nil {
		mux.Handle("/metrics", r.telemetry.metrics)
	}
	return mux
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.host != nil && r.host.Healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) handleEngines(w http.ResponseWriter, _ *http.Request) {
	engines := []capability.EngineInfo{}
	if r.directory != nil {
		engines = r.directory.Query()
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(engines); err != nil {
		r.logger.Warn("failed to encode engines", slog.String("error", err.Error()))
	}
}
