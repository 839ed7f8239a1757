package runtime

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-speech/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestNotReadyBeforeStart(t *testing.T) {
	r := New(config.Default(), newLogger())
	mux := r.routes()

	if rec := get(t, mux, "/healthz"); rec.Code != http.StatusOK {
		t.Fatalf("expected healthz 200, got %d", rec.Code)
	}
	if rec := get(t, mux, "/readyz"); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected readyz 503, got %d", rec.Code)
	}
	rec := get(t, mux, "/engines")
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Fatalf("expected empty engine list, got %q", rec.Body.String())
	}
}

func TestStartServesEngine(t *testing.T) {
	cfg := config.Default()
	cfg.Bus.Port = -1
	cfg.HTTP.Bind = "127.0.0.1"
	cfg.HTTP.Port = 0
	cfg.Telemetry.PrometheusBind = ""
	cfg.EventStore.Path = filepath.Join(t.TempDir(), "events.db")
	cfg.Engine.SupportedLanguages = []string{"en-US", "fr-FR"}
	cfg.Node.HeartbeatInterval = 50

	r := New(cfg, newLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Start(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for !r.ready.Load() {
		if time.Now().After(deadline) {
			cancel()
			t.Fatalf("runtime never became ready: %v", <-done)
		}
		time.Sleep(10 * time.Millisecond)
	}

	mux := r.routes()
	if rec := get(t, mux, "/readyz"); rec.Code != http.StatusOK {
		t.Fatalf("expected readyz 200, got %d", rec.Code)
	}
	if rec := get(t, mux, "/engines"); !strings.Contains(rec.Body.String(), cfg.Node.ID) {
		t.Fatalf("expected local engine listed, got %q", rec.Body.String())
	}

	if ok, err := r.engine.SetRecognitionLanguage(ctx, "fr-FR"); err != nil || !ok {
		t.Fatalf("set language: ok=%v err=%v", ok, err)
	}
	deadline = time.Now().Add(3 * time.Second)
	for !strings.Contains(get(t, mux, "/engines").Body.String(), `"language":"fr-FR"`) {
		if time.Now().After(deadline) {
			t.Fatalf("expected announced language to follow the engine, got %q", get(t, mux, "/engines").Body.String())
		}
		time.Sleep(20 * time.Millisecond)
	}

	if rec := get(t, mux, "/metrics"); rec.Code != http.StatusOK {
		t.Fatalf("expected metrics 200, got %d", rec.Code)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("start returned error: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("runtime did not stop")
	}
}
