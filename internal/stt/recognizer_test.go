package stt

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/loqalabs/loqa-speech/internal/config"
)

func TestNewSelectsBackend(t *testing.T) {
	if _, err := New(config.STTConfig{Mode: "mock"}); err != nil {
		t.Fatalf("mock: %v", err)
	}
	if _, err := New(config.STTConfig{Mode: "cloud"}); err == nil {
		t.Fatal("expected error for unknown mode")
	}
	if _, err := New(config.STTConfig{Mode: "exec"}); err == nil {
		t.Fatal("expected error for empty exec command")
	}
}

func TestMockRecognizer(t *testing.T) {
	r := NewMockRecognizer()
	res, err := r.Transcribe(context.Background(), Request{PCM: make([]byte, 8), Language: "en-US", Final: true})
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if !strings.Contains(res.Text, "final") || !strings.Contains(res.Text, "length=8") {
		t.Fatalf("unexpected text %q", res.Text)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := r.Transcribe(ctx, Request{}); err == nil {
		t.Fatal("expected cancelled context error")
	}
}

func TestExecRecognizerParseError(t *testing.T) {
	if _, err := NewExecRecognizer(config.STTConfig{Command: `whisper "unterminated`}); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestExecRecognizerArgs(t *testing.T) {
	r, err := NewExecRecognizer(config.STTConfig{Command: "whisper-cli --threads 2", ModelPath: "/models/base.bin"})
	if err != nil {
		t.Fatal(err)
	}
	got := r.(*execRecognizer).args("/tmp/a.wav", Request{Language: "fr-FR"})
	want := []string{"--threads", "2", "--audio", "/tmp/a.wav", "--model", "/models/base.bin", "--language", "fr-FR", "--partial"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestExecRecognizerRunsCommand(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	cmd := `sh -c 'printf "{\"text\":\"hello there\",\"confidence\":0.5}"'`
	r, err := NewExecRecognizer(config.STTConfig{Command: cmd})
	if err != nil {
		t.Fatal(err)
	}
	res, err := r.Transcribe(context.Background(), Request{PCM: make([]byte, 32), SampleRate: 16000, Channels: 1, Final: true})
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if res.Text != "hello there" || res.Confidence != 0.5 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestExecRecognizerRunsOneCommandAtATime(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	// mkdir fails if another run still holds the directory.
	lock := filepath.Join(t.TempDir(), "running")
	cmd := fmt.Sprintf(`sh -c 'mkdir %s || exit 3; sleep 0.05; rmdir %s; printf "{\"text\":\"ok\"}"'`, lock, lock)
	r, err := NewExecRecognizer(config.STTConfig{Command: cmd})
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(final bool) {
			defer wg.Done()
			res, err := r.Transcribe(context.Background(), Request{PCM: make([]byte, 32), SampleRate: 16000, Channels: 1, Final: final})
			if err == nil && res.Text != "ok" {
				err = fmt.Errorf("unexpected result %+v", res)
			}
			errs <- err
		}(i%2 == 0)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("overlapping transcriber runs: %v", err)
		}
	}
}
