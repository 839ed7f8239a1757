package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/loqalabs/loqa-speech/internal/config"
	"github.com/mattn/go-shellwords"
)

// execRecognizer runs an external transcriber once per request. The binary
// receives --audio <wav> and prints {"text": ..., "confidence": ...}.
type execRecognizer struct {
	cmd       []string
	modelPath string

	// mu allows one transcriber process at a time. Most backends load the
	// model per process and cannot share a device, so a final request queues
	// behind an in-flight partial instead of running next to it.
	mu sync.Mutex
}

type execResult struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

func NewExecRecognizer(cfg config.STTConfig) (Recognizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("stt command is empty")
	}
	return &execRecognizer{cmd: args, modelPath: cfg.ModelPath}, nil
}

func (r *execRecognizer) Transcribe(ctx context.Context, req Request) (TranscriptResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	file, err := os.CreateTemp("", "speech_stt_*.wav")
	if err != nil {
		return TranscriptResult{}, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if err := WriteWAV(file, req.PCM, req.SampleRate, req.Channels); err != nil {
		return TranscriptResult{}, err
	}

	command := exec.CommandContext(ctx, r.cmd[0], r.args(file.Name(), req)...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return TranscriptResult{}, fmt.Errorf("stt command failed: %w: %s", err, stderr.String())
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return TranscriptResult{}, fmt.Errorf("decode stt response: %w", err)
	}
	return TranscriptResult{Text: resp.Text, Confidence: resp.Confidence}, nil
}

// Healthy reports whether the transcriber binary can be found.
func (r *execRecognizer) Healthy() bool {
	_, err := exec.LookPath(r.cmd[0])
	return err == nil
}

func (r *execRecognizer) args(audioPath string, req Request) []string {
	args := append([]string{}, r.cmd[1:]...)
	args = append(args, "--audio", audioPath)
	if r.modelPath != "" {
		args = append(args, "--model", r.modelPath)
	}
	if req.Language != "" {
		args = append(args, "--language", req.Language)
	}
	if !req.Final {
		args = append(args, "--partial")
	}
	return args
}
