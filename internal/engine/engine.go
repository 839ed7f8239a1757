// Package engine implements a recognition capability over streamed PCM
// frames. It owns the session state machine, computes input levels and asks
// an stt backend for partial and final transcripts.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"github.com/loqalabs/loqa-speech/internal/config"
	"github.com/loqalabs/loqa-speech/internal/protocol"
	"github.com/loqalabs/loqa-speech/internal/stt"
	"github.com/loqalabs/loqa-speech/pkg/speech"
	"golang.org/x/text/language"
)

// Failure reasons surfaced to callers. The error text is the reason code.
var (
	ErrAlreadyListening = errors.New(protocol.ReasonAlreadyListening)
	ErrDestroyed        = errors.New(protocol.ReasonDestroyed)
	ErrUnsupported      = errors.New(protocol.ReasonUnsupported)
	ErrUnavailable      = errors.New(protocol.ReasonUnavailable)
)

// Session states.
const (
	StateIdle     = "idle"
	StateActive   = "active"
	StateSpeaking = "speaking"
	StateDisposed = "disposed"
)

const (
	transitionStart   = "start"
	transitionBegin   = "begin"
	transitionEnd     = "end"
	transitionDestroy = "destroy"
	transitionReset   = "reset"
)

// Engine is a speech.Native backed by an stt.Recognizer.
type Engine struct {
	cfg        config.EngineConfig
	sttCfg     config.STTConfig
	recognizer stt.Recognizer
	log        *slog.Logger
	clock      func() time.Time

	mu       sync.Mutex
	machine  *fsm.FSM
	language string
	session  *session

	events *dispatcher
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type session struct {
	id           string
	source       string
	buffer       []byte
	sampleRate   int
	channels     int
	lastPartial  time.Time
	inflight     bool
	pendingFinal bool
	stopping     bool
	ctx          context.Context
	cancel       context.CancelFunc
}

var _ speech.Native = (*Engine)(nil)

func New(cfg config.EngineConfig, sttCfg config.STTConfig, recognizer stt.Recognizer, log *slog.Logger) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:        cfg,
		sttCfg:     sttCfg,
		recognizer: recognizer,
		log:        log.With(slog.String("component", "engine")),
		clock:      time.Now,
		machine:    newMachine(),
		language:   cfg.Language,
		events:     newDispatcher(),
		ctx:        ctx,
		cancel:     cancel,
	}
}

func newMachine() *fsm.FSM {
	return fsm.NewFSM(
		StateIdle,
		fsm.Events{
			{Name: transitionStart, Src: []string{StateIdle}, Dst: StateActive},
			{Name: transitionBegin, Src: []string{StateActive}, Dst: StateSpeaking},
			{Name: transitionEnd, Src: []string{StateActive, StateSpeaking}, Dst: StateIdle},
			{Name: transitionDestroy, Src: []string{StateIdle, StateActive, StateSpeaking}, Dst: StateDisposed},
			{Name: transitionReset, Src: []string{StateDisposed}, Dst: StateIdle},
		},
		fsm.Callbacks{},
	)
}

// Close cancels in-flight transcriptions, waits for them and flushes the
// remaining events. It must not be called from an event sink.
func (e *Engine) Close() {
	e.cancel()
	e.wg.Wait()
	e.events.close()
}

// State returns the current session state.
func (e *Engine) State() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.machine.Current()
}

// Attach implements speech.Native.
func (e *Engine) Attach(emit func(speech.Event)) func() {
	return e.events.attach(func(_ string, evt speech.Event) { emit(evt) })
}

// AttachSession registers a sink that also receives the session id.
func (e *Engine) AttachSession(sink SessionSink) func() {
	return e.events.attach(sink)
}

func (e *Engine) StartListening(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.machine.Current() {
	case StateDisposed:
		return ErrDestroyed
	case StateActive, StateSpeaking:
		return ErrAlreadyListening
	}
	if !stt.Available(e.recognizer) {
		return ErrUnavailable
	}
	if err := e.transition(transitionStart); err != nil {
		return err
	}

	sctx, cancel := context.WithCancel(e.ctx)
	s := &session{
		id:         uuid.NewString(),
		sampleRate: e.sttCfg.SampleRate,
		channels:   e.sttCfg.Channels,
		ctx:        sctx,
		cancel:     cancel,
	}
	e.session = s
	e.log.Info("recognition session started", slog.String("session_id", s.id), slog.String("language", e.language))
	e.events.push(queued{sessionID: s.id, evt: speech.Start{}})
	return nil
}

// StopListening ends the utterance. Without an active session it is a no-op.
func (e *Engine) StopListening(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	s := e.session
	if s == nil || s.stopping {
		return nil
	}
	e.finishLocked(s)
	return nil
}

// Destroy tears down the active session and disposes the engine until Reset.
// Destroying a disposed engine is a no-op.
func (e *Engine) Destroy(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.machine.Current() == StateDisposed {
		return nil
	}
	if s := e.session; s != nil {
		s.cancel()
		e.session = nil
		e.events.push(queued{sessionID: s.id, evt: speech.End{}})
		e.log.Info("recognition session destroyed", slog.String("session_id", s.id))
	}
	return e.transition(transitionDestroy)
}

// Reset re-initializes a disposed engine.
func (e *Engine) Reset() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.machine.Current() != StateDisposed {
		return nil
	}
	return e.transition(transitionReset)
}

func (e *Engine) RecognitionLanguage(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.language, nil
}

// SetRecognitionLanguage accepts tags listed in the configured supported
// languages, compared as BCP 47 tags. A running session picks the new
// language up on its next transcription.
func (e *Engine) SetRecognitionLanguage(ctx context.Context, tag string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	match, ok := e.matchSupported(tag)
	if !ok {
		return false, ErrUnsupported
	}
	e.mu.Lock()
	e.language = match
	e.mu.Unlock()
	return true, nil
}

func (e *Engine) matchSupported(tag string) (string, bool) {
	parsed, err := language.Parse(strings.TrimSpace(tag))
	if err != nil {
		return "", false
	}
	for _, supported := range e.cfg.SupportedLanguages {
		if candidate, err := language.Parse(supported); err == nil && candidate == parsed {
			return supported, true
		}
	}
	return "", false
}

func (e *Engine) IsRecognitionAvailable(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return stt.Available(e.recognizer), nil
}

// SupportedLanguages returns the configured list in configuration order.
func (e *Engine) SupportedLanguages(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return append([]string(nil), e.cfg.SupportedLanguages...), nil
}

// Feed hands one audio frame to the active session. Frames arriving without
// a session, after stop, or from a different source than the session's first
// frame are dropped.
func (e *Engine) Feed(frame protocol.AudioFrame) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := e.session
	if s == nil || s.stopping {
		return
	}
	if s.source == "" {
		s.source = frame.SessionID
	} else if frame.SessionID != s.source {
		return
	}
	if frame.SampleRate > 0 {
		s.sampleRate = frame.SampleRate
	}
	if frame.Channels > 0 {
		s.channels = frame.Channels
	}

	if len(frame.PCM) > 0 {
		buf, err := stt.DecodePCM16(frame.PCM, s.sampleRate, s.channels)
		if err != nil {
			e.log.Warn("dropping audio frame", slog.String("session_id", s.id), slogError(err))
			return
		}
		level := stt.LevelDBFS(buf)
		items := []queued{{sessionID: s.id, evt: speech.VolumeChanged{Value: level}}}
		if e.cfg.EmitAudioBuffer {
			items = append(items, queued{sessionID: s.id, evt: speech.AudioBuffer{Data: append([]byte(nil), frame.PCM...)}})
		}
		if level >= e.cfg.SpeechThresholdDB && e.machine.Current() == StateActive {
			if err := e.transition(transitionBegin); err == nil {
				items = append(items, queued{sessionID: s.id, evt: speech.Begin{}})
			}
		}
		e.events.push(items...)
		s.buffer = append(s.buffer, frame.PCM...)
	}

	if frame.Final {
		e.finishLocked(s)
		return
	}
	if e.cfg.PublishPartial && e.partialDueLocked(s) {
		e.scheduleLocked(s, false)
	}
}

func (e *Engine) partialDueLocked(s *session) bool {
	if s.inflight || len(s.buffer) == 0 {
		return false
	}
	if s.lastPartial.IsZero() {
		return true
	}
	interval := time.Duration(e.cfg.PartialEveryMS) * time.Millisecond
	if interval <= 0 {
		return false
	}
	return e.clock().Sub(s.lastPartial) >= interval
}

func (e *Engine) finishLocked(s *session) {
	s.stopping = true
	if len(s.buffer) == 0 && !s.inflight {
		e.endLocked(s, nil)
		return
	}
	e.scheduleLocked(s, true)
}

// endLocked closes s with the given terminal events followed by End.
func (e *Engine) endLocked(s *session, terminal speech.Event) {
	s.cancel()
	if e.session == s {
		e.session = nil
	}
	if err := e.transition(transitionEnd); err != nil {
		e.log.Warn("unexpected session transition", slogError(err))
	}
	var items []queued
	if terminal != nil {
		items = append(items, queued{sessionID: s.id, evt: terminal})
	}
	items = append(items, queued{sessionID: s.id, evt: speech.End{}})
	e.events.push(items...)
	e.log.Info("recognition session ended", slog.String("session_id", s.id))
}

func (e *Engine) scheduleLocked(s *session, final bool) {
	if s.inflight {
		if final {
			s.pendingFinal = true
		}
		return
	}
	req := stt.Request{
		PCM:        append([]byte(nil), s.buffer...),
		SampleRate: s.sampleRate,
		Channels:   s.channels,
		Language:   e.language,
		Final:      final,
	}
	s.inflight = true
	if !final {
		s.lastPartial = e.clock()
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.transcribe(s, req)
	}()
}

func (e *Engine) transcribe(s *session, req stt.Request) {
	timeout := time.Duration(e.sttCfg.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	ctx, cancel := context.WithTimeout(s.ctx, timeout)
	defer cancel()

	result, err := e.recognizer.Transcribe(ctx, req)

	e.mu.Lock()
	defer e.mu.Unlock()

	s.inflight = false
	if e.session != s {
		return
	}
	if req.Final {
		if err != nil {
			e.log.Warn("final transcription failed", slog.String("session_id", s.id), slogError(err))
			e.endLocked(s, speech.Error{Message: err.Error()})
			return
		}
		e.endLocked(s, speech.Results{Value: result.Text})
		return
	}

	if err != nil {
		e.log.Warn("partial transcription failed", slog.String("session_id", s.id), slogError(err))
	} else {
		e.events.push(queued{sessionID: s.id, evt: speech.PartialResults{Value: result.Text}})
	}
	if s.pendingFinal {
		s.pendingFinal = false
		e.scheduleLocked(s, true)
	}
}

func (e *Engine) transition(name string) error {
	return e.machine.Event(context.Background(), name)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
