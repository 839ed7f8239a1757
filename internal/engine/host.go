package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-speech/internal/bus"
	"github.com/loqalabs/loqa-speech/internal/protocol"
	"github.com/loqalabs/loqa-speech/pkg/speech"
	"github.com/nats-io/nats.go"
)

// Host serves an Engine on the bus: it answers command requests, publishes
// engine events and feeds audio frames into the engine. Every subject is
// scoped under the host's prefix, so engines with different prefixes can
// share one bus.
type Host struct {
	engine  *Engine
	bus     *bus.Client
	prefix  string
	log     *slog.Logger
	timeout time.Duration

	mu     sync.Mutex
	subs   []*nats.Subscription
	detach func()
	ready  bool
}

func NewHost(engine *Engine, busClient *bus.Client, prefix string, log *slog.Logger) *Host {
	return &Host{
		engine:  engine,
		bus:     busClient,
		prefix:  prefix,
		log:     log.With(slog.String("component", "engine-host"), slog.String("prefix", prefix)),
		timeout: 10 * time.Second,
	}
}

func (h *Host) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	conn := h.bus.Conn()
	for _, command := range protocol.Commands() {
		command := command
		sub, err := conn.Subscribe(protocol.CommandSubject(h.prefix, command), func(msg *nats.Msg) {
			h.handleCommand(command, msg)
		})
		if err != nil {
			h.closeLocked()
			return fmt.Errorf("subscribe %s: %w", command, err)
		}
		h.subs = append(h.subs, sub)
	}

	frames, err := conn.Subscribe(protocol.AudioFrameWildcard(h.prefix), h.handleFrame)
	if err != nil {
		h.closeLocked()
		return fmt.Errorf("subscribe audio frames: %w", err)
	}
	h.subs = append(h.subs, frames)

	if err := conn.Flush(); err != nil {
		h.closeLocked()
		return fmt.Errorf("flush subscriptions: %w", err)
	}

	h.detach = h.engine.AttachSession(h.publishEvent)
	h.ready = true
	h.log.Info("engine host serving")
	return nil
}

func (h *Host) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closeLocked()
}

func (h *Host) closeLocked() {
	if h.detach != nil {
		h.detach()
		h.detach = nil
	}
	for _, sub := range h.subs {
		_ = sub.Drain()
	}
	h.subs = nil
	h.ready = false
}

func (h *Host) Healthy() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ready && h.bus.Healthy()
}

func (h *Host) handleCommand(command string, msg *nats.Msg) {
	var req protocol.CommandRequest
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			h.log.Warn("invalid command request", slog.String("command", command), slogError(err))
			h.respond(msg, protocol.CommandReply{Error: protocol.ReasonInvalidRequest})
			return
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	reply := h.execute(ctx, command, req)
	if reply.Error != "" {
		h.log.Debug("command rejected", slog.String("command", command), slog.String("reason", reply.Error))
	}
	h.respond(msg, reply)
}

func (h *Host) execute(ctx context.Context, command string, req protocol.CommandRequest) protocol.CommandReply {
	var (
		reply protocol.CommandReply
		err   error
	)
	switch command {
	case protocol.CommandStart:
		err = h.engine.StartListening(ctx)
	case protocol.CommandStop:
		err = h.engine.StopListening(ctx)
	case protocol.CommandDestroy:
		err = h.engine.Destroy(ctx)
	case protocol.CommandGetLanguage:
		reply.Language, err = h.engine.RecognitionLanguage(ctx)
	case protocol.CommandSetLanguage:
		reply.OK, err = h.engine.SetRecognitionLanguage(ctx, req.Language)
		if err == nil {
			return reply
		}
	case protocol.CommandAvailable:
		reply.Available, err = h.engine.IsRecognitionAvailable(ctx)
	case protocol.CommandLanguages:
		reply.Languages, err = h.engine.SupportedLanguages(ctx)
	case protocol.CommandReset:
		err = h.engine.Reset()
	default:
		return protocol.CommandReply{Error: protocol.ReasonInvalidRequest}
	}
	if err != nil {
		return protocol.CommandReply{Error: err.Error()}
	}
	reply.OK = true
	return reply
}

func (h *Host) respond(msg *nats.Msg, reply protocol.CommandReply) {
	data, err := json.Marshal(reply)
	if err != nil {
		h.log.Warn("failed to marshal command reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		h.log.Warn("failed to respond to command", slogError(err))
	}
}

func (h *Host) handleFrame(msg *nats.Msg) {
	var frame protocol.AudioFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		h.log.Warn("failed to decode audio frame", slogError(err))
		return
	}
	h.engine.Feed(frame)
}

func (h *Host) publishEvent(sessionID string, evt speech.Event) {
	msg := protocol.EncodeEvent(sessionID, evt, time.Now())
	if err := h.bus.PublishJSON(protocol.EventSubject(h.prefix, msg.Kind), msg); err != nil {
		h.log.Warn("failed to publish event", slog.String("kind", msg.Kind), slogError(err))
	}
}
