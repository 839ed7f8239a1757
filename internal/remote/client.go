// Package remote implements speech.Native against an engine served on the
// bus by engine.Host.
package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-speech/internal/bus"
	"github.com/loqalabs/loqa-speech/internal/protocol"
	"github.com/loqalabs/loqa-speech/pkg/speech"
	"github.com/nats-io/nats.go"
)

// Error is a failure reported by the remote engine. Error() returns the
// engine's reason unchanged.
type Error struct {
	Reason string
}

func (e *Error) Error() string { return e.Reason }

// Client relays requests to a remote engine and re-emits its events.
type Client struct {
	bus    *bus.Client
	prefix string
	log    *slog.Logger

	mu    sync.Mutex
	sinks map[uint64]func(speech.Event)
	order []uint64
	next  uint64
	sub   *nats.Subscription
}

var _ speech.Native = (*Client)(nil)

// Dial subscribes to the engine's events under prefix.
func Dial(busClient *bus.Client, prefix string, log *slog.Logger) (*Client, error) {
	c := &Client{
		bus:    busClient,
		prefix: prefix,
		log:    log.With(slog.String("component", "remote-engine"), slog.String("prefix", prefix)),
		sinks:  make(map[uint64]func(speech.Event)),
	}
	sub, err := busClient.Conn().Subscribe(protocol.EventWildcard(prefix), c.handleEvent)
	if err != nil {
		return nil, fmt.Errorf("subscribe engine events: %w", err)
	}
	if err := busClient.Conn().Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("flush event subscription: %w", err)
	}
	c.sub = sub
	return c, nil
}

// Close stops receiving events.
func (c *Client) Close() {
	c.mu.Lock()
	sub := c.sub
	c.sub = nil
	c.mu.Unlock()
	if sub != nil {
		_ = sub.Unsubscribe()
	}
}

func (c *Client) Attach(emit func(speech.Event)) func() {
	c.mu.Lock()
	c.next++
	id := c.next
	c.sinks[id] = emit
	c.order = append(c.order, id)
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.sinks, id)
	}
}

func (c *Client) handleEvent(msg *nats.Msg) {
	var em protocol.EventMessage
	if err := json.Unmarshal(msg.Data, &em); err != nil {
		c.log.Warn("failed to decode engine event", slogError(err))
		return
	}
	evt, err := protocol.DecodeEvent(em)
	if err != nil {
		c.log.Warn("dropping engine event", slogError(err))
		return
	}

	c.mu.Lock()
	sinks := make([]func(speech.Event), 0, len(c.sinks))
	live := c.order[:0]
	for _, id := range c.order {
		if sink, ok := c.sinks[id]; ok {
			sinks = append(sinks, sink)
			live = append(live, id)
		}
	}
	c.order = live
	c.mu.Unlock()

	for _, sink := range sinks {
		sink(evt)
	}
}

func (c *Client) command(ctx context.Context, command string, req protocol.CommandRequest) (protocol.CommandReply, error) {
	var reply protocol.CommandReply
	if err := c.bus.RequestJSON(ctx, protocol.CommandSubject(c.prefix, command), req, &reply); err != nil {
		return reply, err
	}
	if reply.Error != "" {
		return reply, &Error{Reason: reply.Error}
	}
	return reply, nil
}

func (c *Client) StartListening(ctx context.Context) error {
	_, err := c.command(ctx, protocol.CommandStart, protocol.CommandRequest{})
	return err
}

func (c *Client) StopListening(ctx context.Context) error {
	_, err := c.command(ctx, protocol.CommandStop, protocol.CommandRequest{})
	return err
}

func (c *Client) Destroy(ctx context.Context) error {
	_, err := c.command(ctx, protocol.CommandDestroy, protocol.CommandRequest{})
	return err
}

func (c *Client) RecognitionLanguage(ctx context.Context) (string, error) {
	reply, err := c.command(ctx, protocol.CommandGetLanguage, protocol.CommandRequest{})
	return reply.Language, err
}

func (c *Client) SetRecognitionLanguage(ctx context.Context, tag string) (bool, error) {
	reply, err := c.command(ctx, protocol.CommandSetLanguage, protocol.CommandRequest{Language: tag})
	if err != nil {
		return false, err
	}
	return reply.OK, nil
}

func (c *Client) IsRecognitionAvailable(ctx context.Context) (bool, error) {
	reply, err := c.command(ctx, protocol.CommandAvailable, protocol.CommandRequest{})
	return reply.Available, err
}

func (c *Client) SupportedLanguages(ctx context.Context) ([]string, error) {
	reply, err := c.command(ctx, protocol.CommandLanguages, protocol.CommandRequest{})
	if err != nil {
		return nil, err
	}
	return reply.Languages, nil
}

// Reset asks the remote engine to leave the disposed state.
func (c *Client) Reset(ctx context.Context) error {
	_, err := c.command(ctx, protocol.CommandReset, protocol.CommandRequest{})
	return err
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
