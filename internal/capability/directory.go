package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loqalabs/loqa-speech/internal/bus"
	"github.com/loqalabs/loqa-speech/internal/config"
	"github.com/loqalabs/loqa-speech/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/text/language"
)

// EngineInfo describes a recognition engine seen on the bus.
type EngineInfo struct {
	NodeID    string    `json:"node_id"`
	Prefix    string    `json:"prefix"`
	Language  string    `json:"language"`
	Languages []string  `json:"languages"`
	LastSeen  time.Time `json:"last_seen"`
	Healthy   bool      `json:"healthy"`
}

// Directory tracks engines from their announcements and heartbeats and can
// advertise the local engine.
type Directory struct {
	cfg   config.NodeConfig
	log   *slog.Logger
	bus   *bus.Client
	clock func() time.Time

	mu      sync.RWMutex
	engines  map[string]*EngineInfo
	local    *protocol.EngineAnnouncement
	language func() string

	ctx    context.Context
	cancel context.CancelFunc
	subs   []*nats.Subscription
	meter  metric.Meter
}

func NewDirectory(ctx context.Context, cfg config.NodeConfig, busClient *bus.Client, log *slog.Logger) (*Directory, error) {
	ctx, cancel := context.WithCancel(ctx)
	d := &Directory{
		cfg:     cfg,
		log:     log.With(slog.String("component", "engine-directory")),
		bus:     busClient,
		clock:   time.Now,
		engines: make(map[string]*EngineInfo),
		ctx:     ctx,
		cancel:  cancel,
		meter:   otel.Meter("github.com/loqalabs/loqa-speech/runtime"),
	}

	if err := d.initMetrics(); err != nil {
		d.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	if err := d.subscribe(); err != nil {
		d.Close()
		return nil, err
	}

	go d.monitorHealth(ctx)
	return d, nil
}

func (d *Directory) Close() {
	d.cancel()
	d.mu.Lock()
	subs := d.subs
	d.subs = nil
	d.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Drain()
	}
}

func (d *Directory) subscribe() error {
	conn := d.bus.Conn()
	handlers := []struct {
		subject string
		handler nats.MsgHandler
	}{
		{protocol.SubjectEngineAnnounce, d.handleAnnounce},
		{protocol.SubjectEngineHeartbeat + ".*", d.handleHeartbeat},
		{protocol.SubjectEngineDiscover, d.handleDiscover},
	}
	for _, h := range handlers {
		sub, err := conn.Subscribe(h.subject, h.handler)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", h.subject, err)
		}
		d.subs = append(d.subs, sub)
	}
	if err := conn.Flush(); err != nil {
		return fmt.Errorf("flush directory subscriptions: %w", err)
	}
	return nil
}

// Advertise announces the local engine and keeps it alive with heartbeats
// until the directory is closed. language is read on every announcement so
// answers to Discover carry the engine's current recognition language.
func (d *Directory) Advertise(prefix string, language func() string, languages []string) error {
	ann := protocol.EngineAnnouncement{
		NodeID:    d.cfg.ID,
		Prefix:    prefix,
		Languages: append([]string(nil), languages...),
	}
	d.mu.Lock()
	first := d.local == nil
	d.local = &ann
	d.language = language
	d.mu.Unlock()

	if err := d.announce(); err != nil {
		return err
	}
	if first {
		go d.runHeartbeat(d.ctx)
	}
	return nil
}

// Discover asks every advertising engine to announce itself again.
func (d *Directory) Discover() error {
	return d.bus.Conn().Publish(protocol.SubjectEngineDiscover, nil)
}

func (d *Directory) announce() error {
	d.mu.RLock()
	local, language := d.local, d.language
	d.mu.RUnlock()
	if local == nil {
		return nil
	}
	msg := *local
	if language != nil {
		msg.Language = language()
	}
	msg.Timestamp = d.clock().UTC()
	if err := d.bus.PublishJSON(protocol.SubjectEngineAnnounce, msg); err != nil {
		return err
	}
	d.update(msg)
	return nil
}

func (d *Directory) runHeartbeat(ctx context.Context) {
	interval := time.Duration(d.cfg.HeartbeatInterval) * time.Millisecond
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if d.languageChanged() {
				if err := d.announce(); err != nil {
					d.log.Warn("failed to re-announce engine", slog.String("error", err.Error()))
				}
				continue
			}
			hb := protocol.EngineHeartbeat{NodeID: d.cfg.ID, Timestamp: d.clock().UTC()}
			if err := d.bus.PublishJSON(protocol.HeartbeatSubject(d.cfg.ID), hb); err != nil {
				d.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
		}
	}
}

// languageChanged reports whether the local language differs from the one
// last announced.
func (d *Directory) languageChanged() bool {
	d.mu.RLock()
	language := d.language
	announced := ""
	if d.local != nil {
		if engine, ok := d.engines[d.local.NodeID]; ok {
			announced = engine.Language
		}
	}
	d.mu.RUnlock()
	return language != nil && language() != announced
}

func (d *Directory) monitorHealth(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.evaluateHealth()
		}
	}
}

func (d *Directory) handleAnnounce(msg *nats.Msg) {
	var ann protocol.EngineAnnouncement
	if err := json.Unmarshal(msg.Data, &ann); err != nil || ann.NodeID == "" {
		d.log.Warn("invalid engine announcement")
		return
	}
	if ann.Timestamp.IsZero() {
		ann.Timestamp = d.clock().UTC()
	}
	d.update(ann)
}

func (d *Directory) handleHeartbeat(msg *nats.Msg) {
	var hb protocol.EngineHeartbeat
	if err := json.Unmarshal(msg.Data, &hb); err != nil || hb.NodeID == "" {
		d.log.Warn("invalid engine heartbeat")
		return
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = d.clock().UTC()
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	engine, ok := d.engines[hb.NodeID]
	if !ok {
		engine = &EngineInfo{NodeID: hb.NodeID}
		d.engines[hb.NodeID] = engine
	}
	engine.LastSeen = hb.Timestamp
	engine.Healthy = true
}

func (d *Directory) handleDiscover(*nats.Msg) {
	if err := d.announce(); err != nil {
		d.log.Warn("failed to answer discovery", slog.String("error", err.Error()))
	}
}

func (d *Directory) update(ann protocol.EngineAnnouncement) {
	d.mu.Lock()
	defer d.mu.Unlock()

	engine, ok := d.engines[ann.NodeID]
	if !ok {
		engine = &EngineInfo{NodeID: ann.NodeID}
		d.engines[ann.NodeID] = engine
	}
	engine.Prefix = ann.Prefix
	engine.Language = ann.Language
	engine.Languages = append([]string(nil), ann.Languages...)
	engine.LastSeen = ann.Timestamp
	engine.Healthy = true
}

func (d *Directory) evaluateHealth() {
	d.mu.Lock()
	defer d.mu.Unlock()

	timeout := time.Duration(d.cfg.HeartbeatTimeout) * time.Millisecond
	now := d.clock()
	for _, engine := range d.engines {
		if now.Sub(engine.LastSeen) > timeout {
			engine.Healthy = false
		}
	}
}

// Healthy reports whether the local engine is advertised and still seen.
func (d *Directory) Healthy() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	engine, ok := d.engines[d.cfg.ID]
	return ok && engine.Healthy
}

// Query returns the engines matching every filter, ordered by node id.
func (d *Directory) Query(filters ...func(EngineInfo) bool) []EngineInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()

	results := make([]EngineInfo, 0, len(d.engines))
outer:
	for _, engine := range d.engines {
		info := *engine
		info.Languages = append([]string(nil), engine.Languages...)
		for _, filter := range filters {
			if !filter(info) {
				continue outer
			}
		}
		results = append(results, info)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].NodeID < results[j].NodeID })
	return results
}

func (d *Directory) initMetrics() error {
	gauge, err := d.meter.Int64ObservableGauge("speech.engines.known", metric.WithDescription("Number of known recognition engines"))
	if err != nil {
		return err
	}
	healthyGauge, err := d.meter.Int64ObservableGauge("speech.engines.healthy", metric.WithDescription("Number of engines with a recent heartbeat"))
	if err != nil {
		return err
	}
	_, err = d.meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		known, healthy := d.snapshotCounts()
		obs.ObserveInt64(gauge, known)
		obs.ObserveInt64(healthyGauge, healthy)
		return nil
	}, gauge, healthyGauge)
	return err
}

func (d *Directory) snapshotCounts() (int64, int64) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var known, healthy int64
	for _, engine := range d.engines {
		known++
		if engine.Healthy {
			healthy++
		}
	}
	return known, healthy
}

// WithLanguage matches engines that support tag, compared as BCP 47 tags.
func WithLanguage(tag string) func(EngineInfo) bool {
	want, err := language.Parse(tag)
	return func(engine EngineInfo) bool {
		if err != nil {
			return false
		}
		for _, supported := range engine.Languages {
			if got, err := language.Parse(supported); err == nil && got == want {
				return true
			}
		}
		return false
	}
}

func WithHealthy() func(EngineInfo) bool {
	return func(engine EngineInfo) bool { return engine.Healthy }
}
