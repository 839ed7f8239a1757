package eventstore

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-speech/internal/protocol"
	"github.com/loqalabs/loqa-speech/pkg/speech"
)

// Session outcomes stored when a session closes.
const (
	OutcomeResults = "results"
	OutcomeError   = "error"
	OutcomeEnded   = "ended"
)

// Recorder listens on a bridge and writes every session it observes into
// the store. Events seen outside a START..END window are not recorded.
type Recorder struct {
	store    *Store
	log      *slog.Logger
	language func() string
	timeout  time.Duration

	mu      sync.Mutex
	session string
	outcome string
	subs    []*speech.Subscription
}

// NewRecorder returns a recorder that stamps each session with the tag
// returned by language when the session starts. language may be nil.
func NewRecorder(store *Store, language func() string, log *slog.Logger) *Recorder {
	return &Recorder{
		store:    store,
		log:      log.With(slog.String("component", "recorder")),
		language: language,
		timeout:  2 * time.Second,
	}
}

// Attach registers the recorder for every event kind on b.
func (r *Recorder) Attach(b *speech.Bridge) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, kind := range speech.Kinds() {
		r.subs = append(r.subs, b.AddEventListener(kind, r.handle))
	}
}

// Detach removes the recorder's listeners. An open session is closed with
// the outcome seen so far.
func (r *Recorder) Detach() {
	r.mu.Lock()
	subs := r.subs
	r.subs = nil
	session, outcome := r.session, r.outcome
	r.session = ""
	r.mu.Unlock()

	for _, sub := range subs {
		sub.Remove()
	}
	if session != "" {
		r.closeSession(session, outcome)
	}
}

// Session returns the id of the open session, or "" between sessions.
func (r *Recorder) Session() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.session
}

func (r *Recorder) handle(evt speech.Event) {
	r.mu.Lock()
	switch evt.(type) {
	case speech.Start:
		if r.session != "" {
			prev, outcome := r.session, r.outcome
			r.mu.Unlock()
			r.closeSession(prev, outcome)
			r.mu.Lock()
		}
		r.session = uuid.NewString()
		r.outcome = OutcomeEnded
		session := r.session
		r.mu.Unlock()
		var language string
		if r.language != nil {
			language = r.language()
		}
		r.openSession(session, language)
		r.append(session, evt)
		return
	case speech.Results:
		if r.outcome != OutcomeError {
			r.outcome = OutcomeResults
		}
	case speech.Error:
		r.outcome = OutcomeError
	}
	session, outcome := r.session, r.outcome
	if _, ok := evt.(speech.End); ok {
		r.session = ""
	}
	r.mu.Unlock()

	if session == "" {
		return
	}
	r.append(session, evt)
	if _, ok := evt.(speech.End); ok {
		r.closeSession(session, outcome)
	}
}

func (r *Recorder) openSession(session, language string) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := r.store.OpenSession(ctx, session, language); err != nil {
		r.log.Warn("failed to record session", slog.String("session_id", session), slog.String("error", err.Error()))
	}
}

func (r *Recorder) closeSession(session, outcome string) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := r.store.CloseSession(ctx, session, outcome); err != nil {
		r.log.Warn("failed to close session", slog.String("session_id", session), slog.String("error", err.Error()))
	}
}

func (r *Recorder) append(session string, evt speech.Event) {
	now := r.store.clock()
	payload, err := json.Marshal(protocol.EncodeEvent(session, evt, now))
	if err != nil {
		r.log.Warn("failed to encode event", slog.String("kind", string(evt.Kind())), slog.String("error", err.Error()))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	err = r.store.AppendEvent(ctx, Event{
		SessionID: session,
		Kind:      string(evt.Kind()),
		Payload:   payload,
		CreatedAt: now,
	})
	if err != nil {
		r.log.Warn("failed to record event", slog.String("session_id", session), slog.String("error", err.Error()))
	}
}
