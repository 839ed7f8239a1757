package engine

import (
	"sync"

	"github.com/loqalabs/loqa-speech/pkg/speech"
)

// SessionSink receives engine events together with the id of the session
// that produced them.
type SessionSink func(sessionID string, evt speech.Event)

type queued struct {
	sessionID string
	evt       speech.Event
}

type sinkEntry struct {
	id   uint64
	sink SessionSink
}

// dispatcher delivers events on its own goroutine in the order they were
// queued. Sinks may call back into the engine.
type dispatcher struct {
	mu      sync.Mutex
	queue   []queued
	sinks   []sinkEntry
	next    uint64
	closed  bool
	wake    chan struct{}
	done    chan struct{}
	stopped chan struct{}
}

func newDispatcher() *dispatcher {
	d := &dispatcher{
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *dispatcher) attach(sink SessionSink) func() {
	d.mu.Lock()
	d.next++
	id := d.next
	d.sinks = append(d.sinks, sinkEntry{id: id, sink: sink})
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			defer d.mu.Unlock()
			next := make([]sinkEntry, 0, len(d.sinks))
			for _, entry := range d.sinks {
				if entry.id != id {
					next = append(next, entry)
				}
			}
			d.sinks = next
		})
	}
}

func (d *dispatcher) push(items ...queued) {
	if len(items) == 0 {
		return
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.queue = append(d.queue, items...)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *dispatcher) run() {
	defer close(d.stopped)
	for {
		d.mu.Lock()
		batch := d.queue
		d.queue = nil
		closed := d.closed
		d.mu.Unlock()

		if len(batch) == 0 {
			if closed {
				return
			}
			select {
			case <-d.wake:
			case <-d.done:
			}
			continue
		}

		for _, item := range batch {
			d.mu.Lock()
			sinks := d.sinks
			d.mu.Unlock()
			for _, entry := range sinks {
				entry.sink(item.sessionID, item.evt)
			}
		}
	}
}

// close delivers what is already queued and stops the goroutine.
func (d *dispatcher) close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		<-d.stopped
		return
	}
	d.closed = true
	d.mu.Unlock()
	close(d.done)
	<-d.stopped
}
