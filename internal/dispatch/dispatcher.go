// Package dispatch publishes the engine's domain events to registered
// consumers. This is the only channel through which the engine talks to the
// rest of the application.
package dispatch

import (
	"sync"
	"time"

	"github.com/tutorvoice/engine/internal/metrics"
)

// Type tags a domain event.
type Type string

const (
	SessionReady          Type = "sessionReady"
	Transcription         Type = "transcription"
	TextResponse          Type = "textResponse"
	AudioResponse         Type = "audioResponse"
	TurnEnd               Type = "turnEnd"
	Error                 Type = "error"
	ConnectionStateChange Type = "connectionStateChange"
)

// Event is one dispatched domain event. Only the fields relevant to its Type
// are populated.
type Event struct {
	SessionID   string
	Type        Type
	Role        string
	Text        string
	AudioBase64 string
	Reason      string
	State       string
	Speculative bool
	Err         string
	Timestamp   time.Time
}

// Consumer receives events for one session.
type Consumer func(Event)

// Dispatcher delivers events fire-and-forget, keyed by session id so
// multiplexed sessions never cross-talk. Delivery is FIFO per session (and
// therefore per event type); a publisher is never blocked — if a session's
// delivery queue is full the event is dropped and counted.
type Dispatcher struct {
	mu   sync.Mutex
	subs map[string]*subscription
}

type subscription struct {
	ch        chan Event
	consumers []Consumer
	mu        sync.Mutex
	done      chan struct{}
}

// New creates a dispatcher.
func New() *Dispatcher {
	return &Dispatcher{subs: make(map[string]*subscription)}
}

// Subscribe registers a consumer for a session's events. The returned func
// unregisters it.
func (d *Dispatcher) Subscribe(sessionID string, fn Consumer) func() {
	d.mu.Lock()
	sub, ok := d.subs[sessionID]
	if !ok {
		sub = &subscription{
			ch:   make(chan Event, 256),
			done: make(chan struct{}),
		}
		d.subs[sessionID] = sub
		go sub.run()
	}
	d.mu.Unlock()

	sub.mu.Lock()
	sub.consumers = append(sub.consumers, fn)
	idx := len(sub.consumers) - 1
	sub.mu.Unlock()

	return func() {
		sub.mu.Lock()
		defer sub.mu.Unlock()
		if idx < len(sub.consumers) {
			sub.consumers[idx] = nil
		}
	}
}

// Publish delivers an event to the session's consumers. Never blocks.
func (d *Dispatcher) Publish(ev Event) {
	d.mu.Lock()
	sub, ok := d.subs[ev.SessionID]
	d.mu.Unlock()
	if !ok {
		return
	}
	select {
	case sub.ch <- ev:
	default:
		metrics.EventsDroppedByDispatch.Inc()
	}
}

// Rebind moves a session's consumers to a new session id. Used on
// continuation so the caller keeps receiving events for the logical
// conversation under its successor id.
func (d *Dispatcher) Rebind(oldID, newID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	sub, ok := d.subs[oldID]
	if !ok {
		return
	}
	delete(d.subs, oldID)
	d.subs[newID] = sub
}

// Remove tears down a session's delivery queue.
func (d *Dispatcher) Remove(sessionID string) {
	d.mu.Lock()
	sub, ok := d.subs[sessionID]
	if ok {
		delete(d.subs, sessionID)
	}
	d.mu.Unlock()
	if ok {
		close(sub.done)
	}
}

func (s *subscription) run() {
	for {
		select {
		case ev := <-s.ch:
			s.deliver(ev)
		case <-s.done:
			// Drain what was published before removal.
			for {
				select {
				case ev := <-s.ch:
					s.deliver(ev)
				default:
					return
				}
			}
		}
	}
}

func (s *subscription) deliver(ev Event) {
	s.mu.Lock()
	consumers := make([]Consumer, len(s.consumers))
	copy(consumers, s.consumers)
	s.mu.Unlock()
	for _, fn := range consumers {
		if fn != nil {
			fn(ev)
		}
	}
}
