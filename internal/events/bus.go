package events

import (
	"sync"
	"time"

	"github.com/laviprog/speech-transcription/internal/models"
)

// Event is one sequenced job lifecycle notification.
type Event struct {
	Seq       int64           `json:"seq"`
	Timestamp time.Time       `json:"timestamp"`
	JobID     string          `json:"job_id"`
	State     models.JobState `json:"state"`
	Attempt   int             `json:"attempt,omitempty"`
	Message   string          `json:"message,omitempty"`
}

type subscriber struct {
	jobID string
	ch    chan Event
}

// Bus keeps a bounded history of recent events and fans them out to live
// subscribers. Slow subscribers drop events rather than block the
// scheduler.
type Bus struct {
	mu        sync.RWMutex
	nextSeq   int64
	maxEvents int
	events    []Event
	subs      []*subscriber
}

func NewBus(maxEvents int) *Bus {
	if maxEvents <= 0 {
		maxEvents = 500
	}
	return &Bus{
		maxEvents: maxEvents,
		events:    make([]Event, 0, maxEvents),
	}
}

// Publish assigns a sequence and timestamp, records the event, and notifies
// matching subscribers.
func (b *Bus) Publish(event Event) Event {
	b.mu.Lock()
	b.nextSeq++
	event.Seq = b.nextSeq
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.events = append(b.events, event)
	if len(b.events) > b.maxEvents {
		trim := len(b.events) - b.maxEvents
		b.events = append([]Event(nil), b.events[trim:]...)
	}

	subs := make([]*subscriber, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	for _, s := range subs {
		if s.jobID != "" && s.jobID != event.JobID {
			continue
		}
		select {
		case s.ch <- event:
		default:
		}
	}
	return event
}

// Since returns recorded events for a job with sequence strictly greater
// than seq. An empty jobID matches all jobs.
func (b *Bus) Since(jobID string, seq int64) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []Event
	for _, event := range b.events {
		if event.Seq <= seq {
			continue
		}
		if jobID != "" && event.JobID != jobID {
			continue
		}
		out = append(out, event)
	}
	return out
}

// Subscribe returns a live event channel for one job (or all jobs when
// jobID is empty) and a cancel func that must be called when done.
func (b *Bus) Subscribe(jobID string) (<-chan Event, func()) {
	s := &subscriber{jobID: jobID, ch: make(chan Event, 64)}

	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		for i, q := range b.subs {
			if q == s {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				break
			}
		}
		b.mu.Unlock()
	}
	return s.ch, cancel
}
