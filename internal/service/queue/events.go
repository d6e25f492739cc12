package queue

import (
	"log/slog"
	"sync"
	"time"

	"github.com/emanuelef/yt-batch-go/internal/domain"
)

// EventType identifies a queue notification.
type EventType string

const (
	EventJobProgress   EventType = "job_progress"
	EventJobState      EventType = "job_state"
	EventBatchProgress EventType = "batch_progress"
	EventLog           EventType = "log"
)

// Event is delivered to observers. Job is a copy and safe to keep.
type Event struct {
	Type      EventType   `json:"type"`
	Time      time.Time   `json:"time"`
	Job       *domain.Job `json:"job,omitempty"`
	Completed int         `json:"completed,omitempty"`
	Total     int         `json:"total,omitempty"`
	Level     string      `json:"level,omitempty"`
	Message   string      `json:"message,omitempty"`
}

// Observer receives queue events. Observers are called from worker
// goroutines and must be safe for concurrent use. Job events are delivered
// while the queue holds its ordering lock, so an observer must not call the
// Queue's mutating methods synchronously.
type Observer func(Event)

type observers struct {
	mu   sync.RWMutex
	subs map[int]Observer
	next int
}

func (o *observers) add(obs Observer) func() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.subs == nil {
		o.subs = make(map[int]Observer)
	}
	id := o.next
	o.next++
	o.subs[id] = obs

	var once sync.Once
	return func() {
		once.Do(func() {
			o.mu.Lock()
			delete(o.subs, id)
			o.mu.Unlock()
		})
	}
}

func (o *observers) emit(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}

	o.mu.RLock()
	subs := make([]Observer, 0, len(o.subs))
	for _, s := range o.subs {
		subs = append(subs, s)
	}
	o.mu.RUnlock()

	for _, s := range subs {
		deliver(s, e)
	}
}

func deliver(obs Observer, e Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Observer panicked", "event", e.Type, "panic", r)
		}
	}()
	obs(e)
}

func jobEvent(t EventType, j domain.Job) Event {
	return Event{Type: t, Job: &j}
}
