// Package events fans out run progress to subscribers of a project, such as
// websocket clients. Delivery is best effort: a subscriber that does not keep
// up loses events instead of blocking the run.
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type names a progress event.
type Type string

const (
	RunQueued     Type = "run.queued"
	RunStarted    Type = "run.started"
	AgentTurn     Type = "agent.turn"
	RunFinalizing Type = "run.finalizing"
	RunCompleted  Type = "run.completed"
	RunFailed     Type = "run.failed"
)

// Terminal reports whether no further events follow for the run.
func (t Type) Terminal() bool {
	return t == RunCompleted || t == RunFailed
}

// Event is one progress notification for a project.
type Event struct {
	Type          Type      `json:"type"`
	ProjectID     uuid.UUID `json:"projectId"`
	EventID       string    `json:"eventId,omitempty"`
	CorrelationID string    `json:"correlationId,omitempty"`
	Iteration     int       `json:"iteration,omitempty"`
	Tools         []string  `json:"tools,omitempty"`
	MessageID     string    `json:"messageId,omitempty"`
	Kind          string    `json:"kind,omitempty"`
	Error         string    `json:"error,omitempty"`
	Time          time.Time `json:"time"`
}

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 32

// Broker is an in-process publish/subscribe hub keyed by project.
type Broker struct {
	mu     sync.RWMutex
	subs   map[uuid.UUID]map[*Subscription]struct{}
	buffer int
	logger *slog.Logger
}

// NewBroker creates a broker. buffer <= 0 uses DefaultBuffer.
func NewBroker(buffer int, logger *slog.Logger) *Broker {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Broker{
		subs:   make(map[uuid.UUID]map[*Subscription]struct{}),
		buffer: buffer,
		logger: logger,
	}
}

// Subscription receives the events of one project until closed.
type Subscription struct {
	projectID uuid.UUID
	ch        chan Event
	broker    *Broker
	once      sync.Once
}

// Events returns the delivery channel. It is closed by Close.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Close unsubscribes and closes the channel. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		b := s.broker
		b.mu.Lock()
		if set, ok := b.subs[s.projectID]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(b.subs, s.projectID)
			}
		}
		close(s.ch)
		b.mu.Unlock()
	})
}

// Subscribe registers a subscriber for a project's events.
func (b *Broker) Subscribe(projectID uuid.UUID) *Subscription {
	sub := &Subscription{
		projectID: projectID,
		ch:        make(chan Event, b.buffer),
		broker:    b,
	}
	b.mu.Lock()
	set, ok := b.subs[projectID]
	if !ok {
		set = make(map[*Subscription]struct{})
		b.subs[projectID] = set
	}
	set[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Publish delivers ev to every subscriber of its project without blocking.
func (b *Broker) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs[ev.ProjectID] {
		select {
		case sub.ch <- ev:
		default:
			b.logger.Debug("dropping event for slow subscriber",
				slog.String("project_id", ev.ProjectID.String()),
				slog.String("type", string(ev.Type)),
			)
		}
	}
}

// Subscribers returns the number of subscribers of a project.
func (b *Broker) Subscribers(projectID uuid.UUID) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[projectID])
}
