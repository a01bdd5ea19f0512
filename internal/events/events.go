// Package events fans engine notifications out to in-process subscribers.
// Handlers run asynchronously after the producing unit has committed.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"loyalty-engine/internal/models"
)

// EventType represents the type of event.
type EventType string

const (
	// EventRewardIssued is emitted once per persisted reward issuance request.
	EventRewardIssued EventType = "reward.issued"
	// EventMilestoneReached is emitted when a challenge crosses a progress boundary.
	EventMilestoneReached EventType = "challenge.milestone"
)

// Event represents an event in the system.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      any
}

// MilestoneData describes a crossed challenge boundary.
type MilestoneData struct {
	CustomerID          string
	CustomerChallengeID string
	ChallengeID         string
	Milestone           string
}

// Handler is a function that handles events.
type Handler func(ctx context.Context, event Event) error

// Manager manages event handlers and event publishing.
type Manager struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
	enabled  bool
	logger   *slog.Logger
	wg       sync.WaitGroup
}

// NewManager creates a new event manager.
func NewManager(enabled bool, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		handlers: make(map[EventType][]Handler),
		enabled:  enabled,
		logger:   logger,
	}
}

// Subscribe subscribes a handler to a specific event type.
func (m *Manager) Subscribe(eventType EventType, handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.enabled {
		return
	}
	m.handlers[eventType] = append(m.handlers[eventType], handler)
}

// Publish publishes an event to all subscribed handlers. Handlers outlive the
// publishing request, so they get a context that is never cancelled.
func (m *Manager) Publish(ctx context.Context, eventType EventType, data any) {
	m.mu.RLock()
	if !m.enabled {
		m.mu.RUnlock()
		return
	}
	handlers := m.handlers[eventType]
	if len(handlers) > 0 {
		m.wg.Add(len(handlers))
	}
	m.mu.RUnlock()

	if len(handlers) == 0 {
		return
	}

	event := Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
	detached := context.WithoutCancel(ctx)

	for _, handler := range handlers {
		go func(h Handler) {
			defer m.wg.Done()
			if err := h(detached, event); err != nil {
				m.logger.Error("event handler failed", "event", string(eventType), "error", err)
			}
		}(handler)
	}
}

// PublishReward publishes a reward issuance request.
func (m *Manager) PublishReward(ctx context.Context, reward models.RewardIssuance) {
	m.Publish(ctx, EventRewardIssued, reward)
}

// PublishMilestone publishes a crossed challenge milestone.
func (m *Manager) PublishMilestone(ctx context.Context, cc models.CustomerChallenge, milestone string) {
	m.Publish(ctx, EventMilestoneReached, MilestoneData{
		CustomerID:          cc.CustomerID,
		CustomerChallengeID: cc.ID,
		ChallengeID:         cc.ChallengeID,
		Milestone:           milestone,
	})
}

// Wait blocks until every handler started so far has returned.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Shutdown stops accepting events and waits for running handlers.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.enabled = false
	m.handlers = make(map[EventType][]Handler)
	m.mu.Unlock()

	m.wg.Wait()
}
