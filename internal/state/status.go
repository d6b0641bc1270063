package state

import (
	"sync"
	"time"

	"tradedeck/core/internal/model"
)

// StatusTracker is the sole store of live run-state, keyed by bot id
// independently of the registry. Status refreshes on its own cadence, so a
// status poll never forces a re-fetch of full bot configuration.
type StatusTracker struct {
	mu       sync.RWMutex
	states   map[string]model.BotStatus
	events   *Notifier
	timeFunc func() time.Time
}

// NewStatusTracker creates an empty tracker publishing changes on events.
func NewStatusTracker(events *Notifier) *StatusTracker {
	return &StatusTracker{
		states:   make(map[string]model.BotStatus),
		events:   events,
		timeFunc: func() time.Time { return time.Now().UTC() },
	}
}

// WithNow allows injecting deterministic time for tests.
func (t *StatusTracker) WithNow(now func() time.Time) *StatusTracker {
	t.timeFunc = now
	return t
}

// Get returns the current status for id, or an unknown status if the bot's
// run-state has never been fetched.
func (t *StatusTracker) Get(id string) model.BotStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if status, ok := t.states[id]; ok {
		return status
	}
	return model.BotStatus{State: model.StateUnknown}
}

// IsActive reports whether id has a confirmed running state.
func (t *StatusTracker) IsActive(id string) bool {
	return t.Get(id).IsRunning()
}

// Set overwrites the run-state for id. LastTransitionAt only advances when
// the state actually changes, so repeated poll confirmations keep the
// original transition time.
func (t *StatusTracker) Set(id, runState string) {
	t.mu.Lock()
	prev, had := t.states[id]
	status := model.BotStatus{State: runState, LastTransitionAt: prev.LastTransitionAt}
	if !had || prev.State != runState {
		status.LastTransitionAt = t.timeFunc()
	}
	t.states[id] = status
	t.mu.Unlock()

	s := status
	t.events.Publish(Event{Kind: EventStatusUpdate, BotID: id, Status: &s})
}

// Drop removes the run-state entry for id, if any.
func (t *StatusTracker) Drop(id string) {
	t.mu.Lock()
	_, had := t.states[id]
	delete(t.states, id)
	t.mu.Unlock()

	if had {
		s := model.BotStatus{State: model.StateUnknown}
		t.events.Publish(Event{Kind: EventStatusUpdate, BotID: id, Status: &s})
	}
}

// States returns a snapshot of all tracked run-states.
func (t *StatusTracker) States() map[string]model.BotStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]model.BotStatus, len(t.states))
	for id, status := range t.states {
		out[id] = status
	}
	return out
}
