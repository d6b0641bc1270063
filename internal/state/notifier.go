// Package state holds the client-side bot lifecycle stores: the registry of
// bot configurations, the run-state tracker, and the change notifier that
// fans mutations out to subscribed view surfaces.
package state

import (
	"sync"

	"tradedeck/core/internal/model"
)

// EventKind identifies the mutation a store event describes.
type EventKind string

const (
	EventBotUpsert    EventKind = "bot_upsert"
	EventBotRemoved   EventKind = "bot_removed"
	EventStatusUpdate EventKind = "status_update"
)

// Event is one store mutation. Bot is set for upserts, Status for run-state
// changes; both are copies so subscribers can hold them freely.
type Event struct {
	Kind   EventKind
	BotID  string
	Bot    *model.Bot
	Status *model.BotStatus
}

// Notifier fans store events out to subscribers. Delivery is synchronous at
// the mutation point: the mutating call does not return until every
// subscriber has seen the event, so a subscriber that reads back from the
// stores always observes the fully applied update.
type Notifier struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]func(Event)
}

// NewNotifier creates an empty notifier.
func NewNotifier() *Notifier {
	return &Notifier{subs: make(map[int]func(Event))}
}

// Subscribe registers fn for every subsequent event and returns the
// matching unsubscribe func. Unsubscribing is safe at any time, including
// from inside a delivery.
func (n *Notifier) Subscribe(fn func(Event)) (unsubscribe func()) {
	n.mu.Lock()
	id := n.nextID
	n.nextID++
	n.subs[id] = fn
	n.mu.Unlock()

	return func() {
		n.mu.Lock()
		delete(n.subs, id)
		n.mu.Unlock()
	}
}

// Publish delivers an event to all current subscribers.
func (n *Notifier) Publish(ev Event) {
	n.mu.RLock()
	fns := make([]func(Event), 0, len(n.subs))
	for _, fn := range n.subs {
		fns = append(fns, fn)
	}
	n.mu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
}
