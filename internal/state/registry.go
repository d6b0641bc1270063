package state

import (
	"sync"

	"tradedeck/core/internal/model"
)

// Registry is the sole store of bot configuration records. It performs no
// I/O and cannot fail; all failure handling stays with the coordinator,
// which is the registry's only writer. Removing a bot cascades removal of
// its run-state entry from the tracker.
type Registry struct {
	mu      sync.RWMutex
	bots    map[string]model.Bot
	order   []string
	tracker *StatusTracker
	events  *Notifier
}

// NewRegistry creates an empty registry that cascades removals into tracker
// and publishes changes on events.
func NewRegistry(tracker *StatusTracker, events *Notifier) *Registry {
	return &Registry{
		bots:    make(map[string]model.Bot),
		order:   make([]string, 0, 16),
		tracker: tracker,
		events:  events,
	}
}

// List returns all known bots in last-fetch server order. The slice is a
// copy; callers may not mutate registry state through it.
func (r *Registry) List() []model.Bot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]model.Bot, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.bots[id])
	}
	return out
}

// Get returns the bot for id. Missing keys are not an error.
func (r *Registry) Get(id string) (model.Bot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	bot, ok := r.bots[id]
	return bot, ok
}

// Contains reports whether id is a known bot.
func (r *Registry) Contains(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.bots[id]
	return ok
}

// Len returns the number of known bots.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bots)
}

// Upsert inserts or fully replaces a bot. New bots append to the current
// order; replaced bots keep their position so list views stay stable.
func (r *Registry) Upsert(bot model.Bot) {
	r.mu.Lock()
	if _, exists := r.bots[bot.ID]; !exists {
		r.order = append(r.order, bot.ID)
	}
	r.bots[bot.ID] = bot
	r.mu.Unlock()

	b := bot
	r.events.Publish(Event{Kind: EventBotUpsert, BotID: bot.ID, Bot: &b})
}

// Remove deletes the record and its run-state entry. Returns the removed
// bot so callers can report its last-known name.
func (r *Registry) Remove(id string) (model.Bot, bool) {
	r.mu.Lock()
	bot, ok := r.bots[id]
	if !ok {
		r.mu.Unlock()
		return model.Bot{}, false
	}
	delete(r.bots, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	r.tracker.Drop(id)
	r.events.Publish(Event{Kind: EventBotRemoved, BotID: id})
	return bot, true
}

// ReplaceAll swaps the registry contents wholesale with the server's list,
// preserving its order. Run-state entries for bots no longer present are
// pruned. Returns the ids that were dropped.
func (r *Registry) ReplaceAll(bots []model.Bot) []string {
	r.mu.Lock()
	next := make(map[string]model.Bot, len(bots))
	order := make([]string, 0, len(bots))
	for _, bot := range bots {
		if _, dup := next[bot.ID]; dup {
			continue
		}
		next[bot.ID] = bot
		order = append(order, bot.ID)
	}

	var dropped []string
	for id := range r.bots {
		if _, keep := next[id]; !keep {
			dropped = append(dropped, id)
		}
	}
	r.bots = next
	r.order = order
	r.mu.Unlock()

	for _, id := range dropped {
		r.tracker.Drop(id)
		r.events.Publish(Event{Kind: EventBotRemoved, BotID: id})
	}
	for _, bot := range bots {
		b := bot
		r.events.Publish(Event{Kind: EventBotUpsert, BotID: bot.ID, Bot: &b})
	}
	return dropped
}
