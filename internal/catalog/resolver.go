// Package catalog resolves progress events: exact lookup first, then a
// wildcard-game template clone, then dynamic creation, always producing a
// usable event id.
package catalog

import (
	"context"

	"github.com/google/uuid"

	"otakon/internal/logging"
	"otakon/internal/types"
)

// EventStore is the catalog's view of the backing store. Templates match on
// (eventType, levelUnlocked) only; they apply to any game and any edition.
type EventStore interface {
	FindEvent(ctx context.Context, gameID, editionTag, eventType string, levelUnlocked int) (*types.ProgressEvent, error)
	FindTemplate(ctx context.Context, eventType string, levelUnlocked int) (*types.ProgressEvent, error)
	InsertEvent(ctx context.Context, ev *types.ProgressEvent) error
}

// EventCreator is the remote "create dynamic game event" procedure. It is
// expected (though not proven) to be idempotent under concurrent identical
// calls.
type EventCreator interface {
	CreateDynamicGameEvent(ctx context.Context, ev *types.ProgressEvent) (string, error)
}

// StoreCreator implements EventCreator directly against the local store,
// minting ids locally. Used when no remote procedure is configured.
type StoreCreator struct {
	Store EventStore
}

func (c *StoreCreator) CreateDynamicGameEvent(ctx context.Context, ev *types.ProgressEvent) (string, error) {
	if ev.EventID == "" {
		ev.EventID = "evt_" + uuid.NewString()
	}
	if err := c.Store.InsertEvent(ctx, ev); err != nil {
		return "", err
	}
	return ev.EventID, nil
}

const defaultDifficulty = "medium"

// Resolver finds or synthesizes catalog events.
type Resolver struct {
	store   EventStore
	creator EventCreator
}

// New constructs a Resolver. A nil creator falls back to local creation
// through the store.
func New(store EventStore, creator EventCreator) *Resolver {
	if creator == nil {
		creator = &StoreCreator{Store: store}
	}
	return &Resolver{store: store, creator: creator}
}

// Resolve returns the event id for (gameID, editionTag, eventType,
// levelUnlocked), creating one if absent. It always returns a non-empty id:
// when every resolution path fails it returns the "unknown_event" sentinel,
// which callers treat as a valid (if degenerate) id. Note the sentinel
// defeats duplicate detection downstream, since every unresolvable event
// shares it.
func (r *Resolver) Resolve(ctx context.Context, gameID, editionTag, eventType, description string, levelUnlocked int) string {
	timer := logging.StartTimer(logging.CategoryEvents, "Resolver.Resolve")
	defer timer.Stop()

	events := logging.Get(logging.CategoryEvents)

	// 1. Exact existing event
	ev, err := r.store.FindEvent(ctx, gameID, editionTag, eventType, levelUnlocked)
	if err != nil {
		events.Error("event lookup failed: %v", err)
	} else if ev != nil {
		logging.EventsDebug("resolved existing event %s for %s/%s %s@%d", ev.EventID, gameID, editionTag, eventType, levelUnlocked)
		return ev.EventID
	}

	// 2. Wildcard-game template, cloned into a game-specific event
	tmpl, err := r.store.FindTemplate(ctx, eventType, levelUnlocked)
	if err != nil {
		events.Error("template lookup failed: %v", err)
	} else if tmpl != nil {
		clone := *tmpl
		clone.EventID = ""
		clone.GameID = gameID
		clone.EditionTag = editionTag
		id, err := r.creator.CreateDynamicGameEvent(ctx, &clone)
		if err != nil {
			// Fall back to the template's own id so the caller still gets a
			// stable identifier.
			events.Warn("template clone failed, using template id %s: %v", tmpl.EventID, err)
			return tmpl.EventID
		}
		logging.Events("cloned template %s into %s for game %s", tmpl.EventID, id, gameID)
		return id
	}

	// 3. Dynamic creation from the supplied description
	created := &types.ProgressEvent{
		GameID:        gameID,
		EditionTag:    editionTag,
		EventType:     eventType,
		Description:   description,
		LevelUnlocked: levelUnlocked,
		Difficulty:    defaultDifficulty,
	}
	id, err := r.creator.CreateDynamicGameEvent(ctx, created)
	if err != nil {
		events.Warn("dynamic event creation failed, returning sentinel: %v", err)
		return types.UnknownEventID
	}
	logging.Events("created dynamic event %s for %s/%s %s@%d", id, gameID, editionTag, eventType, levelUnlocked)
	return id
}
