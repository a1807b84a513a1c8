package catalog

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"otakon/internal/types"
)

// fakeEventStore is an in-memory EventStore for resolver tests.
type fakeEventStore struct {
	events    map[string]*types.ProgressEvent // by event id
	findErr   error
	insertErr error
}

func newFakeEventStore() *fakeEventStore {
	return &fakeEventStore{events: make(map[string]*types.ProgressEvent)}
}

func (f *fakeEventStore) FindEvent(_ context.Context, gameID, editionTag, eventType string, levelUnlocked int) (*types.ProgressEvent, error) {
	if f.findErr != nil {
		return nil, f.findErr
	}
	for _, ev := range f.events {
		if ev.GameID == gameID && ev.EditionTag == editionTag && ev.EventType == eventType && ev.LevelUnlocked == levelUnlocked {
			return ev, nil
		}
	}
	return nil, nil
}

func (f *fakeEventStore) FindTemplate(_ context.Context, eventType string, levelUnlocked int) (*types.ProgressEvent, error) {
	if f.findErr != nil {
		return nil, f.findErr
	}
	for _, ev := range f.events {
		if ev.GameID == types.WildcardGameID && ev.EventType == eventType && ev.LevelUnlocked == levelUnlocked {
			return ev, nil
		}
	}
	return nil, nil
}

func (f *fakeEventStore) InsertEvent(_ context.Context, ev *types.ProgressEvent) error {
	if f.insertErr != nil {
		return f.insertErr
	}
	f.events[ev.EventID] = ev
	return nil
}

func TestResolveExactMatch(t *testing.T) {
	fs := newFakeEventStore()
	fs.events["ev-1"] = &types.ProgressEvent{
		EventID: "ev-1", GameID: "g", EditionTag: "base", EventType: "boss_defeat", LevelUnlocked: 4,
	}
	r := New(fs, nil)

	id := r.Resolve(context.Background(), "g", "base", "boss_defeat", "", 4)
	assert.Equal(t, "ev-1", id)
	assert.Len(t, fs.events, 1, "no new event created")
}

func TestResolveClonesWildcardTemplate(t *testing.T) {
	fs := newFakeEventStore()
	fs.events["tmpl-1"] = &types.ProgressEvent{
		EventID: "tmpl-1", GameID: types.WildcardGameID, EditionTag: "base",
		EventType: "first_boss", Description: "Defeat the first boss", LevelUnlocked: 3, Difficulty: "hard",
	}
	r := New(fs, nil)

	id := r.Resolve(context.Background(), "hollow-knight", "base", "first_boss", "", 3)
	require.NotEqual(t, "tmpl-1", id)
	require.NotEqual(t, types.UnknownEventID, id)

	created := fs.events[id]
	require.NotNil(t, created)
	assert.Equal(t, "hollow-knight", created.GameID)
	assert.Equal(t, "Defeat the first boss", created.Description, "template fields carried over")
	assert.Equal(t, "hard", created.Difficulty)
}

func TestResolveTemplateMatchesAnyEdition(t *testing.T) {
	fs := newFakeEventStore()
	fs.events["tmpl-1"] = &types.ProgressEvent{
		EventID: "tmpl-1", GameID: types.WildcardGameID, EditionTag: "base",
		EventType: "first_boss", Description: "Defeat the first boss", LevelUnlocked: 3, Difficulty: "hard",
	}
	r := New(fs, nil)

	// A template seeded under one edition still serves every other edition.
	id := r.Resolve(context.Background(), "g", "dlc", "first_boss", "fallback description", 3)
	require.NotEqual(t, types.UnknownEventID, id)

	created := fs.events[id]
	require.NotNil(t, created)
	assert.Equal(t, "g", created.GameID)
	assert.Equal(t, "dlc", created.EditionTag, "clone belongs to the requested edition")
	assert.Equal(t, "Defeat the first boss", created.Description, "template fields win over the fallback description")
	assert.Equal(t, "hard", created.Difficulty)
}

func TestResolveTemplateCloneFailureFallsBackToTemplateID(t *testing.T) {
	fs := newFakeEventStore()
	fs.events["tmpl-1"] = &types.ProgressEvent{
		EventID: "tmpl-1", GameID: types.WildcardGameID, EditionTag: "base",
		EventType: "first_boss", LevelUnlocked: 3,
	}
	fs.insertErr = errors.New("insert refused")
	r := New(fs, nil)

	id := r.Resolve(context.Background(), "g", "base", "first_boss", "", 3)
	assert.Equal(t, "tmpl-1", id)
}

func TestResolveCreatesDynamicEvent(t *testing.T) {
	fs := newFakeEventStore()
	r := New(fs, nil)

	id := r.Resolve(context.Background(), "g", "base", "area_discovery", "Found the hidden grove", 5)
	require.NotEqual(t, types.UnknownEventID, id)

	created := fs.events[id]
	require.NotNil(t, created)
	assert.Equal(t, "Found the hidden grove", created.Description)
	assert.Equal(t, "medium", created.Difficulty)
	assert.Equal(t, 5, created.LevelUnlocked)
}

func TestResolveAlwaysReturnsNonEmptyID(t *testing.T) {
	fs := newFakeEventStore()
	fs.insertErr = errors.New("store down")
	r := New(fs, nil)

	id := r.Resolve(context.Background(), "g", "base", "boss_defeat", "d", 2)
	assert.Equal(t, types.UnknownEventID, id)

	fs2 := newFakeEventStore()
	fs2.findErr = errors.New("store down")
	fs2.insertErr = errors.New("store down")
	r2 := New(fs2, nil)
	id = r2.Resolve(context.Background(), "g", "base", "boss_defeat", "d", 2)
	assert.NotEmpty(t, id)
}
