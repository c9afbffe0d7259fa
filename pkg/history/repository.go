// Package history persists conversations as one catalogue document in a store.Store.
//
// All operations are read-modify-write over the whole catalogue. A missing or
// corrupt catalogue reads as empty. When the store itself fails, reads degrade
// to empty while writes are refused, so a transient outage never overwrites
// stored conversations.
package history

import (
	"context"
	"sync"

	"github.com/go-go-golems/murmur/pkg/conversation"
	"github.com/go-go-golems/murmur/pkg/metrics"
	"github.com/go-go-golems/murmur/pkg/store"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// DefaultKey is the store key holding the catalogue.
const DefaultKey = "murmur.conversations"

var ErrNotFound = errors.New("conversation not found")

type ChangeType string

const (
	ChangeSaved   ChangeType = "saved"
	ChangeDeleted ChangeType = "deleted"
	ChangeRenamed ChangeType = "renamed"
	ChangeCleared ChangeType = "cleared"
)

type Change struct {
	Type           ChangeType
	ConversationID string
}

// Listener is invoked after each successful write. Listeners run synchronously
// on the writing goroutine and must not call back into the Repository.
type Listener func(Change)

type Repository struct {
	store store.Store
	key   string

	// serializes read-modify-write cycles
	mu sync.Mutex

	listenersMu sync.RWMutex
	listeners   map[int]Listener
	nextID      int
}

type Option func(*Repository)

func WithKey(key string) Option {
	return func(r *Repository) {
		if key != "" {
			r.key = key
		}
	}
}

func NewRepository(s store.Store, options ...Option) *Repository {
	ret := &Repository{
		store:     s,
		key:       DefaultKey,
		listeners: map[int]Listener{},
	}
	for _, o := range options {
		o(ret)
	}
	return ret
}

// Subscribe registers l and returns a function that removes it again.
func (r *Repository) Subscribe(l Listener) func() {
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()
	id := r.nextID
	r.nextID++
	r.listeners[id] = l
	return func() {
		r.listenersMu.Lock()
		defer r.listenersMu.Unlock()
		delete(r.listeners, id)
	}
}

func (r *Repository) notify(change Change) {
	r.listenersMu.RLock()
	ls := make([]Listener, 0, len(r.listeners))
	for _, l := range r.listeners {
		ls = append(ls, l)
	}
	r.listenersMu.RUnlock()

	for _, l := range ls {
		l(change)
	}
}

// LoadAll returns every stored conversation, newest first.
func (r *Repository) LoadAll(ctx context.Context) conversation.Catalogue {
	r.mu.Lock()
	defer r.mu.Unlock()
	cat, err := r.readLocked(ctx)
	if err != nil {
		log.Warn().Err(err).Str("key", r.key).Msg("Store unavailable, treating catalogue as empty")
		return conversation.Catalogue{}
	}
	return cat.SortedByRecency()
}

// LoadMostRecent returns the conversation with the latest CreatedAt.
func (r *Repository) LoadMostRecent(ctx context.Context) (conversation.Conversation, bool) {
	cat := r.LoadAll(ctx)
	if len(cat) == 0 {
		return conversation.Conversation{}, false
	}
	return cat[0], true
}

func (r *Repository) Get(ctx context.Context, id string) (conversation.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cat, err := r.readLocked(ctx)
	if err != nil {
		log.Warn().Err(err).Str("key", r.key).Msg("Store unavailable, treating catalogue as empty")
	}
	c, ok := cat.Find(id)
	if !ok {
		return conversation.Conversation{}, errors.Wrapf(ErrNotFound, "id %s", id)
	}
	return c, nil
}

// Save inserts c or replaces the stored conversation with the same id.
func (r *Repository) Save(ctx context.Context, c conversation.Conversation) error {
	if err := c.Validate(); err != nil {
		return errors.Wrap(err, "refusing to save invalid conversation")
	}
	r.mu.Lock()
	cat, err := r.readLocked(ctx)
	if err == nil {
		err = r.writeLocked(ctx, "save", cat.Upsert(c.Clone()))
	}
	r.mu.Unlock()
	if err != nil {
		return err
	}
	r.notify(Change{Type: ChangeSaved, ConversationID: c.ID})
	return nil
}

// Delete removes the conversation id. Deleting an unknown id is a no-op.
func (r *Repository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	cat, err := r.readLocked(ctx)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	cat, found := cat.Without(id)
	if !found {
		r.mu.Unlock()
		return nil
	}
	err = r.writeLocked(ctx, "delete", cat)
	r.mu.Unlock()
	if err != nil {
		return err
	}
	r.notify(Change{Type: ChangeDeleted, ConversationID: id})
	return nil
}

func (r *Repository) Rename(ctx context.Context, id string, title string) error {
	r.mu.Lock()
	cat, err := r.readLocked(ctx)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	c, ok := cat.Find(id)
	if !ok {
		r.mu.Unlock()
		return errors.Wrapf(ErrNotFound, "id %s", id)
	}
	err = r.writeLocked(ctx, "rename", cat.Upsert(c.Renamed(title)))
	r.mu.Unlock()
	if err != nil {
		return err
	}
	r.notify(Change{Type: ChangeRenamed, ConversationID: id})
	return nil
}

// Clear removes the whole catalogue from the store. The change carries no
// conversation id.
func (r *Repository) Clear(ctx context.Context) error {
	r.mu.Lock()
	err := r.store.Remove(ctx, r.key)
	metrics.StoreWrites.WithLabelValues("clear", metrics.ResultLabel(err)).Inc()
	r.mu.Unlock()
	if err != nil {
		return errors.Wrap(err, "failed to clear catalogue")
	}
	log.Debug().Str("key", r.key).Msg("Cleared catalogue")
	r.notify(Change{Type: ChangeCleared})
	return nil
}

// readLocked returns an error only when the store could not be read. Absent
// and corrupt catalogues are empty.
func (r *Repository) readLocked(ctx context.Context) (conversation.Catalogue, error) {
	data, ok, err := r.store.Get(ctx, r.key)
	if err != nil {
		return conversation.Catalogue{}, errors.Wrap(err, "failed to read catalogue")
	}
	if !ok {
		return conversation.Catalogue{}, nil
	}
	cat, version, err := decodeCatalogue(data)
	if err != nil {
		log.Warn().Err(err).Str("key", r.key).Msg("Stored catalogue is corrupt, treating it as empty")
		return conversation.Catalogue{}, nil
	}
	log.Trace().Int("version", version).Int("conversations", len(cat)).Msg("Loaded catalogue")
	return cat, nil
}

func (r *Repository) writeLocked(ctx context.Context, op string, cat conversation.Catalogue) error {
	data, err := encodeCatalogue(cat)
	if err == nil {
		err = r.store.Set(ctx, r.key, data)
	}
	metrics.StoreWrites.WithLabelValues(op, metrics.ResultLabel(err)).Inc()
	if err != nil {
		return errors.Wrapf(err, "failed to %s catalogue", op)
	}
	log.Debug().Str("op", op).Int("conversations", len(cat)).Msg("Wrote catalogue")
	return nil
}
