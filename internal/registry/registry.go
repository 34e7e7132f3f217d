package registry

import (
	"context"
	"sync"
	"time"

	"github.com/michiel/ratchet-sub009/internal/log"
)

// EventBufferSize bounds the registry's change-notification channel so a
// slow consumer (registrysync) cannot block discovery.
const EventBufferSize = 256

// Registry holds the in-memory (name, version) -> TaskDefinition map that
// backs task discovery, plus an LRU of loaded JS source bodies. It is the
// single point both loaders and registrysync interact with.
type Registry struct {
	mu     sync.RWMutex
	tasks  map[string]TaskDefinition
	source *sourceCache
	events chan Event
}

func New(sourceCacheCapacity int) *Registry {
	return &Registry{
		tasks:  make(map[string]TaskDefinition),
		source: newSourceCache(sourceCacheCapacity),
		events: make(chan Event, EventBufferSize),
	}
}

// Events returns the channel RegistryEvents are published to. registrysync
// (or any other consumer) should range over this for the registry's
// lifetime.
func (r *Registry) Events() <-chan Event {
	return r.events
}

// Get looks up a previously loaded, validated task by its (name, version)
// key.
func (r *Registry) Get(key string) (TaskDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.tasks[key]
	return d, ok
}

// List returns a snapshot of every currently registered task.
func (r *Registry) List() []TaskDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]TaskDefinition, 0, len(r.tasks))
	for _, d := range r.tasks {
		out = append(out, d)
	}
	return out
}

// Reconcile loads every ref a Loader discovered, validates each, and
// diffs the result against the current in-memory map, emitting
// TaskAdded/TaskUpdated/TaskRemoved/LoadError events for each change.
// Bundles that fail to load or validate are skipped (and reported via
// EventLoadError) rather than aborting the whole sync, so one broken
// bundle never blocks the rest of the registry from refreshing.
func (r *Registry) Reconcile(ctx context.Context, loader Loader) error {
	refs, err := loader.Discover(ctx)
	if err != nil {
		return err
	}

	seen := make(map[string]struct{}, len(refs))
	for _, ref := range refs {
		def, err := loader.Load(ctx, ref)
		if err != nil {
			r.emit(Event{Kind: EventLoadError, Err: err, OccurredAt: now()})
			continue
		}
		if err := validateDefinition(def); err != nil {
			r.emit(Event{Kind: EventLoadError, Task: def, Err: err, OccurredAt: now()})
			continue
		}
		seen[def.Key()] = struct{}{}
		r.upsert(def)
	}

	r.pruneMissing(seen)
	return nil
}

func (r *Registry) upsert(def TaskDefinition) {
	r.mu.Lock()
	existing, existed := r.tasks[def.Key()]
	if existed && existing.MainJS == def.MainJS &&
		string(existing.InputSchema) == string(def.InputSchema) &&
		string(existing.OutputSchema) == string(def.OutputSchema) {
		r.mu.Unlock()
		return
	}
	r.tasks[def.Key()] = def
	r.mu.Unlock()

	r.source.Put(def.Key(), def.MainJS)

	kind := EventTaskAdded
	if existed {
		kind = EventTaskUpdated
	}
	r.emit(Event{Kind: kind, Task: def, OccurredAt: now()})
}

func (r *Registry) pruneMissing(seen map[string]struct{}) {
	r.mu.Lock()
	var removed []TaskDefinition
	for key, def := range r.tasks {
		if _, ok := seen[key]; !ok {
			removed = append(removed, def)
			delete(r.tasks, key)
		}
	}
	r.mu.Unlock()

	for _, def := range removed {
		r.source.Remove(def.Key())
		r.emit(Event{Kind: EventTaskRemoved, Task: def, OccurredAt: now()})
	}
}

func (r *Registry) emit(ev Event) {
	select {
	case r.events <- ev:
	default:
		log.Warnw("registry event dropped, subscriber too slow", "kind", ev.Kind)
	}
}

// Watch runs Reconcile once immediately and then on the given interval
// until ctx is cancelled. The daemon polls every configured loader this
// way, filesystem roots included; a Watcher can additionally trigger
// Reconcile on filesystem changes between polls.
func (r *Registry) Watch(ctx context.Context, loader Loader, interval time.Duration) {
	if err := r.Reconcile(ctx, loader); err != nil {
		log.Warnw("initial registry reconcile failed", "error", err)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Reconcile(ctx, loader); err != nil {
				log.Warnw("registry reconcile failed", "error", err)
			}
		}
	}
}

func now() time.Time { return time.Now().UTC() }
