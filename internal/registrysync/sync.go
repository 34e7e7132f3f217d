// Package registrysync reconciles internal/registry's in-memory task map
// into the persistent store (§4.E), so the dispatcher and scheduler only
// ever need to read tasks from the database.
package registrysync

import (
	"github.com/michiel/ratchet-sub009/internal/errs"
	"github.com/michiel/ratchet-sub009/internal/model"
	"github.com/michiel/ratchet-sub009/internal/registry"
	"github.com/michiel/ratchet-sub009/internal/store"
)

// Syncer reconciles a registry.Registry's current task set into a
// store.Store, one task per transaction (§4.E: "Sync is transactional per
// task; partial failures do not leave the DB in an inconsistent state for
// other tasks.").
type Syncer struct {
	registry *registry.Registry
	store    *store.Store
}

func New(reg *registry.Registry, st *store.Store) *Syncer {
	return &Syncer{registry: reg, store: st}
}

// Sync performs steps 1-4 of §4.E against every task currently held by
// the registry: insert-if-absent, update-if-diverged, and soft-delete any
// registry-sourced row that no longer appears in the registry's list.
func (s *Syncer) Sync() error {
	defs := s.registry.List()

	seen := make(map[string]struct{}, len(defs))
	for _, def := range defs {
		seen[taskKey(def.Name, def.Version)] = struct{}{}
		if err := s.syncOne(def); err != nil {
			return errs.Wrapf(err, "sync task %s", def.Key())
		}
	}

	return s.softDeleteMissing(seen)
}

// syncOne inserts, updates, or no-ops a single task within one
// transaction (step 2/3/5 of §4.E).
func (s *Syncer) syncOne(def registry.TaskDefinition) error {
	tx, err := s.store.DB.Begin()
	if err != nil {
		return errs.Wrap(err, "begin sync transaction")
	}
	defer tx.Rollback()

	tasks := s.store.Tasks.WithTx(tx)

	existing, err := tasks.GetByNameVersion(def.Name, def.Version)
	if err != nil && !errs.Is(err, store.ErrNotFound) {
		return err
	}

	if existing == nil {
		task := &model.Task{
			Name:           def.Name,
			Version:        def.Version,
			InputSchema:    def.InputSchema,
			OutputSchema:   def.OutputSchema,
			SourceRef:      def.SourceRef,
			Enabled:        true,
			RegistrySource: true,
		}
		if err := tasks.Create(task); err != nil {
			return err
		}
		return tx.Commit()
	}

	if registryDiverges(existing, def) {
		// Registry wins on schemas and source reference (name and version
		// are the lookup key, and tasks carry no description column);
		// enabled is left untouched, since the database is authoritative
		// for that field (step 5 of §4.E).
		existing.SourceRef = def.SourceRef
		existing.InputSchema = def.InputSchema
		existing.OutputSchema = def.OutputSchema
		existing.RegistrySource = true
		if err := tasks.Update(existing); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// softDeleteMissing disables every registry-sourced task not present in
// seen (step 4 of §4.E). Never hard-deletes.
func (s *Syncer) softDeleteMissing(seen map[string]struct{}) error {
	all, err := s.store.Tasks.ListAll()
	if err != nil {
		return errs.Wrap(err, "list tasks for prune")
	}

	for _, t := range all {
		if !t.RegistrySource || !t.Enabled {
			continue
		}
		if _, ok := seen[taskKey(t.Name, t.Version)]; ok {
			continue
		}
		if err := s.store.Tasks.Disable(t.ID); err != nil {
			return errs.Wrapf(err, "disable orphaned task %s@%s", t.Name, t.Version)
		}
	}
	return nil
}

func registryDiverges(existing *model.Task, def registry.TaskDefinition) bool {
	return existing.SourceRef != def.SourceRef ||
		string(existing.InputSchema) != string(def.InputSchema) ||
		string(existing.OutputSchema) != string(def.OutputSchema) ||
		!existing.RegistrySource
}

func taskKey(name, version string) string {
	return name + "@" + version
}
