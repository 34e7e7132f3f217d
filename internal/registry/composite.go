package registry

import (
	"context"
	"sync"

	"github.com/michiel/ratchet-sub009/internal/errs"
)

// CompositeLoader merges several Loaders (e.g. multiple filesystem roots
// and HTTP indexes, per §4.D: "the registry may be configured with
// multiple sources") into the single Loader a Registry reconciles
// against. Discover fans out to every source; Load is routed back to
// whichever source produced that TaskRef.
type CompositeLoader struct {
	sources []Loader

	mu    sync.Mutex
	owner map[TaskRef]Loader
}

func NewCompositeLoader(sources ...Loader) *CompositeLoader {
	return &CompositeLoader{sources: sources, owner: make(map[TaskRef]Loader)}
}

func (c *CompositeLoader) Discover(ctx context.Context) ([]TaskRef, error) {
	owner := make(map[TaskRef]Loader)
	var all []TaskRef
	for _, src := range c.sources {
		refs, err := src.Discover(ctx)
		if err != nil {
			return nil, errs.Wrap(err, "discover from composite source")
		}
		for _, ref := range refs {
			owner[ref] = src
			all = append(all, ref)
		}
	}

	c.mu.Lock()
	c.owner = owner
	c.mu.Unlock()

	return all, nil
}

func (c *CompositeLoader) Load(ctx context.Context, ref TaskRef) (TaskDefinition, error) {
	c.mu.Lock()
	src, ok := c.owner[ref]
	c.mu.Unlock()
	if !ok {
		return TaskDefinition{}, errs.Newf("no source owns task ref %+v (call Discover first)", ref)
	}
	return src.Load(ctx, ref)
}
