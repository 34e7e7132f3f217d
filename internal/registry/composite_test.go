package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type stubLoader struct {
	refs []TaskRef
	defs map[TaskRef]TaskDefinition
}

func (s *stubLoader) Discover(ctx context.Context) ([]TaskRef, error) { return s.refs, nil }
func (s *stubLoader) Load(ctx context.Context, ref TaskRef) (TaskDefinition, error) {
	return s.defs[ref], nil
}

func TestCompositeLoaderRoutesLoadToOwningSource(t *testing.T) {
	refA := TaskRef{SourceRef: "a", Name: "a", Version: "1.0.0"}
	refB := TaskRef{SourceRef: "b", Name: "b", Version: "1.0.0"}

	a := &stubLoader{refs: []TaskRef{refA}, defs: map[TaskRef]TaskDefinition{refA: {Name: "a", Version: "1.0.0"}}}
	b := &stubLoader{refs: []TaskRef{refB}, defs: map[TaskRef]TaskDefinition{refB: {Name: "b", Version: "1.0.0"}}}

	composite := NewCompositeLoader(a, b)

	refs, err := composite.Discover(context.Background())
	require.NoError(t, err)
	require.ElementsMatch(t, []TaskRef{refA, refB}, refs)

	defA, err := composite.Load(context.Background(), refA)
	require.NoError(t, err)
	require.Equal(t, "a", defA.Name)

	defB, err := composite.Load(context.Background(), refB)
	require.NoError(t, err)
	require.Equal(t, "b", defB.Name)
}
