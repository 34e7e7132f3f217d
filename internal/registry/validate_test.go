package registry

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func validDefinition() TaskDefinition {
	return TaskDefinition{
		Name:         "echo",
		Version:      "1.0.0",
		MainJS:       "function main(input) { return input; }",
		InputSchema:  json.RawMessage(`{"type":"object"}`),
		OutputSchema: json.RawMessage(`{"type":"object"}`),
	}
}

func TestValidateDefinitionAcceptsWellFormedBundle(t *testing.T) {
	require.NoError(t, validateDefinition(validDefinition()))
}

func TestValidateDefinitionRejectsEmptyName(t *testing.T) {
	d := validDefinition()
	d.Name = ""
	require.Error(t, validateDefinition(d))
}

func TestValidateDefinitionRejectsNonSemverVersion(t *testing.T) {
	d := validDefinition()
	d.Version = "not-a-version"
	require.Error(t, validateDefinition(d))
}

func TestValidateDefinitionRejectsMalformedSchema(t *testing.T) {
	d := validDefinition()
	d.InputSchema = json.RawMessage(`{"type": 123}`)
	require.Error(t, validateDefinition(d))
}

func TestValidateDefinitionRejectsInvalidJS(t *testing.T) {
	d := validDefinition()
	d.MainJS = "function main( { return"
	require.Error(t, validateDefinition(d))
}

func TestSourceCacheEvictsOldest(t *testing.T) {
	c := newSourceCache(2)
	c.Put("a", "A")
	c.Put("b", "B")
	c.Put("c", "C") // evicts "a"

	_, ok := c.Get("a")
	require.False(t, ok)

	v, ok := c.Get("b")
	require.True(t, ok)
	require.Equal(t, "B", v)

	v, ok = c.Get("c")
	require.True(t, ok)
	require.Equal(t, "C", v)
}
