package registry

import (
	"bytes"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/michiel/ratchet-sub009/internal/errs"
	"github.com/michiel/ratchet-sub009/internal/jsengine"
)

// validateDefinition enforces §4.D's load-time checks: semver-shaped
// version, both schemas compile as JSON Schema draft-07, main.js parses
// as valid JavaScript. A failure here is a LoaderError (§7): the bundle
// is skipped and the next discovery tick retries it.
func validateDefinition(d TaskDefinition) error {
	if d.Name == "" {
		return errs.New("task name must not be empty")
	}
	if _, err := semver.NewVersion(d.Version); err != nil {
		return errs.Wrapf(err, "task %s: version %q is not valid semver", d.Name, d.Version)
	}

	if err := compileSchema("input.schema.json", d.InputSchema); err != nil {
		return errs.Wrapf(err, "task %s@%s", d.Name, d.Version)
	}
	if err := compileSchema("output.schema.json", d.OutputSchema); err != nil {
		return errs.Wrapf(err, "task %s@%s", d.Name, d.Version)
	}

	if err := jsengine.CheckSyntax(d.MainJS); err != nil {
		return errs.Wrapf(err, "task %s@%s", d.Name, d.Version)
	}

	return nil
}

func compileSchema(name string, raw []byte) error {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft7
	if err := compiler.AddResource(name, bytes.NewReader(raw)); err != nil {
		return errs.Wrapf(err, "%s is not valid JSON Schema", name)
	}
	if _, err := compiler.Compile(name); err != nil {
		return errs.Wrapf(err, "%s failed draft-07 compilation", name)
	}
	return nil
}
