package registry

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/michiel/ratchet-sub009/internal/errs"
)

// bundleFiles are the files a valid bundle directory must contain
// (§6's task bundle layout; tests/ is optional and not read here).
const (
	metadataFile     = "metadata.json"
	mainScriptFile   = "main.js"
	inputSchemaFile  = "input.schema.json"
	outputSchemaFile = "output.schema.json"
)

// FilesystemLoader recursively scans a directory tree for task bundles:
// any directory directly containing metadata.json, main.js,
// input.schema.json, and output.schema.json (§4.D).
type FilesystemLoader struct {
	Root string
}

func NewFilesystemLoader(root string) *FilesystemLoader {
	return &FilesystemLoader{Root: root}
}

func (l *FilesystemLoader) Discover(ctx context.Context) ([]TaskRef, error) {
	var refs []TaskRef

	err := filepath.WalkDir(l.Root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if !d.IsDir() {
			return nil
		}
		if !isBundleDir(path) {
			return nil
		}
		meta, err := readMetadata(path)
		if err != nil {
			// Skip bundles whose metadata.json cannot be read or parsed;
			// they yield no TaskRef, so Reconcile never loads them and no
			// load-error event is emitted for them.
			return nil
		}
		refs = append(refs, TaskRef{SourceRef: path, Name: meta.Name, Version: meta.Version})
		return filepath.SkipDir // bundles don't nest
	})
	if err != nil {
		return nil, errs.Wrapf(err, "scan filesystem root %s", l.Root)
	}
	return refs, nil
}

func (l *FilesystemLoader) Load(ctx context.Context, ref TaskRef) (TaskDefinition, error) {
	meta, err := readMetadata(ref.SourceRef)
	if err != nil {
		return TaskDefinition{}, err
	}
	if err := meta.validate(); err != nil {
		return TaskDefinition{}, errs.Wrapf(err, "bundle %s", ref.SourceRef)
	}

	mainJS, err := os.ReadFile(filepath.Join(ref.SourceRef, mainScriptFile))
	if err != nil {
		return TaskDefinition{}, errs.Wrapf(err, "read %s", mainScriptFile)
	}
	inputSchema, err := os.ReadFile(filepath.Join(ref.SourceRef, inputSchemaFile))
	if err != nil {
		return TaskDefinition{}, errs.Wrapf(err, "read %s", inputSchemaFile)
	}
	outputSchema, err := os.ReadFile(filepath.Join(ref.SourceRef, outputSchemaFile))
	if err != nil {
		return TaskDefinition{}, errs.Wrapf(err, "read %s", outputSchemaFile)
	}

	return TaskDefinition{
		Name:         meta.Name,
		Version:      meta.Version,
		Description:  meta.Description,
		SourceRef:    ref.SourceRef,
		MainJS:       string(mainJS),
		InputSchema:  json.RawMessage(inputSchema),
		OutputSchema: json.RawMessage(outputSchema),
	}, nil
}

func isBundleDir(path string) bool {
	for _, f := range []string{metadataFile, mainScriptFile, inputSchemaFile, outputSchemaFile} {
		if _, err := os.Stat(filepath.Join(path, f)); err != nil {
			return false
		}
	}
	return true
}

func readMetadata(bundleDir string) (bundleMetadata, error) {
	body, err := os.ReadFile(filepath.Join(bundleDir, metadataFile))
	if err != nil {
		return bundleMetadata{}, errs.Wrapf(err, "read %s", metadataFile)
	}
	var meta bundleMetadata
	if err := json.Unmarshal(body, &meta); err != nil {
		return bundleMetadata{}, errs.Wrapf(err, "parse %s", metadataFile)
	}
	return meta, nil
}
