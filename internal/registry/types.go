// Package registry implements the Task Registry (§4.D): pluggable
// loaders that discover task bundles, validate them, cache their JS
// source, and emit change notifications. Loader interface and the
// register/lookup shape are grounded on pulse/async/handler.go's
// HandlerRegistry (register-by-name, thread-safe get/list), generalized
// from a static in-process registration call to dynamic discovery.
package registry

import (
	"context"
	"encoding/json"
	"time"

	"github.com/michiel/ratchet-sub009/internal/errs"
)

// TaskRef identifies one discovered task bundle a Loader can later Load.
// For the filesystem loader this is a bundle directory path; for the HTTP
// loader it's an index entry URL.
type TaskRef struct {
	SourceRef string
	Name      string
	Version   string
}

// TaskDefinition is a fully loaded, not-yet-validated task bundle (§6's
// task bundle layout: metadata.json + main.js + input/output schemas).
type TaskDefinition struct {
	Name         string
	Version      string
	Description  string
	SourceRef    string
	MainJS       string
	InputSchema  json.RawMessage
	OutputSchema json.RawMessage
}

// Key is the (name, version) identity tasks are unique on (§3).
func (d TaskDefinition) Key() string {
	return d.Name + "@" + d.Version
}

// Loader discovers task bundles from one source (filesystem root or HTTP
// index) and loads their full content on demand.
type Loader interface {
	Discover(ctx context.Context) ([]TaskRef, error)
	Load(ctx context.Context, ref TaskRef) (TaskDefinition, error)
}

// EventKind is the RegistryEvent discriminator (§4.D).
type EventKind string

const (
	EventTaskAdded   EventKind = "task_added"
	EventTaskUpdated EventKind = "task_updated"
	EventTaskRemoved EventKind = "task_removed"
	EventLoadError   EventKind = "load_error"
)

// Event is emitted on every discovered change; registrysync consumes
// these to keep the store aligned (§4.E).
type Event struct {
	Kind       EventKind
	Task       TaskDefinition
	Err        error
	OccurredAt time.Time
}

// metadata.json's on-disk shape.
type bundleMetadata struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Description string `json:"description,omitempty"`
}

func (m bundleMetadata) validate() error {
	if m.Name == "" {
		return errs.New("metadata.json: name must not be empty")
	}
	if m.Version == "" {
		return errs.New("metadata.json: version must not be empty")
	}
	return nil
}
