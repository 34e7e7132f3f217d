package registry

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"

	"github.com/michiel/ratchet-sub009/internal/errs"
	"github.com/michiel/ratchet-sub009/internal/httpclient"
)

// httpIndexEntry is one row of an HTTP registry's index document.
type httpIndexEntry struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Description string `json:"description,omitempty"`
	MainJSURL   string `json:"main_js_url"`
	InputURL    string `json:"input_schema_url"`
	OutputURL   string `json:"output_schema_url"`
}

// HTTPLoader discovers task bundles from a remote JSON index and loads
// each bundle's files over HTTP (§4.D). Outbound requests go through the
// same SaferClient used by the fetch shim (§4.B), since the index URL and
// the per-file URLs it lists are both operator-supplied, untrusted
// destinations.
type HTTPLoader struct {
	IndexURL string
	client   *httpclient.SaferClient
}

func NewHTTPLoader(indexURL string, client *httpclient.SaferClient) *HTTPLoader {
	return &HTTPLoader{IndexURL: indexURL, client: client}
}

func (l *HTTPLoader) Discover(ctx context.Context) ([]TaskRef, error) {
	entries, err := l.fetchIndex(ctx)
	if err != nil {
		return nil, err
	}

	refs := make([]TaskRef, 0, len(entries))
	for _, e := range entries {
		refs = append(refs, TaskRef{SourceRef: e.MainJSURL, Name: e.Name, Version: e.Version})
	}
	return refs, nil
}

func (l *HTTPLoader) Load(ctx context.Context, ref TaskRef) (TaskDefinition, error) {
	entries, err := l.fetchIndex(ctx)
	if err != nil {
		return TaskDefinition{}, err
	}

	var entry *httpIndexEntry
	for i := range entries {
		if entries[i].Name == ref.Name && entries[i].Version == ref.Version {
			entry = &entries[i]
			break
		}
	}
	if entry == nil {
		return TaskDefinition{}, errs.Newf("task %s@%s no longer present in index", ref.Name, ref.Version)
	}

	mainJS, err := l.fetchBody(ctx, entry.MainJSURL)
	if err != nil {
		return TaskDefinition{}, errs.Wrapf(err, "fetch main.js for %s@%s", entry.Name, entry.Version)
	}
	inputSchema, err := l.fetchBody(ctx, entry.InputURL)
	if err != nil {
		return TaskDefinition{}, errs.Wrapf(err, "fetch input schema for %s@%s", entry.Name, entry.Version)
	}
	outputSchema, err := l.fetchBody(ctx, entry.OutputURL)
	if err != nil {
		return TaskDefinition{}, errs.Wrapf(err, "fetch output schema for %s@%s", entry.Name, entry.Version)
	}

	return TaskDefinition{
		Name:         entry.Name,
		Version:      entry.Version,
		Description:  entry.Description,
		SourceRef:    entry.MainJSURL,
		MainJS:       string(mainJS),
		InputSchema:  json.RawMessage(inputSchema),
		OutputSchema: json.RawMessage(outputSchema),
	}, nil
}

func (l *HTTPLoader) fetchIndex(ctx context.Context) ([]httpIndexEntry, error) {
	body, err := l.fetchBody(ctx, l.IndexURL)
	if err != nil {
		return nil, errs.Wrap(err, "fetch registry index")
	}
	var entries []httpIndexEntry
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, errs.Wrap(err, "parse registry index")
	}
	return entries, nil
}

func (l *HTTPLoader) fetchBody(ctx context.Context, rawURL string) ([]byte, error) {
	ref, err := url.Parse(rawURL)
	if err != nil {
		return nil, errs.Wrapf(err, "invalid URL %q", rawURL)
	}
	// Index entries may give file URLs relative to the index itself.
	base, err := url.Parse(l.IndexURL)
	if err != nil {
		return nil, errs.Wrapf(err, "invalid index URL %q", l.IndexURL)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base.ResolveReference(ref).String(), nil)
	if err != nil {
		return nil, errs.Wrap(err, "build request")
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, errs.Wrap(err, "request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errs.Newf("unexpected status %d from %s", resp.StatusCode, rawURL)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.Wrap(err, "read response body")
	}
	return body, nil
}
