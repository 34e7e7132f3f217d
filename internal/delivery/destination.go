package delivery

import (
	"encoding/json"

	"github.com/michiel/ratchet-sub009/internal/errs"
)

// Kind discriminates the tagged destination variants (§4.I).
type Kind string

const (
	KindFilesystem Kind = "filesystem"
	KindWebhook    Kind = "webhook"
	KindStdio      Kind = "stdio"
)

// Format is the serialization applied to an execution's output before it
// reaches a Filesystem or Stdio destination.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
	FormatCSV  Format = "csv"
)

// WebhookAuthKind selects how a Webhook destination authenticates itself.
type WebhookAuthKind string

const (
	AuthNone   WebhookAuthKind = "none"
	AuthBearer WebhookAuthKind = "bearer"
	AuthBasic  WebhookAuthKind = "basic"
	AuthAPIKey WebhookAuthKind = "api_key"
)

// WebhookAuth carries credentials for whichever WebhookAuthKind is set.
type WebhookAuth struct {
	Type       WebhookAuthKind `json:"type"`
	Token      string          `json:"token,omitempty"`      // bearer
	Username   string          `json:"username,omitempty"`   // basic
	Password   string          `json:"password,omitempty"`   // basic
	HeaderName string          `json:"header_name,omitempty"` // api_key, default X-Api-Key
	APIKey     string          `json:"api_key,omitempty"`     // api_key
}

// RetryPolicy governs a Webhook destination's own retry behavior. Filesystem
// and Stdio destinations are never retried (§4.I).
type RetryPolicy struct {
	MaxAttempts int `json:"max_attempts,omitempty"` // default 3
}

func (r *RetryPolicy) maxAttempts() int {
	if r == nil || r.MaxAttempts <= 0 {
		return 3
	}
	return r.MaxAttempts
}

// Destination is one tagged-union entry of a job's output_destinations
// (§4.I). Only the fields relevant to Type are populated; unmarshal
// leaves the rest zero-valued.
type Destination struct {
	Type Kind `json:"type"`

	// Filesystem
	PathTemplate string `json:"path_template,omitempty"`
	Permissions  string `json:"permissions,omitempty"` // octal, e.g. "0644"

	// Webhook
	URL         string            `json:"url,omitempty"`
	Method      string            `json:"method,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Auth        *WebhookAuth      `json:"auth,omitempty"`
	RetryPolicy *RetryPolicy      `json:"retry_policy,omitempty"`

	// Stdio
	Stream string `json:"stream,omitempty"` // stdout|stderr

	// Format applies to Filesystem and Stdio.
	Format Format `json:"format,omitempty"`
}

// id identifies this destination for the delivery_results row. Destinations
// have no separate id field in the wire shape, so one is derived from the
// field that makes each variant unique.
func (d Destination) id() string {
	switch d.Type {
	case KindFilesystem:
		return d.PathTemplate
	case KindWebhook:
		return d.URL
	case KindStdio:
		return d.Stream
	default:
		return string(d.Type)
	}
}

// parseDestinations decodes a job's output_destinations JSON array. A nil
// or empty input yields no destinations rather than an error.
func parseDestinations(raw []byte) ([]Destination, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var dests []Destination
	if err := json.Unmarshal(raw, &dests); err != nil {
		return nil, errs.Wrap(err, "decode output_destinations")
	}
	return dests, nil
}
