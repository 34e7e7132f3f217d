package delivery

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/michiel/ratchet-sub009/internal/errs"
)

const defaultFilePermissions = 0o644

// renderPath expands a Filesystem destination's path_template. Supported
// placeholders per §4.I: {execution_id}, {task_name}, {timestamp}, {date}.
func renderPath(tmpl, executionUUID, taskName string, now time.Time) string {
	replacer := strings.NewReplacer(
		"{execution_id}", executionUUID,
		"{task_name}", sanitizePathComponent(taskName),
		"{timestamp}", now.UTC().Format("20060102T150405Z"),
		"{date}", now.UTC().Format("2006-01-02"),
	)
	return replacer.Replace(tmpl)
}

// sanitizePathComponent strips path separators from a value interpolated
// into a path template, since task_name is not operator-controlled.
func sanitizePathComponent(s string) string {
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.ReplaceAll(s, "\\", "_")
	return s
}

func parsePermissions(raw string) (os.FileMode, error) {
	if raw == "" {
		return defaultFilePermissions, nil
	}
	perm, err := strconv.ParseUint(raw, 8, 32)
	if err != nil {
		return 0, errs.Wrapf(err, "parse permissions %q", raw)
	}
	return os.FileMode(perm), nil
}

// deliverFilesystem writes rendered output to path_template. Not retried
// (§4.I): a single attempt, success or failure.
func deliverFilesystem(dest Destination, executionUUID, taskName string, output json.RawMessage, now time.Time) attemptResult {
	path := renderPath(dest.PathTemplate, executionUUID, taskName, now)

	body, err := render(output, dest.Format)
	if err != nil {
		return attemptResult{err: err}
	}

	perm, err := parsePermissions(dest.Permissions)
	if err != nil {
		return attemptResult{err: err}
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return attemptResult{err: errs.Wrapf(err, "create directory %q", dir)}
		}
	}

	if err := os.WriteFile(path, body, perm); err != nil {
		return attemptResult{err: errs.Wrapf(err, "write file %q", path)}
	}

	return attemptResult{success: true, sizeBytes: int64(len(body)), responseInfo: path}
}
