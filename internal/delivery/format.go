package delivery

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/michiel/ratchet-sub009/internal/errs"
)

// render serializes an execution's raw JSON output into the bytes a
// Filesystem or Stdio destination writes, per the destination's format.
func render(output json.RawMessage, format Format) ([]byte, error) {
	switch format {
	case FormatYAML:
		return renderYAML(output)
	case FormatCSV:
		return renderCSV(output)
	case FormatJSON, "":
		return renderJSON(output)
	default:
		return nil, errs.Newf("unsupported output format %q", format)
	}
}

func renderJSON(output json.RawMessage) ([]byte, error) {
	if len(output) == 0 {
		return []byte("null\n"), nil
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, output, "", "  "); err != nil {
		return nil, errs.Wrap(err, "indent json output")
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

func renderYAML(output json.RawMessage) ([]byte, error) {
	var v interface{}
	if len(output) > 0 {
		if err := json.Unmarshal(output, &v); err != nil {
			return nil, errs.Wrap(err, "unmarshal output for yaml render")
		}
	}
	out, err := yaml.Marshal(v)
	if err != nil {
		return nil, errs.Wrap(err, "marshal yaml output")
	}
	return out, nil
}

// renderCSV handles the common case (an array of flat objects) by using
// the first row's keys as the header; anything else is written as a
// single "value" column, one row per array element (or one row total for
// a scalar/object).
func renderCSV(output json.RawMessage) ([]byte, error) {
	var v interface{}
	if len(output) > 0 {
		if err := json.Unmarshal(output, &v); err != nil {
			return nil, errs.Wrap(err, "unmarshal output for csv render")
		}
	}

	rows, asObjects := v.([]interface{})
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if asObjects && len(rows) > 0 {
		if first, ok := rows[0].(map[string]interface{}); ok {
			keys := make([]string, 0, len(first))
			for k := range first {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			if err := w.Write(keys); err != nil {
				return nil, errs.Wrap(err, "write csv header")
			}
			for _, r := range rows {
				obj, _ := r.(map[string]interface{})
				record := make([]string, len(keys))
				for i, k := range keys {
					record[i] = fmt.Sprint(obj[k])
				}
				if err := w.Write(record); err != nil {
					return nil, errs.Wrap(err, "write csv row")
				}
			}
			w.Flush()
			return buf.Bytes(), w.Error()
		}
	}

	if err := w.Write([]string{"value"}); err != nil {
		return nil, errs.Wrap(err, "write csv header")
	}
	values := []interface{}{v}
	if asObjects {
		values = rows
	}
	for _, val := range values {
		if err := w.Write([]string{fmt.Sprint(val)}); err != nil {
			return nil, errs.Wrap(err, "write csv row")
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}
