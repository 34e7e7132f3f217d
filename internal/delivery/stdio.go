package delivery

import (
	"encoding/json"
	"io"
	"os"

	"github.com/michiel/ratchet-sub009/internal/errs"
)

// deliverStdio writes rendered output to the process's stdout or stderr.
// Not retried (§4.I). out/errOut are injected so tests don't need to
// capture the real os.Stdout/os.Stderr.
func deliverStdio(dest Destination, output json.RawMessage, out, errOut io.Writer) attemptResult {
	body, err := render(output, dest.Format)
	if err != nil {
		return attemptResult{err: err}
	}

	var w io.Writer
	switch dest.Stream {
	case "stderr":
		w = errOut
	case "stdout", "":
		w = out
	default:
		return attemptResult{err: errs.Newf("unsupported stdio stream %q", dest.Stream)}
	}

	n, err := w.Write(body)
	if err != nil {
		return attemptResult{err: errs.Wrap(err, "write to stdio")}
	}
	return attemptResult{success: true, sizeBytes: int64(n)}
}

// defaultStdio are the real process streams, used outside of tests.
var defaultStdio = struct{ Out, Err io.Writer }{os.Stdout, os.Stderr}
