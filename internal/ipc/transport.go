package ipc

import (
	"bufio"
	"encoding/json"
	"io"
	"sync"

	"github.com/michiel/ratchet-sub009/internal/errs"
)

// ErrLineTooLarge is returned by Recv when a line exceeds MaxLineBytes.
// Per §4.A this is fatal: the transport must be closed and the worker
// marked dead by the caller.
var ErrLineTooLarge = errs.New("ipc: line exceeds maximum frame size")

// Transport carries line-framed JSON envelopes over a pair of byte
// streams (a child process's stdin/stdout from the coordinator's side, or
// os.Stdin/os.Stdout from the worker's side). There is no teacher analog
// for stdio IPC (teranos talks to an external HTTP service instead, see
// pulse/async/python_handler.go) — this is grounded directly on
// original_source/ratchet-ipc's StdioTransport and spec §4.A's exact wire
// rules.
type Transport struct {
	writeMu sync.Mutex
	w       io.Writer
	scanner *bufio.Scanner

	// OnDiscardedLine, if set, is called with the raw line and parse error
	// whenever a line fails to parse as JSON. The transport does not
	// close itself for this case (§4.A).
	OnDiscardedLine func(line []byte, err error)
}

// NewTransport wraps r/w as a line-framed envelope stream.
func NewTransport(r io.Reader, w io.Writer) *Transport {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), MaxLineBytes+1)
	return &Transport{w: w, scanner: scanner}
}

// Send serializes and writes one envelope as a single line terminated by
// \n. Safe for concurrent use.
func (t *Transport) Send(env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return errs.Wrap(err, "marshal envelope")
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.w.Write(body); err != nil {
		return errs.Wrap(err, "write envelope")
	}
	if _, err := t.w.Write([]byte{'\n'}); err != nil {
		return errs.Wrap(err, "write envelope newline")
	}
	return nil
}

// Recv reads the next line and decodes it as an Envelope. Lines that fail
// to parse as JSON are discarded (OnDiscardedLine is invoked, if set) and
// the scan continues transparently; Recv only returns once it has a valid
// envelope, hits EOF, hits a read error, or sees an oversized line (in
// which case it returns ErrLineTooLarge and the caller must stop using
// this transport).
func (t *Transport) Recv() (Envelope, error) {
	for {
		if !t.scanner.Scan() {
			if err := t.scanner.Err(); err != nil {
				if err == bufio.ErrTooLong {
					return Envelope{}, ErrLineTooLarge
				}
				return Envelope{}, errs.Wrap(err, "read line")
			}
			return Envelope{}, io.EOF
		}
		line := t.scanner.Bytes()
		if len(line) > MaxLineBytes {
			return Envelope{}, ErrLineTooLarge
		}
		var env Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			if t.OnDiscardedLine != nil {
				cp := append([]byte(nil), line...)
				t.OnDiscardedLine(cp, err)
			}
			continue
		}
		return env, nil
	}
}
