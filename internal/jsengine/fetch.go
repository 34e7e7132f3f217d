package jsengine

import (
	"bytes"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dop251/goja"

	"github.com/michiel/ratchet-sub009/internal/httpclient"
)

// fetchShim backs the global `fetch` binding task scripts call (§4.B). Its
// allowlist policy is deliberately permissive beyond the SSRF guard rails
// already in httpclient.SaferClient — SPEC_FULL.md §9 documents the exact
// domain/header allowlist as an open question, treated here as a known
// hazard rather than a solved one.
type fetchShim struct {
	client  *httpclient.SaferClient
	onCall  func()
}

func newFetchShim(timeout time.Duration, onCall func()) *fetchShim {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &fetchShim{client: httpclient.NewSaferClient(timeout), onCall: onCall}
}

// jsFetch returns a Go function bound as the JS global `fetch(url, init?)`.
// It is synchronous from goja's perspective: task scripts that `await` it
// observe the already-resolved value, since goja settles a call's result
// before the exported function returns control (no real event loop is
// registered for this runtime).
func (f *fetchShim) jsFetch(rt *goja.Runtime) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		if f.onCall != nil {
			f.onCall()
		}

		if len(call.Arguments) == 0 {
			panic(rt.NewGoError(errNewNetworkError("fetch: missing url argument")))
		}
		url := call.Arguments[0].String()

		method := "GET"
		var body io.Reader
		headers := map[string]string{}

		if len(call.Arguments) > 1 && !goja.IsUndefined(call.Arguments[1]) {
			init := call.Arguments[1].ToObject(rt)
			if m := init.Get("method"); m != nil && !goja.IsUndefined(m) {
				method = strings.ToUpper(m.String())
			}
			if b := init.Get("body"); b != nil && !goja.IsUndefined(b) {
				body = strings.NewReader(b.String())
			}
			if h := init.Get("headers"); h != nil && !goja.IsUndefined(h) {
				if hobj := h.ToObject(rt); hobj != nil {
					for _, key := range hobj.Keys() {
						headers[key] = hobj.Get(key).String()
					}
				}
			}
		}

		req, err := http.NewRequest(method, url, body)
		if err != nil {
			panic(rt.NewGoError(errNewNetworkError(err.Error())))
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := f.client.Do(req)
		if err != nil {
			panic(rt.NewGoError(errNewNetworkError(err.Error())))
		}
		defer resp.Body.Close()

		var buf bytes.Buffer
		if _, err := io.Copy(&buf, resp.Body); err != nil {
			panic(rt.NewGoError(errNewNetworkError(err.Error())))
		}

		respObj := rt.NewObject()
		respObj.Set("status", resp.StatusCode)
		respObj.Set("ok", resp.StatusCode >= 200 && resp.StatusCode < 300)
		bodyText := buf.String()
		respObj.Set("text", func(goja.FunctionCall) goja.Value { return rt.ToValue(bodyText) })
		respObj.Set("json", func(goja.FunctionCall) goja.Value {
			v, err := rt.RunString("(" + bodyText + ")")
			if err != nil {
				panic(rt.NewGoError(errNewDataError("response body is not valid JSON")))
			}
			return v
		})
		return respObj
	}
}

// errNewNetworkError/errNewDataError build plain Go errors; they are
// wrapped by goja's NewGoError and surface to the script as a generic JS
// error object, which classifyThrow then reports as UnknownError since
// they weren't constructed via the prelude's typed constructors. Tasks
// that want fetch failures classified as NetworkError should catch and
// re-throw with `new NetworkError(...)` themselves — the shim only
// guarantees the call doesn't silently hang.
func errNewNetworkError(msg string) error { return fetchError{msg} }
func errNewDataError(msg string) error    { return fetchError{msg} }

type fetchError struct{ msg string }

func (e fetchError) Error() string { return e.msg }
