// Package jsengine hosts one task execution at a time on an embedded,
// pure-Go ECMAScript runtime (dop251/goja — see DESIGN.md for why this was
// chosen over the teacher's tetratelabs/wazero, which is WASM-only and
// cannot host plain JavaScript source). It implements the script-loading,
// typed-error, and fetch-shim parts of SPEC_FULL.md §4.B; the IPC loop
// around it lives in internal/worker.
package jsengine

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dop251/goja"

	"github.com/michiel/ratchet-sub009/internal/errs"
)

// MainFunctionName is the global callable every task bundle's main.js must
// export, per §6's task bundle layout.
const MainFunctionName = "main"

// Host wraps one goja.Runtime bound to one loaded task script. A Host is
// not safe for concurrent use — the worker process invariant ("only one
// ExecuteTask may be in flight at a time", §4.B) is exactly the
// single-threaded-ness this type assumes.
type Host struct {
	rt           *goja.Runtime
	fetch        *fetchShim
	mainFn       goja.Callable
	httpRequests int
}

// NewHost constructs a Host with the typed error constructors and fetch
// shim installed, but no task script loaded yet.
func NewHost(fetchTimeout time.Duration) *Host {
	rt := goja.New()
	rt.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	h := &Host{rt: rt}
	if _, err := rt.RunString(prelude); err != nil {
		// The prelude is static and controlled by this package; a failure
		// here is a programming error, not a task error.
		panic(fmt.Sprintf("jsengine: prelude failed to load: %v", err))
	}

	h.fetch = newFetchShim(fetchTimeout, h.recordHTTPRequest)
	if err := rt.Set("fetch", h.fetch.jsFetch(rt)); err != nil {
		panic(fmt.Sprintf("jsengine: failed to install fetch shim: %v", err))
	}

	return h
}

func (h *Host) recordHTTPRequest() {
	h.httpRequests++
}

// HTTPRequests returns the number of fetch calls made since the script
// was loaded.
func (h *Host) HTTPRequests() int {
	return h.httpRequests
}

// CheckSyntax parses src without running it, for registry validation (§4.D
// "main.js parses as a syntactically valid script").
func CheckSyntax(src string) error {
	if _, err := goja.Compile("main.js", src, true); err != nil {
		return errs.Wrap(err, "main.js is not valid JavaScript")
	}
	return nil
}

// Load compiles src and resolves the exported `main` function. It must be
// called once per Host before Call.
func (h *Host) Load(src string) error {
	prog, err := goja.Compile("main.js", src, true)
	if err != nil {
		return errs.Wrap(err, "compile main.js")
	}
	if _, err := h.rt.RunProgram(prog); err != nil {
		return errs.Wrap(err, "evaluate main.js")
	}

	mainVal := h.rt.Get(MainFunctionName)
	if mainVal == nil || goja.IsUndefined(mainVal) {
		return errs.Newf("main.js does not define a global %q function", MainFunctionName)
	}
	fn, ok := goja.AssertFunction(mainVal)
	if !ok {
		return errs.Newf("%q is not callable", MainFunctionName)
	}
	h.mainFn = fn
	return nil
}

// Result is the outcome of invoking main(input, context).
type Result struct {
	Output       json.RawMessage
	ErrorKind    errs.Kind
	ErrorMessage string
	HTTPStatus   int // only meaningful when ErrorKind == KindHttpError
}

// Call invokes main(input, context) and classifies the outcome per §4.B's
// typed-error taxonomy. It returns a non-nil Go error only for host-level
// failures (e.g. the script was never loaded); task-level failures are
// reported through Result.
func (h *Host) Call(input json.RawMessage, context interface{}) (Result, error) {
	if h.mainFn == nil {
		return Result{}, errs.New("jsengine: Load must be called before Call")
	}

	var inputVal interface{}
	if len(input) > 0 {
		if err := json.Unmarshal(input, &inputVal); err != nil {
			return Result{}, errs.Wrap(err, "unmarshal task input")
		}
	}

	jsInput := h.rt.ToValue(inputVal)
	jsContext := h.rt.ToValue(context)

	retVal, err := h.mainFn(goja.Undefined(), jsInput, jsContext)
	if err != nil {
		return classifyThrow(h.rt, err), nil
	}

	settled, err := awaitIfPromise(h.rt, retVal)
	if err != nil {
		return classifyThrow(h.rt, err), nil
	}

	output, err := json.Marshal(settled.Export())
	if err != nil {
		return Result{
			ErrorKind:    errs.KindDataError,
			ErrorMessage: fmt.Sprintf("task output is not JSON-serializable: %v", err),
		}, nil
	}

	return Result{Output: output}, nil
}

// awaitIfPromise resolves a returned Promise (async main functions return
// one). Since the fetch shim is synchronous, goja settles the promise's
// microtasks before the call returns in the common case; the bounded pump
// loop below is a defensive fallback, not the primary mechanism.
func awaitIfPromise(rt *goja.Runtime, v goja.Value) (goja.Value, error) {
	promise, ok := v.Export().(*goja.Promise)
	if !ok {
		return v, nil
	}
	for i := 0; i < 1000 && promise.State() == goja.PromiseStatePending; i++ {
		if _, err := rt.RunString("undefined"); err != nil {
			return nil, err
		}
	}
	switch promise.State() {
	case goja.PromiseStateFulfilled:
		return promise.Result(), nil
	case goja.PromiseStateRejected:
		// Re-throw the rejection reason so classifyThrow receives it as a
		// thrown value, exactly like a synchronous throw from main.
		rethrowVal, err := rt.RunString("(function (reason) { throw reason; })")
		if err != nil {
			return nil, err
		}
		rethrow, _ := goja.AssertFunction(rethrowVal)
		_, err = rethrow(goja.Undefined(), promise.Result())
		return nil, err
	default:
		return nil, errs.New("task did not settle its returned promise")
	}
}

// classifyThrow maps a thrown JS value to an execution Result per §4.B's
// typed-error-kind table: reads the `.name` property the prelude's error
// constructors set, falling back to UnknownError for anything else.
func classifyThrow(rt *goja.Runtime, callErr error) Result {
	exc, ok := callErr.(*goja.Exception)
	if !ok {
		return Result{ErrorKind: errs.KindUnknownError, ErrorMessage: callErr.Error()}
	}

	val := exc.Value()
	obj := val.ToObject(rt)
	if obj == nil {
		return Result{ErrorKind: errs.KindUnknownError, ErrorMessage: val.String()}
	}

	name := obj.Get("name")
	message := obj.Get("message")

	kind := errs.KindUnknownError
	if name != nil && !goja.IsUndefined(name) {
		if k, ok := knownKind(name.String()); ok {
			kind = k
		}
	}

	msg := val.String()
	if message != nil && !goja.IsUndefined(message) {
		msg = message.String()
	}

	res := Result{ErrorKind: kind, ErrorMessage: msg}
	if kind == errs.KindHttpError {
		if status := obj.Get("status"); status != nil && !goja.IsUndefined(status) {
			res.HTTPStatus = int(status.ToInteger())
		}
	}
	return res
}

func knownKind(name string) (errs.Kind, bool) {
	switch errs.Kind(name) {
	case errs.KindAuthenticationError, errs.KindAuthorizationError, errs.KindNetworkError,
		errs.KindHttpError, errs.KindValidationError, errs.KindConfigurationError,
		errs.KindRateLimitError, errs.KindServiceUnavailableError, errs.KindTimeoutError,
		errs.KindDataError:
		return errs.Kind(name), true
	default:
		return "", false
	}
}
