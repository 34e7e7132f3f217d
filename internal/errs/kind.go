package errs

// Kind names the fixed set of typed JS error constructors the worker host
// exposes to task scripts (spec §4.B) plus the coordinator-internal kinds
// from the error taxonomy (spec §7). A failed TaskResult's error_kind
// field carries one of these as a string.
type Kind string

const (
	KindAuthenticationError    Kind = "AuthenticationError"
	KindAuthorizationError     Kind = "AuthorizationError"
	KindNetworkError           Kind = "NetworkError"
	KindHttpError              Kind = "HttpError"
	KindValidationError        Kind = "ValidationError"
	KindConfigurationError     Kind = "ConfigurationError"
	KindRateLimitError         Kind = "RateLimitError"
	KindServiceUnavailableError Kind = "ServiceUnavailableError"
	KindTimeoutError           Kind = "TimeoutError"
	KindDataError              Kind = "DataError"
	KindUnknownError           Kind = "UnknownError"

	// Coordinator-internal kinds, recorded or acted on inside the
	// dispatcher/pool. The one a worker also reports is LoaderError, when
	// it cannot load a task script.
	KindWorkerCrashed     Kind = "WorkerCrashed"
	KindIpcProtocolError  Kind = "IpcProtocolError"
	KindStorageError      Kind = "StorageError"
	KindLoaderError       Kind = "LoaderError"
)

// Retryable reports whether the dispatcher should treat this kind as
// transient per the retry table in spec §4.G/§7. HttpError is only
// transient for 5xx/429 status codes, which the caller must check
// separately (see IsTransientHTTPStatus) because the kind alone doesn't
// carry the status.
func (k Kind) Retryable() bool {
	switch k {
	case KindNetworkError, KindTimeoutError, KindRateLimitError, KindServiceUnavailableError, KindWorkerCrashed:
		return true
	default:
		return false
	}
}

// IsTransientHTTPStatus reports whether an HttpError with this status code
// should be retried: 5xx or 429, per spec §4.G.
func IsTransientHTTPStatus(status int) bool {
	return status == 429 || (status >= 500 && status < 600)
}
