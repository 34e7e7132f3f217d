package jsengine

// prelude defines the typed JS error constructors the worker host exposes
// to task scripts (§4.B). Each subclass sets `name` to the kind string the
// host classifies on, so classifyThrow only needs to read `.name` off a caught
// value rather than walking a prototype chain through the goja/ECMAScript
// realm boundary.
const prelude = `
(function() {
  function defineError(name) {
    function Ctor(message) {
      var err = new Error(message);
      err.name = name;
      Object.setPrototypeOf(err, Ctor.prototype);
      return err;
    }
    Ctor.prototype = Object.create(Error.prototype);
    Ctor.prototype.constructor = Ctor;
    Ctor.prototype.name = name;
    return Ctor;
  }

  globalThis.AuthenticationError = defineError("AuthenticationError");
  globalThis.AuthorizationError = defineError("AuthorizationError");
  globalThis.NetworkError = defineError("NetworkError");
  globalThis.ValidationError = defineError("ValidationError");
  globalThis.ConfigurationError = defineError("ConfigurationError");
  globalThis.RateLimitError = defineError("RateLimitError");
  globalThis.ServiceUnavailableError = defineError("ServiceUnavailableError");
  globalThis.TimeoutError = defineError("TimeoutError");
  globalThis.DataError = defineError("DataError");

  function HttpError(status, message) {
    var err = new Error(message);
    err.name = "HttpError";
    err.status = status;
    Object.setPrototypeOf(err, HttpError.prototype);
    return err;
  }
  HttpError.prototype = Object.create(Error.prototype);
  HttpError.prototype.constructor = HttpError;
  HttpError.prototype.name = "HttpError";
  globalThis.HttpError = HttpError;
})();
`
