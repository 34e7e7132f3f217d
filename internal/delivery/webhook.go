package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/michiel/ratchet-sub009/internal/errs"
	"github.com/michiel/ratchet-sub009/internal/httpclient"
)

const (
	webhookBackoffBase = 500 * time.Millisecond
	webhookBackoffCap  = 30 * time.Second
	webhookRateLimit   = 5 // requests/sec per destination host
	webhookRateBurst   = 5
)

// hostLimiters hands out one token-bucket limiter per webhook destination
// host, so a misbehaving task can't hammer a single downstream endpoint
// across retries and across jobs.
type hostLimiters struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newHostLimiters() *hostLimiters {
	return &hostLimiters{limiters: make(map[string]*rate.Limiter)}
}

func (h *hostLimiters) get(host string) *rate.Limiter {
	h.mu.Lock()
	defer h.mu.Unlock()
	l, ok := h.limiters[host]
	if !ok {
		l = rate.NewLimiter(rate.Limit(webhookRateLimit), webhookRateBurst)
		h.limiters[host] = l
	}
	return l
}

// deliverWebhook POSTs (or whatever dest.Method says) the rendered output
// to dest.URL, retrying per dest.RetryPolicy (default 3 attempts,
// exponential backoff) on transport errors and 5xx/429 responses.
func deliverWebhook(ctx context.Context, client *httpclient.SaferClient, limiters *hostLimiters, dest Destination, output json.RawMessage) attemptResult {
	parsed, err := url.Parse(dest.URL)
	if err != nil {
		return attemptResult{err: errs.Wrapf(err, "parse webhook url %q", dest.URL)}
	}

	method := dest.Method
	if method == "" {
		method = http.MethodPost
	}

	maxAttempts := dest.RetryPolicy.maxAttempts()
	limiter := limiters.get(parsed.Hostname())

	var lastErr error
	var lastStatus int
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := limiter.Wait(ctx); err != nil {
			return attemptResult{err: errs.Wrap(err, "rate limiter wait")}
		}

		status, err := doWebhookRequest(ctx, client, method, dest, output)
		if err == nil && status >= 200 && status < 300 {
			return attemptResult{success: true, responseInfo: fmt.Sprintf("status %d", status)}
		}

		lastErr = err
		lastStatus = status
		if err == nil && !errs.IsTransientHTTPStatus(status) {
			return attemptResult{err: errs.Newf("webhook returned status %d", status), responseInfo: fmt.Sprintf("status %d", status)}
		}
		if attempt < maxAttempts {
			time.Sleep(webhookBackoff(attempt))
		}
	}

	if lastErr != nil {
		return attemptResult{err: errs.Wrapf(lastErr, "webhook delivery failed after %d attempts", maxAttempts)}
	}
	return attemptResult{
		err:          errs.Newf("webhook delivery failed after %d attempts, last status %d", maxAttempts, lastStatus),
		responseInfo: fmt.Sprintf("status %d", lastStatus),
	}
}

func doWebhookRequest(ctx context.Context, client *httpclient.SaferClient, method string, dest Destination, output json.RawMessage) (int, error) {
	req, err := http.NewRequestWithContext(ctx, method, dest.URL, bytes.NewReader(output))
	if err != nil {
		return 0, errs.Wrap(err, "build webhook request")
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range dest.Headers {
		req.Header.Set(k, v)
	}
	if err := applyWebhookAuth(req, dest.Auth); err != nil {
		return 0, err
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, errs.Wrap(err, "webhook request failed")
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

func applyWebhookAuth(req *http.Request, auth *WebhookAuth) error {
	if auth == nil || auth.Type == "" || auth.Type == AuthNone {
		return nil
	}
	switch auth.Type {
	case AuthBearer:
		req.Header.Set("Authorization", "Bearer "+auth.Token)
	case AuthBasic:
		req.SetBasicAuth(auth.Username, auth.Password)
	case AuthAPIKey:
		header := auth.HeaderName
		if header == "" {
			header = "X-Api-Key"
		}
		req.Header.Set(header, auth.APIKey)
	default:
		return errs.Newf("unsupported webhook auth type %q", auth.Type)
	}
	return nil
}

// webhookBackoff is a plain exponential backoff with full jitter, distinct
// from the dispatcher's decorrelated-jitter job retry formula: §4.I only
// specifies "exponential backoff" for webhook destinations, with no
// persisted-previous-delay concept to approximate.
func webhookBackoff(attempt int) time.Duration {
	d := webhookBackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d > webhookBackoffCap {
			d = webhookBackoffCap
			break
		}
	}
	return time.Duration(rand.Int63n(int64(d) + 1))
}
