package exchange

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/tradekit/tradekit/errs"
	"github.com/tradekit/tradekit/internal/observability"
)

const (
	// DefaultMaxRetries bounds replays of a single request for transient failures.
	DefaultMaxRetries = 3
	// DefaultRetryPause separates retry attempts.
	DefaultRetryPause = 3 * time.Second
	// DefaultRequestTimeout is the per-call HTTP timeout.
	DefaultRequestTimeout = 10 * time.Second
)

// ErrorClassifier translates a venue error response into a structured error.
type ErrorClassifier func(status int, body []byte) error

// Transport wraps an HTTP client with the per-venue rate limiter and the
// retry policy shared by every live adapter: transient failures (rate limit,
// venue unavailable, timeouts, network errors) are replayed up to MaxRetries
// times with a constant pause; everything else propagates immediately.
type Transport struct {
	Exchange   string
	Client     *http.Client
	Limiter    *rate.Limiter
	MaxRetries int
	Pause      time.Duration
	Classify   ErrorClassifier
}

// NewTransport builds a transport with the default retry policy.
func NewTransport(exchange string, requestsPerSecond float64) *Transport {
	return &Transport{
		Exchange:   exchange,
		Client:     &http.Client{Timeout: DefaultRequestTimeout},
		Limiter:    rate.NewLimiter(rate.Limit(requestsPerSecond), 1),
		MaxRetries: DefaultMaxRetries,
		Pause:      DefaultRetryPause,
	}
}

// Do executes one logical request. The build callback is invoked per attempt
// so nonce and timestamp parameters are regenerated on retry. When out is
// non-nil the response body is JSON-decoded into it.
func (t *Transport) Do(ctx context.Context, build func() (*http.Request, error), out any) error {
	wait := backoff.NewConstantBackOff(t.pause())
	attempts := t.MaxRetries + 1

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			observability.Log().Debug("retrying exchange request",
				observability.F("exchange", t.Exchange),
				observability.F("attempt", attempt),
				observability.F("cause", lastErr.Error()))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait.NextBackOff()):
			}
		}
		body, err := t.once(ctx, build)
		if err == nil {
			if out == nil {
				return nil
			}
			if err := json.Unmarshal(body, out); err != nil {
				return errs.New(t.Exchange, errs.CodeExchange,
					errs.WithMessage("decode response"), errs.WithCause(err))
			}
			return nil
		}
		if !errs.Retryable(err) {
			return err
		}
		lastErr = err
	}
	return lastErr
}

func (t *Transport) pause() time.Duration {
	if t.Pause > 0 {
		return t.Pause
	}
	return DefaultRetryPause
}

func (t *Transport) once(ctx context.Context, build func() (*http.Request, error)) ([]byte, error) {
	if t.Limiter != nil {
		if err := t.Limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	req, err := build()
	if err != nil {
		return nil, err
	}
	resp, err := t.Client.Do(req.WithContext(ctx))
	if err != nil {
		return nil, t.classifyTransportError(err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.New(t.Exchange, errs.CodeNetwork,
			errs.WithMessage("read response"), errs.WithCause(err))
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, t.classifyStatus(resp.StatusCode, body)
	}
	return body, nil
}

func (t *Transport) classifyTransportError(err error) error {
	var netErr net.Error
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return errs.New(t.Exchange, errs.CodeTimeout, errs.WithCause(err))
	case errors.As(err, &netErr) && netErr.Timeout():
		return errs.New(t.Exchange, errs.CodeTimeout, errs.WithCause(err))
	case errors.Is(err, os.ErrDeadlineExceeded):
		return errs.New(t.Exchange, errs.CodeTimeout, errs.WithCause(err))
	default:
		return errs.New(t.Exchange, errs.CodeNetwork, errs.WithCause(err))
	}
}

func (t *Transport) classifyStatus(status int, body []byte) error {
	if t.Classify != nil {
		if err := t.Classify(status, body); err != nil {
			return err
		}
	}
	switch {
	case status == http.StatusTooManyRequests || status == 418:
		return errs.New(t.Exchange, errs.CodeRateLimited, errs.WithHTTP(status),
			errs.WithCanonical(errs.CanonicalRateLimited), errs.WithRaw("", string(body)))
	case status == http.StatusRequestTimeout:
		return errs.New(t.Exchange, errs.CodeTimeout, errs.WithHTTP(status),
			errs.WithRaw("", string(body)))
	case status >= http.StatusInternalServerError:
		return errs.New(t.Exchange, errs.CodeUnavailable, errs.WithHTTP(status),
			errs.WithRaw("", string(body)))
	case status == http.StatusNotFound:
		return errs.New(t.Exchange, errs.CodeNotFound, errs.WithHTTP(status),
			errs.WithRaw("", string(body)))
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return errs.New(t.Exchange, errs.CodeAuth, errs.WithHTTP(status),
			errs.WithRaw("", string(body)))
	default:
		return errs.New(t.Exchange, errs.CodeExchange, errs.WithHTTP(status),
			errs.WithRaw("", string(body)))
	}
}
