// Package transport executes outbound HTTP requests with bounded retries and a
// circuit breaker. It is shared by the upstream adapters and the ESDR client.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
)

// BackoffConfig controls exponential backoff behaviour. MaxAttempts counts the
// first try.
type BackoffConfig struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultBackoff allows five attempts in total.
var DefaultBackoff = BackoffConfig{
	MaxAttempts:     5,
	InitialInterval: 500 * time.Millisecond,
	MaxInterval:     5 * time.Second,
}

var (
	// ErrTransient is returned once every attempt failed on a transient error.
	ErrTransient = errors.New("transient network error")

	errCircuitOpen   = errors.New("circuit breaker open")
	errNoHTTPClient  = errors.New("http client not configured")
	errInvalidConfig = errors.New("invalid backoff configuration")
)

// StatusError is returned for a non-2xx response that is not retried.
type StatusError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %s", e.Status)
	}
	return fmt.Sprintf("unexpected status %s: %s", e.Status, e.Body)
}

// IsStatus reports whether err is a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == code
}

// retryableStatus marks responses that are retried like network errors.
type retryableStatus struct {
	*StatusError
}

// Client wraps an injected *http.Client with retries and a circuit breaker.
type Client struct {
	http    *http.Client
	backoff BackoffConfig
	breaker *gobreaker.CircuitBreaker
}

// New creates a Client. name labels the circuit breaker.
func New(name string, client *http.Client, backoff BackoffConfig) *Client {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     2 * time.Minute,
	})
	return &Client{http: client, backoff: backoff, breaker: cb}
}

// Do executes the request built by buildRequest, rebuilding it for every
// attempt. The caller owns the returned response body.
func (c *Client) Do(ctx context.Context, buildRequest func() (*http.Request, error)) (*http.Response, error) {
	if c.http == nil {
		return nil, errNoHTTPClient
	}
	if c.backoff.MaxAttempts < 1 || c.backoff.InitialInterval <= 0 {
		return nil, errInvalidConfig
	}

	var lastErr error
	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		req, err := buildRequest()
		if err != nil {
			return nil, err
		}
		req = req.WithContext(ctx)

		result, err := c.breaker.Execute(func() (interface{}, error) {
			resp, execErr := c.http.Do(req)
			if execErr != nil {
				return nil, execErr
			}
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				return resp, nil
			}
			se := statusError(resp)
			if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
				return nil, retryableStatus{se}
			}
			// Client errors say nothing about upstream health.
			return se, nil
		})

		if err == nil {
			switch v := result.(type) {
			case *http.Response:
				if attempt > 1 {
					log.Printf("INFO: %s: attempt %d succeeded", c.breaker.Name(), attempt)
				}
				return v, nil
			case *StatusError:
				return nil, v
			default:
				return nil, fmt.Errorf("unexpected result type from circuit breaker")
			}
		}

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %v", errCircuitOpen, err)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		lastErr = err
		var rs retryableStatus
		if errors.As(err, &rs) {
			lastErr = rs.StatusError
		}
		log.Printf("INFO: %s: attempt %d failed: %v", c.breaker.Name(), attempt, lastErr)
		if attempt >= c.backoff.MaxAttempts {
			return nil, fmt.Errorf("%w: giving up after %d attempts: %w", ErrTransient, attempt, lastErr)
		}

		delay := c.backoff.InitialInterval * time.Duration(math.Pow(2, float64(attempt-1)))
		if delay > c.backoff.MaxInterval && c.backoff.MaxInterval > 0 {
			delay = c.backoff.MaxInterval
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func statusError(resp *http.Response) *StatusError {
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &StatusError{StatusCode: resp.StatusCode, Status: resp.Status, Body: string(body)}
}
