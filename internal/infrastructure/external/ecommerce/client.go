// Package ecommerce implements the ecommerce service client used by the
// course sock to look up learner discounts.
package ecommerce

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/alem-hub/persistent-grades/internal/domain/course"
	"github.com/alem-hub/persistent-grades/pkg/circuitbreaker"
	"github.com/alem-hub/persistent-grades/pkg/retry"
)

// ══════════════════════════════════════════════════════════════════════════════
// CONFIGURATION
// ══════════════════════════════════════════════════════════════════════════════

// ClientConfig contains configuration for the ecommerce client.
type ClientConfig struct {
	// BaseURL is the ecommerce service root, e.g. https://ecommerce.example.com.
	BaseURL string

	// APIKey is sent as a bearer token when set.
	APIKey string

	Timeout time.Duration

	// RequestsPerSecond caps outgoing calls. Zero disables the limit.
	RequestsPerSecond float64

	MaxAttempts int

	// Breaker guards the service. Defaults to a breaker named "ecommerce".
	Breaker *circuitbreaker.CircuitBreaker

	Logger *slog.Logger
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig(baseURL string) ClientConfig {
	return ClientConfig{
		BaseURL:           baseURL,
		Timeout:           2 * time.Second,
		RequestsPerSecond: 50,
		MaxAttempts:       2,
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// ERRORS
// ══════════════════════════════════════════════════════════════════════════════

// StatusError is a non-2xx response.
type StatusError struct {
	StatusCode int
	RetryAfter time.Duration
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("ecommerce: status %d: %s", e.StatusCode, e.Body)
}

// Temporary reports whether the request may succeed if repeated.
func (e *StatusError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// RetryDelay implements retry.DelayHinter.
func (e *StatusError) RetryDelay() time.Duration {
	return e.RetryAfter
}

// ══════════════════════════════════════════════════════════════════════════════
// CLIENT
// ══════════════════════════════════════════════════════════════════════════════

// Client talks to the ecommerce service. It implements query.Discounts.
type Client struct {
	config     ClientConfig
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *circuitbreaker.CircuitBreaker
	retrier    *retry.Retrier
	logger     *slog.Logger
}

// NewClient creates a new ecommerce client.
func NewClient(config ClientConfig) *Client {
	def := DefaultClientConfig(config.BaseURL)
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = def.MaxAttempts
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Breaker == nil {
		config.Breaker = circuitbreaker.New("ecommerce",
			circuitbreaker.WithFailureThreshold(5),
			circuitbreaker.WithTimeout(30*time.Second),
			circuitbreaker.WithIsFailure(countsAsFailure),
		)
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if config.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(config.RequestsPerSecond), int(config.RequestsPerSecond)+1)
	}

	return &Client{
		config:     config,
		baseURL:    strings.TrimRight(config.BaseURL, "/"),
		httpClient: &http.Client{Timeout: config.Timeout},
		limiter:    limiter,
		breaker:    config.Breaker,
		retrier: retry.New(
			retry.WithMaxAttempts(config.MaxAttempts),
			retry.WithInitialDelay(100*time.Millisecond),
			retry.WithMaxDelay(time.Second),
			retry.WithRetryIf(isTemporary),
		),
		logger: config.Logger.With("component", "ecommerce_client"),
	}
}

// discountResponse is the applicability endpoint's body.
type discountResponse struct {
	DiscountApplicable bool    `json:"discount_applicable"`
	DiscountPercentage float64 `json:"discount_percentage"`
}

// DiscountPercent returns the learner's active discount for courseKey as a
// percentage in [0, 100]. A course unknown to ecommerce has no discount.
func (c *Client) DiscountPercent(ctx context.Context, userID int64, courseKey course.CourseKey) (float64, error) {
	q := url.Values{}
	q.Set("user_id", strconv.FormatInt(userID, 10))
	q.Set("course_id", courseKey.String())

	var resp discountResponse
	err := c.get(ctx, "/api/v2/discount_applicability/", q, &resp)

	var statusErr *StatusError
	if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("discount for user %d in %s: %w", userID, courseKey, err)
	}

	if !resp.DiscountApplicable {
		return 0, nil
	}
	return min(max(resp.DiscountPercentage, 0), 100), nil
}

// ══════════════════════════════════════════════════════════════════════════════
// HTTP HELPERS
// ══════════════════════════════════════════════════════════════════════════════

func (c *Client) get(ctx context.Context, path string, query url.Values, result interface{}) error {
	return c.breaker.Execute(ctx, func(ctx context.Context) error {
		return c.retrier.Do(ctx, func(ctx context.Context) error {
			if err := c.limiter.Wait(ctx); err != nil {
				return fmt.Errorf("rate limiter: %w", err)
			}
			return c.doSingleRequest(ctx, http.MethodGet, path, query, result)
		})
	})
}

func (c *Client) doSingleRequest(ctx context.Context, method, path string, query url.Values, result interface{}) error {
	fullURL := c.baseURL + path
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	c.logger.Debug("ecommerce request", "method", method, "path", path)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return retry.Retryable(fmt.Errorf("http request: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return retry.Retryable(fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode >= 400 {
		statusErr := &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if seconds, err := strconv.Atoi(ra); err == nil {
				statusErr.RetryAfter = time.Duration(seconds) * time.Second
			}
		}
		return statusErr
	}

	if result != nil && len(body) > 0 {
		if err := json.Unmarshal(body, result); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}

// countsAsFailure ignores client errors and cancellations.
func countsAsFailure(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Temporary()
	}
	return true
}

func isTemporary(err error) bool {
	if retry.IsRetryable(err) {
		return true
	}
	var statusErr *StatusError
	return errors.As(err, &statusErr) && statusErr.Temporary()
}
