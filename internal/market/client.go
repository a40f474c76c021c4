// Package market fetches historical closing prices for topics.
package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/irfndi/celebrum-distiller/internal/cache"
	"github.com/irfndi/celebrum-distiller/internal/models"
	"github.com/irfndi/celebrum-distiller/internal/services"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// ErrPriceUnavailable means the data source has no usable close for the
// topic on that date. It is not retried and does not trip the breaker.
var ErrPriceUnavailable = errors.New("price unavailable")

// HTTPStatusError represents an error due to a non-200 HTTP status code
type HTTPStatusError struct {
	StatusCode int
}

// Error implements the error interface
func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("price source returned status %d", e.StatusCode)
}

// Options configures the price client.
type Options struct {
	BaseURL           string
	Timeout           time.Duration
	RequestsPerSecond float64
	MaxRetries        int
	// InitialInterval is the first retry delay.
	InitialInterval time.Duration
	Breaker         services.CircuitBreakerConfig
}

// Client implements services.PriceSource against
// GET {base}/api/v1/prices/{topic}?date=YYYY-MM-DD.
type Client struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	breaker *services.CircuitBreaker
	cache   cache.PriceCache
	opts    Options
	logger  *logrus.Logger
	tracer  trace.Tracer
}

type priceResponse struct {
	Topic string          `json:"topic"`
	Date  string          `json:"date"`
	Price decimal.Decimal `json:"price"`
}

// NewClient creates a price client. priceCache may be nil.
func NewClient(opts Options, priceCache cache.PriceCache, logger *logrus.Logger) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.RequestsPerSecond <= 0 {
		opts.RequestsPerSecond = 5
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = 500 * time.Millisecond
	}
	if logger == nil {
		logger = logrus.New()
	}
	burst := int(opts.RequestsPerSecond)
	if burst < 1 {
		burst = 1
	}
	return &Client{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		http:    &http.Client{Timeout: opts.Timeout},
		limiter: rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst),
		breaker: services.NewCircuitBreaker("market", opts.Breaker, logger),
		cache:   priceCache,
		opts:    opts,
		logger:  logger,
		tracer:  otel.Tracer("celebrum-distiller/market"),
	}
}

// Breaker exposes the client's circuit breaker for health reporting.
func (c *Client) Breaker() *services.CircuitBreaker {
	return c.breaker
}

// PriceAt returns the closing price of topic on date.
func (c *Client) PriceAt(ctx context.Context, topic string, date time.Time) (float64, error) {
	topic = models.NormalizeTopic(topic)
	day := date.UTC().Format(models.DateLayout)

	ctx, span := c.tracer.Start(ctx, "market.price_at", trace.WithAttributes(
		attribute.String("topic", topic),
		attribute.String("date", day),
	))
	defer span.End()

	if c.cache != nil {
		if price, ok := c.cache.Get(ctx, topic, day); ok {
			span.SetAttributes(attribute.Bool("cache_hit", true))
			return price, nil
		}
	}

	var price float64
	err := c.breaker.ExecuteIgnoring(ctx, func(ctx context.Context) error {
		var err error
		price, err = c.fetchWithRetry(ctx, topic, day)
		return err
	}, func(err error) bool {
		return errors.Is(err, ErrPriceUnavailable)
	})
	if err != nil {
		span.RecordError(err)
		return 0, err
	}

	if c.cache != nil {
		c.cache.Set(ctx, topic, day, price)
	}
	return price, nil
}

func (c *Client) fetchWithRetry(ctx context.Context, topic, day string) (float64, error) {
	var price float64
	operation := func() error {
		var err error
		price, err = c.fetch(ctx, topic, day)
		return err
	}

	strategy := backoff.NewExponentialBackOff()
	strategy.InitialInterval = c.opts.InitialInterval
	strategy.MaxElapsedTime = c.opts.Timeout * 2
	policy := backoff.WithContext(backoff.WithMaxRetries(strategy, uint64(c.opts.MaxRetries)), ctx)

	notify := func(err error, wait time.Duration) {
		c.logger.WithFields(logrus.Fields{"topic": topic, "date": day, "retry_in": wait}).
			WithError(err).Debug("Price request failed, retrying")
	}
	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		return 0, err
	}
	return price, nil
}

func (c *Client) fetch(ctx context.Context, topic, day string) (float64, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, backoff.Permanent(err)
	}

	endpoint := fmt.Sprintf("%s/api/v1/prices/%s?date=%s", c.baseURL, url.PathEscape(topic), url.QueryEscape(day))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, backoff.Permanent(err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return 0, backoff.Permanent(fmt.Errorf("%w: %s on %s", ErrPriceUnavailable, topic, day))
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError:
		return 0, &HTTPStatusError{StatusCode: resp.StatusCode}
	case resp.StatusCode != http.StatusOK:
		return 0, backoff.Permanent(&HTTPStatusError{StatusCode: resp.StatusCode})
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return 0, err
	}
	var payload priceResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return 0, backoff.Permanent(fmt.Errorf("decode price response: %w", err))
	}
	if !payload.Price.IsPositive() {
		return 0, backoff.Permanent(fmt.Errorf("%w: non-positive price %s for %s on %s", ErrPriceUnavailable, payload.Price, topic, day))
	}
	return payload.Price.InexactFloat64(), nil
}
