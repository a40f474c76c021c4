package agents

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/irfndi/celebrum-distiller/internal/models"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const maxAgentResponseBytes = 1 << 20

// HTTPStatusError represents an error due to a non-200 HTTP status code
type HTTPStatusError struct {
	StatusCode int
}

// Error implements the error interface
func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("agent returned status %d: %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// RemoteOptions tunes a RemoteAgent.
type RemoteOptions struct {
	Timeout        time.Duration
	MaxRetries     uint64
	RequestsPerSec int
	// InitialInterval is the first backoff delay. Tests shrink it.
	InitialInterval time.Duration
}

// RemoteAgent calls an analysis engine over HTTP:
// POST {url}/analyze {"topic": ...} returns the AgentResult JSON.
type RemoteAgent struct {
	name    string
	dim     models.Dimension
	baseURL string
	client  *http.Client
	opts    RemoteOptions
	limiter *rate.Limiter
	logger  *logrus.Logger
}

// NewRemoteAgent creates an agent for dim served at baseURL.
func NewRemoteAgent(dim models.Dimension, baseURL string, opts RemoteOptions, logger *logrus.Logger) *RemoteAgent {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = 500 * time.Millisecond
	}
	if opts.RequestsPerSec <= 0 {
		opts.RequestsPerSec = 5
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &RemoteAgent{
		name:    "remote-" + string(dim),
		dim:     dim,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: opts.Timeout},
		opts:    opts,
		limiter: rate.NewLimiter(rate.Every(time.Second/time.Duration(opts.RequestsPerSec)), opts.RequestsPerSec),
		logger:  logger,
	}
}

func (a *RemoteAgent) Name() string                { return a.name }
func (a *RemoteAgent) Dimension() models.Dimension { return a.dim }

// Analyze posts the topic and decodes the reply. Network errors and 5xx
// responses are retried with exponential backoff; 4xx responses are not.
// A reply carrying an error field becomes a Failed result without a Go
// error, since the agent did answer.
func (a *RemoteAgent) Analyze(ctx context.Context, topic string) (models.AgentResult, error) {
	body, err := json.Marshal(map[string]string{"topic": topic})
	if err != nil {
		return models.Failed(a.dim, err), err
	}

	var payload []byte
	operation := func() error {
		if err := a.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/analyze", bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := a.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			statusErr := &HTTPStatusError{StatusCode: resp.StatusCode}
			if resp.StatusCode < http.StatusInternalServerError && resp.StatusCode != http.StatusTooManyRequests {
				return backoff.Permanent(statusErr)
			}
			return statusErr
		}
		payload, err = io.ReadAll(io.LimitReader(resp.Body, maxAgentResponseBytes))
		return err
	}

	strategy := backoff.NewExponentialBackOff()
	strategy.InitialInterval = a.opts.InitialInterval
	strategy.MaxElapsedTime = a.opts.Timeout
	var policy backoff.BackOff = strategy
	if a.opts.MaxRetries > 0 {
		policy = backoff.WithMaxRetries(strategy, a.opts.MaxRetries)
	}

	notify := func(err error, wait time.Duration) {
		a.logger.WithFields(logrus.Fields{
			"dimension": a.dim,
			"topic":     topic,
			"retry_in":  wait,
		}).WithError(err).Debug("Agent call failed, retrying")
	}
	if err := backoff.RetryNotify(operation, backoff.WithContext(policy, ctx), notify); err != nil {
		err = fmt.Errorf("agent %s: %w", a.name, err)
		return models.Failed(a.dim, err), err
	}

	return models.DecodeAgentResult(a.dim, payload), nil
}
