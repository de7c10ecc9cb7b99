package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/clinagent/evidence-service/internal/domain"
	"github.com/clinagent/evidence-service/internal/observability"
)

// ProgressFunc receives human-readable status messages during long waits so
// a caller can relay them to a user over a long-running request.
type ProgressFunc func(message string)

// RetryPolicy bounds cold-start retries for one call. All state derived from
// it is local to a single call; there is no cross-call memory.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts (not re-tries).
	MaxAttempts int
	// InitialBackoff is the wait before the second attempt.
	InitialBackoff time.Duration
	// MaxBackoff caps the doubling backoff.
	MaxBackoff time.Duration
}

// DefaultRetryPolicy returns the policy tuned for serverless endpoints that
// take a minute or two to wake from a cold start.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    4,
		InitialBackoff: 30 * time.Second,
		MaxBackoff:     120 * time.Second,
	}
}

// Caller wraps a Completer with bounded retry/backoff on transient failures.
// Non-transient failures and unusable-but-successful responses pass through
// unchanged; only exhausted retries surface as domain.ErrUnavailable.
type Caller struct {
	completer Completer
	policy    RetryPolicy
	logger    zerolog.Logger
	metrics   *observability.Metrics
}

var _ Completer = (*Caller)(nil)

// NewCaller creates a retrying caller around completer. metrics may be nil.
func NewCaller(completer Completer, policy RetryPolicy, logger zerolog.Logger, metrics *observability.Metrics) *Caller {
	def := DefaultRetryPolicy()
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = def.MaxAttempts
	}
	if policy.InitialBackoff <= 0 {
		policy.InitialBackoff = def.InitialBackoff
	}
	if policy.MaxBackoff < policy.InitialBackoff {
		policy.MaxBackoff = policy.InitialBackoff
	}
	return &Caller{
		completer: completer,
		policy:    policy,
		logger:    logger.With().Str("component", "llm_caller").Logger(),
		metrics:   metrics,
	}
}

// Complete runs one completion with retries and no progress reporting.
func (c *Caller) Complete(ctx context.Context, req Request) (string, error) {
	return c.CompleteWithProgress(ctx, req, nil)
}

// CompleteWithProgress runs one completion, retrying transient failures with
// exponential backoff and emitting a progress message before each wait.
func (c *Caller) CompleteWithProgress(ctx context.Context, req Request, progress ProgressFunc) (string, error) {
	backoff := c.policy.InitialBackoff

	var lastErr error
	for attempt := 1; attempt <= c.policy.MaxAttempts; attempt++ {
		start := time.Now()
		text, err := c.completer.Complete(ctx, req)
		if c.metrics != nil {
			c.metrics.BackendRequestsTotal.WithLabelValues("completion", "chat").Inc()
			c.metrics.BackendRequestDuration.WithLabelValues("completion", "chat").Observe(time.Since(start).Seconds())
		}
		if err == nil {
			return text, nil
		}

		var apiErr *APIError
		if !errors.As(err, &apiErr) || !apiErr.IsTransient() {
			if c.metrics != nil {
				c.metrics.BackendRequestsFailed.WithLabelValues("completion", "chat", "permanent").Inc()
			}
			return "", err
		}
		if c.metrics != nil {
			c.metrics.BackendRequestsFailed.WithLabelValues("completion", "chat", "transient").Inc()
		}
		lastErr = err

		if attempt == c.policy.MaxAttempts {
			break
		}

		retryLogger := observability.WithBackendContext(c.logger, "completion", attempt)
		retryLogger.Warn().
			Int("max_attempts", c.policy.MaxAttempts).
			Int("status_code", apiErr.StatusCode).
			Dur("backoff", backoff).
			Msg("transient completion failure, backing off")
		if c.metrics != nil {
			c.metrics.RetryWaits.WithLabelValues("completion").Inc()
		}
		if progress != nil {
			progress(waitMessage(apiErr, attempt, c.policy.MaxAttempts, backoff))
		}
		if err := sleep(ctx, backoff); err != nil {
			return "", err
		}

		backoff *= 2
		if backoff > c.policy.MaxBackoff {
			backoff = c.policy.MaxBackoff
		}
	}

	c.logger.Error().
		Int("attempts", c.policy.MaxAttempts).
		Err(lastErr).
		Msg("completion retries exhausted")
	return "", domain.NewUnavailableError("completion", c.policy.MaxAttempts, lastErr)
}

// waitMessage formats the human-readable status emitted before a backoff wait.
func waitMessage(apiErr *APIError, attempt, maxAttempts int, wait time.Duration) string {
	if apiErr.IsColdStart() {
		return fmt.Sprintf("Inference endpoint is starting up, waiting %s (attempt %d/%d)...",
			wait, attempt, maxAttempts)
	}
	return fmt.Sprintf("Inference endpoint unreachable, retrying in %s (attempt %d/%d)...",
		wait, attempt, maxAttempts)
}

// sleep waits for d, respecting context cancellation.
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
