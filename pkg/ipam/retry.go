package ipam

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/clickcluster/segmentd/pkg/logging"
)

const retryAttempts = 3

var retryBaseInterval = time.Second

// withRetry re-runs fn on transport-class failures, up to retryAttempts
// retries with exponential backoff (base 1s, x2). Semantic failures stop
// immediately.
func (c *Client) withRetry(ctx context.Context, op string, fn func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = retryBaseInterval
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0

	attempt := 0
	return backoff.Retry(func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if !IsTemporary(err) {
			return backoff.Permanent(err)
		}
		attempt++
		logging.Verbosef("ipam call %s failed (attempt %d): %v", op, attempt, err)
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(bo, retryAttempts), ctx))
}
