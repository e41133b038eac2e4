package scoring

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tmarsden/leadpulse/internal/models"
)

type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 4,
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   5 * time.Second,
	}
}

// loadArtifactWithRetry fetches a model version row under bounded backoff.
// The artifact store being momentarily unavailable must not fail a scoring
// caller; retries here, fallback scoring above.
func (s *Scorer) loadArtifactWithRetry(ctx context.Context, version string) (*models.ModelVersion, error) {
	config := DefaultRetryConfig()

	var lastErr error
	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		mv, err := s.versions.GetByVersion(version)
		if err == nil {
			return mv, nil
		}
		lastErr = err

		if attempt == config.MaxRetries {
			break
		}

		delay := time.Duration(float64(config.BaseDelay) * math.Pow(1.5, float64(attempt)))
		if delay > config.MaxDelay {
			delay = config.MaxDelay
		}

		s.logger.WithFields(logrus.Fields{
			"version": version,
			"attempt": attempt + 1,
			"delay":   delay,
			"error":   err.Error(),
		}).Warn("Retrying model artifact load")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	return nil, fmt.Errorf("artifact load failed after %d retries: %w", config.MaxRetries, lastErr)
}
