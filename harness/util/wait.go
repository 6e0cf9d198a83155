package util

import (
	"errors"
	"fmt"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/golang/glog"
)

// ErrTimedOut marks a bounded wait that exhausted its attempts. Callers can
// distinguish it from the underlying condition error with errors.Is.
var ErrTimedOut = errors.New("timed out")

// WaitUntil polls pred at a fixed interval until it returns nil, for at most
// maxAttempts attempts. The last condition error is attached to the returned
// timeout error.
func WaitUntil(name string, maxAttempts int, interval time.Duration, pred func() error) error {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(interval)
		}
		lastErr = pred()
		if lastErr == nil {
			if attempt > 0 {
				glog.V(1).Infof("%s succeeded after %d attempts", name, attempt+1)
			}
			return nil
		}
		glog.V(2).Infof("waiting for %s: %v", name, lastErr)
	}
	return fmt.Errorf("%w waiting for %s after %d attempts: %v", ErrTimedOut, name, maxAttempts, lastErr)
}

// RetryWithBackoff retries job with exponential backoff until it succeeds or
// maxElapsed passes. Used for known-eventually-consistent operations; callers
// must not feed it arbitrary errors.
func RetryWithBackoff(name string, maxElapsed time.Duration, job func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxElapsedTime = maxElapsed

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		if err := job(); err != nil {
			glog.V(2).Infof("retry %s (attempt %d): %v", name, attempt, err)
			return err
		}
		return nil
	}, policy)
	if err != nil {
		return fmt.Errorf("%w retrying %s: %v", ErrTimedOut, name, err)
	}
	if attempt > 1 {
		glog.V(1).Infof("retry %s successfully", name)
	}
	return nil
}
