package store

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

const (
	retryAttempts        = 3
	retryInitialInterval = 50 * time.Millisecond
	retryMaxInterval     = 500 * time.Millisecond
)

// Postgres SQLSTATEs that are safe to retry.
const (
	pqSerializationFailure = "40001"
	pqDeadlockDetected     = "40P01"
	pqUniqueViolation      = "23505"
)

// IsTransient reports whether err is worth retrying: lost connections and
// serialization conflicts. Constraint violations and not-found are not.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrDuplicate) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch string(pqErr.Code) {
		case pqSerializationFailure, pqDeadlockDetected:
			return true
		}
		return pqErr.Code.Class() == "08" // connection exception
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, errTransient)
}

// errTransient lets other implementations mark an error as retryable.
var errTransient = errors.New("store: transient failure")

// Transient wraps err so IsTransient reports true.
func Transient(err error) error {
	return errors.Join(errTransient, err)
}

// Retry runs op up to three times with short exponential backoff while it
// fails with a transient error. Any other error is returned immediately.
func Retry(ctx context.Context, name string, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = retryInitialInterval
	b.MaxInterval = retryMaxInterval

	attempt := 0
	return backoff.RetryNotify(func() error {
		attempt++
		err := op()
		if err != nil && !IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(b, retryAttempts-1), ctx),
		func(err error, wait time.Duration) {
			logrus.WithFields(logrus.Fields{
				"component": "store",
				"op":        name,
				"attempt":   attempt,
				"wait":      wait,
			}).WithError(err).Warn("transient store failure, retrying")
		})
}
