package database

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// ErrTemporarilyUnavailable is returned when the store stays locked after all retries
var ErrTemporarilyUnavailable = errors.New("database temporarily unavailable")

// RetryPolicy retries operations that fail because the database is busy
type RetryPolicy struct {
	Attempts     int
	InitialDelay time.Duration
}

// DefaultRetryPolicy makes 3 attempts starting at 0.5s, doubling each time
var DefaultRetryPolicy = RetryPolicy{Attempts: 3, InitialDelay: 500 * time.Millisecond}

// Do runs op, retrying while the error indicates a busy or locked database.
// Other errors are returned immediately.
func (p RetryPolicy) Do(ctx context.Context, op func() error) error {
	attempts := max(p.Attempts, 1)

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = p.InitialDelay
	expo.RandomizationFactor = 0
	expo.Multiplier = 2
	expo.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(expo, uint64(attempts-1)), ctx)

	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		err := op()
		if err != nil && !IsBusy(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy, func(err error, wait time.Duration) {
		log.Printf("[Database] Busy, retrying in %v (attempt %d/%d)", wait, attempt, attempts)
	})
	if err == nil || !IsBusy(err) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrTemporarilyUnavailable, err)
}

// IsBusy reports whether err is a SQLite busy/locked condition
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	var serr *sqlite.Error
	if errors.As(err, &serr) {
		switch serr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "database is busy") ||
		strings.Contains(msg, "sqlite_busy")
}
