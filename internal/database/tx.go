package database

import (
	"context"
	"database/sql"
	"errors"
	"math/rand/v2"
	"time"

	"captable/internal/logger"
	"captable/internal/metrics"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

// SQLSTATE codes Postgres uses when a serializable transaction must be retried.
const (
	sqlStateSerializationFailure = "40001"
	sqlStateDeadlockDetected     = "40P01"
)

// DefaultMaxRetries is used when a caller passes a negative retry budget.
const DefaultMaxRetries = 5

// IsRetryable reports whether err (or anything it wraps) is a Postgres
// serialization failure or deadlock.
func IsRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == sqlStateSerializationFailure || pgErr.Code == sqlStateDeadlockDetected
}

// RunInTx runs fn in a transaction. On Postgres the transaction is
// SERIALIZABLE and is retried up to maxRetries times when it aborts with a
// serialization failure or deadlock. Other dialects (sqlite in tests) use
// their default isolation.
func RunInTx(ctx context.Context, db *gorm.DB, maxRetries int, fn func(tx *gorm.DB) error) error {
	if maxRetries < 0 {
		maxRetries = DefaultMaxRetries
	}

	var opts []*sql.TxOptions
	if db.Dialector != nil && db.Dialector.Name() == "postgres" {
		opts = append(opts, &sql.TxOptions{Isolation: sql.LevelSerializable})
	}

	for attempt := 0; ; attempt++ {
		err := db.WithContext(ctx).Transaction(fn, opts...)
		if err == nil || !IsRetryable(err) || attempt >= maxRetries {
			return err
		}

		metrics.TxRetries.Inc()
		delay := time.Duration(10*(attempt+1))*time.Millisecond + time.Duration(rand.IntN(10))*time.Millisecond
		logger.Get().Warnw("retrying serializable transaction",
			"attempt", attempt+1,
			"delay", delay,
			"error", err,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}
