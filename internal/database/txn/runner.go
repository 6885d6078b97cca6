// Copyright 2024 The roomstate authors.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package txn provides the scoped transaction executor used by all durable
// writes and reads in the storage engine. A transaction is acquired, the
// supplied function runs, and the transaction is committed on success or
// rolled back on failure; the resource is released on every exit path.
package txn

import (
	"context"
	"database/sql"
	"time"

	"github.com/canonical/sqlair"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/retry"

	internaldatabase "github.com/fedchat/roomstate/internal/database"
)

const (
	// defaultTransactionAttempts bounds how many times a transient failure
	// (busy/locked) is retried before giving up.
	defaultTransactionAttempts = 250

	defaultRetryDelay    = time.Millisecond
	defaultRetryMaxDelay = 200 * time.Millisecond
)

// RetryStrategy defines a function for retrying a transaction.
type RetryStrategy func(context.Context, func() error) error

// DefaultRetryStrategy returns a retry strategy that retries transient
// database errors with backoff, bounded by an attempt count.
func DefaultRetryStrategy(clk clock.Clock, logger loggo.Logger) RetryStrategy {
	return func(ctx context.Context, fn func() error) error {
		err := retry.Call(retry.CallArgs{
			Func: fn,
			IsFatalError: func(err error) bool {
				// No point in retrying if the context is done.
				if ctx.Err() != nil {
					return true
				}
				return !internaldatabase.IsErrRetryable(err)
			},
			NotifyFunc: func(lastError error, attempt int) {
				if attempt > 1 && attempt%10 == 0 {
					logger.Debugf("retrying transaction (attempt %d): %v", attempt, lastError)
				}
			},
			Attempts:    defaultTransactionAttempts,
			Delay:       defaultRetryDelay,
			MaxDelay:    defaultRetryMaxDelay,
			BackoffFunc: retry.DoubleDelay,
			Clock:       clk,
			Stop:        ctx.Done(),
		})
		return errors.Trace(err)
	}
}

// Option is a function for configuring the transaction runner.
type Option func(*option)

// WithLogger sets the logger used by the runner.
func WithLogger(logger loggo.Logger) Option {
	return func(o *option) {
		o.logger = logger
	}
}

// WithRetryStrategy replaces the default retry strategy.
func WithRetryStrategy(strategy RetryStrategy) Option {
	return func(o *option) {
		o.retryStrategy = strategy
	}
}

type option struct {
	logger        loggo.Logger
	retryStrategy RetryStrategy
}

// RetryingTxnRunner executes transactions against a database, applying the
// configured retry strategy around each one.
type RetryingTxnRunner struct {
	logger        loggo.Logger
	retryStrategy RetryStrategy
}

// NewRetryingTxnRunner returns a new RetryingTxnRunner.
func NewRetryingTxnRunner(opts ...Option) *RetryingTxnRunner {
	o := &option{
		logger:        loggo.GetLogger("roomstate.database.txn"),
		retryStrategy: DefaultRetryStrategy(clock.WallClock, loggo.GetLogger("roomstate.database.txn")),
	}
	for _, opt := range opts {
		opt(o)
	}
	return &RetryingTxnRunner{
		logger:        o.logger,
		retryStrategy: o.retryStrategy,
	}
}

// Txn executes the input function against the given database using the
// sqlair package, within a transaction that depends on the input context.
// Retry semantics are applied automatically on transient failures.
func (r *RetryingTxnRunner) Txn(ctx context.Context, db *sqlair.DB, fn func(context.Context, *sqlair.TX) error) error {
	return r.Retry(ctx, func() error {
		return errors.Trace(r.run(ctx, func(ctx context.Context) error {
			tx, err := db.Begin(ctx, nil)
			if err != nil {
				return errors.Trace(err)
			}

			if err := fn(ctx, tx); err != nil {
				if rErr := tx.Rollback(); rErr != nil {
					r.logger.Warningf("failed to rollback transaction: %v", rErr)
				}
				return errors.Trace(err)
			}
			return errors.Trace(tx.Commit())
		}))
	})
}

// StdTxn executes the input function against the given database within a
// standard library transaction that depends on the input context.
// Retry semantics are applied automatically on transient failures.
func (r *RetryingTxnRunner) StdTxn(ctx context.Context, db *sql.DB, fn func(context.Context, *sql.Tx) error) error {
	return r.Retry(ctx, func() error {
		return errors.Trace(r.run(ctx, func(ctx context.Context) error {
			tx, err := db.BeginTx(ctx, nil)
			if err != nil {
				return errors.Trace(err)
			}

			if err := fn(ctx, tx); err != nil {
				if rErr := tx.Rollback(); rErr != nil {
					r.logger.Warningf("failed to rollback transaction: %v", rErr)
				}
				return errors.Trace(err)
			}
			return errors.Trace(tx.Commit())
		}))
	})
}

// Retry executes the input function with the runner's retry strategy.
func (r *RetryingTxnRunner) Retry(ctx context.Context, fn func() error) error {
	return r.retryStrategy(ctx, fn)
}

// run guards a single transaction attempt with the context, so a cancelled
// context is observed before a transaction is ever begun.
func (r *RetryingTxnRunner) run(ctx context.Context, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return errors.Trace(err)
	}
	return fn(ctx)
}
