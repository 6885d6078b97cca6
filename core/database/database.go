// Copyright 2024 The roomstate authors.
// Licensed under the AGPLv3, see LICENCE file for details.

package database

import (
	"context"
	"database/sql"

	"github.com/canonical/sqlair"
)

// TxnRunner defines an interface for running transactions against a
// database. Each call acquires a transaction, runs the supplied function
// and commits on success or rolls back on error, releasing the resource on
// every exit path.
type TxnRunner interface {
	// Txn executes the input function against the database, using the
	// sqlair package within a transaction that depends on the input
	// context. Retry semantics are applied automatically on transient
	// failures. This is the function that almost all consumers should use.
	Txn(context.Context, func(context.Context, *sqlair.TX) error) error

	// StdTxn executes the input function against the database within a
	// standard library transaction that depends on the input context.
	// Retry semantics are applied automatically on transient failures.
	StdTxn(context.Context, func(context.Context, *sql.Tx) error) error
}

// TxnRunnerFactory provides a function for getting a TxnRunner, defined
// as a type so it can be pinned to a given database by the caller that
// wires the storage engine together.
type TxnRunnerFactory = func() (TxnRunner, error)
