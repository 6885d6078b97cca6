// Copyright 2024 The roomstate authors.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package testing provides a suite that backs state tests with a real
// in-memory SQLite database behind the same transaction runner used in
// production.
package testing

import (
	"context"
	"database/sql"

	"github.com/canonical/sqlair"
	"github.com/juju/errors"
	jujutesting "github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	_ "github.com/mattn/go-sqlite3"
	gc "gopkg.in/check.v1"

	coredatabase "github.com/fedchat/roomstate/core/database"
	"github.com/fedchat/roomstate/internal/database/txn"
)

var defaultTransactionRunner = txn.NewRetryingTxnRunner()

// txnRunner adapts a sqlair database to the TxnRunner contract for tests.
type txnRunner struct {
	db *sqlair.DB
}

// Txn executes the input function within a sqlair transaction.
func (t *txnRunner) Txn(ctx context.Context, fn func(context.Context, *sqlair.TX) error) error {
	return errors.Trace(defaultTransactionRunner.Txn(ctx, t.db, fn))
}

// StdTxn executes the input function within a standard library transaction.
func (t *txnRunner) StdTxn(ctx context.Context, fn func(context.Context, *sql.Tx) error) error {
	return errors.Trace(defaultTransactionRunner.StdTxn(ctx, t.db.PlainDB(), fn))
}

// StoreSuite is a base suite opening a fresh in-memory database per test.
type StoreSuite struct {
	jujutesting.IsolationSuite

	db     *sql.DB
	runner coredatabase.TxnRunner
}

// SetUpTest opens the database and wires the runner.
func (s *StoreSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)

	db, err := sql.Open("sqlite3", ":memory:?_fk=true")
	c.Assert(err, jc.ErrorIsNil)

	// A single pooled connection keeps every transaction on the one
	// in-memory database instance.
	db.SetMaxOpenConns(1)

	s.db = db
	s.runner = &txnRunner{db: sqlair.NewDB(db)}

	s.AddCleanup(func(c *gc.C) {
		c.Assert(s.db.Close(), jc.ErrorIsNil)
	})
}

// DB returns the raw database, for seeding and direct assertions.
func (s *StoreSuite) DB() *sql.DB {
	return s.db
}

// TxnRunner returns the transaction runner for the suite database.
func (s *StoreSuite) TxnRunner() coredatabase.TxnRunner {
	return s.runner
}

// TxnRunnerFactory returns a factory pinned to the suite database.
func (s *StoreSuite) TxnRunnerFactory() coredatabase.TxnRunnerFactory {
	return func() (coredatabase.TxnRunner, error) {
		if s.runner == nil {
			return nil, errors.New("nil db")
		}
		return s.runner, nil
	}
}
