// Copyright 2024 The roomstate authors.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package domain holds the plumbing shared by the state (persistence)
// layers: acquisition of a transaction runner and caching of prepared
// sqlair statements.
package domain

import (
	"context"
	"sync"

	"github.com/canonical/sqlair"
	"github.com/juju/errors"

	coredatabase "github.com/fedchat/roomstate/core/database"
)

// StateBase defines a base struct for requesting a database and preparing
// sqlair statements. Statement preparation is memoized on query text, so
// repeated calls for the same query are cheap.
type StateBase struct {
	getDB coredatabase.TxnRunnerFactory

	mu    sync.Mutex
	stmts map[string]*sqlair.Statement
}

// NewStateBase returns a new StateBase.
func NewStateBase(getDB coredatabase.TxnRunnerFactory) *StateBase {
	return &StateBase{
		getDB: getDB,
		stmts: make(map[string]*sqlair.Statement),
	}
}

// DB returns the database runner for the state.
func (st *StateBase) DB(ctx context.Context) (coredatabase.TxnRunner, error) {
	if st.getDB == nil {
		return nil, errors.New("nil getDB")
	}
	db, err := st.getDB()
	if err != nil {
		return nil, errors.Annotate(err, "invoking getDB")
	}
	return db, ctx.Err()
}

// Prepare works like sqlair.Prepare, caching the prepared statement against
// the query text for reuse by later calls.
func (st *StateBase) Prepare(query string, typeSamples ...any) (*sqlair.Statement, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if stmt, ok := st.stmts[query]; ok {
		return stmt, nil
	}

	stmt, err := sqlair.Prepare(query, typeSamples...)
	if err != nil {
		return nil, errors.Annotate(err, "preparing")
	}
	st.stmts[query] = stmt
	return stmt, nil
}
