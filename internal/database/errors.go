// Copyright 2024 The roomstate authors.
// Licensed under the AGPLv3, see LICENCE file for details.

package database

import (
	"strings"

	"github.com/juju/errors"
	"github.com/mattn/go-sqlite3"
)

// IsErrRetryable returns true if the given error might be transient and the
// interaction can be safely retried. Transaction retry policy lives in the
// txn runner; nothing above it retries.
func IsErrRetryable(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return true
		}
	}

	// Unwrapped driver errors surface as strings in some paths.
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "cannot start a transaction within a transaction")
}

// IsErrConstraintUnique returns true if the input error was returned by
// SQLite due to violation of a unique constraint.
func IsErrConstraintUnique(err error) bool {
	return isExtendedErr(err, sqlite3.ErrConstraintUnique)
}

// IsErrConstraintPrimaryKey returns true if the input error was returned by
// SQLite due to violation of a primary key constraint.
func IsErrConstraintPrimaryKey(err error) bool {
	return isExtendedErr(err, sqlite3.ErrConstraintPrimaryKey)
}

// IsErrConstraintForeignKey returns true if the input error was returned by
// SQLite due to violation of a foreign key constraint.
func IsErrConstraintForeignKey(err error) bool {
	return isExtendedErr(err, sqlite3.ErrConstraintForeignKey)
}

func isExtendedErr(err error, code sqlite3.ErrNoExtended) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == code
	}
	return false
}
