// Copyright 2024 The roomstate authors.
// Licensed under the AGPLv3, see LICENCE file for details.

package schema

import (
	"context"
	"database/sql"

	"github.com/juju/errors"

	coredatabase "github.com/fedchat/roomstate/core/database"
)

// Patch is a single DDL step applied to a database.
type Patch struct {
	statement string
}

// MakePatch returns a patch that applies the given statement verbatim.
func MakePatch(statement string) Patch {
	return Patch{statement: statement}
}

// Schema is an ordered set of patches. Patches are applied exactly once,
// in the order they were added; the applied count is tracked in a schema
// table so that Ensure is idempotent across restarts.
type Schema struct {
	patches []Patch
}

// New returns a schema consisting of the given patches.
func New(patches ...Patch) *Schema {
	return &Schema{patches: patches}
}

// Add appends patches to the schema.
func (s *Schema) Add(patches ...Patch) {
	s.patches = append(s.patches, patches...)
}

// Len returns the number of patches in the schema.
func (s *Schema) Len() int {
	return len(s.patches)
}

// Ensure applies any patches not yet applied to the database, returning
// the post-state patch level. The whole operation runs in one transaction:
// either every outstanding patch lands, or none do.
func (s *Schema) Ensure(ctx context.Context, runner coredatabase.TxnRunner) (int, error) {
	current := -1
	err := runner.StdTxn(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if err := ensureSchemaTable(ctx, tx); err != nil {
			return errors.Annotate(err, "ensuring schema table")
		}

		applied, err := queryCurrentVersion(ctx, tx)
		if err != nil {
			return errors.Trace(err)
		}
		if applied > len(s.patches) {
			return errors.Errorf("schema version %d ahead of known patches %d", applied, len(s.patches))
		}

		for i := applied; i < len(s.patches); i++ {
			if _, err := tx.ExecContext(ctx, s.patches[i].statement); err != nil {
				return errors.Annotatef(err, "applying patch %d", i)
			}
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO schema (version) VALUES (?)", i+1,
			); err != nil {
				return errors.Annotatef(err, "recording patch %d", i)
			}
		}
		current = len(s.patches)
		return nil
	})
	if err != nil {
		return -1, errors.Trace(err)
	}
	return current, nil
}

func ensureSchemaTable(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema (
    version    INTEGER PRIMARY KEY,
    applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);`[1:])
	return errors.Trace(err)
}

func queryCurrentVersion(ctx context.Context, tx *sql.Tx) (int, error) {
	row := tx.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema")
	var version int
	if err := row.Scan(&version); err != nil {
		return -1, errors.Annotate(err, "querying schema version")
	}
	return version, nil
}
