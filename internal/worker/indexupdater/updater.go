// Copyright 2024 The roomstate authors.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package indexupdater runs declared background index builds against the
// database, one build per wakeup, so index creation never blocks foreground
// reads and writes for longer than a single build. Completion is recorded
// durably, making builds idempotent and resumable across restarts.
package indexupdater

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"gopkg.in/tomb.v2"

	coredatabase "github.com/fedchat/roomstate/core/database"
)

// IndexBuild describes a desired end-state index. Only the declaration
// lives with the schema; execution belongs to this runner.
type IndexBuild struct {
	// Name identifies the build for progress tracking. Names must never
	// be reused for a different index.
	Name string

	IndexName string
	Table     string
	Columns   []string

	// Where, if set, makes the index partial.
	Where string
}

// Registry collects background index builds declared by schema packages.
type Registry struct {
	mu     sync.Mutex
	builds []IndexBuild
	names  set.Strings
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{names: set.NewStrings()}
}

// RegisterBackgroundIndexBuild declares an index build. Re-registering a
// name is a no-op, so declarations can run on every startup.
func (r *Registry) RegisterBackgroundIndexBuild(name, indexName, table string, columns []string, where string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.names.Contains(name) {
		return
	}
	r.names.Add(name)
	r.builds = append(r.builds, IndexBuild{
		Name:      name,
		IndexName: indexName,
		Table:     table,
		Columns:   columns,
		Where:     where,
	})
}

// Builds returns the registered builds in registration order.
func (r *Registry) Builds() []IndexBuild {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]IndexBuild(nil), r.builds...)
}

// Config holds the dependencies of an Updater.
type Config struct {
	Runner   coredatabase.TxnRunner
	Registry *Registry
	Clock    clock.Clock
	Logger   loggo.Logger

	// Interval is how long the updater sleeps between builds and between
	// polls once every registered build is complete.
	Interval time.Duration
}

// Validate returns an error if the config cannot drive an updater.
func (c Config) Validate() error {
	if c.Runner == nil {
		return errors.NotValidf("nil Runner")
	}
	if c.Registry == nil {
		return errors.NotValidf("nil Registry")
	}
	if c.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if c.Interval <= 0 {
		return errors.NotValidf("non-positive Interval")
	}
	return nil
}

// Updater executes registered index builds in the background.
type Updater struct {
	tomb tomb.Tomb
	cfg  Config
}

// NewUpdater returns a started updater.
func NewUpdater(cfg Config) (*Updater, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	u := &Updater{cfg: cfg}
	u.tomb.Go(u.loop)
	return u, nil
}

// Kill asks the updater to stop.
func (u *Updater) Kill() {
	u.tomb.Kill(nil)
}

// Wait blocks until the updater has stopped.
func (u *Updater) Wait() error {
	return u.tomb.Wait()
}

func (u *Updater) loop() error {
	ctx := u.tomb.Context(context.Background())

	if err := u.ensureProgressTable(ctx); err != nil {
		return errors.Trace(err)
	}

	for {
		build, ok, err := u.nextPending(ctx)
		if err != nil {
			return errors.Trace(err)
		}
		if ok {
			if err := u.runBuild(ctx, build); err != nil {
				return errors.Annotatef(err, "building index %q", build.IndexName)
			}
			u.cfg.Logger.Infof("built background index %q on %s", build.IndexName, build.Table)
		}

		// Yield between builds. Once everything registered is complete
		// this degrades into a poll for late registrations.
		select {
		case <-u.tomb.Dying():
			return tomb.ErrDying
		case <-u.cfg.Clock.After(u.cfg.Interval):
		}
	}
}

func (u *Updater) ensureProgressTable(ctx context.Context) error {
	return errors.Trace(u.cfg.Runner.StdTxn(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS background_updates (
    update_name     TEXT PRIMARY KEY,
    completed_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);`[1:])
		return errors.Trace(err)
	}))
}

// nextPending returns the first registered build with no completion record.
func (u *Updater) nextPending(ctx context.Context) (IndexBuild, bool, error) {
	builds := u.cfg.Registry.Builds()
	if len(builds) == 0 {
		return IndexBuild{}, false, nil
	}

	var (
		pending IndexBuild
		found   bool
	)
	err := u.cfg.Runner.StdTxn(ctx, func(ctx context.Context, tx *sql.Tx) error {
		completed := set.NewStrings()
		rows, err := tx.QueryContext(ctx, "SELECT update_name FROM background_updates")
		if err != nil {
			return errors.Trace(err)
		}
		defer rows.Close()
		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err != nil {
				return errors.Trace(err)
			}
			completed.Add(name)
		}
		if err := rows.Err(); err != nil {
			return errors.Trace(err)
		}

		for _, build := range builds {
			if !completed.Contains(build.Name) {
				pending = build
				found = true
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return IndexBuild{}, false, errors.Trace(err)
	}
	return pending, found, nil
}

func (u *Updater) runBuild(ctx context.Context, build IndexBuild) error {
	ddl := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)",
		build.IndexName, build.Table, strings.Join(build.Columns, ", "))
	if build.Where != "" {
		ddl += " WHERE " + build.Where
	}

	return errors.Trace(u.cfg.Runner.StdTxn(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, ddl); err != nil {
			return errors.Trace(err)
		}
		_, err := tx.ExecContext(ctx,
			"INSERT INTO background_updates (update_name) VALUES (?) ON CONFLICT (update_name) DO NOTHING",
			build.Name,
		)
		return errors.Trace(err)
	}))
}
