// Copyright 2024 The roomstate authors.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package schema declares the persisted relations of the state-group
// storage engine, plus the index builds that are too expensive to create
// in-line and are handed to the background index updater instead.
package schema

import (
	"github.com/fedchat/roomstate/core/database/schema"
)

// StateDDL returns the schema for the state-group storage engine.
func StateDDL() *schema.Schema {
	patches := []func() schema.Patch{
		stateGroupsSchema,
		stateGroupEdgesSchema,
		stateGroupsStateSchema,
		eventToStateGroupsSchema,
		currentStateEventsSchema,
	}

	stateSchema := schema.New()
	for _, fn := range patches {
		stateSchema.Add(fn())
	}
	return stateSchema
}

// stateGroupsSchema holds group identity and room scope. The event_id
// column records the first event associated with the group; it serves
// diagnostics and backfill, never resolution.
func stateGroupsSchema() schema.Patch {
	return schema.MakePatch(`
CREATE TABLE state_groups (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    room_id     TEXT NOT NULL,
    event_id    TEXT NOT NULL
);`[1:])
}

// stateGroupEdgesSchema links a group to its immediate ancestor. A group
// with no edge is a root holding a full snapshot.
func stateGroupEdgesSchema() schema.Patch {
	return schema.MakePatch(`
CREATE TABLE state_group_edges (
    state_group         INTEGER NOT NULL REFERENCES state_groups (id),
    prev_state_group    INTEGER NOT NULL REFERENCES state_groups (id)
);

CREATE UNIQUE INDEX state_group_edges_unique_idx
    ON state_group_edges (state_group, prev_state_group);`[1:])
}

// stateGroupsStateSchema holds a group's delta contents: only the entries
// that changed relative to the ancestor, or the full snapshot for roots.
func stateGroupsStateSchema() schema.Patch {
	return schema.MakePatch(`
CREATE TABLE state_groups_state (
    state_group     INTEGER NOT NULL REFERENCES state_groups (id),
    room_id         TEXT NOT NULL,
    type            TEXT NOT NULL,
    state_key       TEXT NOT NULL,
    event_id        TEXT NOT NULL
);

CREATE INDEX state_groups_state_group_idx
    ON state_groups_state (state_group);`[1:])
}

// eventToStateGroupsSchema is the assignment table: exactly one state group
// per non-outlier event. Rows are created once and never updated.
func eventToStateGroupsSchema() schema.Patch {
	return schema.MakePatch(`
CREATE TABLE event_to_state_groups (
    event_id        TEXT PRIMARY KEY,
    state_group     INTEGER NOT NULL REFERENCES state_groups (id)
);`[1:])
}

// currentStateEventsSchema is the materialized current-state view. It is
// kept in sync externally by the event-persistence path; this engine only
// reads it.
func currentStateEventsSchema() schema.Patch {
	return schema.MakePatch(`
CREATE TABLE current_state_events (
    room_id     TEXT NOT NULL,
    type        TEXT NOT NULL,
    state_key   TEXT NOT NULL,
    event_id    TEXT NOT NULL,
    PRIMARY KEY (room_id, type, state_key)
);`[1:])
}
