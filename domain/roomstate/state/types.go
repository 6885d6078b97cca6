// Copyright 2024 The roomstate authors.
// Licensed under the AGPLv3, see LICENCE file for details.

package state

// stateGroupRow maps to the state_groups table.
type stateGroupRow struct {
	ID      int64  `db:"id"`
	RoomID  string `db:"room_id"`
	EventID string `db:"event_id"`
}

// stateGroupEdge maps to the state_group_edges table, linking a group to
// its immediate ancestor.
type stateGroupEdge struct {
	StateGroup     int64 `db:"state_group"`
	PrevStateGroup int64 `db:"prev_state_group"`
}

// stateRow maps to the state_groups_state table: one delta entry of a
// group.
type stateRow struct {
	StateGroup int64  `db:"state_group"`
	RoomID     string `db:"room_id"`
	Type       string `db:"type"`
	StateKey   string `db:"state_key"`
	EventID    string `db:"event_id"`
}

// assignmentRow maps to the event_to_state_groups table.
type assignmentRow struct {
	EventID    string `db:"event_id"`
	StateGroup int64  `db:"state_group"`
}

// currentStateRow maps to the current_state_events materialized view.
type currentStateRow struct {
	RoomID   string `db:"room_id"`
	Type     string `db:"type"`
	StateKey string `db:"state_key"`
	EventID  string `db:"event_id"`
}

// eventIDs is a named slice type for sqlair IN expressions.
type eventIDs []string
