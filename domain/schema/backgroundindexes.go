// Copyright 2024 The roomstate authors.
// Licensed under the AGPLv3, see LICENCE file for details.

package schema

// Background index build names. The names are part of the migration
// contract: a runner tracks completion against them, so they must never be
// reused for a different index.
const (
	CurrentStateMembersIndexBuild  = "current_state_members_idx"
	EventToStateGroupsSGIndexBuild = "event_to_state_groups_sg_index"
	currentStateMembersIndexName   = "current_state_events_member_index"
	eventToStateGroupsSGIndexName  = "event_to_state_groups_sg_index"
)

// IndexBuilder registers desired end-state indexes with a background
// migration runner. Chunking, resumption after restart and progress
// tracking are the runner's contract, not the caller's.
type IndexBuilder interface {
	RegisterBackgroundIndexBuild(name, indexName, table string, columns []string, where string)
}

// RegisterBackgroundIndexBuilds declares the engine's background index
// builds: a membership-scoped index over current-state state keys, and an
// index over the assignment table's state_group column.
func RegisterBackgroundIndexBuilds(builder IndexBuilder) {
	builder.RegisterBackgroundIndexBuild(
		CurrentStateMembersIndexBuild,
		currentStateMembersIndexName,
		"current_state_events",
		[]string{"state_key"},
		"type='m.room.member'",
	)
	builder.RegisterBackgroundIndexBuild(
		EventToStateGroupsSGIndexBuild,
		eventToStateGroupsSGIndexName,
		"event_to_state_groups",
		[]string{"state_group"},
		"",
	)
}
