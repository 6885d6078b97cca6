// Copyright 2024 The roomstate authors.
// Licensed under the AGPLv3, see LICENCE file for details.

package state

// GroupID identifies a state group: an immutable snapshot of room state,
// stored either as a full snapshot (root) or as a delta against a parent
// group.
type GroupID int64

// StateKey identifies a single entry of room state, e.g.
// ("m.room.member", "@alice:example.org").
type StateKey struct {
	Type string
	Key  string
}

// StateMap is the resolved (type, state key) -> event ID mapping for a room
// at some state group.
type StateMap map[StateKey]string

// Clone returns a copy of the map. Cached state maps are shared between
// callers, so anything that mutates a result must clone it first.
func (m StateMap) Clone() StateMap {
	out := make(StateMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// EventContext carries the state-resolution decision attached to an event
// while it is being persisted. The state group held here is decided by the
// external resolver; this package only records it.
type EventContext struct {
	// StateGroup is the group assigned to the event by state resolution.
	StateGroup GroupID

	// PrevGroup is the group of the event's predecessor, where known.
	// Rejected events inherit it instead of StateGroup.
	PrevGroup GroupID

	// Rejected is true if the event failed acceptance checks. It is still
	// recorded, but never introduces a state change of its own.
	Rejected bool
}

// EventAndContext pairs an event with its processing context for bulk
// assignment.
type EventAndContext struct {
	Event   Event
	Context EventContext
}

// Predecessor describes the room a given room was upgraded from.
type Predecessor struct {
	RoomID  string `json:"room_id"`
	EventID string `json:"event_id"`
}
