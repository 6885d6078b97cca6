// Copyright 2024 The roomstate authors.
// Licensed under the AGPLv3, see LICENCE file for details.

package errors

import "github.com/juju/errors"

const (
	// RoomNotFound is raised when a room has no discoverable create-event
	// state. Absence of a single state key within a known room is not an
	// error and is never reported this way.
	RoomNotFound = errors.ConstError("room not found")

	// StateGroupNotFound is raised when a state group referenced by a
	// caller does not exist.
	StateGroupNotFound = errors.ConstError("state group not found")

	// ChainTooDeep is raised when resolving a state group would require
	// walking more than the permitted number of ancestor hops. Groups
	// created through this engine are flattened at the cap on the write
	// path, so this indicates data written by something else.
	ChainTooDeep = errors.ConstError("state group delta chain too deep")
)
