// Copyright 2024 The roomstate authors.
// Licensed under the AGPLv3, see LICENCE file for details.

package state

import (
	"encoding/json"

	"github.com/juju/errors"
)

// Event types and keys that the storage engine interprets. Everything else
// passes through as opaque (type, state key) pairs.
const (
	EventTypeCreate         = "m.room.create"
	EventTypeMember         = "m.room.member"
	EventTypeCanonicalAlias = "m.room.canonical_alias"
)

// CreateKey is the state key of a room's create event, which is always the
// empty string.
var CreateKey = StateKey{Type: EventTypeCreate, Key: ""}

// CanonicalAliasKey is the state key under which a room's canonical alias
// lives.
var CanonicalAliasKey = StateKey{Type: EventTypeCanonicalAlias, Key: ""}

// Event is the engine's view of a room event: an identifier with a content
// payload. Signature and auth validation happen elsewhere; content is
// treated as opaque JSON except for the few fields the composed reads need.
type Event struct {
	ID       string
	RoomID   string
	Type     string
	StateKey string

	// Content is the event's content payload, verbatim.
	Content json.RawMessage

	// Outlier marks an event outside the accepted room state graph.
	// Outliers are never assigned a state group.
	Outlier bool
}

// createContent is the subset of m.room.create content the engine reads.
type createContent struct {
	RoomVersion *string      `json:"room_version"`
	Predecessor *Predecessor `json:"predecessor"`
}

// RoomVersion returns the room_version field of a create event's content,
// defaulting to "1" when the field is absent.
func (e Event) RoomVersion() (string, error) {
	var content createContent
	if err := json.Unmarshal(e.Content, &content); err != nil {
		return "", errors.Annotatef(err, "decoding content of event %q", e.ID)
	}
	if content.RoomVersion == nil {
		return "1", nil
	}
	return *content.RoomVersion, nil
}

// RoomPredecessor returns the predecessor field of a create event's content,
// or nil if the room was not upgraded from another.
func (e Event) RoomPredecessor() (*Predecessor, error) {
	var content createContent
	if err := json.Unmarshal(e.Content, &content); err != nil {
		return nil, errors.Annotatef(err, "decoding content of event %q", e.ID)
	}
	return content.Predecessor, nil
}

// CanonicalAlias returns the canonical_alias field of the event's content,
// or false if the field is absent or empty.
func (e Event) CanonicalAlias() (string, bool) {
	var content struct {
		CanonicalAlias string `json:"canonical_alias"`
	}
	if err := json.Unmarshal(e.Content, &content); err != nil {
		return "", false
	}
	if content.CanonicalAlias == "" {
		return "", false
	}
	return content.CanonicalAlias, true
}
