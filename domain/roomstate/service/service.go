// Copyright 2024 The roomstate authors.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package service composes the delta store with the engine's caches: the
// per-room current-state cache, the per-event state-group cache, and the
// write coordinator that keeps the latter warm across commits.
package service

import (
	"context"
	"sort"
	"strings"

	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"golang.org/x/sync/singleflight"

	corestate "github.com/fedchat/roomstate/core/state"
	roomstateerrors "github.com/fedchat/roomstate/domain/roomstate/errors"
	"github.com/fedchat/roomstate/internal/cache"
)

const (
	// currentStateCacheWeight bounds the current-state cache in state
	// entries, not rooms: a room's mapping weighs as many units as it has
	// entries, so room size differences of orders of magnitude are
	// accounted for instead of starving large rooms or wasting capacity
	// on small ones.
	currentStateCacheWeight = 100000

	// eventGroupCacheSize bounds the event-to-group item cache. Entries
	// are uniform, so weight is count here.
	eventGroupCacheSize = 50000
)

// State describes the delta store surface the service consumes.
type State interface {
	// GetStateGroupForEvent returns the state group assigned to the
	// event, with false for soft absence.
	GetStateGroupForEvent(ctx context.Context, eventID string) (corestate.GroupID, bool, error)

	// GetStateGroupsForEvents returns the assignments for the given
	// events in one storage round trip; unassigned events are omitted.
	GetStateGroupsForEvents(ctx context.Context, ids []string) (map[string]corestate.GroupID, error)

	// GetCurrentStateRows returns a room's full current-state mapping.
	GetCurrentStateRows(ctx context.Context, roomID string) (corestate.StateMap, error)

	// GetFilteredCurrentStateRows returns the subset of a room's current
	// state admitted by the filter, pushed down to storage.
	GetFilteredCurrentStateRows(ctx context.Context, roomID string, filter corestate.Filter) (corestate.StateMap, error)

	// AssignEventStateGroups bulk-inserts assignments in one transaction.
	AssignEventStateGroups(ctx context.Context, assignments map[string]corestate.GroupID) error
}

// EventGetter loads events by ID. It is an external collaborator; this
// engine never stores event bodies.
type EventGetter interface {
	// GetEvent returns the event with the given ID, or an error
	// satisfying errors.NotFound if no such event exists.
	GetEvent(ctx context.Context, eventID string) (corestate.Event, error)
}

// groupEntry is the cached result of an event-to-group lookup. Absence is
// cached too: "no assignment" is an answer, and recomputing it for hot
// unassigned events would defeat the cache.
type groupEntry struct {
	group corestate.GroupID
	ok    bool
}

// Service provides the read and write surface of the state-group storage
// engine. One Service is constructed per process and passed by reference;
// it owns all cache state.
type Service struct {
	st     State
	events EventGetter
	logger loggo.Logger

	currentState *cache.Cache[corestate.StateMap]
	eventGroups  *cache.Cache[groupEntry]

	// batchFlights coalesces concurrent identical batched event-to-group
	// lookups, keyed on the sorted set of cache misses.
	batchFlights singleflight.Group
}

// NewService returns a new Service backed by the given delta store and
// event loader.
func NewService(st State, events EventGetter, logger loggo.Logger) *Service {
	return &Service{
		st:     st,
		events: events,
		logger: logger,
		currentState: cache.New(currentStateCacheWeight, func(m corestate.StateMap) int {
			return len(m)
		}),
		eventGroups: cache.New[groupEntry](eventGroupCacheSize, nil),
	}
}

// GetCurrentStateIDs returns the full (type, state key) -> event ID mapping
// for a room. Results are cached per room with weighted accounting;
// concurrent calls for the same uncached room share a single storage read.
//
// The returned map is shared with the cache and must not be mutated.
func (s *Service) GetCurrentStateIDs(ctx context.Context, roomID string) (corestate.StateMap, error) {
	result, err := s.currentState.GetOrFetch(ctx, roomID, func(ctx context.Context) (corestate.StateMap, error) {
		return s.st.GetCurrentStateRows(ctx, roomID)
	})
	return result, errors.Trace(err)
}

// GetFilteredCurrentStateIDs returns the subset of a room's current state
// admitted by the filter. The trivial filter delegates to
// GetCurrentStateIDs and shares its cache; any other filter is pushed down
// to storage and the result is not cached, so every such call re-reads
// storage. Filtered reads are assumed low-volume; caching per filter would
// mean a combinatorial key space.
func (s *Service) GetFilteredCurrentStateIDs(ctx context.Context, roomID string, filter corestate.Filter) (corestate.StateMap, error) {
	if filter.IsAll() {
		return s.GetCurrentStateIDs(ctx, roomID)
	}
	result, err := s.st.GetFilteredCurrentStateRows(ctx, roomID, filter)
	return result, errors.Trace(err)
}

// GetCreateEventForRoom returns the room's create event. It fails with
// RoomNotFound if the room has no create event in its current state.
func (s *Service) GetCreateEventForRoom(ctx context.Context, roomID string) (corestate.Event, error) {
	stateIDs, err := s.GetCurrentStateIDs(ctx, roomID)
	if err != nil {
		return corestate.Event{}, errors.Trace(err)
	}

	createID, ok := stateIDs[corestate.CreateKey]
	if !ok {
		return corestate.Event{}, errors.Annotatef(roomstateerrors.RoomNotFound, "room %q", roomID)
	}

	event, err := s.events.GetEvent(ctx, createID)
	if err != nil {
		return corestate.Event{}, errors.Annotatef(err, "loading create event %q of room %q", createID, roomID)
	}
	return event, nil
}

// GetRoomVersion returns the room's version from its create event,
// defaulting to "1" when the create event does not carry one. It fails
// with RoomNotFound if the room is unknown.
func (s *Service) GetRoomVersion(ctx context.Context, roomID string) (string, error) {
	create, err := s.GetCreateEventForRoom(ctx, roomID)
	if err != nil {
		return "", errors.Trace(err)
	}
	version, err := create.RoomVersion()
	return version, errors.Trace(err)
}

// GetRoomPredecessor returns the room this room was upgraded from, or nil
// if it has no predecessor. It fails with RoomNotFound if the room is
// unknown.
func (s *Service) GetRoomPredecessor(ctx context.Context, roomID string) (*corestate.Predecessor, error) {
	create, err := s.GetCreateEventForRoom(ctx, roomID)
	if err != nil {
		return nil, errors.Trace(err)
	}
	predecessor, err := create.RoomPredecessor()
	return predecessor, errors.Trace(err)
}

// GetCanonicalAliasForRoom returns the room's canonical alias, if any.
// Absence of the state key, the event, or the content field is not an
// error; the second return is false throughout.
func (s *Service) GetCanonicalAliasForRoom(ctx context.Context, roomID string) (string, bool, error) {
	stateIDs, err := s.GetFilteredCurrentStateIDs(
		ctx, roomID, corestate.FilterFromTypes(corestate.CanonicalAliasKey),
	)
	if err != nil {
		return "", false, errors.Trace(err)
	}

	eventID, ok := stateIDs[corestate.CanonicalAliasKey]
	if !ok {
		return "", false, nil
	}

	event, err := s.events.GetEvent(ctx, eventID)
	if errors.Is(err, errors.NotFound) {
		return "", false, nil
	} else if err != nil {
		return "", false, errors.Annotatef(err, "loading canonical alias event %q", eventID)
	}

	alias, ok := event.CanonicalAlias()
	return alias, ok, nil
}

// GetStateGroupForEvent returns the state group assigned to the event.
// False means the event has no assignment, which is distinct from a lookup
// failure and is not an error.
func (s *Service) GetStateGroupForEvent(ctx context.Context, eventID string) (corestate.GroupID, bool, error) {
	entry, err := s.eventGroups.GetOrFetch(ctx, eventID, func(ctx context.Context) (groupEntry, error) {
		group, ok, err := s.st.GetStateGroupForEvent(ctx, eventID)
		if err != nil {
			return groupEntry{}, errors.Trace(err)
		}
		return groupEntry{group: group, ok: ok}, nil
	})
	if err != nil {
		return 0, false, errors.Trace(err)
	}
	return entry.group, entry.ok, nil
}

// GetStateGroupForEvents returns the state groups assigned to the given
// events. Cached keys are served directly; the remaining keys are fetched
// in at most one storage round trip, and every fetched key populates the
// item cache. Concurrent calls missing the same set of keys attach to one
// in-flight fetch rather than each reading storage. Events with no
// assignment are absent from the result.
func (s *Service) GetStateGroupForEvents(ctx context.Context, eventIDs []string) (map[string]corestate.GroupID, error) {
	result := make(map[string]corestate.GroupID, len(eventIDs))

	var misses []string
	seen := make(map[string]struct{}, len(eventIDs))
	for _, id := range eventIDs {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}

		if entry, ok := s.eventGroups.Get(id); ok {
			if entry.ok {
				result[id] = entry.group
			}
			continue
		}
		misses = append(misses, id)
	}
	if len(misses) == 0 {
		return result, nil
	}

	entries, err := s.fetchGroupEntries(ctx, misses)
	if err != nil {
		return nil, errors.Trace(err)
	}
	for id, entry := range entries {
		if entry.ok {
			result[id] = entry.group
		}
	}
	return result, nil
}

// fetchGroupEntries resolves assignments for the given cache misses,
// coalescing concurrent identical miss sets into one flight. The flight
// re-checks the item cache after election, so an identical batch arriving
// just after a completed flight reads storage zero times.
func (s *Service) fetchGroupEntries(ctx context.Context, misses []string) (map[string]groupEntry, error) {
	sorted := append([]string(nil), misses...)
	sort.Strings(sorted)
	key := strings.Join(sorted, "\x1f")

	value, err, _ := s.batchFlights.Do(key, func() (any, error) {
		entries := make(map[string]groupEntry, len(misses))
		var need []string
		for _, id := range sorted {
			if entry, ok := s.eventGroups.Get(id); ok {
				entries[id] = entry
				continue
			}
			need = append(need, id)
		}
		if len(need) == 0 {
			return entries, nil
		}

		fetched, err := s.st.GetStateGroupsForEvents(ctx, need)
		if err != nil {
			return nil, errors.Trace(err)
		}
		for _, id := range need {
			group, ok := fetched[id]
			entry := groupEntry{group: group, ok: ok}
			s.eventGroups.Prefill(id, entry)
			entries[id] = entry
		}
		return entries, nil
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return value.(map[string]groupEntry), nil
}

// StoreEventStateAssignments records the state group assigned to each event
// in one storage transaction, then prefills the event-to-group cache for
// every assignment made.
//
// Per pair, in order: outliers are skipped entirely; rejected events are
// assigned their context's previous group, inheriting the predecessor's
// state; everything else is assigned the group decided by state resolution.
//
// The ordering here is load-bearing: the cache is only prefilled after the
// transaction commits, so a reader can never observe a state group for an
// event whose assignment is not yet durable.
func (s *Service) StoreEventStateAssignments(ctx context.Context, pairs []corestate.EventAndContext) error {
	assignments := make(map[string]corestate.GroupID, len(pairs))
	for _, pair := range pairs {
		if pair.Event.Outlier {
			continue
		}
		if pair.Context.Rejected {
			assignments[pair.Event.ID] = pair.Context.PrevGroup
			continue
		}
		assignments[pair.Event.ID] = pair.Context.StateGroup
	}
	if len(assignments) == 0 {
		return nil
	}

	if err := s.st.AssignEventStateGroups(ctx, assignments); err != nil {
		return errors.Annotate(err, "storing event state assignments")
	}

	for eventID, group := range assignments {
		s.eventGroups.Prefill(eventID, groupEntry{group: group, ok: true})
	}
	s.logger.Tracef("stored %d event state assignments", len(assignments))
	return nil
}
