// Copyright 2024 The roomstate authors.
// Licensed under the AGPLv3, see LICENCE file for details.

package service

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	corestate "github.com/fedchat/roomstate/core/state"
	roomstateerrors "github.com/fedchat/roomstate/domain/roomstate/errors"
)

type serviceSuite struct {
	state  *stubState
	events *stubEvents
}

var _ = gc.Suite(&serviceSuite{})

func (s *serviceSuite) SetUpTest(c *gc.C) {
	s.state = &stubState{
		currentState: make(map[string]corestate.StateMap),
		assignments:  make(map[string]corestate.GroupID),
	}
	s.events = &stubEvents{events: make(map[string]corestate.Event)}
}

func (s *serviceSuite) service() *Service {
	return NewService(s.state, s.events, loggo.GetLogger("test"))
}

func (s *serviceSuite) TestGetCurrentStateIDsCachesPerRoom(c *gc.C) {
	memberKey := corestate.StateKey{Type: corestate.EventTypeMember, Key: "@alice:hs"}
	s.state.currentState["!a:hs"] = corestate.StateMap{
		corestate.CreateKey: "$create",
		memberKey:           "$join",
	}
	s.state.currentState["!b:hs"] = corestate.StateMap{
		corestate.CreateKey: "$other",
	}
	svc := s.service()

	got, err := svc.GetCurrentStateIDs(context.Background(), "!a:hs")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(got, jc.DeepEquals, s.state.currentState["!a:hs"])

	_, err = svc.GetCurrentStateIDs(context.Background(), "!a:hs")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(s.state.currentStateReads.Load(), gc.Equals, int32(1))

	_, err = svc.GetCurrentStateIDs(context.Background(), "!b:hs")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(s.state.currentStateReads.Load(), gc.Equals, int32(2))
}

func (s *serviceSuite) TestConcurrentCurrentStateSingleRead(c *gc.C) {
	s.state.currentState["!a:hs"] = corestate.StateMap{corestate.CreateKey: "$create"}
	svc := s.service()

	const callers = 16

	// The storage read does not return until every caller is in flight,
	// so all of them contend for the same uncached room at once.
	s.state.currentStateGate.Add(callers)

	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.state.currentStateGate.Done()
			_, errs[i] = svc.GetCurrentStateIDs(context.Background(), "!a:hs")
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		c.Check(errs[i], jc.ErrorIsNil)
	}
	c.Check(s.state.currentStateReads.Load(), gc.Equals, int32(1))
}

func (s *serviceSuite) TestGetFilteredCurrentStateIDsAllDelegates(c *gc.C) {
	s.state.currentState["!a:hs"] = corestate.StateMap{corestate.CreateKey: "$create"}
	svc := s.service()

	unfiltered, err := svc.GetCurrentStateIDs(context.Background(), "!a:hs")
	c.Assert(err, jc.ErrorIsNil)

	filtered, err := svc.GetFilteredCurrentStateIDs(context.Background(), "!a:hs", corestate.AllFilter())
	c.Assert(err, jc.ErrorIsNil)
	c.Check(filtered, jc.DeepEquals, unfiltered)

	// The trivial filter shares the room cache and never pushes down.
	c.Check(s.state.currentStateReads.Load(), gc.Equals, int32(1))
	c.Check(s.state.filteredReads.Load(), gc.Equals, int32(0))
}

func (s *serviceSuite) TestGetFilteredCurrentStateIDsPushdownUncached(c *gc.C) {
	memberKey := corestate.StateKey{Type: corestate.EventTypeMember, Key: "@alice:hs"}
	s.state.currentState["!a:hs"] = corestate.StateMap{
		corestate.CreateKey: "$create",
		memberKey:           "$join",
	}
	svc := s.service()

	filter := corestate.FilterFromTypes(memberKey)
	got, err := svc.GetFilteredCurrentStateIDs(context.Background(), "!a:hs", filter)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(got, jc.DeepEquals, corestate.StateMap{memberKey: "$join"})

	_, err = svc.GetFilteredCurrentStateIDs(context.Background(), "!a:hs", filter)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(s.state.filteredReads.Load(), gc.Equals, int32(2))
}

func (s *serviceSuite) TestGetCreateEventForRoomNotFound(c *gc.C) {
	s.state.currentState["!a:hs"] = corestate.StateMap{}
	svc := s.service()

	_, err := svc.GetCreateEventForRoom(context.Background(), "!a:hs")
	c.Assert(err, jc.ErrorIs, roomstateerrors.RoomNotFound)

	_, err = svc.GetRoomVersion(context.Background(), "!a:hs")
	c.Assert(err, jc.ErrorIs, roomstateerrors.RoomNotFound)

	_, err = svc.GetRoomPredecessor(context.Background(), "!a:hs")
	c.Assert(err, jc.ErrorIs, roomstateerrors.RoomNotFound)
}

func (s *serviceSuite) TestGetRoomVersionDefault(c *gc.C) {
	s.seedCreateEvent(c, "!a:hs", `{"creator":"@alice:hs"}`)
	svc := s.service()

	version, err := svc.GetRoomVersion(context.Background(), "!a:hs")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(version, gc.Equals, "1")
}

func (s *serviceSuite) TestGetRoomVersionVerbatim(c *gc.C) {
	s.seedCreateEvent(c, "!a:hs", `{"room_version":"10"}`)
	svc := s.service()

	version, err := svc.GetRoomVersion(context.Background(), "!a:hs")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(version, gc.Equals, "10")
}

func (s *serviceSuite) TestGetRoomPredecessor(c *gc.C) {
	s.seedCreateEvent(c, "!a:hs", `{"predecessor":{"room_id":"!old:hs","event_id":"$tombstone"}}`)
	svc := s.service()

	predecessor, err := svc.GetRoomPredecessor(context.Background(), "!a:hs")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(predecessor, gc.NotNil)
	c.Check(predecessor.RoomID, gc.Equals, "!old:hs")

	s.seedCreateEvent(c, "!b:hs", `{}`)
	predecessor, err = svc.GetRoomPredecessor(context.Background(), "!b:hs")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(predecessor, gc.IsNil)
}

func (s *serviceSuite) TestGetCanonicalAliasForRoom(c *gc.C) {
	s.state.currentState["!a:hs"] = corestate.StateMap{
		corestate.CanonicalAliasKey: "$alias",
	}
	s.events.events["$alias"] = corestate.Event{
		ID:      "$alias",
		Type:    corestate.EventTypeCanonicalAlias,
		Content: json.RawMessage(`{"canonical_alias":"#room:hs"}`),
	}
	svc := s.service()

	alias, ok, err := svc.GetCanonicalAliasForRoom(context.Background(), "!a:hs")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(ok, jc.IsTrue)
	c.Check(alias, gc.Equals, "#room:hs")
}

func (s *serviceSuite) TestGetCanonicalAliasForRoomSoftAbsence(c *gc.C) {
	// No canonical_alias state key at all.
	s.state.currentState["!a:hs"] = corestate.StateMap{corestate.CreateKey: "$create"}

	// State key present but the event body is gone.
	s.state.currentState["!b:hs"] = corestate.StateMap{corestate.CanonicalAliasKey: "$missing"}

	// Event present but its content carries no alias.
	s.state.currentState["!c:hs"] = corestate.StateMap{corestate.CanonicalAliasKey: "$empty"}
	s.events.events["$empty"] = corestate.Event{ID: "$empty", Content: json.RawMessage(`{}`)}

	svc := s.service()
	for _, roomID := range []string{"!a:hs", "!b:hs", "!c:hs"} {
		_, ok, err := svc.GetCanonicalAliasForRoom(context.Background(), roomID)
		c.Assert(err, jc.ErrorIsNil)
		c.Check(ok, jc.IsFalse, gc.Commentf("room %q", roomID))
	}
}

func (s *serviceSuite) TestGetStateGroupForEventCaches(c *gc.C) {
	s.state.assignments["$e1"] = 7
	svc := s.service()

	group, ok, err := svc.GetStateGroupForEvent(context.Background(), "$e1")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(ok, jc.IsTrue)
	c.Check(group, gc.Equals, corestate.GroupID(7))

	_, _, err = svc.GetStateGroupForEvent(context.Background(), "$e1")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(s.state.assignmentReads.Load(), gc.Equals, int32(1))
}

func (s *serviceSuite) TestGetStateGroupForEventCachesAbsence(c *gc.C) {
	svc := s.service()

	_, ok, err := svc.GetStateGroupForEvent(context.Background(), "$unknown")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(ok, jc.IsFalse)

	_, ok, err = svc.GetStateGroupForEvent(context.Background(), "$unknown")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(ok, jc.IsFalse)
	c.Check(s.state.assignmentReads.Load(), gc.Equals, int32(1))
}

func (s *serviceSuite) TestGetStateGroupForEventsBatch(c *gc.C) {
	s.state.assignments["$e1"] = 1
	s.state.assignments["$e3"] = 3
	svc := s.service()

	got, err := svc.GetStateGroupForEvents(context.Background(), []string{"$e1", "$e2", "$e3", "$e1"})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(got, jc.DeepEquals, map[string]corestate.GroupID{
		"$e1": 1,
		"$e3": 3,
	})
	c.Check(s.state.batchReads.Load(), gc.Equals, int32(1))

	// A repeat is served entirely from the cache, absences included.
	got, err = svc.GetStateGroupForEvents(context.Background(), []string{"$e1", "$e2", "$e3"})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(got, gc.HasLen, 2)
	c.Check(s.state.batchReads.Load(), gc.Equals, int32(1))
}

func (s *serviceSuite) TestConcurrentBatchedLookupSingleRead(c *gc.C) {
	s.state.assignments["$e1"] = 1
	s.state.assignments["$e2"] = 2
	svc := s.service()

	const callers = 8

	// The storage read does not return until every caller is in flight,
	// so all of them issue the same uncached batch at once.
	s.state.batchGate.Add(callers)

	ids := []string{"$e1", "$e2", "$e3"}
	var wg sync.WaitGroup
	results := make([]map[string]corestate.GroupID, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.state.batchGate.Done()
			results[i], errs[i] = svc.GetStateGroupForEvents(context.Background(), ids)
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		c.Check(errs[i], jc.ErrorIsNil)
		c.Check(results[i], jc.DeepEquals, map[string]corestate.GroupID{
			"$e1": 1,
			"$e2": 2,
		})
	}
	c.Check(s.state.batchReads.Load(), gc.Equals, int32(1))
}

func (s *serviceSuite) TestGetStateGroupForEventsMixedCacheStates(c *gc.C) {
	s.state.assignments["$e1"] = 1
	s.state.assignments["$e2"] = 2
	svc := s.service()

	_, _, err := svc.GetStateGroupForEvent(context.Background(), "$e1")
	c.Assert(err, jc.ErrorIsNil)

	got, err := svc.GetStateGroupForEvents(context.Background(), []string{"$e1", "$e2"})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(got, jc.DeepEquals, map[string]corestate.GroupID{
		"$e1": 1,
		"$e2": 2,
	})

	// Only the uncached key went to storage.
	c.Check(s.state.lastBatch, jc.DeepEquals, []string{"$e2"})
}

func (s *serviceSuite) TestStoreEventStateAssignments(c *gc.C) {
	svc := s.service()

	pairs := []corestate.EventAndContext{{
		Event:   corestate.Event{ID: "$normal"},
		Context: corestate.EventContext{StateGroup: 5, PrevGroup: 4},
	}, {
		Event:   corestate.Event{ID: "$rejected"},
		Context: corestate.EventContext{StateGroup: 5, PrevGroup: 4, Rejected: true},
	}, {
		Event:   corestate.Event{ID: "$outlier", Outlier: true},
		Context: corestate.EventContext{StateGroup: 5},
	}}
	err := svc.StoreEventStateAssignments(context.Background(), pairs)
	c.Assert(err, jc.ErrorIsNil)

	c.Check(s.state.lastAssigned, jc.DeepEquals, map[string]corestate.GroupID{
		"$normal":   5,
		"$rejected": 4,
	})

	// The commit prefilled the item cache: these lookups hit storage zero
	// times.
	group, ok, err := svc.GetStateGroupForEvent(context.Background(), "$normal")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(ok, jc.IsTrue)
	c.Check(group, gc.Equals, corestate.GroupID(5))

	group, ok, err = svc.GetStateGroupForEvent(context.Background(), "$rejected")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(ok, jc.IsTrue)
	c.Check(group, gc.Equals, corestate.GroupID(4))
	c.Check(s.state.assignmentReads.Load(), gc.Equals, int32(0))

	// Outliers were never assigned anything.
	_, ok, err = svc.GetStateGroupForEvent(context.Background(), "$outlier")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(ok, jc.IsFalse)
}

func (s *serviceSuite) TestStoreEventStateAssignmentsAllOutliers(c *gc.C) {
	svc := s.service()

	err := svc.StoreEventStateAssignments(context.Background(), []corestate.EventAndContext{{
		Event: corestate.Event{ID: "$outlier", Outlier: true},
	}})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(s.state.lastAssigned, gc.IsNil)
}

func (s *serviceSuite) TestStoreEventStateAssignmentsErrorDoesNotPrefill(c *gc.C) {
	s.state.assignErr = errors.New("disk full")
	svc := s.service()

	err := svc.StoreEventStateAssignments(context.Background(), []corestate.EventAndContext{{
		Event:   corestate.Event{ID: "$e1"},
		Context: corestate.EventContext{StateGroup: 5},
	}})
	c.Assert(err, gc.ErrorMatches, "storing event state assignments: disk full")

	// A failed write must not leave a phantom cache entry.
	_, ok, err := svc.GetStateGroupForEvent(context.Background(), "$e1")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(ok, jc.IsFalse)
	c.Check(s.state.assignmentReads.Load(), gc.Equals, int32(1))
}

func (s *serviceSuite) seedCreateEvent(c *gc.C, roomID, content string) {
	eventID := "$create-" + roomID
	s.state.currentState[roomID] = corestate.StateMap{corestate.CreateKey: eventID}
	s.events.events[eventID] = corestate.Event{
		ID:      eventID,
		RoomID:  roomID,
		Type:    corestate.EventTypeCreate,
		Content: json.RawMessage(content),
	}
}

// stubState is an in-memory delta store that counts storage round trips.
type stubState struct {
	mu           sync.Mutex
	currentState map[string]corestate.StateMap
	assignments  map[string]corestate.GroupID
	assignErr    error

	lastAssigned map[string]corestate.GroupID
	lastBatch    []string

	currentStateReads atomic.Int32
	currentStateGate  sync.WaitGroup
	filteredReads     atomic.Int32
	assignmentReads   atomic.Int32
	batchReads        atomic.Int32
	batchGate         sync.WaitGroup
}

func (s *stubState) GetCurrentStateRows(ctx context.Context, roomID string) (corestate.StateMap, error) {
	s.currentStateReads.Add(1)
	s.currentStateGate.Wait()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentState[roomID].Clone(), nil
}

func (s *stubState) GetFilteredCurrentStateRows(ctx context.Context, roomID string, filter corestate.Filter) (corestate.StateMap, error) {
	s.filteredReads.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	result := corestate.StateMap{}
	for k, v := range s.currentState[roomID] {
		if filter.Matches(k) {
			result[k] = v
		}
	}
	return result, nil
}

func (s *stubState) GetStateGroupForEvent(ctx context.Context, eventID string) (corestate.GroupID, bool, error) {
	s.assignmentReads.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	group, ok := s.assignments[eventID]
	return group, ok, nil
}

func (s *stubState) GetStateGroupsForEvents(ctx context.Context, ids []string) (map[string]corestate.GroupID, error) {
	s.batchReads.Add(1)
	s.batchGate.Wait()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastBatch = append([]string(nil), ids...)
	result := make(map[string]corestate.GroupID)
	for _, id := range ids {
		if group, ok := s.assignments[id]; ok {
			result[id] = group
		}
	}
	return result, nil
}

func (s *stubState) AssignEventStateGroups(ctx context.Context, assignments map[string]corestate.GroupID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.assignErr != nil {
		return s.assignErr
	}
	s.lastAssigned = make(map[string]corestate.GroupID, len(assignments))
	for eventID, group := range assignments {
		s.assignments[eventID] = group
		s.lastAssigned[eventID] = group
	}
	return nil
}

// stubEvents serves event bodies from a map; anything else is not found.
type stubEvents struct {
	events map[string]corestate.Event
}

func (s *stubEvents) GetEvent(ctx context.Context, eventID string) (corestate.Event, error) {
	event, ok := s.events[eventID]
	if !ok {
		return corestate.Event{}, errors.NotFoundf("event %q", eventID)
	}
	return event, nil
}
