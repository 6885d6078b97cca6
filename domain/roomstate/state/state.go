// Copyright 2024 The roomstate authors.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package state implements the delta store: durable storage of state
// groups, their delta chains, event-to-group assignments and the
// materialized current-state view.
package state

import (
	"context"
	"database/sql"

	"github.com/canonical/sqlair"
	"github.com/im7mortal/kmutex"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"

	coredatabase "github.com/fedchat/roomstate/core/database"
	corestate "github.com/fedchat/roomstate/core/state"
	"github.com/fedchat/roomstate/domain"
	roomstateerrors "github.com/fedchat/roomstate/domain/roomstate/errors"
)

// MaxStateDeltaHops bounds the number of ancestor hops any chain walk may
// perform. Group creation flattens at this depth, so chains written by this
// engine never exceed it.
const MaxStateDeltaHops = 100

// State describes retrieval and persistence methods for the state-group
// storage engine.
type State struct {
	*domain.StateBase
	logger loggo.Logger

	// createLock serializes state-group creation per room, so that two
	// concurrent creations cannot both measure the parent chain just
	// under the hop cap and extend it past the cap.
	createLock *kmutex.Kmutex
}

// NewState returns a new state reference.
func NewState(factory coredatabase.TxnRunnerFactory, logger loggo.Logger) *State {
	return &State{
		StateBase:  domain.NewStateBase(factory),
		logger:     logger,
		createLock: kmutex.New(),
	}
}

// GetStateGroupForEvent returns the state group assigned to the given
// event. The second return is false if the event has no assignment, which
// is not an error: callers must treat it as "unknown / not yet assigned".
func (s *State) GetStateGroupForEvent(ctx context.Context, eventID string) (corestate.GroupID, bool, error) {
	db, err := s.DB(ctx)
	if err != nil {
		return 0, false, errors.Trace(err)
	}

	row := assignmentRow{EventID: eventID}
	stmt, err := s.Prepare(`
SELECT &assignmentRow.*
FROM   event_to_state_groups
WHERE  event_id = $assignmentRow.event_id`, row)
	if err != nil {
		return 0, false, errors.Annotate(err, "preparing select assignment statement")
	}

	found := true
	err = db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		err := tx.Query(ctx, stmt, row).Get(&row)
		if errors.Is(err, sqlair.ErrNoRows) {
			found = false
			return nil
		}
		return errors.Trace(err)
	})
	if err != nil {
		return 0, false, errors.Annotatef(err, "looking up state group for event %q", eventID)
	}
	if !found {
		return 0, false, nil
	}
	return corestate.GroupID(row.StateGroup), true, nil
}

// GetStateGroupsForEvents returns the state groups assigned to the given
// events in a single storage round trip. Events with no assignment are
// simply absent from the result.
func (s *State) GetStateGroupsForEvents(ctx context.Context, ids []string) (map[string]corestate.GroupID, error) {
	result := make(map[string]corestate.GroupID, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	db, err := s.DB(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}

	stmt, err := s.Prepare(`
SELECT &assignmentRow.*
FROM   event_to_state_groups
WHERE  event_id IN ($eventIDs[:])`, assignmentRow{}, eventIDs{})
	if err != nil {
		return nil, errors.Annotate(err, "preparing select assignments statement")
	}

	err = db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		var rows []assignmentRow
		err := tx.Query(ctx, stmt, eventIDs(ids)).GetAll(&rows)
		if errors.Is(err, sqlair.ErrNoRows) {
			return nil
		} else if err != nil {
			return errors.Trace(err)
		}
		for _, row := range rows {
			result[row.EventID] = corestate.GroupID(row.StateGroup)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Annotate(err, "looking up state groups for events")
	}
	return result, nil
}

// GetStateGroupDelta returns the immediate ancestor of the given group (nil
// for a root) and the delta it holds relative to that ancestor.
func (s *State) GetStateGroupDelta(ctx context.Context, group corestate.GroupID) (*corestate.GroupID, corestate.StateMap, error) {
	db, err := s.DB(ctx)
	if err != nil {
		return nil, nil, errors.Trace(err)
	}

	var (
		prev  *corestate.GroupID
		delta corestate.StateMap
	)
	err = db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		if err := s.checkGroupExists(ctx, tx, group); err != nil {
			return errors.Trace(err)
		}

		var err error
		if prev, err = s.prevGroup(ctx, tx, group); err != nil {
			return errors.Trace(err)
		}
		delta, err = s.deltaRows(ctx, tx, group)
		return errors.Trace(err)
	})
	if err != nil {
		return nil, nil, errors.Annotatef(err, "reading delta of state group %d", group)
	}
	return prev, delta, nil
}

// GetStateForGroup resolves the full state at the given group by walking
// the delta chain to its root, merging deltas in child-overrides-ancestor
// order. The walk is bounded by MaxStateDeltaHops.
func (s *State) GetStateForGroup(ctx context.Context, group corestate.GroupID) (corestate.StateMap, error) {
	db, err := s.DB(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}

	var resolved corestate.StateMap
	err = db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		if err := s.checkGroupExists(ctx, tx, group); err != nil {
			return errors.Trace(err)
		}
		var err error
		resolved, err = s.resolveState(ctx, tx, group)
		return errors.Trace(err)
	})
	if err != nil {
		return nil, errors.Annotatef(err, "resolving state of group %d", group)
	}
	return resolved, nil
}

// GetCurrentStateRows returns the full (type, state key) -> event ID
// mapping for a room from the materialized current-state view.
func (s *State) GetCurrentStateRows(ctx context.Context, roomID string) (corestate.StateMap, error) {
	db, err := s.DB(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}

	row := currentStateRow{RoomID: roomID}
	stmt, err := s.Prepare(`
SELECT &currentStateRow.*
FROM   current_state_events
WHERE  room_id = $currentStateRow.room_id`, row)
	if err != nil {
		return nil, errors.Annotate(err, "preparing select current state statement")
	}

	result := corestate.StateMap{}
	err = db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		var rows []currentStateRow
		err := tx.Query(ctx, stmt, row).GetAll(&rows)
		if errors.Is(err, sqlair.ErrNoRows) {
			return nil
		} else if err != nil {
			return errors.Trace(err)
		}
		for _, r := range rows {
			result[corestate.StateKey{Type: r.Type, Key: r.StateKey}] = r.EventID
		}
		return nil
	})
	if err != nil {
		return nil, errors.Annotatef(err, "reading current state of room %q", roomID)
	}
	return result, nil
}

// GetFilteredCurrentStateRows returns the subset of a room's current state
// admitted by the filter, pushing the filter down as a narrowing WHERE
// clause. The trivial filter reads everything.
func (s *State) GetFilteredCurrentStateRows(ctx context.Context, roomID string, filter corestate.Filter) (corestate.StateMap, error) {
	clause, clauseArgs := filter.SQLClause()
	if clause == "" {
		return s.GetCurrentStateRows(ctx, roomID)
	}

	db, err := s.DB(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}

	query := `
SELECT type, state_key, event_id
FROM   current_state_events
WHERE  room_id = ? AND (` + clause + `)`
	args := append([]any{roomID}, clauseArgs...)

	result := corestate.StateMap{}
	err = db.StdTxn(ctx, func(ctx context.Context, tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return errors.Trace(err)
		}
		defer rows.Close()

		for rows.Next() {
			var eventType, stateKey, eventID string
			if err := rows.Scan(&eventType, &stateKey, &eventID); err != nil {
				return errors.Trace(err)
			}
			result[corestate.StateKey{Type: eventType, Key: stateKey}] = eventID
		}
		return errors.Trace(rows.Err())
	})
	if err != nil {
		return nil, errors.Annotatef(err, "reading filtered current state of room %q", roomID)
	}
	return result, nil
}

// AssignEventStateGroups bulk-inserts the given event-to-group assignments
// as one batched write within a single transaction.
func (s *State) AssignEventStateGroups(ctx context.Context, assignments map[string]corestate.GroupID) error {
	if len(assignments) == 0 {
		return nil
	}

	db, err := s.DB(ctx)
	if err != nil {
		return errors.Trace(err)
	}

	stmt, err := s.Prepare(`
INSERT INTO event_to_state_groups (*) VALUES ($assignmentRow.*)`, assignmentRow{})
	if err != nil {
		return errors.Annotate(err, "preparing insert assignments statement")
	}

	rows := make([]assignmentRow, 0, len(assignments))
	for eventID, group := range assignments {
		rows = append(rows, assignmentRow{EventID: eventID, StateGroup: int64(group)})
	}

	err = db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		return errors.Trace(tx.Query(ctx, stmt, rows).Run())
	})
	return errors.Annotate(err, "inserting event state group assignments")
}

// CreateStateGroup persists a new state group for a room. Groups are
// immutable once created; a state change always produces a new group.
//
// A group is normally stored as the given delta against prev. When the
// parent chain is already MaxStateDeltaHops deep, the group is instead
// stored as a new root carrying the fully materialized snapshot (ancestor
// state overlaid with the delta), so that no read ever walks past the cap.
func (s *State) CreateStateGroup(
	ctx context.Context,
	roomID, eventID string,
	prev *corestate.GroupID,
	delta corestate.StateMap,
) (corestate.GroupID, error) {
	s.createLock.Lock(roomID)
	defer s.createLock.Unlock(roomID)

	db, err := s.DB(ctx)
	if err != nil {
		return 0, errors.Trace(err)
	}

	insertGroupStmt, err := s.Prepare(`
INSERT INTO state_groups (room_id, event_id)
VALUES ($stateGroupRow.room_id, $stateGroupRow.event_id)`, stateGroupRow{})
	if err != nil {
		return 0, errors.Annotate(err, "preparing insert state group statement")
	}
	insertEdgeStmt, err := s.Prepare(`
INSERT INTO state_group_edges (*) VALUES ($stateGroupEdge.*)`, stateGroupEdge{})
	if err != nil {
		return 0, errors.Annotate(err, "preparing insert state group edge statement")
	}
	insertStateStmt, err := s.Prepare(`
INSERT INTO state_groups_state (*) VALUES ($stateRow.*)`, stateRow{})
	if err != nil {
		return 0, errors.Annotate(err, "preparing insert state rows statement")
	}

	var created corestate.GroupID
	err = db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		// Decide up front whether the new group can extend the chain or
		// must be flattened into a root.
		stored := delta
		asRoot := prev == nil
		if prev != nil {
			if err := s.checkGroupExists(ctx, tx, *prev); err != nil {
				return errors.Trace(err)
			}
			depth, err := s.chainDepth(ctx, tx, *prev)
			if err != nil {
				return errors.Trace(err)
			}
			if depth+1 > MaxStateDeltaHops {
				parentState, err := s.resolveState(ctx, tx, *prev)
				if err != nil {
					return errors.Trace(err)
				}
				for k, v := range delta {
					parentState[k] = v
				}
				stored = parentState
				asRoot = true
				s.logger.Debugf("flattening state group chain for room %q at depth %d", roomID, depth)
			}
		}

		var outcome sqlair.Outcome
		err := tx.Query(ctx, insertGroupStmt, stateGroupRow{RoomID: roomID, EventID: eventID}).Get(&outcome)
		if err != nil {
			return errors.Annotate(err, "inserting state group")
		}
		id, err := outcome.Result().LastInsertId()
		if err != nil {
			return errors.Annotate(err, "reading new state group id")
		}
		created = corestate.GroupID(id)

		if !asRoot {
			err := tx.Query(ctx, insertEdgeStmt, stateGroupEdge{
				StateGroup:     id,
				PrevStateGroup: int64(*prev),
			}).Run()
			if err != nil {
				return errors.Annotate(err, "inserting state group edge")
			}
		}

		if len(stored) == 0 {
			return nil
		}
		rows := make([]stateRow, 0, len(stored))
		for k, v := range stored {
			rows = append(rows, stateRow{
				StateGroup: id,
				RoomID:     roomID,
				Type:       k.Type,
				StateKey:   k.Key,
				EventID:    v,
			})
		}
		return errors.Annotate(tx.Query(ctx, insertStateStmt, rows).Run(), "inserting state rows")
	})
	if err != nil {
		return 0, errors.Annotatef(err, "creating state group for room %q", roomID)
	}
	return created, nil
}

// checkGroupExists returns StateGroupNotFound if the group is unknown.
func (s *State) checkGroupExists(ctx context.Context, tx *sqlair.TX, group corestate.GroupID) error {
	row := stateGroupRow{ID: int64(group)}
	stmt, err := s.Prepare(`
SELECT &stateGroupRow.*
FROM   state_groups
WHERE  id = $stateGroupRow.id`, row)
	if err != nil {
		return errors.Annotate(err, "preparing select state group statement")
	}

	err = tx.Query(ctx, stmt, row).Get(&row)
	if errors.Is(err, sqlair.ErrNoRows) {
		return errors.Annotatef(roomstateerrors.StateGroupNotFound, "state group %d", group)
	}
	return errors.Trace(err)
}

// prevGroup returns the immediate ancestor of the group, or nil for roots.
func (s *State) prevGroup(ctx context.Context, tx *sqlair.TX, group corestate.GroupID) (*corestate.GroupID, error) {
	edge := stateGroupEdge{StateGroup: int64(group)}
	stmt, err := s.Prepare(`
SELECT &stateGroupEdge.*
FROM   state_group_edges
WHERE  state_group = $stateGroupEdge.state_group`, edge)
	if err != nil {
		return nil, errors.Annotate(err, "preparing select state group edge statement")
	}

	err = tx.Query(ctx, stmt, edge).Get(&edge)
	if errors.Is(err, sqlair.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, errors.Trace(err)
	}
	prev := corestate.GroupID(edge.PrevStateGroup)
	return &prev, nil
}

// deltaRows returns the delta contents stored for the group.
func (s *State) deltaRows(ctx context.Context, tx *sqlair.TX, group corestate.GroupID) (corestate.StateMap, error) {
	row := stateRow{StateGroup: int64(group)}
	stmt, err := s.Prepare(`
SELECT &stateRow.*
FROM   state_groups_state
WHERE  state_group = $stateRow.state_group`, row)
	if err != nil {
		return nil, errors.Annotate(err, "preparing select state rows statement")
	}

	delta := corestate.StateMap{}
	var rows []stateRow
	err = tx.Query(ctx, stmt, row).GetAll(&rows)
	if errors.Is(err, sqlair.ErrNoRows) {
		return delta, nil
	} else if err != nil {
		return nil, errors.Trace(err)
	}
	for _, r := range rows {
		delta[corestate.StateKey{Type: r.Type, Key: r.StateKey}] = r.EventID
	}
	return delta, nil
}

// resolveState walks the chain from the given group to its root, collecting
// deltas, and merges them so that entries nearer the leaf win.
func (s *State) resolveState(ctx context.Context, tx *sqlair.TX, group corestate.GroupID) (corestate.StateMap, error) {
	var layers []corestate.StateMap

	current := group
	for hops := 0; ; hops++ {
		if hops > MaxStateDeltaHops {
			return nil, errors.Annotatef(roomstateerrors.ChainTooDeep, "walking ancestors of state group %d", group)
		}

		delta, err := s.deltaRows(ctx, tx, current)
		if err != nil {
			return nil, errors.Trace(err)
		}
		layers = append(layers, delta)

		prev, err := s.prevGroup(ctx, tx, current)
		if err != nil {
			return nil, errors.Trace(err)
		}
		if prev == nil {
			break
		}
		current = *prev
	}

	// layers[0] is the leaf; apply root first so children override.
	resolved := corestate.StateMap{}
	for i := len(layers) - 1; i >= 0; i-- {
		for k, v := range layers[i] {
			resolved[k] = v
		}
	}
	return resolved, nil
}

// chainDepth counts the ancestor hops from the given group to its root.
// The count is capped at MaxStateDeltaHops+1: anything deeper reports the
// cap, which is all callers need to decide on flattening.
func (s *State) chainDepth(ctx context.Context, tx *sqlair.TX, group corestate.GroupID) (int, error) {
	current := group
	for hops := 0; ; hops++ {
		if hops > MaxStateDeltaHops {
			return hops, nil
		}
		prev, err := s.prevGroup(ctx, tx, current)
		if err != nil {
			return 0, errors.Trace(err)
		}
		if prev == nil {
			return hops, nil
		}
		current = *prev
	}
}
