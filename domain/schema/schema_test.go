// Copyright 2024 The roomstate authors.
// Licensed under the AGPLv3, see LICENCE file for details.

package schema_test

import (
	"context"

	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/fedchat/roomstate/domain/schema"
	"github.com/fedchat/roomstate/internal/database/testing"
)

type schemaSuite struct {
	testing.StoreSuite
}

var _ = gc.Suite(&schemaSuite{})

func (s *schemaSuite) TestStateDDLApplies(c *gc.C) {
	version, err := schema.StateDDL().Ensure(context.Background(), s.TxnRunner())
	c.Assert(err, jc.ErrorIsNil)
	c.Check(version, gc.Equals, 5)

	for _, table := range []string{
		"state_groups",
		"state_group_edges",
		"state_groups_state",
		"event_to_state_groups",
		"current_state_events",
	} {
		row := s.DB().QueryRow(
			"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table)
		var count int
		c.Assert(row.Scan(&count), jc.ErrorIsNil)
		c.Check(count, gc.Equals, 1, gc.Commentf("table %q", table))
	}
}

func (s *schemaSuite) TestStateDDLIdempotent(c *gc.C) {
	_, err := schema.StateDDL().Ensure(context.Background(), s.TxnRunner())
	c.Assert(err, jc.ErrorIsNil)

	version, err := schema.StateDDL().Ensure(context.Background(), s.TxnRunner())
	c.Assert(err, jc.ErrorIsNil)
	c.Check(version, gc.Equals, 5)
}

func (s *schemaSuite) TestCurrentStatePrimaryKey(c *gc.C) {
	_, err := schema.StateDDL().Ensure(context.Background(), s.TxnRunner())
	c.Assert(err, jc.ErrorIsNil)

	_, err = s.DB().Exec(
		"INSERT INTO current_state_events (room_id, type, state_key, event_id) VALUES (?, ?, ?, ?)",
		"!a:hs", "m.room.member", "@alice:hs", "$e1")
	c.Assert(err, jc.ErrorIsNil)

	// One current entry per (room, type, state key).
	_, err = s.DB().Exec(
		"INSERT INTO current_state_events (room_id, type, state_key, event_id) VALUES (?, ?, ?, ?)",
		"!a:hs", "m.room.member", "@alice:hs", "$e2")
	c.Assert(err, gc.NotNil)
}

type recordingBuilder struct {
	names   []string
	indexes []string
	tables  []string
	wheres  []string
}

func (r *recordingBuilder) RegisterBackgroundIndexBuild(name, indexName, table string, columns []string, where string) {
	r.names = append(r.names, name)
	r.indexes = append(r.indexes, indexName)
	r.tables = append(r.tables, table)
	r.wheres = append(r.wheres, where)
}

func (s *schemaSuite) TestRegisterBackgroundIndexBuilds(c *gc.C) {
	var builder recordingBuilder
	schema.RegisterBackgroundIndexBuilds(&builder)

	c.Check(builder.names, jc.DeepEquals, []string{
		schema.CurrentStateMembersIndexBuild,
		schema.EventToStateGroupsSGIndexBuild,
	})
	c.Check(builder.tables, jc.DeepEquals, []string{
		"current_state_events",
		"event_to_state_groups",
	})

	// The membership index is partial; the assignment index is not.
	c.Check(builder.wheres, jc.DeepEquals, []string{"type='m.room.member'", ""})
}
