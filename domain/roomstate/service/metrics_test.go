// Copyright 2024 The roomstate authors.
// Licensed under the AGPLv3, see LICENCE file for details.

package service

import (
	"context"

	"github.com/juju/loggo/v2"
	jc "github.com/juju/testing/checkers"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	gc "gopkg.in/check.v1"

	corestate "github.com/fedchat/roomstate/core/state"
)

type metricsSuite struct {
	state  *stubState
	events *stubEvents
}

var _ = gc.Suite(&metricsSuite{})

func (s *metricsSuite) SetUpTest(c *gc.C) {
	s.state = &stubState{
		currentState: make(map[string]corestate.StateMap),
		assignments:  make(map[string]corestate.GroupID),
	}
	s.events = &stubEvents{events: make(map[string]corestate.Event)}
}

func (s *metricsSuite) TestCollectorRegisters(c *gc.C) {
	svc := NewService(s.state, s.events, loggo.GetLogger("test"))

	registry := prometheus.NewPedanticRegistry()
	collector := NewMetricsCollector(svc)
	c.Assert(registry.Register(collector), jc.ErrorIsNil)

	// Two caches, five series each.
	c.Check(testutil.CollectAndCount(collector), gc.Equals, 10)
}

func (s *metricsSuite) TestCollectorReportsActivity(c *gc.C) {
	s.state.currentState["!a:hs"] = corestate.StateMap{corestate.CreateKey: "$create"}
	svc := NewService(s.state, s.events, loggo.GetLogger("test"))

	// One miss to fill the room cache, one hit served from it.
	_, err := svc.GetCurrentStateIDs(context.Background(), "!a:hs")
	c.Assert(err, jc.ErrorIsNil)
	_, err = svc.GetCurrentStateIDs(context.Background(), "!a:hs")
	c.Assert(err, jc.ErrorIsNil)

	registry := prometheus.NewPedanticRegistry()
	c.Assert(registry.Register(NewMetricsCollector(svc)), jc.ErrorIsNil)

	c.Check(s.metricValue(c, registry, "roomstate_cache_hits_total", "current_state"), gc.Equals, 1.0)
	c.Check(s.metricValue(c, registry, "roomstate_cache_entries", "current_state"), gc.Equals, 1.0)
}

func (s *metricsSuite) metricValue(c *gc.C, registry *prometheus.Registry, family, cacheName string) float64 {
	families, err := registry.Gather()
	c.Assert(err, jc.ErrorIsNil)

	for _, mf := range families {
		if mf.GetName() != family {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, label := range m.GetLabel() {
				if label.GetName() == "cache" && label.GetValue() == cacheName {
					if m.GetCounter() != nil {
						return m.GetCounter().GetValue()
					}
					return m.GetGauge().GetValue()
				}
			}
		}
	}
	c.Fatalf("metric %s{cache=%q} not found", family, cacheName)
	return 0
}
