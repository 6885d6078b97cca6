// Copyright 2024 The roomstate authors.
// Licensed under the AGPLv3, see LICENCE file for details.

package service

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/fedchat/roomstate/internal/cache"
)

const metricsNamespace = "roomstate"

var (
	cacheHitsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(metricsNamespace, "cache", "hits_total"),
		"Number of cache lookups served without a storage read.",
		[]string{"cache"}, nil,
	)
	cacheMissesDesc = prometheus.NewDesc(
		prometheus.BuildFQName(metricsNamespace, "cache", "misses_total"),
		"Number of cache lookups that required a storage read.",
		[]string{"cache"}, nil,
	)
	cacheEvictionsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(metricsNamespace, "cache", "evictions_total"),
		"Number of entries evicted to stay within the weight bound.",
		[]string{"cache"}, nil,
	)
	cacheWeightDesc = prometheus.NewDesc(
		prometheus.BuildFQName(metricsNamespace, "cache", "weight"),
		"Current cached weight, in entry units.",
		[]string{"cache"}, nil,
	)
	cacheEntriesDesc = prometheus.NewDesc(
		prometheus.BuildFQName(metricsNamespace, "cache", "entries"),
		"Current number of cached entries.",
		[]string{"cache"}, nil,
	)
)

// Collector is a prometheus.Collector reporting the effectiveness of the
// service's caches.
type Collector struct {
	service *Service
}

// NewMetricsCollector returns a collector over the given service's caches.
func NewMetricsCollector(service *Service) *Collector {
	return &Collector{service: service}
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- cacheHitsDesc
	ch <- cacheMissesDesc
	ch <- cacheEvictionsDesc
	ch <- cacheWeightDesc
	ch <- cacheEntriesDesc
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	collectCache(ch, "current_state", c.service.currentState.Stats())
	collectCache(ch, "event_to_state_group", c.service.eventGroups.Stats())
}

func collectCache(ch chan<- prometheus.Metric, name string, stats cache.Stats) {
	ch <- prometheus.MustNewConstMetric(cacheHitsDesc, prometheus.CounterValue, float64(stats.Hits), name)
	ch <- prometheus.MustNewConstMetric(cacheMissesDesc, prometheus.CounterValue, float64(stats.Misses), name)
	ch <- prometheus.MustNewConstMetric(cacheEvictionsDesc, prometheus.CounterValue, float64(stats.Evictions), name)
	ch <- prometheus.MustNewConstMetric(cacheWeightDesc, prometheus.GaugeValue, float64(stats.Weight), name)
	ch <- prometheus.MustNewConstMetric(cacheEntriesDesc, prometheus.GaugeValue, float64(stats.Entries), name)
}
