package catalog

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hooksync/hooksync/hooks"
)

var hooksDesc = prometheus.NewDesc(
	"hooksync_catalog_hooks",
	"number of hooks per cluster in each state (total, content_conflict, status_conflict, missing_conflict, degraded)",
	[]string{"cluster", "state"}, nil,
)

type collector struct {
	c *Catalog
}

func (c *Catalog) RegisterMetrics(registerer prometheus.Registerer) {
	registerer.MustRegister(collector{c})
}

func (col collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- hooksDesc
}

type clusterCounts struct {
	total, content, status, missing, degraded int
}

// counts returns per-cluster hook counts by state.
// Every cluster known to membership is included, even without hooks.
func (c *Catalog) counts(ctx context.Context) map[string]*clusterCounts {
	ret := make(map[string]*clusterCounts)
	if clusters, err := c.members.Clusters(ctx); err == nil {
		for _, id := range clusters {
			ret[id] = &clusterCounts{}
		}
	}
	expected := make(map[string][]string)
	for _, def := range c.definitions(func(*hooks.Definition) bool { return true }) {
		cc, ok := ret[def.ClusterID]
		if !ok {
			cc = &clusterCounts{}
			ret[def.ClusterID] = cc
		}
		exp, ok := expected[def.ClusterID]
		if !ok {
			exp = c.Expected(ctx, def.ClusterID)
			expected[def.ClusterID] = exp
		}
		cl := hooks.Classify(c.store.Get(def.ID), exp)
		cc.total++
		if cl.ContentConflict {
			cc.content++
		}
		if cl.StatusConflict {
			cc.status++
		}
		if cl.MissingConflict {
			cc.missing++
		}
		if cl.Degraded {
			cc.degraded++
		}
	}
	return ret
}

func (col collector) Collect(ch chan<- prometheus.Metric) {
	for cluster, cc := range col.c.counts(context.Background()) {
		for state, n := range map[string]int{
			"total":            cc.total,
			"content_conflict": cc.content,
			"status_conflict":  cc.status,
			"missing_conflict": cc.missing,
			"degraded":         cc.degraded,
		} {
			ch <- prometheus.MustNewConstMetric(hooksDesc, prometheus.GaugeValue, float64(n), cluster, state)
		}
	}
}
