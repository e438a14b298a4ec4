// Package membership answers which servers a cluster is expected to consist of.
package membership

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/hooksync/hooksync/config"
	"github.com/hooksync/hooksync/daemon/logging"
	"github.com/hooksync/hooksync/logger"
)

var ErrUnknownCluster = errors.New("unknown cluster")

type Provider interface {
	// ExpectedServers returns the sorted server ids of clusterID,
	// or an error wrapping ErrUnknownCluster.
	ExpectedServers(ctx context.Context, clusterID string) ([]string, error)
	// Clusters returns the sorted ids of all known clusters.
	Clusters(ctx context.Context) ([]string, error)
}

func getLogger(ctx context.Context) logger.Logger {
	return logging.GetLogger(ctx, logging.SubsysMembership)
}

func FromConfig(ctx context.Context, in config.MembershipEnum) (Provider, error) {
	switch v := in.Ret.(type) {
	case *config.StaticMembership:
		return NewStatic(v.Clusters), nil
	case *config.FileMembership:
		return NewFile(ctx, v.Path)
	default:
		return nil, errors.Errorf("unknown membership type %T", v)
	}
}

// view is an immutable snapshot of cluster membership.
type view map[string][]string

func newView(clusters []config.ClusterMembers) view {
	v := make(view, len(clusters))
	for _, c := range clusters {
		servers := append([]string{}, c.Servers...)
		sort.Strings(servers)
		v[c.ID] = servers
	}
	return v
}

func (v view) expectedServers(clusterID string) ([]string, error) {
	servers, ok := v[clusterID]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownCluster, "cluster %q", clusterID)
	}
	return append([]string{}, servers...), nil
}

func (v view) clusters() []string {
	ids := make([]string, 0, len(v))
	for id := range v {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

type Static struct {
	v view
}

var _ Provider = (*Static)(nil)

func NewStatic(clusters []config.ClusterMembers) *Static {
	return &Static{newView(clusters)}
}

func (s *Static) ExpectedServers(ctx context.Context, clusterID string) ([]string, error) {
	return s.v.expectedServers(clusterID)
}

func (s *Static) Clusters(ctx context.Context) ([]string, error) {
	return s.v.clusters(), nil
}

// current holds the view of a provider that changes at runtime.
type current struct {
	mtx sync.RWMutex
	v   view
}

func (c *current) get() view {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	return c.v
}

func (c *current) set(v view) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.v = v
}
