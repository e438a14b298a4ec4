// Package catalog holds the hook definitions of all clusters and serves the
// cluster-wide view of each hook.
//
// The view is computed on every read from the replica store and the expected
// membership of the hook's cluster. Reads take no per-hook lock: they may be
// stale, but they never observe a partially applied bulk mutation.
package catalog

import (
	"context"
	"sort"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/hooksync/hooksync/daemon/logging"
	"github.com/hooksync/hooksync/hooks"
	"github.com/hooksync/hooksync/logger"
	"github.com/hooksync/hooksync/membership"
	"github.com/hooksync/hooksync/replica"
)

// Journal persists definitions.
// Catalog calls it with its lock held.
type Journal interface {
	SaveDefinition(def hooks.Definition) error
	DeleteDefinition(hookID string) error
}

// Hook is a definition together with its derived state.
type Hook struct {
	hooks.Definition
	Expected       []string             `json:"expected_servers"`
	Replicas       []hooks.Replica      `json:"replicas"`
	Classification hooks.Classification `json:"classification"`
}

type Catalog struct {
	mtx        sync.RWMutex
	defs       map[string]*hooks.Definition
	byIdentity map[hooks.Identity]string

	store    *replica.Store
	members  membership.Provider
	journal  Journal
	validate *validator.Validate
	newID    func() string
}

// New returns an empty catalog. journal may be nil.
func New(store *replica.Store, members membership.Provider, journal Journal) *Catalog {
	return &Catalog{
		defs:       make(map[string]*hooks.Definition),
		byIdentity: make(map[hooks.Identity]string),
		store:      store,
		members:    members,
		journal:    journal,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		newID:      func() string { return uuid.New().String() },
	}
}

func getLogger(ctx context.Context) logger.Logger {
	return logging.GetLogger(ctx, logging.SubsysCatalog)
}

// Load replaces all definitions. The journal is not consulted.
func (c *Catalog) Load(defs []hooks.Definition) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.defs = make(map[string]*hooks.Definition, len(defs))
	c.byIdentity = make(map[hooks.Identity]string, len(defs))
	for i := range defs {
		d := defs[i]
		if other, ok := c.byIdentity[d.Identity()]; ok {
			return errors.Wrapf(hooks.ErrAlreadyExists, "hooks %s and %s share identity %s", other, d.ID, d.String())
		}
		c.defs[d.ID] = &d
		c.byIdentity[d.Identity()] = d.ID
	}
	return nil
}

// Definition returns a copy of the definition of hookID.
func (c *Catalog) Definition(hookID string) (hooks.Definition, error) {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	d, ok := c.defs[hookID]
	if !ok {
		return hooks.Definition{}, errors.Wrapf(hooks.ErrNotFound, "hook %s", hookID)
	}
	return copyDefinition(d), nil
}

func copyDefinition(d *hooks.Definition) hooks.Definition {
	ret := *d
	if d.Content != nil {
		ret.Content = append([]byte{}, d.Content...)
	}
	return ret
}

// Expected returns the expected servers of clusterID.
// An unknown cluster has no expected servers.
func (c *Catalog) Expected(ctx context.Context, clusterID string) []string {
	servers, err := c.members.ExpectedServers(ctx, clusterID)
	if err != nil {
		getLogger(ctx).WithField("cluster", clusterID).WithError(err).
			Warn("cannot determine cluster membership, assuming no servers")
		return nil
	}
	return servers
}

func (c *Catalog) view(ctx context.Context, def hooks.Definition) *Hook {
	expected := c.Expected(ctx, def.ClusterID)
	replicas := c.store.Get(def.ID)
	return &Hook{
		Definition:     def,
		Expected:       expected,
		Replicas:       replicas,
		Classification: hooks.Classify(replicas, expected),
	}
}

func (c *Catalog) Get(ctx context.Context, hookID string) (*Hook, error) {
	def, err := c.Definition(hookID)
	if err != nil {
		return nil, err
	}
	return c.view(ctx, def), nil
}

func (c *Catalog) Lookup(ctx context.Context, clusterID, command string, stage hooks.Stage, name string) (*Hook, error) {
	id := hooks.Identity{ClusterID: clusterID, Command: command, Stage: stage, Name: name}
	c.mtx.RLock()
	hookID, ok := c.byIdentity[id]
	var def hooks.Definition
	if ok {
		def = copyDefinition(c.defs[hookID])
	}
	c.mtx.RUnlock()
	if !ok {
		return nil, errors.Wrapf(hooks.ErrNotFound, "%s/%s-%s/%s", clusterID, command, stage, name)
	}
	return c.view(ctx, def), nil
}

func (c *Catalog) definitions(filter func(d *hooks.Definition) bool) []hooks.Definition {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	var defs []hooks.Definition
	for _, d := range c.defs {
		if filter(d) {
			defs = append(defs, copyDefinition(d))
		}
	}
	sort.Slice(defs, func(i, j int) bool {
		a, b := defs[i], defs[j]
		if a.ClusterID != b.ClusterID {
			return a.ClusterID < b.ClusterID
		}
		if a.Command != b.Command {
			return a.Command < b.Command
		}
		if a.Stage != b.Stage {
			return a.Stage < b.Stage
		}
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return a.ID < b.ID
	})
	return defs
}

// ListByCluster returns the hooks of clusterID ordered by command, stage, name and id.
// An unknown cluster yields an empty list.
func (c *Catalog) ListByCluster(ctx context.Context, clusterID string) ([]*Hook, error) {
	defs := c.definitions(func(d *hooks.Definition) bool { return d.ClusterID == clusterID })
	ret := make([]*Hook, 0, len(defs))
	for _, d := range defs {
		ret = append(ret, c.view(ctx, d))
	}
	return ret, nil
}

// List returns all hooks ordered by cluster, command, stage, name and id.
func (c *Catalog) List(ctx context.Context) []*Hook {
	defs := c.definitions(func(*hooks.Definition) bool { return true })
	ret := make([]*Hook, 0, len(defs))
	for _, d := range defs {
		ret = append(ret, c.view(ctx, d))
	}
	return ret
}

// HookIDs returns the ids of all hooks ordered by cluster, command, stage, name and id.
func (c *Catalog) HookIDs() []string {
	defs := c.definitions(func(*hooks.Definition) bool { return true })
	ids := make([]string, len(defs))
	for i := range defs {
		ids[i] = defs[i].ID
	}
	return ids
}

// Register adds a hook with an empty replica set.
// A missing id is generated. Content, if present, becomes the canonical content.
func (c *Catalog) Register(ctx context.Context, def hooks.Definition) (*Hook, error) {
	if def.ID == "" {
		def.ID = c.newID()
	}
	if def.ContentType == "" {
		def.ContentType = hooks.ContentTypeText
	}
	if def.Content != nil {
		sum := hooks.Digest(def.Content)
		if def.Checksum != "" && def.Checksum != sum {
			return nil, errors.Wrapf(hooks.ErrInvalid, "checksum %s does not match content (%s)", def.Checksum, sum)
		}
		def.Checksum = sum
	} else if def.Checksum != "" {
		return nil, errors.Wrap(hooks.ErrInvalid, "checksum given without content")
	}
	if err := c.validate.Struct(def); err != nil {
		return nil, errors.Wrapf(hooks.ErrInvalid, "%s", err)
	}
	if _, err := c.members.ExpectedServers(ctx, def.ClusterID); err != nil {
		return nil, errors.Wrapf(hooks.ErrInvalid, "%s", err)
	}

	c.mtx.Lock()
	if _, ok := c.defs[def.ID]; ok {
		c.mtx.Unlock()
		return nil, errors.Wrapf(hooks.ErrAlreadyExists, "hook id %s", def.ID)
	}
	if other, ok := c.byIdentity[def.Identity()]; ok {
		c.mtx.Unlock()
		return nil, errors.Wrapf(hooks.ErrAlreadyExists, "%s is hook %s", def.String(), other)
	}
	if c.journal != nil {
		if err := c.journal.SaveDefinition(def); err != nil {
			c.mtx.Unlock()
			return nil, errors.Wrap(err, "cannot journal hook definition")
		}
	}
	stored := copyDefinition(&def)
	c.defs[def.ID] = &stored
	c.byIdentity[def.Identity()] = def.ID
	c.mtx.Unlock()

	getLogger(ctx).WithField(logging.HookField, def.ID).WithField("identity", def.String()).Info("registered hook")
	return c.view(ctx, def), nil
}

// SetCanonicalContent records content as the content most recently pushed to the cluster.
func (c *Catalog) SetCanonicalContent(hookID string, content []byte) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	d, ok := c.defs[hookID]
	if !ok {
		return errors.Wrapf(hooks.ErrNotFound, "hook %s", hookID)
	}
	next := *d
	next.Content = append([]byte{}, content...)
	next.Checksum = hooks.Digest(content)
	if c.journal != nil {
		if err := c.journal.SaveDefinition(next); err != nil {
			return errors.Wrap(err, "cannot journal hook definition")
		}
	}
	c.defs[hookID] = &next
	return nil
}

// MarkRemoved drops the definition of a hook whose copies are gone from every server.
func (c *Catalog) MarkRemoved(hookID string) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.deleteLocked(hookID)
}

// Purge drops the definition and tombstones every replica without contacting
// any server. Callers that mutate replicas concurrently must serialize with it.
func (c *Catalog) Purge(ctx context.Context, hookID string) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if _, ok := c.defs[hookID]; !ok {
		return errors.Wrapf(hooks.ErrNotFound, "hook %s", hookID)
	}
	// tombstones first: if they cannot be journaled, the hook stays visible
	if err := c.store.RemoveAll([]string{hookID}); err != nil {
		return err
	}
	if err := c.deleteLocked(hookID); err != nil {
		return err
	}
	getLogger(ctx).WithField(logging.HookField, hookID).Info("purged hook")
	return nil
}

// callers must hold c.mtx
func (c *Catalog) deleteLocked(hookID string) error {
	d, ok := c.defs[hookID]
	if !ok {
		return errors.Wrapf(hooks.ErrNotFound, "hook %s", hookID)
	}
	if c.journal != nil {
		if err := c.journal.DeleteDefinition(hookID); err != nil {
			return errors.Wrap(err, "cannot journal hook removal")
		}
	}
	delete(c.defs, hookID)
	delete(c.byIdentity, d.Identity())
	return nil
}
