// Package registry implements the in-memory typed store of fleet
// assets, indexed by kind and group, with best-effort async persistence.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/labfleet/controlplane/internal/apierr"
	"github.com/labfleet/controlplane/internal/logging"
	"github.com/labfleet/controlplane/internal/model"
)

// entry pairs an asset with its own mutex so mutations on different
// assets never contend with each other: a per-asset mutex plus a
// read-mostly index lock.
type entry struct {
	mu    sync.Mutex
	asset model.Asset
}

// Registry is the typed store of every registered asset. The registry
// never blocks on a transport call — it only ever holds its own locks
// for in-memory bookkeeping.
type Registry struct {
	indexMu sync.RWMutex
	byID    map[string]*entry
	byKind  map[model.AssetKind]map[string]bool
	byGroup map[string]map[string]bool

	persist *Persister
	logger  *logging.Logger
}

// New creates an empty Registry. If store is non-nil, mutations are
// persisted asynchronously and best-effort through it.
func New(logger *logging.Logger, store *Persister) *Registry {
	if logger == nil {
		logger = logging.Default()
	}
	return &Registry{
		byID:    make(map[string]*entry),
		byKind:  make(map[model.AssetKind]map[string]bool),
		byGroup: make(map[string]map[string]bool),
		persist: store,
		logger:  logger,
	}
}

// Register adds a new asset. Re-registering an existing id is a conflict.
func (r *Registry) Register(ctx context.Context, asset model.Asset) error {
	if asset.ID == "" {
		return apierr.Validation("id", "must not be empty")
	}

	r.indexMu.Lock()
	if _, exists := r.byID[asset.ID]; exists {
		r.indexMu.Unlock()
		return apierr.Conflict(fmt.Sprintf("asset %s already registered", asset.ID))
	}
	now := time.Now()
	asset.CreatedAt, asset.UpdatedAt = now, now
	if asset.HealthLevel == "" {
		asset.HealthLevel = model.HealthUnknown
	}
	e := &entry{asset: asset}
	r.byID[asset.ID] = e
	r.indexKind(asset.Kind, asset.ID, true)
	if asset.GroupID != "" {
		r.indexGroup(asset.GroupID, asset.ID, true)
	}
	r.indexMu.Unlock()

	r.logger.LogAssetEvent(ctx, asset.ID, "registered", map[string]interface{}{"kind": asset.Kind})
	r.persistAsync(ctx)
	return nil
}

// Get returns a snapshot copy of the asset, or a not-found error.
func (r *Registry) Get(id string) (model.Asset, error) {
	r.indexMu.RLock()
	e, ok := r.byID[id]
	r.indexMu.RUnlock()
	if !ok {
		return model.Asset{}, apierr.NotFound("asset", id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.asset, nil
}

// Mutate serializes fn against the asset's own mutex, persists the asset
// asynchronously afterward, and returns fn's error untouched.
func (r *Registry) Mutate(ctx context.Context, id string, fn func(a *model.Asset) error) error {
	r.indexMu.RLock()
	e, ok := r.byID[id]
	r.indexMu.RUnlock()
	if !ok {
		return apierr.NotFound("asset", id)
	}

	e.mu.Lock()
	oldGroup := e.asset.GroupID
	err := fn(&e.asset)
	if err == nil {
		e.asset.UpdatedAt = time.Now()
	}
	newGroup := e.asset.GroupID
	e.mu.Unlock()

	if err != nil {
		return err
	}

	if oldGroup != newGroup {
		r.indexMu.Lock()
		if oldGroup != "" {
			r.indexGroup(oldGroup, id, false)
		}
		if newGroup != "" {
			r.indexGroup(newGroup, id, true)
		}
		r.indexMu.Unlock()
	}

	r.persistAsync(ctx)
	return nil
}

// Remove deletes an asset from every index. Callers are responsible
// for verifying decommission safety before calling this.
func (r *Registry) Remove(ctx context.Context, id string) error {
	r.indexMu.Lock()
	e, ok := r.byID[id]
	if !ok {
		r.indexMu.Unlock()
		return apierr.NotFound("asset", id)
	}
	delete(r.byID, id)
	r.indexKind(e.asset.Kind, id, false)
	if e.asset.GroupID != "" {
		r.indexGroup(e.asset.GroupID, id, false)
	}
	r.indexMu.Unlock()

	r.logger.LogAssetEvent(ctx, id, "removed", nil)
	r.persistAsync(ctx)
	return nil
}

// ListByKind returns snapshot copies of every asset of the given kind,
// sorted by id for deterministic iteration (selector tie-breaking relies
// on this ordering).
func (r *Registry) ListByKind(kind model.AssetKind) []model.Asset {
	r.indexMu.RLock()
	ids := make([]string, 0, len(r.byKind[kind]))
	for id := range r.byKind[kind] {
		ids = append(ids, id)
	}
	r.indexMu.RUnlock()
	return r.snapshotSorted(ids)
}

// ListByGroup returns snapshot copies of every asset in the given group.
func (r *Registry) ListByGroup(groupID string) []model.Asset {
	r.indexMu.RLock()
	ids := make([]string, 0, len(r.byGroup[groupID]))
	for id := range r.byGroup[groupID] {
		ids = append(ids, id)
	}
	r.indexMu.RUnlock()
	return r.snapshotSorted(ids)
}

// All returns a snapshot copy of every registered asset.
func (r *Registry) All() []model.Asset {
	r.indexMu.RLock()
	ids := make([]string, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	r.indexMu.RUnlock()
	return r.snapshotSorted(ids)
}

func (r *Registry) snapshotSorted(ids []string) []model.Asset {
	sort.Strings(ids)
	out := make([]model.Asset, 0, len(ids))
	for _, id := range ids {
		r.indexMu.RLock()
		e, ok := r.byID[id]
		r.indexMu.RUnlock()
		if !ok {
			continue
		}
		e.mu.Lock()
		out = append(out, e.asset)
		e.mu.Unlock()
	}
	return out
}

func (r *Registry) indexKind(kind model.AssetKind, id string, add bool) {
	if r.byKind[kind] == nil {
		r.byKind[kind] = make(map[string]bool)
	}
	if add {
		r.byKind[kind][id] = true
	} else {
		delete(r.byKind[kind], id)
	}
}

func (r *Registry) indexGroup(groupID, id string, add bool) {
	if r.byGroup[groupID] == nil {
		r.byGroup[groupID] = make(map[string]bool)
	}
	if add {
		r.byGroup[groupID][id] = true
	} else {
		delete(r.byGroup[groupID], id)
	}
}

func (r *Registry) persistAsync(ctx context.Context) {
	if r.persist == nil {
		return
	}
	snapshot := r.All()
	go func() {
		if err := r.persist.Save(snapshot); err != nil {
			r.logger.WithContext(ctx).WithError(err).Warn("asset persistence failed")
		}
	}()
}
