// Package groups implements resource-group partitioning, the
// allocation-policy gate, decommission safety, and group statistics.
package groups

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/labfleet/controlplane/internal/apierr"
	"github.com/labfleet/controlplane/internal/config"
	"github.com/labfleet/controlplane/internal/logging"
	"github.com/labfleet/controlplane/internal/metrics"
	"github.com/labfleet/controlplane/internal/model"
	"github.com/labfleet/controlplane/internal/registry"
)

// Service owns resource groups and their allocations. Group membership is
// mirrored onto each Asset's GroupID through the registry, which remains
// the single source of truth for an asset's current group: the registry
// owns every asset record.
type Service struct {
	mu          sync.RWMutex
	groups      map[string]*model.ResourceGroup
	allocations map[string]*model.Allocation

	reg    *registry.Registry
	cfg    *config.Config
	logger *logging.Logger

	metrics *metrics.Metrics
}

// SetMetrics attaches a metrics collector; open-allocation counts record
// into it once set.
func (s *Service) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

// recordAllocationsOpenLocked reports the current open-allocation count
// for a group. Caller must hold s.mu.
func (s *Service) recordAllocationsOpenLocked(groupID string) {
	if s.metrics == nil {
		return
	}
	s.metrics.SetAllocationsOpen(groupID, s.openAllocationCountLocked(groupID))
}

// New constructs a groups Service.
func New(reg *registry.Registry, cfg *config.Config, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.Default()
	}
	return &Service{
		groups: make(map[string]*model.ResourceGroup), allocations: make(map[string]*model.Allocation),
		reg: reg, cfg: cfg, logger: logger,
	}
}

// CreateGroup registers a new, empty ResourceGroup.
func (s *Service) CreateGroup(ctx context.Context, kind model.AssetKind, labels map[string]string, policy model.AllocationPolicy) (model.ResourceGroup, error) {
	g := model.ResourceGroup{ID: uuid.New().String(), Kind: kind, Labels: labels, Policy: policy}

	s.mu.Lock()
	s.groups[g.ID] = &g
	s.mu.Unlock()
	return g, nil
}

// Get returns a snapshot of one group.
func (s *Service) Get(groupID string) (model.ResourceGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[groupID]
	if !ok {
		return model.ResourceGroup{}, apierr.NotFound("group", groupID)
	}
	return *g, nil
}

// List returns every group, sorted by id.
func (s *Service) List() []model.ResourceGroup {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.groups))
	for id := range s.groups {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]model.ResourceGroup, 0, len(ids))
	for _, id := range ids {
		out = append(out, *s.groups[id])
	}
	return out
}

// AddMember links an asset to a group. An asset belongs to at most one
// group at a time; moving re-links it.
func (s *Service) AddMember(ctx context.Context, groupID, assetID string) error {
	s.mu.Lock()
	group, ok := s.groups[groupID]
	if !ok {
		s.mu.Unlock()
		return apierr.NotFound("group", groupID)
	}
	s.mu.Unlock()

	asset, err := s.reg.Get(assetID)
	if err != nil {
		return err
	}
	oldGroup := asset.GroupID

	if err := s.reg.Mutate(ctx, assetID, func(a *model.Asset) error {
		a.GroupID = groupID
		return nil
	}); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if oldGroup != "" && oldGroup != groupID {
		if prior, ok := s.groups[oldGroup]; ok {
			prior.MemberIDs = removeID(prior.MemberIDs, assetID)
		}
	}
	group.MemberIDs = appendUnique(group.MemberIDs, assetID)
	return nil
}

// RemoveMember unlinks an asset from its group.
func (s *Service) RemoveMember(ctx context.Context, groupID, assetID string) error {
	s.mu.Lock()
	group, ok := s.groups[groupID]
	if !ok {
		s.mu.Unlock()
		return apierr.NotFound("group", groupID)
	}
	s.mu.Unlock()

	if err := s.reg.Mutate(ctx, assetID, func(a *model.Asset) error {
		a.GroupID = ""
		return nil
	}); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	group.MemberIDs = removeID(group.MemberIDs, assetID)
	return nil
}

func removeID(ids []string, target string) []string {
	out := ids[:0]
	for _, id := range ids {
		if id != target {
			out = append(out, id)
		}
	}
	return out
}

func appendUnique(ids []string, target string) []string {
	for _, id := range ids {
		if id == target {
			return ids
		}
	}
	return append(ids, target)
}

// MembersByLabels returns every member asset id across every group of the
// given kind whose labels are a superset of the supplied label set — an
// empty label set matches every group of that kind. Matching is
// group-level, not per-asset: a group's labels describe the whole
// partition, so a label query returns the member ids of every matching
// partition concatenated.
func (s *Service) MembersByLabels(kind model.AssetKind, labels map[string]string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.groups))
	for id := range s.groups {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var matching []string
	for _, id := range ids {
		g := s.groups[id]
		if g.Kind != kind {
			continue
		}
		if !labelsMatch(g.Labels, labels) {
			continue
		}
		matching = append(matching, g.MemberIDs...)
	}
	return matching
}

func labelsMatch(have, want map[string]string) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}

// openAllocationCountLocked counts this group's currently-open allocations.
// Caller must hold s.mu for reading.
func (s *Service) openAllocationCountLocked(groupID string) int {
	count := 0
	for _, a := range s.allocations {
		if a.GroupID == groupID && a.Open() {
			count++
		}
	}
	return count
}
