package groups

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/labfleet/controlplane/internal/apierr"
	"github.com/labfleet/controlplane/internal/model"
)

// AllocateRequest carries the inputs for one allocation attempt.
type AllocateRequest struct {
	GroupID    string
	ResourceID string
	Requester  string
	Team       string
	Duration   *time.Duration // nil uses the group policy / configured default
}

// Authorize runs the allocation-policy check — approval gate, team
// reservation, then concurrency cap — without recording anything.
// Selectors call this before reserving a group asset; Allocate calls it
// before recording.
func (s *Service) Authorize(groupID, team string) error {
	group, err := s.Get(groupID)
	if err != nil {
		return err
	}
	policy := group.Policy

	if policy.RequireApproval {
		return apierr.Conflict("allocation requires approval")
	}
	if len(policy.ReservedForTeams) > 0 && !policy.ReservedForTeams[team] {
		return apierr.Conflict("group is reserved for other teams")
	}

	s.mu.RLock()
	open := s.openAllocationCountLocked(groupID)
	s.mu.RUnlock()
	if policy.MaxConcurrentAllocations > 0 && open >= policy.MaxConcurrentAllocations {
		return apierr.Conflict("group has reached max-concurrent-allocations")
	}
	return nil
}

// Allocate authorizes and records a new allocation on a group asset,
// respecting the maintenance gate: an asset in maintenance is never
// selectable and never allocatable.
func (s *Service) Allocate(ctx context.Context, req AllocateRequest) (model.Allocation, error) {
	if req.ResourceID == "" {
		return model.Allocation{}, apierr.Validation("resource_id", "must not be empty")
	}

	if err := s.Authorize(req.GroupID, req.Team); err != nil {
		return model.Allocation{}, err
	}

	asset, err := s.reg.Get(req.ResourceID)
	if err != nil {
		return model.Allocation{}, err
	}
	if asset.Maintenance {
		return model.Allocation{}, apierr.Conflict("asset is in maintenance")
	}

	group, err := s.Get(req.GroupID)
	if err != nil {
		return model.Allocation{}, err
	}

	now := time.Now()
	alloc := model.Allocation{
		ID: uuid.New().String(), GroupID: req.GroupID, ResourceID: req.ResourceID,
		Requester: req.Requester, AllocatedAt: now,
	}

	duration := req.Duration
	if duration == nil && group.Policy.MaxAllocationDuration > 0 {
		d := group.Policy.MaxAllocationDuration
		duration = &d
	}
	if duration == nil && s.cfg.Groups.DefaultMaxAllocationDurationSeconds > 0 {
		d := time.Duration(s.cfg.Groups.DefaultMaxAllocationDurationSeconds) * time.Second
		duration = &d
	}
	if duration != nil {
		expiry := now.Add(*duration)
		alloc.ExpiresAt = &expiry
	}

	s.mu.Lock()
	s.allocations[alloc.ID] = &alloc
	s.recordAllocationsOpenLocked(req.GroupID)
	s.mu.Unlock()
	return alloc, nil
}

// Release sets an allocation's released-at, freeing the resource.
func (s *Service) Release(ctx context.Context, allocationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	alloc, ok := s.allocations[allocationID]
	if !ok {
		return apierr.NotFound("allocation", allocationID)
	}
	if !alloc.Open() {
		return apierr.Conflict("allocation already released")
	}
	now := time.Now()
	alloc.ReleasedAt = &now
	s.recordAllocationsOpenLocked(alloc.GroupID)
	return nil
}

// GetAllocation returns a snapshot of one allocation.
func (s *Service) GetAllocation(id string) (model.Allocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.allocations[id]
	if !ok {
		return model.Allocation{}, apierr.NotFound("allocation", id)
	}
	return *a, nil
}

// OpenAllocationsFor returns every currently-open allocation on one resource.
func (s *Service) OpenAllocationsFor(resourceID string) []model.Allocation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Allocation
	for _, a := range s.allocations {
		if a.ResourceID == resourceID && a.Open() {
			out = append(out, *a)
		}
	}
	return out
}
