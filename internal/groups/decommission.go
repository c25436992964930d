package groups

import (
	"context"
	"time"

	"github.com/labfleet/controlplane/internal/apierr"
	"github.com/labfleet/controlplane/internal/model"
)

// activeWorkload reports whether the asset currently carries work that
// decommission must not silently discard.
func activeWorkload(a model.Asset) bool {
	switch a.Kind {
	case model.KindBuildServer:
		return a.BuildServer != nil && a.BuildServer.ActiveBuildCount > 0
	case model.KindVirtHost:
		return a.VirtHost != nil && a.VirtHost.RunningGuestCount > 0
	case model.KindBoard:
		return a.Board != nil && (a.Board.AssignedTestID != "" || a.Board.Status == model.BoardFlashing)
	default:
		return false
	}
}

// Decommission removes an asset from the registry. It succeeds only when
// the asset carries no open allocation and no active workload, unless
// force is set — which still releases every open allocation atomically
// before removing the asset.
func (s *Service) Decommission(ctx context.Context, assetID string, force bool) error {
	asset, err := s.reg.Get(assetID)
	if err != nil {
		return err
	}

	open := s.OpenAllocationsFor(assetID)
	hasWorkload := activeWorkload(asset)

	if !force && (len(open) > 0 || hasWorkload) {
		return apierr.Conflict("asset has an open allocation or active workload")
	}

	if force && len(open) > 0 {
		s.mu.Lock()
		now := time.Now()
		for _, a := range open {
			if rec, ok := s.allocations[a.ID]; ok {
				rec.ReleasedAt = &now
			}
		}
		s.recordAllocationsOpenLocked(asset.GroupID)
		s.mu.Unlock()
	}

	if asset.GroupID != "" {
		s.mu.Lock()
		if group, ok := s.groups[asset.GroupID]; ok {
			group.MemberIDs = removeID(group.MemberIDs, assetID)
		}
		s.mu.Unlock()
	}

	return s.reg.Remove(ctx, assetID)
}
