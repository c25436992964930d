package groups

import "github.com/labfleet/controlplane/internal/model"

// GroupStats aggregates a group's membership for reporting.
type GroupStats struct {
	MemberCount        int
	CountByStatus      map[string]int
	TotalCores         int
	TotalMemoryMB      int
	TotalStorageMB     int
	AverageUtilization model.Utilization
	ActiveWorkloads    int
	QueuedWorkloads    int
	CurrentAllocations int
	MaxAllocations     int
}

// Stats aggregates live member state straight from the registry (the
// single source of truth for asset fields), rather than from this
// service's own membership mirror.
func (s *Service) Stats(groupID string) (GroupStats, error) {
	group, err := s.Get(groupID)
	if err != nil {
		return GroupStats{}, err
	}

	members := s.reg.ListByGroup(groupID)
	out := GroupStats{MemberCount: len(members), CountByStatus: make(map[string]int), MaxAllocations: group.Policy.MaxConcurrentAllocations}

	var cpuSum, memSum, storageSum float64
	var utilSamples int
	for _, a := range members {
		switch a.Kind {
		case model.KindBuildServer:
			if a.BuildServer != nil {
				out.CountByStatus[string(a.BuildServer.Status)]++
				out.TotalCores += a.BuildServer.TotalCores
				out.TotalMemoryMB += a.BuildServer.TotalMemoryMB
				out.TotalStorageMB += a.BuildServer.TotalStorageMB
				out.ActiveWorkloads += a.BuildServer.ActiveBuildCount
				out.QueuedWorkloads += a.BuildServer.QueueDepth
			}
		case model.KindVirtHost:
			if a.VirtHost != nil {
				out.CountByStatus[string(a.VirtHost.Status)]++
				if a.VirtHost.RunningGuestCount > 0 {
					out.ActiveWorkloads += a.VirtHost.RunningGuestCount
				}
			}
		case model.KindBoard:
			if a.Board != nil {
				out.CountByStatus[string(a.Board.Status)]++
				if a.Board.AssignedTestID != "" {
					out.ActiveWorkloads++
				}
			}
		}

		if a.HealthLevel != model.HealthUnknown {
			cpuSum += a.Utilization.CPUPercent
			memSum += a.Utilization.MemPercent
			storageSum += a.Utilization.StoragePercent
			utilSamples++
		}

		out.CurrentAllocations += len(s.OpenAllocationsFor(a.ID))
	}

	if utilSamples > 0 {
		out.AverageUtilization = model.Utilization{
			CPUPercent:     cpuSum / float64(utilSamples),
			MemPercent:     memSum / float64(utilSamples),
			StoragePercent: storageSum / float64(utilSamples),
		}
	}
	return out, nil
}
