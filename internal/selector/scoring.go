package selector

import (
	"github.com/labfleet/controlplane/internal/config"
	"github.com/labfleet/controlplane/internal/model"
)

func maxUtilization(cfg *config.Config) float64 {
	v := cfg.Selector.MaxUtilizationPercent
	if v <= 0 {
		v = 90
	}
	return v
}

func avgUtilization(u model.Utilization) float64 {
	return (u.CPUPercent + u.MemPercent + u.StoragePercent) / 3
}

func labelsMatch(want, have map[string]string) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}

func archSupported(want string, have []string) bool {
	if want == "" {
		return true
	}
	for _, a := range have {
		if a == want {
			return true
		}
	}
	return false
}

// --- build server ---

func filterBuildServer(cfg *config.Config, req Requirements, a model.Asset) bool {
	if a.BuildServer == nil || a.BuildServer.Status != model.StatusOnline {
		return false
	}
	if a.Maintenance {
		return false
	}
	if req.GroupID != "" && a.GroupID != req.GroupID {
		return false
	}
	if !labelsMatch(req.Labels, a.Labels) {
		return false
	}
	if !archSupported(req.TargetArch, a.Architectures) {
		return false
	}
	if req.RequiredToolchain != "" && !hasAvailableToolchain(a.BuildServer.Toolchains, req.TargetArch, req.RequiredToolchain) {
		return false
	}
	if avgUtilization(a.Utilization) > maxUtilization(cfg) {
		return false
	}
	if a.BuildServer.ActiveBuildCount >= a.BuildServer.MaxConcurrentBuilds {
		return false
	}
	return true
}

func hasAvailableToolchain(toolchains []model.Toolchain, arch, name string) bool {
	for _, tc := range toolchains {
		if tc.Available && tc.TargetArch == arch && (name == "" || tc.Name == name) {
			return true
		}
	}
	return false
}

func scoreBuildServer(cfg *config.Config, req Requirements, a model.Asset) float64 {
	util := avgUtilization(a.Utilization) / 100
	capMax := a.BuildServer.MaxConcurrentBuilds
	if capMax <= 0 {
		capMax = 1
	}
	queueFrac := float64(a.BuildServer.QueueDepth) / float64(capMax)
	capacityMargin := 1 - float64(a.BuildServer.ActiveBuildCount)/float64(capMax)
	return 0.4*(1-util) + 0.3*(1-clamp01(queueFrac)) + 0.3*clamp01(capacityMargin)
}

func loadBuildServer(a model.Asset) float64 {
	if a.BuildServer == nil || a.BuildServer.MaxConcurrentBuilds == 0 {
		return 0
	}
	return float64(a.BuildServer.ActiveBuildCount) / float64(a.BuildServer.MaxConcurrentBuilds)
}

// --- virt host ---

func filterVirtHost(cfg *config.Config, req Requirements, a model.Asset) bool {
	if a.VirtHost == nil || a.VirtHost.Status != model.StatusOnline {
		return false
	}
	if a.Maintenance {
		return false
	}
	if req.GroupID != "" && a.GroupID != req.GroupID {
		return false
	}
	if !labelsMatch(req.Labels, a.Labels) {
		return false
	}
	if !archSupported(req.TargetArch, a.Architectures) {
		return false
	}
	if req.RequireHardwareAssist && !a.VirtHost.HardwareAssist {
		return false
	}
	if avgUtilization(a.Utilization) > maxUtilization(cfg) {
		return false
	}
	if a.VirtHost.RunningGuestCount >= a.VirtHost.MaxGuests {
		return false
	}
	return true
}

func scoreVirtHost(cfg *config.Config, req Requirements, a model.Asset) float64 {
	util := avgUtilization(a.Utilization) / 100
	capMax := a.VirtHost.MaxGuests
	if capMax <= 0 {
		capMax = 1
	}
	capacityMargin := 1 - float64(a.VirtHost.RunningGuestCount)/float64(capMax)
	guestFrac := float64(a.VirtHost.RunningGuestCount) / float64(capMax)
	score := 0.4*(1-util) + 0.35*clamp01(capacityMargin) + 0.25*(1-clamp01(guestFrac))
	if req.RequireHardwareAssist && a.VirtHost.HardwareAssist {
		score += 0.1
	}
	return clamp01(score)
}

func loadVirtHost(a model.Asset) float64 {
	if a.VirtHost == nil || a.VirtHost.MaxGuests == 0 {
		return 0
	}
	return float64(a.VirtHost.RunningGuestCount) / float64(a.VirtHost.MaxGuests)
}

// --- board ---

func filterBoard(cfg *config.Config, req Requirements, a model.Asset) bool {
	if a.Board == nil || a.Board.Status != model.BoardAvailable {
		return false
	}
	if a.Maintenance {
		return false
	}
	if req.GroupID != "" && a.GroupID != req.GroupID {
		return false
	}
	if !labelsMatch(req.Labels, a.Labels) {
		return false
	}
	if !archSupported(req.TargetArch, a.Architectures) {
		return false
	}
	for _, p := range req.RequiredPeripherals {
		if !hasPeripheral(a.Board.Peripherals, p) {
			return false
		}
	}
	return true
}

func hasPeripheral(have []string, want string) bool {
	for _, p := range have {
		if p == want {
			return true
		}
	}
	return false
}

func scoreBoard(cfg *config.Config, req Requirements, a model.Asset) float64 {
	healthScore := boardHealthScore(a)
	availabilityScore := 1.0 // filter already requires Status==available
	firmwareMatch := 1.0
	if req.RequiredFirmwareVersion != "" && a.Board.CurrentFirmwareVersion != req.RequiredFirmwareVersion {
		firmwareMatch = 0.5 // still selectable (requires flashing) but scores lower
	}
	return clamp01(0.4*healthScore + 0.35*availabilityScore + 0.25*firmwareMatch)
}

// boardHealthScore combines connectivity, temperature, and storage
// multiplicatively.
func boardHealthScore(a model.Asset) float64 {
	connectivity := 1.0
	switch a.HealthLevel {
	case model.HealthUnreachable:
		connectivity = 0
	case model.HealthUnhealthy:
		connectivity = 0.3
	case model.HealthDegraded:
		connectivity = 0.7
	}
	temperature := 1.0
	if a.HealthLevel == model.HealthDegraded || a.HealthLevel == model.HealthUnhealthy {
		temperature = 0.8
	}
	storage := 1 - a.Utilization.StoragePercent/100
	return clamp01(connectivity) * clamp01(temperature) * clamp01(storage)
}

func loadBoard(a model.Asset) float64 {
	if a.Board != nil && a.Board.Status == model.BoardInUse {
		return 1
	}
	return 0
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
