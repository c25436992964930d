// Package model defines the fleet control plane's data model:
// assets, toolchains, artifacts, build jobs, deployments, pipelines,
// resource groups, allocations, alerts, and reservations.
package model

import "time"

// AssetKind identifies one of the three managed resource classes.
type AssetKind string

const (
	KindBuildServer AssetKind = "build-server"
	KindVirtHost    AssetKind = "virt-host"
	KindBoard       AssetKind = "board"
)

// HealthLevel is the worst-wins health classification produced by the health engine.
type HealthLevel string

const (
	HealthHealthy     HealthLevel = "healthy"
	HealthDegraded    HealthLevel = "degraded"
	HealthUnhealthy   HealthLevel = "unhealthy"
	HealthUnreachable HealthLevel = "unreachable"
	HealthUnknown     HealthLevel = "unknown"
)

// severityRank orders health levels worst-to-best for worst-wins merges.
var severityRank = map[HealthLevel]int{
	HealthUnreachable: 4,
	HealthUnhealthy:   3,
	HealthDegraded:    2,
	HealthHealthy:     1,
	HealthUnknown:     0,
}

// WorstOf returns whichever of a, b is more severe.
func WorstOf(a, b HealthLevel) HealthLevel {
	if severityRank[b] > severityRank[a] {
		return b
	}
	return a
}

// MachineStatus is the status enum shared by build servers and virt hosts.
type MachineStatus string

const (
	StatusOnline      MachineStatus = "online"
	StatusOffline     MachineStatus = "offline"
	StatusDegraded    MachineStatus = "degraded"
	StatusMaintenance MachineStatus = "maintenance"
	StatusUnknown     MachineStatus = "unknown"
)

// BoardStatus is the status enum for boards.
type BoardStatus string

const (
	BoardAvailable   BoardStatus = "available"
	BoardInUse       BoardStatus = "in-use"
	BoardFlashing    BoardStatus = "flashing"
	BoardOffline     BoardStatus = "offline"
	BoardMaintenance BoardStatus = "maintenance"
	BoardRecovery    BoardStatus = "recovery"
	BoardUnknown     BoardStatus = "unknown"
)

// Utilization is a point-in-time resource usage snapshot.
type Utilization struct {
	CPUPercent     float64
	MemPercent     float64
	StoragePercent float64
}

// Asset holds the fields common to every managed resource.
type Asset struct {
	ID                string
	Kind              AssetKind
	Hostname          string
	Address           string
	CredentialRef     string
	Architectures     []string
	Labels            map[string]string
	GroupID           string
	Maintenance       bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
	LastProbeAt        time.Time
	HealthLevel       HealthLevel
	Utilization       Utilization
	ConsecutiveFailures int

	// Kind-specific payloads; exactly one is populated per asset Kind.
	BuildServer *BuildServerInfo
	VirtHost    *VirtHostInfo
	Board       *BoardInfo
}

// BuildServerInfo holds build-server-specific fields.
type BuildServerInfo struct {
	Status            MachineStatus
	Toolchains        []Toolchain
	TotalCores        int
	TotalMemoryMB     int
	TotalStorageMB    int
	MaxConcurrentBuilds int
	ActiveBuildCount  int
	QueueDepth        int
}

// VirtHostInfo holds virt-host-specific fields.
type VirtHostInfo struct {
	Status              MachineStatus
	HardwareAssist      bool
	NestedVirt          bool
	MaxGuests           int
	RunningGuestCount   int
}

// PowerControlMethod is the mechanism used to automate board power.
type PowerControlMethod string

const (
	PowerUSBHub    PowerControlMethod = "usb-hub"
	PowerNetworkPDU PowerControlMethod = "network-pdu"
	PowerGPIORelay PowerControlMethod = "gpio-relay"
	PowerManual    PowerControlMethod = "manual"
)

// Automatable reports whether this power method can be driven by software.
func (m PowerControlMethod) Automatable() bool {
	return m == PowerUSBHub || m == PowerNetworkPDU || m == PowerGPIORelay
}

// PowerControl describes how a board's power is switched.
type PowerControl struct {
	Method  PowerControlMethod
	Locator string
}

// BoardInfo holds board-specific fields.
type BoardInfo struct {
	Status                BoardStatus
	BoardType             string
	Power                 PowerControl
	SerialDevice          string
	SerialBaud            int
	FlashStationRef       string
	CurrentFirmwareVersion string
	AssignedTestID        string
	Peripherals           []string
}

// Toolchain describes one build-server cross-compiler.
// Invariant: at most one Toolchain per (build-server, TargetArch) has Available=true.
type Toolchain struct {
	Name       string
	Version    string
	TargetArch string
	Path       string
	Available  bool
}
