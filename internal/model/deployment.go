package model

import "time"

// DeploymentTargetKind is the kind of asset a deployment targets.
type DeploymentTargetKind string

const (
	TargetVirtHost DeploymentTargetKind = "virt-host"
	TargetBoard    DeploymentTargetKind = "board"
)

// DeploymentStatus is the FSM state of a Deployment.
type DeploymentStatus string

const (
	DeployPending      DeploymentStatus = "pending"
	DeployTransferring DeploymentStatus = "transferring"
	DeployFlashing     DeploymentStatus = "flashing"
	DeployBooting      DeploymentStatus = "booting"
	DeployVerifying    DeploymentStatus = "verifying"
	DeployCompleted    DeploymentStatus = "completed"
	DeployFailed       DeploymentStatus = "failed"
	DeployRolledBack   DeploymentStatus = "rolled-back"
)

// Terminal reports whether the deployment has reached a final state.
func (s DeploymentStatus) Terminal() bool {
	switch s {
	case DeployCompleted, DeployFailed, DeployRolledBack:
		return true
	default:
		return false
	}
}

// StageTransition records one FSM edge with its timestamp.
type StageTransition struct {
	Status DeploymentStatus
	At     time.Time
}

// Deployment is a transfer+boot+verify onto a virt host or board.
type Deployment struct {
	ID             string
	TargetKind     DeploymentTargetKind
	TargetID       string
	ArtifactIDs    []string
	BuildID        string
	GuestName      string // virt targets only
	VCPUs          int
	MemoryMB       int
	RequiresFlash  bool   // board targets only: firmware version mismatch
	FirmwareVersion string // board targets only: version being deployed
	Status         DeploymentStatus
	BootVerified   bool
	RolledBackFrom string
	CreatedAt      time.Time
	StartedAt      time.Time
	CompletedAt    time.Time
	Transitions    []StageTransition
	ErrorMessage   string
}

// Transition appends a new FSM edge and updates Status.
func (d *Deployment) Transition(status DeploymentStatus, at time.Time) {
	d.Status = status
	d.Transitions = append(d.Transitions, StageTransition{Status: status, At: at})
}
