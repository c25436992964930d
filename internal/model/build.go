package model

import "time"

// Priority orders build jobs within the queue (urgent > high > normal > low).
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// priorityRank gives each Priority a sortable weight, highest first.
var priorityRank = map[Priority]int{
	PriorityUrgent: 3,
	PriorityHigh:   2,
	PriorityNormal: 1,
	PriorityLow:    0,
}

// Rank returns p's sortable weight (higher sorts first).
func (p Priority) Rank() int { return priorityRank[p] }

// BuildJobStatus is the lifecycle state of a BuildJob.
type BuildJobStatus string

const (
	BuildQueued    BuildJobStatus = "queued"
	BuildBuilding  BuildJobStatus = "building"
	BuildCompleted BuildJobStatus = "completed"
	BuildFailed    BuildJobStatus = "failed"
	BuildCancelled BuildJobStatus = "cancelled"
)

// Terminal reports whether this status is immutable.
func (s BuildJobStatus) Terminal() bool {
	switch s {
	case BuildCompleted, BuildFailed, BuildCancelled:
		return true
	default:
		return false
	}
}

// BuildConfig describes how the executor should build the source tree.
type BuildConfig struct {
	ConfigName   string
	ExtraArgs    []string
	Env          map[string]string
	ModuleFlag   bool
	DeviceTreeFlag bool
	// PreBuild, Build and PostBuild, when any is non-empty, switch the
	// executor to the "custom" path:
	// each entry is executed verbatim instead of the standard defconfig/make
	// sequence.
	PreBuild  []string
	Build     []string
	PostBuild []string
}

// IsCustom reports whether the "custom" command-sequence path applies.
func (c BuildConfig) IsCustom() bool {
	return len(c.PreBuild) > 0 || len(c.Build) > 0 || len(c.PostBuild) > 0
}

// BuildJob is a unit of work producing Artifacts from source.
type BuildJob struct {
	ID             string
	SourceRepoURL  string
	Branch         string
	CommitHash     string
	TargetArch     string
	Config         BuildConfig
	Status         BuildJobStatus
	CreatedAt      time.Time
	StartedAt      time.Time
	CompletedAt    time.Time
	ServerID       string
	ArtifactIDs    []string
	Priority       Priority
	DurationSeconds float64
	ErrorMessage   string
	LogBuffer      []LogLine
}

// LogLine is one timestamped entry in a build job's streamed log buffer.
type LogLine struct {
	Sequence int
	At       time.Time
	Text     string
}
