package model

import "time"

// EnvironmentKind is the target environment a pipeline deploys into.
type EnvironmentKind string

const (
	EnvVirt  EnvironmentKind = "virt"
	EnvBoard EnvironmentKind = "board"
)

// StageType enumerates the fixed, ordered pipeline stages.
type StageType string

const (
	StageBuild  StageType = "build"
	StageDeploy StageType = "deploy"
	StageBoot   StageType = "boot"
	StageTest   StageType = "test"
)

// OrderedStages is the fixed stage sequence every pipeline runs.
var OrderedStages = []StageType{StageBuild, StageDeploy, StageBoot, StageTest}

// StageStatus is the lifecycle state of one Stage.
type StageStatus string

const (
	StagePending   StageStatus = "pending"
	StageRunning   StageStatus = "running"
	StageCompleted StageStatus = "completed"
	StageFailed    StageStatus = "failed"
	StageSkipped   StageStatus = "skipped"
)

// Stage is one step of a Pipeline's fixed build/deploy/boot/test sequence.
type Stage struct {
	Name        StageType
	Status      StageStatus
	RetryCount  int
	MaxRetries  int
	StartedAt   time.Time
	CompletedAt time.Time
	OutputID    string
	Error       string
}

// PipelineStatus is the overall lifecycle state of a Pipeline.
type PipelineStatus string

const (
	PipelinePending   PipelineStatus = "pending"
	PipelineRunning   PipelineStatus = "running"
	PipelineCompleted PipelineStatus = "completed"
	PipelineFailed    PipelineStatus = "failed"
	PipelineCancelled PipelineStatus = "cancelled"
)

// Terminal reports whether the pipeline has reached a final state.
func (s PipelineStatus) Terminal() bool {
	switch s {
	case PipelineCompleted, PipelineFailed, PipelineCancelled:
		return true
	default:
		return false
	}
}

// Pipeline is an ordered build→deploy→boot→test execution.
type Pipeline struct {
	ID           string
	RepoURL      string
	Branch       string
	CommitHash   string
	Architecture string
	Environment  EnvironmentKind
	EnvConfig    map[string]string
	BuildConfig  BuildConfig
	TestConfig   map[string]string
	Stages       []*Stage
	Status       PipelineStatus
	CurrentStage int
	CreatedAt    time.Time
	StartedAt    time.Time
	CompletedAt  time.Time
	ErrorMessage string
}

// StageByName returns the stage with the given name, or nil.
func (p *Pipeline) StageByName(name StageType) *Stage {
	for _, s := range p.Stages {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// CanStartStage reports whether the named stage is eligible to run: the
// first stage is always eligible, and any later stage is eligible only
// once its immediate predecessor has completed. Returns false if no stage
// with that name exists.
func (p *Pipeline) CanStartStage(name StageType) bool {
	for i, s := range p.Stages {
		if s.Name != name {
			continue
		}
		if i == 0 {
			return true
		}
		return p.Stages[i-1].Status == StageCompleted
	}
	return false
}

// ValidateStageOrder reports whether stages appear in the same relative
// order as OrderedStages; a gap (skipping an intermediate stage type) is
// fine, but any inversion is not. An empty slice is trivially valid.
func ValidateStageOrder(stages []*Stage) bool {
	expected := 0
	for _, s := range stages {
		found := false
		for expected < len(OrderedStages) {
			if OrderedStages[expected] == s.Name {
				expected++
				found = true
				break
			}
			expected++
		}
		if !found {
			return false
		}
	}
	return true
}
