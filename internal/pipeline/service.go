// Package pipeline implements the fixed build→deploy→boot→test
// sequencer, its per-stage retry budget, cancellation, and statistics.
//
// The pipeline engine holds only a stage handler registry; it knows
// nothing about buildqueue.Service or deployment.Service concretely, so a
// cycle between the managers and the pipeline engine can never form.
// Wiring a concrete handler (e.g. one that calls buildqueue.Submit) is
// cmd/fleetd's job.
package pipeline

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/labfleet/controlplane/internal/apierr"
	"github.com/labfleet/controlplane/internal/config"
	"github.com/labfleet/controlplane/internal/logging"
	"github.com/labfleet/controlplane/internal/metrics"
	"github.com/labfleet/controlplane/internal/model"
)

// CreateRequest carries the inputs for creating a pipeline.
type CreateRequest struct {
	RepoURL      string
	Branch       string
	CommitHash   string
	Architecture string
	Environment  model.EnvironmentKind
	EnvConfig    map[string]string
	BuildConfig  model.BuildConfig
	TestConfig   map[string]string
	MaxRetries   int // 0 uses the configured default
}

type record struct {
	mu     sync.Mutex
	p      model.Pipeline
	cancel context.CancelFunc
}

func (r *record) snapshot() model.Pipeline {
	r.mu.Lock()
	defer r.mu.Unlock()
	return deepCopy(r.p)
}

func deepCopy(p model.Pipeline) model.Pipeline {
	out := p
	out.Stages = make([]*model.Stage, len(p.Stages))
	for i, s := range p.Stages {
		cp := *s
		out.Stages[i] = &cp
	}
	return out
}

// Service runs pipelines to completion in the background against a
// registered set of per-stage-type handlers.
type Service struct {
	mu        sync.RWMutex
	pipelines map[string]*record
	handlers  map[model.StageType]StageHandler

	cfg    *config.Config
	logger *logging.Logger

	metrics *metrics.Metrics
}

// SetMetrics attaches a metrics collector; run outcomes and stage retries
// record into it once set.
func (s *Service) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

// New constructs a pipeline Service with no handlers registered; every
// stage runs through the default handler until RegisterHandler is called.
func New(cfg *config.Config, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.Default()
	}
	return &Service{
		pipelines: make(map[string]*record),
		handlers:  make(map[model.StageType]StageHandler),
		cfg:       cfg, logger: logger,
	}
}

// RegisterHandler wires a concrete handler for one stage type; each stage
// looks up its handler by type at run time, so handlers register once at
// start-up before any pipeline runs.
func (s *Service) RegisterHandler(stage model.StageType, handler StageHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[stage] = handler
}

func (s *Service) handlerFor(stage model.StageType) StageHandler {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if h, ok := s.handlers[stage]; ok {
		return h
	}
	return defaultHandler{}
}

func (s *Service) defaultMaxRetries() int {
	if s.cfg.Pipelines.DefaultMaxRetries > 0 {
		return s.cfg.Pipelines.DefaultMaxRetries
	}
	return 2
}

func (s *Service) backoffDelay() time.Duration {
	secs := s.cfg.Pipelines.RetryBackoffSeconds
	if secs <= 0 {
		secs = 1
	}
	return time.Duration(secs) * time.Second
}

// Create builds a pending Pipeline with its fixed stage list and starts it
// running in the background.
func (s *Service) Create(ctx context.Context, req CreateRequest) (model.Pipeline, error) {
	if req.RepoURL == "" {
		return model.Pipeline{}, apierr.Validation("repo_url", "must not be empty")
	}
	if req.Architecture == "" {
		return model.Pipeline{}, apierr.Validation("architecture", "must not be empty")
	}

	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = s.defaultMaxRetries()
	}

	now := time.Now()
	stages := make([]*model.Stage, 0, len(model.OrderedStages))
	for _, st := range model.OrderedStages {
		stages = append(stages, &model.Stage{Name: st, Status: model.StagePending, MaxRetries: maxRetries})
	}

	p := model.Pipeline{
		ID: uuid.New().String(), RepoURL: req.RepoURL, Branch: req.Branch, CommitHash: req.CommitHash,
		Architecture: req.Architecture, Environment: req.Environment, EnvConfig: req.EnvConfig,
		BuildConfig: req.BuildConfig, TestConfig: req.TestConfig, Stages: stages,
		Status: model.PipelinePending, CreatedAt: now,
	}

	runCtx, cancel := context.WithCancel(context.Background())
	rec := &record{p: p, cancel: cancel}

	s.mu.Lock()
	s.pipelines[p.ID] = rec
	s.mu.Unlock()

	go s.run(runCtx, rec)
	return rec.snapshot(), nil
}

// run executes every stage in order; stage i only starts once stage i-1
// has completed. The first
// stage that exhausts its retry budget fails the pipeline and marks every
// remaining stage skipped — no later stage ever executes.
func (s *Service) run(ctx context.Context, rec *record) {
	rec.mu.Lock()
	rec.p.Status = model.PipelineRunning
	rec.p.StartedAt = time.Now()
	rec.mu.Unlock()

	for i, stage := range rec.p.Stages {
		if ctx.Err() != nil {
			return // Cancel already owns the terminal transition
		}

		rec.mu.Lock()
		rec.p.CurrentStage = i
		rec.mu.Unlock()

		if !s.runStage(ctx, rec, stage) {
			if ctx.Err() != nil {
				return
			}
			rec.mu.Lock()
			rec.p.Status = model.PipelineFailed
			rec.p.CompletedAt = time.Now()
			rec.p.ErrorMessage = stage.Error
			for _, later := range rec.p.Stages[i+1:] {
				later.Status = model.StageSkipped
			}
			rec.mu.Unlock()
			if s.metrics != nil {
				s.metrics.RecordPipelineRun(string(model.PipelineFailed))
			}
			return
		}
	}

	rec.mu.Lock()
	rec.p.Status = model.PipelineCompleted
	rec.p.CompletedAt = time.Now()
	rec.mu.Unlock()
	if s.metrics != nil {
		s.metrics.RecordPipelineRun(string(model.PipelineCompleted))
	}
}

// runStage drives one stage through its retry budget: handler failure
// increments the retry counter and waits a fixed backoff before the next
// attempt, up to stage.MaxRetries retries.
func (s *Service) runStage(ctx context.Context, rec *record, stage *model.Stage) bool {
	rec.mu.Lock()
	stage.Status = model.StageRunning
	stage.StartedAt = time.Now()
	rec.mu.Unlock()

	handler := s.handlerFor(stage.Name)
	backoff := s.backoffDelay()

	for attempt := 0; ; attempt++ {
		if ctx.Err() != nil {
			return false
		}

		pSnapshot := rec.snapshot()
		stageSnapshot := *stage
		outputID, err := handler.Run(ctx, &pSnapshot, &stageSnapshot)
		if ctx.Err() != nil {
			return false // Cancel already owns the terminal transition
		}
		if err == nil {
			rec.mu.Lock()
			stage.Status = model.StageCompleted
			stage.OutputID = outputID
			stage.CompletedAt = time.Now()
			rec.mu.Unlock()
			return true
		}

		rec.mu.Lock()
		stage.Error = err.Error()
		rec.mu.Unlock()

		if attempt >= stage.MaxRetries {
			rec.mu.Lock()
			stage.Status = model.StageFailed
			stage.CompletedAt = time.Now()
			rec.mu.Unlock()
			return false
		}

		rec.mu.Lock()
		stage.RetryCount++
		rec.mu.Unlock()
		if s.metrics != nil {
			s.metrics.RecordStageRetry(string(stage.Name))
		}

		select {
		case <-ctx.Done():
			return false
		case <-time.After(backoff):
		}
	}
}

// Get returns a snapshot of one pipeline.
func (s *Service) Get(id string) (model.Pipeline, error) {
	s.mu.RLock()
	rec, ok := s.pipelines[id]
	s.mu.RUnlock()
	if !ok {
		return model.Pipeline{}, apierr.NotFound("pipeline", id)
	}
	return rec.snapshot(), nil
}

// CanStartStage reports whether the named stage of a pipeline is
// currently eligible to run, per model.Pipeline.CanStartStage.
func (s *Service) CanStartStage(id string, stage model.StageType) (bool, error) {
	p, err := s.Get(id)
	if err != nil {
		return false, err
	}
	return p.CanStartStage(stage), nil
}

// List returns every pipeline, sorted by id.
func (s *Service) List() []model.Pipeline {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.pipelines))
	for id := range s.pipelines {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]model.Pipeline, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.pipelines[id].snapshot())
	}
	return out
}

// Cancel sets any running stage to skipped, marks every remaining stage
// skipped, and transitions the pipeline to cancelled. Safe to call
// concurrently with stage execution: the in-flight handler's
// context is cancelled so a blocking call unwinds promptly, and run's own
// ctx.Err() checks stop it from overwriting the cancelled state afterward.
func (s *Service) Cancel(ctx context.Context, id string) error {
	s.mu.RLock()
	rec, ok := s.pipelines[id]
	s.mu.RUnlock()
	if !ok {
		return apierr.NotFound("pipeline", id)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.p.Status.Terminal() {
		return apierr.Conflict("pipeline already terminal")
	}

	rec.cancel()
	now := time.Now()
	for _, stage := range rec.p.Stages {
		if stage.Status == model.StageRunning || stage.Status == model.StagePending {
			stage.Status = model.StageSkipped
			if stage.CompletedAt.IsZero() {
				stage.CompletedAt = now
			}
		}
	}
	rec.p.Status = model.PipelineCancelled
	rec.p.CompletedAt = now
	return nil
}

// RetryFromStage resets the named stage and every stage after it to
// pending, then re-runs the pipeline from that point; prior stages retain
// their completed state. Only valid once the pipeline has
// reached a terminal state.
func (s *Service) RetryFromStage(ctx context.Context, id string, from model.StageType) (model.Pipeline, error) {
	s.mu.RLock()
	rec, ok := s.pipelines[id]
	s.mu.RUnlock()
	if !ok {
		return model.Pipeline{}, apierr.NotFound("pipeline", id)
	}

	rec.mu.Lock()
	if !rec.p.Status.Terminal() {
		rec.mu.Unlock()
		return model.Pipeline{}, apierr.Conflict("pipeline must be terminal before retrying")
	}

	fromIdx := -1
	for i, stage := range rec.p.Stages {
		if stage.Name == from {
			fromIdx = i
			break
		}
	}
	if fromIdx < 0 {
		rec.mu.Unlock()
		return model.Pipeline{}, apierr.Validation("from", "unknown stage")
	}

	for _, stage := range rec.p.Stages[fromIdx:] {
		stage.Status = model.StagePending
		stage.RetryCount = 0
		stage.Error = ""
		stage.OutputID = ""
		stage.StartedAt = time.Time{}
		stage.CompletedAt = time.Time{}
	}
	rec.p.Status = model.PipelinePending
	rec.p.ErrorMessage = ""
	rec.p.CompletedAt = time.Time{}
	runCtx, cancel := context.WithCancel(context.Background())
	rec.cancel = cancel
	rec.mu.Unlock()

	go s.runFrom(runCtx, rec, fromIdx)
	return rec.snapshot(), nil
}

// runFrom is run's logic starting at a specific stage index, used by
// RetryFromStage to skip already-completed prior stages.
func (s *Service) runFrom(ctx context.Context, rec *record, fromIdx int) {
	rec.mu.Lock()
	rec.p.Status = model.PipelineRunning
	if rec.p.StartedAt.IsZero() {
		rec.p.StartedAt = time.Now()
	}
	stages := rec.p.Stages
	rec.mu.Unlock()

	for i := fromIdx; i < len(stages); i++ {
		if ctx.Err() != nil {
			return
		}
		rec.mu.Lock()
		rec.p.CurrentStage = i
		rec.mu.Unlock()

		if !s.runStage(ctx, rec, stages[i]) {
			if ctx.Err() != nil {
				return
			}
			rec.mu.Lock()
			rec.p.Status = model.PipelineFailed
			rec.p.CompletedAt = time.Now()
			rec.p.ErrorMessage = stages[i].Error
			for _, later := range stages[i+1:] {
				later.Status = model.StageSkipped
			}
			rec.mu.Unlock()
			if s.metrics != nil {
				s.metrics.RecordPipelineRun(string(model.PipelineFailed))
			}
			return
		}
	}

	rec.mu.Lock()
	rec.p.Status = model.PipelineCompleted
	rec.p.CompletedAt = time.Now()
	rec.mu.Unlock()
	if s.metrics != nil {
		s.metrics.RecordPipelineRun(string(model.PipelineCompleted))
	}
}

// Stats summarizes historical pipeline outcomes.
type Stats struct {
	Total           int
	Completed       int
	Failed          int
	Cancelled       int
	SuccessRate     float64
	AverageDuration time.Duration
}

// Stats computes success-rate across every terminal pipeline matching the
// given repo/branch filter (either may be empty to match any value), and
// average-duration across only the completed ones among them — a pipeline
// that failed or was cancelled contributes to SuccessRate's denominator
// but never to AverageDuration, since it may never have reached a
// CompletedAt worth timing.
func (s *Service) Stats(repo, branch string) Stats {
	var out Stats
	var completedDuration time.Duration
	var terminalCount int

	for _, p := range s.List() {
		if !p.Status.Terminal() {
			continue
		}
		if repo != "" && p.RepoURL != repo {
			continue
		}
		if branch != "" && p.Branch != branch {
			continue
		}
		out.Total++
		terminalCount++
		switch p.Status {
		case model.PipelineCompleted:
			out.Completed++
			if !p.StartedAt.IsZero() && !p.CompletedAt.IsZero() {
				completedDuration += p.CompletedAt.Sub(p.StartedAt)
			}
		case model.PipelineFailed:
			out.Failed++
		case model.PipelineCancelled:
			out.Cancelled++
		}
	}

	if terminalCount > 0 {
		out.SuccessRate = float64(out.Completed) / float64(terminalCount)
	}
	if out.Completed > 0 {
		out.AverageDuration = completedDuration / time.Duration(out.Completed)
	}
	return out
}
