// Package buildqueue implements admission control, priority
// scheduling, and per-build execution over the transport adapters.
package buildqueue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/labfleet/controlplane/internal/apierr"
	"github.com/labfleet/controlplane/internal/config"
	"github.com/labfleet/controlplane/internal/logging"
	"github.com/labfleet/controlplane/internal/metrics"
	"github.com/labfleet/controlplane/internal/model"
	"github.com/labfleet/controlplane/internal/registry"
	"github.com/labfleet/controlplane/internal/selector"
	"github.com/labfleet/controlplane/internal/transport"
)

// IngestRequest carries a collected build output into the artifact index.
type IngestRequest struct {
	BuildID      string
	CommitHash   string
	Branch       string
	Architecture string
	Filename     string
	Kind         model.ArtifactKind
	SizeBytes    int64
	SHA256       string
}

// ArtifactIndexer is the seam the executor ingests collected artifacts
// through. internal/artifacts.Store implements this.
type ArtifactIndexer interface {
	Ingest(ctx context.Context, req IngestRequest) (model.Artifact, error)
}

// SubmitRequest describes a new build job's admission fields.
type SubmitRequest struct {
	SourceRepoURL    string
	Branch           string
	CommitHash       string
	TargetArch       string
	Priority         model.Priority
	Config           model.BuildConfig
	CloneDepth       int
	Submodules       bool
	ArtifactPatterns []string
}

type jobRecord struct {
	mu     sync.Mutex
	job    model.BuildJob
	cancel context.CancelFunc
	subs   map[string]chan model.LogLine
}

// Service implements admission control, scheduling, and execution for build jobs.
type Service struct {
	mu    sync.Mutex
	jobs  map[string]*jobRecord
	queue *jobQueue

	reg       *registry.Registry
	sel       *selector.Selector
	adapters  transport.Adapters
	artifacts ArtifactIndexer
	cfg       *config.Config
	logger    *logging.Logger

	semMu sync.Mutex
	sems  map[string]chan struct{}

	events chan struct{}

	metrics *metrics.Metrics
}

// SetMetrics attaches a metrics collector; build completions and queue
// depth changes record into it once set.
func (s *Service) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

// New creates a build queue service bound to the build-server selector.
func New(reg *registry.Registry, sel *selector.Selector, adapters transport.Adapters, artifacts ArtifactIndexer, cfg *config.Config, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.Default()
	}
	return &Service{
		jobs:      make(map[string]*jobRecord),
		queue:     newJobQueue(),
		reg:       reg,
		sel:       sel,
		adapters:  adapters,
		artifacts: artifacts,
		cfg:       cfg,
		logger:    logger,
		sems:      make(map[string]chan struct{}),
		events:    make(chan struct{}, 1),
	}
}

// Submit validates and admits a new job. It attempts immediate
// assignment via the build-server selector before falling back to the
// queue.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (model.BuildJob, error) {
	if req.SourceRepoURL == "" {
		return model.BuildJob{}, apierr.Validation("source_repo_url", "must not be empty")
	}
	if req.Branch == "" {
		return model.BuildJob{}, apierr.Validation("branch", "must not be empty")
	}
	if req.TargetArch == "" {
		return model.BuildJob{}, apierr.Validation("target_arch", "must not be empty")
	}
	if req.Priority == "" {
		req.Priority = model.PriorityNormal
	}

	maxSize := s.cfg.Queue.MaxSize
	if maxSize <= 0 {
		maxSize = 1000
	}
	if s.queue.Len() >= maxSize {
		return model.BuildJob{}, apierr.Exhaustion("build queue is at capacity", s.cfg.Queue.TickSeconds)
	}

	job := model.BuildJob{
		ID: uuid.New().String(), SourceRepoURL: req.SourceRepoURL, Branch: req.Branch,
		CommitHash: req.CommitHash, TargetArch: req.TargetArch, Config: req.Config,
		Status: model.BuildQueued, CreatedAt: time.Now(), Priority: req.Priority,
	}

	record := &jobRecord{job: job, subs: make(map[string]chan model.LogLine)}
	s.mu.Lock()
	s.jobs[job.ID] = record
	s.mu.Unlock()

	if s.attemptAssign(ctx, record, req) {
		return record.snapshot(), nil
	}
	s.queue.Push(job)
	if s.metrics != nil {
		s.metrics.SetQueueDepth(string(job.Priority), s.queue.Len())
	}
	return record.snapshot(), nil
}

func (r *jobRecord) snapshot() model.BuildJob {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.job
}

// attemptAssign tries to win a build-server reservation and, on success,
// dispatches the executor. A per-server semaphore enforces
// max-concurrent-builds even if the selector's capacity filter is stale.
func (s *Service) attemptAssign(ctx context.Context, record *jobRecord, req SubmitRequest) bool {
	result, err := s.sel.Select(ctx, selector.Requirements{TargetArch: req.TargetArch}, "build:"+record.job.ID)
	if err != nil {
		return false
	}

	sem := s.semaphoreFor(result.Asset.ID, result.Asset.BuildServer)
	select {
	case sem <- struct{}{}:
	default:
		_ = s.sel.Release(result.ReservationID)
		return false
	}
	if s.metrics != nil {
		s.metrics.SetActiveBuildSlots(result.Asset.ID, len(sem))
	}

	now := time.Now()
	record.mu.Lock()
	record.job.Status = model.BuildBuilding
	record.job.ServerID = result.Asset.ID
	record.job.StartedAt = now
	record.mu.Unlock()

	_ = s.reg.Mutate(ctx, result.Asset.ID, func(a *model.Asset) error {
		if a.BuildServer != nil {
			a.BuildServer.ActiveBuildCount++
		}
		return nil
	})

	execCtx, cancel := context.WithCancel(context.Background())
	record.mu.Lock()
	record.cancel = cancel
	record.mu.Unlock()

	go s.execute(execCtx, record, req, result.ReservationID, sem)
	return true
}

func (s *Service) semaphoreFor(serverID string, info *model.BuildServerInfo) chan struct{} {
	s.semMu.Lock()
	defer s.semMu.Unlock()
	if sem, ok := s.sems[serverID]; ok {
		return sem
	}
	capacity := 1
	if info != nil && info.MaxConcurrentBuilds > 0 {
		capacity = info.MaxConcurrentBuilds
	}
	sem := make(chan struct{}, capacity)
	s.sems[serverID] = sem
	return sem
}

// Run starts the scheduling loop: a tick plus asset-state change
// notifications, each walking the queue head-first.
func (s *Service) Run(ctx context.Context) {
	interval := time.Duration(s.cfg.Queue.TickSeconds) * time.Second
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.scheduleOnce(ctx)
		case <-s.events:
			s.scheduleOnce(ctx)
		}
	}
}

// NotifyAssetChange wakes the scheduling loop outside its normal tick,
// e.g. when the health engine reports a server transitioning back online.
func (s *Service) NotifyAssetChange() {
	select {
	case s.events <- struct{}{}:
	default:
	}
}

func (s *Service) scheduleOnce(ctx context.Context) {
	for _, job := range s.queue.Snapshot() {
		s.mu.Lock()
		record, ok := s.jobs[job.ID]
		s.mu.Unlock()
		if !ok {
			continue
		}
		if record.snapshot().Status != model.BuildQueued {
			continue // already cancelled or otherwise moved on
		}
		req := SubmitRequest{TargetArch: job.TargetArch} // only fields attemptAssign needs
		if s.attemptAssign(ctx, record, req) {
			s.queue.Remove(job.ID)
		}
	}
}

// QueueStatus summarizes the current state of the pending queue.
type QueueStatus struct {
	TotalQueued             int
	TotalBuilding            int
	JobsByArchitecture       map[string]int
	EstimatedWaitSeconds     int
}

// averageBuildSeconds is a static per-job estimate used until enough
// completed builds exist to derive a real one; the queue position times
// this figure gives a rough ETA for the last-placed job.
const averageBuildSeconds = 300

// QueueStatus reports how many jobs are queued vs. actively building,
// broken down by target architecture, plus an ETA for a job newly placed
// at the back of the queue.
func (s *Service) QueueStatus() QueueStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := QueueStatus{JobsByArchitecture: make(map[string]int)}
	for _, job := range s.queue.Snapshot() {
		status.TotalQueued++
		status.JobsByArchitecture[job.TargetArch]++
	}
	for _, record := range s.jobs {
		if record.snapshot().Status == model.BuildBuilding {
			status.TotalBuilding++
		}
	}
	status.EstimatedWaitSeconds = status.TotalQueued * averageBuildSeconds
	return status
}

// Get returns a job's current snapshot.
func (s *Service) Get(jobID string) (model.BuildJob, error) {
	s.mu.Lock()
	record, ok := s.jobs[jobID]
	s.mu.Unlock()
	if !ok {
		return model.BuildJob{}, apierr.NotFound("build job", jobID)
	}
	return record.snapshot(), nil
}

// List returns every known job, queued or otherwise.
func (s *Service) List() []model.BuildJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.BuildJob, 0, len(s.jobs))
	for _, record := range s.jobs {
		out = append(out, record.snapshot())
	}
	return out
}

// Cancel transitions a queued job straight to cancelled, or asks a
// running executor to abort.
func (s *Service) Cancel(ctx context.Context, jobID string) error {
	s.mu.Lock()
	record, ok := s.jobs[jobID]
	s.mu.Unlock()
	if !ok {
		return apierr.NotFound("build job", jobID)
	}

	if _, removed := s.queue.Remove(jobID); removed {
		record.mu.Lock()
		record.job.Status = model.BuildCancelled
		record.mu.Unlock()
		return nil
	}

	record.mu.Lock()
	cancel := record.cancel
	terminal := record.job.Status.Terminal()
	record.mu.Unlock()
	if terminal {
		return apierr.Conflict("build job already finished")
	}
	if cancel != nil {
		cancel()
	}
	return nil
}

// Retry creates a new job carrying over source/branch/commit/config; it
// never reuses the original job id.
func (s *Service) Retry(ctx context.Context, jobID string) (model.BuildJob, error) {
	s.mu.Lock()
	record, ok := s.jobs[jobID]
	s.mu.Unlock()
	if !ok {
		return model.BuildJob{}, apierr.NotFound("build job", jobID)
	}
	orig := record.snapshot()
	return s.Submit(ctx, SubmitRequest{
		SourceRepoURL: orig.SourceRepoURL, Branch: orig.Branch, CommitHash: orig.CommitHash,
		TargetArch: orig.TargetArch, Priority: orig.Priority, Config: orig.Config,
	})
}

// SubscribeLogs returns the back-log followed by live log lines. A slow
// subscriber is dropped (its channel closed) rather than blocking the
// executor.
func (s *Service) SubscribeLogs(jobID string) (<-chan model.LogLine, func(), error) {
	s.mu.Lock()
	record, ok := s.jobs[jobID]
	s.mu.Unlock()
	if !ok {
		return nil, nil, apierr.NotFound("build job", jobID)
	}

	record.mu.Lock()
	defer record.mu.Unlock()
	subID := uuid.New().String()
	ch := make(chan model.LogLine, 256)
	for _, line := range record.job.LogBuffer {
		select {
		case ch <- line:
		default:
		}
	}
	record.subs[subID] = ch

	unsub := func() {
		record.mu.Lock()
		defer record.mu.Unlock()
		if sub, ok := record.subs[subID]; ok {
			delete(record.subs, subID)
			close(sub)
		}
	}
	return ch, unsub, nil
}

func (r *jobRecord) appendLog(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	line := model.LogLine{Sequence: len(r.job.LogBuffer) + 1, At: time.Now(), Text: text}
	r.job.LogBuffer = append(r.job.LogBuffer, line)
	if len(r.job.LogBuffer) > 2000 {
		r.job.LogBuffer = r.job.LogBuffer[len(r.job.LogBuffer)-2000:]
	}
	for id, sub := range r.subs {
		select {
		case sub <- line:
		default:
			delete(r.subs, id) // slow subscriber dropped, never blocks the executor
			close(sub)
		}
	}
}

func (s *Service) releaseServer(ctx context.Context, serverID, reservationID string, sem chan struct{}) {
	_ = s.sel.Release(reservationID)
	_ = s.reg.Mutate(ctx, serverID, func(a *model.Asset) error {
		if a.BuildServer != nil && a.BuildServer.ActiveBuildCount > 0 {
			a.BuildServer.ActiveBuildCount--
		}
		return nil
	})
	select {
	case <-sem:
	default:
	}
	if s.metrics != nil {
		s.metrics.SetActiveBuildSlots(serverID, len(sem))
	}
}
