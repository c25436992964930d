// Package deployment implements the transfer/flash/boot/verify
// orchestrator that moves build artifacts onto a virt host or board.
package deployment

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/labfleet/controlplane/internal/apierr"
	"github.com/labfleet/controlplane/internal/config"
	"github.com/labfleet/controlplane/internal/logging"
	"github.com/labfleet/controlplane/internal/metrics"
	"github.com/labfleet/controlplane/internal/model"
	"github.com/labfleet/controlplane/internal/registry"
	"github.com/labfleet/controlplane/internal/transport"
)

// ArtifactProvider is the seam onto artifact storage; deployment never depends on the
// concrete artifacts.Store, only on this lookup contract.
type ArtifactProvider interface {
	ByBuild(buildID string) []model.Artifact
}

// VirtDeployRequest is the deploy-to-virt entry point.
type VirtDeployRequest struct {
	HostID    string
	BuildID   string
	GuestName string
	VCPUs     int
	MemoryMB  int
}

// BoardDeployRequest is the deploy-to-board entry point.
// RequiresFlash and FirmwareVersion are normally carried over from the
// board selector's Result (its requires-flashing signal); callers
// that bypass the selector may set them directly.
type BoardDeployRequest struct {
	BoardID         string
	BuildID         string
	RequiresFlash   bool
	FirmwareVersion string
}

type record struct {
	mu sync.Mutex
	d  model.Deployment
}

func (r *record) snapshot() model.Deployment {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.d
}

// Service runs deployments to completion in the background and keeps a
// per-target history for rollback lookups.
type Service struct {
	mu          sync.RWMutex
	deployments map[string]*record
	byTarget    map[string][]string // target-id -> deployment ids, append order

	reg       *registry.Registry
	adapters  transport.Adapters
	artifacts ArtifactProvider
	cfg       *config.Config
	logger    *logging.Logger

	metrics *metrics.Metrics
}

// SetMetrics attaches a metrics collector; terminal deployment outcomes
// record into it once set.
func (s *Service) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

// New constructs a deployment Service.
func New(reg *registry.Registry, adapters transport.Adapters, artifacts ArtifactProvider, cfg *config.Config, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.Default()
	}
	return &Service{
		deployments: make(map[string]*record),
		byTarget:    make(map[string][]string),
		reg:         reg, adapters: adapters, artifacts: artifacts, cfg: cfg, logger: logger,
	}
}

func (s *Service) bootTimeout() time.Duration {
	secs := s.cfg.Deployment.BootTimeoutSeconds
	if secs <= 0 {
		secs = 120
	}
	return time.Duration(secs) * time.Second
}

func (s *Service) transferTimeout() time.Duration {
	secs := s.cfg.Deployment.TransferTimeoutSeconds
	if secs <= 0 {
		secs = 300
	}
	return time.Duration(secs) * time.Second
}

// DeployToVirt creates and runs a deployment targeting a virt host.
func (s *Service) DeployToVirt(ctx context.Context, req VirtDeployRequest) (model.Deployment, error) {
	if req.HostID == "" {
		return model.Deployment{}, apierr.Validation("host_id", "must not be empty")
	}
	if req.BuildID == "" {
		return model.Deployment{}, apierr.Validation("build_id", "must not be empty")
	}
	if req.GuestName == "" {
		return model.Deployment{}, apierr.Validation("guest_name", "must not be empty")
	}

	host, err := s.reg.Get(req.HostID)
	if err != nil {
		return model.Deployment{}, err
	}
	if host.Kind != model.KindVirtHost {
		return model.Deployment{}, apierr.Validation("host_id", "target is not a virt host")
	}

	artifactIDs, err := s.resolveArtifacts(req.BuildID, host.Architectures)
	rec := s.newRecord(model.TargetVirtHost, req.HostID, req.BuildID, artifactIDs)
	rec.mu.Lock()
	rec.d.GuestName, rec.d.VCPUs, rec.d.MemoryMB = req.GuestName, req.VCPUs, req.MemoryMB
	rec.mu.Unlock()
	if err != nil {
		s.failImmediately(rec, err)
		return rec.snapshot(), err
	}

	go s.runVirt(context.Background(), rec, host)
	return rec.snapshot(), nil
}

// DeployToBoard creates and runs a deployment targeting a board.
func (s *Service) DeployToBoard(ctx context.Context, req BoardDeployRequest) (model.Deployment, error) {
	if req.BoardID == "" {
		return model.Deployment{}, apierr.Validation("board_id", "must not be empty")
	}
	if req.BuildID == "" {
		return model.Deployment{}, apierr.Validation("build_id", "must not be empty")
	}

	board, err := s.reg.Get(req.BoardID)
	if err != nil {
		return model.Deployment{}, err
	}
	if board.Kind != model.KindBoard {
		return model.Deployment{}, apierr.Validation("board_id", "target is not a board")
	}

	artifactIDs, err := s.resolveArtifacts(req.BuildID, board.Architectures)
	rec := s.newRecord(model.TargetBoard, req.BoardID, req.BuildID, artifactIDs)
	rec.mu.Lock()
	rec.d.RequiresFlash, rec.d.FirmwareVersion = req.RequiresFlash, req.FirmwareVersion
	rec.mu.Unlock()
	if err != nil {
		s.failImmediately(rec, err)
		return rec.snapshot(), err
	}

	go s.runBoard(context.Background(), rec, board)
	return rec.snapshot(), nil
}

// resolveArtifacts looks up the build's artifacts and checks that every
// one is architecture-compatible with the target before any adapter is
// touched: a mismatch fails immediately without consuming any adapter.
func (s *Service) resolveArtifacts(buildID string, targetArchs []string) ([]string, error) {
	artifacts := s.artifacts.ByBuild(buildID)
	if len(artifacts) == 0 {
		return nil, apierr.NotFound("build artifacts", buildID)
	}
	ids := make([]string, 0, len(artifacts))
	for _, a := range artifacts {
		ids = append(ids, a.ID)
		if !archMatchesAny(a.Architecture, targetArchs) {
			return ids, apierr.New(apierr.KindValidation,
				fmt.Sprintf("artifact architecture %q incompatible with target", a.Architecture), 400).
				WithDetails("artifact_id", a.ID).WithDetails("target_architectures", targetArchs)
		}
	}
	return ids, nil
}

func archMatchesAny(arch string, targets []string) bool {
	for _, t := range targets {
		if archCompatible(arch, t) {
			return true
		}
	}
	return false
}

func (s *Service) newRecord(kind model.DeploymentTargetKind, targetID, buildID string, artifactIDs []string) *record {
	now := time.Now()
	d := model.Deployment{
		ID: uuid.New().String(), TargetKind: kind, TargetID: targetID, BuildID: buildID,
		ArtifactIDs: artifactIDs, Status: model.DeployPending, CreatedAt: now, StartedAt: now,
	}
	d.Transition(model.DeployPending, now)
	rec := &record{d: d}

	s.mu.Lock()
	s.deployments[d.ID] = rec
	s.byTarget[targetID] = append(s.byTarget[targetID], d.ID)
	s.mu.Unlock()
	return rec
}

func (s *Service) transition(rec *record, status model.DeploymentStatus) {
	rec.mu.Lock()
	rec.d.Transition(status, time.Now())
	rec.mu.Unlock()
}

func (s *Service) failImmediately(rec *record, err error) {
	rec.mu.Lock()
	rec.d.ErrorMessage = err.Error()
	rec.d.Transition(model.DeployFailed, time.Now())
	rec.d.CompletedAt = time.Now()
	kind, created := rec.d.TargetKind, rec.d.CreatedAt
	rec.mu.Unlock()
	s.recordOutcome(kind, model.DeployFailed, created)
}

func (s *Service) fail(rec *record, err error) {
	rec.mu.Lock()
	rec.d.ErrorMessage = err.Error()
	rec.d.CompletedAt = time.Now()
	rec.mu.Unlock()
	s.transition(rec, model.DeployFailed)
	snap := rec.snapshot()
	s.recordOutcome(snap.TargetKind, model.DeployFailed, snap.CreatedAt)
}

func (s *Service) complete(rec *record) {
	rec.mu.Lock()
	rec.d.BootVerified = true
	rec.d.CompletedAt = time.Now()
	rec.mu.Unlock()
	s.transition(rec, model.DeployCompleted)
	snap := rec.snapshot()
	s.recordOutcome(snap.TargetKind, model.DeployCompleted, snap.CreatedAt)
}

func (s *Service) recordOutcome(kind model.DeploymentTargetKind, status model.DeploymentStatus, createdAt time.Time) {
	if s.metrics == nil {
		return
	}
	s.metrics.RecordDeployment(string(kind), string(status), time.Since(createdAt))
}

// Get returns a snapshot of one deployment.
func (s *Service) Get(id string) (model.Deployment, error) {
	s.mu.RLock()
	rec, ok := s.deployments[id]
	s.mu.RUnlock()
	if !ok {
		return model.Deployment{}, apierr.NotFound("deployment", id)
	}
	return rec.snapshot(), nil
}

// List returns every deployment, sorted by id.
func (s *Service) List() []model.Deployment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.deployments))
	for id := range s.deployments {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]model.Deployment, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.deployments[id].snapshot())
	}
	return out
}

// History returns every deployment ever run against one target, in
// submission order.
func (s *Service) History(targetID string) []model.Deployment {
	s.mu.RLock()
	ids := append([]string(nil), s.byTarget[targetID]...)
	s.mu.RUnlock()
	out := make([]model.Deployment, 0, len(ids))
	for _, id := range ids {
		if d, err := s.Get(id); err == nil {
			out = append(out, d)
		}
	}
	return out
}

// lastCompleted finds the most recent completed deployment against
// targetID, excluding excludeID. Caller must not hold s.mu.
func (s *Service) lastCompleted(targetID, excludeID string) (model.Deployment, bool) {
	history := s.History(targetID)
	for i := len(history) - 1; i >= 0; i-- {
		d := history[i]
		if d.ID == excludeID {
			continue
		}
		if d.Status == model.DeployCompleted {
			return d, true
		}
	}
	return model.Deployment{}, false
}

// Rollback re-runs the last completed deployment on the same target using
// that deployment's build, and marks the current one rolled-back. It
// requires the current deployment to be terminal.
func (s *Service) Rollback(ctx context.Context, deploymentID string) (model.Deployment, error) {
	current, err := s.Get(deploymentID)
	if err != nil {
		return model.Deployment{}, err
	}
	if !current.Status.Terminal() {
		return model.Deployment{}, apierr.Conflict("deployment is not terminal yet")
	}

	previous, ok := s.lastCompleted(current.TargetID, current.ID)
	if !ok {
		return model.Deployment{}, apierr.NotFound("prior completed deployment for target", current.TargetID)
	}

	var redeployed model.Deployment
	switch current.TargetKind {
	case model.TargetVirtHost:
		redeployed, err = s.DeployToVirt(ctx, VirtDeployRequest{
			HostID: current.TargetID, BuildID: previous.BuildID,
			GuestName: previous.GuestName, VCPUs: previous.VCPUs, MemoryMB: previous.MemoryMB,
		})
	case model.TargetBoard:
		redeployed, err = s.DeployToBoard(ctx, BoardDeployRequest{
			BoardID: current.TargetID, BuildID: previous.BuildID,
			RequiresFlash: previous.FirmwareVersion != "", FirmwareVersion: previous.FirmwareVersion,
		})
	default:
		return model.Deployment{}, apierr.Validation("target_kind", "unknown")
	}
	if err != nil {
		return model.Deployment{}, err
	}

	s.mu.Lock()
	rec := s.deployments[current.ID]
	s.mu.Unlock()
	rec.mu.Lock()
	rec.d.RolledBackFrom = redeployed.ID
	rec.d.Status = model.DeployRolledBack
	rec.d.Transitions = append(rec.d.Transitions, model.StageTransition{Status: model.DeployRolledBack, At: time.Now()})
	rec.mu.Unlock()

	return rec.snapshot(), nil
}
