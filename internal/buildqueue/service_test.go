package buildqueue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/labfleet/controlplane/internal/config"
	"github.com/labfleet/controlplane/internal/model"
	"github.com/labfleet/controlplane/internal/registry"
	"github.com/labfleet/controlplane/internal/selector"
	"github.com/labfleet/controlplane/internal/transport"
)

type fakeIndexer struct {
	mu    sync.Mutex
	count int
}

func (f *fakeIndexer) Ingest(_ context.Context, req IngestRequest) (model.Artifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count++
	return model.Artifact{ID: req.Filename, BuildID: req.BuildID, SHA256: req.SHA256, SizeBytes: req.SizeBytes}, nil
}

func newTestService(t *testing.T, maxConcurrent int) (*Service, *registry.Registry) {
	t.Helper()
	reg := registry.New(nil, nil)
	require.NoError(t, reg.Register(context.Background(), model.Asset{
		ID: "srv1", Kind: model.KindBuildServer, Address: "127.0.0.1", Architectures: []string{"arm64"},
		BuildServer: &model.BuildServerInfo{
			Status: model.StatusOnline, MaxConcurrentBuilds: maxConcurrent,
			Toolchains: []model.Toolchain{{Name: "gcc", TargetArch: "arm64", Available: true}},
		},
	}))
	sel := selector.NewBuildServerSelector(reg, config.New())
	cfg := config.New()
	cfg.Queue.TickSeconds = 1
	svc := New(reg, sel, transport.NewMockAdapters(), &fakeIndexer{}, cfg, nil)
	return svc, reg
}

func TestSubmit_ValidationErrors(t *testing.T) {
	svc, _ := newTestService(t, 2)
	_, err := svc.Submit(context.Background(), SubmitRequest{Branch: "main", TargetArch: "arm64"})
	require.Error(t, err)
}

func TestSubmit_ImmediateAssignmentAndCompletion(t *testing.T) {
	svc, _ := newTestService(t, 2)
	job, err := svc.Submit(context.Background(), SubmitRequest{
		SourceRepoURL: "https://example.com/repo.git", Branch: "main", TargetArch: "arm64",
	})
	require.NoError(t, err)
	require.Equal(t, model.BuildBuilding, job.Status)
	require.Equal(t, "srv1", job.ServerID)

	require.Eventually(t, func() bool {
		got, err := svc.Get(job.ID)
		return err == nil && got.Status.Terminal()
	}, 2*time.Second, 10*time.Millisecond)

	final, err := svc.Get(job.ID)
	require.NoError(t, err)
	require.Equal(t, model.BuildCompleted, final.Status)
}

// TestCapacityNeverExceeded covers property 3: a server's active-build
// count never exceeds its max-concurrent-builds, enforced by the
// per-server semaphore even when many jobs target the same server.
func TestCapacityNeverExceeded(t *testing.T) {
	svc, reg := newTestService(t, 1)
	const n = 5
	for i := 0; i < n; i++ {
		_, err := svc.Submit(context.Background(), SubmitRequest{
			SourceRepoURL: "https://example.com/repo.git", Branch: "main", TargetArch: "arm64",
		})
		require.NoError(t, err)
	}

	asset, err := reg.Get("srv1")
	require.NoError(t, err)
	require.LessOrEqual(t, asset.BuildServer.ActiveBuildCount, 1)

	require.Eventually(t, func() bool {
		for _, job := range svc.List() {
			if !job.Status.Terminal() {
				return false
			}
		}
		return true
	}, 5*time.Second, 20*time.Millisecond)
}

func TestCancel_QueuedJobIsImmediate(t *testing.T) {
	svc, _ := newTestService(t, 0) // no capacity: job stays queued
	job, err := svc.Submit(context.Background(), SubmitRequest{
		SourceRepoURL: "https://example.com/repo.git", Branch: "main", TargetArch: "arm64",
	})
	require.NoError(t, err)
	require.Equal(t, model.BuildQueued, job.Status)

	require.NoError(t, svc.Cancel(context.Background(), job.ID))
	got, err := svc.Get(job.ID)
	require.NoError(t, err)
	require.Equal(t, model.BuildCancelled, got.Status)
}

func TestRetry_CreatesNewJobID(t *testing.T) {
	svc, _ := newTestService(t, 2)
	job, err := svc.Submit(context.Background(), SubmitRequest{
		SourceRepoURL: "https://example.com/repo.git", Branch: "main", TargetArch: "arm64",
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, _ := svc.Get(job.ID)
		return got.Status.Terminal()
	}, 2*time.Second, 10*time.Millisecond)

	retried, err := svc.Retry(context.Background(), job.ID)
	require.NoError(t, err)
	require.NotEqual(t, job.ID, retried.ID)
}

func TestQueueStatus_CountsQueuedByArchitecture(t *testing.T) {
	svc, _ := newTestService(t, 0) // no capacity: every submission stays queued
	_, err := svc.Submit(context.Background(), SubmitRequest{
		SourceRepoURL: "https://example.com/repo.git", Branch: "main", TargetArch: "arm64",
	})
	require.NoError(t, err)
	_, err = svc.Submit(context.Background(), SubmitRequest{
		SourceRepoURL: "https://example.com/repo.git", Branch: "main", TargetArch: "arm64",
	})
	require.NoError(t, err)

	status := svc.QueueStatus()
	require.Equal(t, 2, status.TotalQueued)
	require.Equal(t, 0, status.TotalBuilding)
	require.Equal(t, 2, status.JobsByArchitecture["arm64"])
	require.Equal(t, 2*averageBuildSeconds, status.EstimatedWaitSeconds)
}
