package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/labfleet/controlplane/internal/config"
	"github.com/labfleet/controlplane/internal/model"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	cfg := config.New()
	cfg.Pipelines.DefaultMaxRetries = 1
	cfg.Pipelines.RetryBackoffSeconds = 0 // 0 falls back to backoffDelay's 1s default between retries
	return New(cfg, nil)
}

func waitTerminal(t *testing.T, svc *Service, id string) model.Pipeline {
	t.Helper()
	require.Eventually(t, func() bool {
		p, err := svc.Get(id)
		return err == nil && p.Status.Terminal()
	}, 3*time.Second, 10*time.Millisecond)
	p, err := svc.Get(id)
	require.NoError(t, err)
	return p
}

func TestCreate_DefaultHandlersCompleteAllStagesInOrder(t *testing.T) {
	svc := newTestService(t)
	p, err := svc.Create(context.Background(), CreateRequest{RepoURL: "https://example.com/repo.git", Architecture: "arm64"})
	require.NoError(t, err)

	final := waitTerminal(t, svc, p.ID)
	require.Equal(t, model.PipelineCompleted, final.Status)
	require.Len(t, final.Stages, 4)
	for i, stage := range final.Stages {
		require.Equal(t, model.OrderedStages[i], stage.Name)
		require.Equal(t, model.StageCompleted, stage.Status)
		require.NotEmpty(t, stage.OutputID)
	}
}

// TestSequencing covers property 7: stage i never starts before stage i-1
// has completed — checked via StartedAt ordering.
func TestSequencing_StagesRunStrictlyInOrder(t *testing.T) {
	svc := newTestService(t)
	p, err := svc.Create(context.Background(), CreateRequest{RepoURL: "https://example.com/repo.git", Architecture: "arm64"})
	require.NoError(t, err)

	final := waitTerminal(t, svc, p.ID)
	for i := 1; i < len(final.Stages); i++ {
		prev, cur := final.Stages[i-1], final.Stages[i]
		require.False(t, cur.StartedAt.Before(prev.CompletedAt), "stage %s started before %s completed", cur.Name, prev.Name)
	}
}

// TestHalting covers property 8: a failed stage (after exhausting
// retries) fails the pipeline and skips every later stage — none of them
// ever execute.
func TestHalting_FailedStageSkipsRemaining(t *testing.T) {
	svc := newTestService(t)
	svc.RegisterHandler(model.StageDeploy, StageHandlerFunc(func(ctx context.Context, p *model.Pipeline, stage *model.Stage) (string, error) {
		return "", errors.New("simulated deploy failure")
	}))

	p, err := svc.Create(context.Background(), CreateRequest{RepoURL: "https://example.com/repo.git", Architecture: "arm64"})
	require.NoError(t, err)

	final := waitTerminal(t, svc, p.ID)
	require.Equal(t, model.PipelineFailed, final.Status)
	require.Equal(t, model.StageCompleted, final.StageByName(model.StageBuild).Status)
	require.Equal(t, model.StageFailed, final.StageByName(model.StageDeploy).Status)
	require.Equal(t, model.StageSkipped, final.StageByName(model.StageBoot).Status)
	require.Equal(t, model.StageSkipped, final.StageByName(model.StageTest).Status)
	require.Equal(t, 1, final.StageByName(model.StageDeploy).RetryCount)
}

// TestCancellation covers property 14: cancellation is terminal and marks
// every non-completed stage skipped.
func TestCancellation_MarksRemainingStagesSkipped(t *testing.T) {
	svc := newTestService(t)
	release := make(chan struct{})
	svc.RegisterHandler(model.StageDeploy, StageHandlerFunc(func(ctx context.Context, p *model.Pipeline, stage *model.Stage) (string, error) {
		select {
		case <-release:
			return "deploy-ok", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}))

	p, err := svc.Create(context.Background(), CreateRequest{RepoURL: "https://example.com/repo.git", Architecture: "arm64"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, _ := svc.Get(p.ID)
		return got.StageByName(model.StageDeploy).Status == model.StageRunning
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, svc.Cancel(context.Background(), p.ID))
	close(release)

	final, err := svc.Get(p.ID)
	require.NoError(t, err)
	require.Equal(t, model.PipelineCancelled, final.Status)
	require.Equal(t, model.StageCompleted, final.StageByName(model.StageBuild).Status)
	require.Equal(t, model.StageSkipped, final.StageByName(model.StageDeploy).Status)
	require.Equal(t, model.StageSkipped, final.StageByName(model.StageBoot).Status)
	require.Equal(t, model.StageSkipped, final.StageByName(model.StageTest).Status)

	// cancelling an already-terminal pipeline is rejected
	require.Error(t, svc.Cancel(context.Background(), p.ID))
}

func TestRetryFromStage_ResumesWithoutRerunningPriorStages(t *testing.T) {
	svc := newTestService(t)
	attempts := 0
	svc.RegisterHandler(model.StageBoot, StageHandlerFunc(func(ctx context.Context, p *model.Pipeline, stage *model.Stage) (string, error) {
		attempts++
		if attempts <= 2 { // fails all initial attempts (1 + 1 retry)
			return "", errors.New("boot never asserted")
		}
		return "boot-ok", nil
	}))

	p, err := svc.Create(context.Background(), CreateRequest{RepoURL: "https://example.com/repo.git", Architecture: "arm64"})
	require.NoError(t, err)
	failed := waitTerminal(t, svc, p.ID)
	require.Equal(t, model.PipelineFailed, failed.Status)
	buildCompletedAt := failed.StageByName(model.StageBuild).CompletedAt

	resumed, err := svc.RetryFromStage(context.Background(), p.ID, model.StageBoot)
	require.NoError(t, err)
	require.Equal(t, model.StageCompleted, resumed.StageByName(model.StageBuild).Status)

	final := waitTerminal(t, svc, p.ID)
	require.Equal(t, model.PipelineCompleted, final.Status)
	require.Equal(t, buildCompletedAt, final.StageByName(model.StageBuild).CompletedAt)
	require.Equal(t, model.StageCompleted, final.StageByName(model.StageBoot).Status)
}

func TestStats_SuccessRateAndAverageDuration(t *testing.T) {
	svc := newTestService(t)
	ok, err := svc.Create(context.Background(), CreateRequest{RepoURL: "https://example.com/ok.git", Architecture: "arm64"})
	require.NoError(t, err)
	okFinal := waitTerminal(t, svc, ok.ID)

	svc.RegisterHandler(model.StageBuild, StageHandlerFunc(func(ctx context.Context, p *model.Pipeline, stage *model.Stage) (string, error) {
		return "", errors.New("always fails")
	}))
	bad, err := svc.Create(context.Background(), CreateRequest{RepoURL: "https://example.com/bad.git", Architecture: "arm64"})
	require.NoError(t, err)
	waitTerminal(t, svc, bad.ID)

	stats := svc.Stats("", "")
	require.Equal(t, 2, stats.Total)
	require.Equal(t, 1, stats.Completed)
	require.Equal(t, 1, stats.Failed)
	require.InDelta(t, 0.5, stats.SuccessRate, 0.001)

	// AverageDuration must reflect only the completed run, never the failed
	// one: with a single completed pipeline the average equals its own
	// duration exactly, regardless of how long the failed run took.
	wantAvg := okFinal.CompletedAt.Sub(okFinal.StartedAt)
	require.Equal(t, wantAvg, stats.AverageDuration)

	repoStats := svc.Stats("https://example.com/bad.git", "")
	require.Equal(t, 1, repoStats.Total)
	require.Equal(t, 0, repoStats.Completed)
	require.Equal(t, 1, repoStats.Failed)
	require.Zero(t, repoStats.AverageDuration)
}

func TestCanStartStage_OnlyAfterPredecessorCompletes(t *testing.T) {
	svc := newTestService(t)
	p, err := svc.Create(context.Background(), CreateRequest{RepoURL: "https://example.com/ok.git", Architecture: "arm64"})
	require.NoError(t, err)

	canBuild, err := svc.CanStartStage(p.ID, model.StageBuild)
	require.NoError(t, err)
	require.True(t, canBuild, "the first stage is always eligible")

	waitTerminal(t, svc, p.ID)

	canDeploy, err := svc.CanStartStage(p.ID, model.StageDeploy)
	require.NoError(t, err)
	require.True(t, canDeploy, "deploy follows a completed build")

	_, err = svc.CanStartStage("missing", model.StageBuild)
	require.Error(t, err)
}
