package stagehandlers

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/labfleet/controlplane/internal/buildqueue"
	"github.com/labfleet/controlplane/internal/config"
	"github.com/labfleet/controlplane/internal/deployment"
	"github.com/labfleet/controlplane/internal/model"
	"github.com/labfleet/controlplane/internal/pipeline"
	"github.com/labfleet/controlplane/internal/registry"
	"github.com/labfleet/controlplane/internal/selector"
	"github.com/labfleet/controlplane/internal/transport"
)

type fakeIndexer struct{}

func (fakeIndexer) Ingest(_ context.Context, req buildqueue.IngestRequest) (model.Artifact, error) {
	return model.Artifact{ID: "art-" + req.Filename, BuildID: req.BuildID, Architecture: req.Architecture}, nil
}

type fakeArtifacts struct{}

func (fakeArtifacts) ByBuild(buildID string) []model.Artifact {
	return []model.Artifact{{ID: "art-out.bin", BuildID: buildID, Kind: model.ArtifactKernelImage, Architecture: "arm64"}}
}

func newHarness(t *testing.T) (*Handlers, *pipeline.Service, *registry.Registry) {
	t.Helper()
	reg := registry.New(nil, nil)
	require.NoError(t, reg.Register(context.Background(), model.Asset{
		ID: "srv1", Kind: model.KindBuildServer, Address: "127.0.0.1", Architectures: []string{"arm64"},
		BuildServer: &model.BuildServerInfo{Status: model.StatusOnline, MaxConcurrentBuilds: 2,
			Toolchains: []model.Toolchain{{Name: "gcc", TargetArch: "arm64", Available: true}}},
	}))
	require.NoError(t, reg.Register(context.Background(), model.Asset{
		ID: "host1", Kind: model.KindVirtHost, Address: "10.0.0.1", Architectures: []string{"arm64"},
		VirtHost: &model.VirtHostInfo{Status: model.StatusOnline, MaxGuests: 4},
	}))

	cfg := config.New()
	adapters := transport.NewMockAdapters()
	sel := selector.NewBuildServerSelector(reg, cfg)
	bq := buildqueue.New(reg, sel, adapters, fakeIndexer{}, cfg, nil)
	dep := deployment.New(reg, adapters, fakeArtifacts{}, cfg, nil)
	pl := pipeline.New(cfg, nil)

	h := New(reg, bq, dep, adapters, nil)
	h.RegisterAll(pl)
	return h, pl, reg
}

func waitPipelineTerminal(t *testing.T, pl *pipeline.Service, id string) model.Pipeline {
	t.Helper()
	require.Eventually(t, func() bool {
		p, err := pl.Get(id)
		return err == nil && p.Status.Terminal()
	}, 5*time.Second, 10*time.Millisecond)
	p, err := pl.Get(id)
	require.NoError(t, err)
	return p
}

func TestPipeline_RunsBuildDeployBootTestToCompletion(t *testing.T) {
	_, pl, _ := newHarness(t)

	p, err := pl.Create(context.Background(), pipeline.CreateRequest{
		RepoURL: "https://example.com/repo.git", Branch: "main", Architecture: "arm64",
		Environment: model.EnvVirt,
		EnvConfig:   map[string]string{"target_id": "host1"},
	})
	require.NoError(t, err)

	final := waitPipelineTerminal(t, pl, p.ID)
	require.Equal(t, model.PipelineCompleted, final.Status)
	for _, stage := range final.Stages {
		require.Equal(t, model.StageCompleted, stage.Status, stage.Name)
		require.NotEmpty(t, stage.OutputID, stage.Name)
	}
}

func TestPipeline_MissingTargetIDFailsDeployStage(t *testing.T) {
	_, pl, _ := newHarness(t)

	p, err := pl.Create(context.Background(), pipeline.CreateRequest{
		RepoURL: "https://example.com/repo.git", Branch: "main", Architecture: "arm64",
		Environment: model.EnvVirt,
	})
	require.NoError(t, err)

	final := waitPipelineTerminal(t, pl, p.ID)
	require.Equal(t, model.PipelineFailed, final.Status)
	require.Equal(t, model.StageCompleted, final.StageByName(model.StageBuild).Status)
	require.Equal(t, model.StageFailed, final.StageByName(model.StageDeploy).Status)
	require.Equal(t, model.StageSkipped, final.StageByName(model.StageBoot).Status)
	require.Equal(t, model.StageSkipped, final.StageByName(model.StageTest).Status)
}
