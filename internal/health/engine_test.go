package health

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/labfleet/controlplane/internal/config"
	"github.com/labfleet/controlplane/internal/model"
	"github.com/labfleet/controlplane/internal/registry"
	"github.com/labfleet/controlplane/internal/transport"
)

type recordingSink struct {
	events []DegradationEvent
}

func (r *recordingSink) Emit(_ context.Context, evt DegradationEvent) {
	r.events = append(r.events, evt)
}

func TestEvaluateUtilization_WorstWins(t *testing.T) {
	th := config.New().Thresholds
	checks, categories := evaluateUtilization(model.Utilization{CPUPercent: 99, MemPercent: 10, StoragePercent: 10}, th)
	require.Equal(t, CheckFailed, worstOutcome(checks))
	require.Contains(t, categories, "utilization")
}

func TestCheckMachine_UnreachableOnTransportError(t *testing.T) {
	reg := registry.New(nil, nil)
	adapters := transport.NewMockAdapters()
	mockShell := adapters.Shell.(*transport.MockShell)
	mockShell.Unreachable["10.0.0.5"] = true

	cfg := config.New()
	eng := New(reg, adapters, cfg, nil, nil)

	asset := model.Asset{ID: "h1", Kind: model.KindBuildServer, Address: "10.0.0.5"}
	result := eng.checkMachine(context.Background(), asset)
	require.Equal(t, model.HealthUnreachable, result.Level)
	require.Error(t, result.TransportErr)
}

func TestApplyResult_EmitsOnDegradation(t *testing.T) {
	reg := registry.New(nil, nil)
	ctx := context.Background()
	asset := model.Asset{ID: "h1", Kind: model.KindBuildServer, HealthLevel: model.HealthHealthy,
		BuildServer: &model.BuildServerInfo{Status: model.StatusOnline}}
	require.NoError(t, reg.Register(ctx, asset))

	sink := &recordingSink{}
	eng := New(reg, transport.NewMockAdapters(), config.New(), sink, nil)
	eng.prevLevel.Store("h1", model.HealthHealthy)

	eng.applyResult(ctx, asset, HealthCheckResult{AssetID: "h1", Level: model.HealthUnhealthy, ObservedAt: time.Now()})

	require.Len(t, sink.events, 1)
	require.Equal(t, model.HealthUnhealthy, sink.events[0].NewLevel)

	updated, err := reg.Get("h1")
	require.NoError(t, err)
	require.Equal(t, model.StatusDegraded, updated.BuildServer.Status)
}
