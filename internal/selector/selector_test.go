package selector

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/labfleet/controlplane/internal/config"
	"github.com/labfleet/controlplane/internal/model"
	"github.com/labfleet/controlplane/internal/registry"
)

func registerBuildServer(t *testing.T, reg *registry.Registry, id string, active, maxConc int, util float64) {
	t.Helper()
	require.NoError(t, reg.Register(context.Background(), model.Asset{
		ID: id, Kind: model.KindBuildServer, Architectures: []string{"arm64"},
		Utilization: model.Utilization{CPUPercent: util, MemPercent: util, StoragePercent: util},
		BuildServer: &model.BuildServerInfo{
			Status: model.StatusOnline, MaxConcurrentBuilds: maxConc, ActiveBuildCount: active,
			Toolchains: []model.Toolchain{{Name: "gcc", TargetArch: "arm64", Available: true}},
		},
	}))
}

// TestSelect_FilterSoundness covers property 1: every returned asset
// satisfies the filter's predicates (here: architecture + online status).
func TestSelect_FilterSoundness(t *testing.T) {
	reg := registry.New(nil, nil)
	registerBuildServer(t, reg, "h1", 0, 4, 10)
	require.NoError(t, reg.Register(context.Background(), model.Asset{
		ID: "h2", Kind: model.KindBuildServer, Architectures: []string{"x86_64"},
		BuildServer: &model.BuildServerInfo{Status: model.StatusOnline, MaxConcurrentBuilds: 4},
	}))

	sel := NewBuildServerSelector(reg, config.New())
	result, err := sel.Select(context.Background(), Requirements{TargetArch: "arm64"}, "build")
	require.NoError(t, err)
	require.Equal(t, "h1", result.Asset.ID)
}

// TestSelect_PrefersLowerLoad covers S2: two build servers with identical
// utilization, different active-build counts; the lower-load one wins.
func TestSelect_PrefersLowerLoad(t *testing.T) {
	reg := registry.New(nil, nil)
	registerBuildServer(t, reg, "h1", 0, 4, 20)
	registerBuildServer(t, reg, "h2", 3, 4, 20)

	sel := NewBuildServerSelector(reg, config.New())
	result, err := sel.Select(context.Background(), Requirements{TargetArch: "arm64"}, "build")
	require.NoError(t, err)
	require.Equal(t, "h1", result.Asset.ID)
}

// TestSelect_ReservationUniqueness covers property 2: no two live
// reservations refer to the same asset.
func TestSelect_ReservationUniqueness(t *testing.T) {
	reg := registry.New(nil, nil)
	registerBuildServer(t, reg, "h1", 0, 1, 10)

	sel := NewBuildServerSelector(reg, config.New())
	first, err := sel.Select(context.Background(), Requirements{TargetArch: "arm64"}, "build")
	require.NoError(t, err)
	require.NotEmpty(t, first.ReservationID)

	_, err = sel.Select(context.Background(), Requirements{TargetArch: "arm64"}, "build")
	require.Error(t, err) // only candidate is already reserved

	require.NoError(t, sel.Release(first.ReservationID))
	second, err := sel.Select(context.Background(), Requirements{TargetArch: "arm64"}, "build")
	require.NoError(t, err)
	require.Equal(t, "h1", second.Asset.ID)
}

func TestSelect_NoCandidateReturnsExhaustion(t *testing.T) {
	reg := registry.New(nil, nil)
	sel := NewBuildServerSelector(reg, config.New())
	_, err := sel.Select(context.Background(), Requirements{TargetArch: "arm64"}, "build")
	require.Error(t, err)
}

func TestReapExpired_ReleasesStaleReservations(t *testing.T) {
	reg := registry.New(nil, nil)
	registerBuildServer(t, reg, "h1", 0, 1, 10)

	cfg := config.New()
	cfg.Selector.ReservationTTLSeconds = 1 // 1s TTL, already elapsed at the reap time below
	sel := NewBuildServerSelector(reg, cfg)

	_, err := sel.Select(context.Background(), Requirements{TargetArch: "arm64"}, "build")
	require.NoError(t, err)

	n := sel.ReapExpired(time.Now().Add(2 * time.Second))
	require.Equal(t, 1, n)
	require.False(t, sel.IsReserved("h1"))
}

func TestBoardSelector_RequiresFlashingWhenFirmwareMismatched(t *testing.T) {
	reg := registry.New(nil, nil)
	require.NoError(t, reg.Register(context.Background(), model.Asset{
		ID: "b1", Kind: model.KindBoard, Architectures: []string{"arm64"},
		Board: &model.BoardInfo{Status: model.BoardAvailable, CurrentFirmwareVersion: "v1"},
	}))

	sel := NewBoardSelector(reg, config.New())
	result, err := sel.Select(context.Background(), Requirements{TargetArch: "arm64", RequiredFirmwareVersion: "v2"}, "deploy")
	require.NoError(t, err)
	require.True(t, result.RequiresFlash)
}
