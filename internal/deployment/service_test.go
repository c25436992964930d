package deployment

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/labfleet/controlplane/internal/config"
	"github.com/labfleet/controlplane/internal/model"
	"github.com/labfleet/controlplane/internal/registry"
	"github.com/labfleet/controlplane/internal/transport"
)

type fakeArtifacts struct {
	mu   sync.Mutex
	byID map[string][]model.Artifact
}

func newFakeArtifacts() *fakeArtifacts { return &fakeArtifacts{byID: make(map[string][]model.Artifact)} }

func (f *fakeArtifacts) ByBuild(buildID string) []model.Artifact {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.byID[buildID]
}

func (f *fakeArtifacts) put(buildID string, artifacts ...model.Artifact) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byID[buildID] = artifacts
}

func newTestService(t *testing.T) (*Service, *registry.Registry, *fakeArtifacts) {
	t.Helper()
	reg := registry.New(nil, nil)
	fa := newFakeArtifacts()
	cfg := config.New()
	cfg.Deployment.BootTimeoutSeconds = 5
	cfg.Deployment.TransferTimeoutSeconds = 5
	svc := New(reg, transport.NewMockAdapters(), fa, cfg, nil)
	return svc, reg, fa
}

func registerVirtHost(t *testing.T, reg *registry.Registry, id string) {
	t.Helper()
	require.NoError(t, reg.Register(context.Background(), model.Asset{
		ID: id, Kind: model.KindVirtHost, Address: "10.0.0.1", Architectures: []string{"arm64"},
		VirtHost: &model.VirtHostInfo{Status: model.StatusOnline, MaxGuests: 4},
	}))
}

func registerBoard(t *testing.T, reg *registry.Registry, id string) {
	t.Helper()
	require.NoError(t, reg.Register(context.Background(), model.Asset{
		ID: id, Kind: model.KindBoard, Address: "10.0.0.2", Architectures: []string{"arm64"},
		Board: &model.BoardInfo{
			Status: model.BoardAvailable, BoardType: "rpi4",
			Power:        model.PowerControl{Method: model.PowerUSBHub, Locator: "hub1:1"},
			SerialDevice: "/dev/ttyUSB0", SerialBaud: 115200,
			CurrentFirmwareVersion: "v1",
		},
	}))
}

func waitTerminal(t *testing.T, svc *Service, id string) model.Deployment {
	t.Helper()
	require.Eventually(t, func() bool {
		d, err := svc.Get(id)
		return err == nil && d.Status.Terminal()
	}, 3*time.Second, 10*time.Millisecond)
	d, err := svc.Get(id)
	require.NoError(t, err)
	return d
}

func TestDeployToVirt_CompletesThroughTransitions(t *testing.T) {
	svc, reg, fa := newTestService(t)
	registerVirtHost(t, reg, "host1")
	fa.put("b1",
		model.Artifact{ID: "a1", BuildID: "b1", Kind: model.ArtifactKernelImage, Filename: "Image", Path: "/tmp/Image", Architecture: "arm64"},
		model.Artifact{ID: "a2", BuildID: "b1", Kind: model.ArtifactRootfs, Filename: "rootfs.img", Path: "/tmp/rootfs.img", Architecture: "arm64"},
	)

	d, err := svc.DeployToVirt(context.Background(), VirtDeployRequest{HostID: "host1", BuildID: "b1", GuestName: "guest-1"})
	require.NoError(t, err)

	final := waitTerminal(t, svc, d.ID)
	require.Equal(t, model.DeployCompleted, final.Status)
	require.True(t, final.BootVerified)

	var statuses []model.DeploymentStatus
	for _, tr := range final.Transitions {
		statuses = append(statuses, tr.Status)
	}
	require.Contains(t, statuses, model.DeployPending)
	require.Contains(t, statuses, model.DeployTransferring)
	require.Contains(t, statuses, model.DeployBooting)
	require.Contains(t, statuses, model.DeployVerifying)
	require.Contains(t, statuses, model.DeployCompleted)
	require.NotContains(t, statuses, model.DeployFlashing)
}

// TestDeployToVirt_ArchMismatchFailsImmediately covers property 6: a
// deployment transitioning past transferring never carries an
// architecture-incompatible artifact, because mismatch fails before any
// adapter is touched.
func TestDeployToVirt_ArchMismatchFailsImmediately(t *testing.T) {
	svc, reg, fa := newTestService(t)
	registerVirtHost(t, reg, "host1")
	fa.put("b1", model.Artifact{ID: "a1", BuildID: "b1", Kind: model.ArtifactKernelImage, Filename: "Image", Path: "/tmp/Image", Architecture: "riscv64"})

	d, err := svc.DeployToVirt(context.Background(), VirtDeployRequest{HostID: "host1", BuildID: "b1", GuestName: "guest-1"})
	require.Error(t, err)
	require.Equal(t, model.DeployFailed, d.Status)
	require.Len(t, d.Transitions, 2) // pending, then straight to failed — never transferring
}

func TestDeployToBoard_RequiresFlashUpdatesFirmwareVersion(t *testing.T) {
	svc, reg, fa := newTestService(t)
	registerBoard(t, reg, "board1")
	fa.put("b2", model.Artifact{ID: "a3", BuildID: "b2", Kind: model.ArtifactKernelImage, Filename: "firmware.bin", Path: "/tmp/firmware.bin", Architecture: "arm64"})

	d, err := svc.DeployToBoard(context.Background(), BoardDeployRequest{
		BoardID: "board1", BuildID: "b2", RequiresFlash: true, FirmwareVersion: "v2",
	})
	require.NoError(t, err)

	final := waitTerminal(t, svc, d.ID)
	require.Equal(t, model.DeployCompleted, final.Status)

	var sawFlashing bool
	for _, tr := range final.Transitions {
		if tr.Status == model.DeployFlashing {
			sawFlashing = true
		}
	}
	require.True(t, sawFlashing)

	asset, err := reg.Get("board1")
	require.NoError(t, err)
	require.Equal(t, "v2", asset.Board.CurrentFirmwareVersion)
}

func TestDeployToBoard_NoFlashRequiredSkipsFlashingStage(t *testing.T) {
	svc, reg, fa := newTestService(t)
	registerBoard(t, reg, "board1")
	fa.put("b3", model.Artifact{ID: "a4", BuildID: "b3", Kind: model.ArtifactKernelImage, Filename: "firmware.bin", Path: "/tmp/firmware.bin", Architecture: "arm64"})

	d, err := svc.DeployToBoard(context.Background(), BoardDeployRequest{BoardID: "board1", BuildID: "b3"})
	require.NoError(t, err)

	final := waitTerminal(t, svc, d.ID)
	require.Equal(t, model.DeployCompleted, final.Status)
	for _, tr := range final.Transitions {
		require.NotEqual(t, model.DeployFlashing, tr.Status)
	}
}

func TestRollback_RedeploysLastCompletedBuild(t *testing.T) {
	svc, reg, fa := newTestService(t)
	registerVirtHost(t, reg, "host1")
	fa.put("b1", model.Artifact{ID: "a1", BuildID: "b1", Kind: model.ArtifactKernelImage, Filename: "Image", Path: "/tmp/Image", Architecture: "arm64"})
	fa.put("b2", model.Artifact{ID: "a2", BuildID: "b2", Kind: model.ArtifactKernelImage, Filename: "Image", Path: "/tmp/Image", Architecture: "arm64"})

	first, err := svc.DeployToVirt(context.Background(), VirtDeployRequest{HostID: "host1", BuildID: "b1", GuestName: "guest-a"})
	require.NoError(t, err)
	waitTerminal(t, svc, first.ID)

	second, err := svc.DeployToVirt(context.Background(), VirtDeployRequest{HostID: "host1", BuildID: "b2", GuestName: "guest-b"})
	require.NoError(t, err)
	waitTerminal(t, svc, second.ID)

	rolledBack, err := svc.Rollback(context.Background(), second.ID)
	require.NoError(t, err)
	require.Equal(t, model.DeployRolledBack, rolledBack.Status)
	require.NotEmpty(t, rolledBack.RolledBackFrom)

	redeploy, err := svc.Get(rolledBack.RolledBackFrom)
	require.NoError(t, err)
	require.Equal(t, "b1", redeploy.BuildID)
}

func TestRollback_NoPriorCompletedDeploymentRejected(t *testing.T) {
	svc, reg, fa := newTestService(t)
	registerVirtHost(t, reg, "host1")
	fa.put("b1", model.Artifact{ID: "a1", BuildID: "b1", Kind: model.ArtifactKernelImage, Filename: "Image", Path: "/tmp/Image", Architecture: "arm64"})

	d, err := svc.DeployToVirt(context.Background(), VirtDeployRequest{HostID: "host1", BuildID: "b1", GuestName: "guest-only"})
	require.NoError(t, err)
	waitTerminal(t, svc, d.ID)

	_, err = svc.Rollback(context.Background(), d.ID)
	require.Error(t, err)
}
