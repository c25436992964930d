package health

import (
	"context"
	"time"

	"github.com/labfleet/controlplane/internal/model"
	"github.com/labfleet/controlplane/internal/transport"
)

// applyResult updates the registry with a probe result, derives the
// kind-specific status transition, and emits a degradation event when the
// new level is worse than the last stored one.
func (e *Engine) applyResult(ctx context.Context, asset model.Asset, result HealthCheckResult) {
	prevIface, _ := e.prevLevel.LoadOrStore(asset.ID, model.HealthUnknown)
	prev := prevIface.(model.HealthLevel)

	_ = e.reg.Mutate(ctx, asset.ID, func(a *model.Asset) error {
		a.LastProbeAt = result.ObservedAt
		a.HealthLevel = result.Level
		if result.TransportErr == nil {
			a.Utilization = result.Utilization
		}

		switch asset.Kind {
		case model.KindBoard:
			e.applyBoardTransition(ctx, a, result)
		default:
			applyMachineTransition(a, result)
		}
		return nil
	})

	e.maybeEmit(ctx, asset, prev, result)
	e.prevLevel.Store(asset.ID, result.Level)
}

// applyMachineTransition derives build-server/virt-host status from the
// health level: unreachable->offline; unhealthy->degraded;
// degraded->degraded; healthy->online, unless maintenance overrides.
func applyMachineTransition(a *model.Asset, result HealthCheckResult) {
	var statusPtr *model.MachineStatus
	switch a.Kind {
	case model.KindBuildServer:
		if a.BuildServer == nil {
			a.BuildServer = &model.BuildServerInfo{}
		}
		statusPtr = &a.BuildServer.Status
	case model.KindVirtHost:
		if a.VirtHost == nil {
			a.VirtHost = &model.VirtHostInfo{}
		}
		statusPtr = &a.VirtHost.Status
	default:
		return
	}

	if a.Maintenance {
		*statusPtr = model.StatusMaintenance
		return
	}

	switch result.Level {
	case model.HealthUnreachable:
		*statusPtr = model.StatusOffline
	case model.HealthUnhealthy, model.HealthDegraded:
		*statusPtr = model.StatusDegraded
	case model.HealthHealthy:
		*statusPtr = model.StatusOnline
	default:
		*statusPtr = model.StatusUnknown
	}
}

// applyBoardTransition implements the board recovery flow:
// unreachable increments consecutive-failures; reaching the recovery
// trigger power-cycles the board and re-probes after a settle delay,
// landing on `available` or `offline`.
func (e *Engine) applyBoardTransition(ctx context.Context, a *model.Asset, result HealthCheckResult) {
	if a.Board == nil {
		a.Board = &model.BoardInfo{}
	}
	if a.Maintenance {
		a.Board.Status = model.BoardMaintenance
		return
	}

	if result.Level != model.HealthUnreachable {
		a.ConsecutiveFailures = 0
		if a.Board.Status == model.BoardRecovery || a.Board.Status == model.BoardOffline || a.Board.Status == model.BoardUnknown {
			a.Board.Status = model.BoardAvailable
		} else if result.Level == model.HealthUnhealthy || result.Level == model.HealthDegraded {
			// stays in-use/available but visibly degraded at the health-level
			// layer; board status only tracks availability, not degradation.
		}
		return
	}

	a.ConsecutiveFailures++
	cap := e.cfg.Thresholds.ConsecutiveFailureCap
	if cap <= 0 {
		cap = 3
	}
	if a.ConsecutiveFailures < cap {
		return
	}
	if !a.Board.Power.Method.Automatable() {
		a.Board.Status = model.BoardOffline
		return
	}

	a.Board.Status = model.BoardRecovery
	go e.recoverBoard(context.Background(), a.ID, a.Board.Power)
}

// recoverBoard power-cycles a board and re-probes after a settle delay,
// landing the board on available or offline.
func (e *Engine) recoverBoard(ctx context.Context, assetID string, power model.PowerControl) {
	const settleDelay = 5 * time.Second

	_, err := e.adapters.Power.Cycle(ctx, assetID, string(power.Method), power.Locator, settleDelay)
	if err != nil {
		_ = e.reg.Mutate(ctx, assetID, func(a *model.Asset) error {
			if a.Board != nil {
				a.Board.Status = model.BoardOffline
			}
			return nil
		})
		return
	}

	time.Sleep(settleDelay)

	asset, err := e.reg.Get(assetID)
	if err != nil {
		return
	}
	result := e.checkBoardConnectivityOnly(ctx, asset)
	_ = e.reg.Mutate(ctx, assetID, func(a *model.Asset) error {
		if a.Board == nil {
			return nil
		}
		if result.Level == model.HealthUnreachable {
			a.Board.Status = model.BoardOffline
		} else {
			a.Board.Status = model.BoardAvailable
			a.ConsecutiveFailures = 0
		}
		return nil
	})
}

func (e *Engine) checkBoardConnectivityOnly(ctx context.Context, asset model.Asset) HealthCheckResult {
	creds := transport.Credentials{Ref: asset.CredentialRef}
	reachable, err := e.adapters.Shell.Validate(ctx, creds, asset.Address)
	if err != nil || !reachable {
		return HealthCheckResult{AssetID: asset.ID, Level: model.HealthUnreachable, ObservedAt: time.Now()}
	}
	return HealthCheckResult{AssetID: asset.ID, Level: model.HealthHealthy, ObservedAt: time.Now()}
}

// maybeEmit emits a degradation event only when the new level is
// strictly worse than the previously stored level.
func (e *Engine) maybeEmit(ctx context.Context, asset model.Asset, prev model.HealthLevel, result HealthCheckResult) {
	if severityOf(result.Level) <= severityOf(prev) {
		return
	}
	category := "connectivity"
	if len(result.Categories) > 0 {
		category = result.Categories[0]
	}
	e.sink.Emit(ctx, DegradationEvent{
		AssetID: asset.ID, ResourceKind: asset.Kind, Category: category,
		PreviousLevel: prev, NewLevel: result.Level, DetectedAt: result.ObservedAt,
	})
}

func severityOf(l model.HealthLevel) int {
	switch l {
	case model.HealthUnreachable:
		return 4
	case model.HealthUnhealthy:
		return 3
	case model.HealthDegraded:
		return 2
	case model.HealthHealthy:
		return 1
	default:
		return 0
	}
}
