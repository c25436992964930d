package deployment

import (
	"context"
	"fmt"
	"time"

	"github.com/labfleet/controlplane/internal/apierr"
	"github.com/labfleet/controlplane/internal/model"
	"github.com/labfleet/controlplane/internal/transport"
)

const (
	powerSettleDelay   = 5 * time.Second
	bootLivenessPattern = "login:"
	livenessPollInterval = 3 * time.Second
)

// runBoard drives pending -> transferring -> flashing (when required) ->
// booting -> verifying -> {completed, failed} for a board target.
func (s *Service) runBoard(ctx context.Context, rec *record, board model.Asset) {
	snap := rec.snapshot()
	artifacts := s.artifacts.ByBuild(snap.BuildID)
	if len(artifacts) == 0 {
		s.fail(rec, apierr.Validation("artifacts", "build has no artifacts"))
		return
	}
	firmware := artifacts[0]
	for _, a := range artifacts {
		if a.Kind == model.ArtifactKernelImage {
			firmware = a
			break
		}
	}

	s.transition(rec, model.DeployTransferring)
	stagedPath, err := s.stageBoardFirmware(ctx, snap.ID, board, firmware)
	if err != nil {
		s.fail(rec, err)
		return
	}

	if snap.RequiresFlash {
		s.transition(rec, model.DeployFlashing)
		if err := s.flashBoard(ctx, board, stagedPath); err != nil {
			s.fail(rec, err)
			return
		}
	}

	s.transition(rec, model.DeployBooting)
	cycle, err := s.adapters.Power.Cycle(ctx, board.ID, string(board.Board.Power.Method), board.Board.Power.Locator, powerSettleDelay)
	if err != nil {
		s.fail(rec, apierr.Transport("power-cycle", err))
		return
	}
	if !cycle.OnOK {
		s.fail(rec, apierr.RemoteFailure("power-cycle", "board did not power on"))
		return
	}

	s.transition(rec, model.DeployVerifying)
	if err := s.verifyBoardLiveness(ctx, board); err != nil {
		s.fail(rec, err)
		return
	}

	if snap.RequiresFlash && snap.FirmwareVersion != "" {
		_ = s.reg.Mutate(ctx, board.ID, func(a *model.Asset) error {
			if a.Board != nil {
				a.Board.CurrentFirmwareVersion = snap.FirmwareVersion
			}
			return nil
		})
	}
	s.complete(rec)
}

// stageBoardFirmware puts the firmware artifact somewhere the flashing (or
// direct power-cycle) step can read it from. A flash station with its own
// credential reaches the artifact by its already-known path; a direct-SSH
// board has no flash station, so the artifact is uploaded to a staging
// directory over remote-shell first.
func (s *Service) stageBoardFirmware(ctx context.Context, deploymentID string, board model.Asset, firmware model.Artifact) (string, error) {
	if board.Board.FlashStationRef != "" {
		return firmware.Path, nil
	}

	transferCtx, cancel := context.WithTimeout(ctx, s.transferTimeout())
	defer cancel()

	creds := transport.Credentials{Ref: board.CredentialRef}
	sess, err := s.adapters.Shell.Connect(transferCtx, creds, board.Address)
	if err != nil {
		return "", apierr.Transport("connect", err)
	}
	defer s.adapters.Shell.Close(sess)

	stagingDir := fmt.Sprintf("/tmp/fleet-deploy/%s", deploymentID)
	if _, err := s.adapters.Shell.Exec(transferCtx, sess, "mkdir -p "+stagingDir, s.transferTimeout(), nil); err != nil {
		return "", apierr.Transport("mkdir", err)
	}

	remotePath := stagingDir + "/" + firmware.Filename
	if _, err := s.adapters.Shell.Upload(transferCtx, sess, firmware.Path, remotePath); err != nil {
		return "", apierr.Transport("upload", err)
	}
	return remotePath, nil
}

func (s *Service) flashBoard(ctx context.Context, board model.Asset, firmwarePath string) error {
	stationCreds := transport.Credentials{Ref: board.Board.FlashStationRef}
	if stationCreds.Ref == "" {
		stationCreds = transport.Credentials{Ref: board.CredentialRef}
	}
	ok, _, _, verified, err := s.adapters.Flash.Flash(ctx, board.ID, firmwarePath, stationCreds, board.Board.BoardType, true)
	if err != nil {
		return apierr.Transport("flash", err)
	}
	if !ok || !verified {
		return apierr.RemoteFailure("flash", "firmware write could not be verified")
	}
	return nil
}

// verifyBoardLiveness probes the board until a liveness pattern is matched
// on the serial console, or (if no serial device is configured) until a
// remote-shell command succeeds, or the boot timeout expires.
func (s *Service) verifyBoardLiveness(ctx context.Context, board model.Asset) error {
	deadline := time.Now().Add(s.bootTimeout())

	if board.Board.SerialDevice != "" {
		cfg := transport.SerialConfig{Device: board.Board.SerialDevice, Baud: board.Board.SerialBaud}
		if cfg.Baud == 0 {
			cfg.Baud = 115200
		}
		if err := s.adapters.Serial.Open(ctx, cfg); err != nil {
			return apierr.Transport("serial-open", err)
		}
		defer s.adapters.Serial.Close(cfg)

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return apierr.RemoteFailure("verify-boot", "boot timeout expired before liveness probe started")
		}
		if _, err := s.adapters.Serial.ReadUntil(ctx, cfg, bootLivenessPattern, remaining); err != nil {
			return apierr.RemoteFailure("verify-boot", "liveness pattern not observed before boot timeout")
		}
		return nil
	}

	creds := transport.Credentials{Ref: board.CredentialRef}
	ticker := time.NewTicker(livenessPollInterval)
	defer ticker.Stop()
	for {
		sess, err := s.adapters.Shell.Connect(ctx, creds, board.Address)
		if err == nil {
			_, execErr := s.adapters.Shell.Exec(ctx, sess, "true", 5*time.Second, nil)
			s.adapters.Shell.Close(sess)
			if execErr == nil {
				return nil
			}
		}
		if time.Now().After(deadline) {
			return apierr.RemoteFailure("verify-boot", "board did not become reachable before boot timeout")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
