package deployment

import (
	"context"
	"fmt"
	"time"

	"github.com/labfleet/controlplane/internal/apierr"
	"github.com/labfleet/controlplane/internal/model"
	"github.com/labfleet/controlplane/internal/transport"
)

const verifyPollInterval = 2 * time.Second

func defaultVCPUs(n int) int {
	if n <= 0 {
		return 1
	}
	return n
}

func defaultMemoryMB(n int) int {
	if n <= 0 {
		return 512
	}
	return n
}

// runVirt drives pending -> transferring -> direct -> booting -> verifying
// -> {completed, failed} for a virt-host target.
func (s *Service) runVirt(ctx context.Context, rec *record, host model.Asset) {
	snap := rec.snapshot()
	artifacts := s.artifacts.ByBuild(snap.BuildID)
	var kernel, initrd, rootfs model.Artifact
	for _, a := range artifacts {
		switch a.Kind {
		case model.ArtifactKernelImage:
			kernel = a
		case model.ArtifactInitrd:
			initrd = a
		case model.ArtifactRootfs:
			rootfs = a
		}
	}
	if kernel.ID == "" {
		s.fail(rec, apierr.Validation("artifacts", "build has no kernel image artifact"))
		return
	}

	s.transition(rec, model.DeployTransferring)

	transferCtx, cancel := context.WithTimeout(ctx, s.transferTimeout())
	defer cancel()

	creds := transport.Credentials{Ref: host.CredentialRef}
	sess, err := s.adapters.Shell.Connect(transferCtx, creds, host.Address)
	if err != nil {
		s.fail(rec, apierr.Transport("connect", err))
		return
	}
	defer s.adapters.Shell.Close(sess)

	destDir := fmt.Sprintf("/tmp/fleet-deploy/%s", snap.ID)
	if _, err := s.adapters.Shell.Exec(transferCtx, sess, "mkdir -p "+destDir, s.transferTimeout(), nil); err != nil {
		s.fail(rec, apierr.Transport("mkdir", err))
		return
	}

	remotePaths := make(map[model.ArtifactKind]string)
	for _, a := range []model.Artifact{kernel, initrd, rootfs} {
		if a.ID == "" {
			continue
		}
		remotePath := destDir + "/" + a.Filename
		if _, err := s.adapters.Shell.Upload(transferCtx, sess, a.Path, remotePath); err != nil {
			s.fail(rec, apierr.Transport("upload", err))
			return
		}
		remotePaths[a.Kind] = remotePath
	}

	// virt targets go straight from transferring to booting — no flashing
	// stage applies to them.
	s.transition(rec, model.DeployBooting)

	guestCfg := transport.GuestConfig{
		Name: snap.GuestName, VCPUs: defaultVCPUs(snap.VCPUs), MemoryMB: defaultMemoryMB(snap.MemoryMB),
		KernelPath: remotePaths[model.ArtifactKernelImage],
		InitrdPath: remotePaths[model.ArtifactInitrd],
		RootfsPath: remotePaths[model.ArtifactRootfs],
	}
	if _, err := s.adapters.Virt.CreateGuest(ctx, sess, guestCfg); err != nil {
		s.fail(rec, apierr.RemoteFailure("create-guest", err.Error()))
		return
	}

	s.transition(rec, model.DeployVerifying)
	if err := s.verifyVirtGuest(ctx, sess, guestCfg.Name); err != nil {
		s.fail(rec, err)
		return
	}
	s.complete(rec)
}

// verifyVirtGuest polls the host for a running guest matching name until
// the boot timeout elapses.
func (s *Service) verifyVirtGuest(ctx context.Context, sess transport.Session, name string) error {
	deadline := time.Now().Add(s.bootTimeout())
	ticker := time.NewTicker(verifyPollInterval)
	defer ticker.Stop()

	for {
		guests, err := s.adapters.Virt.ListGuests(ctx, sess, true)
		if err == nil {
			for _, g := range guests {
				if g.Name == name && g.Running {
					return nil
				}
			}
		}
		if time.Now().After(deadline) {
			return apierr.RemoteFailure("verify-boot", "guest "+name+" did not reach running state before boot timeout")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
