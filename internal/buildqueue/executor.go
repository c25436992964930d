package buildqueue

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/labfleet/controlplane/internal/model"
	"github.com/labfleet/controlplane/internal/transport"
)

const execTimeout = 30 * time.Minute

// execute runs one build end to end: workspace, clone,
// checkout, build, artifact collection, cleanup. Any step failure marks
// the job failed with the transport error; cleanup always still runs.
func (s *Service) execute(ctx context.Context, record *jobRecord, req SubmitRequest, reservationID string, sem chan struct{}) {
	job := record.snapshot()
	defer s.releaseServer(context.Background(), job.ServerID, reservationID, sem)

	server, err := s.reg.Get(job.ServerID)
	if err != nil {
		s.fail(record, fmt.Errorf("server lookup: %w", err))
		return
	}

	creds := transport.Credentials{Ref: server.CredentialRef}
	sess, err := s.adapters.Shell.Connect(ctx, creds, server.Address)
	if err != nil {
		s.fail(record, fmt.Errorf("connect: %w", err))
		return
	}
	defer s.adapters.Shell.Close(sess)

	workspace := fmt.Sprintf("/tmp/fleet-builds/%s", job.ID)
	record.appendLog("creating workspace " + workspace)
	if _, err := s.run(ctx, record, sess, fmt.Sprintf("mkdir -p %s", workspace)); err != nil {
		s.fail(record, err)
		s.cleanup(context.Background(), record, sess, workspace)
		return
	}

	depth := req.CloneDepth
	if depth <= 0 {
		depth = 1
	}
	cloneCmd := fmt.Sprintf("git clone --depth %d", depth)
	if req.Submodules {
		cloneCmd += " --recurse-submodules"
	}
	cloneCmd = fmt.Sprintf("%s %s %s/src", cloneCmd, job.SourceRepoURL, workspace)
	if _, err := s.run(ctx, record, sess, cloneCmd); err != nil {
		s.fail(record, err)
		s.cleanup(context.Background(), record, sess, workspace)
		return
	}

	if job.CommitHash != "" {
		checkoutCmd := fmt.Sprintf("git -C %s/src checkout %s", workspace, job.CommitHash)
		if _, err := s.run(ctx, record, sess, checkoutCmd); err != nil {
			s.fail(record, err)
			s.cleanup(context.Background(), record, sess, workspace)
			return
		}
	}

	if err := s.build(ctx, record, sess, workspace, job.Config); err != nil {
		s.fail(record, err)
		s.cleanup(context.Background(), record, sess, workspace)
		return
	}

	artifactIDs, err := s.collectArtifacts(ctx, record, sess, workspace, job, req.ArtifactPatterns)
	if err != nil {
		s.fail(record, err)
		s.cleanup(context.Background(), record, sess, workspace)
		return
	}

	s.cleanup(context.Background(), record, sess, workspace)

	record.mu.Lock()
	record.job.Status = model.BuildCompleted
	record.job.CompletedAt = time.Now()
	record.job.DurationSeconds = record.job.CompletedAt.Sub(record.job.StartedAt).Seconds()
	record.job.ArtifactIDs = artifactIDs
	record.mu.Unlock()
	record.appendLog("build completed")
	if s.metrics != nil {
		s.metrics.RecordBuild(string(model.BuildCompleted), time.Duration(record.job.DurationSeconds*float64(time.Second)))
	}
}

// build runs either the standard defconfig/make sequence or, when the job
// carries custom command sequences, those verbatim.
func (s *Service) build(ctx context.Context, record *jobRecord, sess transport.Session, workspace string, cfg model.BuildConfig) error {
	if cfg.IsCustom() {
		for _, cmd := range cfg.PreBuild {
			if _, err := s.run(ctx, record, sess, cmd); err != nil {
				return err
			}
		}
		for _, cmd := range cfg.Build {
			if _, err := s.run(ctx, record, sess, cmd); err != nil {
				return err
			}
		}
		for _, cmd := range cfg.PostBuild {
			if _, err := s.run(ctx, record, sess, cmd); err != nil {
				return err
			}
		}
		return nil
	}

	configName := cfg.ConfigName
	if configName == "" {
		configName = "defconfig"
	}
	srcDir := workspace + "/src"
	if _, err := s.run(ctx, record, sess, fmt.Sprintf("make -C %s %s", srcDir, configName)); err != nil {
		return err
	}

	parallelism := runtime.NumCPU() - 1
	if parallelism < 1 {
		parallelism = 1
	}
	makeCmd := fmt.Sprintf("make -C %s -j%d", srcDir, parallelism)
	for _, arg := range cfg.ExtraArgs {
		makeCmd += " " + arg
	}
	if _, err := s.run(ctx, record, sess, makeCmd); err != nil {
		return err
	}

	if cfg.ModuleFlag {
		if _, err := s.run(ctx, record, sess, fmt.Sprintf("make -C %s -j%d modules", srcDir, parallelism)); err != nil {
			return err
		}
	}
	if cfg.DeviceTreeFlag {
		if _, err := s.run(ctx, record, sess, fmt.Sprintf("make -C %s -j%d dtbs", srcDir, parallelism)); err != nil {
			return err
		}
	}
	return nil
}

// collectArtifacts lists the workspace output directory, downloads each
// matching file, and indexes it through the artifact store.
func (s *Service) collectArtifacts(ctx context.Context, record *jobRecord, sess transport.Session, workspace string, job model.BuildJob, patterns []string) ([]string, error) {
	outputDir := workspace + "/output"
	res, err := s.run(ctx, record, sess, fmt.Sprintf("find %s -type f 2>/dev/null", outputDir))
	if err != nil {
		return nil, err
	}

	var ids []string
	for _, remotePath := range strings.Fields(res.Stdout) {
		filename := remotePath
		if idx := strings.LastIndex(remotePath, "/"); idx >= 0 {
			filename = remotePath[idx+1:]
		}
		if len(patterns) > 0 && !matchesAny(filename, patterns) {
			continue
		}

		localPath := fmt.Sprintf("%s/%s/%s", s.artifactRoot(), job.ID, filename)
		transferred, err := s.adapters.Shell.Download(ctx, sess, remotePath, localPath)
		if err != nil {
			return nil, fmt.Errorf("download %s: %w", filename, err)
		}

		artifact, err := s.artifacts.Ingest(ctx, IngestRequest{
			BuildID: job.ID, CommitHash: job.CommitHash, Branch: job.Branch, Architecture: job.TargetArch,
			Filename: filename, Kind: classifyArtifact(filename), SizeBytes: transferred.Bytes, SHA256: transferred.SHA256,
		})
		if err != nil {
			return nil, fmt.Errorf("ingest %s: %w", filename, err)
		}
		ids = append(ids, artifact.ID)
		record.appendLog("collected artifact " + filename)
	}
	return ids, nil
}

func (s *Service) artifactRoot() string {
	if s.cfg.Build.ArtifactRoot != "" {
		return s.cfg.Build.ArtifactRoot
	}
	return "/var/lib/artifacts"
}

func matchesAny(filename string, patterns []string) bool {
	for _, p := range patterns {
		if strings.HasSuffix(filename, p) {
			return true
		}
	}
	return false
}

func classifyArtifact(filename string) model.ArtifactKind {
	switch {
	case strings.Contains(filename, "Image") || strings.Contains(filename, "zImage") || strings.Contains(filename, "vmlinu"):
		return model.ArtifactKernelImage
	case strings.Contains(filename, "initrd") || strings.Contains(filename, "initramfs"):
		return model.ArtifactInitrd
	case strings.HasSuffix(filename, ".dtb"):
		return model.ArtifactDeviceTree
	case strings.Contains(filename, "rootfs"):
		return model.ArtifactRootfs
	case strings.HasSuffix(filename, ".ko"):
		return model.ArtifactKernelModules
	default:
		return model.ArtifactBuildLog
	}
}

// cleanup removes the workspace unless the operator asked to preserve it;
// it runs even after a failed step.
func (s *Service) cleanup(ctx context.Context, record *jobRecord, sess transport.Session, workspace string) {
	if s.cfg.Build.WorkspaceKeep {
		return
	}
	if _, err := s.run(ctx, record, sess, fmt.Sprintf("rm -rf %s", workspace)); err != nil {
		record.appendLog("workspace cleanup failed: " + err.Error())
	}
}

// run executes one command, logging it and surfacing a non-zero exit as
// a remote-failure error (never retried — that's the shell adapter's job
// for transport errors only).
func (s *Service) run(ctx context.Context, record *jobRecord, sess transport.Session, command string) (transport.ExecResult, error) {
	if err := ctx.Err(); err != nil {
		return transport.ExecResult{}, err
	}
	record.appendLog("$ " + command)
	res, err := s.adapters.Shell.Exec(ctx, sess, command, execTimeout, nil)
	if err != nil {
		record.appendLog("transport error: " + err.Error())
		return res, err
	}
	if res.ExitCode != 0 {
		record.appendLog(fmt.Sprintf("exit %d: %s", res.ExitCode, res.Stderr))
		return res, fmt.Errorf("command failed with exit %d: %s", res.ExitCode, res.Stderr)
	}
	return res, nil
}

func (s *Service) fail(record *jobRecord, err error) {
	status := model.BuildFailed
	if errors.Is(err, context.Canceled) {
		status = model.BuildCancelled
	}
	record.mu.Lock()
	record.job.Status = status
	record.job.CompletedAt = time.Now()
	record.job.ErrorMessage = err.Error()
	record.job.DurationSeconds = record.job.CompletedAt.Sub(record.job.StartedAt).Seconds()
	record.mu.Unlock()
	record.appendLog("build " + string(status) + ": " + err.Error())
	if s.metrics != nil {
		s.metrics.RecordBuild(string(status), time.Duration(record.job.DurationSeconds*float64(time.Second)))
	}
}
