// Package stagehandlers wires pipeline.StageHandler implementations onto
// the concrete buildqueue, deployment, and transport components. It is
// the one place that knows about all of build/deploy/boot/test together;
// every component it calls stays ignorant of the pipeline engine, so the
// dependency only ever points one way: stagehandlers depends on the
// pipeline engine's interfaces, never the reverse.
package stagehandlers

import (
	"context"
	"fmt"
	"time"

	"github.com/labfleet/controlplane/internal/apierr"
	"github.com/labfleet/controlplane/internal/buildqueue"
	"github.com/labfleet/controlplane/internal/deployment"
	"github.com/labfleet/controlplane/internal/logging"
	"github.com/labfleet/controlplane/internal/model"
	"github.com/labfleet/controlplane/internal/pipeline"
	"github.com/labfleet/controlplane/internal/registry"
	"github.com/labfleet/controlplane/internal/transport"
)

const pollInterval = 500 * time.Millisecond

// targetIDKey is the EnvConfig key a pipeline's Create request carries
// the virt-host or board asset id under; the model's generic map is the
// only place left to thread a fourth identifier without widening Pipeline
// itself.
const targetIDKey = "target_id"

// Handlers bundles every dependency the four fixed pipeline stages need.
type Handlers struct {
	reg        *registry.Registry
	buildQueue *buildqueue.Service
	deploy     *deployment.Service
	adapters   transport.Adapters
	logger     *logging.Logger
}

func New(reg *registry.Registry, bq *buildqueue.Service, dep *deployment.Service, adapters transport.Adapters, logger *logging.Logger) *Handlers {
	if logger == nil {
		logger = logging.Default()
	}
	return &Handlers{reg: reg, buildQueue: bq, deploy: dep, adapters: adapters, logger: logger}
}

// RegisterAll wires build/deploy/boot/test onto svc.
func (h *Handlers) RegisterAll(svc *pipeline.Service) {
	svc.RegisterHandler(model.StageBuild, pipeline.StageHandlerFunc(h.runBuild))
	svc.RegisterHandler(model.StageDeploy, pipeline.StageHandlerFunc(h.runDeploy))
	svc.RegisterHandler(model.StageBoot, pipeline.StageHandlerFunc(h.runBoot))
	svc.RegisterHandler(model.StageTest, pipeline.StageHandlerFunc(h.runTest))
}

func (h *Handlers) runBuild(ctx context.Context, p *model.Pipeline, stage *model.Stage) (string, error) {
	job, err := h.buildQueue.Submit(ctx, buildqueue.SubmitRequest{
		SourceRepoURL: p.RepoURL,
		Branch:        p.Branch,
		CommitHash:    p.CommitHash,
		TargetArch:    p.Architecture,
		Priority:      model.PriorityNormal,
		Config:        p.BuildConfig,
	})
	if err != nil {
		return "", err
	}
	final, err := pollUntil(ctx, func() (model.BuildJob, bool, error) {
		j, err := h.buildQueue.Get(job.ID)
		if err != nil {
			return model.BuildJob{}, false, err
		}
		return j, j.Status.Terminal(), nil
	})
	if err != nil {
		return "", err
	}
	if final.Status != model.BuildCompleted {
		return "", apierr.RemoteFailure("build", fmt.Sprintf("build job %s ended %s", final.ID, final.Status))
	}
	return final.ID, nil
}

func (h *Handlers) runDeploy(ctx context.Context, p *model.Pipeline, stage *model.Stage) (string, error) {
	buildStage := p.StageByName(model.StageBuild)
	if buildStage == nil || buildStage.OutputID == "" {
		return "", apierr.Validation("stages", "deploy stage requires a completed build stage output")
	}
	targetID := p.EnvConfig[targetIDKey]
	if targetID == "" {
		return "", apierr.Validation("env_config", "target_id is required to deploy")
	}

	var depl model.Deployment
	var err error
	switch p.Environment {
	case model.EnvVirt:
		depl, err = h.deploy.DeployToVirt(ctx, deployment.VirtDeployRequest{
			HostID:    targetID,
			BuildID:   buildStage.OutputID,
			GuestName: fmt.Sprintf("pipeline-%s", p.ID),
			VCPUs:     4,
			MemoryMB:  4096,
		})
	case model.EnvBoard:
		depl, err = h.deploy.DeployToBoard(ctx, deployment.BoardDeployRequest{
			BoardID: targetID,
			BuildID: buildStage.OutputID,
		})
	default:
		return "", apierr.Validation("environment", "must be virt or board")
	}
	if err != nil {
		return "", err
	}

	final, err := pollUntil(ctx, func() (model.Deployment, bool, error) {
		d, err := h.deploy.Get(depl.ID)
		if err != nil {
			return model.Deployment{}, false, err
		}
		return d, d.Status.Terminal(), nil
	})
	if err != nil {
		return "", err
	}
	if final.Status != model.DeployCompleted {
		return "", apierr.RemoteFailure("deploy", fmt.Sprintf("deployment %s ended %s", final.ID, final.Status))
	}
	return final.ID, nil
}

// runBoot confirms the deployment the deploy stage produced booted and
// verified cleanly. Deployment already sequences transfer/flash/boot/
// verify internally, so this stage's job is to surface that result onto
// the pipeline's own stage ledger rather than re-run boot.
func (h *Handlers) runBoot(ctx context.Context, p *model.Pipeline, stage *model.Stage) (string, error) {
	deployStage := p.StageByName(model.StageDeploy)
	if deployStage == nil || deployStage.OutputID == "" {
		return "", apierr.Validation("stages", "boot stage requires a completed deploy stage output")
	}
	d, err := h.deploy.Get(deployStage.OutputID)
	if err != nil {
		return "", err
	}
	if !d.BootVerified {
		return "", apierr.RemoteFailure("boot", fmt.Sprintf("deployment %s never asserted boot", d.ID))
	}
	return d.ID, nil
}

// runTest executes the test-config's command against the deployed target
// over whichever transport the environment kind provides: a remote shell
// for virt guests, the serial console for boards.
func (h *Handlers) runTest(ctx context.Context, p *model.Pipeline, stage *model.Stage) (string, error) {
	command := p.TestConfig["command"]
	if command == "" {
		return fmt.Sprintf("pipeline-%s-notest", p.ID), nil
	}
	targetID := p.EnvConfig[targetIDKey]
	asset, err := h.reg.Get(targetID)
	if err != nil {
		return "", err
	}

	timeout := 60 * time.Second
	switch p.Environment {
	case model.EnvVirt:
		sess, err := h.adapters.Shell.Connect(ctx, transport.Credentials{Ref: asset.CredentialRef}, asset.Address)
		if err != nil {
			return "", apierr.Transport("connect", err)
		}
		defer h.adapters.Shell.Close(sess)
		result, err := h.adapters.Shell.Exec(ctx, sess, command, timeout, nil)
		if err != nil {
			return "", apierr.Transport("exec", err)
		}
		if result.ExitCode != 0 {
			return "", apierr.RemoteFailure("test", fmt.Sprintf("exit code %d: %s", result.ExitCode, result.Stderr))
		}
		return fmt.Sprintf("pipeline-%s-test", p.ID), nil
	case model.EnvBoard:
		if asset.Board == nil {
			return "", apierr.Validation("target", "asset has no board info")
		}
		cfg := transport.SerialConfig{Device: asset.Board.SerialDevice, Baud: asset.Board.SerialBaud}
		if err := h.adapters.Serial.Open(ctx, cfg); err != nil {
			return "", apierr.Transport("serial-open", err)
		}
		defer h.adapters.Serial.Close(cfg)
		ok, output, _, err := h.adapters.Serial.Exec(ctx, cfg, command, timeout, "$")
		if err != nil {
			return "", apierr.Transport("serial-exec", err)
		}
		if !ok {
			return "", apierr.RemoteFailure("test", output)
		}
		return fmt.Sprintf("pipeline-%s-test", p.ID), nil
	default:
		return "", apierr.Validation("environment", "must be virt or board")
	}
}

// pollUntil samples fetch until it reports terminal=true, ctx is done, or
// fetch errors. Grounded on cmd/fleetd's selector reaper-ticker shape,
// adapted to a condition-poll instead of a fixed-interval sweep since a
// stage handler must block for exactly as long as its job takes.
func pollUntil[T any](ctx context.Context, fetch func() (T, bool, error)) (T, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		val, done, err := fetch()
		if err != nil {
			return val, err
		}
		if done {
			return val, nil
		}
		select {
		case <-ctx.Done():
			return val, ctx.Err()
		case <-ticker.C:
		}
	}
}
