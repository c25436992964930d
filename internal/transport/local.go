package transport

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/labfleet/controlplane/internal/logging"
	"github.com/labfleet/controlplane/internal/resilience"
)

// StatsCommand is the sentinel Exec() command that LocalShell answers
// using real host metrics instead of running a subprocess.
const StatsCommand = "fleet-stats"

// LocalShell is a RemoteShell that talks to the machine the control
// plane itself runs on: real subprocess execution for ordinary commands,
// and gopsutil-backed CPU/mem/disk figures for StatsCommand. This gives
// the mock-vs-real adapter split a genuine second implementation without
// standing up real SSH infrastructure.
//
// Exec is wrapped in this target's circuit breaker and retried with
// backoff on transport errors only; the other methods are not.
type LocalShell struct {
	breaker *resilience.TargetBreaker
	retry   resilience.TransportRetryConfig
	logger  *logging.Logger
}

// NewLocalShell returns a LocalShell with default resilience settings.
// Breaker state transitions are logged against the "localhost" target.
func NewLocalShell(logger *logging.Logger) *LocalShell {
	if logger == nil {
		logger = logging.Default()
	}
	cfg := resilience.DefaultBreakerConfig()
	cfg.OnTransition = func(from, to resilience.BreakerState) {
		logger.WithFields(map[string]interface{}{
			"target": "localhost", "from": from.String(), "to": to.String(),
		}).Warn("local shell circuit breaker transitioned")
	}
	return &LocalShell{
		breaker: resilience.NewTargetBreaker(cfg),
		retry:   resilience.DefaultTransportRetry(),
		logger:  logger,
	}
}

func (l *LocalShell) Connect(ctx context.Context, creds Credentials, host string) (Session, error) {
	return Session{ID: fmt.Sprintf("local-%d", time.Now().UnixNano()), Host: host}, nil
}

func (l *LocalShell) Exec(ctx context.Context, sess Session, command string, timeout time.Duration, env map[string]string) (ExecResult, error) {
	var result ExecResult
	err := l.breaker.Call(ctx, func() error {
		return resilience.RetryTransport(ctx, l.retry, func() error {
			r, execErr := l.exec(ctx, command, timeout, env)
			result = r
			return execErr
		})
	})
	return result, err
}

func (l *LocalShell) exec(ctx context.Context, command string, timeout time.Duration, env map[string]string) (ExecResult, error) {
	if command == StatsCommand {
		return l.collectStats(ctx)
	}

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	cmd := exec.CommandContext(cctx, "/bin/sh", "-c", command)
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	stdout, err := cmd.Output()
	duration := time.Since(start)

	exitCode := 0
	var stderr string
	if exitErr, ok := err.(*exec.ExitError); ok {
		exitCode = exitErr.ExitCode()
		stderr = string(exitErr.Stderr)
		err = nil // non-zero exit is a remote failure, not a transport error — never retried
	}
	if err != nil {
		return ExecResult{}, fmt.Errorf("local exec transport error: %w", err)
	}
	return ExecResult{ExitCode: exitCode, Stdout: string(stdout), Stderr: stderr, Duration: duration}, nil
}

// collectStats reads real CPU/mem/disk utilization from gopsutil and
// renders it the way a remote "fleet-stats" probe command would.
func (l *LocalShell) collectStats(ctx context.Context) (ExecResult, error) {
	start := time.Now()

	cpuPercents, err := cpu.PercentWithContext(ctx, 200*time.Millisecond, false)
	if err != nil {
		return ExecResult{}, fmt.Errorf("gopsutil cpu: %w", err)
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return ExecResult{}, fmt.Errorf("gopsutil mem: %w", err)
	}
	du, err := disk.UsageWithContext(ctx, "/")
	if err != nil {
		return ExecResult{}, fmt.Errorf("gopsutil disk: %w", err)
	}

	cpuPct := 0.0
	if len(cpuPercents) > 0 {
		cpuPct = cpuPercents[0]
	}
	freeDiskGB := float64(du.Free) / (1 << 30)

	stdout := fmt.Sprintf("cpu=%.2f mem=%.2f storage=%.2f free_disk_gb=%.2f",
		cpuPct, vm.UsedPercent, du.UsedPercent, freeDiskGB)

	return ExecResult{ExitCode: 0, Stdout: stdout, Duration: time.Since(start)}, nil
}

func (l *LocalShell) Upload(ctx context.Context, sess Session, localPath, remotePath string) (TransferResult, error) {
	return TransferResult{}, fmt.Errorf("local shell does not support upload; use a real backend")
}

func (l *LocalShell) Download(ctx context.Context, sess Session, remotePath, localPath string) (TransferResult, error) {
	return TransferResult{}, fmt.Errorf("local shell does not support download; use a real backend")
}

func (l *LocalShell) Validate(ctx context.Context, creds Credentials, host string) (bool, error) {
	return true, nil
}

func (l *LocalShell) Close(sess Session) error { return nil }
