package health

import (
	"context"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/labfleet/controlplane/internal/config"
	"github.com/labfleet/controlplane/internal/logging"
	"github.com/labfleet/controlplane/internal/metrics"
	"github.com/labfleet/controlplane/internal/model"
	"github.com/labfleet/controlplane/internal/registry"
	"github.com/labfleet/controlplane/internal/transport"
)

// DegradationEvent is emitted whenever a probe's resulting level is
// worse than the previously stored level.
type DegradationEvent struct {
	AssetID      string
	ResourceKind model.AssetKind
	Category     string
	PreviousLevel model.HealthLevel
	NewLevel     model.HealthLevel
	DetectedAt   time.Time
}

// EventSink receives degradation events; internal/alerts implements
// this. Health has no compile-time dependency on the alert package: the
// dependency only ever points from alerts to health, never back.
type EventSink interface {
	Emit(ctx context.Context, evt DegradationEvent)
}

type noopSink struct{}

func (noopSink) Emit(context.Context, DegradationEvent) {}

// Engine runs the periodic per-asset probe loop.
type Engine struct {
	reg       *registry.Registry
	adapters  transport.Adapters
	cfg       *config.Config
	sink      EventSink
	logger    *logging.Logger
	sem       chan struct{}
	tickMu    sync.Map // assetID -> *sync.Mutex, prevents overlapping ticks per asset
	prevLevel sync.Map // assetID -> model.HealthLevel
	metrics   *metrics.Metrics
}

// SetMetrics attaches a metrics collector; probes record into it once set.
func (e *Engine) SetMetrics(m *metrics.Metrics) {
	e.metrics = m
}

// New creates an Engine. sink may be nil (events are dropped).
func New(reg *registry.Registry, adapters transport.Adapters, cfg *config.Config, sink EventSink, logger *logging.Logger) *Engine {
	if sink == nil {
		sink = noopSink{}
	}
	if logger == nil {
		logger = logging.Default()
	}
	maxParallel := cfg.Health.MaxParallel
	if maxParallel <= 0 {
		maxParallel = 32
	}
	return &Engine{
		reg:      reg,
		adapters: adapters,
		cfg:      cfg,
		sink:     sink,
		logger:   logger,
		sem:      make(chan struct{}, maxParallel),
	}
}

// Run drives probe rounds from a single jittered ticker; it blocks until
// ctx is cancelled. Each tick fans out a bounded-concurrency probe round
// over every currently registered asset (errgroup, ctx-cancelled on the
// first hard error — though individual probe failures are handled inline
// and never abort the round).
func (e *Engine) Run(ctx context.Context) {
	interval := time.Duration(e.cfg.Health.IntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(e.jittered(interval))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.runRound(ctx)
			ticker.Reset(e.jittered(interval))
		}
	}
}

func (e *Engine) jittered(base time.Duration) time.Duration {
	jitter := e.cfg.Health.Jitter
	if jitter <= 0 {
		return base
	}
	delta := float64(base) * jitter
	return base + time.Duration(rand.Float64()*delta*2-delta)
}

// runRound probes every registered asset concurrently, capped at
// Health.MaxParallel in-flight probes to keep a large fleet from
// overwhelming the host running the probes.
func (e *Engine) runRound(ctx context.Context) {
	assets := e.reg.All()
	g, gctx := errgroup.WithContext(ctx)
	for _, a := range assets {
		a := a
		g.Go(func() error {
			e.sem <- struct{}{}
			defer func() { <-e.sem }()
			e.probeOne(gctx, a)
			return nil
		})
	}
	_ = g.Wait()
}

// probeOne runs a single tick for one asset. Ticks never overlap for the
// same asset: a per-asset mutex guards that.
func (e *Engine) probeOne(ctx context.Context, asset model.Asset) {
	muIface, _ := e.tickMu.LoadOrStore(asset.ID, &sync.Mutex{})
	mu := muIface.(*sync.Mutex)
	if !mu.TryLock() {
		return // a previous tick for this asset is still running
	}
	defer mu.Unlock()

	start := time.Now()
	result := e.check(ctx, asset)
	if e.metrics != nil {
		e.metrics.RecordProbe(string(asset.Kind), string(result.Level), time.Since(start))
	}
	e.applyResult(ctx, asset, result)
}

func (e *Engine) check(ctx context.Context, asset model.Asset) HealthCheckResult {
	switch asset.Kind {
	case model.KindBoard:
		return e.checkBoard(ctx, asset)
	default:
		return e.checkMachine(ctx, asset)
	}
}

// checkMachine handles build-server and virt-host probes: a stats exec
// over the remote-shell adapter, evaluated against utilization thresholds.
func (e *Engine) checkMachine(ctx context.Context, asset model.Asset) HealthCheckResult {
	now := time.Now()
	creds := transport.Credentials{Ref: asset.CredentialRef}

	sess, err := e.adapters.Shell.Connect(ctx, creds, asset.Address)
	if err != nil {
		return HealthCheckResult{AssetID: asset.ID, Level: model.HealthUnreachable, TransportErr: err, ObservedAt: now}
	}
	defer e.adapters.Shell.Close(sess)

	responseStart := time.Now()
	res, err := e.adapters.Shell.Exec(ctx, sess, transport.StatsCommand, 10*time.Second, nil)
	responseTime := time.Since(responseStart)
	if err != nil {
		return HealthCheckResult{AssetID: asset.ID, Level: model.HealthUnreachable, TransportErr: err, ResponseTime: responseTime, ObservedAt: now}
	}

	u := parseStats(res.Stdout)
	checks, categories := evaluateUtilization(u, e.cfg.Thresholds)

	respCheck := thresholdCheck("response_time",
		float64(responseTime.Milliseconds()),
		float64(e.cfg.Thresholds.ResponseWarnMillis),
		float64(e.cfg.Thresholds.ResponseCritMillis), false)
	checks = append(checks, respCheck)
	if respCheck.Outcome != CheckPass {
		categories = append(categories, "connectivity")
	}

	level := levelFromOutcome(worstOutcome(checks))
	return HealthCheckResult{
		AssetID: asset.ID, Level: level, Checks: checks, Categories: categories,
		Utilization: u, ResponseTime: responseTime, ObservedAt: now,
	}
}

// checkBoard handles board probes: connectivity via the remote-shell
// adapter plus temperature from the stats exec, with a consecutive-failure cap
// driving the recovery flow (applied in applyResult).
func (e *Engine) checkBoard(ctx context.Context, asset model.Asset) HealthCheckResult {
	now := time.Now()
	creds := transport.Credentials{Ref: asset.CredentialRef}

	reachable, err := e.adapters.Shell.Validate(ctx, creds, asset.Address)
	if err != nil || !reachable {
		return HealthCheckResult{AssetID: asset.ID, Level: model.HealthUnreachable, TransportErr: err, ObservedAt: now}
	}

	sess, err := e.adapters.Shell.Connect(ctx, creds, asset.Address)
	if err != nil {
		return HealthCheckResult{AssetID: asset.ID, Level: model.HealthUnreachable, TransportErr: err, ObservedAt: now}
	}
	defer e.adapters.Shell.Close(sess)

	res, err := e.adapters.Shell.Exec(ctx, sess, transport.StatsCommand, 10*time.Second, nil)
	if err != nil {
		return HealthCheckResult{AssetID: asset.ID, Level: model.HealthUnreachable, TransportErr: err, ObservedAt: now}
	}

	u := parseStats(res.Stdout)
	checks, categories := evaluateUtilization(u, e.cfg.Thresholds)

	temp := boardTemperature(res.Stdout)
	tempCheck := thresholdCheck("temperature", temp, e.cfg.Thresholds.BoardTempWarnC, e.cfg.Thresholds.BoardTempCritC, false)
	checks = append(checks, tempCheck)
	if tempCheck.Outcome != CheckPass {
		categories = append(categories, "temperature")
	}

	level := levelFromOutcome(worstOutcome(checks))
	return HealthCheckResult{AssetID: asset.ID, Level: level, Checks: checks, Categories: categories, Utilization: u, ObservedAt: now}
}

func boardTemperature(stdout string) float64 {
	for _, field := range strings.Fields(stdout) {
		kv := strings.SplitN(field, "=", 2)
		if len(kv) == 2 && kv[0] == "temp_c" {
			if v, err := strconv.ParseFloat(kv[1], 64); err == nil {
				return v
			}
		}
	}
	return 0
}
