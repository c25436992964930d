package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func newTestMetrics(t *testing.T) (*Metrics, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewWithRegistry(reg), reg
}

func TestNewWithRegistry_RegistersEveryCollector(t *testing.T) {
	m, reg := newTestMetrics(t)
	require.NotNil(t, m)

	_, err := reg.Gather()
	require.NoError(t, err)

	// Vec collectors export no series until a label set is observed, so
	// check registration directly: re-registering each one must fail.
	for _, c := range []prometheus.Collector{
		m.ProbeDuration, m.ProbesTotal, m.QueueDepth, m.BuildsTotal, m.BuildDuration,
		m.ActiveBuildSlots, m.DeploymentsTotal, m.DeploymentDuration, m.PipelineRunsTotal,
		m.PipelineStageRetries, m.AlertsFiredTotal, m.AlertDeliveryLatency, m.AllocationsOpen,
	} {
		require.Error(t, reg.Register(c))
	}
}

func TestRecordProbe_DoesNotPanic(t *testing.T) {
	m, _ := newTestMetrics(t)
	m.RecordProbe("build-server", "healthy", 120*time.Millisecond)
	m.RecordProbe("board", "unreachable", 5*time.Second)
}

func TestSetQueueDepth(t *testing.T) {
	m, _ := newTestMetrics(t)
	m.SetQueueDepth("high", 4)
	m.SetQueueDepth("low", 0)
}

func TestRecordBuild_NormalizesOutcomeCase(t *testing.T) {
	m, reg := newTestMetrics(t)
	m.RecordBuild("Success", 30*time.Second)
	m.RecordBuild("FAILED", 5*time.Second)

	families, err := reg.Gather()
	require.NoError(t, err)

	var found bool
	for _, fam := range families {
		if fam.GetName() != "fleet_builds_total" {
			continue
		}
		for _, metric := range fam.GetMetric() {
			for _, label := range metric.GetLabel() {
				if label.GetName() == "outcome" {
					require.Equal(t, label.GetValue(), normalizeOutcome(label.GetValue()))
					found = true
				}
			}
		}
	}
	require.True(t, found, "expected fleet_builds_total series")
}

func TestRecordDeployment_AndPipelineAndAlerts_DoNotPanic(t *testing.T) {
	m, _ := newTestMetrics(t)
	m.RecordDeployment("virt-host", "completed", 45*time.Second)
	m.RecordPipelineRun("failed")
	m.RecordStageRetry("test")
	m.RecordAlert("critical")
	m.RecordAlertDelivery("slack", 250*time.Millisecond)
	m.SetAllocationsOpen("group-1", 3)
	m.SetActiveBuildSlots("srv1", 2)
}

func TestGlobal_ReturnsSameInstanceAcrossCalls(t *testing.T) {
	a := Global()
	b := Global()
	require.Same(t, a, b)
}
