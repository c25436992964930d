// Package health implements the periodic per-asset probe loop that
// classifies health and drives status-machine transitions.
package health

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/labfleet/controlplane/internal/config"
	"github.com/labfleet/controlplane/internal/model"
)

// CheckOutcome is the per-check result before worst-wins aggregation.
type CheckOutcome string

const (
	CheckPass    CheckOutcome = "pass"
	CheckWarning CheckOutcome = "warning"
	CheckFailed  CheckOutcome = "failed"
)

// Check is one named threshold evaluation (e.g. "cpu", "temperature").
type Check struct {
	Name    string
	Outcome CheckOutcome
	Detail  string
}

// HealthCheckResult is the outcome of one probe tick against one asset.
type HealthCheckResult struct {
	AssetID      string
	Level        model.HealthLevel
	Checks       []Check
	Categories   []string
	Utilization  model.Utilization
	ResponseTime time.Duration
	TransportErr error
	ObservedAt   time.Time
}

// parseStats parses LocalShell/RemoteShell stats output of the form
// "cpu=12.3 mem=45.0 storage=60.1 free_disk_gb=120.5".
func parseStats(stdout string) model.Utilization {
	u := model.Utilization{}
	for _, field := range strings.Fields(stdout) {
		kv := strings.SplitN(field, "=", 2)
		if len(kv) != 2 {
			continue
		}
		val, err := strconv.ParseFloat(kv[1], 64)
		if err != nil {
			continue
		}
		switch kv[0] {
		case "cpu":
			u.CPUPercent = val
		case "mem":
			u.MemPercent = val
		case "storage":
			u.StoragePercent = val
		}
	}
	return u
}

// evaluateUtilization applies the configured CPU/mem/storage thresholds and
// returns the per-metric checks plus the categories they touched.
func evaluateUtilization(u model.Utilization, t config.ThresholdConfig) ([]Check, []string) {
	checks := []Check{
		thresholdCheck("cpu", u.CPUPercent, t.CPUWarnPercent, t.CPUCritPercent, false),
		thresholdCheck("memory", u.MemPercent, t.MemWarnPercent, t.MemCritPercent, false),
		thresholdCheck("storage", u.StoragePercent, t.StorageWarnPercent, t.StorageCritPercent, false),
	}
	categories := map[string]bool{}
	for _, c := range checks {
		if c.Outcome != CheckPass {
			categories["utilization"] = true
		}
	}
	cats := make([]string, 0, len(categories))
	for c := range categories {
		cats = append(cats, c)
	}
	return checks, cats
}

// thresholdCheck evaluates a metric against warn/crit bounds. When
// lowerIsWorse is true (free disk space, e.g.), crossing below the bound
// is the failure direction instead of above it.
func thresholdCheck(name string, value, warn, crit float64, lowerIsWorse bool) Check {
	worse := func(v, bound float64) bool {
		if lowerIsWorse {
			return v < bound
		}
		return v > bound
	}
	switch {
	case worse(value, crit):
		return Check{Name: name, Outcome: CheckFailed, Detail: fmt.Sprintf("%s=%.2f crossed crit=%.2f", name, value, crit)}
	case worse(value, warn):
		return Check{Name: name, Outcome: CheckWarning, Detail: fmt.Sprintf("%s=%.2f crossed warn=%.2f", name, value, warn)}
	default:
		return Check{Name: name, Outcome: CheckPass}
	}
}

// worstOutcome reduces a set of checks to the worst-wins outcome.
func worstOutcome(checks []Check) CheckOutcome {
	worst := CheckPass
	for _, c := range checks {
		if rank(c.Outcome) > rank(worst) {
			worst = c.Outcome
		}
	}
	return worst
}

func rank(o CheckOutcome) int {
	switch o {
	case CheckFailed:
		return 2
	case CheckWarning:
		return 1
	default:
		return 0
	}
}

// levelFromOutcome maps a worst-wins check outcome to a health level:
// any failed -> unhealthy; any warning -> degraded; all pass -> healthy.
func levelFromOutcome(o CheckOutcome) model.HealthLevel {
	switch o {
	case CheckFailed:
		return model.HealthUnhealthy
	case CheckWarning:
		return model.HealthDegraded
	default:
		return model.HealthHealthy
	}
}
