package alerts

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/labfleet/controlplane/internal/apierr"
	"github.com/labfleet/controlplane/internal/config"
	"github.com/labfleet/controlplane/internal/health"
	"github.com/labfleet/controlplane/internal/logging"
	"github.com/labfleet/controlplane/internal/metrics"
	"github.com/labfleet/controlplane/internal/model"
)

const latencyBudget = 30 * time.Second

// pairKey identifies an (resource-id, category) dedup bucket.
type pairKey struct {
	resourceID string
	category   model.AlertCategory
}

// Service turns degradation events into deduplicated, cooled-down alerts.
// It receives health.DegradationEvent values
// (implementing health.EventSink) and turns them into deduplicated,
// cooled-down, multi-channel-routed Alert records.
type Service struct {
	mu       sync.Mutex
	active   map[pairKey]*model.Alert
	byID     map[string]*model.Alert
	history  []*model.Alert
	lastFire map[pairKey]time.Time

	channels []Channel
	cooldown time.Duration
	maxHist  int
	logger   *logging.Logger

	metrics *metrics.Metrics
}

// SetMetrics attaches a metrics collector; alert firings and successful
// channel deliveries record into it once set.
func (s *Service) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

// New creates an alert Service with the given delivery channels.
func New(cfg *config.Config, channels []Channel, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.Default()
	}
	cooldown := time.Duration(cfg.Alerts.CooldownSeconds) * time.Second
	if cooldown <= 0 {
		cooldown = 5 * time.Minute
	}
	maxHist := cfg.Alerts.MaxHistory
	if maxHist <= 0 {
		maxHist = 10000
	}
	limited := make([]Channel, len(channels))
	for i, ch := range channels {
		limited[i] = newLimitedChannel(ch, cfg.Alerts.ChannelRatePerSecond, cfg.Alerts.ChannelBurst)
	}
	return &Service{
		active:   make(map[pairKey]*model.Alert),
		byID:     make(map[string]*model.Alert),
		lastFire: make(map[pairKey]time.Time),
		channels: limited,
		cooldown: cooldown,
		maxHist:  maxHist,
		logger:   logger,
	}
}

// Emit implements health.EventSink: it maps a degradation event onto
// Generate, inferring a severity from the new health level.
func (s *Service) Emit(ctx context.Context, evt health.DegradationEvent) {
	severity := severityForLevel(evt.NewLevel)
	_, _ = s.Generate(ctx, GenerateRequest{
		ResourceID:   evt.AssetID,
		ResourceKind: evt.ResourceKind,
		Severity:     severity,
		Category:     model.AlertCategory(evt.Category),
		Title:        fmt.Sprintf("%s degraded to %s", evt.AssetID, evt.NewLevel),
		Message:      fmt.Sprintf("health level changed from %s to %s", evt.PreviousLevel, evt.NewLevel),
		DetectedAt:   evt.DetectedAt,
	})
}

func severityForLevel(level model.HealthLevel) model.Severity {
	switch level {
	case model.HealthUnreachable, model.HealthUnhealthy:
		return model.SeverityError
	case model.HealthDegraded:
		return model.SeverityWarning
	default:
		return model.SeverityInfo
	}
}

// GenerateRequest carries the fields needed to generate an Alert.
type GenerateRequest struct {
	ResourceID   string
	ResourceKind model.AssetKind
	Severity     model.Severity
	Category     model.AlertCategory
	Title        string
	Message      string
	DetectedAt   time.Time
}

// Generate creates a new Alert unless an active one already exists for
// the (resource-id, category) pair or the pair is still in cooldown. The
// generation-latency contract (≤30s) is measured and logged on violation.
func (s *Service) Generate(ctx context.Context, req GenerateRequest) (*model.Alert, error) {
	key := pairKey{resourceID: req.ResourceID, category: req.Category}
	now := time.Now()

	s.mu.Lock()
	if existing, ok := s.active[key]; ok {
		s.mu.Unlock()
		return existing, nil // dedup: an active alert for this pair short-circuits
	}
	if last, ok := s.lastFire[key]; ok && now.Sub(last) < s.cooldown {
		s.mu.Unlock()
		return nil, nil // cooldown: suppressed, no alert returned
	}

	alert := &model.Alert{
		ID: uuid.New().String(), ResourceID: req.ResourceID, ResourceKind: req.ResourceKind,
		Severity: req.Severity, Category: req.Category, Status: model.AlertActive,
		Title: req.Title, Message: req.Message, CreatedAt: now, UpdatedAt: now,
		DetectedAt: req.DetectedAt,
	}
	if alert.DetectedAt.IsZero() {
		alert.DetectedAt = now
	}
	alert.GenerationLatency = now.Sub(alert.DetectedAt)

	s.active[key] = alert
	s.byID[alert.ID] = alert
	s.lastFire[key] = now
	s.appendHistoryLocked(alert)
	s.mu.Unlock()

	if alert.GenerationLatency > latencyBudget {
		s.logger.WithContext(ctx).WithFields(map[string]interface{}{
			"alert_id": alert.ID, "latency_ms": alert.GenerationLatency.Milliseconds(),
		}).Warn("alert generation exceeded latency budget")
	}

	if s.metrics != nil {
		s.metrics.RecordAlert(string(alert.Severity))
	}

	s.deliver(ctx, alert)
	return alert, nil
}

// deliver fans an alert out to every registered channel, recording each
// outcome. A failed delivery never rolls back alert creation.
func (s *Service) deliver(ctx context.Context, alert *model.Alert) {
	for _, ch := range s.channels {
		attemptStart := time.Now()
		err := ch.Deliver(ctx, *alert)
		delivery := model.ChannelDelivery{Channel: ch.Name(), Delivered: err == nil, AttemptedAt: time.Now()}
		if err != nil {
			delivery.Error = err.Error()
			s.logger.WithContext(ctx).WithError(err).WithFields(map[string]interface{}{
				"alert_id": alert.ID, "channel": ch.Name(),
			}).Warn("alert delivery failed")
		} else if s.metrics != nil {
			s.metrics.RecordAlertDelivery(ch.Name(), time.Since(attemptStart))
		}
		s.mu.Lock()
		alert.Deliveries = append(alert.Deliveries, delivery)
		s.mu.Unlock()
	}
}

func (s *Service) appendHistoryLocked(alert *model.Alert) {
	s.history = append(s.history, alert)
	if len(s.history) > s.maxHist {
		s.history = s.history[len(s.history)-s.maxHist:]
	}
}

// Acknowledge transitions an active alert to acknowledged.
func (s *Service) Acknowledge(ctx context.Context, alertID, by string) (*model.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	alert, ok := s.byID[alertID]
	if !ok {
		return nil, apierr.NotFound("alert", alertID)
	}
	if alert.Status != model.AlertActive {
		return nil, apierr.Conflict("alert is not active")
	}
	now := time.Now()
	alert.Status = model.AlertAcknowledged
	alert.AcknowledgedAt = &now
	alert.AcknowledgedBy = by
	alert.UpdatedAt = now
	return alert, nil
}

// Resolve transitions an alert to resolved, manually (actor set) or via
// auto-recovery (actor empty).
func (s *Service) Resolve(ctx context.Context, alertID, by string) (*model.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	alert, ok := s.byID[alertID]
	if !ok {
		return nil, apierr.NotFound("alert", alertID)
	}
	return s.resolveLocked(alert, by), nil
}

func (s *Service) resolveLocked(alert *model.Alert, by string) *model.Alert {
	now := time.Now()
	alert.Status = model.AlertResolved
	alert.ResolvedAt = &now
	alert.ResolvedBy = by
	alert.UpdatedAt = now
	delete(s.active, pairKey{resourceID: alert.ResourceID, category: alert.Category})
	return alert
}

// AutoResolveForResource resolves every active connectivity alert for a
// resource once the next probe reports healthy.
func (s *Service) AutoResolveForResource(ctx context.Context, resourceID string) []*model.Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	var resolved []*model.Alert
	for key, alert := range s.active {
		if key.resourceID != resourceID || key.category != model.CategoryConnectivity {
			continue
		}
		resolved = append(resolved, s.resolveLocked(alert, ""))
	}
	return resolved
}

// MarkRecoveryAttempted records that an automated recovery action ran
// against the asset behind an alert. A successful attempt resolves the
// alert the same way a human Resolve call would; a failed attempt leaves
// it active so the next probe or operator can still act on it.
func (s *Service) MarkRecoveryAttempted(ctx context.Context, alertID string, successful bool) (*model.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	alert, ok := s.byID[alertID]
	if !ok {
		return nil, apierr.NotFound("alert", alertID)
	}
	alert.AutoRecoveryAttempted = true
	alert.RecoverySuccessful = successful
	alert.UpdatedAt = time.Now()
	if successful {
		return s.resolveLocked(alert, "auto_recovery"), nil
	}
	return alert, nil
}

// ActiveFilter narrows ActiveWithFilters results.
type ActiveFilter struct {
	ResourceID string
	Severity   model.Severity
	Category   model.AlertCategory
}

// ActiveWithFilters returns currently active alerts matching the filter's
// non-zero fields.
func (s *Service) ActiveWithFilters(filter ActiveFilter) []*model.Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.Alert, 0)
	for _, alert := range s.active {
		if filter.ResourceID != "" && alert.ResourceID != filter.ResourceID {
			continue
		}
		if filter.Severity != "" && alert.Severity != filter.Severity {
			continue
		}
		if filter.Category != "" && alert.Category != filter.Category {
			continue
		}
		out = append(out, alert)
	}
	return out
}

// History returns up to limit of the most recent alerts, newest first.
func (s *Service) History(limit int) []*model.Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit > len(s.history) {
		limit = len(s.history)
	}
	out := make([]*model.Alert, limit)
	for i := 0; i < limit; i++ {
		out[i] = s.history[len(s.history)-1-i]
	}
	return out
}

// CountBySeverity returns the count of active alerts per severity.
func (s *Service) CountBySeverity() map[model.Severity]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[model.Severity]int)
	for _, alert := range s.active {
		out[alert.Severity]++
	}
	return out
}
