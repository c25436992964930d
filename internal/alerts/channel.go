// Package alerts implements deduplicated, cooled-down alert
// generation from health-degradation events, fanned out to delivery
// channels with a bounded generation-latency contract.
package alerts

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/labfleet/controlplane/internal/model"
)

// Channel is a registered alert delivery target (dashboard, email,
// webhook, chat). Delivery is best-effort: a failed delivery never rolls
// back alert creation.
type Channel interface {
	Name() string
	Deliver(ctx context.Context, alert model.Alert) error
}

// limitedChannel wraps a Channel with a token-bucket limiter so one noisy
// resource cannot starve delivery to the rest of the fleet (grounded on
// infrastructure/ratelimit's rate.Limiter wrapping pattern).
type limitedChannel struct {
	inner   Channel
	limiter *rate.Limiter
}

func newLimitedChannel(inner Channel, perSecond float64, burst int) *limitedChannel {
	if perSecond <= 0 {
		perSecond = 5
	}
	if burst <= 0 {
		burst = 10
	}
	return &limitedChannel{inner: inner, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (c *limitedChannel) Name() string { return c.inner.Name() }

func (c *limitedChannel) Deliver(ctx context.Context, alert model.Alert) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	return c.inner.Deliver(ctx, alert)
}

// DashboardChannel is an in-memory channel that just records delivered
// alerts, standing in for a real dashboard push feed.
type DashboardChannel struct {
	delivered chan model.Alert
}

// NewDashboardChannel returns a channel with a small internal buffer; a
// slow/absent reader does not block alert generation since sends are
// non-blocking — a full buffer drops the alert rather than blocking.
func NewDashboardChannel(buffer int) *DashboardChannel {
	if buffer <= 0 {
		buffer = 256
	}
	return &DashboardChannel{delivered: make(chan model.Alert, buffer)}
}

func (d *DashboardChannel) Name() string { return "dashboard" }

func (d *DashboardChannel) Deliver(ctx context.Context, alert model.Alert) error {
	select {
	case d.delivered <- alert:
	default:
		// buffer full: dashboard delivery is best-effort, the incoming alert is dropped.
	}
	return nil
}

// Delivered exposes the buffered channel for subscribers (e.g. the HTTP
// boundary's websocket bridge).
func (d *DashboardChannel) Delivered() <-chan model.Alert { return d.delivered }

// WebhookFunc adapts a plain function into a Channel, used for the
// email/webhook/chat channels, which all reduce to "POST this payload
// somewhere" at the core's level of abstraction.
type WebhookFunc struct {
	ChannelName string
	Send        func(ctx context.Context, alert model.Alert) error
}

func (w WebhookFunc) Name() string { return w.ChannelName }

func (w WebhookFunc) Deliver(ctx context.Context, alert model.Alert) error {
	if w.Send == nil {
		return nil
	}
	return w.Send(ctx, alert)
}
