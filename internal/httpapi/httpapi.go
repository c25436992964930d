// Package httpapi is the HTTP boundary: it exposes every fleet operation
// over REST, streams build logs and live alerts over websocket, and
// serves a Prometheus scrape endpoint. It is the only place in the repo
// that seals Asset.CredentialRef (on asset register and update), keeping
// internal/registry free of crypto concerns. Nothing in the repo opens a
// sealed reference; adapters receive the stored value as is.
package httpapi

import (
	"github.com/labfleet/controlplane/internal/alerts"
	"github.com/labfleet/controlplane/internal/artifacts"
	"github.com/labfleet/controlplane/internal/buildqueue"
	"github.com/labfleet/controlplane/internal/deployment"
	"github.com/labfleet/controlplane/internal/groups"
	"github.com/labfleet/controlplane/internal/health"
	"github.com/labfleet/controlplane/internal/logging"
	"github.com/labfleet/controlplane/internal/pipeline"
	"github.com/labfleet/controlplane/internal/registry"
	"github.com/labfleet/controlplane/internal/secretenc"
	"github.com/labfleet/controlplane/internal/selector"
	"github.com/labfleet/controlplane/internal/transport"
)

// Selectors bundles the three selector instances, one per asset kind.
type Selectors struct {
	BuildServer *selector.Selector
	VirtHost    *selector.Selector
	Board       *selector.Selector
}

// Dependencies wires every domain service into the HTTP boundary. Handler
// construction takes this struct rather than a dozen positional
// parameters.
type Dependencies struct {
	Registry   *registry.Registry
	Selectors  Selectors
	Health     *health.Engine
	Alerts     *alerts.Service
	BuildQueue *buildqueue.Service
	Artifacts  *artifacts.Store
	Deployment *deployment.Service
	Pipeline   *pipeline.Service
	Groups     *groups.Service
	Adapters   transport.Adapters // used directly for standalone board power-cycle/flash
	Keyring    *secretenc.Keyring // nil disables credential-ref sealing
	Logger     *logging.Logger
}
