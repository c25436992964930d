package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/labfleet/controlplane/internal/alerts"
	"github.com/labfleet/controlplane/internal/apierr"
	"github.com/labfleet/controlplane/internal/logging"
)

var httpErrNoDashboard = apierr.New(apierr.KindConflict, "no dashboard channel configured", http.StatusConflict)

// handlers holds every dependency a route handler needs. Methods on
// *handlers are kept one-per-file, grouped by the domain component they
// expose.
type handlers struct {
	deps      Dependencies
	dashboard *alerts.DashboardChannel
}

// NewRouter builds the gorilla/mux router exposing every fleet
// operation, a Prometheus scrape endpoint, and the build-log / alert-
// stream websocket upgrades. dashboard may be nil if no DashboardChannel
// was registered with the alert service, in which case /ws/alerts
// responds 409.
func NewRouter(deps Dependencies, dashboard *alerts.DashboardChannel) http.Handler {
	if deps.Logger == nil {
		deps.Logger = logging.Default()
	}
	h := &handlers{deps: deps, dashboard: dashboard}

	r := mux.NewRouter()
	r.Use(requestLogger(deps.Logger))
	r.Use(recoveryMiddleware(deps.Logger))
	r.Use(corsMiddleware())
	r.Use(timeoutMiddleware(60 * time.Second))

	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }).Methods(http.MethodGet)
	r.HandleFunc("/overview", h.overview).Methods(http.MethodGet)

	r.HandleFunc("/assets", h.registerAsset).Methods(http.MethodPost)
	r.HandleFunc("/assets", h.listAssets).Methods(http.MethodGet)
	r.HandleFunc("/assets/{id}", h.getAsset).Methods(http.MethodGet)
	r.HandleFunc("/assets/{id}", h.updateAsset).Methods(http.MethodPatch)
	r.HandleFunc("/assets/{id}", h.decommissionAsset).Methods(http.MethodDelete)
	r.HandleFunc("/assets/{id}/power-cycle", h.powerCycleBoard).Methods(http.MethodPost)
	r.HandleFunc("/assets/{id}/flash", h.flashBoard).Methods(http.MethodPost)

	r.HandleFunc("/select/{kind}", h.selectAsset).Methods(http.MethodPost)
	r.HandleFunc("/select/{kind}/reservations/{reservationID}", h.releaseReservation).Methods(http.MethodDelete)

	r.HandleFunc("/builds", h.submitBuild).Methods(http.MethodPost)
	r.HandleFunc("/builds", h.listBuilds).Methods(http.MethodGet)
	r.HandleFunc("/builds/queue", h.buildQueueStatus).Methods(http.MethodGet)
	r.HandleFunc("/builds/{id}", h.getBuild).Methods(http.MethodGet)
	r.HandleFunc("/builds/{id}/cancel", h.cancelBuild).Methods(http.MethodPost)
	r.HandleFunc("/builds/{id}/retry", h.retryBuild).Methods(http.MethodPost)
	r.HandleFunc("/builds/{id}/logs", h.streamBuildLogs).Methods(http.MethodGet)

	r.HandleFunc("/artifacts", h.listArtifacts).Methods(http.MethodGet)
	r.HandleFunc("/artifacts/{id}", h.getArtifact).Methods(http.MethodGet)
	r.HandleFunc("/artifacts/{id}/tag", h.tagArtifact).Methods(http.MethodPost)
	r.HandleFunc("/artifacts/{id}/untag", h.untagArtifact).Methods(http.MethodPost)
	r.HandleFunc("/artifacts/{id}/pin", h.pinArtifact).Methods(http.MethodPost)
	r.HandleFunc("/artifacts/{id}/unpin", h.unpinArtifact).Methods(http.MethodPost)
	r.HandleFunc("/artifacts/{id}/verify", h.verifyArtifact).Methods(http.MethodPost)

	r.HandleFunc("/deployments/virt", h.deployToVirt).Methods(http.MethodPost)
	r.HandleFunc("/deployments/board", h.deployToBoard).Methods(http.MethodPost)
	r.HandleFunc("/deployments", h.listDeployments).Methods(http.MethodGet)
	r.HandleFunc("/deployments/{id}", h.getDeployment).Methods(http.MethodGet)
	r.HandleFunc("/deployments/{id}/rollback", h.rollbackDeployment).Methods(http.MethodPost)
	r.HandleFunc("/deployments/target/{id}/history", h.deploymentHistory).Methods(http.MethodGet)

	r.HandleFunc("/pipelines", h.createPipeline).Methods(http.MethodPost)
	r.HandleFunc("/pipelines", h.listPipelines).Methods(http.MethodGet)
	r.HandleFunc("/pipelines/stats", h.pipelineStats).Methods(http.MethodGet)
	r.HandleFunc("/pipelines/{id}", h.getPipeline).Methods(http.MethodGet)
	r.HandleFunc("/pipelines/{id}/cancel", h.cancelPipeline).Methods(http.MethodPost)
	r.HandleFunc("/pipelines/{id}/retry", h.retryPipeline).Methods(http.MethodPost)
	r.HandleFunc("/pipelines/{id}/stages/{stage}/can-start", h.canStartPipelineStage).Methods(http.MethodGet)

	r.HandleFunc("/groups", h.createGroup).Methods(http.MethodPost)
	r.HandleFunc("/groups", h.listGroups).Methods(http.MethodGet)
	r.HandleFunc("/groups/members", h.membersByLabels).Methods(http.MethodGet)
	r.HandleFunc("/groups/{id}", h.getGroup).Methods(http.MethodGet)
	r.HandleFunc("/groups/{id}/stats", h.groupStats).Methods(http.MethodGet)
	r.HandleFunc("/groups/{id}/members", h.addGroupMember).Methods(http.MethodPost)
	r.HandleFunc("/groups/{id}/members/{assetID}", h.removeGroupMember).Methods(http.MethodDelete)

	r.HandleFunc("/allocations", h.allocate).Methods(http.MethodPost)
	r.HandleFunc("/allocations/{id}", h.getAllocation).Methods(http.MethodGet)
	r.HandleFunc("/allocations/{id}/release", h.releaseAllocation).Methods(http.MethodPost)

	r.HandleFunc("/alerts", h.listActiveAlerts).Methods(http.MethodGet)
	r.HandleFunc("/alerts/history", h.alertHistory).Methods(http.MethodGet)
	r.HandleFunc("/alerts/{id}/acknowledge", h.acknowledgeAlert).Methods(http.MethodPost)
	r.HandleFunc("/alerts/{id}/resolve", h.resolveAlert).Methods(http.MethodPost)
	r.HandleFunc("/alerts/{id}/recovery-attempt", h.markAlertRecoveryAttempted).Methods(http.MethodPost)

	r.HandleFunc("/ws/alerts", h.streamAlerts).Methods(http.MethodGet)

	return r
}
