package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/labfleet/controlplane/internal/alerts"
	"github.com/labfleet/controlplane/internal/artifacts"
	"github.com/labfleet/controlplane/internal/buildqueue"
	"github.com/labfleet/controlplane/internal/config"
	"github.com/labfleet/controlplane/internal/deployment"
	"github.com/labfleet/controlplane/internal/groups"
	"github.com/labfleet/controlplane/internal/health"
	"github.com/labfleet/controlplane/internal/model"
	"github.com/labfleet/controlplane/internal/pipeline"
	"github.com/labfleet/controlplane/internal/registry"
	"github.com/labfleet/controlplane/internal/selector"
	"github.com/labfleet/controlplane/internal/transport"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	reg := registry.New(nil, nil)
	cfg := config.New()
	adapters := transport.NewMockAdapters()
	artifactStore := artifacts.New(cfg, nil)

	dashboard := alerts.NewDashboardChannel(16)
	alertSvc := alerts.New(cfg, []alerts.Channel{dashboard}, nil)

	deps := Dependencies{
		Registry: reg,
		Selectors: Selectors{
			BuildServer: selector.NewBuildServerSelector(reg, cfg),
			VirtHost:    selector.NewVirtHostSelector(reg, cfg),
			Board:       selector.NewBoardSelector(reg, cfg),
		},
		Health:     health.New(reg, adapters, cfg, alertSvc, nil),
		Alerts:     alertSvc,
		BuildQueue: buildqueue.New(reg, selector.NewBuildServerSelector(reg, cfg), adapters, artifactStore, cfg, nil),
		Artifacts:  artifactStore,
		Deployment: deployment.New(reg, adapters, artifactStore, cfg, nil),
		Pipeline:   pipeline.New(cfg, nil),
		Groups:     groups.New(reg, cfg, nil),
		Keyring:    nil,
		Logger:     nil,
	}

	router := NewRouter(deps, dashboard)
	return httptest.NewServer(router)
}

func TestRouter_HealthzAndMetrics(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp2, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusOK, resp2.StatusCode)
}

func TestRouter_AssetLifecycle(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	body, err := json.Marshal(registerAssetRequest{
		ID: "srv1", Kind: model.KindBuildServer, Address: "127.0.0.1",
		Architectures: []string{"arm64"},
		BuildServer:   &model.BuildServerInfo{Status: model.StatusOnline, MaxConcurrentBuilds: 2},
	})
	require.NoError(t, err)

	resp, err := http.Post(srv.URL+"/assets", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp2, err := http.Get(srv.URL + "/assets/srv1")
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusOK, resp2.StatusCode)
	var got model.Asset
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&got))
	require.Equal(t, "srv1", got.ID)

	resp3, err := http.Get(srv.URL + "/assets?kind=" + string(model.KindBuildServer))
	require.NoError(t, err)
	defer resp3.Body.Close()
	require.Equal(t, http.StatusOK, resp3.StatusCode)
	var list []model.Asset
	require.NoError(t, json.NewDecoder(resp3.Body).Decode(&list))
	require.Len(t, list, 1)

	resp4, err := http.Get(srv.URL + "/overview")
	require.NoError(t, err)
	defer resp4.Body.Close()
	require.Equal(t, http.StatusOK, resp4.StatusCode)
	var ov overviewResponse
	require.NoError(t, json.NewDecoder(resp4.Body).Decode(&ov))
	require.Equal(t, 1, ov.TotalAssets)
	require.Equal(t, 1, ov.ByKind[model.KindBuildServer])
}

func TestRouter_RegisterAsset_RejectsUnknownFields(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/assets", "application/json", bytes.NewReader([]byte(`{"id":"x","bogus":true}`)))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRouter_AlertStream_ConflictWithoutDashboard(t *testing.T) {
	reg := registry.New(nil, nil)
	cfg := config.New()
	adapters := transport.NewMockAdapters()
	artifactStore := artifacts.New(cfg, nil)
	alertSvc := alerts.New(cfg, nil, nil)

	deps := Dependencies{
		Registry: reg,
		Selectors: Selectors{
			BuildServer: selector.NewBuildServerSelector(reg, cfg),
			VirtHost:    selector.NewVirtHostSelector(reg, cfg),
			Board:       selector.NewBoardSelector(reg, cfg),
		},
		Health:     health.New(reg, adapters, cfg, alertSvc, nil),
		Alerts:     alertSvc,
		BuildQueue: buildqueue.New(reg, selector.NewBuildServerSelector(reg, cfg), adapters, artifactStore, cfg, nil),
		Artifacts:  artifactStore,
		Deployment: deployment.New(reg, adapters, artifactStore, cfg, nil),
		Pipeline:   pipeline.New(cfg, nil),
		Groups:     groups.New(reg, cfg, nil),
	}
	router := NewRouter(deps, nil)
	srv := httptest.NewServer(router)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/ws/alerts")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusConflict, resp.StatusCode)
}
