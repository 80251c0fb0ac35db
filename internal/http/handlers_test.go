package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/service-dispatch/internal/config"
	"github.com/example/service-dispatch/internal/dispatch"
	"github.com/example/service-dispatch/internal/logging"
	"github.com/example/service-dispatch/internal/matcher"
	"github.com/example/service-dispatch/internal/models"
	"github.com/example/service-dispatch/internal/registry"
	"github.com/example/service-dispatch/internal/stats"
	"github.com/example/service-dispatch/internal/storage"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	store := storage.NewMemoryStore()
	reg := registry.NewMemory()
	coord := &dispatch.Coordinator{Store: store, Declines: store, Registry: reg}
	m := &matcher.Service{Store: store, Declines: store, DefaultRadiusKm: 20}
	agg := &stats.Aggregator{Store: store, Registry: reg}
	cfg, err := config.LoadServerConfig()
	require.NoError(t, err)
	return NewServer(cfg, logging.NewLogger("error"), coord, m, reg, agg, nil)
}

func doJSON(t *testing.T, s *Server, method, path, actorID string, role models.Role, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if actorID != "" {
		req.Header.Set(headerActorID, actorID)
		req.Header.Set(headerActorRole, string(role))
	}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func TestRequestLifecycleOverHTTP(t *testing.T) {
	s := newTestServer(t)

	// worker comes online near the job site
	rec := doJSON(t, s, http.MethodPost, "/api/v1/workers/availability", "w1", models.RoleWorker,
		`{"available":true,"location":{"lat":51.5,"lon":-0.1}}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doJSON(t, s, http.MethodPost, "/api/v1/requests", "cust1", models.RoleCustomer,
		`{"title":"burst pipe","priority":"emergency","location":{"lat":51.51,"lon":-0.1}}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created models.ServiceRequest
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, models.StatusPending, created.Status)

	rec = doJSON(t, s, http.MethodGet, "/api/v1/requests/nearby?lat=51.5&lon=-0.1", "w1", models.RoleWorker, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var candidates []matcher.Candidate
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &candidates))
	require.Len(t, candidates, 1)
	assert.Equal(t, created.ID, candidates[0].Request.ID)

	for _, step := range []string{"accept", "start", "complete"} {
		rec = doJSON(t, s, http.MethodPost, fmt.Sprintf("/api/v1/requests/%s/%s", created.ID, step), "w1", models.RoleWorker, "")
		require.Equal(t, http.StatusOK, rec.Code, "step %s: %s", step, rec.Body.String())
	}

	var final models.ServiceRequest
	rec = doJSON(t, s, http.MethodGet, "/api/v1/requests/"+created.ID, "cust1", models.RoleCustomer, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &final))
	assert.Equal(t, models.StatusCompleted, final.Status)
}

func TestErrorMapping(t *testing.T) {
	s := newTestServer(t)
	makeWorker := func(id string) {
		rec := doJSON(t, s, http.MethodPost, "/api/v1/workers/availability", id, models.RoleWorker,
			`{"available":true,"location":{"lat":51.5,"lon":-0.1}}`)
		require.Equal(t, http.StatusOK, rec.Code)
	}
	makeWorker("w1")
	makeWorker("w2")

	rec := doJSON(t, s, http.MethodPost, "/api/v1/requests", "cust1", models.RoleCustomer,
		`{"title":"fuse box","location":{"lat":51.5,"lon":-0.1}}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var created models.ServiceRequest
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	// unknown request -> 404
	rec = doJSON(t, s, http.MethodPost, "/api/v1/requests/ghost/accept", "w1", models.RoleWorker, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// losing the race -> 409
	rec = doJSON(t, s, http.MethodPost, "/api/v1/requests/"+created.ID+"/accept", "w1", models.RoleWorker, "")
	require.Equal(t, http.StatusOK, rec.Code)
	rec = doJSON(t, s, http.MethodPost, "/api/v1/requests/"+created.ID+"/accept", "w2", models.RoleWorker, "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	// wrong actor -> 403
	rec = doJSON(t, s, http.MethodPost, "/api/v1/requests/"+created.ID+"/start", "w2", models.RoleWorker, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// wrong state -> 422
	rec = doJSON(t, s, http.MethodPost, "/api/v1/requests/"+created.ID+"/complete", "w1", models.RoleWorker, "")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	// no identity -> 401
	rec = doJSON(t, s, http.MethodPost, "/api/v1/requests/"+created.ID+"/start", "", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdminMetricsRequiresAdmin(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s, http.MethodGet, "/api/v1/admin/metrics", "w1", models.RoleWorker, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doJSON(t, s, http.MethodGet, "/api/v1/admin/metrics", "admin1", models.RoleAdmin, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var snap stats.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.False(t, snap.GeneratedAt.IsZero())
}

func TestCreateRequiresCustomerRole(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s, http.MethodPost, "/api/v1/requests", "w1", models.RoleWorker,
		`{"title":"nope","location":{"lat":0,"lon":0}}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
