package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/pharmaverif/rebate-engine/store/sqlite"
)

func newTestRouter(t *testing.T) (http.Handler, func(tenant string) string) {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	router := NewRouter(NewHandler(store), testSecret)
	tokenFor := func(tenant string) string {
		return signToken(t, jwt.MapClaims{
			"tenant_id": tenant,
			"exp":       time.Now().Add(time.Hour).Unix(),
		})
	}
	return router, tokenFor
}

func doJSON(t *testing.T, router http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestLaboratoryCreateAndList(t *testing.T) {
	router, tokenFor := newTestRouter(t)
	token := tokenFor("tenant-a")

	rec := doJSON(t, router, http.MethodPost, "/api/v1/laboratories", token, CreateLaboratoryRequest{Name: "Labo Test"})
	require.Equal(t, http.StatusCreated, rec.Code)

	var created LaboratoryDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NotEmpty(t, created.ID)
	require.Equal(t, "Labo Test", created.Name)

	rec = doJSON(t, router, http.MethodGet, "/api/v1/laboratories", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []LaboratoryDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
}

func TestAgreement_CrossTenantAccessReturnsNotFound(t *testing.T) {
	router, tokenFor := newTestRouter(t)
	tokenA := tokenFor("tenant-a")
	tokenB := tokenFor("tenant-b")

	labRec := doJSON(t, router, http.MethodPost, "/api/v1/laboratories", tokenA, CreateLaboratoryRequest{Name: "Labo A"})
	var lab LaboratoryDTO
	require.NoError(t, json.Unmarshal(labRec.Body.Bytes(), &lab))

	agrRec := doJSON(t, router, http.MethodPost, "/api/v1/rebate/agreements", tokenA, CreateAgreementRequest{
		LaboratoryID: lab.ID,
		Start:        time.Now().UTC(),
	})
	require.Equal(t, http.StatusCreated, agrRec.Code)
	var agr AgreementDTO
	require.NoError(t, json.Unmarshal(agrRec.Body.Bytes(), &agr))

	// A cross-tenant load must surface as 404, not 403, so a caller probing
	// another tenant's IDs cannot distinguish "exists, not yours" from
	// "doesn't exist".
	rec := doJSON(t, router, http.MethodGet, "/api/v1/rebate/agreements/"+agr.ID, tokenB, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	var errBody ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errBody))
	require.Equal(t, "cross_tenant_access", errBody.Error)
}

func TestAgreement_ActivateThenGetActive(t *testing.T) {
	router, tokenFor := newTestRouter(t)
	token := tokenFor("tenant-a")

	labRec := doJSON(t, router, http.MethodPost, "/api/v1/laboratories", token, CreateLaboratoryRequest{Name: "Labo A"})
	var lab LaboratoryDTO
	require.NoError(t, json.Unmarshal(labRec.Body.Bytes(), &lab))

	agrRec := doJSON(t, router, http.MethodPost, "/api/v1/rebate/agreements", token, CreateAgreementRequest{
		LaboratoryID: lab.ID,
		Start:        time.Now().UTC(),
	})
	var agr AgreementDTO
	require.NoError(t, json.Unmarshal(agrRec.Body.Bytes(), &agr))

	rec := doJSON(t, router, http.MethodGet, "/api/v1/rebate/agreements/active/"+lab.ID, token, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/api/v1/rebate/agreements/"+agr.ID+"/activate", token, ActivateAgreementRequest{UserID: "tester"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/api/v1/rebate/agreements/active/"+lab.ID, token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var active AgreementDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &active))
	require.Equal(t, agr.ID, active.ID)
	require.Equal(t, "active", active.Statut)
}

func TestSchedule_NotFound(t *testing.T) {
	router, tokenFor := newTestRouter(t)
	token := tokenFor("tenant-a")

	rec := doJSON(t, router, http.MethodGet, "/api/v1/invoices-labo/missing-invoice/schedule", token, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	var errBody ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errBody))
	require.Equal(t, "schedule_not_found", errBody.Error)
}

func TestScenario_LoadAndListReflectsTenant(t *testing.T) {
	router, tokenFor := newTestRouter(t)
	token := tokenFor("tenant-a")

	rec := doJSON(t, router, http.MethodPost, "/api/v1/scenarios/load", token, map[string]string{"scenario_id": "simple-tiered"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/api/v1/laboratories", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var labs []LaboratoryDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &labs))
	require.Len(t, labs, 1)

	rec = doJSON(t, router, http.MethodGet, "/api/v1/scenarios/current", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var current ScenarioDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &current))
	require.Equal(t, "simple-tiered", current.ID)
}

func TestHealthz_UnauthenticatedOK(t *testing.T) {
	router, _ := newTestRouter(t)
	rec := doJSON(t, router, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}
