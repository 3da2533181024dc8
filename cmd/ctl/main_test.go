package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devghori1264/greenops/internal/models"
)

type recorded struct {
	method string
	path   string
	query  string
	auth   string
	body   map[string]interface{}
}

func fakeAPI(t *testing.T) (*httptest.Server, *[]recorded) {
	t.Helper()
	var calls []recorded
	r := mux.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			rec := recorded{method: req.Method, path: req.URL.Path, query: req.URL.RawQuery, auth: req.Header.Get("Authorization")}
			if req.Body != nil {
				_ = json.NewDecoder(req.Body).Decode(&rec.body)
			}
			calls = append(calls, rec)
			next.ServeHTTP(w, req)
		})
	})
	writeJSON := func(w http.ResponseWriter, code int, v interface{}) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(v)
	}
	r.HandleFunc("/ping", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"msg": "pong"})
	})
	r.HandleFunc("/api/v1/machines", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{"machines": []models.Machine{
			{ID: "m-1", Hostname: "lab-pc-01", MACAddress: "aa:bb:cc:00:00:01", Status: models.StatusIdle, EnergyKWh: 1.25},
		}})
	}).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/machines/{id}/commands", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusCreated, models.Command{
			ID: "c-1", MachineID: "m-1", Status: models.CommandPending,
			ExpiresAt: time.Date(2025, 3, 1, 9, 2, 0, 0, time.UTC),
		})
	}).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/machines/{id}", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "machine not found", "code": "NOT_FOUND"})
	}).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/sweep", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]int{"machines_offline": 2, "commands_expired": 1})
	}).Methods(http.MethodPost)

	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)
	return ts, &calls
}

func execute(t *testing.T, ts *httptest.Server, args ...string) (string, error) {
	t.Helper()
	v.Set("server", ts.URL)
	v.Set("token", "operator-token")
	t.Cleanup(func() { outputJSON = false })

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestPing(t *testing.T) {
	ts, calls := fakeAPI(t)
	out, err := execute(t, ts, "ping")
	require.NoError(t, err)
	assert.Equal(t, "pong\n", out)
	require.Len(t, *calls, 1)
	assert.Equal(t, "Bearer operator-token", (*calls)[0].auth)
}

func TestMachinesList(t *testing.T) {
	ts, calls := fakeAPI(t)
	out, err := execute(t, ts, "machines", "list", "--status", "idle", "--limit", "5")
	require.NoError(t, err)
	assert.Contains(t, out, "lab-pc-01")
	assert.Contains(t, out, "1.250")
	require.Len(t, *calls, 1)
	assert.Equal(t, "limit=5&status=idle", (*calls)[0].query)
}

func TestShutdownSendsThreshold(t *testing.T) {
	ts, calls := fakeAPI(t)
	out, err := execute(t, ts, "shutdown", "m-1", "--threshold", "30", "--notes", "after lab")
	require.NoError(t, err)
	assert.Contains(t, out, "command c-1 pending")

	require.Len(t, *calls, 1)
	c := (*calls)[0]
	assert.Equal(t, http.MethodPost, c.method)
	assert.Equal(t, "/api/v1/machines/m-1/commands", c.path)
	assert.EqualValues(t, 30, c.body["idle_threshold_minutes"])
	assert.Equal(t, "after lab", c.body["notes"])
}

func TestSweep(t *testing.T) {
	ts, _ := fakeAPI(t)
	out, err := execute(t, ts, "sweep")
	require.NoError(t, err)
	assert.Equal(t, "2 machine(s) marked offline, 1 command(s) expired\n", out)
}

func TestAPIErrorCarriesCode(t *testing.T) {
	ts, _ := fakeAPI(t)
	err := newAPIClient(ts.URL+"/", "x").get(machinePath("missing"), nil, &models.Machine{})
	var apiErr *apiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
	assert.Equal(t, "NOT_FOUND", apiErr.Code)
	assert.Equal(t, "machine not found (404 NOT_FOUND)", apiErr.Error())
}

func TestMachinePathEscapes(t *testing.T) {
	assert.Equal(t, "/api/v1/machines/a%2Fb/tokens/revoke", machinePath("a/b", "tokens", "revoke"))
}
