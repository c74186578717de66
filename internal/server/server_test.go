package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	goahttp "goa.design/goa/v3/http"

	"seedeep/internal/auth"
	"seedeep/internal/camera"
	"seedeep/internal/database"
	"seedeep/internal/relay"
	"seedeep/internal/services"
	"seedeep/internal/session"
)

type noStreams struct{}

func (noStreams) StopCamera(string) {}
func (noStreams) Running() []string { return nil }

func newTestServer(t *testing.T) (*httptest.Server, *Server) {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "seedeep.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate())

	cameras := camera.NewCameraManager(db, nil)
	sessions := session.NewRegistry(30, 100)
	grab := func(context.Context, string, int, int) ([]byte, error) { return nil, errors.New("offline") }
	resolve := func(id string) (string, error) {
		cam, err := cameras.GetCamera(id)
		if err != nil {
			return "", err
		}
		return cam.StreamURL, nil
	}

	mux := goahttp.NewMuxer()
	srv := New(mux, Options{
		Health:  services.NewHealthService(db, noStreams{}, nil, "none", cameras.AvailableModels()),
		Cameras: services.NewCameraService(cameras, sessions, noStreams{}, grab),
		Auth:    services.NewAuthService(auth.NewAuthenticator(auth.Options{})),
		Relay:   relay.NewHandler(relay.New(relay.Options{}), resolve),
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts, srv
}

func call(t *testing.T, ts *httptest.Server, method, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, ts.URL+path, rd)
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var doc map[string]any
	if len(raw) > 0 && raw[0] == '{' {
		require.NoError(t, json.Unmarshal(raw, &doc))
	}
	return resp, doc
}

func TestCameraLifecycle(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, created := call(t, ts, http.MethodPost, "/api/v1/cameras", `{"name":"Gate","rtsp_url":"rtsp://10.0.0.5/s","selected_classes":["car"]}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	id, _ := created["id"].(string)
	require.NotEmpty(t, id)
	assert.Equal(t, []any{camera.ModelGeneral}, created["active_models"])

	resp, got := call(t, ts, http.MethodGet, "/api/v1/cameras/"+id, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Gate", got["name"])

	resp, patched := call(t, ts, http.MethodPatch, "/api/v1/cameras/"+id, `{"location":"north"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "north", patched["location"])
	assert.Equal(t, "Gate", patched["name"])

	resp, _ = call(t, ts, http.MethodPatch, "/api/v1/cameras/"+id+"/detection-classes", `["fire"]`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, features := call(t, ts, http.MethodPatch, "/api/v1/cameras/"+id+"/features", `{"tracking":true}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, features["features"].(map[string]any)["tracking"])

	resp, calibrated := call(t, ts, http.MethodPost, "/api/v1/cameras/"+id+"/calibrate",
		`{"mode":"reference_object","points":[{"pixel_x":0,"pixel_y":0},{"pixel_x":200,"pixel_y":0,"real_x":1}]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, calibrated["is_calibrated"])
	assert.InDelta(t, 200.0, calibrated["pixels_per_meter"], 1e-9)

	resp, cleared := call(t, ts, http.MethodDelete, "/api/v1/cameras/"+id+"/calibration", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, cleared["success"])

	resp, _ = call(t, ts, http.MethodDelete, "/api/v1/cameras/"+id, "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, missing := call(t, ts, http.MethodGet, "/api/v1/cameras/"+id, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", missing["name"])
	assert.Contains(t, missing["detail"], id)
}

func TestListCameras(t *testing.T) {
	ts, _ := newTestServer(t)
	call(t, ts, http.MethodPost, "/api/v1/cameras/", `{"name":"A"}`)
	call(t, ts, http.MethodPost, "/api/v1/cameras", `{"name":"B"}`)

	for _, path := range []string{"/api/v1/cameras", "/api/v1/cameras/", "/api/v1/cameras?active_only=true"} {
		resp, err := http.Get(ts.URL + path)
		require.NoError(t, err)
		var list []map[string]any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
		assert.Len(t, list, 2, path)
	}

	resp, body := call(t, ts, http.MethodGet, "/api/v1/cameras?active_only=maybe", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_field_type", body["name"])
}

func TestErrorResponses(t *testing.T) {
	ts, _ := newTestServer(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
		errNm  string
	}{
		{name: "missing payload", method: http.MethodPost, path: "/api/v1/cameras", status: http.StatusBadRequest, errNm: "missing_payload"},
		{name: "malformed payload", method: http.MethodPost, path: "/api/v1/cameras", body: `{"name":`, status: http.StatusBadRequest, errNm: "decode_payload"},
		{name: "invalid camera", method: http.MethodPost, path: "/api/v1/cameras", body: `{"name":""}`, status: http.StatusBadRequest, errNm: "bad_request"},
		{name: "unknown calibration", method: http.MethodGet, path: "/api/v1/cameras/nope/calibration", status: http.StatusNotFound, errNm: "not_found"},
		{name: "source offline", method: http.MethodPost, path: "/api/v1/cameras/test-connection", body: `{"rtsp_url":"rtsp://x"}`, status: http.StatusBadRequest, errNm: "bad_request"},
		{name: "auth disabled", method: http.MethodPost, path: "/api/v1/auth/login", body: `{"username":"a","password":"b"}`, status: http.StatusUnauthorized, errNm: "unauthorized"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := call(t, ts, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, tt.errNm, body["name"])
			assert.NotEmpty(t, body["detail"])
		})
	}
}

func TestHealthEndpoints(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, root := call(t, ts, http.MethodGet, "/", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "running", root["status"])

	resp, health := call(t, ts, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", health["status"])
	assert.Equal(t, "none", health["detector"])

	for _, path := range []string{"/healthz", "/readyz"} {
		resp, _ := call(t, ts, http.MethodGet, path, "")
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}

	resp, status := call(t, ts, http.MethodGet, "/api/v1/auth/status", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, status["enabled"])
}

func TestStreamRoutes(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, _ := call(t, ts, http.MethodOptions, "/api/v1/cameras/any/stream", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "GET, OPTIONS", resp.Header.Get("Access-Control-Allow-Methods"))

	resp, body := call(t, ts, http.MethodGet, "/api/v1/cameras/nope/stream", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "Camera nope not found", body["detail"])
}

func TestMounts(t *testing.T) {
	_, srv := newTestServer(t)

	seen := map[string]bool{}
	for _, m := range srv.Mounts {
		seen[m.Verb+" "+m.Pattern] = true
	}
	for _, want := range []string{
		"GET /health",
		"POST /api/v1/cameras",
		"GET /api/v1/cameras/",
		"DELETE /api/v1/cameras/{id}",
		"PATCH /api/v1/cameras/{id}/detection-classes",
		"GET /api/v1/cameras/{id}/frame",
		"OPTIONS /api/v1/cameras/{id}/stream",
	} {
		assert.True(t, seen[want], want)
	}
	assert.False(t, seen["GET /ws/camera/{id}"])
}
