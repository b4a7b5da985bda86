package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ereuse/workbench-server/internal/config"
	"github.com/ereuse/workbench-server/internal/server/middleware"
	"github.com/ereuse/workbench-server/pkg/deliver"
	"github.com/ereuse/workbench-server/pkg/snapshot"
	"github.com/ereuse/workbench-server/pkg/usbreg"
)

type testServer struct {
	*Server
	store   *snapshot.Store
	conn    *deliver.Connection
	sub     *deliver.Submitter
	handler http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	dir := t.TempDir()
	archive, err := snapshot.NewArchive(dir)
	require.NoError(t, err)

	store := snapshot.NewStore()
	conn := deliver.NewConnection(dir)
	settings := config.NewSettings(dir)
	sub := deliver.New(store, archive, conn, settings.LinkRequired,
		deliver.Config{Backoff: 10 * time.Millisecond, Timeout: time.Second}, nil)
	sub.Start(context.Background())
	t.Cleanup(sub.Stop)

	srv := New("127.0.0.1", 0, Deps{
		Version:   "test",
		Store:     store,
		Submitter: sub,
		Conn:      conn,
		Settings:  settings,
		USBs:      usbreg.New(time.Minute),
		ImagesDir: dir,
	})
	return &testServer{Server: srv, store: store, conn: conn, sub: sub, handler: srv.Handler()}
}

func (ts *testServer) do(t *testing.T, method, path, body string, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func TestServer_NotFoundEnvelope(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/does-not-exist", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	var body middleware.ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, middleware.CodeNotFound, body.Error.Code)
}

func TestServer_MethodNotAllowed(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPut, "/info", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	var body middleware.ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, middleware.CodeMethodNotAllowed, body.Error.Code)
}

func TestServer_Port(t *testing.T) {
	ts := newTestServer(t)
	assert.Equal(t, 0, ts.Port())
}

func TestSnapshots_PatchValidation(t *testing.T) {
	ts := newTestServer(t)

	t.Run("BadUUID", func(t *testing.T) {
		rec := ts.do(t, http.MethodPatch, "/snapshots/not-a-uuid", "{}", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("GarbageBody", func(t *testing.T) {
		rec := ts.do(t, http.MethodPatch, "/snapshots/"+uuid.NewString(), "{not json", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		var body middleware.ErrorResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
		assert.Equal(t, middleware.CodeValidation, body.Error.Code)
	})

	t.Run("FirstReportWithoutDevice", func(t *testing.T) {
		id := uuid.NewString()
		rec := ts.do(t, http.MethodPatch, "/snapshots/"+id, `{"closed": true}`, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		// The rejected first report must not leave a record behind.
		rec = ts.do(t, http.MethodGet, "/snapshots/"+id, "", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("UUIDMismatch", func(t *testing.T) {
		rec := ts.do(t, http.MethodPatch, "/snapshots/"+uuid.NewString(),
			fmt.Sprintf(`{"uuid": %q, "device": {"type": "Computer"}}`, uuid.NewString()), nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestSnapshots_GetStripsControlFields(t *testing.T) {
	ts := newTestServer(t)
	id := uuid.NewString()

	rec := ts.do(t, http.MethodPatch, "/snapshots/"+id,
		`{"device": {"type": "Computer", "manufacturer": "Acme", "model": "T1", "serialNumber": "s1"},
		  "_phase": "Benchmark", "expectedEvents": ["Benchmark", "EraseBasic"]}`, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = ts.do(t, http.MethodGet, "/snapshots/"+id, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var view map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&view))
	assert.Equal(t, id, view["uuid"])
	assert.NotContains(t, view, "_phase")
	assert.NotContains(t, view, "_actualPhase")
	assert.NotContains(t, view, "_linked")
	// The server stamps its own date.
	assert.Contains(t, view, "date")
}

func TestSnapshots_ModeFillsExpectedEvents(t *testing.T) {
	ts := newTestServer(t)
	id := uuid.NewString()

	rec := ts.do(t, http.MethodPatch, "/snapshots/"+id,
		`{"device": {"type": "Computer"}, "mode": "Erase"}`, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = ts.do(t, http.MethodGet, "/snapshots/"+id, "", nil)
	var view map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&view))
	assert.NotEmpty(t, view["expectedEvents"], "mode should expand into a phase sequence")
}

func TestInfo_AnnouncesDevicehubAndLists(t *testing.T) {
	ts := newTestServer(t)

	// A workbench session in progress.
	id := uuid.NewString()
	rec := ts.do(t, http.MethodPatch, "/snapshots/"+id,
		`{"device": {"type": "Computer"}, "_phase": "Benchmark"}`, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	// A plugged pen drive.
	rec = ts.do(t, http.MethodPost, "/usbs/usb-kingston-1", `{"hid": "usb-kingston-1"}`, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = ts.do(t, http.MethodGet, "/info/?devicehub=http://dh.example.org&db=acme", "",
		map[string]string{"Authorization": "Basic dG9r"})
	require.Equal(t, http.StatusOK, rec.Code)

	var info struct {
		Snapshots []map[string]any `json:"snapshots"`
		USBs      []map[string]any `json:"usbs"`
		Attempts  int              `json:"attempts"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&info))
	require.Len(t, info.Snapshots, 1)
	assert.Equal(t, id, info.Snapshots[0]["uuid"])
	assert.Contains(t, info.Snapshots[0], "_actualPhase")
	require.Len(t, info.USBs, 1)
	assert.Equal(t, "usb-kingston-1", info.USBs[0]["hid"])

	target, ok := ts.conn.Target()
	require.True(t, ok, "/info announcement must configure the connection")
	assert.Equal(t, "http://dh.example.org", target.Base)
	assert.Equal(t, "acme", target.DB)
	assert.Equal(t, "Basic dG9r", target.AuthHeader())

	// The legacy spelling of the query param still works.
	rec = ts.do(t, http.MethodGet, "/info/?device-hub=http://dh2.example.org&db=beta", "",
		map[string]string{"Authorization": "Basic dG9r"})
	require.Equal(t, http.StatusOK, rec.Code)
	target, _ = ts.conn.Target()
	assert.Equal(t, "http://dh2.example.org", target.Base)
}

func TestUSBs_PlugUnplug(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/usbs/usb-a", `{"hid": "usb-a", "size": 8}`, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = ts.do(t, http.MethodDelete, "/usbs/usb-a", "", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = ts.do(t, http.MethodGet, "/info", "", nil)
	var info struct {
		USBs []map[string]any `json:"usbs"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&info))
	assert.Empty(t, info.USBs)
}

func TestSettings_RoundTrip(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/settings/", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodPost, "/settings/",
		`{"smart": "short", "erase": "EraseSectors", "link": false}`, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = ts.do(t, http.MethodGet, "/settings", "", nil)
	var wb config.Workbench
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&wb))
	assert.Equal(t, "short", wb.Smart)
	assert.False(t, wb.LinkRequired())
}

func TestHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var health map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&health))
	assert.Equal(t, "ok", health["status"])

	rec = ts.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "workbench_")
}

// TestFullSession walks a refurbishment session end to end: partial reports
// merge, the session closes, the operator links a tag, and the finished
// snapshot lands on a (mocked) DeviceHub.
func TestFullSession(t *testing.T) {
	ts := newTestServer(t)

	var mu sync.Mutex
	var received []map[string]any
	dh := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var doc map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&doc))
		mu.Lock()
		received = append(received, doc)
		mu.Unlock()
		assert.Equal(t, "Basic dG9r", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id": "dh-snapshot-1"}`))
	}))
	defer dh.Close()

	// DeviceHub client announces itself.
	rec := ts.do(t, http.MethodGet, "/info/?devicehub="+dh.URL+"&db=acme", "",
		map[string]string{"Authorization": "Basic dG9r"})
	require.Equal(t, http.StatusOK, rec.Code)

	id := uuid.NewString()

	// First report: device identity plus the planned phases.
	rec = ts.do(t, http.MethodPatch, "/snapshots/"+id, fmt.Sprintf(`{
		"uuid": %q,
		"device": {"type": "Computer", "manufacturer": "Acme", "model": "T420", "serialNumber": "SN-9"},
		"expectedEvents": ["Benchmark", "EraseBasic"],
		"_phase": ""
	}`, id), nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	// Progress reports with phase results.
	rec = ts.do(t, http.MethodPatch, "/snapshots/"+id, `{
		"device": {"actions": [{"type": "Benchmark", "rate": 14.8}]},
		"_phase": "Benchmark"
	}`, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = ts.do(t, http.MethodPatch, "/snapshots/"+id, `{
		"device": {"actions": [{"type": "EraseBasic", "steps": 1}]},
		"_phase": "EraseBasic",
		"closed": true
	}`, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	// Closed but unlinked: nothing may reach DeviceHub yet.
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	require.Empty(t, received)
	mu.Unlock()

	rec = ts.do(t, http.MethodGet, "/info", "", nil)
	var info struct {
		Snapshots []map[string]any `json:"snapshots"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&info))
	require.Len(t, info.Snapshots, 1)
	assert.Equal(t, "Link", info.Snapshots[0]["_actualPhase"])

	// The operator links a tag from the DeviceHub client.
	rec = ts.do(t, http.MethodPatch, "/snapshots/"+id,
		`{"device": {"tags": [{"id": "tag-77"}]}}`, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	doc := received[0]
	mu.Unlock()
	assert.Equal(t, id, doc["uuid"])
	assert.NotContains(t, doc, "_phase")
	assert.NotContains(t, doc, "_linked")
	assert.NotContains(t, doc, "_saved")

	// The record now carries the DeviceHub id and counts as uploaded.
	require.Eventually(t, func() bool {
		rec := ts.do(t, http.MethodGet, "/info", "", nil)
		var info struct {
			Snapshots []map[string]any `json:"snapshots"`
			Attempts  int              `json:"attempts"`
		}
		if err := json.NewDecoder(rec.Body).Decode(&info); err != nil || len(info.Snapshots) != 1 {
			return false
		}
		return info.Snapshots[0]["_uploaded"] == "dh-snapshot-1" && info.Attempts >= 1
	}, 2*time.Second, 5*time.Millisecond)

	// A duplicate closing report must not trigger a second delivery.
	rec = ts.do(t, http.MethodPatch, "/snapshots/"+id, `{"closed": true}`, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	assert.Len(t, received, 1)
	mu.Unlock()
}
