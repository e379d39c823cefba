package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/waste-pickup/internal/dispatch"
	"github.com/example/waste-pickup/internal/geo"
	"github.com/example/waste-pickup/internal/lifecycle"
	"github.com/example/waste-pickup/internal/logging"
	"github.com/example/waste-pickup/internal/matcher"
	"github.com/example/waste-pickup/internal/models"
	"github.com/example/waste-pickup/internal/session"
	"github.com/example/waste-pickup/internal/storage"
)

var testNow = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

type fixture struct {
	srv      *httptest.Server
	store    *storage.MemoryStore
	notReady error
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := logging.Discard()
	store := storage.NewMemoryStore(logger)
	t.Cleanup(func() { store.Close() })

	idx := geo.NewMemoryIndex()
	engine := lifecycle.New(store,
		lifecycle.WithPublisher(geo.Indexing{Index: idx}),
		lifecycle.WithClock(func() time.Time { return testNow }),
		lifecycle.WithLocation(time.UTC),
		lifecycle.WithLogger(logger),
	)
	f := &fixture{store: store}
	srv := NewServer(Deps{
		Engine:   engine,
		Sessions: session.NewProvider(store),
		Matcher:  &matcher.Service{Index: idx, Jobs: store, TopN: 5, Logger: logger},
		WS:       dispatch.NewWSRegistry(engine, dispatch.Options{Location: time.UTC, Logger: logger}),
		Ready: map[string]ReadyCheck{
			"store": func(context.Context) error { return f.notReady },
		},
		Logger: logger,
	})
	f.srv = httptest.NewServer(srv)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path, session string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var rd *bytes.Reader
	if s, ok := body.(string); ok {
		rd = bytes.NewReader([]byte(s))
	} else if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	require.NoError(t, err)
	if session != "" {
		req.Header.Set(SessionHeader, session)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

const draftJSON = `{"name":"Aminah","phoneNumber":"012-345 6789","address":"12 Jalan Ampang",
	"gps":{"lat":"3.1579","lng":101.7116},"pickupTime":"2026-03-10T15:00","bagCount":3}`

func errorKind(body map[string]any) string {
	e, _ := body["error"].(map[string]any)
	k, _ := e["kind"].(string)
	return k
}

func TestJobLifecycleOverHTTP(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPost, "/api/v1/sessions", "", map[string]string{"displayName": "Aminah"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	requester := body["id"].(string)
	require.NotEmpty(t, requester)

	resp, body = f.do(t, http.MethodPost, "/api/v1/jobs", requester, draftJSON)
	require.Equal(t, http.StatusCreated, resp.StatusCode, body)
	id := body["id"].(string)
	job := body["job"].(map[string]any)
	assert.Equal(t, "PENDING", job["status"])
	assert.Equal(t, 30.0, job["totalPrice"])
	assert.Equal(t, 3.1579, job["gps"].(map[string]any)["lat"])

	resp, body = f.do(t, http.MethodPost, "/api/v1/jobs/"+id+"/claim", "collector-x", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "COLLECTING", body["status"])

	resp, body = f.do(t, http.MethodPost, "/api/v1/jobs/"+id+"/claim", "collector-y", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "lost_race", errorKind(body))

	resp, body = f.do(t, http.MethodPost, "/api/v1/jobs/"+id+"/complete", "collector-y", map[string]bool{"success": true})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "forbidden", errorKind(body))

	resp, body = f.do(t, http.MethodPost, "/api/v1/jobs/"+id+"/cancel", "collector-x", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "PENDING", body["status"])

	resp, _ = f.do(t, http.MethodPost, "/api/v1/jobs/"+id+"/claim", "collector-y", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, body = f.do(t, http.MethodPost, "/api/v1/jobs/"+id+"/complete", "collector-y", map[string]bool{"success": true})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "DONE", body["status"])
	assert.Equal(t, "collector-y", body["collectorId"])

	resp, body = f.do(t, http.MethodGet, "/api/v1/stats?requester="+requester+"&collector=collector-y", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1.0, body["done"])
	assert.Equal(t, 30.0, body["earnings"])
	assert.Equal(t, 30.0, body["collector"].(map[string]any)["earned"])
	assert.Equal(t, 1.0, body["requester"].(map[string]any)["completed"])
}

func TestCreateRejectsInvalidDraft(t *testing.T) {
	f := newFixture(t)
	bad := strings.Replace(draftJSON, `"bagCount":3`, `"bagCount":25`, 1)
	resp, body := f.do(t, http.MethodPost, "/api/v1/jobs", "req-1", bad)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "validation", errorKind(body))
	assert.Equal(t, "bagCount", body["error"].(map[string]any)["field"])

	jobs, err := f.store.List(context.Background(), storage.Filter{})
	require.NoError(t, err)
	assert.Empty(t, jobs)

	resp, _ = f.do(t, http.MethodPost, "/api/v1/jobs", "req-1", `{"gps":{"lat":"north"}}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCompleteNeedsOutcome(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodPost, "/api/v1/jobs/whatever/complete", "c1", `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "success", body["error"].(map[string]any)["field"])
}

func TestGetMissingJob(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodGet, "/api/v1/jobs/does-not-exist", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", errorKind(body))
}

func TestListJobsSortedAndFiltered(t *testing.T) {
	f := newFixture(t)
	var ids []string
	for i := 0; i < 3; i++ {
		_, body := f.do(t, http.MethodPost, "/api/v1/jobs", "req-1", draftJSON)
		ids = append(ids, body["id"].(string))
	}
	resp, _ := f.do(t, http.MethodPost, "/api/v1/jobs/"+ids[0]+"/claim", "c1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	_, body := f.do(t, http.MethodGet, "/api/v1/jobs", "", nil)
	jobs := body["jobs"].([]any)
	require.Len(t, jobs, 3)
	got := make([]string, len(jobs))
	for i, j := range jobs {
		got[i] = j.(map[string]any)["id"].(string)
	}
	assert.Equal(t, []string{ids[2], ids[1], ids[0]}, got, "pending newest first, then collecting")

	_, body = f.do(t, http.MethodGet, "/api/v1/jobs?status=collecting", "", nil)
	assert.Len(t, body["jobs"].([]any), 1)

	resp, _ = f.do(t, http.MethodGet, "/api/v1/jobs?status=lost", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestNearby(t *testing.T) {
	f := newFixture(t)
	_, body := f.do(t, http.MethodPost, "/api/v1/jobs", "req-1", draftJSON)
	id := body["id"].(string)

	resp, body := f.do(t, http.MethodGet, "/api/v1/jobs/nearby?lat=3.15&lng=101.71", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	cands := body["candidates"].([]any)
	require.Len(t, cands, 1)
	assert.Equal(t, id, cands[0].(map[string]any)["job"].(map[string]any)["id"])

	resp, _ = f.do(t, http.MethodGet, "/api/v1/jobs/nearby?lat=3.15", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthAndReady(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = f.do(t, http.MethodGet, "/ready", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	f.notReady = errors.New("db down")
	resp, body := f.do(t, http.MethodGet, "/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "db down", body["failed"].(map[string]any)["store"])

	resp, _ = f.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestWebsocketPendingView(t *testing.T) {
	f := newFixture(t)
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws/jobs?view=pending"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	read := func(match func(dispatch.Message) bool) dispatch.Message {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
		for {
			var m dispatch.Message
			require.NoError(t, conn.ReadJSON(&m))
			if match(m) {
				return m
			}
		}
	}
	read(func(m dispatch.Message) bool { return m.Type == "jobs" })

	_, body := f.do(t, http.MethodPost, "/api/v1/jobs", "req-1", draftJSON)
	id := body["id"].(string)
	m := read(func(m dispatch.Message) bool { return m.Type == "jobs" && len(m.Jobs) == 1 })
	assert.Equal(t, id, m.Jobs[0].ID)
	assert.Equal(t, models.StatusPending, m.Jobs[0].Status)

	resp, _ := f.do(t, http.MethodGet, "/ws/jobs?view=requester", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "requester view needs a session")
}

func TestPreflight(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.do(t, http.MethodOptions, "/api/v1/jobs/abc/claim", "", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Headers"), SessionHeader)
}
