package dispatch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/waste-pickup/internal/logging"
	"github.com/example/waste-pickup/internal/models"
	"github.com/example/waste-pickup/internal/storage"
)

func startServer(t *testing.T, reg *WSRegistry) string {
	t.Helper()
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		q := r.URL.Query()
		_ = reg.Serve(context.Background(), conn, View(q.Get("view")), q.Get("user"))
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func readUntil(t *testing.T, conn *websocket.Conn, match func(Message) bool) Message {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		require.NoError(t, conn.SetReadDeadline(deadline))
		var m Message
		require.NoError(t, conn.ReadJSON(&m))
		if match(m) {
			return m
		}
	}
}

func TestSessionStreamsJobsAndCountdowns(t *testing.T) {
	store := storage.NewMemoryStore(logging.Discard())
	defer store.Close()
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	reg := NewWSRegistry(store, Options{
		CountdownEvery: 20 * time.Millisecond,
		Location:       time.UTC,
		Now:            func() time.Time { return now },
		Logger:         logging.Discard(),
	})
	url := startServer(t, reg)

	conn, _, err := websocket.DefaultDialer.Dial(url+"?view=pending", nil)
	require.NoError(t, err)
	defer conn.Close()

	first := readUntil(t, conn, func(m Message) bool { return m.Type == "jobs" })
	assert.Empty(t, first.Jobs)
	assert.Equal(t, ViewPending, first.View)
	assert.Equal(t, 1, reg.Count())

	id, err := store.Create(context.Background(), models.Job{
		RequesterID: "r1", Name: "Aminah", PhoneNumber: "0123456789", Address: "KL",
		PickupTime: "10:30", BagCount: 2, TotalPrice: 20,
	})
	require.NoError(t, err)

	update := readUntil(t, conn, func(m Message) bool { return m.Type == "jobs" && len(m.Jobs) == 1 })
	assert.Equal(t, id, update.Jobs[0].ID)
	require.NotNil(t, update.Stats)
	assert.Equal(t, 1, update.Stats.Pending)

	tick := readUntil(t, conn, func(m Message) bool { return m.Type == "countdown" && len(m.Countdowns) == 1 })
	assert.Equal(t, id, tick.Countdowns[0].JobID)
	assert.Equal(t, 90*time.Minute, tick.Countdowns[0].Left)

	conn.Close()
	require.Eventually(t, func() bool { return reg.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return store.Subscribers() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestUnknownViewIsRefused(t *testing.T) {
	store := storage.NewMemoryStore(logging.Discard())
	defer store.Close()
	reg := NewWSRegistry(store, Options{Logger: logging.Discard()})
	url := startServer(t, reg)

	conn, _, err := websocket.DefaultDialer.Dial(url+"?view=everything", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)
	assert.Equal(t, 0, reg.Count())
}

func TestViewFilters(t *testing.T) {
	f, err := ViewCollectorActive.Filter("c1")
	require.NoError(t, err)
	assert.Equal(t, storage.Filter{CollectorID: "c1", Status: models.StatusCollecting}, f)

	_, err = ViewRequester.Filter("")
	assert.Error(t, err)

	f, err = ViewAll.Filter("")
	require.NoError(t, err)
	assert.Equal(t, storage.Filter{}, f)

	_, err = View("nope").Filter("x")
	assert.ErrorIs(t, err, ErrUnknownView)
}
