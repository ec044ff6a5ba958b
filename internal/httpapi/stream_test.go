package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"billsync/backend/internal/domain"
	"billsync/backend/internal/realtime"
)

type rawEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func dialStream(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// readUntil reads events until match accepts one or the deadline passes.
func readUntil(t *testing.T, conn *websocket.Conn, match func(rawEvent) bool) rawEvent {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var ev rawEvent
		require.NoError(t, conn.ReadJSON(&ev))
		if match(ev) {
			return ev
		}
	}
}

func billsIn(t *testing.T, ev rawEvent) []domain.Bill {
	t.Helper()
	var snap realtime.Snapshot[domain.Bill]
	require.NoError(t, json.Unmarshal(ev.Data, &snap))
	return snap.Items
}

func TestStreamBillsDeliversSnapshotsAndNotifications(t *testing.T) {
	env := newTestEnv(t, Options{})
	srv := httptest.NewServer(env.api.Handler())
	t.Cleanup(srv.Close)

	conn := dialStream(t, srv, "/api/v1/stream/bills")

	first := readUntil(t, conn, func(ev rawEvent) bool { return ev.Type == EventSnapshot })
	assert.Len(t, billsIn(t, first), 3)
	assert.Eventually(t, func() bool { return env.hub.Clients() == 1 }, time.Second, 10*time.Millisecond)

	payload, _ := json.Marshal(map[string]any{"vendor": "Sinar Jaya", "date": "2026-02-01T00:00:00Z"})
	resp, err := http.Post(srv.URL+"/api/v1/bills", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	sawSnapshot, sawNotification := false, false
	readUntil(t, conn, func(ev rawEvent) bool {
		switch ev.Type {
		case EventSnapshot:
			if len(billsIn(t, ev)) == 4 {
				sawSnapshot = true
			}
		case EventNotification:
			var n struct {
				Level string `json:"level"`
				Title string `json:"title"`
			}
			require.NoError(t, json.Unmarshal(ev.Data, &n))
			assert.Equal(t, "success", n.Level)
			assert.Equal(t, "Bill created", n.Title)
			sawNotification = true
		}
		return sawSnapshot && sawNotification
	})

	_ = conn.Close()
	assert.Eventually(t, func() bool { return env.hub.Clients() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestStreamBillProductsEmitsLiveView(t *testing.T) {
	env := newTestEnv(t, Options{})
	srv := httptest.NewServer(env.api.Handler())
	t.Cleanup(srv.Close)

	conn := dialStream(t, srv, "/api/v1/stream/bills/bill-demo-1/products")

	decodeView := func(ev rawEvent) realtime.BillView {
		var v realtime.BillView
		require.NoError(t, json.Unmarshal(ev.Data, &v))
		return v
	}

	first := decodeView(readUntil(t, conn, func(ev rawEvent) bool { return ev.Type == EventView }))
	require.NotNil(t, first.Bill)
	assert.Len(t, first.Products, 2)
	assert.InDelta(t, 990, first.Totals.TotalAmount, 0.001)

	_, err := env.svc.Products.Create(context.Background(), domain.Product{
		BillID: "bill-demo-1", ProductName: "Gula 1kg", MRP: 15, TotalQuantity: 1, TotalAmount: 10,
	})
	require.NoError(t, err)

	readUntil(t, conn, func(ev rawEvent) bool {
		if ev.Type != EventView {
			return false
		}
		v := decodeView(ev)
		return len(v.Products) == 3 && v.Totals.TotalAmount > 999
	})
}

func TestStreamRejectsUnknownBillAndBadQuery(t *testing.T) {
	env := newTestEnv(t, Options{})
	srv := httptest.NewServer(env.api.Handler())
	t.Cleanup(srv.Close)

	base := "ws" + strings.TrimPrefix(srv.URL, "http")

	_, resp, err := websocket.DefaultDialer.Dial(base+"/api/v1/stream/bills/missing/products", nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(base+"/api/v1/stream/bills?sort=colour", nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}
