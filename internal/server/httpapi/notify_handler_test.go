package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dmitrijs2005/opsportal/internal/logging"
	"github.com/dmitrijs2005/opsportal/internal/server/notify"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotifications_StreamsVisibleEvents(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := notify.NewHub(logging.Nop{})
	go hub.Run(ctx)

	srv := NewServer(":0", Deps{
		Uploads:  &fakeUploads{},
		Storage:  &fakeStorage{},
		Hub:      hub,
		TokenKey: testKey,
	}, logging.Nop{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/notifications/ws?access_token=" + token(t, "U1", "client")
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Count() == 1 }, 2*time.Second, 10*time.Millisecond)

	// not visible to U1, must be skipped
	require.NoError(t, hub.Publish(ctx, notify.Event{Type: notify.EventBatchRecorded, BatchID: "B0", UserID: "U9"}))
	require.NoError(t, hub.Publish(ctx, notify.Event{Type: notify.EventBatchRecorded, BatchID: "B1", UserID: "U9", OwnerID: "U1"}))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var e notify.Event
	require.NoError(t, json.Unmarshal(msg, &e))
	assert.Equal(t, "B1", e.BatchID)
	assert.Equal(t, notify.EventBatchRecorded, e.Type)

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return hub.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestNotifications_RequiresToken(t *testing.T) {
	gin.SetMode(gin.TestMode)
	srv := NewServer(":0", Deps{Hub: fakeHub{}, TokenKey: testKey}, logging.Nop{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/notifications/ws"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
