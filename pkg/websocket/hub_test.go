package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type hookRecorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *hookRecorder) record(kind string) ConnectionFunc {
	return func(_ context.Context, userID, role string) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.calls = append(r.calls, kind+":"+userID+":"+role)
	}
}

func (r *hookRecorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func startHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	hub := NewHub(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	upgrader := NewUpgrader([]string{"*"}, zap.NewNop())
	r := gin.New()
	r.GET("/ws", func(c *gin.Context) {
		if _, err := upgrader.Connect(c, hub, c.Query("user"), c.Query("role")); err != nil {
			c.Status(http.StatusBadRequest)
		}
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server, user, role string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?user=" + user + "&role=" + role
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) *Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	return &msg
}

func TestHub_SendToUserReachesEveryConnection(t *testing.T) {
	hub, srv := startHub(t)
	first := dial(t, srv, "u-1", "passenger")
	second := dial(t, srv, "u-1", "passenger")
	other := dial(t, srv, "u-2", "driver")

	require.Eventually(t, func() bool { return hub.ClientCount() == 3 }, time.Second, 10*time.Millisecond)

	msg, err := NewMessage("toast", map[string]string{"title": "Driver assigned"})
	require.NoError(t, err)
	assert.True(t, hub.SendToUser("u-1", msg))

	for _, conn := range []*websocket.Conn{first, second} {
		got := readMessage(t, conn)
		assert.Equal(t, "toast", got.Type)
		var data map[string]string
		require.NoError(t, got.Decode(&data))
		assert.Equal(t, "Driver assigned", data["title"])
	}

	require.NoError(t, other.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, _, err = other.ReadMessage()
	assert.Error(t, err, "other users receive nothing")
}

func TestHub_ConnectionHooks(t *testing.T) {
	hub, srv := startHub(t)
	hooks := &hookRecorder{}
	hub.OnConnect(hooks.record("connect"))
	hub.OnDisconnect(hooks.record("disconnect"))

	first := dial(t, srv, "d-1", "driver")
	second := dial(t, srv, "d-1", "driver")
	require.Eventually(t, func() bool { return hub.ClientCount() == 2 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"connect:d-1:driver"}, hooks.snapshot())

	require.NoError(t, first.Close())
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)
	assert.True(t, hub.Connected("d-1"))
	assert.Equal(t, []string{"connect:d-1:driver"}, hooks.snapshot())

	require.NoError(t, second.Close())
	require.Eventually(t, func() bool { return !hub.Connected("d-1") }, time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return len(hooks.snapshot()) == 2 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, "disconnect:d-1:driver", hooks.snapshot()[1])
}

func TestHub_RoutesInboundMessages(t *testing.T) {
	hub, srv := startHub(t)

	hub.RegisterHandler("get_state", func(_ context.Context, client *Client, msg *Message) {
		reply, _ := NewMessage("state", map[string]string{"user": client.UserID, "request_id": msg.RequestID})
		client.SendMessage(reply)
	})
	hub.HandleUnknown(func(_ context.Context, client *Client, msg *Message) {
		reply, _ := NewMessage("error", map[string]string{"unknown": msg.Type})
		client.SendMessage(reply)
	})

	conn := dial(t, srv, "u-9", "passenger")
	require.NoError(t, conn.WriteJSON(Message{Type: "get_state", RequestID: "r-1"}))

	got := readMessage(t, conn)
	assert.Equal(t, "state", got.Type)
	var data map[string]string
	require.NoError(t, got.Decode(&data))
	assert.Equal(t, "u-9", data["user"])
	assert.Equal(t, "r-1", data["request_id"])

	require.NoError(t, conn.WriteJSON(Message{Type: "teleport"}))
	got = readMessage(t, conn)
	assert.Equal(t, "error", got.Type)
}

func TestHub_StopDisconnectsClients(t *testing.T) {
	gin.SetMode(gin.TestMode)
	hub := NewHub(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	upgrader := NewUpgrader(nil, zap.NewNop())
	r := gin.New()
	r.GET("/ws", func(c *gin.Context) { _, _ = upgrader.Connect(c, hub, "u-1", "passenger") })
	srv := httptest.NewServer(r)
	defer srv.Close()

	conn := dial(t, srv, "u-1", "passenger")
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	cancel()
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, time.Second, 10*time.Millisecond)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
}

func TestNewMessage(t *testing.T) {
	msg, err := NewMessage("navigate", map[string]string{"route": "/dashboard"})
	require.NoError(t, err)
	assert.Equal(t, "navigate", msg.Type)
	assert.JSONEq(t, `{"route":"/dashboard"}`, string(msg.Data))
	assert.False(t, msg.Timestamp.IsZero())

	empty, err := NewMessage("get_state", nil)
	require.NoError(t, err)
	var v map[string]string
	assert.NoError(t, empty.Decode(&v))
	assert.Nil(t, v)
}
