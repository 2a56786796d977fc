package websocket

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoServer 回显收到的文本帧
func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{
		Subprotocols: []string{"ocpp1.6"},
	}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			messageType, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(messageType, data); err != nil {
				return
			}
		}
	}))
}

// waitFor 轮询直到条件成立或超时
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}

func TestClient_ConnectSendReceive(t *testing.T) {
	server := echoServer(t)
	defer server.Close()

	config := DefaultConfig()
	config.URL = "ws" + strings.TrimPrefix(server.URL, "http")
	client := NewClient(config, nil)
	client.Start()
	defer client.Stop()

	require.True(t, waitFor(t, 5*time.Second, client.IsConnected))
	assert.True(t, client.IsOnline())

	require.True(t, client.Send(`[2,"m1","Heartbeat",{}]`))

	var received []string
	require.True(t, waitFor(t, 5*time.Second, func() bool {
		client.Receive(func(text string) { received = append(received, text) })
		return len(received) > 0
	}))
	assert.Equal(t, `[2,"m1","Heartbeat",{}]`, received[0])
}

func TestClient_SendFailsWhenDisconnected(t *testing.T) {
	config := DefaultConfig()
	config.URL = "ws://127.0.0.1:1/nowhere"
	client := NewClient(config, nil)

	assert.False(t, client.IsConnected())
	assert.False(t, client.Send("x"))
}

func TestClient_Reconnect(t *testing.T) {
	server := echoServer(t)

	config := DefaultConfig()
	config.URL = "ws" + strings.TrimPrefix(server.URL, "http")
	config.ReconnectMin = 50 * time.Millisecond
	client := NewClient(config, nil)
	client.Start()
	defer client.Stop()

	require.True(t, waitFor(t, 5*time.Second, client.IsConnected))

	// 服务端断开后自动重连
	server.CloseClientConnections()
	require.True(t, waitFor(t, 5*time.Second, client.IsConnected))
}
