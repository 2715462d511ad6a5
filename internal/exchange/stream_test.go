package exchange

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestParseBookTicker(t *testing.T) {
	ticker, err := parseBookTicker([]byte(`{"u":400900217,"s":"KASUSDT","b":"0.09870000","B":"31.2","a":"0.09880000","A":"40.6"}`))
	require.NoError(t, err)
	assert.Equal(t, 0.0987, ticker.Bid)
	assert.Equal(t, 0.0988, ticker.Ask)

	_, err = parseBookTicker([]byte(`{"b":"abc","a":"1"}`))
	assert.Error(t, err)
	_, err = parseBookTicker([]byte(`{"b":"0","a":"1"}`))
	assert.Error(t, err)
}

func TestBookTickerStreamReceivesQuotes(t *testing.T) {
	upgrader := websocket.Upgrader{}
	paths := make(chan string, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths <- r.URL.Path
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"u":1,"s":"KASUSDT","b":"0.1","B":"1","a":"0.1001","A":"1"}`))
		// 保持连接直到客户端关闭
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	stream := NewBookTickerStream(wsURL, "KAS/USDT", zap.NewNop())
	stream.Start()
	defer stream.Stop()

	assert.Equal(t, "/ws/kasusdt@bookTicker", <-paths)
	require.Eventually(t, func() bool {
		_, ok := stream.Latest(time.Minute)
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	ticker, _ := stream.Latest(time.Minute)
	assert.Equal(t, "KAS/USDT", ticker.Symbol)
	assert.Equal(t, 0.1, ticker.Bid)
	assert.Equal(t, 0.1001, ticker.Ask)

	_, ok := stream.Latest(0)
	assert.False(t, ok, "stale quote must not be served")
}

func TestBookTickerStreamStopWithoutServer(t *testing.T) {
	stream := NewBookTickerStream("ws://127.0.0.1:1", "KAS/USDT", zap.NewNop())
	stream.reconnectDelay = 10 * time.Millisecond
	stream.Start()

	done := make(chan struct{})
	go func() {
		stream.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
	_, ok := stream.Latest(time.Minute)
	assert.False(t, ok)
}
