package client

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

	"github.com/BetaCatPro/medlink-rt/internal/auth"
	"github.com/BetaCatPro/medlink-rt/internal/errors"
	"github.com/BetaCatPro/medlink-rt/internal/protocol"
	"github.com/BetaCatPro/medlink-rt/pkg/types"
	"github.com/benbjohnson/clock"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

const waitFor = 2 * time.Second

var codec = protocol.MustCodec("json", "none")

// backendSocket 服务端一侧的连接，写操作串行化
type backendSocket struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (s *backendSocket) push(t *testing.T, msg types.ChannelMessage) {
	t.Helper()
	frameType, data, err := codec.Encode(msg)
	require.NoError(t, err)
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NoError(t, s.ws.WriteMessage(frameType, data))
}

// backend 模拟实时通道服务端
type backend struct {
	srv      *httptest.Server
	autoPong atomic.Bool
	accepted atomic.Int32
	tokens   chan string
	sockets  chan *backendSocket
	received chan types.ChannelMessage
}

func newBackend(t *testing.T) *backend {
	t.Helper()
	b := &backend{
		tokens:   make(chan string, 32),
		sockets:  make(chan *backendSocket, 32),
		received: make(chan types.ChannelMessage, 64),
	}
	b.autoPong.Store(true)
	upgrader := websocket.Upgrader{}
	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		b.accepted.Inc()
		b.tokens <- r.URL.Query().Get("token")
		sock := &backendSocket{ws: ws}
		b.sockets <- sock
		go b.serve(sock)
	}))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *backend) serve(sock *backendSocket) {
	defer sock.ws.Close()
	for {
		frameType, data, err := sock.ws.ReadMessage()
		if err != nil {
			return
		}
		msg, err := codec.Decode(frameType, data)
		if err != nil {
			continue
		}
		if msg.Type == types.Ping {
			if b.autoPong.Load() {
				_, pong, _ := codec.Encode(types.ChannelMessage{Type: types.Pong, Timestamp: msg.Timestamp})
				sock.mu.Lock()
				sock.ws.WriteMessage(websocket.TextMessage, pong)
				sock.mu.Unlock()
			}
			continue
		}
		select {
		case b.received <- msg:
		default:
		}
	}
}

func (b *backend) url() string {
	return "ws" + strings.TrimPrefix(b.srv.URL, "http") + "/ws"
}

func (b *backend) nextSocket(t *testing.T) *backendSocket {
	t.Helper()
	select {
	case s := <-b.sockets:
		return s
	case <-time.After(waitFor):
		t.Fatal("no connection accepted")
		return nil
	}
}

func (b *backend) nextMessage(t *testing.T) types.ChannelMessage {
	t.Helper()
	select {
	case m := <-b.received:
		return m
	case <-time.After(waitFor):
		t.Fatal("no message received")
		return types.ChannelMessage{}
	}
}

func newTestClient(t *testing.T, url string, tokens auth.TokenSource, opts ...Option) *Client {
	t.Helper()
	c, err := NewClient(url, types.DefaultConfig(), tokens, opts...)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "patient-1",
		ExpiresAt: jwt.NewNumericDate(exp),
	}).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return token
}

func TestConnectSendsTokenInQuery(t *testing.T) {
	b := newBackend(t)
	c := newTestClient(t, b.url(), auth.StaticToken("abc"))

	var states []types.ConnectionState
	var mu sync.Mutex
	c.OnStateChange(func(_, s types.ConnectionState) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, "abc", <-b.tokens)
	assert.True(t, c.IsConnected())
	assert.NotEmpty(t, c.ConnectionID())

	mu.Lock()
	assert.Equal(t, []types.ConnectionState{types.Connecting, types.Connected}, states)
	mu.Unlock()

	// 已连接时重复调用不会建立新连接
	require.NoError(t, c.Connect(context.Background()))
	assert.EqualValues(t, 1, b.accepted.Load())
}

func TestConnectWithoutTokenDoesNotDial(t *testing.T) {
	b := newBackend(t)
	c := newTestClient(t, b.url(), nil)

	err := c.Connect(context.Background())
	assert.ErrorIs(t, err, errors.ErrNoToken)
	assert.Equal(t, types.Disconnected, c.State())
	assert.Zero(t, b.accepted.Load())
}

func TestExpiredTokenRejectedLocally(t *testing.T) {
	b := newBackend(t)
	c := newTestClient(t, b.url(), auth.StaticToken(signedToken(t, time.Now().Add(-time.Hour))))

	err := c.Connect(context.Background())
	assert.ErrorIs(t, err, errors.ErrTokenExpired)
	assert.Zero(t, b.accepted.Load())

	valid := newTestClient(t, b.url(), auth.StaticToken(signedToken(t, time.Now().Add(time.Hour))))
	require.NoError(t, valid.Connect(context.Background()))
}

func TestInboundMessagesAreDispatched(t *testing.T) {
	b := newBackend(t)
	c := newTestClient(t, b.url(), auth.StaticToken("abc"))

	got := make(chan types.ChannelMessage, 4)
	_, err := c.Subscribe("PRESCRIPTION_REVIEWED", func(m types.ChannelMessage) { got <- m })
	require.NoError(t, err)
	wildcard := atomic.NewInt32(0)
	_, err = c.Subscribe(types.Wildcard, func(types.ChannelMessage) { wildcard.Inc() })
	require.NoError(t, err)

	require.NoError(t, c.Connect(context.Background()))
	sock := b.nextSocket(t)

	sock.push(t, types.ChannelMessage{
		Type:        types.SystemNotify,
		MessageType: "PRESCRIPTION_REVIEWED",
		Data:        json.RawMessage(`{"prescriptionId":3,"status":"APPROVED"}`),
		Timestamp:   1,
	})
	sock.push(t, types.ChannelMessage{Type: types.Pong, Timestamp: 2})

	select {
	case m := <-got:
		var body struct {
			PrescriptionID int64  `json:"prescriptionId"`
			Status         string `json:"status"`
		}
		require.NoError(t, m.DecodeBody(&body))
		assert.EqualValues(t, 3, body.PrescriptionID)
		assert.Equal(t, "APPROVED", body.Status)
	case <-time.After(waitFor):
		t.Fatal("message not dispatched")
	}
	require.Eventually(t, func() bool { return c.GetStats().TotalMessages == 2 }, waitFor, time.Millisecond)
	assert.EqualValues(t, 1, wildcard.Load(), "PONG is never delivered")
}

func TestSendWhileDisconnected(t *testing.T) {
	c := newTestClient(t, "ws://127.0.0.1:1/ws", auth.StaticToken("abc"))

	err := c.SendChat(map[string]string{"text": "hello"})
	assert.ErrorIs(t, err, errors.ErrNotConnected)
	assert.EqualValues(t, 1, c.GetStats().DroppedMessages)
	assert.Zero(t, c.GetStats().SentMessages)
}

func TestJoinConsultationMessageShape(t *testing.T) {
	b := newBackend(t)
	c := newTestClient(t, b.url(), auth.StaticToken("abc"))
	require.NoError(t, c.Connect(context.Background()))

	require.NoError(t, c.JoinConsultation(42))
	msg := b.nextMessage(t)
	assert.Equal(t, types.JoinConsultation, msg.Type)
	assert.JSONEq(t, `{"consultationId":42}`, string(msg.Data))
	assert.JSONEq(t, `{"consultationId":42}`, string(msg.Payload))
	assert.NotZero(t, msg.Timestamp)

	require.NoError(t, c.SendChat(map[string]string{"text": "您好"}))
	chat := b.nextMessage(t)
	assert.Equal(t, types.ChatMessage, chat.Type)
	assert.Len(t, chat.TraceID, 16)
	assert.EqualValues(t, 2, c.GetStats().SentMessages)
}

func TestHeartbeatTimeoutTriggersReconnect(t *testing.T) {
	b := newBackend(t)
	b.autoPong.Store(false)
	mock := clock.NewMock()
	c := newTestClient(t, b.url(), auth.StaticToken("abc"), WithClock(mock))

	require.NoError(t, c.Connect(context.Background()))
	first := b.nextSocket(t)
	require.NotNil(t, first)

	mock.Add(30 * time.Second)
	require.Eventually(t, c.heartbeat.Pending, waitFor, time.Millisecond)

	mock.Add(10 * time.Second)
	require.Eventually(t, func() bool {
		return c.State() == types.Reconnecting && c.reconnectMgr.Pending()
	}, waitFor, time.Millisecond)
	assert.Equal(t, 1, c.GetStats().ReconnectAttempts)

	mock.Add(time.Second)
	b.nextSocket(t)
	require.Eventually(t, c.IsConnected, waitFor, time.Millisecond)
	assert.EqualValues(t, 2, b.accepted.Load())
	assert.Zero(t, c.GetStats().ReconnectAttempts, "attempts reset after success")
}

func TestPongKeepsConnectionAlive(t *testing.T) {
	b := newBackend(t)
	mock := clock.NewMock()
	c := newTestClient(t, b.url(), auth.StaticToken("abc"), WithClock(mock))
	require.NoError(t, c.Connect(context.Background()))

	for i := 0; i < 3; i++ {
		mock.Add(30 * time.Second)
		require.Eventually(t, func() bool {
			return c.GetStats().TotalMessages == int64(i+1) && !c.heartbeat.Pending()
		}, waitFor, time.Millisecond)
	}
	assert.True(t, c.IsConnected())
	assert.EqualValues(t, 1, b.accepted.Load())
}

func TestServerCloseSchedulesReconnect(t *testing.T) {
	b := newBackend(t)
	mock := clock.NewMock()
	c := newTestClient(t, b.url(), auth.StaticToken("abc"), WithClock(mock))
	require.NoError(t, c.Connect(context.Background()))

	b.nextSocket(t).ws.Close()
	require.Eventually(t, c.reconnectMgr.Pending, waitFor, time.Millisecond)
	assert.Equal(t, types.Reconnecting, c.State())

	// 主动断开后取消待执行的重连
	c.Disconnect()
	assert.False(t, c.reconnectMgr.Pending())
	mock.Add(time.Minute)
	assert.Never(t, func() bool { return b.accepted.Load() > 1 }, 100*time.Millisecond, 10*time.Millisecond)
	assert.Equal(t, types.Disconnected, c.State())
}

// blockingDialer 在放行前阻塞拨号
type blockingDialer struct {
	entered chan struct{}
	release chan struct{}
}

func (d *blockingDialer) DialContext(ctx context.Context, url string, h http.Header) (*websocket.Conn, *http.Response, error) {
	close(d.entered)
	<-d.release
	return websocket.DefaultDialer.DialContext(ctx, url, h)
}

func TestDisconnectDuringDialDiscardsResult(t *testing.T) {
	b := newBackend(t)
	dialer := &blockingDialer{entered: make(chan struct{}), release: make(chan struct{})}
	c := newTestClient(t, b.url(), auth.StaticToken("abc"), WithDialer(dialer))

	result := make(chan error, 1)
	go func() { result <- c.Connect(context.Background()) }()

	<-dialer.entered
	assert.Equal(t, types.Connecting, c.State())
	c.Disconnect()
	close(dialer.release)

	select {
	case err := <-result:
		assert.ErrorIs(t, err, errors.ErrStaleConnect)
	case <-time.After(waitFor):
		t.Fatal("connect did not return")
	}
	assert.Equal(t, types.Disconnected, c.State())
	assert.Empty(t, c.ConnectionID())
	assert.False(t, c.reconnectMgr.Pending())
}

// failingDialer 每次拨号都失败
type failingDialer struct {
	calls atomic.Int32
}

func (d *failingDialer) DialContext(context.Context, string, http.Header) (*websocket.Conn, *http.Response, error) {
	n := d.calls.Inc()
	return nil, nil, fmt.Errorf("dial attempt %d refused", n)
}

func TestReconnectStopsAfterMaxAttempts(t *testing.T) {
	mock := clock.NewMock()
	dialer := &failingDialer{}
	c := newTestClient(t, "ws://backend.invalid/ws", auth.StaticToken("abc"), WithClock(mock), WithDialer(dialer))

	var exhausted atomic.Bool
	c.ErrorCenter().AddErrorCallback(func(err error) {
		if errors.Is(err, errors.ErrMaxReconnect) {
			exhausted.Store(true)
		}
	})

	require.Error(t, c.Connect(context.Background()))
	for i := 1; i <= 10; i++ {
		require.Eventually(t, c.reconnectMgr.Pending, waitFor, time.Millisecond, "retry %d not scheduled", i)
		mock.Add(30 * time.Second)
		require.Eventually(t, func() bool { return dialer.calls.Load() == int32(i+1) }, waitFor, time.Millisecond)
	}

	require.Eventually(t, exhausted.Load, waitFor, time.Millisecond)
	assert.Equal(t, types.Disconnected, c.State())
	assert.False(t, c.reconnectMgr.Pending())

	mock.Add(time.Hour)
	assert.Never(t, func() bool { return dialer.calls.Load() > 11 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestManualConnectResetsAfterExhaustion(t *testing.T) {
	b := newBackend(t)
	cfg := types.DefaultConfig()
	cfg.MaxReconnectTimes = 0
	c, err := NewClient(b.url(), cfg, auth.StaticToken("abc"), WithClock(clock.NewMock()))
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Connect(context.Background()))
	b.nextSocket(t).ws.Close()
	require.Eventually(t, func() bool { return c.State() == types.Disconnected }, waitFor, time.Millisecond)
	assert.False(t, c.reconnectMgr.Pending())

	require.NoError(t, c.Connect(context.Background()))
	assert.True(t, c.IsConnected())
}

func TestInvalidConstruction(t *testing.T) {
	_, err := NewClient("http://x/ws", nil, nil)
	assert.Error(t, err)

	cfg := types.DefaultConfig()
	cfg.HeartbeatInterval = 0
	_, err = NewClient("ws://x/ws", cfg, nil)
	assert.Error(t, err)
}
