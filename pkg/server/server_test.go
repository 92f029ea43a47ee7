package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/BetaCatPro/medlink-rt/internal/auth"
	"github.com/BetaCatPro/medlink-rt/internal/protocol"
	"github.com/BetaCatPro/medlink-rt/pkg/client"
	"github.com/BetaCatPro/medlink-rt/pkg/types"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	cfg := types.DefaultConfig()
	cfg.JWTSecret = "test-secret"
	s, err := NewServer(cfg, nil)
	require.NoError(t, err)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Stop(context.Background())
		ts.Close()
	})
	return s, ts
}

func wsURL(ts *httptest.Server, token string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?token=" + token
}

func doJSON(t *testing.T, method, url, token string, body any, out any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

type envelope[T any] struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    T      `json:"data"`
	TraceID string `json:"traceId"`
}

func login(t *testing.T, ts *httptest.Server, userID, role string) string {
	t.Helper()
	var res envelope[loginResponse]
	resp := doJSON(t, http.MethodPost, ts.URL+"/api/auth/token", "", map[string]string{"userId": userID, "role": role}, &res)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Zero(t, res.Code)
	require.NotEmpty(t, res.Data.Token)
	return res.Data.Token
}

func TestHealth(t *testing.T) {
	_, ts := newTestServer(t)
	var body map[string]any
	resp := doJSON(t, http.MethodGet, ts.URL+"/health", "", nil, &body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.NotEmpty(t, resp.Header.Get("X-Trace-Id"))
}

func TestLoginRequiresUserID(t *testing.T) {
	_, ts := newTestServer(t)
	var res envelope[any]
	resp := doJSON(t, http.MethodPost, ts.URL+"/api/auth/token", "", map[string]string{"role": "DOCTOR"}, &res)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, codeBadRequest, res.Code)
}

func TestRTCTokenClaims(t *testing.T) {
	s, ts := newTestServer(t)
	token := login(t, ts, "doctor-1", "DOCTOR")

	var res envelope[types.RTCToken]
	resp := doJSON(t, http.MethodGet, ts.URL+"/api/rtc/token/42", token, nil, &res)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "room_42", res.Data.RoomID)
	assert.Equal(t, "doctor-1", res.Data.UID)
	assert.Equal(t, rtcAppID, res.Data.AppID)
	assert.Equal(t, resp.Header.Get("X-Trace-Id"), res.TraceID)

	claims := &RTCClaims{}
	_, err := jwt.ParseWithClaims(res.Data.Token, claims, func(*jwt.Token) (interface{}, error) {
		return []byte("test-secret"), nil
	})
	require.NoError(t, err)
	assert.EqualValues(t, 42, claims.ConsultationID)
	assert.Equal(t, "DOCTOR", claims.Role)
	assert.Equal(t, "room_42", claims.RoomID)
	assert.WithinDuration(t, time.Now().Add(rtcTokenTTL), claims.ExpiresAt.Time, 5*time.Second)

	assert.True(t, s.ValidateRTCToken(res.Data.Token, 42, "doctor-1"))
	assert.False(t, s.ValidateRTCToken(res.Data.Token, 43, "doctor-1"))
	assert.False(t, s.ValidateRTCToken(res.Data.Token, 42, "patient-1"))
}

func TestRTCEndpointsRequireBearer(t *testing.T) {
	_, ts := newTestServer(t)
	for _, path := range []string{"/api/rtc/token/1", "/api/rtc/join/1", "/api/push"} {
		method := http.MethodPost
		if strings.Contains(path, "token") {
			method = http.MethodGet
		}
		var res envelope[any]
		resp := doJSON(t, method, ts.URL+path, "", nil, &res)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, path)
		assert.Equal(t, codeUnauthorized, res.Code, path)

		resp = doJSON(t, method, ts.URL+path, "not-a-jwt", nil, &res)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, path)
	}
}

func TestRTCJoinLeaveUpdatesPresence(t *testing.T) {
	s, ts := newTestServer(t)
	token := login(t, ts, "patient-1", "PATIENT")

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/rtc/join/9", token, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	members, err := s.RoomMembers(context.Background(), 9)
	require.NoError(t, err)
	assert.Equal(t, []string{"patient-1"}, members)

	resp = doJSON(t, http.MethodPost, ts.URL+"/api/rtc/leave/9", token, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	members, _ = s.RoomMembers(context.Background(), 9)
	assert.Empty(t, members)

	resp = doJSON(t, http.MethodPost, ts.URL+"/api/rtc/join/abc", token, nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWebSocketRejectsMissingToken(t *testing.T) {
	_, ts := newTestServer(t)
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, ""), nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWebSocketPingPong(t *testing.T) {
	s, ts := newTestServer(t)
	token := login(t, ts, "patient-1", "PATIENT")

	ws, _, err := websocket.DefaultDialer.Dial(wsURL(ts, token), nil)
	require.NoError(t, err)
	defer ws.Close()
	require.Eventually(t, func() bool { return s.OnlineCount() == 1 }, waitFor, time.Millisecond)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"PING","timestamp":1,"traceId":"abc"}`)))
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(waitFor)))
	frameType, data, err := ws.ReadMessage()
	require.NoError(t, err)
	msg, err := protocol.MustCodec("json", "none").Decode(frameType, data)
	require.NoError(t, err)
	assert.Equal(t, types.Pong, msg.Type)
	assert.Equal(t, "abc", msg.TraceID)

	ws.Close()
	require.Eventually(t, func() bool { return s.OnlineCount() == 0 }, waitFor, time.Millisecond)
}

func TestConsultationIDLocations(t *testing.T) {
	cases := map[string]string{
		"top":     `{"type":"JOIN_CONSULTATION","consultationId":5}`,
		"data":    `{"type":"JOIN_CONSULTATION","data":{"consultationId":5}}`,
		"payload": `{"type":"JOIN_CONSULTATION","payload":{"consultationId":"5"}}`,
	}
	codec := protocol.MustCodec("json", "none")
	for name, frame := range cases {
		t.Run(name, func(t *testing.T) {
			msg, err := codec.Decode(websocket.TextMessage, []byte(frame))
			require.NoError(t, err)
			id, err := consultationID(msg)
			require.NoError(t, err)
			assert.EqualValues(t, 5, id)
		})
	}

	_, err := consultationID(types.ChannelMessage{Type: types.JoinConsultation, Data: json.RawMessage(`{}`)})
	assert.Error(t, err)
}

// realtimeClient 用真实客户端登录并连接
func realtimeClient(t *testing.T, ts *httptest.Server, userID, role string) *client.Client {
	t.Helper()
	token := login(t, ts, userID, role)
	c, err := client.NewClient("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", types.DefaultConfig(), auth.StaticToken(token))
	require.NoError(t, err)
	t.Cleanup(c.Close)
	require.NoError(t, c.Connect(context.Background()))
	return c
}

func TestPushToConsultationRoom(t *testing.T) {
	s, ts := newTestServer(t)
	patient := realtimeClient(t, ts, "patient-1", "PATIENT")
	other := realtimeClient(t, ts, "patient-2", "PATIENT")

	got := make(chan types.ChannelMessage, 1)
	_, err := patient.Subscribe(string(types.ConsultationStatus), func(m types.ChannelMessage) { got <- m })
	require.NoError(t, err)
	leaked := make(chan types.ChannelMessage, 1)
	_, err = other.Subscribe(types.Wildcard, func(m types.ChannelMessage) { leaked <- m })
	require.NoError(t, err)

	require.NoError(t, patient.JoinConsultation(12))
	require.Eventually(t, func() bool {
		members, _ := s.RoomMembers(context.Background(), 12)
		return len(members) == 1
	}, waitFor, time.Millisecond)

	admin := login(t, ts, "admin", "ADMIN")
	var res envelope[map[string]int]
	resp := doJSON(t, http.MethodPost, ts.URL+"/api/push", admin, map[string]any{
		"consultationId": 12,
		"type":           types.ConsultationStatus,
		"data":           map[string]any{"consultationId": 12, "status": "IN_PROGRESS"},
	}, &res)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, res.Data["delivered"])

	select {
	case m := <-got:
		var body struct {
			Status string `json:"status"`
		}
		require.NoError(t, m.DecodeBody(&body))
		assert.Equal(t, "IN_PROGRESS", body.Status)
		assert.Equal(t, res.TraceID, m.TraceID)
	case <-time.After(waitFor):
		t.Fatal("room push not delivered")
	}
	select {
	case m := <-leaked:
		t.Fatalf("user outside the room got %s", m.Type)
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, patient.LeaveConsultation(12))
	require.Eventually(t, func() bool {
		members, _ := s.RoomMembers(context.Background(), 12)
		return len(members) == 0
	}, waitFor, time.Millisecond)
}

func TestPushToUserAndBroadcast(t *testing.T) {
	_, ts := newTestServer(t)
	doctor := realtimeClient(t, ts, "doctor-1", "DOCTOR")
	got := make(chan types.ChannelMessage, 4)
	_, err := doctor.Subscribe(types.Wildcard, func(m types.ChannelMessage) { got <- m })
	require.NoError(t, err)

	admin := login(t, ts, "admin", "ADMIN")
	var res envelope[map[string]int]
	doJSON(t, http.MethodPost, ts.URL+"/api/push", admin, map[string]any{
		"userId": "doctor-1", "type": types.PrescriptionSubmitted, "data": map[string]any{"prescriptionId": 1},
	}, &res)
	assert.Equal(t, 1, res.Data["delivered"])

	doJSON(t, http.MethodPost, ts.URL+"/api/push", admin, map[string]any{
		"userId": "nobody", "type": types.SystemNotice,
	}, &res)
	assert.Equal(t, 0, res.Data["delivered"])

	doJSON(t, http.MethodPost, ts.URL+"/api/push", admin, map[string]any{
		"type": types.SystemNotice, "data": "维护通知",
	}, &res)
	assert.Equal(t, 1, res.Data["delivered"])

	for _, want := range []types.MessageType{types.PrescriptionSubmitted, types.SystemNotice} {
		select {
		case m := <-got:
			assert.Equal(t, want, m.Type)
		case <-time.After(waitFor):
			t.Fatalf("%s not delivered", want)
		}
	}
}

func TestChatRelayedWithinRoom(t *testing.T) {
	s, ts := newTestServer(t)
	doctor := realtimeClient(t, ts, "doctor-1", "DOCTOR")
	patient := realtimeClient(t, ts, "patient-1", "PATIENT")

	got := make(chan types.ChannelMessage, 1)
	_, err := patient.Subscribe(string(types.ChatMessage), func(m types.ChannelMessage) { got <- m })
	require.NoError(t, err)
	echoed := make(chan types.ChannelMessage, 1)
	_, err = doctor.Subscribe(string(types.ChatMessage), func(m types.ChannelMessage) { echoed <- m })
	require.NoError(t, err)

	require.NoError(t, doctor.JoinConsultation(3))
	require.NoError(t, patient.JoinConsultation(3))
	require.Eventually(t, func() bool {
		members, _ := s.RoomMembers(context.Background(), 3)
		return len(members) == 2
	}, waitFor, time.Millisecond)

	require.NoError(t, doctor.SendChat(map[string]any{"consultationId": 3, "text": "请描述症状"}))

	select {
	case m := <-got:
		var body struct {
			Text string `json:"text"`
		}
		require.NoError(t, m.DecodeBody(&body))
		assert.Equal(t, "请描述症状", body.Text)
	case <-time.After(waitFor):
		t.Fatal("chat not relayed")
	}
	select {
	case <-echoed:
		t.Fatal("sender received its own chat")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDisconnectClearsRooms(t *testing.T) {
	s, ts := newTestServer(t)
	var disconnected = make(chan string, 1)
	s.SetDisconnectHandler(func(userID string, _ error) { disconnected <- userID })

	patient := realtimeClient(t, ts, "patient-1", "PATIENT")
	require.NoError(t, patient.JoinConsultation(4))
	require.Eventually(t, func() bool {
		members, _ := s.RoomMembers(context.Background(), 4)
		return len(members) == 1
	}, waitFor, time.Millisecond)

	patient.Disconnect()
	select {
	case id := <-disconnected:
		assert.Equal(t, "patient-1", id)
	case <-time.After(waitFor):
		t.Fatal("disconnect handler not called")
	}
	members, err := s.RoomMembers(context.Background(), 4)
	require.NoError(t, err)
	assert.Empty(t, members)
}
