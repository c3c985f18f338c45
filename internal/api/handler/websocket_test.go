package handler

import (
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wanfaliang/benchmarking/config"
	"github.com/wanfaliang/benchmarking/internal/model"
	"github.com/wanfaliang/benchmarking/internal/pkg/jwt"
	"github.com/wanfaliang/benchmarking/internal/pkg/ws"
	"github.com/wanfaliang/benchmarking/internal/repository"
	"github.com/wanfaliang/benchmarking/internal/service"
	"github.com/wanfaliang/benchmarking/internal/testutil"
)

type wsFixture struct {
	ctx    *testContext
	hub    *ws.Hub
	server *httptest.Server
}

func setupWebSocket(t *testing.T) *wsFixture {
	t.Helper()

	ctx := newTestContext(t)
	hub := ws.NewHub(nil, nil)
	authService := service.NewAuthService(repository.NewUserRepository(ctx.DB),
		&config.JWTConfig{Secret: testJWTSecret, ExpireHours: 24}, nil, nil)
	handler := NewWebSocketHandler(hub, jwt.NewVerifier(testJWTSecret, time.Minute),
		authService, ctx.AnalysisService, []string{"*"}, nil)

	router := gin.New()
	router.GET("/ws/analysis/:id", handler.Handle)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &wsFixture{ctx: ctx, hub: hub, server: server}
}

func (f *wsFixture) dial(t *testing.T, analysisID, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws/analysis/" + analysisID + "?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) ws.Event {
	t.Helper()
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var event ws.Event
	require.NoError(t, json.Unmarshal(data, &event))
	return event
}

func requireCloseCode(t *testing.T, conn *websocket.Conn, code int) {
	t.Helper()
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.True(t, errors.As(err, &closeErr), "expected close frame, got %v", err)
	assert.Equal(t, code, closeErr.Code)
}

func token(t *testing.T, userID int64) string {
	t.Helper()
	tok, err := jwt.GenerateToken(userID, testJWTSecret, 1)
	require.NoError(t, err)
	return tok
}

func TestWebSocket_InvalidToken(t *testing.T) {
	f := setupWebSocket(t)
	user := testutil.TestUser(t, f.ctx.DB)
	a := testutil.TestAnalysis(t, f.ctx.DB, user.ID)

	conn := f.dial(t, a.ID, "garbage")
	requireCloseCode(t, conn, CloseInvalidToken)
}

func TestWebSocket_UnknownUser(t *testing.T) {
	f := setupWebSocket(t)
	user := testutil.TestUser(t, f.ctx.DB)
	a := testutil.TestAnalysis(t, f.ctx.DB, user.ID)

	conn := f.dial(t, a.ID, token(t, 99999))
	requireCloseCode(t, conn, CloseUserNotFound)
}

// 非本人分析：收到的第一帧就是关闭帧，不会先收到 connected
func TestWebSocket_NotOwner(t *testing.T) {
	f := setupWebSocket(t)
	owner := testutil.TestUser(t, f.ctx.DB)
	other := testutil.TestUser(t, f.ctx.DB)
	a := testutil.TestAnalysis(t, f.ctx.DB, owner.ID)

	conn := f.dial(t, a.ID, token(t, other.ID))
	requireCloseCode(t, conn, CloseAccessDenied)
	assert.Equal(t, 0, f.hub.ConnectionCount())
}

func TestWebSocket_ConnectedPingAndBroadcast(t *testing.T) {
	f := setupWebSocket(t)
	user := testutil.TestUser(t, f.ctx.DB)
	a := testutil.TestAnalysis(t, f.ctx.DB, user.ID)

	conn := f.dial(t, a.ID, token(t, user.ID))

	connected := readEvent(t, conn)
	assert.Equal(t, ws.EventConnected, connected.Type)
	assert.Equal(t, a.ID, connected.AnalysisID)
	assert.Equal(t, user.ID, connected.UserID)
	assert.NotEmpty(t, connected.Timestamp)
	assert.EqualValues(t, 1, connected.Metadata["viewers"])
	assert.Equal(t, 1, f.hub.AnalysisConnectionCount(a.ID))

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("ping")))
	pong := readEvent(t, conn)
	assert.Equal(t, ws.EventPong, pong.Type)
	assert.NotEmpty(t, pong.Timestamp)

	f.hub.BroadcastProgress(a.ID, 45, "Collecting AAPL", model.StatusCollection, model.PhaseA, nil)
	progress := readEvent(t, conn)
	assert.Equal(t, ws.EventProgress, progress.Type)
	require.NotNil(t, progress.Progress)
	assert.Equal(t, 45, *progress.Progress)
	assert.Equal(t, model.StatusCollection, progress.Status)

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	assert.Eventually(t, func() bool { return f.hub.ConnectionCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestWebSocket_ConnectedReportsViewers(t *testing.T) {
	f := setupWebSocket(t)
	user := testutil.TestUser(t, f.ctx.DB)
	a := testutil.TestAnalysis(t, f.ctx.DB, user.ID)

	first := f.dial(t, a.ID, token(t, user.ID))
	assert.EqualValues(t, 1, readEvent(t, first).Metadata["viewers"])

	second := f.dial(t, a.ID, token(t, user.ID))
	connected := readEvent(t, second)
	assert.Equal(t, ws.EventConnected, connected.Type)
	assert.EqualValues(t, 2, connected.Metadata["viewers"])
}
