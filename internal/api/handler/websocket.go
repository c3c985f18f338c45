package handler

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/wanfaliang/benchmarking/internal/api/middleware"
	"github.com/wanfaliang/benchmarking/internal/pkg/ws"
	"github.com/wanfaliang/benchmarking/internal/service"
)

// 握手后鉴权失败使用的关闭码
const (
	CloseInvalidToken = 4001
	CloseUserNotFound = 4002
	CloseAccessDenied = 4003
)

const (
	wsReadLimit    = 4096
	wsCloseTimeout = time.Second
)

type WebSocketHandler struct {
	hub             *ws.Hub
	verifier        middleware.TokenVerifier
	authService     *service.AuthService
	analysisService *service.AnalysisService
	upgrader        websocket.Upgrader
	logger          *zap.Logger
}

func NewWebSocketHandler(
	hub *ws.Hub,
	verifier middleware.TokenVerifier,
	authService *service.AuthService,
	analysisService *service.AnalysisService,
	allowedOrigins []string,
	logger *zap.Logger,
) *WebSocketHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebSocketHandler{
		hub:             hub,
		verifier:        verifier,
		authService:     authService,
		analysisService: analysisService,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin(allowedOrigins),
		},
		logger: logger,
	}
}

// checkOrigin 没有 Origin 头的非浏览器客户端放行
func checkOrigin(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, o := range allowed {
			if o == "*" || o == origin {
				return true
			}
		}
		return false
	}
}

// Handle 分析进度 WebSocket
// @Summary 订阅分析进度
// @Description 先升级连接再鉴权：令牌无效关闭码 4001，用户不存在 4002，非本人分析 4003。
// @Description 成功后推送 connected，客户端发送 "ping" 收到 pong。
// @Tags 系统
// @Param id path string true "分析ID"
// @Param token query string true "JWT"
// @Router /ws/analysis/{id} [get]
func (h *WebSocketHandler) Handle(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	analysisID := c.Param("id")

	userID, err := h.verifier.Verify(c.Query("token"))
	if err != nil {
		h.closeWith(conn, CloseInvalidToken, "invalid token")
		return
	}

	if _, err := h.authService.GetMe(userID); err != nil {
		h.closeWith(conn, CloseUserNotFound, "user not found")
		return
	}

	owns, err := h.analysisService.Owns(userID, analysisID)
	if err != nil || !owns {
		h.closeWith(conn, CloseAccessDenied, "access denied")
		return
	}

	client := ws.NewClient(analysisID, userID, conn)
	h.hub.Connect(client)
	defer h.hub.Disconnect(client)

	connected := ws.NewEvent(ws.EventConnected, analysisID)
	connected.UserID = userID
	connected.Metadata = map[string]interface{}{"viewers": h.hub.AnalysisConnectionCount(analysisID)}
	if err := client.SendEvent(connected); err != nil {
		return
	}

	conn.SetReadLimit(wsReadLimit)
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("websocket read failed", zap.String("analysis_id", analysisID), zap.Error(err))
			}
			return
		}
		if messageType == websocket.TextMessage && strings.TrimSpace(string(data)) == "ping" {
			if err := client.SendEvent(ws.NewEvent(ws.EventPong, "")); err != nil {
				return
			}
		}
	}
}

func (h *WebSocketHandler) closeWith(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsCloseTimeout)); err != nil {
		h.logger.Debug("websocket close failed", zap.Int("code", code), zap.Error(err))
	}
}
