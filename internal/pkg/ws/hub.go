package ws

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/wanfaliang/benchmarking/internal/pkg/metrics"
)

// 事件类型
const (
	EventConnected     = "connected"
	EventPong          = "pong"
	EventProgress      = "progress"
	EventSectionUpdate = "section_update"
	EventError         = "error"
	EventCompletion    = "completion"
	EventReportReady   = "report_ready"
)

// DefaultWriteWait 单帧写入的最长等待时间
const DefaultWriteWait = 10 * time.Second

// ErrWriteTimeout 对端在写超时内未接收数据
var ErrWriteTimeout = errors.New("websocket 写入超时")

// Conn 客户端连接的最小写接口，*websocket.Conn 满足该接口
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// deadlineSetter *websocket.Conn 额外提供的写截止时间
type deadlineSetter interface {
	SetWriteDeadline(t time.Time) error
}

type Client struct {
	AnalysisID string
	UserID     int64
	conn       Conn
	writeWait  time.Duration
	mu         sync.Mutex // 写锁，防止并发写入
	broken     error      // 首次写失败后的错误，之后的 Send 直接返回
}

func NewClient(analysisID string, userID int64, conn Conn) *Client {
	return &Client{AnalysisID: analysisID, UserID: userID, conn: conn, writeWait: DefaultWriteWait}
}

// SetWriteWait 调整单帧写超时，d <= 0 时忽略
func (c *Client) SetWriteWait(d time.Duration) {
	if d <= 0 {
		return
	}
	c.mu.Lock()
	c.writeWait = d
	c.mu.Unlock()
}

// Send 发送一帧文本消息
//
// 调用方最多等待 writeWait。超时后连接被关闭并标记为失效，
// 阻塞中的写入随 Close 返回。
func (c *Client) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.broken != nil {
		return c.broken
	}

	if d, ok := c.conn.(deadlineSetter); ok {
		_ = d.SetWriteDeadline(time.Now().Add(c.writeWait))
	}

	done := make(chan error, 1)
	go func() {
		done <- c.conn.WriteMessage(websocket.TextMessage, data)
	}()

	timer := time.NewTimer(c.writeWait)
	defer timer.Stop()
	select {
	case err := <-done:
		if err != nil {
			c.broken = err
		}
		return err
	case <-timer.C:
		c.broken = ErrWriteTimeout
		_ = c.conn.Close()
		return ErrWriteTimeout
	}
}

// SendEvent 序列化并发送事件
func (c *Client) SendEvent(event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return c.Send(data)
}

// Event 推送给客户端的事件
type Event struct {
	Type          string                 `json:"type"`
	AnalysisID    string                 `json:"analysis_id,omitempty"`
	UserID        int64                  `json:"user_id,omitempty"`
	Timestamp     string                 `json:"timestamp"`
	Progress      *int                   `json:"progress,omitempty"`
	Message       string                 `json:"message,omitempty"`
	Status        string                 `json:"status,omitempty"`
	Phase         string                 `json:"phase,omitempty"`
	SectionNumber *int                   `json:"section_number,omitempty"`
	SectionName   string                 `json:"section_name,omitempty"`
	Error         string                 `json:"error,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// NewEvent 构造带服务端时间戳的事件
func NewEvent(eventType, analysisID string) *Event {
	return &Event{
		Type:       eventType,
		AnalysisID: analysisID,
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
	}
}

// Hub 进度广播中心
//
// 维护两个索引：analysisID -> 连接集合，userID -> 连接集合。
// 发送失败的连接在本轮广播结束后从两个索引中移除。
type Hub struct {
	mu         sync.RWMutex
	byAnalysis map[string]map[*Client]struct{}
	byUser     map[int64]map[*Client]struct{}

	logger  *zap.Logger
	metrics *metrics.Registry
}

func NewHub(logger *zap.Logger, m *metrics.Registry) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		byAnalysis: make(map[string]map[*Client]struct{}),
		byUser:     make(map[int64]map[*Client]struct{}),
		logger:     logger,
		metrics:    m,
	}
}

// Connect 注册连接
func (h *Hub) Connect(client *Client) {
	h.mu.Lock()
	if h.byAnalysis[client.AnalysisID] == nil {
		h.byAnalysis[client.AnalysisID] = make(map[*Client]struct{})
	}
	h.byAnalysis[client.AnalysisID][client] = struct{}{}

	if h.byUser[client.UserID] == nil {
		h.byUser[client.UserID] = make(map[*Client]struct{})
	}
	h.byUser[client.UserID][client] = struct{}{}
	total := h.countLocked()
	h.mu.Unlock()

	h.metrics.SetWSConnections(total)
	h.logger.Debug("websocket connected",
		zap.String("analysis_id", client.AnalysisID),
		zap.Int64("user_id", client.UserID),
		zap.Int("total", total))
}

// Disconnect 注销连接，可重复调用
func (h *Hub) Disconnect(client *Client) {
	h.mu.Lock()
	h.removeLocked(client)
	total := h.countLocked()
	h.mu.Unlock()

	h.metrics.SetWSConnections(total)
}

// BroadcastProgress 广播进度
func (h *Hub) BroadcastProgress(analysisID string, progress int, message, status, phase string, metadata map[string]interface{}) {
	event := NewEvent(EventProgress, analysisID)
	event.Progress = &progress
	event.Message = message
	event.Status = status
	event.Phase = phase
	event.Metadata = metadata
	h.Publish(event)
}

// BroadcastSectionUpdate 广播章节状态变化
func (h *Hub) BroadcastSectionUpdate(analysisID string, sectionNumber int, sectionName, status, errMsg string) {
	event := NewEvent(EventSectionUpdate, analysisID)
	event.SectionNumber = &sectionNumber
	event.SectionName = sectionName
	event.Status = status
	event.Error = errMsg
	h.Publish(event)
}

// BroadcastError 广播阶段失败
func (h *Hub) BroadcastError(analysisID, errMsg, status, phase string) {
	event := NewEvent(EventError, analysisID)
	event.Error = errMsg
	event.Status = status
	event.Phase = phase
	h.Publish(event)
}

// BroadcastCompletion 广播阶段完成
func (h *Hub) BroadcastCompletion(analysisID, status, phase, message string, metadata map[string]interface{}) {
	event := NewEvent(EventCompletion, analysisID)
	progress := 100
	event.Progress = &progress
	event.Status = status
	event.Phase = phase
	event.Message = message
	event.Metadata = metadata
	h.Publish(event)
}

// Publish 将事件投递给关注该分析的全部连接，事件须带 AnalysisID
func (h *Hub) Publish(event *Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("marshal event failed", zap.Error(err))
		return
	}

	h.mu.RLock()
	clients := snapshot(h.byAnalysis[event.AnalysisID])
	h.mu.RUnlock()

	h.deliver(clients, data)
}

// SendToUser 向指定用户的所有连接发送事件
func (h *Hub) SendToUser(userID int64, event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	h.mu.RLock()
	clients := snapshot(h.byUser[userID])
	h.mu.RUnlock()

	h.deliver(clients, data)
	return nil
}

// IsOnline 检查用户是否在线
func (h *Hub) IsOnline(userID int64) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byUser[userID]) > 0
}

// ConnectionCount 获取在线连接数
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.countLocked()
}

// AnalysisConnectionCount 获取关注某分析的连接数
func (h *Hub) AnalysisConnectionCount(analysisID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byAnalysis[analysisID])
}

// deliver 并发发送，失败的连接先收集，全部返回后统一移除
//
// 每个连接的等待上限为其写超时，一个停滞的对端不会拖住其他连接。
func (h *Hub) deliver(clients []*Client, data []byte) {
	var (
		wg     sync.WaitGroup
		deadMu sync.Mutex
		dead   []*Client
	)
	for _, c := range clients {
		wg.Add(1)
		go func(c *Client) {
			defer wg.Done()
			if err := c.Send(data); err != nil {
				h.logger.Info("drop dead websocket connection",
					zap.String("analysis_id", c.AnalysisID),
					zap.Int64("user_id", c.UserID),
					zap.Error(err))
				deadMu.Lock()
				dead = append(dead, c)
				deadMu.Unlock()
			}
		}(c)
	}
	wg.Wait()
	if len(dead) == 0 {
		return
	}

	h.mu.Lock()
	for _, c := range dead {
		h.removeLocked(c)
	}
	total := h.countLocked()
	h.mu.Unlock()

	for _, c := range dead {
		_ = c.conn.Close()
	}
	h.metrics.SetWSConnections(total)
}

func (h *Hub) removeLocked(client *Client) {
	if conns, ok := h.byAnalysis[client.AnalysisID]; ok {
		delete(conns, client)
		if len(conns) == 0 {
			delete(h.byAnalysis, client.AnalysisID)
		}
	}
	if conns, ok := h.byUser[client.UserID]; ok {
		delete(conns, client)
		if len(conns) == 0 {
			delete(h.byUser, client.UserID)
		}
	}
}

func (h *Hub) countLocked() int {
	total := 0
	for _, conns := range h.byAnalysis {
		total += len(conns)
	}
	return total
}

// snapshot 复制一份引用，避免发送时持锁
func snapshot(set map[*Client]struct{}) []*Client {
	clients := make([]*Client, 0, len(set))
	for c := range set {
		clients = append(clients, c)
	}
	return clients
}
