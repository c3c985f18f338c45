// Package pubsub 通过 Redis 频道在多个服务实例之间转发进度事件。
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/wanfaliang/benchmarking/internal/pkg/ws"
)

const (
	DefaultChannel = "analysis_events"
	publishTimeout = 2 * time.Second
)

// Publisher Redis 发布者，方法签名与 ws.Hub 的广播方法一致
type Publisher struct {
	client  *redis.Client
	channel string
	logger  *zap.Logger
}

// NewPublisher 创建发布者
func NewPublisher(client *redis.Client, channel string, logger *zap.Logger) *Publisher {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{client: client, channel: channel, logger: logger}
}

// Publish 发布事件
func (p *Publisher) Publish(ctx context.Context, event *ws.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return p.client.Publish(ctx, p.channel, data).Err()
}

// publish 尽力发布，失败只记录日志
func (p *Publisher) publish(event *ws.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	if err := p.Publish(ctx, event); err != nil {
		p.logger.Warn("publish event failed",
			zap.String("type", event.Type),
			zap.String("analysis_id", event.AnalysisID),
			zap.Error(err))
	}
}

func (p *Publisher) BroadcastProgress(analysisID string, progress int, message, status, phase string, metadata map[string]interface{}) {
	event := ws.NewEvent(ws.EventProgress, analysisID)
	event.Progress = &progress
	event.Message = message
	event.Status = status
	event.Phase = phase
	event.Metadata = metadata
	p.publish(event)
}

func (p *Publisher) BroadcastSectionUpdate(analysisID string, sectionNumber int, sectionName, status, errMsg string) {
	event := ws.NewEvent(ws.EventSectionUpdate, analysisID)
	event.SectionNumber = &sectionNumber
	event.SectionName = sectionName
	event.Status = status
	event.Error = errMsg
	p.publish(event)
}

func (p *Publisher) BroadcastError(analysisID, errMsg, status, phase string) {
	event := ws.NewEvent(ws.EventError, analysisID)
	event.Error = errMsg
	event.Status = status
	event.Phase = phase
	p.publish(event)
}

func (p *Publisher) BroadcastCompletion(analysisID, status, phase, message string, metadata map[string]interface{}) {
	event := ws.NewEvent(ws.EventCompletion, analysisID)
	progress := 100
	event.Progress = &progress
	event.Status = status
	event.Phase = phase
	event.Message = message
	event.Metadata = metadata
	p.publish(event)
}

// Subscriber Redis 订阅者
type Subscriber struct {
	client  *redis.Client
	channel string
	logger  *zap.Logger
}

// NewSubscriber 创建订阅者
func NewSubscriber(client *redis.Client, channel string, logger *zap.Logger) *Subscriber {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Subscriber{client: client, channel: channel, logger: logger}
}

// Subscribe 订阅事件，阻塞直到 ctx 取消；ready 在订阅生效后关闭（可为 nil）
func (s *Subscriber) Subscribe(ctx context.Context, ready chan<- struct{}, handler func(*ws.Event)) error {
	sub := s.client.Subscribe(ctx, s.channel)
	defer sub.Close()

	// 等待订阅确认，保证 ready 之后发布的消息不会丢失
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	if ready != nil {
		close(ready)
	}

	ch := sub.Channel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}

			var event ws.Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				s.logger.Warn("drop malformed event", zap.Error(err))
				continue
			}

			handler(&event)
		}
	}
}

// Relay 将频道中的事件转发到本地 Hub
func (s *Subscriber) Relay(ctx context.Context, ready chan<- struct{}, hub *ws.Hub) error {
	return s.Subscribe(ctx, ready, hub.Publish)
}
