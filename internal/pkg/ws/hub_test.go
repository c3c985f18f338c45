package ws

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// fakeConn 记录写入的消息，可设置为写失败
type fakeConn struct {
	mu       sync.Mutex
	messages [][]byte
	fail     bool
	closed   bool
}

func (f *fakeConn) WriteMessage(_ int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("broken pipe")
	}
	f.messages = append(f.messages, append([]byte(nil), data...))
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) setFail() {
	f.mu.Lock()
	f.fail = true
	f.mu.Unlock()
}

func (f *fakeConn) events(t *testing.T) []Event {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	events := make([]Event, len(f.messages))
	for i, m := range f.messages {
		require.NoError(t, json.Unmarshal(m, &events[i]))
	}
	return events
}

func TestNewHub(t *testing.T) {
	hub := NewHub(nil, nil)

	assert.NotNil(t, hub)
	assert.Equal(t, 0, hub.ConnectionCount())
	assert.False(t, hub.IsOnline(123))
}

func TestHub_SendToUser_UserNotOnline(t *testing.T) {
	hub := NewHub(nil, nil)

	err := hub.SendToUser(123, NewEvent("notification", ""))
	assert.NoError(t, err)
}

func TestHub_ConnectDisconnect(t *testing.T) {
	hub := NewHub(nil, nil)
	c1 := NewClient("a1", 1, &fakeConn{})
	c2 := NewClient("a1", 2, &fakeConn{})
	c3 := NewClient("a2", 1, &fakeConn{})

	hub.Connect(c1)
	hub.Connect(c2)
	hub.Connect(c3)

	assert.Equal(t, 3, hub.ConnectionCount())
	assert.Equal(t, 2, hub.AnalysisConnectionCount("a1"))
	assert.True(t, hub.IsOnline(1))

	hub.Disconnect(c1)
	hub.Disconnect(c1)
	hub.Disconnect(c3)

	assert.Equal(t, 1, hub.ConnectionCount())
	assert.False(t, hub.IsOnline(1))
	assert.True(t, hub.IsOnline(2))
	assert.Zero(t, hub.AnalysisConnectionCount("a2"))
}

// 两个连接关注同一分析：各收到一条带时间戳的消息；
// 其中一个写失败后被移出索引，后续广播只投递给存活连接。
func TestHub_BroadcastProgress_DropsDeadConnection(t *testing.T) {
	hub := NewHub(nil, nil)
	good := &fakeConn{}
	bad := &fakeConn{}
	goodClient := NewClient("a1", 1, good)
	badClient := NewClient("a1", 2, bad)
	hub.Connect(goodClient)
	hub.Connect(badClient)

	hub.BroadcastProgress("a1", 40, "collecting AAPL", "collection", "A", nil)

	for _, conn := range []*fakeConn{good, bad} {
		events := conn.events(t)
		require.Len(t, events, 1)
		assert.Equal(t, EventProgress, events[0].Type)
		assert.Equal(t, "a1", events[0].AnalysisID)
		require.NotNil(t, events[0].Progress)
		assert.Equal(t, 40, *events[0].Progress)

		ts, err := time.Parse(time.RFC3339Nano, events[0].Timestamp)
		require.NoError(t, err)
		assert.WithinDuration(t, time.Now(), ts, 5*time.Second)
	}

	bad.setFail()
	hub.BroadcastProgress("a1", 60, "collecting MSFT", "collection", "A", nil)

	assert.Len(t, good.events(t), 2)
	assert.Len(t, bad.events(t), 1)
	assert.True(t, bad.closed)
	assert.Equal(t, 1, hub.AnalysisConnectionCount("a1"))
	assert.False(t, hub.IsOnline(2))

	hub.BroadcastProgress("a1", 80, "macro", "collection", "A", nil)
	assert.Len(t, good.events(t), 3)
	assert.Len(t, bad.events(t), 1)
}

// stalledConn 模拟不再读取数据的对端：写入阻塞直到连接被关闭
type stalledConn struct {
	once    sync.Once
	closing chan struct{}
}

func newStalledConn() *stalledConn {
	return &stalledConn{closing: make(chan struct{})}
}

func (s *stalledConn) WriteMessage(_ int, _ []byte) error {
	<-s.closing
	return errors.New("use of closed network connection")
}

func (s *stalledConn) Close() error {
	s.once.Do(func() { close(s.closing) })
	return nil
}

// 停滞的对端在写超时后被移除，广播不被拖住，其他连接照常收到事件
func TestHub_BroadcastProgress_StalledPeerTimesOut(t *testing.T) {
	hub := NewHub(nil, nil)
	good := &fakeConn{}
	stalled := newStalledConn()
	stalledClient := NewClient("a1", 2, stalled)
	stalledClient.SetWriteWait(50 * time.Millisecond)
	hub.Connect(NewClient("a1", 1, good))
	hub.Connect(stalledClient)

	done := make(chan struct{})
	go func() {
		hub.BroadcastProgress("a1", 10, "collecting AAPL", "collection", "A", nil)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast blocked on stalled peer")
	}

	assert.Len(t, good.events(t), 1)
	assert.Equal(t, 1, hub.AnalysisConnectionCount("a1"))
	assert.False(t, hub.IsOnline(2))
	assert.ErrorIs(t, stalledClient.Send([]byte("{}")), ErrWriteTimeout)

	start := time.Now()
	hub.BroadcastProgress("a1", 20, "collecting MSFT", "collection", "A", nil)
	assert.Less(t, time.Since(start), time.Second)
	assert.Len(t, good.events(t), 2)
}

func TestHub_BroadcastOnlyToAnalysis(t *testing.T) {
	hub := NewHub(nil, nil)
	watching := &fakeConn{}
	other := &fakeConn{}
	hub.Connect(NewClient("a1", 1, watching))
	hub.Connect(NewClient("a2", 1, other))

	hub.BroadcastSectionUpdate("a1", 3, "Revenue Analysis", "complete", "")
	hub.BroadcastError("a1", "snapshot unreadable", "generation_failed", "B")
	hub.BroadcastCompletion("a1", "partial_complete", "B", "done", map[string]interface{}{"failed": 2})

	events := watching.events(t)
	require.Len(t, events, 3)
	assert.Equal(t, EventSectionUpdate, events[0].Type)
	require.NotNil(t, events[0].SectionNumber)
	assert.Equal(t, 3, *events[0].SectionNumber)
	assert.Equal(t, EventError, events[1].Type)
	assert.Equal(t, "snapshot unreadable", events[1].Error)
	assert.Equal(t, EventCompletion, events[2].Type)
	assert.Equal(t, "partial_complete", events[2].Status)
	assert.EqualValues(t, 2, events[2].Metadata["failed"])

	assert.Empty(t, other.events(t))
}

func TestHub_SendToUser_AllUserConnections(t *testing.T) {
	hub := NewHub(nil, nil)
	c1 := &fakeConn{}
	c2 := &fakeConn{}
	c3 := &fakeConn{}
	hub.Connect(NewClient("a1", 7, c1))
	hub.Connect(NewClient("a2", 7, c2))
	hub.Connect(NewClient("a1", 8, c3))

	require.NoError(t, hub.SendToUser(7, NewEvent("notification", "")))

	assert.Len(t, c1.events(t), 1)
	assert.Len(t, c2.events(t), 1)
	assert.Empty(t, c3.events(t))
}

func TestHub_ConcurrentBroadcast(t *testing.T) {
	hub := NewHub(nil, nil)
	conn := &fakeConn{}
	hub.Connect(NewClient("a1", 1, conn))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			hub.BroadcastProgress("a1", i, "", "", "", nil)
		}(i)
		go func() {
			defer wg.Done()
			c := NewClient("a1", 2, &fakeConn{})
			hub.Connect(c)
			hub.Disconnect(c)
		}()
	}
	wg.Wait()

	assert.Len(t, conn.events(t), 20)
	assert.Equal(t, 1, hub.ConnectionCount())
}

func TestHub_WithRealWebSocket(t *testing.T) {
	hub := NewHub(nil, nil)
	registered := make(chan *Client, 1)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}

		client := NewClient("a1", 100, conn)
		hub.Connect(client)
		registered <- client
	}))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	client := <-registered
	defer hub.Disconnect(client)

	assert.True(t, hub.IsOnline(100))

	hub.BroadcastProgress("a1", 10, "started", "collection", "A", nil)

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, received, err := conn.ReadMessage()
	require.NoError(t, err)

	var event Event
	require.NoError(t, json.Unmarshal(received, &event))
	assert.Equal(t, EventProgress, event.Type)
	assert.Equal(t, "started", event.Message)
}
