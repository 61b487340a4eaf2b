package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"pagewatch/internal/logger"

	"github.com/gorilla/websocket"
)

const (
	// DefaultWriteTimeout 单条事件写出超时
	DefaultWriteTimeout = 2 * time.Second
	// DefaultQueueSize 待写出事件队列长度
	DefaultQueueSize = 256
)

var (
	// ErrQueueFull 写出队列已满，本条被丢弃
	ErrQueueFull = errors.New("bridge: write queue is full")
	// ErrDisconnected 连接已断开
	ErrDisconnected = errors.New("bridge: websocket is disconnected")
)

// WS 通过 WebSocket 将事件转发给宿主。
// Report 只负责入队，写出由后台 goroutine 完成，慢速宿主不会拖住调用方。
type WS struct {
	url          string
	writeTimeout time.Duration
	log          logger.Logger
	conn         *websocket.Conn

	queue    chan []byte
	done     chan struct{}
	broken   atomic.Bool
	closeErr error

	mu     sync.RWMutex
	closed bool
}

// Dial 连接宿主 WebSocket 地址
func Dial(ctx context.Context, url string, l logger.Logger) (*WS, error) {
	return dial(ctx, url, DefaultQueueSize, l)
}

func dial(ctx context.Context, url string, size int, l logger.Logger) (*WS, error) {
	if l == nil {
		l = logger.NewNop()
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("连接宿主 WebSocket 失败: %w", err)
	}
	l.Info("已连接宿主 WebSocket", "url", url)
	b := &WS{
		url:          url,
		writeTimeout: DefaultWriteTimeout,
		log:          l,
		conn:         conn,
		queue:        make(chan []byte, size),
		done:         make(chan struct{}),
	}
	go b.run()
	return b, nil
}

// Report 事件入队；队列满时立即返回 ErrQueueFull
func (b *WS) Report(payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed || b.broken.Load() {
		return ErrDisconnected
	}
	select {
	case b.queue <- payload:
		return nil
	default:
		return ErrQueueFull
	}
}

// run 按入队顺序写出事件，写出失败后断开连接并丢弃其余事件
func (b *WS) run() {
	defer close(b.done)
	for payload := range b.queue {
		if b.broken.Load() {
			continue
		}
		_ = b.conn.SetWriteDeadline(time.Now().Add(b.writeTimeout))
		if err := b.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			b.log.Warn("宿主 WebSocket 写出失败，断开连接", "url", b.url, "error", err)
			b.broken.Store(true)
			_ = b.conn.Close()
		}
	}
	if b.broken.Load() {
		return
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = b.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	b.closeErr = b.conn.Close()
}

// Close 写完已入队的事件后发送关闭帧并断开连接，可重复调用
func (b *WS) Close() error {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		close(b.queue)
	}
	b.mu.Unlock()
	<-b.done
	return b.closeErr
}
