package session

import (
	"errors"
	"io"
	"sync"
	"time"

	"pagewatch/internal/cdp"
	"pagewatch/internal/report"
	"pagewatch/pkg/domain"
)

// ErrNoTarget 会话尚未附加页面
var ErrNoTarget = errors.New("session: no target attached")

// Session 一次页面观察会话：一个 DevTools 端点、一个当前页面和它的事件出口
type Session struct {
	ID        domain.SessionID
	Config    domain.SessionConfig
	CreatedAt time.Time

	// Collector 会话内存事件缓冲
	Collector *report.Collector

	mu      sync.Mutex
	manager *cdp.Manager
	target  *cdp.Target
	bridge  report.Bridge
	events  chan []byte
	closers []io.Closer
}

// New 创建会话
func New(id domain.SessionID, cfg domain.SessionConfig) *Session {
	return &Session{
		ID:        id,
		Config:    cfg,
		CreatedAt: time.Now(),
		Collector: report.NewCollector(report.DefaultCapacity),
	}
}

// Bind 绑定会话使用的 CDP 管理器、事件出口与订阅通道
func (s *Session) Bind(m *cdp.Manager, bridge report.Bridge, events chan []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.manager, s.bridge, s.events = m, bridge, events
}

// AddCloser 登记会话结束时需要关闭的资源
func (s *Session) AddCloser(c io.Closer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closers = append(s.closers, c)
}

// Manager 会话的 CDP 管理器
func (s *Session) Manager() *cdp.Manager {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.manager
}

// Bridge 会话的事件出口
func (s *Session) Bridge() report.Bridge {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bridge
}

// Events 事件订阅通道
func (s *Session) Events() <-chan []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.events
}

// SetTarget 设置当前页面
func (s *Session) SetTarget(t *cdp.Target) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.target = t
}

// Target 当前页面
func (s *Session) Target() (*cdp.Target, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.target == nil {
		return nil, ErrNoTarget
	}
	return s.target, nil
}

// Close 断开全部目标并关闭登记的资源
func (s *Session) Close() error {
	s.mu.Lock()
	m := s.manager
	closers := s.closers
	s.closers = nil
	s.target = nil
	s.mu.Unlock()

	var errs []error
	if m != nil {
		if err := m.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
