package session

import (
	"errors"
	"sort"
	"sync"

	"pagewatch/internal/logger"
	"pagewatch/pkg/domain"

	"github.com/google/uuid"
)

// Manager 会话表。每个会话持有自己的浏览器连接、事件收集器与桥接，
// 移出会话表后由调用方负责 Close。
type Manager struct {
	mu       sync.RWMutex
	sessions map[domain.SessionID]*Session
	log      logger.Logger
}

// NewManager 创建会话表
func NewManager(l logger.Logger) *Manager {
	if l == nil {
		l = logger.NewNop()
	}
	return &Manager{
		sessions: make(map[domain.SessionID]*Session),
		log:      l,
	}
}

// Create 以随机 UUID 登记一个尚未连接浏览器的会话
func (m *Manager) Create(cfg domain.SessionConfig) *Session {
	id := domain.SessionID(uuid.NewString())
	s := New(id, cfg)

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()
	m.log.Info("登记监控会话", "sessionID", string(id), "devtools", cfg.DevToolsURL, "allowPopups", cfg.AllowPopups)
	return s
}

func (m *Manager) Get(id domain.SessionID) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Delete 从会话表移出会话，不关闭
func (m *Manager) Delete(id domain.SessionID) (*Session, bool) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if ok {
		m.log.Info("移出监控会话", "sessionID", string(id), "events", s.Collector.Len())
	}
	return s, ok
}

// List 按创建时间返回会话
func (m *Manager) List() []*Session {
	m.mu.RLock()
	list := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s)
	}
	m.mu.RUnlock()
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.Before(list[j].CreatedAt) })
	return list
}

// CloseAll 移出并关闭全部会话
func (m *Manager) CloseAll() error {
	m.mu.Lock()
	all := m.sessions
	m.sessions = make(map[domain.SessionID]*Session)
	m.mu.Unlock()

	var errs []error
	for id, s := range all {
		if err := s.Close(); err != nil {
			m.log.Err(err, "关闭监控会话失败", "sessionID", string(id))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
