package cdp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"pagewatch/internal/logger"
	"pagewatch/pkg/domain"

	"github.com/mafredri/cdp/devtool"
	"github.com/mafredri/cdp/rpcc"
)

var (
	// ErrNoTarget 没有可附加的页面目标
	ErrNoTarget = errors.New("cdp: no page target")
	// ErrNotAttached 目标未附加
	ErrNotAttached = errors.New("cdp: target is not attached")
)

// Manager 管理一个 DevTools 端点上已附加的页面目标
type Manager struct {
	devtoolsURL string
	opts        Options
	log         logger.Logger

	targetsMu sync.Mutex
	targets   map[domain.TargetID]*Target
}

// New 创建并返回一个新的管理器实例
func New(devtoolsURL string, opts Options, l logger.Logger) *Manager {
	if l == nil {
		l = logger.NewNop()
	}
	return &Manager{
		devtoolsURL: devtoolsURL,
		opts:        opts,
		log:         l,
		targets:     make(map[domain.TargetID]*Target),
	}
}

// ListTargets 列出浏览器中的页面目标
func (m *Manager) ListTargets(ctx context.Context) ([]domain.TargetInfo, error) {
	targets, err := devtool.New(m.devtoolsURL).List(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取目标列表失败: %w", err)
	}

	m.targetsMu.Lock()
	defer m.targetsMu.Unlock()
	out := make([]domain.TargetInfo, 0, len(targets))
	for _, t := range targets {
		if t.Type != devtool.Page {
			continue
		}
		_, attached := m.targets[domain.TargetID(t.ID)]
		out = append(out, domain.TargetInfo{
			ID:        domain.TargetID(t.ID),
			Type:      string(t.Type),
			URL:       t.URL,
			Title:     t.Title,
			IsCurrent: attached,
			IsUser:    isUserPage(t.URL),
		})
	}
	return out, nil
}

// AttachTarget 附加页面目标，id 为空时选择第一个用户页面
func (m *Manager) AttachTarget(ctx context.Context, id domain.TargetID) (*Target, error) {
	m.targetsMu.Lock()
	if t, ok := m.targets[id]; ok && id != "" {
		m.targetsMu.Unlock()
		return t, nil
	}
	m.targetsMu.Unlock()

	targets, err := devtool.New(m.devtoolsURL).List(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取目标列表失败: %w", err)
	}
	var sel *devtool.Target
	for _, t := range targets {
		if t.Type != devtool.Page {
			continue
		}
		if (id == "" && isUserPage(t.URL)) || domain.TargetID(t.ID) == id {
			sel = t
			break
		}
	}
	if sel == nil {
		return nil, ErrNoTarget
	}

	conn, err := rpcc.DialContext(ctx, sel.WebSocketDebuggerURL)
	if err != nil {
		return nil, fmt.Errorf("连接目标失败: %w", err)
	}
	tid := domain.TargetID(sel.ID)
	t := newTarget(tid, conn, m.opts, m.log)
	t.location.set(sel.URL)

	m.targetsMu.Lock()
	if old, ok := m.targets[tid]; ok {
		m.targetsMu.Unlock()
		_ = t.Close()
		return old, nil
	}
	m.targets[tid] = t
	m.targetsMu.Unlock()

	m.log.Info("已附加目标", "target", string(tid), "url", sel.URL)
	return t, nil
}

// Target 返回已附加的目标
func (m *Manager) Target(id domain.TargetID) (*Target, bool) {
	m.targetsMu.Lock()
	defer m.targetsMu.Unlock()
	t, ok := m.targets[id]
	return t, ok
}

// DetachTarget 断开目标
func (m *Manager) DetachTarget(id domain.TargetID) error {
	m.targetsMu.Lock()
	t, ok := m.targets[id]
	delete(m.targets, id)
	m.targetsMu.Unlock()
	if !ok {
		return ErrNotAttached
	}
	m.log.Info("已断开目标", "target", string(id))
	return t.Close()
}

// Close 断开全部目标
func (m *Manager) Close() error {
	m.targetsMu.Lock()
	list := make([]*Target, 0, len(m.targets))
	for id, t := range m.targets {
		list = append(list, t)
		delete(m.targets, id)
	}
	m.targetsMu.Unlock()

	var errs []error
	for _, t := range list {
		if err := t.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// isUserPage 排除浏览器内部页面
func isUserPage(url string) bool {
	for _, p := range []string{"devtools://", "chrome://", "chrome-extension://", "edge://"} {
		if strings.HasPrefix(url, p) {
			return false
		}
	}
	return true
}
