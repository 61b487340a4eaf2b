package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"pagewatch/internal/bridge"
	"pagewatch/internal/cdp"
	"pagewatch/internal/instrument"
	"pagewatch/internal/logger"
	"pagewatch/internal/report"
	"pagewatch/internal/session"
	"pagewatch/internal/storage"
	"pagewatch/pkg/domain"
	"pagewatch/pkg/page"

	"gorm.io/gorm"
)

// ErrSessionNotFound 会话不存在
var ErrSessionNotFound = errors.New("service: session not found")

// subscriberBuffer 订阅通道缓冲，满时丢弃新事件
const subscriberBuffer = 256

// Options 服务依赖
type Options struct {
	// DB 非空时每个会话的事件同时落库
	DB *gorm.DB
	// BridgeURL 非空时每个会话的事件同时转发到该 WebSocket 地址
	BridgeURL string
	// Workers 每个页面拦截事件的并发处理数
	Workers int
}

// Service 会话服务实现
type Service struct {
	opts     Options
	sessions *session.Manager
	log      logger.Logger
}

// New 创建服务
func New(opts Options, l logger.Logger) *Service {
	if l == nil {
		l = logger.NewNop()
	}
	return &Service{opts: opts, sessions: session.NewManager(l), log: l}
}

// StartSession 启动会话并建立事件出口
func (s *Service) StartSession(ctx context.Context, cfg domain.SessionConfig) (domain.SessionID, error) {
	sess := s.sessions.Create(cfg)
	log := s.log.With("session", string(sess.ID))

	bridges := []report.Bridge{sess.Collector}
	if s.opts.DB != nil {
		store := storage.NewEventStore(s.opts.DB, string(sess.ID), log)
		sess.AddCloser(store)
		bridges = append(bridges, store)
	}
	if s.opts.BridgeURL != "" {
		ws, err := bridge.Dial(ctx, s.opts.BridgeURL, log)
		if err != nil {
			_ = s.drop(sess.ID)
			return "", err
		}
		sess.AddCloser(ws)
		bridges = append(bridges, ws)
	}
	events := make(chan []byte, subscriberBuffer)
	bridges = append(bridges, report.Chan(events))

	m := cdp.New(cfg.DevToolsURL, cdp.Options{
		BindingName: cfg.BindingName,
		Settle:      cfg.Settle(),
		Workers:     s.opts.Workers,
	}, log)
	sess.Bind(m, report.Multi(bridges...), events)
	log.Info("会话已启动", "devtools", cfg.DevToolsURL)
	return sess.ID, nil
}

// StopSession 停止会话
func (s *Service) StopSession(id domain.SessionID) error {
	return s.drop(id)
}

// Close 停止全部会话
func (s *Service) Close() error {
	return s.sessions.CloseAll()
}

func (s *Service) drop(id domain.SessionID) error {
	sess, ok := s.sessions.Delete(id)
	if !ok {
		return ErrSessionNotFound
	}
	return sess.Close()
}

func (s *Service) get(id domain.SessionID) (*session.Session, error) {
	sess, ok := s.sessions.Get(id)
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// ListTargets 列出目标
func (s *Service) ListTargets(ctx context.Context, id domain.SessionID) ([]domain.TargetInfo, error) {
	sess, err := s.get(id)
	if err != nil {
		return nil, err
	}
	return sess.Manager().ListTargets(ctx)
}

// AttachTarget 附加目标并安装拦截器，附加后的目标成为会话当前页面
func (s *Service) AttachTarget(ctx context.Context, id domain.SessionID, target domain.TargetID) (domain.TargetID, error) {
	sess, err := s.get(id)
	if err != nil {
		return "", err
	}
	t, err := sess.Manager().AttachTarget(ctx, target)
	if err != nil {
		return "", err
	}
	if sess.Config.PageID != "" {
		t.Window().SetGlobal(page.GlobalPageID, sess.Config.PageID)
	}
	log := s.log.With("session", string(id))
	ch := report.New(sess.Bridge(), report.WindowPageID(t.Window()), log)
	_, err = t.Instrument(ch, instrument.Options{AllowPopups: sess.Config.AllowPopups, Logger: log})
	if err != nil && !errors.Is(err, cdp.ErrInstalled) {
		_ = sess.Manager().DetachTarget(t.ID())
		return "", fmt.Errorf("安装拦截器失败: %w", err)
	}
	sess.SetTarget(t)
	return t.ID(), nil
}

// DetachTarget 分离目标
func (s *Service) DetachTarget(id domain.SessionID, target domain.TargetID) error {
	sess, err := s.get(id)
	if err != nil {
		return err
	}
	if cur, err := sess.Target(); err == nil && cur.ID() == target {
		sess.SetTarget(nil)
	}
	return sess.Manager().DetachTarget(target)
}

// Visit 当前页面导航
func (s *Service) Visit(ctx context.Context, id domain.SessionID, url string) error {
	t, err := s.target(id)
	if err != nil {
		return err
	}
	return t.Visit(ctx, url)
}

// Evaluate 在当前页面执行表达式
func (s *Service) Evaluate(ctx context.Context, id domain.SessionID, expr string) (json.RawMessage, error) {
	t, err := s.target(id)
	if err != nil {
		return nil, err
	}
	return t.Evaluate(ctx, expr)
}

// Content 当前页面 HTML
func (s *Service) Content(ctx context.Context, id domain.SessionID) (string, error) {
	t, err := s.target(id)
	if err != nil {
		return "", err
	}
	return t.Content(ctx)
}

// Cookies 当前页面 Cookie
func (s *Service) Cookies(ctx context.Context, id domain.SessionID) ([]domain.Cookie, error) {
	t, err := s.target(id)
	if err != nil {
		return nil, err
	}
	return t.Cookies(ctx)
}

// Events 返回会话内存中的事件快照，clear 为 true 时同时清空
func (s *Service) Events(id domain.SessionID, clear bool) ([]json.RawMessage, error) {
	sess, err := s.get(id)
	if err != nil {
		return nil, err
	}
	return sess.Collector.Events(clear), nil
}

// SubscribeEvents 订阅事件
func (s *Service) SubscribeEvents(id domain.SessionID) (<-chan []byte, error) {
	sess, err := s.get(id)
	if err != nil {
		return nil, err
	}
	return sess.Events(), nil
}

func (s *Service) target(id domain.SessionID) (*cdp.Target, error) {
	sess, err := s.get(id)
	if err != nil {
		return nil, err
	}
	return sess.Target()
}
