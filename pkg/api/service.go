package api

import (
	"context"
	"encoding/json"

	"pagewatch/internal/logger"
	"pagewatch/internal/service"
	"pagewatch/pkg/domain"
)

// Service 服务接口
type Service interface {
	// StartSession 启动会话
	StartSession(ctx context.Context, cfg domain.SessionConfig) (domain.SessionID, error)

	// StopSession 停止会话
	StopSession(id domain.SessionID) error

	// ListTargets 列出目标
	ListTargets(ctx context.Context, id domain.SessionID) ([]domain.TargetInfo, error)

	// AttachTarget 附加目标并安装拦截器，target 为空时选择第一个页面
	AttachTarget(ctx context.Context, id domain.SessionID, target domain.TargetID) (domain.TargetID, error)

	// DetachTarget 分离目标
	DetachTarget(id domain.SessionID, target domain.TargetID) error

	// Visit 导航当前页面
	Visit(ctx context.Context, id domain.SessionID, url string) error

	// Evaluate 在当前页面执行表达式
	Evaluate(ctx context.Context, id domain.SessionID, expr string) (json.RawMessage, error)

	// Content 获取当前页面 HTML
	Content(ctx context.Context, id domain.SessionID) (string, error)

	// Cookies 获取当前页面 Cookie
	Cookies(ctx context.Context, id domain.SessionID) ([]domain.Cookie, error)

	// Events 获取事件快照
	Events(id domain.SessionID, clear bool) ([]json.RawMessage, error)

	// SubscribeEvents 订阅事件
	SubscribeEvents(id domain.SessionID) (<-chan []byte, error)

	// Close 停止全部会话
	Close() error
}

// NewService 创建并返回服务接口实现
func NewService(opts service.Options, l logger.Logger) Service {
	return service.New(opts, l)
}

var _ Service = (*service.Service)(nil)
