package report

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/sjson"

	"pagewatch/internal/logger"
	"pagewatch/pkg/page"
)

// ErrNoBridge 未配置上报桥
var ErrNoBridge = errors.New("report: bridge is not available")

// Bridge 宿主上报桥，实现不得阻塞调用方
type Bridge interface {
	Report(payload []byte) error
}

// BridgeFunc 函数形式的上报桥
type BridgeFunc func(payload []byte) error

// Report 实现 Bridge
func (f BridgeFunc) Report(payload []byte) error { return f(payload) }

// PageIDSource 在上报时读取当前页面标识，第二个返回值为 false 表示缺失
type PageIDSource func() (string, bool)

// StaticPageID 固定页面标识
func StaticPageID(id string) PageIDSource {
	return func() (string, bool) { return id, id != "" }
}

// WindowPageID 从浏览上下文的 __PAGE_ID 全局变量读取页面标识
func WindowPageID(w *page.Window) PageIDSource {
	return func() (string, bool) {
		v, ok := w.Global(page.GlobalPageID)
		if !ok {
			return "", false
		}
		s, ok := v.(string)
		if !ok || s == "" {
			return "", false
		}
		return s, true
	}
}

// Channel 所有事件的唯一出口：序列化、写入 page_id 并转发到上报桥
type Channel struct {
	bridge Bridge
	pageID PageIDSource
	log    logger.Logger
}

// New 创建上报通道
func New(bridge Bridge, pageID PageIDSource, l logger.Logger) *Channel {
	if l == nil {
		l = logger.NewNop()
	}
	return &Channel{bridge: bridge, pageID: pageID, log: l}
}

// Send 上报事件，任何失败都被吞掉，不向调用方抛出
func (c *Channel) Send(ev any) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Debug("上报桥异常，事件已丢弃", "panic", fmt.Sprint(r))
		}
	}()
	payload, err := c.Encode(ev)
	if err != nil {
		c.log.Debug("事件序列化失败，事件已丢弃", "error", err)
		return
	}
	if c.bridge == nil {
		c.log.Debug("上报桥不可用，事件已丢弃", "error", ErrNoBridge)
		return
	}
	if err := c.bridge.Report(payload); err != nil {
		c.log.Debug("上报失败，事件已丢弃", "error", err)
	}
}

// Encode 序列化事件并写入当前 page_id，缺失时为 null
func (c *Channel) Encode(ev any) ([]byte, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	if id, ok := c.currentPageID(); ok {
		return sjson.SetBytes(payload, "page_id", id)
	}
	return sjson.SetRawBytes(payload, "page_id", []byte("null"))
}

func (c *Channel) currentPageID() (id string, ok bool) {
	if c.pageID == nil {
		return "", false
	}
	defer func() {
		if r := recover(); r != nil {
			id, ok = "", false
		}
	}()
	return c.pageID()
}
