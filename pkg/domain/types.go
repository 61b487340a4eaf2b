package domain

import "time"

type SessionID string
type TargetID string

// SessionConfig 会话配置
type SessionConfig struct {
	DevToolsURL string `json:"devToolsURL"`
	PageID      string `json:"pageID"`
	BindingName string `json:"bindingName"`
	AllowPopups bool   `json:"allowPopups"`
	SettleMS    int    `json:"settleMS"`
}

// Settle DOM 变更批次窗口，未设置时为 0
func (c SessionConfig) Settle() time.Duration {
	return time.Duration(c.SettleMS) * time.Millisecond
}

// TargetInfo 浏览器页面目标信息
type TargetInfo struct {
	ID        TargetID `json:"id"`
	Type      string   `json:"type"`
	URL       string   `json:"url"`
	Title     string   `json:"title"`
	IsCurrent bool     `json:"isCurrent"`
	IsUser    bool     `json:"isUser"`
}

// Cookie 页面 Cookie
type Cookie struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Domain string `json:"domain"`
	Path   string `json:"path"`
}
