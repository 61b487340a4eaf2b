package cdp

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"pagewatch/pkg/page"
	"pagewatch/pkg/traffic"

	"github.com/mafredri/cdp/protocol/fetch"
)

// ToRequest 将拦截事件转换为页面请求模型
func ToRequest(ev *fetch.RequestPausedReply) *page.Request {
	var body []byte
	if ev.Request.PostData != nil {
		body = []byte(*ev.Request.PostData)
	}
	req := page.NewRequest(ev.Request.Method, ev.Request.URL, body)

	// 处理 Header
	var headers map[string]string
	if len(ev.Request.Headers) > 0 {
		if err := json.Unmarshal(ev.Request.Headers, &headers); err == nil {
			for k, v := range headers {
				req.Header.Set(k, v)
			}
		}
	}
	return req
}

// ToHeader 将响应头条目转换为中立 Header
func ToHeader(entries []fetch.HeaderEntry) traffic.Header {
	h := make(traffic.Header, len(entries))
	for _, e := range entries {
		h.Set(e.Name, e.Value)
	}
	return h
}

// ToResponse 将响应阶段的拦截事件转换为页面响应模型，body 由 load 提供
func ToResponse(ev *fetch.RequestPausedReply, load func() ([]byte, error)) *page.Response {
	status := 0
	if ev.ResponseStatusCode != nil {
		status = *ev.ResponseStatusCode
	}
	resp := page.NewLazyResponse(ev.Request.URL, status, ToHeader(ev.ResponseHeaders), load)
	if ev.ResponseStatusText != nil {
		resp.StatusText = *ev.ResponseStatusText
	}
	return resp
}

// DecodeBody 解码 Fetch.getResponseBody 的返回
func DecodeBody(body string, base64Encoded bool) ([]byte, error) {
	if !base64Encoded {
		return []byte(body), nil
	}
	b, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		return nil, fmt.Errorf("解码响应体失败: %w", err)
	}
	return b, nil
}

// ToHeaderEntries 将中立 Header 转换为 CDP Header 条目
func ToHeaderEntries(h traffic.Header) []fetch.HeaderEntry {
	entries := make([]fetch.HeaderEntry, 0, len(h))
	for k, v := range h {
		entries = append(entries, fetch.HeaderEntry{Name: k, Value: v})
	}
	return entries
}

// IsRedirect 响应阶段的 3xx 跳转，页面只会看到跳转后的最终响应
func IsRedirect(ev *fetch.RequestPausedReply) bool {
	if ev.ResponseStatusCode == nil {
		return false
	}
	if code := *ev.ResponseStatusCode; code < 300 || code >= 400 {
		return false
	}
	for _, h := range ev.ResponseHeaders {
		if strings.EqualFold(h.Name, "location") {
			return true
		}
	}
	return false
}
