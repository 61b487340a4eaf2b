package cdp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pagewatch/pkg/page"

	"github.com/mafredri/cdp/protocol/fetch"
	"github.com/mafredri/cdp/protocol/network"
)

// ErrFetchFailed 网络层请求失败
var ErrFetchFailed = errors.New("TypeError: Failed to fetch")

type pausedKey struct{}

// pausedXHRKey XHR 实例上挂载拦截事件的属性名
const pausedXHRKey = "__pagewatch_paused"

type pausedXHR struct {
	ctx context.Context
	ev  *fetch.RequestPausedReply
}

// consume 持续接收拦截事件并按并发限制分发处理
func (t *Target) consume(rp fetch.RequestPausedClient) {
	defer rp.Close()
	t.log.Info("开始消费拦截事件流")
	for {
		ev, err := rp.Recv()
		if err != nil {
			if t.ctx.Err() == nil {
				t.log.Err(err, "接收拦截事件失败")
			}
			return
		}
		t.dispatchPaused(ev)
	}
}

// dispatchPaused 根据并发配置调度单次拦截事件处理
func (t *Target) dispatchPaused(ev *fetch.RequestPausedReply) {
	if t.pool == nil {
		go t.handle(ev)
		return
	}
	if !t.pool.submit(func() { t.handle(ev) }) {
		t.degradeAndContinue(ev, "并发队列已满")
	}
}

// handle 让页面的 fetch/XHR 槽观察一次已到达响应阶段的请求，随后原样放行
func (t *Target) handle(ev *fetch.RequestPausedReply) {
	ctx, cancel := context.WithTimeout(t.ctx, t.opts.ProcessTimeout)
	defer cancel()
	start := time.Now()

	if ev.ResponseStatusCode == nil && ev.ResponseErrorReason == nil {
		t.continueRequest(ctx, ev)
		return
	}
	if IsRedirect(ev) {
		t.release(ctx, ev)
		return
	}

	switch ev.ResourceType {
	case network.ResourceTypeXHR:
		t.driveXHR(ctx, ev)
	default:
		t.driveFetch(ctx, ev)
	}
	t.release(ctx, ev)
	t.log.Debug("拦截事件处理完成", "type", ev.ResourceType, "url", ev.Request.URL, "duration", time.Since(start))
}

// driveFetch 以页面调用 fetch 的方式经过 fetch 槽
func (t *Target) driveFetch(ctx context.Context, ev *fetch.RequestPausedReply) {
	ctx = context.WithValue(ctx, pausedKey{}, ev)
	if _, err := t.window.CallFetch(ctx, ToRequest(ev)); err != nil && !errors.Is(err, ErrFetchFailed) {
		t.log.Debug("fetch 槽返回错误", "url", ev.Request.URL, "error", err)
	}
}

// driveXHR 新建 XHR 实例并经过原型的 open/send 槽，等待请求完成
func (t *Target) driveXHR(ctx context.Context, ev *fetch.RequestPausedReply) {
	x := t.window.NewXHR()
	if x == nil {
		return
	}
	x.SetExpando(pausedXHRKey, &pausedXHR{ctx: ctx, ev: ev})
	req := ToRequest(ev)
	if err := x.Open(req.Method, req.URL); err != nil {
		t.log.Debug("xhr open 失败", "url", req.URL, "error", err)
		return
	}
	if err := x.Send(req.Body); err != nil {
		t.log.Debug("xhr send 失败", "url", req.URL, "error", err)
		return
	}
	select {
	case <-x.Done():
	case <-ctx.Done():
	}
}

// nativeFetch 浏览上下文原生 fetch：从上下文中取出已暂停的响应
func (t *Target) nativeFetch(ctx context.Context, req *page.Request) (*page.Response, error) {
	ev, ok := ctx.Value(pausedKey{}).(*fetch.RequestPausedReply)
	if !ok {
		return nil, page.ErrNoFetch
	}
	return t.pausedResponse(ctx, ev)
}

// transport XHR 原生传输：从实例上取出已暂停的响应
func (t *Target) transport(x *page.XHR, req *page.Request, done func(*page.Response, error)) {
	v, _ := x.Expando(pausedXHRKey)
	p, ok := v.(*pausedXHR)
	if !ok {
		done(nil, page.ErrNoFetch)
		return
	}
	done(t.pausedResponse(p.ctx, p.ev))
}

// pausedResponse 在请求仍处于暂停时读取响应体
func (t *Target) pausedResponse(ctx context.Context, ev *fetch.RequestPausedReply) (*page.Response, error) {
	if ev.ResponseErrorReason != nil {
		return nil, fmt.Errorf("%w: %s", ErrFetchFailed, *ev.ResponseErrorReason)
	}
	body, err := t.responseBody(ctx, ev.RequestID)
	return ToResponse(ev, func() ([]byte, error) { return body, err }), nil
}

// responseBody 获取响应体
func (t *Target) responseBody(ctx context.Context, id fetch.RequestID) ([]byte, error) {
	reply, err := t.client.Fetch.GetResponseBody(ctx, fetch.NewGetResponseBodyArgs(id))
	if err != nil {
		return nil, fmt.Errorf("获取响应体失败: %w", err)
	}
	return DecodeBody(reply.Body, reply.Base64Encoded)
}

// release 原样放行：失败的请求以原错误结束，其余继续响应
func (t *Target) release(ctx context.Context, ev *fetch.RequestPausedReply) {
	if ev.ResponseErrorReason != nil {
		err := t.client.Fetch.FailRequest(ctx, &fetch.FailRequestArgs{RequestID: ev.RequestID, ErrorReason: *ev.ResponseErrorReason})
		if err != nil {
			t.log.Debug("fail_request 失败", "requestID", ev.RequestID, "error", err)
		}
		return
	}
	if err := t.client.Fetch.ContinueResponse(ctx, &fetch.ContinueResponseArgs{RequestID: ev.RequestID}); err != nil {
		t.log.Debug("continue_response 失败", "requestID", ev.RequestID, "error", err)
	}
}

func (t *Target) continueRequest(ctx context.Context, ev *fetch.RequestPausedReply) {
	if err := t.client.Fetch.ContinueRequest(ctx, &fetch.ContinueRequestArgs{RequestID: ev.RequestID}); err != nil {
		t.log.Debug("continue_request 失败", "requestID", ev.RequestID, "error", err)
	}
}

// degradeAndContinue 统一的降级处理：不经过页面槽直接放行
func (t *Target) degradeAndContinue(ev *fetch.RequestPausedReply, reason string) {
	t.log.Warn("执行降级策略：直接放行", "reason", reason, "requestID", ev.RequestID)
	ctx, cancel := context.WithTimeout(t.ctx, 1*time.Second)
	defer cancel()
	if ev.ResponseStatusCode == nil && ev.ResponseErrorReason == nil {
		t.continueRequest(ctx, ev)
		return
	}
	t.release(ctx, ev)
}
