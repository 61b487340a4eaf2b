package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"pagewatch/internal/instrument"
	"pagewatch/internal/logger"
	"pagewatch/pkg/domain"
	"pagewatch/pkg/page"

	"github.com/bep/debounce"
	"github.com/mafredri/cdp"
	"github.com/mafredri/cdp/protocol/dom"
	"github.com/mafredri/cdp/protocol/fetch"
	"github.com/mafredri/cdp/protocol/network"
	cdppage "github.com/mafredri/cdp/protocol/page"
	"github.com/mafredri/cdp/protocol/runtime"
	"github.com/mafredri/cdp/protocol/target"
	"github.com/mafredri/cdp/rpcc"
)

var (
	// ErrInstalled 目标已安装过拦截器
	ErrInstalled = errors.New("cdp: target is already instrumented")
	// ErrEvaluate 页面脚本抛出异常
	ErrEvaluate = errors.New("cdp: evaluation threw an exception")
)

// Options 目标附加选项
type Options struct {
	// BindingName 页面侧上报函数名
	BindingName string
	// Settle DOM 变更批次的静默窗口
	Settle time.Duration
	// Workers 拦截事件并发处理数，0 表示不限制
	Workers int
	// ProcessTimeout 单次拦截事件处理超时
	ProcessTimeout time.Duration
	// NavigateTimeout 导航超时
	NavigateTimeout time.Duration
}

func (o *Options) normalize() {
	if o.BindingName == "" {
		o.BindingName = "py_report"
	}
	if o.Settle <= 0 {
		o.Settle = 50 * time.Millisecond
	}
	if o.ProcessTimeout <= 0 {
		o.ProcessTimeout = 3 * time.Second
	}
	if o.NavigateTimeout <= 0 {
		o.NavigateTimeout = 30 * time.Second
	}
}

// Target 一个已附加的页面目标，以浏览上下文模型呈现
type Target struct {
	id     domain.TargetID
	ctx    context.Context
	cancel context.CancelFunc
	conn   *rpcc.Conn
	client *cdp.Client
	opts   Options
	log    logger.Logger

	window   *page.Window
	location *location
	mirror   *domMirror
	gate     *popupGate
	pool     *workerPool

	// loop 页面事件循环：DOM 镜像更新、点击派发与变更投递串行执行
	loop  sync.Mutex
	batch *flushTimer
	// reloadSoon 合并短时间内连续的 documentUpdated
	reloadSoon func(func())

	mu     sync.RWMutex
	sender instrument.Sender
	inst   *instrument.Installation
	wg     sync.WaitGroup
}

func newTarget(id domain.TargetID, conn *rpcc.Conn, opts Options, l logger.Logger) *Target {
	opts.normalize()
	ctx, cancel := context.WithCancel(context.Background())
	t := &Target{
		id:     id,
		ctx:    ctx,
		cancel: cancel,
		conn:   conn,
		client: cdp.NewClient(conn),
		opts:   opts,
		log:    l.With("target", string(id)),
		pool:   newWorkerPool(opts.Workers),

		reloadSoon: debounce.New(opts.Settle),
	}
	t.batch = newFlushTimer(opts.Settle, t.flush)
	t.location = &location{t: t, href: "about:blank"}
	doc := page.NewDocument()
	t.mirror = newDOMMirror(doc)
	t.gate = newPopupGate(t.closeTarget)
	t.window = page.NewWindow(page.Options{
		Fetch:     t.nativeFetch,
		Open:      t.nativeOpen,
		Transport: t.transport,
		Location:  t.location,
		Document:  doc,
	})
	return t
}

// ID 目标 ID
func (t *Target) ID() domain.TargetID { return t.id }

// Window 目标的浏览上下文
func (t *Target) Window() *page.Window { return t.window }

// Installation 安装结果，未安装时为 nil
func (t *Target) Installation() *instrument.Installation {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.inst
}

// Instrument 安装拦截器并开始把浏览器事件送入浏览上下文
func (t *Target) Instrument(s instrument.Sender, opts instrument.Options) (*instrument.Installation, error) {
	if opts.Logger == nil {
		opts.Logger = t.log
	}
	inst, ok := instrument.Install(t.window, s, opts)
	if !ok {
		return nil, ErrInstalled
	}
	t.mu.Lock()
	t.sender, t.inst = s, inst
	t.mu.Unlock()

	if err := t.enable(inst); err != nil {
		return inst, err
	}
	t.log.Info("目标拦截器已安装", "skipped", inst.Skipped)
	return inst, nil
}

// enable 订阅事件流并启用各个域，订阅先于启用以免丢失事件
func (t *Target) enable(inst *instrument.Installation) error {
	ctx := t.ctx
	c := t.client

	// DOM
	inserted, err := c.DOM.ChildNodeInserted(ctx)
	if err != nil {
		return fmt.Errorf("订阅 DOM 事件失败: %w", err)
	}
	removed, err := c.DOM.ChildNodeRemoved(ctx)
	if err != nil {
		return fmt.Errorf("订阅 DOM 事件失败: %w", err)
	}
	setChildren, err := c.DOM.SetChildNodes(ctx)
	if err != nil {
		return fmt.Errorf("订阅 DOM 事件失败: %w", err)
	}
	counts, err := c.DOM.ChildNodeCountUpdated(ctx)
	if err != nil {
		return fmt.Errorf("订阅 DOM 事件失败: %w", err)
	}
	updated, err := c.DOM.DocumentUpdated(ctx)
	if err != nil {
		return fmt.Errorf("订阅 DOM 事件失败: %w", err)
	}
	if err := cdp.Sync(inserted, removed, setChildren, counts, updated); err != nil {
		return fmt.Errorf("同步 DOM 事件流失败: %w", err)
	}

	// Runtime
	bindings, err := c.Runtime.BindingCalled(ctx)
	if err != nil {
		return fmt.Errorf("订阅绑定调用失败: %w", err)
	}
	console, err := c.Runtime.ConsoleAPICalled(ctx)
	if err != nil {
		return fmt.Errorf("订阅控制台事件失败: %w", err)
	}
	exceptions, err := c.Runtime.ExceptionThrown(ctx)
	if err != nil {
		return fmt.Errorf("订阅异常事件失败: %w", err)
	}

	// Page / Target
	windowOpen, err := c.Page.WindowOpen(ctx)
	if err != nil {
		return fmt.Errorf("订阅 windowOpen 失败: %w", err)
	}
	navigated, err := c.Page.FrameNavigated(ctx)
	if err != nil {
		return fmt.Errorf("订阅 frameNavigated 失败: %w", err)
	}
	created, err := c.Target.TargetCreated(ctx)
	if err != nil {
		return fmt.Errorf("订阅 targetCreated 失败: %w", err)
	}

	var paused fetch.RequestPausedClient
	if inst.Fetch != nil || inst.XHRSend != nil {
		if paused, err = c.Fetch.RequestPaused(ctx); err != nil {
			return fmt.Errorf("订阅拦截事件失败: %w", err)
		}
	}

	if err := c.Page.Enable(ctx); err != nil {
		return fmt.Errorf("启用 Page 域失败: %w", err)
	}
	if err := c.Runtime.Enable(ctx); err != nil {
		return fmt.Errorf("启用 Runtime 域失败: %w", err)
	}
	if err := c.Network.Enable(ctx, nil); err != nil {
		return fmt.Errorf("启用 Network 域失败: %w", err)
	}
	if err := c.DOM.Enable(ctx, nil); err != nil {
		return fmt.Errorf("启用 DOM 域失败: %w", err)
	}
	if err := c.Runtime.AddBinding(ctx, runtime.NewAddBindingArgs(t.opts.BindingName)); err != nil {
		return fmt.Errorf("注册上报绑定失败: %w", err)
	}
	if inst.Open != nil {
		if err := c.Runtime.AddBinding(ctx, runtime.NewAddBindingArgs(openBinding)); err != nil {
			return fmt.Errorf("注册 window.open 绑定失败: %w", err)
		}
	}
	if inst.ClickCapture {
		if err := c.Runtime.AddBinding(ctx, runtime.NewAddBindingArgs(clickBinding)); err != nil {
			return fmt.Errorf("注册点击绑定失败: %w", err)
		}
	}
	script := t.bootstrap(inst.Open != nil, inst.ClickCapture)
	if _, err := c.Page.AddScriptToEvaluateOnNewDocument(ctx, cdppage.NewAddScriptToEvaluateOnNewDocumentArgs(script)); err != nil {
		return fmt.Errorf("注入页面脚本失败: %w", err)
	}
	if _, err := t.Evaluate(ctx, script); err != nil {
		t.log.Debug("当前文档执行页面脚本失败", "error", err)
	}
	if err := c.Target.SetDiscoverTargets(ctx, target.NewSetDiscoverTargetsArgs(true)); err != nil {
		t.log.Warn("无法发现弹出目标，弹窗将不会被关闭", "error", err)
	}
	if paused != nil {
		if err := c.Fetch.Enable(ctx, &fetch.EnableArgs{Patterns: t.patterns(inst)}); err != nil {
			return fmt.Errorf("启用 Fetch 域失败: %w", err)
		}
	}
	if err := t.reload(ctx); err != nil {
		t.log.Warn("加载文档快照失败", "error", err)
	}

	t.start(func() { t.consumeDOM(inserted, removed, setChildren, counts, updated) })
	t.start(func() { t.consumeBindings(bindings) })
	t.start(func() { t.consumeConsole(console) })
	t.start(func() { t.consumeExceptions(exceptions) })
	t.start(func() { t.consumeWindowOpen(windowOpen) })
	t.start(func() { t.consumeNavigated(navigated) })
	t.start(func() { t.consumeTargets(created) })
	if paused != nil {
		t.start(func() { t.consume(paused) })
	}
	return nil
}

// patterns 只在响应阶段拦截已包装接口对应的资源类型
func (t *Target) patterns(inst *instrument.Installation) []fetch.RequestPattern {
	all := "*"
	fetchType, xhrType := network.ResourceTypeFetch, network.ResourceTypeXHR
	var out []fetch.RequestPattern
	if inst.Fetch != nil {
		out = append(out, fetch.RequestPattern{URLPattern: &all, ResourceType: &fetchType, RequestStage: fetch.RequestStageResponse})
	}
	if inst.XHRSend != nil {
		out = append(out, fetch.RequestPattern{URLPattern: &all, ResourceType: &xhrType, RequestStage: fetch.RequestStageResponse})
	}
	return out
}

func (t *Target) start(fn func()) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		fn()
	}()
}

func (t *Target) send(ev any) {
	t.mu.RLock()
	s := t.sender
	t.mu.RUnlock()
	if s != nil {
		s.Send(ev)
	}
}

// Visit 宿主发起导航
func (t *Target) Visit(ctx context.Context, url string) error {
	t.send(domain.NewNavigationStartEvent(url))
	return t.location.navigate(ctx, url)
}

// Evaluate 在页面中执行表达式并返回按值序列化的结果
func (t *Target) Evaluate(ctx context.Context, expr string) (json.RawMessage, error) {
	args := runtime.NewEvaluateArgs(expr).SetReturnByValue(true).SetAwaitPromise(true)
	reply, err := t.client.Runtime.Evaluate(ctx, args)
	if err != nil {
		return nil, fmt.Errorf("执行脚本失败: %w", err)
	}
	if reply.ExceptionDetails != nil {
		return nil, fmt.Errorf("%w: %s", ErrEvaluate, exceptionText(*reply.ExceptionDetails))
	}
	return reply.Result.Value, nil
}

// Content 当前文档的 HTML
func (t *Target) Content(ctx context.Context) (string, error) {
	raw, err := t.Evaluate(ctx, "document.documentElement ? document.documentElement.outerHTML : ''")
	if err != nil {
		return "", err
	}
	var html string
	if err := json.Unmarshal(raw, &html); err != nil {
		return "", fmt.Errorf("解析文档内容失败: %w", err)
	}
	return html, nil
}

// Cookies 当前页面可见的 Cookie
func (t *Target) Cookies(ctx context.Context) ([]domain.Cookie, error) {
	reply, err := t.client.Network.GetCookies(ctx, &network.GetCookiesArgs{})
	if err != nil {
		return nil, fmt.Errorf("获取 Cookie 失败: %w", err)
	}
	out := make([]domain.Cookie, 0, len(reply.Cookies))
	for _, c := range reply.Cookies {
		out = append(out, domain.Cookie{Name: c.Name, Value: c.Value, Domain: c.Domain, Path: c.Path})
	}
	return out, nil
}

// Close 停止事件消费并断开连接
func (t *Target) Close() error {
	t.cancel()
	t.batch.stop()
	if inst := t.Installation(); inst != nil && inst.Observer != nil {
		inst.Observer.Disconnect()
	}
	err := t.conn.Close()
	t.wg.Wait()
	if t.pool != nil {
		t.pool.wait()
	}
	return err
}

// reload 重新获取完整文档并替换镜像
func (t *Target) reload(ctx context.Context) error {
	reply, err := t.client.DOM.GetDocument(ctx, dom.NewGetDocumentArgs().SetDepth(-1))
	if err != nil {
		return fmt.Errorf("获取文档失败: %w", err)
	}
	t.loop.Lock()
	t.mirror.load(reply.Root)
	t.loop.Unlock()
	return nil
}

// flush 投递一批 DOM 变更
func (t *Target) flush() {
	t.loop.Lock()
	defer t.loop.Unlock()
	t.window.Document().Flush()
}

// location 通过 Page.navigate 导航的地址实现
type location struct {
	t    *Target
	mu   sync.RWMutex
	href string
}

func (l *location) Href() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.href
}

// Assign 相对地址以当前地址为基准解析
func (l *location) Assign(href string) error {
	ctx, cancel := context.WithTimeout(l.t.ctx, l.t.opts.NavigateTimeout)
	defer cancel()
	return l.navigate(ctx, resolveURL(l.Href(), href))
}

func resolveURL(base, ref string) string {
	b, err := url.Parse(base)
	if err != nil || !b.IsAbs() || b.Opaque != "" {
		return ref
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return b.ResolveReference(r).String()
}

func (l *location) navigate(ctx context.Context, url string) error {
	reply, err := l.t.client.Page.Navigate(ctx, cdppage.NewNavigateArgs(url))
	if err != nil {
		return fmt.Errorf("导航失败: %w", err)
	}
	if reply.ErrorText != nil && *reply.ErrorText != "" {
		return fmt.Errorf("导航失败: %s", *reply.ErrorText)
	}
	l.set(url)
	return nil
}

func (l *location) set(href string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.href = href
}
