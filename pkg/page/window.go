package page

import (
	"context"
	"errors"
	"sync"
)

// 宿主与页面约定的全局变量名
const (
	GlobalPageID   = "__PAGE_ID"
	GlobalInjected = "__pagewatch_injected"
)

// ErrNoFetch 当前上下文没有 fetch 实现
var ErrNoFetch = errors.New("page: fetch is not available")

// WindowHandle 新浏览上下文句柄
type WindowHandle struct {
	URL  string
	Name string
}

// OpenFunc window.open 全局函数槽
type OpenFunc func(url, target, features string) *WindowHandle

// Location 当前上下文的地址
type Location interface {
	Href() string
	Assign(url string) error
}

// Options 浏览上下文构建选项
type Options struct {
	Fetch     FetchFunc
	Open      OpenFunc
	Transport XHRTransport
	Location  Location
	Document  *Document
}

// Window 浏览上下文，持有可被替换的全局函数槽与全局变量
type Window struct {
	mu        sync.RWMutex
	fetch     FetchFunc
	open      OpenFunc
	native    OpenFunc
	xhr       *XHRPrototype
	transport XHRTransport
	location  Location
	document  *Document
	globals   map[string]any
}

// NewWindow 创建浏览上下文
func NewWindow(opts Options) *Window {
	w := &Window{
		fetch:     opts.Fetch,
		open:      opts.Open,
		native:    opts.Open,
		transport: opts.Transport,
		location:  opts.Location,
		document:  opts.Document,
		globals:   make(map[string]any),
	}
	if w.location == nil {
		w.location = NewMemoryLocation("about:blank")
	}
	if w.transport != nil {
		w.xhr = NewXHRPrototype()
	}
	return w
}

// Fetch 返回当前 fetch 槽
func (w *Window) Fetch() FetchFunc {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.fetch
}

// SetFetch 替换 fetch 槽
func (w *Window) SetFetch(f FetchFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.fetch = f
}

// Open 返回当前 window.open 槽
func (w *Window) Open() OpenFunc {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.open
}

// SetOpen 替换 window.open 槽
func (w *Window) SetOpen(f OpenFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.open = f
}

// XMLHttpRequest 返回 XHR 原型，没有传输实现时为 nil
func (w *Window) XMLHttpRequest() *XHRPrototype {
	return w.xhr
}

// NewXHR 创建一个绑定当前原型的 XHR 实例
func (w *Window) NewXHR() *XHR {
	if w.xhr == nil {
		return nil
	}
	return newXHR(w.xhr, w.transport)
}

// Location 返回当前地址
func (w *Window) Location() Location {
	return w.location
}

// Document 返回文档，可能为 nil
func (w *Window) Document() *Document {
	return w.document
}

// Global 读取全局变量
func (w *Window) Global(name string) (any, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	v, ok := w.globals[name]
	return v, ok
}

// SetGlobal 设置全局变量
func (w *Window) SetGlobal(name string, v any) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.globals[name] = v
}

// SwapGlobal 原子地设置全局变量并返回旧值
func (w *Window) SwapGlobal(name string, v any) (any, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	old, ok := w.globals[name]
	w.globals[name] = v
	return old, ok
}

// CallFetch 以页面代码的方式调用 fetch 槽
func (w *Window) CallFetch(ctx context.Context, req *Request) (*Response, error) {
	f := w.Fetch()
	if f == nil {
		return nil, ErrNoFetch
	}
	return f(ctx, req)
}

// CallOpen 以页面代码的方式调用 window.open 槽
func (w *Window) CallOpen(url, target, features string) *WindowHandle {
	f := w.Open()
	if f == nil {
		return nil
	}
	return f(url, target, features)
}

// Click 在节点上派发点击事件；未被阻止时执行链接的默认行为
func (w *Window) Click(target *Node) bool {
	if w.document == nil || target == nil {
		return false
	}
	ev := &Event{Type: "click", Target: target}
	if !w.document.Dispatch(ev) {
		return false
	}
	a := closestAnchor(target)
	if a == nil {
		return true
	}
	href := a.Attr("href")
	if href == "" {
		return true
	}
	if a.Attr("target") == "_blank" {
		if w.native != nil {
			w.native(href, "_blank", "")
		}
		return true
	}
	_ = w.location.Assign(href)
	return true
}

func closestAnchor(n *Node) *Node {
	for ; n != nil && n.NodeType == ElementNode; n = n.Parent() {
		if n.NodeName == "A" {
			return n
		}
	}
	return nil
}

// MemoryLocation 内存地址实现，记录每次导航
type MemoryLocation struct {
	mu      sync.Mutex
	href    string
	history []string
	fail    error
}

// NewMemoryLocation 创建内存地址
func NewMemoryLocation(href string) *MemoryLocation {
	return &MemoryLocation{href: href}
}

// Href 当前地址
func (l *MemoryLocation) Href() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.href
}

// Assign 导航到新地址
func (l *MemoryLocation) Assign(url string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fail != nil {
		return l.fail
	}
	l.href = url
	l.history = append(l.history, url)
	return nil
}

// FailWith 让后续导航返回指定错误
func (l *MemoryLocation) FailWith(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fail = err
}

// History 返回导航历史
func (l *MemoryLocation) History() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.history...)
}
