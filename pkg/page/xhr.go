package page

import (
	"errors"
	"sync"
)

// ErrInvalidState XHR 状态不允许当前操作
var ErrInvalidState = errors.New("page: xhr object state must be opened")

// XHR readyState
const (
	XHRUnsent = 0
	XHROpened = 1
	XHRDone   = 4
)

// XHRTransport 执行 XHR 请求，完成时必须调用且只调用一次 done
type XHRTransport func(x *XHR, req *Request, done func(*Response, error))

// XHROpenFunc XMLHttpRequest.prototype.open 槽
type XHROpenFunc func(x *XHR, method, url string) error

// XHRSendFunc XMLHttpRequest.prototype.send 槽
type XHRSendFunc func(x *XHR, body []byte) error

// XHRPrototype 所有 XHR 实例共享的方法槽
type XHRPrototype struct {
	mu   sync.RWMutex
	open XHROpenFunc
	send XHRSendFunc
}

// NewXHRPrototype 创建带默认 open/send 实现的原型
func NewXHRPrototype() *XHRPrototype {
	return &XHRPrototype{open: nativeOpen, send: nativeSend}
}

// Open 返回当前 open 槽
func (p *XHRPrototype) Open() XHROpenFunc {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.open
}

// SetOpen 替换 open 槽
func (p *XHRPrototype) SetOpen(f XHROpenFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.open = f
}

// Send 返回当前 send 槽
func (p *XHRPrototype) Send() XHRSendFunc {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.send
}

// SetSend 替换 send 槽
func (p *XHRPrototype) SetSend(f XHRSendFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.send = f
}

// XHR 单个请求对象
type XHR struct {
	proto     *XHRPrototype
	transport XHRTransport

	mu           sync.Mutex
	method       string
	url          string
	readyState   int
	status       int
	responseType string
	responseText string
	hasText      bool
	expando      map[string]any
	listeners    map[string][]func()
	done         chan struct{}
}

func newXHR(proto *XHRPrototype, transport XHRTransport) *XHR {
	return &XHR{
		proto:     proto,
		transport: transport,
		expando:   make(map[string]any),
		listeners: make(map[string][]func()),
		done:      make(chan struct{}),
	}
}

// Open 经由原型调用 open
func (x *XHR) Open(method, url string) error {
	return x.proto.Open()(x, method, url)
}

// Send 经由原型调用 send
func (x *XHR) Send(body []byte) error {
	return x.proto.Send()(x, body)
}

// AddEventListener 注册事件监听（load、error、loadend）
func (x *XHR) AddEventListener(typ string, fn func()) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.listeners[typ] = append(x.listeners[typ], fn)
}

// SetResponseType 设置 responseType，非文本类型时 responseText 不可用
func (x *XHR) SetResponseType(t string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.responseType = t
}

// Status HTTP 状态码
func (x *XHR) Status() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.status
}

// ReadyState 当前 readyState
func (x *XHR) ReadyState() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.readyState
}

// ResponseText 文本响应体，responseType 非文本时第二个返回值为 false
func (x *XHR) ResponseText() (string, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.responseText, x.hasText
}

// SetExpando 在实例上附加任意属性
func (x *XHR) SetExpando(key string, v any) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.expando[key] = v
}

// Expando 读取实例属性
func (x *XHR) Expando(key string) (any, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	v, ok := x.expando[key]
	return v, ok
}

// Done 最近一次 send 结束（成功或失败）后关闭，每次 send 换新
func (x *XHR) Done() <-chan struct{} {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.done
}

func nativeOpen(x *XHR, method, url string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.method = method
	x.url = url
	x.readyState = XHROpened
	return nil
}

func nativeSend(x *XHR, body []byte) error {
	x.mu.Lock()
	if x.readyState != XHROpened {
		x.mu.Unlock()
		return ErrInvalidState
	}
	req := NewRequest(x.method, x.url, body)
	transport := x.transport
	done := make(chan struct{})
	x.done = done
	x.mu.Unlock()

	finish := func(resp *Response, err error) {
		x.complete(resp, err)
		close(done)
	}
	if transport == nil {
		go finish(nil, ErrNoFetch)
		return nil
	}
	var once sync.Once
	transport(x, req, func(resp *Response, err error) {
		once.Do(func() { finish(resp, err) })
	})
	return nil
}

// complete 写入结果并按 load/error、loadend 顺序派发事件
func (x *XHR) complete(resp *Response, err error) {
	typ := "error"
	if err == nil && resp != nil {
		typ = "load"
		x.mu.Lock()
		x.status = resp.Status
		textual := x.responseType == "" || x.responseType == "text"
		x.mu.Unlock()
		var text string
		var hasText bool
		if textual {
			if t, terr := resp.Text(); terr == nil {
				text, hasText = t, true
			}
		}
		x.mu.Lock()
		x.responseText, x.hasText = text, hasText
		x.mu.Unlock()
	}
	x.mu.Lock()
	x.readyState = XHRDone
	fire := append([]func(){}, x.listeners[typ]...)
	fire = append(fire, x.listeners["loadend"]...)
	x.mu.Unlock()
	for _, fn := range fire {
		fn()
	}
}
