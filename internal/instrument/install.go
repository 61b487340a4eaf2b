package instrument

import (
	"errors"
	"fmt"
	"sync"

	"pagewatch/internal/logger"
	"pagewatch/pkg/page"
)

// ErrUnavailable 页面不提供需要替换的接口
var ErrUnavailable = errors.New("instrument: platform api is not available")

// Sender 事件出口，实现不得阻塞或抛出
type Sender interface {
	Send(ev any)
}

// Patch 记录一次全局槽替换：安装前的原函数与替换后的包装函数
type Patch[F any] struct {
	Original F
	Wrapped  F
}

// Options 安装选项
type Options struct {
	// AllowPopups 为 true 时不安装新窗口拦截
	AllowPopups bool
	Logger      logger.Logger
}

// Installation 一次安装的结果
type Installation struct {
	Fetch        *Patch[page.FetchFunc]
	XHROpen      *Patch[page.XHROpenFunc]
	XHRSend      *Patch[page.XHRSendFunc]
	Open         *Patch[page.OpenFunc]
	Observer     *page.MutationObserver
	ClickCapture bool
	// Skipped 安装失败而保持原样的拦截器
	Skipped []string
}

// Installed 判断浏览上下文是否已经安装过
func Installed(w *page.Window) bool {
	v, ok := w.Global(page.GlobalInjected)
	return ok && v == true
}

// acquireGuard 设置注入标记，已设置过时返回 false
func acquireGuard(w *page.Window) bool {
	old, ok := w.SwapGlobal(page.GlobalInjected, true)
	return !(ok && old == true)
}

// Install 向浏览上下文安装全部拦截器；同一上下文重复调用不做任何事并返回 false。
// 每个拦截器独立安装，单个失败只会让对应接口保持原样。
func Install(w *page.Window, s Sender, opts Options) (*Installation, bool) {
	if w == nil {
		return nil, false
	}
	log := opts.Logger
	if log == nil {
		log = logger.NewNop()
	}
	if !acquireGuard(w) {
		log.Debug("浏览上下文已安装过拦截器，跳过")
		return nil, false
	}

	inst := &Installation{}
	step := func(name string, fn func() error) {
		defer func() {
			if r := recover(); r != nil {
				log.Warn("拦截器安装异常，保持原样", "interceptor", name, "panic", fmt.Sprint(r))
				inst.Skipped = append(inst.Skipped, name)
			}
		}()
		if err := fn(); err != nil {
			log.Warn("拦截器未安装", "interceptor", name, "error", err)
			inst.Skipped = append(inst.Skipped, name)
		}
	}

	step("fetch", func() error {
		orig := w.Fetch()
		if orig == nil {
			return ErrUnavailable
		}
		wrapped := wrapFetch(orig, s, newOrdered(log), log)
		w.SetFetch(wrapped)
		inst.Fetch = &Patch[page.FetchFunc]{Original: orig, Wrapped: wrapped}
		return nil
	})
	step("xhr", func() error {
		proto := w.XMLHttpRequest()
		if proto == nil {
			return ErrUnavailable
		}
		inst.XHROpen, inst.XHRSend = wrapXHR(proto, s, log)
		return nil
	})
	step("mutations", func() error {
		obs, err := watchMutations(w.Document(), s, log)
		if err != nil {
			return err
		}
		inst.Observer = obs
		return nil
	})
	if opts.AllowPopups {
		log.Debug("允许弹出新窗口，跳过新窗口拦截")
		return inst, true
	}
	step("open", func() error {
		orig := w.Open()
		wrapped := wrapOpen(w, orig, s, log)
		w.SetOpen(wrapped)
		inst.Open = &Patch[page.OpenFunc]{Original: orig, Wrapped: wrapped}
		return nil
	})
	step("click", func() error {
		if err := captureAnchorClicks(w, s, log); err != nil {
			return err
		}
		inst.ClickCapture = true
		return nil
	})
	return inst, true
}

// ordered 在单个后台 goroutine 中按提交顺序执行上报，提交方从不等待
type ordered struct {
	log logger.Logger

	mu      sync.Mutex
	queue   []func()
	running bool
}

func newOrdered(log logger.Logger) *ordered {
	return &ordered{log: log}
}

func (o *ordered) submit(fn func()) {
	o.mu.Lock()
	o.queue = append(o.queue, fn)
	if o.running {
		o.mu.Unlock()
		return
	}
	o.running = true
	o.mu.Unlock()
	go o.drain()
}

func (o *ordered) drain() {
	for {
		o.mu.Lock()
		if len(o.queue) == 0 {
			o.running = false
			o.mu.Unlock()
			return
		}
		fn := o.queue[0]
		o.queue[0] = nil
		o.queue = o.queue[1:]
		o.mu.Unlock()
		safely(o.log, "report", fn)
	}
}

// safely 执行 fn 并吞掉其中的 panic
func safely(log logger.Logger, what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Debug("拦截器内部异常已忽略", "step", what, "panic", fmt.Sprint(r))
		}
	}()
	fn()
}
