package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"pagewatch/pkg/domain"
	"pagewatch/pkg/page"

	cdppage "github.com/mafredri/cdp/protocol/page"
	"github.com/mafredri/cdp/protocol/target"
	"github.com/tidwall/gjson"
)

// clickBinding 点击垫片回传祖先链使用的绑定名
const clickBinding = "__pagewatch_click"

// clickShim 捕获阶段点击垫片。默认行为只能在页面内同步阻止，
// 判定条件与文档上的捕获监听保持一致，祖先链随后交给宿主派发。
const clickShim = `  document.addEventListener('click', (e) => {
    const chain = [];
    let hit = false;
    for (let el = e.target; el && el.nodeType === 1; el = el.parentElement) {
      const attrs = {};
      for (const at of Array.from(el.attributes)) attrs[at.name] = at.value;
      if (el.tagName === 'A' && typeof el.href === 'string' && el.getAttribute('href')) attrs.href = el.href;
      if (!hit && el.tagName === 'A' && el.getAttribute('target') === '_blank' && el.getAttribute('href')) {
        e.preventDefault();
        hit = true;
      }
      chain.push({tag: el.tagName, attrs: attrs});
    }
    try { window.__pagewatch_click(JSON.stringify(chain)); } catch (_) {}
  }, true);
`

// openBinding window.open 垫片回传调用参数使用的绑定名
const openBinding = "__pagewatch_open"

// openShim 页面内的 window.open 替换：同步返回 null，不创建新的浏览上下文，
// 调用参数交给宿主经 window.open 槽处理。绑定不可用时退回原函数。
const openShim = `  const nativeOpen = window.open;
  Object.defineProperty(window, '__pagewatch_native_open', {value: nativeOpen});
  window.open = function (url, target, features) {
    const str = (v) => (v === undefined || v === null ? '' : String(v));
    try {
      window.__pagewatch_open(JSON.stringify({url: str(url), target: str(target), features: str(features)}));
    } catch (_) {
      return nativeOpen.apply(window, arguments);
    }
    return null;
  };
`

// openCall 页面一次 window.open 调用的参数
type openCall struct {
	URL      string
	Target   string
	Features string
}

var errOpenPayload = errors.New("cdp: malformed window.open payload")

func decodeOpenCall(payload string) (openCall, error) {
	if !gjson.Valid(payload) {
		return openCall{}, errOpenPayload
	}
	r := gjson.Parse(payload)
	if !r.IsObject() {
		return openCall{}, errOpenPayload
	}
	return openCall{URL: r.Get("url").String(), Target: r.Get("target").String(), Features: r.Get("features").String()}, nil
}

// onOpen 页面已同步得到 null，这里让调用经过 window.open 槽；
// 槽退回原函数时才在页面里真正打开窗口
func (t *Target) onOpen(payload string) {
	call, err := decodeOpenCall(payload)
	if err != nil {
		t.log.Debug("忽略无法解析的 window.open 负载", "error", err)
		return
	}
	if t.window.CallOpen(call.URL, call.Target, call.Features) == nil {
		return
	}
	args, _ := json.Marshal([]string{call.URL, call.Target, call.Features})
	ctx, cancel := context.WithTimeout(t.ctx, t.opts.ProcessTimeout)
	defer cancel()
	if _, err := t.Evaluate(ctx, fmt.Sprintf("void window.__pagewatch_native_open(...%s)", args)); err != nil {
		t.log.Debug("页面原生 window.open 执行失败", "url", call.URL, "error", err)
	}
}

// clickNode 点击目标祖先链上的一个元素
type clickNode struct {
	Tag   string
	Attrs map[string]string
}

var errClickPayload = errors.New("cdp: malformed click payload")

// decodeClickChain 解析点击垫片的负载，顺序为从目标到最外层祖先
func decodeClickChain(payload string) ([]clickNode, error) {
	if !gjson.Valid(payload) {
		return nil, errClickPayload
	}
	root := gjson.Parse(payload)
	if !root.IsArray() {
		return nil, errClickPayload
	}
	var chain []clickNode
	root.ForEach(func(_, v gjson.Result) bool {
		n := clickNode{Tag: v.Get("tag").String(), Attrs: map[string]string{}}
		v.Get("attrs").ForEach(func(k, a gjson.Result) bool {
			n.Attrs[k.String()] = a.String()
			return true
		})
		if n.Tag != "" {
			chain = append(chain, n)
		}
		return true
	})
	return chain, nil
}

// dispatchClick 在文档下临时挂载祖先链并派发点击事件，只执行监听不执行默认行为
func dispatchClick(doc *page.Document, chain []clickNode) bool {
	if len(chain) == 0 {
		return true
	}
	nodes := make([]*page.Node, len(chain))
	for i, c := range chain {
		nodes[i] = doc.CreateElement(c.Tag, c.Attrs)
	}
	top := nodes[len(nodes)-1]
	doc.Load(func() {
		parent := doc.Root()
		for i := len(nodes) - 1; i >= 0; i-- {
			doc.AppendChild(parent, nodes[i])
			parent = nodes[i]
		}
	})
	defer doc.Load(func() { _ = doc.RemoveChild(doc.Root(), top) })
	return doc.Dispatch(&page.Event{Type: "click", Target: nodes[0]})
}

func (t *Target) onClick(payload string) {
	chain, err := decodeClickChain(payload)
	if err != nil {
		t.log.Debug("忽略无法解析的点击负载", "error", err)
		return
	}
	t.loop.Lock()
	defer t.loop.Unlock()
	dispatchClick(t.window.Document(), chain)
}

// consumeWindowOpen 处理页面垫片看不到的新窗口（表单提交、原生回退等）：
// 同样经过 window.open 槽，槽返回 nil 表示随后出现的弹出目标需要关闭
func (t *Target) consumeWindowOpen(c cdppage.WindowOpenClient) {
	defer c.Close()
	for {
		ev, err := c.Recv()
		if err != nil {
			if t.ctx.Err() == nil {
				t.log.Err(err, "windowOpen 事件流中断")
			}
			return
		}
		handle := t.window.CallOpen(ev.URL, ev.WindowName, strings.Join(ev.WindowFeatures, ","))
		if inst := t.Installation(); inst != nil && inst.Open != nil {
			t.gate.decide(handle != nil)
		}
	}
}

// consumeNavigated 跟踪主框架地址
func (t *Target) consumeNavigated(c cdppage.FrameNavigatedClient) {
	defer c.Close()
	for {
		ev, err := c.Recv()
		if err != nil {
			if t.ctx.Err() == nil {
				t.log.Err(err, "frameNavigated 事件流中断")
			}
			return
		}
		if ev.Frame.ParentID == nil {
			t.location.set(ev.Frame.URL)
		}
	}
}

// consumeTargets 记录由本页面打开的新目标
func (t *Target) consumeTargets(c target.CreatedClient) {
	defer c.Close()
	self := target.ID(t.id)
	for {
		ev, err := c.Recv()
		if err != nil {
			if t.ctx.Err() == nil {
				t.log.Err(err, "targetCreated 事件流中断")
			}
			return
		}
		info := ev.TargetInfo
		if info.OpenerID == nil || *info.OpenerID != self {
			continue
		}
		t.send(domain.NewPopupEvent(info.URL))
		if inst := t.Installation(); inst != nil && inst.Open != nil {
			t.gate.arrive(info.TargetID)
		}
	}
}

// nativeOpen 浏览上下文原生 window.open：浏览器已经在打开窗口，保留即可
func (t *Target) nativeOpen(url, name, _ string) *page.WindowHandle {
	return &page.WindowHandle{URL: url, Name: name}
}

func (t *Target) closeTarget(id target.ID) {
	ctx, cancel := context.WithTimeout(t.ctx, 2*time.Second)
	defer cancel()
	if _, err := t.client.Target.CloseTarget(ctx, target.NewCloseTargetArgs(id)); err != nil {
		t.log.Debug("关闭弹出目标失败", "popup", string(id), "error", err)
		return
	}
	t.log.Debug("已关闭弹出目标", "popup", string(id))
}
