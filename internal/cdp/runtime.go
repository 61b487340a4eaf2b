package cdp

import (
	"encoding/json"
	"fmt"
	"strings"

	"pagewatch/pkg/domain"
	"pagewatch/pkg/page"

	"github.com/mafredri/cdp/protocol/runtime"
	"github.com/tidwall/gjson"
)

// consumeBindings 处理页面对上报绑定与点击绑定的调用
func (t *Target) consumeBindings(c runtime.BindingCalledClient) {
	defer c.Close()
	for {
		ev, err := c.Recv()
		if err != nil {
			if t.ctx.Err() == nil {
				t.log.Err(err, "绑定调用事件流中断")
			}
			return
		}
		switch ev.Name {
		case t.opts.BindingName:
			t.forward(ev.Payload)
		case clickBinding:
			t.onClick(ev.Payload)
		case openBinding:
			t.onOpen(ev.Payload)
		}
	}
}

// forward 页面脚本直接调用上报函数时，负载经同一上报通道转发
func (t *Target) forward(payload string) {
	if !gjson.Valid(payload) || !gjson.Parse(payload).IsObject() {
		t.log.Debug("忽略非对象上报负载", "payload", payload)
		return
	}
	t.send(json.RawMessage(payload))
}

// consumeConsole 记录页面控制台输出
func (t *Target) consumeConsole(c runtime.ConsoleAPICalledClient) {
	defer c.Close()
	for {
		ev, err := c.Recv()
		if err != nil {
			if t.ctx.Err() == nil {
				t.log.Err(err, "控制台事件流中断")
			}
			return
		}
		parts := make([]string, 0, len(ev.Args))
		for _, a := range ev.Args {
			parts = append(parts, remoteText(a))
		}
		var url string
		var line int
		if ev.StackTrace != nil && len(ev.StackTrace.CallFrames) > 0 {
			url = ev.StackTrace.CallFrames[0].URL
			line = ev.StackTrace.CallFrames[0].LineNumber
		}
		t.send(domain.NewConsoleEvent(ev.Type, strings.Join(parts, " "), url, line))
	}
}

// consumeExceptions 记录页面未捕获异常
func (t *Target) consumeExceptions(c runtime.ExceptionThrownClient) {
	defer c.Close()
	for {
		ev, err := c.Recv()
		if err != nil {
			if t.ctx.Err() == nil {
				t.log.Err(err, "异常事件流中断")
			}
			return
		}
		t.send(domain.NewPageErrorEvent(exceptionText(ev.ExceptionDetails)))
	}
}

// remoteText 远程对象的可读文本
func remoteText(o runtime.RemoteObject) string {
	if len(o.Value) > 0 {
		var s string
		if err := json.Unmarshal(o.Value, &s); err == nil {
			return s
		}
		return string(o.Value)
	}
	if o.UnserializableValue != nil {
		return string(*o.UnserializableValue)
	}
	if o.Description != nil {
		return *o.Description
	}
	return o.Type
}

func exceptionText(d runtime.ExceptionDetails) string {
	if d.Exception != nil && d.Exception.Description != nil {
		return *d.Exception.Description
	}
	return d.Text
}

// bootstrap 每个新文档执行的页面脚本：同步注入标记与页面标识，按需安装 window.open 与点击垫片
func (t *Target) bootstrap(open, click bool) string {
	var b strings.Builder
	b.WriteString("(() => {\n")
	fmt.Fprintf(&b, "  window.%s = true;\n", page.GlobalInjected)
	if v, ok := t.window.Global(page.GlobalPageID); ok {
		if id, err := json.Marshal(fmt.Sprint(v)); err == nil {
			fmt.Fprintf(&b, "  window.%s = %s;\n", page.GlobalPageID, id)
		}
	}
	if open {
		b.WriteString(openShim)
	}
	if click {
		b.WriteString(clickShim)
	}
	b.WriteString("})();")
	return b.String()
}
