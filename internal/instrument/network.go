package instrument

import (
	"context"
	"regexp"

	"pagewatch/internal/logger"
	"pagewatch/pkg/domain"
	"pagewatch/pkg/page"
)

// textualType 需要截取响应片段的 Content-Type
var textualType = regexp.MustCompile(`text|javascript|json|xml|html`)

// XHR 实例上记录 open 地址的属性名
const (
	xhrURLKey      = "__url"
	xhrListenerKey = "__pagewatch_listening"
)

// wrapFetch 包装 fetch：原样调用并原样返回结果，结果在后台按完成顺序上报
func wrapFetch(orig page.FetchFunc, s Sender, q *ordered, log logger.Logger) page.FetchFunc {
	return func(ctx context.Context, req *page.Request) (*page.Response, error) {
		resp, err := orig(ctx, req)
		safely(log, "fetch", func() { observeFetch(req, resp, err, s, q) })
		return resp, err
	}
}

// observeFetch 在响应交给调用方之前克隆，随后在上报队列中读取片段并上报
func observeFetch(req *page.Request, resp *page.Response, err error, s Sender, q *ordered) {
	if err != nil {
		args := req.Args()
		q.submit(func() { s.Send(domain.NewFetchErrorEvent(args, err)) })
		return
	}
	if resp == nil {
		return
	}
	url := resp.URL
	if url == "" && req != nil {
		url = req.URL
	}
	status := resp.Status
	contentType := resp.Header.Get("content-type")
	clone, cloneErr := resp.Clone()
	q.submit(func() {
		var snippet *string
		if cloneErr == nil && textualType.MatchString(contentType) {
			snippet = readSnippet(clone)
		}
		s.Send(domain.NewFetchEvent(url, status, snippet))
	})
}

// readSnippet 读取克隆响应的前 SnippetLimit 个字符，失败时返回 nil
func readSnippet(r *page.Response) (snippet *string) {
	defer func() {
		if recover() != nil {
			snippet = nil
		}
	}()
	text, err := r.Text()
	if err != nil {
		return nil
	}
	return domain.Snippet(text)
}

// wrapXHR 替换 XHR 原型的 open/send：open 记录地址，send 在完成时上报
func wrapXHR(proto *page.XHRPrototype, s Sender, log logger.Logger) (*Patch[page.XHROpenFunc], *Patch[page.XHRSendFunc]) {
	origOpen := proto.Open()
	origSend := proto.Send()

	open := func(x *page.XHR, method, url string) error {
		safely(log, "xhr.open", func() { x.SetExpando(xhrURLKey, url) })
		return origOpen(x, method, url)
	}
	send := func(x *page.XHR, body []byte) error {
		safely(log, "xhr.send", func() {
			if _, ok := x.Expando(xhrListenerKey); ok {
				return
			}
			x.SetExpando(xhrListenerKey, true)
			x.AddEventListener("load", func() {
				safely(log, "xhr.load", func() { reportXHR(x, s) })
			})
		})
		return origSend(x, body)
	}
	proto.SetOpen(open)
	proto.SetSend(send)
	return &Patch[page.XHROpenFunc]{Original: origOpen, Wrapped: open},
		&Patch[page.XHRSendFunc]{Original: origSend, Wrapped: send}
}

func reportXHR(x *page.XHR, s Sender) {
	var url string
	if v, ok := x.Expando(xhrURLKey); ok {
		url, _ = v.(string)
	}
	var snippet *string
	if text, ok := x.ResponseText(); ok {
		snippet = domain.Snippet(text)
	}
	s.Send(domain.NewXHREvent(url, x.Status(), snippet))
}
