package instrument

import (
	"fmt"
	"net/url"
	"strings"

	"pagewatch/internal/logger"
	"pagewatch/pkg/domain"
	"pagewatch/pkg/page"
)

// blankTarget 打开新浏览上下文的 target 取值
const blankTarget = "_blank"

// wrapOpen 将 window.open 改写为当前上下文导航，恒返回 nil 句柄。
// 上报本身失败时退回原函数。
func wrapOpen(w *page.Window, orig page.OpenFunc, s Sender, log logger.Logger) page.OpenFunc {
	return func(rawURL, target, features string) (handle *page.WindowHandle) {
		defer func() {
			if r := recover(); r != nil {
				log.Debug("window.open 拦截异常，退回原函数", "panic", fmt.Sprint(r))
				handle = fallbackOpen(orig, rawURL, target, features)
			}
		}()
		s.Send(domain.NewOpenRedirectEvent(rawURL, target))
		assign(w, rawURL, log)
		return nil
	}
}

func fallbackOpen(orig page.OpenFunc, rawURL, target, features string) (handle *page.WindowHandle) {
	defer func() {
		if recover() != nil {
			handle = nil
		}
	}()
	if orig == nil {
		return nil
	}
	return orig(rawURL, target, features)
}

// captureAnchorClicks 在文档根注册捕获阶段点击监听，
// 命中路径上第一个 target=_blank 的链接后阻止默认行为并在当前上下文导航
func captureAnchorClicks(w *page.Window, s Sender, log logger.Logger) error {
	doc := w.Document()
	if doc == nil {
		return ErrUnavailable
	}
	doc.AddEventListener("click", func(ev *page.Event) {
		safely(log, "click", func() {
			for el := ev.Target; el != nil && el.NodeType == page.ElementNode; el = el.Parent() {
				if !strings.EqualFold(el.NodeName, "a") || el.Attr("target") != blankTarget {
					continue
				}
				href := resolveHref(w.Location(), el.Attr("href"))
				if href == "" {
					continue
				}
				ev.PreventDefault()
				s.Send(domain.NewAnchorRedirectEvent(href))
				assign(w, href, log)
				break
			}
		})
	}, true)
	return nil
}

// resolveHref 以当前地址为基准解析链接地址
func resolveHref(loc page.Location, href string) string {
	if href == "" || loc == nil {
		return href
	}
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	base, err := url.Parse(loc.Href())
	if err != nil || !base.IsAbs() {
		return href
	}
	return base.ResolveReference(ref).String()
}

// assign 导航当前上下文，任何失败都被忽略
func assign(w *page.Window, target string, log logger.Logger) {
	safely(log, "location.assign", func() {
		if err := w.Location().Assign(target); err != nil {
			log.Debug("当前上下文导航失败，已忽略", "url", target, "error", err)
		}
	})
}
