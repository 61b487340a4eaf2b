package domain

// EventType 上报事件类型
type EventType string

const (
	EventFetch             EventType = "fetch"
	EventFetchError        EventType = "fetch_error"
	EventXHR               EventType = "xhr"
	EventMutations         EventType = "mutations"
	EventNewWindowRedirect EventType = "new_window_redirect"

	// 以下由宿主侧直接观察产生
	EventConsole         EventType = "console"
	EventPageError       EventType = "pageerror"
	EventPopup           EventType = "popup"
	EventNavigationStart EventType = "navigation_start"
)

const (
	// SnippetLimit 文本片段最大字符数
	SnippetLimit = 1000
	// MaxMutationSummaries 单次回调最多上报的变更条数
	MaxMutationSummaries = 5
)

// Event 上报事件，所有变体共享 type 字段；page_id 由上报通道统一写入
type Event interface {
	EventType() EventType
}

// FetchEvent fetch 请求完成
type FetchEvent struct {
	Type        EventType `json:"type"`
	URL         string    `json:"url"`
	Status      int       `json:"status"`
	TextSnippet *string   `json:"text_snippet"`
}

// FetchErrorEvent fetch 请求失败
type FetchErrorEvent struct {
	Type  EventType `json:"type"`
	Args  []any     `json:"args"`
	Error string    `json:"error"`
}

// XHREvent XMLHttpRequest 完成
type XHREvent struct {
	Type            EventType `json:"type"`
	URL             string    `json:"url"`
	Status          int       `json:"status"`
	ResponseSnippet *string   `json:"response_snippet"`
}

// MutationSummary 单条 DOM 变更摘要
type MutationSummary struct {
	Type   string `json:"type"`
	Target string `json:"target"`
	Added  int    `json:"added"`
}

// MutationsEvent 一批 DOM 变更摘要
type MutationsEvent struct {
	Type      EventType         `json:"type"`
	Mutations []MutationSummary `json:"mutations"`
}

// OpenRedirectEvent window.open 被改写为当前上下文导航
type OpenRedirectEvent struct {
	Type   EventType `json:"type"`
	URL    string    `json:"url"`
	Target *string   `json:"target"`
}

// AnchorRedirectEvent target=_blank 链接点击被改写为当前上下文导航
type AnchorRedirectEvent struct {
	Type     EventType `json:"type"`
	URL      string    `json:"url"`
	Selector *string   `json:"selector"`
}

// ConsoleLocation 控制台消息来源位置
type ConsoleLocation struct {
	URL        string `json:"url"`
	LineNumber int    `json:"lineNumber"`
}

// ConsoleEvent 页面控制台输出
type ConsoleEvent struct {
	Type     EventType       `json:"type"`
	Level    string          `json:"level"`
	Text     string          `json:"text"`
	Location ConsoleLocation `json:"location"`
}

// PageErrorEvent 页面未捕获异常
type PageErrorEvent struct {
	Type  EventType `json:"type"`
	Error string    `json:"error"`
}

// PopupEvent 页面打开了新的浏览上下文
type PopupEvent struct {
	Type EventType `json:"type"`
	URL  string    `json:"url"`
}

// NavigationStartEvent 宿主发起导航
type NavigationStartEvent struct {
	Type EventType `json:"type"`
	URL  string    `json:"url"`
}

func (FetchEvent) EventType() EventType           { return EventFetch }
func (FetchErrorEvent) EventType() EventType      { return EventFetchError }
func (XHREvent) EventType() EventType             { return EventXHR }
func (MutationsEvent) EventType() EventType       { return EventMutations }
func (OpenRedirectEvent) EventType() EventType    { return EventNewWindowRedirect }
func (AnchorRedirectEvent) EventType() EventType  { return EventNewWindowRedirect }
func (ConsoleEvent) EventType() EventType         { return EventConsole }
func (PageErrorEvent) EventType() EventType       { return EventPageError }
func (PopupEvent) EventType() EventType           { return EventPopup }
func (NavigationStartEvent) EventType() EventType { return EventNavigationStart }

// NewFetchEvent 构造 fetch 事件
func NewFetchEvent(url string, status int, snippet *string) FetchEvent {
	return FetchEvent{Type: EventFetch, URL: url, Status: status, TextSnippet: snippet}
}

// NewFetchErrorEvent 构造 fetch_error 事件
func NewFetchErrorEvent(args []any, err error) FetchErrorEvent {
	msg := "<nil>"
	if err != nil {
		msg = err.Error()
	}
	return FetchErrorEvent{Type: EventFetchError, Args: args, Error: msg}
}

// NewXHREvent 构造 xhr 事件
func NewXHREvent(url string, status int, snippet *string) XHREvent {
	return XHREvent{Type: EventXHR, URL: url, Status: status, ResponseSnippet: snippet}
}

// NewMutationsEvent 构造 mutations 事件
func NewMutationsEvent(items []MutationSummary) MutationsEvent {
	return MutationsEvent{Type: EventMutations, Mutations: items}
}

// NewOpenRedirectEvent 构造 window.open 改写事件，target 为空时上报 null
func NewOpenRedirectEvent(url, target string) OpenRedirectEvent {
	ev := OpenRedirectEvent{Type: EventNewWindowRedirect, URL: url}
	if target != "" {
		ev.Target = &target
	}
	return ev
}

// NewAnchorRedirectEvent 构造链接点击改写事件，selector 恒为 null
func NewAnchorRedirectEvent(url string) AnchorRedirectEvent {
	return AnchorRedirectEvent{Type: EventNewWindowRedirect, URL: url}
}

// Truncate 按字符截断到至多 n 个字符
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

// Snippet 返回截断到 SnippetLimit 的文本片段
func Snippet(s string) *string {
	t := Truncate(s, SnippetLimit)
	return &t
}

// NewConsoleEvent 构造控制台事件
func NewConsoleEvent(level, text, url string, line int) ConsoleEvent {
	return ConsoleEvent{Type: EventConsole, Level: level, Text: text, Location: ConsoleLocation{URL: url, LineNumber: line}}
}

// NewPageErrorEvent 构造页面异常事件
func NewPageErrorEvent(msg string) PageErrorEvent {
	return PageErrorEvent{Type: EventPageError, Error: msg}
}

// NewPopupEvent 构造弹出窗口事件
func NewPopupEvent(url string) PopupEvent {
	return PopupEvent{Type: EventPopup, URL: url}
}

// NewNavigationStartEvent 构造宿主导航事件
func NewNavigationStartEvent(url string) NavigationStartEvent {
	return NavigationStartEvent{Type: EventNavigationStart, URL: url}
}
