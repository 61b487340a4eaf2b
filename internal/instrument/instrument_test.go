package instrument

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"pagewatch/internal/report"
	"pagewatch/pkg/page"
	"pagewatch/pkg/traffic"
)

type fixture struct {
	win    *page.Window
	doc    *page.Document
	loc    *page.MemoryLocation
	col    *report.Collector
	ch     *report.Channel
	mu     sync.Mutex
	opened []string
}

func newFixture(t *testing.T, fetch page.FetchFunc) *fixture {
	t.Helper()
	f := &fixture{doc: page.NewDocument(), loc: page.NewMemoryLocation("https://start.test/index.html"), col: report.NewCollector(0)}
	f.win = page.NewWindow(page.Options{
		Fetch:    fetch,
		Document: f.doc,
		Location: f.loc,
		Open: func(url, target, features string) *page.WindowHandle {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.opened = append(f.opened, url)
			return &page.WindowHandle{URL: url, Name: target}
		},
		Transport: func(x *page.XHR, req *page.Request, done func(*page.Response, error)) {
			go func() {
				time.Sleep(5 * time.Millisecond)
				done(page.NewResponse(req.URL, 200, nil, []byte(strings.Repeat("x", 1500))), nil)
			}()
		},
	})
	f.win.SetGlobal(page.GlobalPageID, "page-1")
	f.ch = report.New(f.col, report.WindowPageID(f.win), nil)
	return f
}

func (f *fixture) install(t *testing.T, opts Options) *Installation {
	t.Helper()
	inst, ok := Install(f.win, f.ch, opts)
	require.True(t, ok)
	return inst
}

func (f *fixture) waitEvents(t *testing.T, typ string, n int) []json.RawMessage {
	t.Helper()
	require.Eventually(t, func() bool { return len(f.col.OfType(typ)) >= n }, time.Second, 5*time.Millisecond)
	return f.col.OfType(typ)
}

func textResponse(ct, body string) page.FetchFunc {
	return func(ctx context.Context, req *page.Request) (*page.Response, error) {
		return page.NewResponse(req.URL, 200, traffic.FromMap(map[string]string{"Content-Type": ct}), []byte(body)), nil
	}
}

func TestFetchIsTransparent(t *testing.T) {
	want := page.NewResponse("https://api.test/a", 203, traffic.FromMap(map[string]string{"Content-Type": "application/json"}), []byte(`{"ok":true}`))
	f := newFixture(t, func(ctx context.Context, req *page.Request) (*page.Response, error) { return want, nil })
	f.install(t, Options{})

	got, err := f.win.CallFetch(context.Background(), page.NewRequest("GET", "https://api.test/a", nil))
	require.NoError(t, err)
	assert.Same(t, want, got)

	body, err := got.Text()
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, body)

	evs := f.waitEvents(t, "fetch", 1)
	assert.Equal(t, "https://api.test/a", gjson.GetBytes(evs[0], "url").String())
	assert.Equal(t, int64(203), gjson.GetBytes(evs[0], "status").Int())
	assert.Equal(t, `{"ok":true}`, gjson.GetBytes(evs[0], "text_snippet").String())
	assert.Equal(t, "page-1", gjson.GetBytes(evs[0], "page_id").String())
}

func TestFetchErrorIsPropagated(t *testing.T) {
	boom := errors.New("network down")
	f := newFixture(t, func(ctx context.Context, req *page.Request) (*page.Response, error) { return nil, boom })
	f.install(t, Options{})

	got, err := f.win.CallFetch(context.Background(), page.NewRequest("POST", "https://api.test/b", []byte("x=1")))
	assert.Nil(t, got)
	assert.Same(t, boom, err)

	evs := f.waitEvents(t, "fetch_error", 1)
	assert.Equal(t, "network down", gjson.GetBytes(evs[0], "error").String())
	assert.Equal(t, "https://api.test/b", gjson.GetBytes(evs[0], "args.0").String())
	assert.Equal(t, "POST", gjson.GetBytes(evs[0], "args.1.method").String())
	assert.Empty(t, f.col.OfType("fetch"))
}

func TestFetchSnippet(t *testing.T) {
	long := strings.Repeat("é", 1200)
	tests := []struct {
		name string
		ct   string
		body string
		want *string
	}{
		{"short text", "text/plain; charset=utf-8", "hello", ptr("hello")},
		{"long html truncated by characters", "text/html", long, ptr(strings.Repeat("é", 1000))},
		{"javascript", "application/javascript", "var a", ptr("var a")},
		{"xml", "application/xml", "<a/>", ptr("<a/>")},
		{"binary", "image/png", "\x89PNG", nil},
		{"missing content type", "", "abc", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, textResponse(tt.ct, tt.body))
			f.install(t, Options{})
			resp, err := f.win.CallFetch(context.Background(), page.NewRequest("", "https://a.test/", nil))
			require.NoError(t, err)
			assert.False(t, resp.BodyUsed())

			ev := f.waitEvents(t, "fetch", 1)[0]
			snippet := gjson.GetBytes(ev, "text_snippet")
			require.True(t, snippet.Exists())
			if tt.want == nil {
				assert.Equal(t, gjson.Null, snippet.Type)
				return
			}
			assert.Equal(t, *tt.want, snippet.String())
		})
	}
}

func TestFetchReportsKeepCallOrder(t *testing.T) {
	f := newFixture(t, func(ctx context.Context, req *page.Request) (*page.Response, error) {
		if strings.HasSuffix(req.URL, "/fail") {
			return nil, errors.New("refused")
		}
		return page.NewResponse(req.URL, 200, traffic.FromMap(map[string]string{"Content-Type": "text/plain"}), []byte(req.URL)), nil
	})
	f.install(t, Options{})

	var want []string
	for i := 0; i < 20; i++ {
		u := "https://a.test/" + strconv.Itoa(i)
		if i%5 == 4 {
			u = "https://a.test/" + strconv.Itoa(i) + "/fail"
		}
		want = append(want, u)
		_, _ = f.win.CallFetch(context.Background(), page.NewRequest("GET", u, nil))
	}

	require.Eventually(t, func() bool { return f.col.Len() >= len(want) }, time.Second, 5*time.Millisecond)
	var got []string
	for _, ev := range f.col.Events(false) {
		switch gjson.GetBytes(ev, "type").String() {
		case "fetch":
			got = append(got, gjson.GetBytes(ev, "url").String())
		case "fetch_error":
			got = append(got, gjson.GetBytes(ev, "args.0").String())
		}
	}
	assert.Equal(t, want, got)
}

func TestFetchSnippetDegradesToNull(t *testing.T) {
	f := newFixture(t, func(ctx context.Context, req *page.Request) (*page.Response, error) {
		return page.NewLazyResponse(req.URL, 500, traffic.FromMap(map[string]string{"Content-Type": "text/plain"}), func() ([]byte, error) {
			return nil, errors.New("decode failed")
		}), nil
	})
	f.install(t, Options{})
	_, err := f.win.CallFetch(context.Background(), page.NewRequest("", "https://a.test/err", nil))
	require.NoError(t, err)

	ev := f.waitEvents(t, "fetch", 1)[0]
	assert.Equal(t, int64(500), gjson.GetBytes(ev, "status").Int())
	assert.Equal(t, gjson.Null, gjson.GetBytes(ev, "text_snippet").Type)
}

func TestXHRReportsOnceAfterLoad(t *testing.T) {
	f := newFixture(t, nil)
	inst := f.install(t, Options{})
	require.NotNil(t, inst.XHROpen)
	require.NotNil(t, inst.XHRSend)

	x := f.win.NewXHR()
	require.NoError(t, x.Open("GET", "https://api.test/list"))
	assert.Empty(t, f.col.OfType("xhr"))
	require.NoError(t, x.Send(nil))
	assert.Empty(t, f.col.OfType("xhr"), "reported before completion")

	<-x.Done()
	evs := f.col.OfType("xhr")
	require.Len(t, evs, 1)
	assert.Equal(t, "https://api.test/list", gjson.GetBytes(evs[0], "url").String())
	assert.Equal(t, int64(200), gjson.GetBytes(evs[0], "status").Int())
	assert.Len(t, gjson.GetBytes(evs[0], "response_snippet").String(), 1000)

	v, ok := x.Expando("__url")
	assert.True(t, ok)
	assert.Equal(t, "https://api.test/list", v)

	// a second send on a finished request fails natively and must not add another report
	assert.ErrorIs(t, x.Send(nil), page.ErrInvalidState)
	assert.Len(t, f.col.OfType("xhr"), 1)
}

func TestXHRReusedInstanceReportsEachLoad(t *testing.T) {
	f := newFixture(t, nil)
	f.install(t, Options{})
	x := f.win.NewXHR()

	for _, u := range []string{"https://api.test/a", "https://api.test/b"} {
		require.NoError(t, x.Open("GET", u))
		require.NoError(t, x.Send(nil))
		<-x.Done()
	}
	evs := f.col.OfType("xhr")
	require.Len(t, evs, 2)
	assert.Equal(t, "https://api.test/a", gjson.GetBytes(evs[0], "url").String())
	assert.Equal(t, "https://api.test/b", gjson.GetBytes(evs[1], "url").String())
}

func TestXHRNonTextualSnippetIsNull(t *testing.T) {
	f := newFixture(t, nil)
	f.install(t, Options{})
	x := f.win.NewXHR()
	x.SetResponseType("blob")
	require.NoError(t, x.Open("GET", "https://api.test/blob"))
	require.NoError(t, x.Send(nil))
	<-x.Done()
	evs := f.col.OfType("xhr")
	require.Len(t, evs, 1)
	assert.Equal(t, gjson.Null, gjson.GetBytes(evs[0], "response_snippet").Type)
}

func TestMutationBatchCappedAtFive(t *testing.T) {
	f := newFixture(t, nil)
	f.install(t, Options{})

	body := f.doc.CreateElement("body", nil)
	f.doc.AppendChild(f.doc.Root(), body)
	f.doc.Flush()
	f.col.Events(true)

	f.doc.Batch(func() {
		for i := 0; i < 10; i++ {
			f.doc.AppendChild(body, f.doc.CreateElement("div", nil))
		}
	})

	evs := f.col.OfType("mutations")
	require.Len(t, evs, 1)
	items := gjson.GetBytes(evs[0], "mutations").Array()
	require.Len(t, items, 5)
	for _, it := range items {
		assert.Equal(t, "childList", it.Get("type").String())
		assert.Equal(t, "BODY", it.Get("target").String())
		assert.Equal(t, int64(1), it.Get("added").Int())
	}
}

func TestMutationEmptyBatchSendsNothing(t *testing.T) {
	f := newFixture(t, nil)
	f.install(t, Options{})
	el := f.doc.CreateElement("p", nil)
	f.doc.AppendChild(f.doc.Root(), el)
	f.doc.Flush()
	f.col.Events(true)

	// attribute changes are outside the childList subscription
	f.doc.Batch(func() { f.doc.SetAttribute(el, "class", "x") })
	assert.Zero(t, f.col.Len())

	f.doc.Batch(func() { require.NoError(t, f.doc.RemoveChild(f.doc.Root(), el)) })
	evs := f.col.OfType("mutations")
	require.Len(t, evs, 1)
	assert.Equal(t, int64(0), gjson.GetBytes(evs[0], "mutations.0.added").Int())
}

func TestOpenRedirectsInPlace(t *testing.T) {
	f := newFixture(t, nil)
	inst := f.install(t, Options{})
	require.NotNil(t, inst.Open)

	handle := f.win.CallOpen("https://example.com", "_blank", "")
	assert.Nil(t, handle)
	assert.Equal(t, "https://example.com", f.loc.Href())
	assert.Empty(t, f.opened)

	evs := f.col.OfType("new_window_redirect")
	require.Len(t, evs, 1)
	assert.Equal(t, "https://example.com", gjson.GetBytes(evs[0], "url").String())
	assert.Equal(t, "_blank", gjson.GetBytes(evs[0], "target").String())

	f.win.CallOpen("https://other.test", "", "")
	evs = f.col.OfType("new_window_redirect")
	require.Len(t, evs, 2)
	assert.Equal(t, gjson.Null, gjson.GetBytes(evs[1], "target").Type)
}

func TestOpenIgnoresNavigationFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.install(t, Options{})
	f.loc.FailWith(errors.New("blocked"))

	assert.Nil(t, f.win.CallOpen("https://example.com", "_blank", ""))
	assert.Len(t, f.col.OfType("new_window_redirect"), 1)
	assert.Equal(t, "https://start.test/index.html", f.loc.Href())
}

type panicSender struct{}

func (panicSender) Send(any) { panic("report broken") }

func TestOpenFallsBackToOriginal(t *testing.T) {
	f := newFixture(t, nil)
	_, ok := Install(f.win, panicSender{}, Options{})
	require.True(t, ok)

	handle := f.win.CallOpen("https://example.com", "_blank", "")
	require.NotNil(t, handle)
	assert.Equal(t, "https://example.com", handle.URL)
	assert.Equal(t, []string{"https://example.com"}, f.opened)
}

func TestNestedAnchorClick(t *testing.T) {
	f := newFixture(t, nil)
	f.install(t, Options{})

	outer := f.doc.CreateElement("a", map[string]string{"target": "_blank", "href": "https://outer.test"})
	inner := f.doc.CreateElement("a", map[string]string{"target": "_blank", "href": "https://x.test"})
	span := f.doc.CreateElement("span", nil)
	f.doc.AppendChild(f.doc.Root(), outer)
	f.doc.AppendChild(outer, inner)
	f.doc.AppendChild(inner, span)

	var pageSawPrevented bool
	span.AddEventListener("click", func(ev *page.Event) { pageSawPrevented = ev.DefaultPrevented() }, false)

	f.col.Events(true)
	followed := f.win.Click(span)

	assert.False(t, followed)
	assert.True(t, pageSawPrevented, "capture listener must run before page handlers")
	assert.Empty(t, f.opened)
	assert.Equal(t, "https://x.test", f.loc.Href())

	evs := f.col.OfType("new_window_redirect")
	require.Len(t, evs, 1)
	assert.Equal(t, "https://x.test", gjson.GetBytes(evs[0], "url").String())
	sel := gjson.GetBytes(evs[0], "selector")
	assert.True(t, sel.Exists())
	assert.Equal(t, gjson.Null, sel.Type)
}

func TestAnchorClickIgnoresOrdinaryLinks(t *testing.T) {
	f := newFixture(t, nil)
	f.install(t, Options{})

	same := f.doc.CreateElement("a", map[string]string{"href": "https://start.test/next"})
	empty := f.doc.CreateElement("a", map[string]string{"target": "_blank"})
	relative := f.doc.CreateElement("a", map[string]string{"target": "_blank", "href": "docs/page"})
	f.doc.AppendChild(f.doc.Root(), same)
	f.doc.AppendChild(f.doc.Root(), empty)
	f.doc.AppendChild(f.doc.Root(), relative)
	f.col.Events(true)

	assert.True(t, f.win.Click(same))
	assert.True(t, f.win.Click(empty))
	assert.Empty(t, f.col.OfType("new_window_redirect"))

	assert.False(t, f.win.Click(relative))
	evs := f.col.OfType("new_window_redirect")
	require.Len(t, evs, 1)
	assert.Equal(t, "https://start.test/docs/page", gjson.GetBytes(evs[0], "url").String())
}

func TestInstallIsIdempotent(t *testing.T) {
	f := newFixture(t, textResponse("text/plain", "a"))
	first := f.install(t, Options{})
	assert.True(t, Installed(f.win))

	second, ok := Install(f.win, f.ch, Options{})
	assert.False(t, ok)
	assert.Nil(t, second)

	assert.Equal(t, reflect.ValueOf(first.Fetch.Wrapped).Pointer(), reflect.ValueOf(f.win.Fetch()).Pointer())

	_, err := f.win.CallFetch(context.Background(), page.NewRequest("", "https://a.test/", nil))
	require.NoError(t, err)
	f.waitEvents(t, "fetch", 1)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, f.col.OfType("fetch"), 1)

	f.win.CallOpen("https://example.com", "", "")
	assert.Len(t, f.col.OfType("new_window_redirect"), 1)
}

func TestInstallSkipsUnavailableAPIs(t *testing.T) {
	w := page.NewWindow(page.Options{})
	col := report.NewCollector(0)
	inst, ok := Install(w, report.New(col, nil, nil), Options{})
	require.True(t, ok)
	assert.ElementsMatch(t, []string{"fetch", "xhr", "mutations", "click"}, inst.Skipped)
	assert.Nil(t, inst.Fetch)
	require.NotNil(t, inst.Open)
	assert.Nil(t, inst.Open.Original)
	assert.Nil(t, w.CallOpen("https://a.test", "", ""))
	assert.Equal(t, "https://a.test", w.Location().Href())
}

func TestInstallAllowPopups(t *testing.T) {
	f := newFixture(t, nil)
	inst := f.install(t, Options{AllowPopups: true})
	assert.Nil(t, inst.Open)
	assert.False(t, inst.ClickCapture)

	h := f.win.CallOpen("https://example.com", "_blank", "")
	require.NotNil(t, h)
	assert.Equal(t, []string{"https://example.com"}, f.opened)
	assert.Empty(t, f.col.OfType("new_window_redirect"))
}

func ptr(s string) *string { return &s }
