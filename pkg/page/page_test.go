package page

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pagewatch/pkg/traffic"
)

func TestResponseCloneKeepsBodyReadable(t *testing.T) {
	resp := NewResponse("https://a.test", 200, traffic.FromMap(map[string]string{"Content-Type": "text/plain"}), []byte("hello"))

	clone, err := resp.Clone()
	require.NoError(t, err)

	text, err := clone.Text()
	require.NoError(t, err)
	assert.Equal(t, "hello", text)
	assert.False(t, resp.BodyUsed())

	text, err = resp.Text()
	require.NoError(t, err)
	assert.Equal(t, "hello", text)

	_, err = resp.Text()
	assert.ErrorIs(t, err, ErrBodyUsed)
	_, err = resp.Clone()
	assert.ErrorIs(t, err, ErrBodyUsed)
}

func TestLazyResponseError(t *testing.T) {
	boom := errors.New("boom")
	resp := NewLazyResponse("https://a.test", 200, nil, func() ([]byte, error) { return nil, boom })
	_, err := resp.Text()
	assert.ErrorIs(t, err, boom)
}

func TestRequestArgs(t *testing.T) {
	req := NewRequest("post", "https://a.test/x", []byte("q=1"))
	args := req.Args()
	require.Len(t, args, 2)
	assert.Equal(t, "https://a.test/x", args[0])
	init, ok := args[1].(RequestInit)
	require.True(t, ok)
	assert.Equal(t, "POST", init.Method)
	require.NotNil(t, init.Body)
	assert.Equal(t, "q=1", *init.Body)
}

func TestDispatchOrder(t *testing.T) {
	doc := NewDocument()
	div := doc.CreateElement("div", nil)
	span := doc.CreateElement("span", nil)
	doc.AppendChild(doc.Root(), div)
	doc.AppendChild(div, span)

	var order []string
	doc.AddEventListener("click", func(*Event) { order = append(order, "doc-bubble") }, false)
	doc.AddEventListener("click", func(*Event) { order = append(order, "doc-capture") }, true)
	div.AddEventListener("click", func(*Event) { order = append(order, "div-bubble") }, false)
	span.AddEventListener("click", func(*Event) { order = append(order, "span") }, false)

	ok := doc.Dispatch(&Event{Type: "click", Target: span})
	assert.True(t, ok)
	assert.Equal(t, []string{"doc-capture", "span", "div-bubble", "doc-bubble"}, order)
}

func TestDispatchPreventDefault(t *testing.T) {
	doc := NewDocument()
	a := doc.CreateElement("a", map[string]string{"href": "https://x.test"})
	doc.AppendChild(doc.Root(), a)
	doc.AddEventListener("click", func(ev *Event) { ev.PreventDefault() }, true)
	assert.False(t, doc.Dispatch(&Event{Type: "click", Target: a}))
}

func TestMutationObserverSubtreeBatch(t *testing.T) {
	doc := NewDocument()
	var batches [][]MutationRecord
	obs := NewMutationObserver(func(rs []MutationRecord) { batches = append(batches, rs) })
	require.NoError(t, obs.Observe(doc.Root(), ObserveOptions{ChildList: true, Subtree: true}))

	body := doc.CreateElement("body", nil)
	doc.Batch(func() {
		doc.AppendChild(doc.Root(), body)
		doc.AppendChild(body, doc.CreateElement("p", nil))
		doc.SetAttribute(body, "class", "x")
	})

	require.Len(t, batches, 1)
	require.Len(t, batches[0], 2)
	assert.Equal(t, "#document", batches[0][0].Target.NodeName)
	assert.Equal(t, "BODY", batches[0][1].Target.NodeName)

	doc.Flush()
	assert.Len(t, batches, 1)

	obs.Disconnect()
	doc.Batch(func() { doc.AppendChild(body, doc.CreateElement("p", nil)) })
	assert.Len(t, batches, 1)
}

func TestObserveRejectsEmptyOptions(t *testing.T) {
	doc := NewDocument()
	obs := NewMutationObserver(func([]MutationRecord) {})
	assert.ErrorIs(t, obs.Observe(doc.Root(), ObserveOptions{Subtree: true}), ErrObserveOptions)
}

func TestXHRLifecycle(t *testing.T) {
	w := NewWindow(Options{Transport: func(x *XHR, req *Request, done func(*Response, error)) {
		go done(NewResponse(req.URL, 201, nil, []byte("created")), nil)
	}})
	x := w.NewXHR()
	require.NotNil(t, x)
	assert.ErrorIs(t, x.Send(nil), ErrInvalidState)

	loaded := make(chan struct{})
	x.AddEventListener("load", func() { close(loaded) })
	require.NoError(t, x.Open("GET", "https://a.test/api"))
	require.NoError(t, x.Send(nil))

	select {
	case <-loaded:
	case <-time.After(time.Second):
		t.Fatal("load not fired")
	}
	<-x.Done()
	assert.Equal(t, 201, x.Status())
	text, ok := x.ResponseText()
	assert.True(t, ok)
	assert.Equal(t, "created", text)
	assert.Equal(t, XHRDone, x.ReadyState())
}

func TestXHRNonTextResponseType(t *testing.T) {
	w := NewWindow(Options{Transport: func(x *XHR, req *Request, done func(*Response, error)) {
		done(NewResponse(req.URL, 200, nil, []byte{0x01}), nil)
	}})
	x := w.NewXHR()
	x.SetResponseType("arraybuffer")
	require.NoError(t, x.Open("GET", "https://a.test/bin"))
	require.NoError(t, x.Send(nil))
	<-x.Done()
	_, ok := x.ResponseText()
	assert.False(t, ok)
}

func TestXHRReuseAfterDone(t *testing.T) {
	w := NewWindow(Options{Transport: func(x *XHR, req *Request, done func(*Response, error)) {
		go done(NewResponse(req.URL, 200, nil, []byte(req.URL)), nil)
	}})
	x := w.NewXHR()
	var mu sync.Mutex
	loads := 0
	x.AddEventListener("load", func() {
		mu.Lock()
		loads++
		mu.Unlock()
	})

	for _, u := range []string{"https://a.test/1", "https://a.test/2"} {
		require.NoError(t, x.Open("GET", u))
		require.NoError(t, x.Send(nil))
		<-x.Done()
		text, ok := x.ResponseText()
		assert.True(t, ok)
		assert.Equal(t, u, text)
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, loads)
}

func TestWindowClickDefaultAction(t *testing.T) {
	doc := NewDocument()
	var opened []string
	loc := NewMemoryLocation("https://start.test")
	w := NewWindow(Options{
		Document: doc,
		Location: loc,
		Open: func(url, target, features string) *WindowHandle {
			opened = append(opened, url)
			return &WindowHandle{URL: url, Name: target}
		},
	})
	blank := doc.CreateElement("a", map[string]string{"href": "https://new.test", "target": "_blank"})
	same := doc.CreateElement("a", map[string]string{"href": "https://same.test"})
	doc.AppendChild(doc.Root(), blank)
	doc.AppendChild(doc.Root(), same)

	assert.True(t, w.Click(blank))
	assert.Equal(t, []string{"https://new.test"}, opened)
	assert.Equal(t, "https://start.test", loc.Href())

	assert.True(t, w.Click(same))
	assert.Equal(t, "https://same.test", loc.Href())
}

func TestWindowGlobals(t *testing.T) {
	w := NewWindow(Options{})
	_, ok := w.Global(GlobalPageID)
	assert.False(t, ok)
	w.SetGlobal(GlobalPageID, "p-1")
	v, ok := w.Global(GlobalPageID)
	assert.True(t, ok)
	assert.Equal(t, "p-1", v)
	assert.Nil(t, w.NewXHR())
	_, err := w.CallFetch(context.Background(), NewRequest("", "https://a.test", nil))
	assert.ErrorIs(t, err, ErrNoFetch)
}

func TestInsertBeforeAndQuietLoad(t *testing.T) {
	doc := NewDocument()
	var batches [][]MutationRecord
	obs := NewMutationObserver(func(r []MutationRecord) { batches = append(batches, r) })
	require.NoError(t, obs.Observe(doc.Root(), ObserveOptions{ChildList: true, Subtree: true}))

	body := doc.CreateElement("body", nil)
	last := doc.CreateElement("p", nil)
	doc.Load(func() {
		doc.AppendChild(doc.Root(), body)
		doc.AppendChild(body, last)
	})
	doc.Flush()
	assert.Empty(t, batches)

	first := doc.CreateElement("h1", nil)
	require.NoError(t, doc.InsertBefore(body, first, last))
	doc.Flush()
	require.Len(t, batches, 1)
	assert.Equal(t, []*Node{first, last}, body.Children())

	stray := doc.CreateElement("div", nil)
	assert.ErrorIs(t, doc.InsertBefore(body, doc.CreateElement("i", nil), stray), ErrNotChild)
}

func TestReplaceChildrenRecordsOnce(t *testing.T) {
	doc := NewDocument()
	var batches [][]MutationRecord
	obs := NewMutationObserver(func(r []MutationRecord) { batches = append(batches, r) })
	require.NoError(t, obs.Observe(doc.Root(), ObserveOptions{ChildList: true, Subtree: true}))

	list := doc.CreateElement("ul", nil)
	old := doc.CreateElement("li", nil)
	doc.Load(func() {
		doc.AppendChild(doc.Root(), list)
		doc.AppendChild(list, old)
	})

	a, b := doc.CreateElement("li", nil), doc.CreateElement("li", nil)
	doc.ReplaceChildren(list, a, b)
	doc.ReplaceChildren(doc.CreateElement("div", nil))
	doc.Flush()

	require.Len(t, batches, 1)
	require.Len(t, batches[0], 1)
	r := batches[0][0]
	assert.Same(t, list, r.Target)
	assert.Equal(t, []*Node{a, b}, r.AddedNodes)
	assert.Equal(t, []*Node{old}, r.RemovedNodes)
	assert.Nil(t, old.Parent())
	assert.Same(t, list, a.Parent())
}
