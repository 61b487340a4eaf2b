package report

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"pagewatch/pkg/domain"
	"pagewatch/pkg/page"
)

func TestSendStampsPageID(t *testing.T) {
	col := NewCollector(0)
	ch := New(col, StaticPageID("page-7"), nil)

	ch.Send(domain.NewFetchEvent("https://a.test", 200, nil))

	evs := col.Events(false)
	require.Len(t, evs, 1)
	assert.Equal(t, "page-7", gjson.GetBytes(evs[0], "page_id").String())
	assert.Equal(t, "fetch", gjson.GetBytes(evs[0], "type").String())
	assert.Equal(t, gjson.Null, gjson.GetBytes(evs[0], "text_snippet").Type)
	assert.True(t, gjson.GetBytes(evs[0], "ts").Exists())
}

func TestSendAbsentPageIDIsNull(t *testing.T) {
	col := NewCollector(0)
	w := page.NewWindow(page.Options{})
	ch := New(col, WindowPageID(w), nil)

	ch.Send(domain.NewOpenRedirectEvent("https://a.test", ""))
	w.SetGlobal(page.GlobalPageID, "late")
	ch.Send(domain.NewOpenRedirectEvent("https://b.test", "_blank"))

	evs := col.Events(true)
	require.Len(t, evs, 2)
	pid := gjson.GetBytes(evs[0], "page_id")
	assert.True(t, pid.Exists())
	assert.Equal(t, gjson.Null, pid.Type)
	assert.Equal(t, gjson.Null, gjson.GetBytes(evs[0], "target").Type)
	assert.Equal(t, "late", gjson.GetBytes(evs[1], "page_id").String())
	assert.Equal(t, "_blank", gjson.GetBytes(evs[1], "target").String())
	assert.Zero(t, col.Len())
}

func TestSendSwallowsBridgeFailures(t *testing.T) {
	tests := []struct {
		name   string
		bridge Bridge
	}{
		{"nil bridge", nil},
		{"error", BridgeFunc(func([]byte) error { return errors.New("down") })},
		{"panic", BridgeFunc(func([]byte) error { panic("boom") })},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch := New(tt.bridge, StaticPageID("p"), nil)
			assert.NotPanics(t, func() { ch.Send(domain.NewFetchEvent("u", 1, nil)) })
		})
	}
}

func TestSendSwallowsPageIDPanic(t *testing.T) {
	col := NewCollector(0)
	ch := New(col, func() (string, bool) { panic("no page") }, nil)
	ch.Send(domain.NewFetchEvent("u", 1, nil))
	require.Equal(t, 1, col.Len())
	assert.Equal(t, gjson.Null, gjson.GetBytes(col.Events(false)[0], "page_id").Type)
}

func TestSendUnserializable(t *testing.T) {
	col := NewCollector(0)
	ch := New(col, nil, nil)
	ch.Send(map[string]any{"type": "x", "bad": make(chan int)})
	assert.Zero(t, col.Len())
}

func TestCollectorCapacity(t *testing.T) {
	col := NewCollector(3)
	col.now = func() time.Time { return time.Unix(10, 0) }
	ch := New(col, nil, nil)
	for i := 0; i < 5; i++ {
		ch.Send(domain.NewXHREvent("u", i, nil))
	}
	evs := col.Events(false)
	require.Len(t, evs, 3)
	assert.Equal(t, int64(2), gjson.GetBytes(evs[0], "status").Int())
	assert.Equal(t, float64(10), gjson.GetBytes(evs[0], "ts").Float())
	assert.Len(t, col.OfType("xhr"), 3)
}

func TestChanAndMulti(t *testing.T) {
	buf := make(chan []byte, 1)
	col := NewCollector(0)
	b := Multi(Chan(buf), col)

	require.NoError(t, b.Report([]byte(`{"type":"a"}`)))
	err := b.Report([]byte(`{"type":"b"}`))
	assert.Error(t, err)
	assert.Equal(t, 2, col.Len())
	assert.JSONEq(t, `{"type":"a"}`, string(<-buf))
}
