package report

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// DefaultCapacity 内存收集器默认保留的事件数
const DefaultCapacity = 1000

// Collector 内存事件收集器，超出容量时丢弃最早的事件
type Collector struct {
	mu       sync.Mutex
	events   []json.RawMessage
	capacity int
	now      func() time.Time
}

// NewCollector 创建收集器，capacity <= 0 时使用 DefaultCapacity
func NewCollector(capacity int) *Collector {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Collector{capacity: capacity, now: time.Now}
}

// Report 实现 Bridge，缺少 ts 时补上宿主接收时间（秒）
func (c *Collector) Report(payload []byte) error {
	p := payload
	if !gjson.GetBytes(p, "ts").Exists() {
		var err error
		p, err = sjson.SetBytes(p, "ts", float64(c.now().UnixNano())/1e9)
		if err != nil {
			return err
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.events) >= c.capacity {
		c.events = append(c.events[:0], c.events[1:]...)
	}
	c.events = append(c.events, json.RawMessage(p))
	return nil
}

// Events 返回事件快照，clear 为 true 时同时清空
func (c *Collector) Events(clear bool) []json.RawMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]json.RawMessage, len(c.events))
	copy(out, c.events)
	if clear {
		c.events = nil
	}
	return out
}

// OfType 返回指定类型的事件
func (c *Collector) OfType(typ string) []json.RawMessage {
	var out []json.RawMessage
	for _, ev := range c.Events(false) {
		if gjson.GetBytes(ev, "type").String() == typ {
			out = append(out, ev)
		}
	}
	return out
}

// Len 当前事件数
func (c *Collector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

// Chan 将事件投递到通道，通道满时直接丢弃
func Chan(ch chan<- []byte) Bridge {
	return BridgeFunc(func(payload []byte) error {
		select {
		case ch <- payload:
			return nil
		default:
			return errors.New("report: channel full")
		}
	})
}

// Multi 依次转发到多个上报桥，单个失败不影响其余
func Multi(bridges ...Bridge) Bridge {
	return BridgeFunc(func(payload []byte) error {
		var errs []error
		for _, b := range bridges {
			if b == nil {
				continue
			}
			if err := b.Report(payload); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}
