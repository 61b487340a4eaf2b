package page

import (
	"errors"
	"sync"
)

// ErrObserveOptions 观察选项未启用任何变更类型
var ErrObserveOptions = errors.New("page: observe options must enable childList, attributes or characterData")

// MutationRecord 单条 DOM 变更记录
type MutationRecord struct {
	Type          string
	Target        *Node
	AddedNodes    []*Node
	RemovedNodes  []*Node
	AttributeName string
}

// ObserveOptions 观察范围
type ObserveOptions struct {
	ChildList     bool
	Attributes    bool
	CharacterData bool
	Subtree       bool
}

func (o ObserveOptions) accepts(typ string) bool {
	switch typ {
	case "childList":
		return o.ChildList
	case "attributes":
		return o.Attributes
	case "characterData":
		return o.CharacterData
	}
	return false
}

// MutationCallback 批量变更回调
type MutationCallback func(records []MutationRecord)

type observation struct {
	node *Node
	opts ObserveOptions
}

// MutationObserver DOM 变更观察者，变更在 Document.Flush 时批量投递
type MutationObserver struct {
	cb MutationCallback

	mu      sync.Mutex
	doc     *Document
	targets []observation
	queue   []MutationRecord
}

// NewMutationObserver 创建观察者
func NewMutationObserver(cb MutationCallback) *MutationObserver {
	return &MutationObserver{cb: cb}
}

// Observe 开始观察节点
func (o *MutationObserver) Observe(target *Node, opts ObserveOptions) error {
	if target == nil || target.doc == nil {
		return errors.New("page: observe target is not attached to a document")
	}
	if !opts.ChildList && !opts.Attributes && !opts.CharacterData {
		return ErrObserveOptions
	}
	d := target.doc
	o.mu.Lock()
	o.doc = d
	o.targets = append(o.targets, observation{node: target, opts: opts})
	o.mu.Unlock()

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, cur := range d.observers {
		if cur == o {
			return nil
		}
	}
	d.observers = append(d.observers, o)
	return nil
}

// Disconnect 停止观察并丢弃未投递的记录
func (o *MutationObserver) Disconnect() {
	o.mu.Lock()
	d := o.doc
	o.targets = nil
	o.queue = nil
	o.mu.Unlock()
	if d == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, cur := range d.observers {
		if cur == o {
			d.observers = append(d.observers[:i:i], d.observers[i+1:]...)
			break
		}
	}
}

// TakeRecords 取走未投递的记录
func (o *MutationObserver) TakeRecords() []MutationRecord {
	o.mu.Lock()
	defer o.mu.Unlock()
	q := o.queue
	o.queue = nil
	return q
}

func (o *MutationObserver) matches(r MutationRecord) bool {
	for _, t := range o.targets {
		if !t.opts.accepts(r.Type) {
			continue
		}
		if r.Target == t.node || (t.opts.Subtree && contains(t.node, r.Target)) {
			return true
		}
	}
	return false
}

// record 将变更加入所有匹配观察者的队列
func (d *Document) record(r MutationRecord) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.quiet > 0 {
		return
	}
	for _, o := range d.observers {
		o.mu.Lock()
		if o.matches(r) {
			o.queue = append(o.queue, r)
		}
		o.mu.Unlock()
	}
}

// Flush 向每个有待投递记录的观察者调用一次回调
func (d *Document) Flush() {
	d.mu.RLock()
	observers := append([]*MutationObserver(nil), d.observers...)
	d.mu.RUnlock()
	for _, o := range observers {
		if batch := o.TakeRecords(); len(batch) > 0 {
			o.cb(batch)
		}
	}
}

// Batch 同步执行一组 DOM 操作后统一投递变更
func (d *Document) Batch(fn func()) {
	fn()
	d.Flush()
}
