package cdp

import (
	"context"
	"errors"
	"sync"
	"time"

	"pagewatch/pkg/page"

	"github.com/mafredri/cdp/protocol/dom"
)

// errUnknownNode 镜像中没有对应节点
var errUnknownNode = errors.New("cdp: node is not mirrored")

// domMirror 按 DOM 域事件维护页面文档的镜像，调用方负责串行化
type domMirror struct {
	doc   *page.Document
	nodes map[dom.NodeID]*page.Node
	ids   map[*page.Node]dom.NodeID
	// changed 子节点数变化后已请求子树、等待 setChildNodes 的节点
	changed map[dom.NodeID]struct{}
}

func newDOMMirror(doc *page.Document) *domMirror {
	return &domMirror{
		doc:     doc,
		nodes:   make(map[dom.NodeID]*page.Node),
		ids:     make(map[*page.Node]dom.NodeID),
		changed: make(map[dom.NodeID]struct{}),
	}
}

// load 用文档快照替换镜像内容，不产生变更记录
func (m *domMirror) load(root dom.Node) {
	m.doc.Load(func() {
		r := m.doc.Root()
		for _, c := range r.Children() {
			_ = m.doc.RemoveChild(r, c)
		}
		m.nodes = map[dom.NodeID]*page.Node{root.NodeID: r}
		m.ids = map[*page.Node]dom.NodeID{r: root.NodeID}
		m.changed = make(map[dom.NodeID]struct{})
		for _, c := range root.Children {
			if n := m.build(c); n != nil {
				m.doc.AppendChild(r, n)
			}
		}
	})
}

// build 创建脱离文档的节点子树并登记节点 ID，注释、doctype 等节点被忽略
func (m *domMirror) build(n dom.Node) *page.Node {
	var node *page.Node
	switch n.NodeType {
	case page.ElementNode:
		node = m.doc.CreateElement(n.NodeName, attrMap(n.Attributes))
	case page.TextNode:
		node = m.doc.CreateTextNode(n.NodeValue)
	default:
		return nil
	}
	m.nodes[n.NodeID] = node
	m.ids[node] = n.NodeID
	for _, c := range n.Children {
		if cn := m.build(c); cn != nil {
			m.doc.AppendChild(node, cn)
		}
	}
	return node
}

// insert 对应 DOM.childNodeInserted，prev 为 0 表示插入到最前
func (m *domMirror) insert(parentID, prevID dom.NodeID, n dom.Node) error {
	parent, ok := m.nodes[parentID]
	if !ok {
		return errUnknownNode
	}
	child := m.build(n)
	if child == nil {
		return nil
	}
	var ref *page.Node
	kids := parent.Children()
	if prevID == 0 {
		if len(kids) > 0 {
			ref = kids[0]
		}
	} else if prev, ok := m.nodes[prevID]; ok {
		for i, k := range kids {
			if k == prev && i+1 < len(kids) {
				ref = kids[i+1]
				break
			}
		}
	}
	return m.doc.InsertBefore(parent, child, ref)
}

// remove 对应 DOM.childNodeRemoved
func (m *domMirror) remove(parentID, nodeID dom.NodeID) error {
	parent, ok := m.nodes[parentID]
	if !ok {
		return errUnknownNode
	}
	node, ok := m.nodes[nodeID]
	if !ok {
		return errUnknownNode
	}
	if err := m.doc.RemoveChild(parent, node); err != nil {
		return err
	}
	m.forget(node)
	return nil
}

// countChanged 对应 DOM.childNodeCountUpdated：子树未下发的节点只收到计数变化，
// 记下节点，随后请求到的子树按一次 childList 变更应用
func (m *domMirror) countChanged(id dom.NodeID) error {
	if _, ok := m.nodes[id]; !ok {
		return errUnknownNode
	}
	m.changed[id] = struct{}{}
	return nil
}

// setChildren 对应 DOM.setChildNodes。补齐此前未下发的子树时不产生变更记录，
// 响应计数变化的子树记为一次 childList 变更
func (m *domMirror) setChildren(parentID dom.NodeID, nodes []dom.Node) error {
	parent, ok := m.nodes[parentID]
	if !ok {
		return errUnknownNode
	}
	for _, c := range parent.Children() {
		m.forget(c)
	}
	built := make([]*page.Node, 0, len(nodes))
	for _, n := range nodes {
		if cn := m.build(n); cn != nil {
			built = append(built, cn)
		}
	}
	if _, ok := m.changed[parentID]; ok {
		delete(m.changed, parentID)
		m.doc.ReplaceChildren(parent, built...)
		return nil
	}
	m.doc.Load(func() { m.doc.ReplaceChildren(parent, built...) })
	return nil
}

// unfilled 返回子树中有子节点但未随事件下发的节点
func unfilled(n dom.Node) []dom.NodeID {
	var out []dom.NodeID
	if n.ChildNodeCount != nil && *n.ChildNodeCount > 0 && len(n.Children) == 0 {
		out = append(out, n.NodeID)
	}
	for _, c := range n.Children {
		out = append(out, unfilled(c)...)
	}
	return out
}

func (m *domMirror) forget(n *page.Node) {
	if id, ok := m.ids[n]; ok {
		delete(m.nodes, id)
		delete(m.ids, n)
		delete(m.changed, id)
	}
	for _, c := range n.Children() {
		m.forget(c)
	}
}

func (m *domMirror) size() int {
	return len(m.nodes)
}

// attrMap 将 [name, value, name, value...] 形式的属性列表转换为 map
func attrMap(flat []string) map[string]string {
	out := make(map[string]string, len(flat)/2)
	for i := 0; i+1 < len(flat); i += 2 {
		out[flat[i]] = flat[i+1]
	}
	return out
}

// consumeDOM 按到达顺序把 DOM 域事件应用到镜像，变更在批次窗口结束时投递
func (t *Target) consumeDOM(inserted dom.ChildNodeInsertedClient, removed dom.ChildNodeRemovedClient, setChildren dom.SetChildNodesClient, counts dom.ChildNodeCountUpdatedClient, updated dom.DocumentUpdatedClient) {
	defer inserted.Close()
	defer removed.Close()
	defer setChildren.Close()
	defer counts.Close()
	defer updated.Close()

	for {
		var err error
		select {
		case <-t.ctx.Done():
			return
		case <-inserted.Ready():
			var ev *dom.ChildNodeInsertedReply
			if ev, err = inserted.Recv(); err == nil {
				if t.applyDOM("childNodeInserted", func() error { return t.mirror.insert(ev.ParentNodeID, ev.PreviousNodeID, ev.Node) }) {
					t.requestChildren(unfilled(ev.Node)...)
				}
			}
		case <-removed.Ready():
			var ev *dom.ChildNodeRemovedReply
			if ev, err = removed.Recv(); err == nil {
				t.applyDOM("childNodeRemoved", func() error { return t.mirror.remove(ev.ParentNodeID, ev.NodeID) })
			}
		case <-setChildren.Ready():
			var ev *dom.SetChildNodesReply
			if ev, err = setChildren.Recv(); err == nil {
				t.applyDOM("setChildNodes", func() error { return t.mirror.setChildren(ev.ParentID, ev.Nodes) })
			}
		case <-counts.Ready():
			var ev *dom.ChildNodeCountUpdatedReply
			if ev, err = counts.Recv(); err == nil {
				if t.applyDOM("childNodeCountUpdated", func() error { return t.mirror.countChanged(ev.NodeID) }) {
					t.requestChildren(ev.NodeID)
				}
			}
		case <-updated.Ready():
			if _, err = updated.Recv(); err == nil {
				t.reloadSoon(func() {
					if rerr := t.reload(t.ctx); rerr != nil {
						t.log.Debug("文档更新后重新加载失败", "error", rerr)
					}
				})
			}
		}
		if err != nil {
			if t.ctx.Err() == nil {
				t.log.Err(err, "DOM 事件流中断")
			}
			return
		}
	}
}

// applyDOM 在页面事件循环中更新镜像，成功时启动批次计时
func (t *Target) applyDOM(what string, fn func() error) bool {
	t.loop.Lock()
	err := fn()
	t.loop.Unlock()
	if err != nil {
		t.log.Debug("DOM 镜像更新失败", "event", what, "error", err)
		return false
	}
	t.batch.arm()
	return true
}

// requestChildren 请求节点的完整子树，之后这些节点内的变更以 childNodeInserted 下发
func (t *Target) requestChildren(ids ...dom.NodeID) {
	if len(ids) == 0 {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(t.ctx, t.opts.ProcessTimeout)
		defer cancel()
		for _, id := range ids {
			if err := t.client.DOM.RequestChildNodes(ctx, dom.NewRequestChildNodesArgs(id).SetDepth(-1)); err != nil {
				t.log.Debug("请求子节点失败", "node", int(id), "error", err)
			}
		}
	}()
}

// flushTimer 第一条待投递变更出现时开始计时，到期投递一批，
// 持续变化的页面也按固定间隔得到批次
type flushTimer struct {
	wait time.Duration
	fire func()

	mu    sync.Mutex
	timer *time.Timer
}

func newFlushTimer(wait time.Duration, fire func()) *flushTimer {
	return &flushTimer{wait: wait, fire: fire}
}

// arm 计时未开始时开始计时，已在计时中则不延长
func (f *flushTimer) arm() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.timer != nil {
		return
	}
	f.timer = time.AfterFunc(f.wait, func() {
		f.mu.Lock()
		f.timer = nil
		f.mu.Unlock()
		f.fire()
	})
}

func (f *flushTimer) stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.timer != nil {
		f.timer.Stop()
		f.timer = nil
	}
}
