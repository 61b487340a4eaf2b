package page

import (
	"errors"
	"strings"
	"sync"
)

// 节点类型
const (
	ElementNode  = 1
	TextNode     = 3
	DocumentNode = 9
)

// ErrNotChild 节点不是指定父节点的子节点
var ErrNotChild = errors.New("page: node is not a child of this node")

// Listener DOM 事件监听函数
type Listener func(ev *Event)

type listener struct {
	fn      Listener
	capture bool
}

// Node DOM 节点
type Node struct {
	NodeType int
	NodeName string

	doc       *Document
	parent    *Node
	children  []*Node
	attrs     map[string]string
	text      string
	listeners map[string][]listener
}

// Parent 父节点
func (n *Node) Parent() *Node {
	n.doc.mu.RLock()
	defer n.doc.mu.RUnlock()
	return n.parent
}

// Children 子节点快照
func (n *Node) Children() []*Node {
	n.doc.mu.RLock()
	defer n.doc.mu.RUnlock()
	return append([]*Node(nil), n.children...)
}

// Attr 读取属性，不存在时返回空串
func (n *Node) Attr(name string) string {
	n.doc.mu.RLock()
	defer n.doc.mu.RUnlock()
	return n.attrs[strings.ToLower(name)]
}

// Text 文本节点内容
func (n *Node) Text() string {
	n.doc.mu.RLock()
	defer n.doc.mu.RUnlock()
	return n.text
}

// AddEventListener 在节点上注册事件监听
func (n *Node) AddEventListener(typ string, fn Listener, capture bool) {
	n.doc.mu.Lock()
	defer n.doc.mu.Unlock()
	if n.listeners == nil {
		n.listeners = make(map[string][]listener)
	}
	n.listeners[typ] = append(n.listeners[typ], listener{fn: fn, capture: capture})
}

// Event DOM 事件
type Event struct {
	Type   string
	Target *Node

	defaultPrevented bool
	stopped          bool
}

// PreventDefault 阻止默认行为
func (e *Event) PreventDefault() { e.defaultPrevented = true }

// DefaultPrevented 默认行为是否已被阻止
func (e *Event) DefaultPrevented() bool { return e.defaultPrevented }

// StopPropagation 停止继续传播
func (e *Event) StopPropagation() { e.stopped = true }

// Document DOM 文档，负责节点树、事件派发与变更记录
type Document struct {
	mu        sync.RWMutex
	root      *Node
	observers []*MutationObserver
	quiet     int
}

// NewDocument 创建只含文档节点的空文档
func NewDocument() *Document {
	d := &Document{}
	d.root = &Node{NodeType: DocumentNode, NodeName: "#document", doc: d}
	return d
}

// Root 文档节点
func (d *Document) Root() *Node {
	return d.root
}

// CreateElement 创建元素节点，标签名统一为大写
func (d *Document) CreateElement(tag string, attrs map[string]string) *Node {
	n := &Node{NodeType: ElementNode, NodeName: strings.ToUpper(tag), doc: d, attrs: make(map[string]string, len(attrs))}
	for k, v := range attrs {
		n.attrs[strings.ToLower(k)] = v
	}
	return n
}

// CreateTextNode 创建文本节点
func (d *Document) CreateTextNode(text string) *Node {
	return &Node{NodeType: TextNode, NodeName: "#text", doc: d, text: text}
}

// AppendChild 追加子节点并记录 childList 变更
func (d *Document) AppendChild(parent, child *Node) {
	d.mu.Lock()
	if child.parent != nil {
		child.parent.children = removeNode(child.parent.children, child)
	}
	child.parent = parent
	parent.children = append(parent.children, child)
	d.mu.Unlock()
	d.record(MutationRecord{Type: "childList", Target: parent, AddedNodes: []*Node{child}})
}

// InsertBefore 在 ref 之前插入子节点，ref 为 nil 时追加到末尾
func (d *Document) InsertBefore(parent, child, ref *Node) error {
	d.mu.Lock()
	if ref != nil && ref.parent != parent {
		d.mu.Unlock()
		return ErrNotChild
	}
	if child.parent != nil {
		child.parent.children = removeNode(child.parent.children, child)
	}
	child.parent = parent
	idx := len(parent.children)
	for i, c := range parent.children {
		if c == ref {
			idx = i
			break
		}
	}
	parent.children = append(parent.children, nil)
	copy(parent.children[idx+1:], parent.children[idx:])
	parent.children[idx] = child
	d.mu.Unlock()
	d.record(MutationRecord{Type: "childList", Target: parent, AddedNodes: []*Node{child}})
	return nil
}

// ReplaceChildren 用 nodes 替换全部子节点，记录一条 childList 变更
func (d *Document) ReplaceChildren(parent *Node, nodes ...*Node) {
	d.mu.Lock()
	removed := parent.children
	for _, c := range removed {
		c.parent = nil
	}
	parent.children = nil
	for _, n := range nodes {
		if n.parent != nil {
			n.parent.children = removeNode(n.parent.children, n)
		}
		n.parent = parent
		parent.children = append(parent.children, n)
	}
	d.mu.Unlock()
	if len(removed) == 0 && len(nodes) == 0 {
		return
	}
	d.record(MutationRecord{Type: "childList", Target: parent, AddedNodes: nodes, RemovedNodes: removed})
}

// Load 以解析器身份执行 fn，其中的 DOM 操作不产生变更记录
func (d *Document) Load(fn func()) {
	d.mu.Lock()
	d.quiet++
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.quiet--
		d.mu.Unlock()
	}()
	fn()
}

// RemoveChild 移除子节点并记录 childList 变更
func (d *Document) RemoveChild(parent, child *Node) error {
	d.mu.Lock()
	if child.parent != parent {
		d.mu.Unlock()
		return ErrNotChild
	}
	parent.children = removeNode(parent.children, child)
	child.parent = nil
	d.mu.Unlock()
	d.record(MutationRecord{Type: "childList", Target: parent, RemovedNodes: []*Node{child}})
	return nil
}

// SetAttribute 设置属性并记录 attributes 变更
func (d *Document) SetAttribute(n *Node, name, value string) {
	d.mu.Lock()
	if n.attrs == nil {
		n.attrs = make(map[string]string)
	}
	n.attrs[strings.ToLower(name)] = value
	d.mu.Unlock()
	d.record(MutationRecord{Type: "attributes", Target: n, AttributeName: strings.ToLower(name)})
}

// SetText 修改文本节点并记录 characterData 变更
func (d *Document) SetText(n *Node, text string) {
	d.mu.Lock()
	n.text = text
	d.mu.Unlock()
	d.record(MutationRecord{Type: "characterData", Target: n})
}

// AddEventListener 在文档节点上注册事件监听
func (d *Document) AddEventListener(typ string, fn Listener, capture bool) {
	d.root.AddEventListener(typ, fn, capture)
}

// Dispatch 按捕获、目标、冒泡三个阶段派发事件，返回默认行为是否未被阻止
func (d *Document) Dispatch(ev *Event) bool {
	d.mu.RLock()
	var path []*Node
	for n := ev.Target; n != nil; n = n.parent {
		path = append(path, n)
	}
	steps := make([][]Listener, 0, 2*len(path))
	// 捕获阶段：从根到目标的父节点
	for i := len(path) - 1; i >= 1; i-- {
		steps = append(steps, collect(path[i], ev.Type, true, false))
	}
	// 目标阶段
	steps = append(steps, collect(path[0], ev.Type, true, true))
	// 冒泡阶段
	for i := 1; i < len(path); i++ {
		steps = append(steps, collect(path[i], ev.Type, false, false))
	}
	d.mu.RUnlock()

	for _, fns := range steps {
		for _, fn := range fns {
			fn(ev)
		}
		if ev.stopped {
			break
		}
	}
	return !ev.defaultPrevented
}

func collect(n *Node, typ string, capture, both bool) []Listener {
	var out []Listener
	for _, l := range n.listeners[typ] {
		if both || l.capture == capture {
			out = append(out, l.fn)
		}
	}
	return out
}

func removeNode(list []*Node, n *Node) []*Node {
	for i, c := range list {
		if c == n {
			return append(list[:i:i], list[i+1:]...)
		}
	}
	return list
}

// contains 判断 n 是否为 ancestor 本身或其后代，调用方需持有读锁
func contains(ancestor, n *Node) bool {
	for ; n != nil; n = n.parent {
		if n == ancestor {
			return true
		}
	}
	return false
}
