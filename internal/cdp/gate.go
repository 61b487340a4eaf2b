package cdp

import (
	"sync"
	"time"

	"github.com/mafredri/cdp/protocol/target"
)

// popupTTL windowOpen 决定与新目标配对的最长等待时间
const popupTTL = 5 * time.Second

type popupDecision struct {
	keep bool
	at   time.Time
}

type popupArrival struct {
	id target.ID
	at time.Time
}

// popupGate 将 Page.windowOpen 的处理结果与随后出现的弹出目标按先后顺序配对。
// 两类事件来自不同的事件流，到达顺序不定。
type popupGate struct {
	mu        sync.Mutex
	decisions []popupDecision
	arrivals  []popupArrival
	now       func() time.Time
	close     func(id target.ID)
}

func newPopupGate(close func(id target.ID)) *popupGate {
	return &popupGate{now: time.Now, close: close}
}

// decide 记录一次 windowOpen 的处理结果，keep 为 false 表示对应的弹出目标需要关闭
func (g *popupGate) decide(keep bool) {
	g.mu.Lock()
	now := g.now()
	g.expire(now)
	if len(g.arrivals) > 0 {
		a := g.arrivals[0]
		g.arrivals = g.arrivals[1:]
		g.mu.Unlock()
		if !keep {
			g.close(a.id)
		}
		return
	}
	g.decisions = append(g.decisions, popupDecision{keep: keep, at: now})
	g.mu.Unlock()
}

// arrive 登记一个由本页面打开的新目标
func (g *popupGate) arrive(id target.ID) {
	g.mu.Lock()
	now := g.now()
	g.expire(now)
	if len(g.decisions) > 0 {
		d := g.decisions[0]
		g.decisions = g.decisions[1:]
		g.mu.Unlock()
		if !d.keep {
			g.close(id)
		}
		return
	}
	g.arrivals = append(g.arrivals, popupArrival{id: id, at: now})
	g.mu.Unlock()
}

// pending 尚未配对的决定与目标数量
func (g *popupGate) pending() (decisions, arrivals int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.decisions), len(g.arrivals)
}

// expire 丢弃超时未配对的条目，调用方需持有锁
func (g *popupGate) expire(now time.Time) {
	for len(g.decisions) > 0 && now.Sub(g.decisions[0].at) > popupTTL {
		g.decisions = g.decisions[1:]
	}
	for len(g.arrivals) > 0 && now.Sub(g.arrivals[0].at) > popupTTL {
		g.arrivals = g.arrivals[1:]
	}
}
