package cdp

import "sync"

// workerPool 限制拦截事件的并发处理数
type workerPool struct {
	sem chan struct{}
	wg  sync.WaitGroup
}

func newWorkerPool(size int) *workerPool {
	if size <= 0 {
		return nil
	}
	return &workerPool{sem: make(chan struct{}, size)}
}

// submit 提交任务，并发已满时返回 false
func (p *workerPool) submit(fn func()) bool {
	select {
	case p.sem <- struct{}{}:
	default:
		return false
	}
	p.wg.Add(1)
	go func() {
		defer func() {
			<-p.sem
			p.wg.Done()
		}()
		fn()
	}()
	return true
}

// wait 等待已提交任务结束
func (p *workerPool) wait() {
	p.wg.Wait()
}
