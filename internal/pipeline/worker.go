package pipeline

import (
	"hash/fnv"
	"log"
	"sync"
)

const workerQueueSize = 32

// workerPool 按会话键哈希分片的任务池
//
// 同一会话的任务落在同一分片内串行执行，不同会话并行。
// 队列有界，满了丢弃并记日志，不回压webhook入口。
type workerPool struct {
	queues []chan func()
	wg     sync.WaitGroup
}

func newWorkerPool(workers int) *workerPool {
	if workers <= 0 {
		workers = 4
	}
	p := &workerPool{queues: make([]chan func(), workers)}
	for i := range p.queues {
		p.queues[i] = make(chan func(), workerQueueSize)
		p.wg.Add(1)
		go p.run(i)
	}
	return p
}

func (p *workerPool) run(i int) {
	defer p.wg.Done()
	for job := range p.queues[i] {
		job()
	}
}

// submit 提交任务，key相同的任务保证顺序
func (p *workerPool) submit(key string, job func()) bool {
	h := fnv.New32a()
	h.Write([]byte(key))
	q := p.queues[int(h.Sum32())%len(p.queues)]
	select {
	case q <- job:
		return true
	default:
		log.Printf("⚠️ 任务队列已满，丢弃 key=%s", key)
		return false
	}
}

// shutdown 关闭队列并等待在途任务执行完
func (p *workerPool) shutdown() {
	for _, q := range p.queues {
		close(q)
	}
	p.wg.Wait()
}
