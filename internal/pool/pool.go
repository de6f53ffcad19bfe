// Package pool is the bounded executor for task bodies: a fixed set of
// workers draining an unbounded FIFO queue, so Submit never blocks a trigger
// thread. Task output is line-captured per run and forwarded to a sink.
package pool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"sync"

	logx "taskhive/pkg/logx"
)

// DefaultWorkers matches the original executor's thread cap.
const DefaultWorkers = 10

var ErrStopped = errors.New("execution pool stopped")

type Config struct {
	Workers int
}

// OutputSink receives captured task output, one line at a time, tagged with
// the owning task's name. Must not block.
type OutputSink func(task, line string)

// Job is one unit of work. Run receives a context and the capture writer for
// any console-style output the body produces.
type Job struct {
	Task string
	Run  func(ctx context.Context, out io.Writer) (any, error)
}

// Future resolves once its job has finished.
type Future struct {
	done chan struct{}
	val  any
	err  error
}

func newFuture() *Future { return &Future{done: make(chan struct{})} }

func (f *Future) Done() <-chan struct{} { return f.done }

// Result blocks until the job completes or ctx is canceled.
func (f *Future) Result(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *Future) resolve(val any, err error) {
	f.val = val
	f.err = err
	close(f.done)
}

type queued struct {
	job Job
	fut *Future
}

type Pool struct {
	log  logx.Logger
	sink OutputSink

	mu       sync.Mutex
	cond     *sync.Cond
	queue    []queued
	closed   bool // no new submissions
	killed   bool // workers abandon queued work
	inFlight int

	wg      sync.WaitGroup // tracks queued + running jobs
	workers sync.WaitGroup
}

func New(cfg Config, log logx.Logger, sink OutputSink) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	p := &Pool{log: log, sink: sink}
	p.cond = sync.NewCond(&p.mu)

	p.workers.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go p.worker(context.Background())
	}
	log.Debug("execution pool started", logx.Int("workers", cfg.Workers))
	return p
}

// Submit enqueues a job and returns immediately. Work queues FIFO when all
// workers are busy; the queue is unbounded so the caller is never blocked.
func (p *Pool) Submit(job Job) (*Future, error) {
	if job.Run == nil {
		return nil, errors.New("job Run is nil")
	}

	fut := newFuture()
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrStopped
	}
	p.wg.Add(1)
	p.queue = append(p.queue, queued{job: job, fut: fut})
	p.cond.Signal()
	p.mu.Unlock()

	return fut, nil
}

// QueueLen reports queued-but-not-started jobs.
func (p *Pool) QueueLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// InFlight reports currently executing jobs.
func (p *Pool) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inFlight
}

// Shutdown stops accepting work. With wait=true it blocks until every queued
// and running job has completed (including any in-body retry sleeps). With
// wait=false it returns immediately; running jobs finish best-effort and
// queued jobs are discarded.
func (p *Pool) Shutdown(wait bool) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		if wait {
			p.wg.Wait()
			p.workers.Wait()
		}
		return
	}
	p.closed = true
	if !wait {
		p.killed = true
		// Resolve queued futures so nobody waits on abandoned work.
		for _, q := range p.queue {
			q.fut.resolve(nil, ErrStopped)
			p.wg.Done()
		}
		p.queue = nil
	}
	p.cond.Broadcast()
	p.mu.Unlock()

	if wait {
		p.wg.Wait()
		p.workers.Wait()
		p.log.Debug("execution pool drained")
	}
}

func (p *Pool) worker(ctx context.Context) {
	defer p.workers.Done()
	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.closed {
			p.cond.Wait()
		}
		if p.killed || (p.closed && len(p.queue) == 0) {
			p.mu.Unlock()
			return
		}
		q := p.queue[0]
		p.queue = p.queue[1:]
		p.inFlight++
		p.mu.Unlock()

		p.execOne(ctx, q)

		p.mu.Lock()
		p.inFlight--
		p.mu.Unlock()
		p.wg.Done()
	}
}

func (p *Pool) execOne(ctx context.Context, q queued) {
	out := newLineWriter(q.job.Task, p.sink)
	// Flush even on error or panic so no output is lost.
	defer out.Flush()

	var val any
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
				p.log.Error("task panic",
					logx.String("task", q.job.Task),
					logx.Any("panic", r),
					logx.String("stack", string(debug.Stack())))
			}
		}()
		val, err = q.job.Run(ctx, out)
	}()

	q.fut.resolve(val, err)
}
