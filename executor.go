package player

import (
	"context"
	"runtime"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"
)

// Executor runs jobs asynchronously. Submit must not block on the execution
// of previously submitted jobs.
type Executor interface {
	Submit(job Job)
}

// ErrPoolClosed is logged for jobs submitted after Close.
var ErrPoolClosed = errors.New("player: pool closed")

type poolOptions struct {
	workers int64
	logger  Logger
}

// PoolOption configures a Pool.
type PoolOption func(*poolOptions)

// WorkersOption bounds the number of jobs running at once.
// Defaults to runtime.GOMAXPROCS(0).
func WorkersOption(n int) PoolOption {
	return func(o *poolOptions) {
		o.workers = int64(n)
	}
}

// PoolLoggerOption sets the logger used to report job failures.
func PoolLoggerOption(logger Logger) PoolOption {
	return func(o *poolOptions) {
		o.logger = logger
	}
}

// Pool is an Executor running each job on its own goroutine, with at most a
// fixed number of jobs performing at the same time. Jobs waiting for a slot
// are not ordered.
//
// A failing or panicking job is logged and dropped; it never takes the pool down.
type Pool struct {
	sem    *semaphore.Weighted
	logger Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

var _ Executor = (*Pool)(nil)

// NewPool creates a running pool.
func NewPool(opt ...PoolOption) *Pool {
	var opts poolOptions
	for _, o := range opt {
		o(&opts)
	}
	if opts.workers <= 0 {
		opts.workers = int64(runtime.GOMAXPROCS(0))
	}
	if opts.logger == nil {
		opts.logger = defaultLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		sem:    semaphore.NewWeighted(opts.workers),
		logger: opts.logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Submit queues job. Jobs submitted after Close are dropped with a log record.
func (p *Pool) Submit(job Job) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		p.drop(job, ErrPoolClosed)
		return
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		// Acquire only fails once Close gave up waiting.
		if err := p.sem.Acquire(p.ctx, 1); err != nil {
			p.drop(job, err)
			return
		}
		defer p.sem.Release(1)
		p.run(job)
	}()
}

func (p *Pool) drop(job Job, err error) {
	p.logger.Warn("job dropped", "error", err)
	if d, ok := job.(Discarder); ok {
		d.Discard(err)
	}
}

func (p *Pool) run(job Job) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("job panicked", "panic", r)
		}
	}()
	if err := job.Perform(); err != nil {
		p.logger.Error("job failed", "error", err)
	}
}

// Close stops accepting jobs and waits for submitted ones to finish.
// When ctx expires first, jobs still waiting for a slot are dropped and
// ctx's error is returned; running jobs are never interrupted.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		return ctx.Err()
	}
}

// Strand is an Executor that runs the jobs submitted to it one at a time, in
// submission order, on top of another Executor. Give each session its own
// Strand when responses must leave in request order.
//
// When the backing executor drops a step, the queued jobs are discarded and
// the next Submit starts over.
type Strand struct {
	exec Executor

	mu      sync.Mutex
	queue   []Job
	running bool
}

var _ Executor = (*Strand)(nil)

// NewStrand returns a Strand backed by exec.
func NewStrand(exec Executor) *Strand {
	return &Strand{exec: exec}
}

// Submit implements Executor.
func (s *Strand) Submit(job Job) {
	s.mu.Lock()
	s.queue = append(s.queue, job)
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	s.exec.Submit(strandStep{s})
}

// strandStep performs the head of a strand's queue.
type strandStep struct {
	s *Strand
}

func (st strandStep) Perform() error {
	return st.s.next()
}

func (st strandStep) Discard(err error) {
	st.s.discard(err)
}

// next performs the job at the head of the queue, then hands the following
// one to the backing executor. Each job error reaches the backing executor.
func (s *Strand) next() error {
	s.mu.Lock()
	job := s.queue[0]
	s.queue[0] = nil
	s.queue = s.queue[1:]
	s.mu.Unlock()

	defer s.advance()
	return job.Perform()
}

func (s *Strand) advance() {
	s.mu.Lock()
	if len(s.queue) == 0 {
		s.running = false
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.exec.Submit(strandStep{s})
}

// discard drops every queued job.
func (s *Strand) discard(err error) {
	s.mu.Lock()
	queue := s.queue
	s.queue = nil
	s.running = false
	s.mu.Unlock()

	for _, job := range queue {
		if d, ok := job.(Discarder); ok {
			d.Discard(err)
		}
	}
}
