package workerpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Task is a unit of background work. Tasks sharing a Key never run concurrently
// and a Key already queued or running is not queued again.
type Task struct {
	Key string
	Fn  func(context.Context) error
}

// Pool runs background tasks on a bounded set of goroutines
type Pool struct {
	name       string
	maxWorkers int
	tasks      chan Task
	logger     *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once

	mu       sync.Mutex
	inFlight map[string]struct{}

	completed uint64
	failed    uint64
	rejected  uint64
}

// Config holds pool configuration
type Config struct {
	Name       string
	MaxWorkers int
	QueueSize  int
	Logger     *zap.Logger
}

// New creates and starts a pool
func New(cfg Config) *Pool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		name:       cfg.Name,
		maxWorkers: cfg.MaxWorkers,
		tasks:      make(chan Task, cfg.QueueSize),
		logger:     cfg.Logger,
		ctx:        ctx,
		cancel:     cancel,
		inFlight:   make(map[string]struct{}),
	}

	for i := 0; i < p.maxWorkers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	return p
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		case task := <-p.tasks:
			p.run(id, task)
		}
	}
}

func (p *Pool) run(workerID int, task Task) {
	defer p.release(task.Key)

	start := time.Now()
	err := p.safeExecute(task)
	if err != nil {
		atomic.AddUint64(&p.failed, 1)
		p.logger.Debug("Background task failed",
			zap.String("pool", p.name),
			zap.Int("worker_id", workerID),
			zap.String("task", task.Key),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
		return
	}
	atomic.AddUint64(&p.completed, 1)
}

// safeExecute executes a task with panic recovery
func (p *Pool) safeExecute(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
			p.logger.Error("Task panic recovered",
				zap.String("pool", p.name),
				zap.String("task", task.Key),
				zap.Any("panic", r))
		}
	}()
	return task.Fn(p.ctx)
}

// Submit queues a task without blocking. It returns false when the pool is
// stopped, the queue is full, or a task with the same key is pending.
func (p *Pool) Submit(task Task) bool {
	if p.ctx.Err() != nil {
		atomic.AddUint64(&p.rejected, 1)
		return false
	}

	p.mu.Lock()
	if _, exists := p.inFlight[task.Key]; exists && task.Key != "" {
		p.mu.Unlock()
		return false
	}
	if task.Key != "" {
		p.inFlight[task.Key] = struct{}{}
	}
	p.mu.Unlock()

	select {
	case p.tasks <- task:
		return true
	default:
		p.release(task.Key)
		atomic.AddUint64(&p.rejected, 1)
		return false
	}
}

// Pending reports whether a task with key is queued or running
func (p *Pool) Pending(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, exists := p.inFlight[key]
	return exists
}

func (p *Pool) release(key string) {
	if key == "" {
		return
	}
	p.mu.Lock()
	delete(p.inFlight, key)
	p.mu.Unlock()
}

// Stop cancels running tasks and waits up to timeout for workers to exit
func (p *Pool) Stop(timeout time.Duration) error {
	var err error
	p.once.Do(func() {
		p.cancel()

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(timeout):
			err = fmt.Errorf("worker pool '%s' stop timeout after %v", p.name, timeout)
			p.logger.Warn("Worker pool stop timeout", zap.String("name", p.name))
		}
	})
	return err
}

// Stats returns pool counters
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	pending := len(p.inFlight)
	p.mu.Unlock()
	return Stats{
		Name:      p.name,
		Pending:   pending,
		Completed: atomic.LoadUint64(&p.completed),
		Failed:    atomic.LoadUint64(&p.failed),
		Rejected:  atomic.LoadUint64(&p.rejected),
	}
}

// Stats represents pool statistics
type Stats struct {
	Name      string
	Pending   int
	Completed uint64
	Failed    uint64
	Rejected  uint64
}
