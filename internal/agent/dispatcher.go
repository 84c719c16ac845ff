// internal/agent/dispatcher.go
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/pilot-cli/api/schemas"
	"github.com/xkilldash9x/pilot-cli/internal/config"
)

// RequestProcessor is the dispatcher's view of the engine. Narrowed to an
// interface so the pool can be tested without a live oracle behind it.
type RequestProcessor interface {
	ProcessRequest(ctx context.Context, req schemas.TaskRequest) (*schemas.TaskOutcome, error)
}

var _ RequestProcessor = (*Engine)(nil)

// Dispatcher fans independent requests out to a bounded worker pool. Steps
// inside one request always run sequentially; concurrency exists only across
// requests.
type Dispatcher struct {
	logger    *zap.Logger
	processor RequestProcessor

	concurrency int
	queue       chan schemas.TaskRequest
	results     chan *schemas.TaskOutcome

	stateLock sync.Mutex
	isRunning bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewDispatcher builds a stopped dispatcher around the processor.
func NewDispatcher(logger *zap.Logger, cfg config.EngineConfig, processor RequestProcessor) *Dispatcher {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 16
	}
	return &Dispatcher{
		logger:      logger.Named("dispatcher"),
		processor:   processor,
		concurrency: concurrency,
		queue:       make(chan schemas.TaskRequest, queueSize),
		results:     make(chan *schemas.TaskOutcome, queueSize),
	}
}

// Start launches the consumer loop. Calling Start on a running dispatcher is
// a no-op.
func (d *Dispatcher) Start(ctx context.Context) {
	d.stateLock.Lock()
	defer d.stateLock.Unlock()
	if d.isRunning {
		d.logger.Warn("Dispatcher already running, ignoring Start")
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.isRunning = true

	d.wg.Add(1)
	go d.consume(runCtx)
	d.logger.Info("Dispatcher started", zap.Int("concurrency", d.concurrency), zap.Int("queue_size", cap(d.queue)))
}

// consume drains the queue into the worker pool until the context ends, then
// waits for in-flight requests and closes the results channel.
func (d *Dispatcher) consume(ctx context.Context) {
	defer d.wg.Done()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.concurrency)

	for {
		select {
		case <-ctx.Done():
			if err := g.Wait(); err != nil {
				d.logger.Warn("Worker pool finished with error", zap.Error(err))
			}
			close(d.results)
			d.logger.Info("Dispatcher drained")
			return
		case req := <-d.queue:
			g.Go(func() error {
				outcome, err := d.processor.ProcessRequest(gctx, req)
				if err != nil {
					// Per-request failures never poison the pool.
					d.logger.Error("Request processing failed",
						zap.String("request_id", req.ID),
						zap.Error(err),
					)
					return nil
				}
				select {
				case d.results <- outcome:
				case <-ctx.Done():
					d.logger.Warn("Dropping outcome, dispatcher stopping",
						zap.String("request_id", outcome.RequestID),
					)
				}
				return nil
			})
		}
	}
}

// Submit enqueues a request for processing. It never blocks: a full queue or
// a stopped dispatcher is the caller's problem to surface.
func (d *Dispatcher) Submit(req schemas.TaskRequest) error {
	d.stateLock.Lock()
	running := d.isRunning
	d.stateLock.Unlock()
	if !running {
		return errors.New("dispatcher is not running")
	}

	select {
	case d.queue <- req:
		return nil
	default:
		return fmt.Errorf("request queue is full (capacity %d)", cap(d.queue))
	}
}

// Results returns the outcome channel. It is closed after Stop once all
// in-flight requests have finished.
func (d *Dispatcher) Results() <-chan *schemas.TaskOutcome {
	return d.results
}

// Stop cancels the pool and waits for in-flight requests to finish. Queued
// but unstarted requests are dropped. Safe to call more than once.
func (d *Dispatcher) Stop() {
	d.stateLock.Lock()
	if !d.isRunning {
		d.stateLock.Unlock()
		return
	}
	d.isRunning = false
	cancel := d.cancel
	d.stateLock.Unlock()

	d.logger.Info("Stopping dispatcher")
	cancel()
	d.wg.Wait()
}
