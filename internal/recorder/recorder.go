// Package recorder writes committed issuances to the book-of-record off the
// request path. Records enter a bounded in-process queue and are drained by
// a fixed set of workers that retry each write with exponential backoff.
//
// The recorder never decides anything: a record reaching it has already been
// committed by the ledger, and a write that fails for good is reported to the
// alerter rather than undone.
package recorder

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/azizikri/coupon-issuance/internal/domain"
	"github.com/azizikri/coupon-issuance/internal/metrics"
)

// Sink persists one record idempotently, keyed by (pool, user).
type Sink interface {
	Upsert(ctx context.Context, rec domain.IssuanceRecord) (bool, error)
}

// Diverter takes records the queue had no room for.
type Diverter interface {
	Divert(ctx context.Context, rec domain.IssuanceRecord) error
}

// Alerter reports records whose write-back failed for good.
type Alerter interface {
	Alert(ctx context.Context, rec domain.IssuanceRecord, cause error) error
}

type Options struct {
	QueueSize    int
	Workers      int
	EnqueueWait  time.Duration
	MaxAttempts  uint
	BackoffStart time.Duration
	BackoffMax   time.Duration

	Overflow Diverter
	Alerter  Alerter
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
}

func (o *Options) setDefaults() {
	if o.QueueSize <= 0 {
		o.QueueSize = 4096
	}
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.EnqueueWait <= 0 {
		o.EnqueueWait = 5 * time.Millisecond
	}
	if o.MaxAttempts == 0 {
		o.MaxAttempts = 5
	}
	if o.BackoffStart <= 0 {
		o.BackoffStart = 50 * time.Millisecond
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 2 * time.Second
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

const alertTimeout = 5 * time.Second

type Recorder struct {
	sink  Sink
	opts  Options
	queue chan domain.IssuanceRecord

	// mu guards closed and the send side of queue so Close never races a
	// producer into a closed channel.
	mu     sync.RWMutex
	closed bool

	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

func New(sink Sink, opts Options) *Recorder {
	opts.setDefaults()
	runCtx, cancel := context.WithCancel(context.Background())
	return &Recorder{
		sink:   sink,
		opts:   opts,
		queue:  make(chan domain.IssuanceRecord, opts.QueueSize),
		runCtx: runCtx,
		cancel: cancel,
	}
}

// Start launches the workers. It is safe to call more than once.
func (r *Recorder) Start() {
	r.once.Do(func() {
		for i := 0; i < r.opts.Workers; i++ {
			r.wg.Add(1)
			go r.worker(i)
		}
		r.opts.Logger.Info("recorder started",
			zap.Int("workers", r.opts.Workers),
			zap.Int("queue_size", r.opts.QueueSize))
	})
}

// Enqueue hands rec to the workers, waiting at most EnqueueWait for room.
// On saturation the record goes to the overflow diverter; ErrQueueFull is
// returned only when that path is missing or fails too.
func (r *Recorder) Enqueue(ctx context.Context, rec domain.IssuanceRecord) error {
	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return domain.ErrQueueClosed
	}

	select {
	case r.queue <- rec:
		r.mu.RUnlock()
		r.opts.Metrics.SetQueueDepth(len(r.queue))
		return nil
	default:
	}

	timer := time.NewTimer(r.opts.EnqueueWait)
	defer timer.Stop()

	select {
	case r.queue <- rec:
		r.mu.RUnlock()
		r.opts.Metrics.SetQueueDepth(len(r.queue))
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}
	r.mu.RUnlock()

	return r.divert(ctx, rec)
}

func (r *Recorder) divert(ctx context.Context, rec domain.IssuanceRecord) error {
	if r.opts.Overflow != nil {
		err := r.opts.Overflow.Divert(context.WithoutCancel(ctx), rec)
		if err == nil {
			r.opts.Metrics.Recorded(metrics.ResultDiverted)
			r.opts.Logger.Warn("recorder queue saturated, record diverted",
				zap.String("pool_id", rec.PoolID),
				zap.String("user_id", rec.UserID))
			return nil
		}
		r.opts.Logger.Error("overflow divert failed", zap.Error(err), zap.String("record_id", rec.ID))
	}

	r.opts.Metrics.Recorded(metrics.ResultDropped)
	r.opts.Logger.Error("issuance record dropped, reconcile pool to restore it",
		zap.String("record_id", rec.ID),
		zap.String("pool_id", rec.PoolID),
		zap.String("user_id", rec.UserID),
		zap.String("product_id", rec.ProductID),
		zap.Time("issued_at", rec.IssuedAt))
	return domain.ErrQueueFull
}

// Persist writes rec with bounded exponential backoff and alerts when the
// retry budget runs out. It is used by the workers and by the overflow
// consumer.
func (r *Recorder) Persist(ctx context.Context, rec domain.IssuanceRecord) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.opts.BackoffStart
	b.MaxInterval = r.opts.BackoffMax

	_, err := backoff.Retry(ctx, func() (bool, error) {
		return r.sink.Upsert(ctx, rec)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(r.opts.MaxAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			r.opts.Metrics.WriteRetry()
			r.opts.Logger.Warn("book-of-record write failed, retrying",
				zap.String("record_id", rec.ID),
				zap.Duration("next", next),
				zap.Error(err))
		}),
	)
	if err == nil {
		r.opts.Metrics.Recorded(metrics.ResultPersisted)
		return nil
	}

	r.alert(rec, err)
	return err
}

func (r *Recorder) alert(rec domain.IssuanceRecord, cause error) {
	r.opts.Metrics.Recorded(metrics.ResultAlerted)
	r.opts.Logger.Error("book-of-record write gave up",
		zap.String("record_id", rec.ID),
		zap.String("pool_id", rec.PoolID),
		zap.String("user_id", rec.UserID),
		zap.Error(cause))

	if r.opts.Alerter == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), alertTimeout)
	defer cancel()
	if err := r.opts.Alerter.Alert(ctx, rec, cause); err != nil {
		r.opts.Logger.Error("alert failed", zap.String("record_id", rec.ID), zap.Error(err))
	}
}

func (r *Recorder) worker(id int) {
	defer r.wg.Done()
	for rec := range r.queue {
		r.opts.Metrics.SetQueueDepth(len(r.queue))
		if err := r.Persist(r.runCtx, rec); err != nil && !errors.Is(err, context.Canceled) {
			r.opts.Logger.Debug("worker finished record with error", zap.Int("worker", id), zap.Error(err))
		}
	}
}

// Len reports the number of queued records.
func (r *Recorder) Len() int {
	return len(r.queue)
}

// Close stops intake and waits for the workers to drain the queue. If ctx
// expires first, in-flight retries are abandoned.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	// Workers may never have been started; drain through them anyway.
	r.Start()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.cancel()
		r.opts.Logger.Info("recorder drained")
		return nil
	case <-ctx.Done():
		r.cancel()
		<-done
		return ctx.Err()
	}
}
