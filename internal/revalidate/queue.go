package revalidate

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"revalidator/internal/metrics"
)

var ErrQueueClosed = errors.New("revalidation queue closed")

// Executor is the part of Coordinator the queue drives.
type Executor interface {
	Execute(ctx context.Context, req Request) Result
}

type QueueStatus struct {
	Pending       int    `json:"pending"`
	Processing    bool   `json:"processing"`
	Processed     int64  `json:"processed"`
	LastRequestID string `json:"lastRequestId,omitempty"`
}

// Queue runs submitted requests one at a time in submission order. At most
// one drain goroutine exists at any time.
type Queue struct {
	exec    Executor
	delay   time.Duration
	metrics *metrics.Metrics
	logger  *slog.Logger

	draining  atomic.Bool
	processed atomic.Int64

	mu      sync.Mutex
	pending []Request
	closed  bool
	lastID  string
	wg      sync.WaitGroup
}

func NewQueue(exec Executor, itemDelay time.Duration, m *metrics.Metrics, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{exec: exec, delay: itemDelay, metrics: m, logger: logger}
}

// Enqueue appends req and returns its request id, assigning one if unset.
func (q *Queue) Enqueue(req Request) (string, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return "", ErrQueueClosed
	}
	q.pending = append(q.pending, req)
	depth := len(q.pending)
	start := q.draining.CompareAndSwap(false, true)
	if start {
		q.wg.Add(1)
	}
	q.mu.Unlock()

	q.metrics.SetQueueDepth(depth)
	if start {
		go q.drain()
	}
	return req.ID, nil
}

func (q *Queue) drain() {
	defer q.wg.Done()
	for {
		req, ok := q.pop()
		if !ok {
			q.draining.Store(false)
			// An Enqueue that ran between pop and Store saw the flag still
			// set; pick its item up here.
			if q.Status().Pending > 0 && q.draining.CompareAndSwap(false, true) {
				continue
			}
			return
		}

		res := q.exec.Execute(context.Background(), req)
		q.processed.Add(1)
		q.mu.Lock()
		q.lastID = res.RequestID
		q.mu.Unlock()
		q.logger.Debug("queued revalidation processed", "request_id", res.RequestID, "success", res.Success)

		if q.delay > 0 && q.Status().Pending > 0 {
			time.Sleep(q.delay)
		}
	}
}

func (q *Queue) pop() (Request, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return Request{}, false
	}
	req := q.pending[0]
	q.pending[0] = Request{}
	q.pending = q.pending[1:]
	q.metrics.SetQueueDepth(len(q.pending))
	return req, true
}

func (q *Queue) Status() QueueStatus {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueStatus{
		Pending:       len(q.pending),
		Processing:    q.draining.Load(),
		Processed:     q.processed.Load(),
		LastRequestID: q.lastID,
	}
}

// Close refuses new requests and waits until the queued ones are done.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wg.Wait()
}
