package poll

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/teranos/batchwatch/errors"
)

// gauge tracks how many outbound calls are in flight and the peak
type gauge struct {
	active int32
	max    int32
}

func (g *gauge) enter() {
	n := atomic.AddInt32(&g.active, 1)
	for {
		max := atomic.LoadInt32(&g.max)
		if n <= max || atomic.CompareAndSwapInt32(&g.max, max, n) {
			return
		}
	}
}

func (g *gauge) leave() { atomic.AddInt32(&g.active, -1) }

func (g *gauge) peak() int32 { return atomic.LoadInt32(&g.max) }

// fakeChecker answers status checks from a table
type fakeChecker struct {
	mu       sync.Mutex
	statuses map[string]string
	failures map[string]error
	calls    map[string]int
	delay    time.Duration
	block    chan struct{} // when set, calls wait for ctx or a close

	load    *gauge
	entered chan struct{}
}

func newFakeChecker() *fakeChecker {
	return &fakeChecker{
		statuses: make(map[string]string),
		failures: make(map[string]error),
		calls:    make(map[string]int),
		load:     &gauge{},
		entered:  make(chan struct{}, 100),
	}
}

func (f *fakeChecker) set(status string, batchIDs ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range batchIDs {
		f.statuses[id] = status
		delete(f.failures, id)
	}
}

func (f *fakeChecker) fail(err error, batchIDs ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range batchIDs {
		f.failures[id] = err
	}
}

func (f *fakeChecker) callCount(batchID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[batchID]
}

func (f *fakeChecker) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func (f *fakeChecker) CheckBatch(ctx context.Context, batchID string) (*BatchStatusResult, error) {
	f.load.enter()
	defer f.load.leave()

	select {
	case f.entered <- struct{}{}:
	default:
	}

	if f.block != nil {
		select {
		case <-ctx.Done():
			return nil, errors.MarkTransient(ctx.Err())
		case <-f.block:
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[batchID]++
	if err, ok := f.failures[batchID]; ok {
		return nil, err
	}
	status, ok := f.statuses[batchID]
	if !ok {
		status = "in_progress"
	}
	return &BatchStatusResult{Status: status, CreatedAt: time.Now()}, nil
}

// fakeTrigger records trigger calls
type fakeTrigger struct {
	mu    sync.Mutex
	calls []TriggerRequest
	err   error
	delay time.Duration
	// gauge is optional; share the checker's to measure the global bound
	gauge *gauge
	// after runs once a call has been accepted
	after func(TriggerRequest)
}

func (f *fakeTrigger) TriggerJob(ctx context.Context, req TriggerRequest) (*TriggerResult, error) {
	if f.gauge != nil {
		f.gauge.enter()
		defer f.gauge.leave()
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	if f.after != nil {
		f.after(req)
	}
	if f.err != nil {
		return nil, f.err
	}
	return &TriggerResult{
		ExternalJobID: "kbc-" + req.JobID[:8],
		InitialStatus: "created",
		URL:           "https://connection.keboola.com/jobs/1",
	}, nil
}

func (f *fakeTrigger) requests() []TriggerRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]TriggerRequest(nil), f.calls...)
}

// fakeFactory hands out the same fakes for every credential
type fakeFactory struct {
	checker      *fakeChecker
	trigger      *fakeTrigger
	checkerErr   error
	checkerPanic bool

	mu     sync.Mutex
	closed bool
}

func (f *fakeFactory) StatusChecker(ctx context.Context, secretID string) (StatusChecker, error) {
	if f.checkerPanic {
		panic("status client exploded")
	}
	if f.checkerErr != nil {
		return nil, f.checkerErr
	}
	return f.checker, nil
}

func (f *fakeFactory) ActionTrigger(ctx context.Context, secretID, stackURL string) (ActionTrigger, error) {
	return f.trigger, nil
}

func (f *fakeFactory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeFactory) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}
