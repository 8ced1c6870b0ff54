package scraper

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"rival_scrooper/metrics"
)

const serializerBuffer = 256

type callResult struct {
	result *Result
	err    error
}

type queuedCall struct {
	ctx        context.Context
	req        Request
	enqueuedAt time.Time
	reply      chan callResult
}

// Serializer funnels every provider call through one goroutine so the
// provider sees at most one request in flight, with call starts spaced by at
// least minInterval. Calls run in arrival order; a failure is returned only
// to its own caller and is never retried here.
type Serializer struct {
	provider Provider
	limiter  *rate.Limiter
	requests chan *queuedCall
	quit     chan struct{}
	done     chan struct{}
	depth    atomic.Int64
	once     sync.Once
	log      *zap.SugaredLogger
}

func NewSerializer(provider Provider, minInterval time.Duration, log *zap.SugaredLogger) *Serializer {
	limit := rate.Inf
	if minInterval > 0 {
		limit = rate.Every(minInterval)
	}
	s := &Serializer{
		provider: provider,
		limiter:  rate.NewLimiter(limit, 1),
		requests: make(chan *queuedCall, serializerBuffer),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		log:      log.Named("serializer"),
	}
	go s.run()
	return s
}

// Enqueue waits for the call to be made and returns its outcome.
func (s *Serializer) Enqueue(ctx context.Context, req Request) (*Result, error) {
	call := &queuedCall{
		ctx:        ctx,
		req:        req,
		enqueuedAt: time.Now(),
		reply:      make(chan callResult, 1),
	}

	select {
	case <-s.quit:
		return nil, ErrSerializerClosed
	default:
	}

	s.setDepth(s.depth.Add(1))
	select {
	case s.requests <- call:
	case <-s.quit:
		s.setDepth(s.depth.Add(-1))
		return nil, ErrSerializerClosed
	case <-ctx.Done():
		s.setDepth(s.depth.Add(-1))
		return nil, ctx.Err()
	}

	select {
	case r := <-call.reply:
		return r.result, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		// the loop may have replied just before exiting
		select {
		case r := <-call.reply:
			return r.result, r.err
		default:
			return nil, ErrSerializerClosed
		}
	}
}

// Len is the number of calls waiting or running.
func (s *Serializer) Len() int {
	return int(s.depth.Load())
}

// Close stops intake. Calls still waiting get ErrSerializerClosed; a call
// already at the provider is allowed to finish.
func (s *Serializer) Close() {
	s.once.Do(func() {
		close(s.quit)
		<-s.done
	})
}

func (s *Serializer) run() {
	defer close(s.done)
	for {
		select {
		case <-s.quit:
			s.drain()
			return
		case call := <-s.requests:
			s.execute(call)
		}
	}
}

func (s *Serializer) execute(call *queuedCall) {
	defer s.setDepth(s.depth.Add(-1))

	if err := call.ctx.Err(); err != nil {
		call.reply <- callResult{err: err}
		return
	}

	r := s.limiter.Reserve()
	if delay := r.Delay(); delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-call.ctx.Done():
			timer.Stop()
			r.Cancel()
			call.reply <- callResult{err: call.ctx.Err()}
			return
		case <-s.quit:
			timer.Stop()
			r.Cancel()
			call.reply <- callResult{err: ErrSerializerClosed}
			return
		}
	}

	s.log.Debugw("provider call", "operation", call.req.Op, "url", call.req.URL,
		"waited", time.Since(call.enqueuedAt).Round(time.Millisecond))
	result, err := Call(call.ctx, s.provider, call.req)
	if err != nil {
		s.log.Warnw("provider call failed", "operation", call.req.Op, "url", call.req.URL, "error", err)
	}
	call.reply <- callResult{result: result, err: err}
}

func (s *Serializer) drain() {
	for {
		select {
		case call := <-s.requests:
			s.setDepth(s.depth.Add(-1))
			call.reply <- callResult{err: ErrSerializerClosed}
		default:
			return
		}
	}
}

func (s *Serializer) setDepth(n int64) {
	metrics.SerializerDepth.Set(float64(n))
}
