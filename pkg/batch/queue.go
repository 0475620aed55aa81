// Package batch evaluates many independent points with bounded parallelism.
//
// Points are dispatched in synchronous waves: up to maxParallel goroutines
// run at once, the whole wave is joined, its results are flushed to the
// checkpoint table, and only then does the next wave start. A crash mid-wave
// loses only that wave; its rows are still pending and Resume queues
// them again.
package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Item is one point to evaluate.
type Item struct {
	ID    int64     `json:"id"`
	Input []float64 `json:"input"`
}

// Result is the outcome of evaluating one item.
type Result struct {
	ID     int64
	Input  []float64
	Output float64
	Err    error
}

// Evaluator computes the output for one item. Evaluate runs concurrently
// with other items of the same wave.
type Evaluator interface {
	Evaluate(ctx context.Context, it Item) (float64, error)
}

// EvaluatorFunc adapts a function to Evaluator.
type EvaluatorFunc func(ctx context.Context, it Item) (float64, error)

// Evaluate calls f.
func (f EvaluatorFunc) Evaluate(ctx context.Context, it Item) (float64, error) { return f(ctx, it) }

// Wave describes one flushed wave.
type Wave struct {
	Number   int
	Results  []Result
	Failed   int
	Duration time.Duration
}

// Summary totals a Process call.
type Summary struct {
	Waves     int
	Evaluated int
	Failed    int
}

// Option customizes a Queue.
type Option func(*Queue)

// WithLogger sets the queue logger.
func WithLogger(l *zap.Logger) Option {
	return func(q *Queue) {
		if l != nil {
			q.logger = l
		}
	}
}

// WithWaveHook calls fn after every wave has been flushed.
func WithWaveHook(fn func(Wave)) Option {
	return func(q *Queue) { q.hook = fn }
}

// Queue holds pending items and dispatches them in waves.
type Queue struct {
	eval   Evaluator
	cp     *Checkpoint
	logger *zap.Logger
	hook   func(Wave)

	mu      sync.Mutex
	pending []Item
	queued  map[int64]bool
}

// NewQueue returns an empty queue evaluating with eval and checkpointing to cp.
func NewQueue(cp *Checkpoint, eval Evaluator, opts ...Option) *Queue {
	q := &Queue{
		eval:   eval,
		cp:     cp,
		logger: zap.NewNop(),
		queued: map[int64]bool{},
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Put queues it and records a pending row for it.
func (q *Queue) Put(ctx context.Context, it Item) error {
	if err := q.cp.Insert(ctx, it); err != nil {
		return err
	}
	q.enqueue(it)
	return nil
}

// Resume queues every pending row of the checkpoint and returns how many
// items were added.
func (q *Queue) Resume(ctx context.Context) (int, error) {
	items, err := q.cp.Pending(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, it := range items {
		if q.enqueue(it) {
			n++
		}
	}
	if n > 0 {
		q.logger.Info("resuming batch", zap.Int("pending", n))
	}
	return n, nil
}

func (q *Queue) enqueue(it Item) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.queued[it.ID] {
		return false
	}
	q.queued[it.ID] = true
	q.pending = append(q.pending, it)
	return true
}

// Len is the number of pending items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *Queue) take(n int) []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n > len(q.pending) {
		n = len(q.pending)
	}
	wave := append([]Item(nil), q.pending[:n]...)
	q.pending = q.pending[n:]
	for _, it := range wave {
		delete(q.queued, it.ID)
	}
	return wave
}

// Process evaluates every pending item in waves of at most maxParallel
// goroutines. Failed evaluations are counted and stay pending; they
// are not retried.
func (q *Queue) Process(ctx context.Context, maxParallel int) (Summary, error) {
	if maxParallel < 1 {
		return Summary{}, fmt.Errorf("max parallel must be at least 1, got %d", maxParallel)
	}
	if q.eval == nil {
		return Summary{}, errors.New("batch queue has no evaluator")
	}

	var sum Summary
	for q.Len() > 0 {
		if err := ctx.Err(); err != nil {
			return sum, err
		}

		items := q.take(maxParallel)
		start := time.Now()
		results := make(chan Result, len(items))

		var wg sync.WaitGroup
		for _, it := range items {
			wg.Add(1)
			go func(it Item) {
				defer wg.Done()
				out, err := q.evaluate(ctx, it)
				results <- Result{ID: it.ID, Input: it.Input, Output: out, Err: err}
			}(it)
		}
		wg.Wait()
		close(results)

		wave := Wave{Number: sum.Waves + 1}
		for r := range results {
			if r.Err != nil {
				wave.Failed++
				q.logger.Warn("evaluation failed", zap.Int64("id", r.ID), zap.Error(r.Err))
			}
			wave.Results = append(wave.Results, r)
		}
		if err := q.cp.Flush(ctx, wave.Results); err != nil {
			return sum, fmt.Errorf("flush wave %d: %w", wave.Number, err)
		}
		wave.Duration = time.Since(start)

		sum.Waves++
		sum.Evaluated += len(wave.Results) - wave.Failed
		sum.Failed += wave.Failed
		q.logger.Info("wave flushed",
			zap.Int("wave", wave.Number),
			zap.Int("size", len(wave.Results)),
			zap.Int("failed", wave.Failed),
			zap.Duration("duration", wave.Duration))
		if q.hook != nil {
			q.hook(wave)
		}
	}
	return sum, nil
}

func (q *Queue) evaluate(ctx context.Context, it Item) (out float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("evaluation of item %d panicked: %v", it.ID, r)
		}
	}()
	return q.eval.Evaluate(ctx, it)
}
