// Package batch splits a list of independent items into bounded chunks and
// runs them with limited parallelism, keeping results in input order.
package batch

import (
	"context"
	"fmt"
	"sync"

	"github.com/loqalabs/loqa-gateway/internal/apierr"
	"github.com/loqalabs/loqa-gateway/internal/config"
)

type Scheduler struct {
	defaultSize int
	maxSize     int
	concurrency int
	maxItems    int
}

func NewScheduler(cfg config.BatchConfig) *Scheduler {
	s := &Scheduler{
		defaultSize: cfg.DefaultSize,
		maxSize:     cfg.MaxSize,
		concurrency: cfg.Concurrency,
		maxItems:    cfg.MaxItems,
	}
	if s.defaultSize <= 0 {
		s.defaultSize = 4
	}
	if s.maxSize < s.defaultSize {
		s.maxSize = s.defaultSize
	}
	if s.concurrency <= 0 {
		s.concurrency = 1
	}
	return s
}

// Size resolves the chunk size for a caller-requested value: zero or negative
// selects the default, anything above the maximum is clamped.
func (s *Scheduler) Size(requested int) int {
	switch {
	case requested <= 0:
		return s.defaultSize
	case requested > s.maxSize:
		return s.maxSize
	default:
		return requested
	}
}

// Admit reports whether a batch of n items may run.
func (s *Scheduler) Admit(n int) error {
	if n == 0 {
		return apierr.New(apierr.InvalidArgument, "batch must contain at least one item")
	}
	if s.maxItems > 0 && n > s.maxItems {
		return apierr.New(apierr.ResourceExhausted, "batch of %d items exceeds the limit of %d", n, s.maxItems)
	}
	return nil
}

// Outcome is the result slot for the item at Index. Exactly one of Value and
// Err is meaningful.
type Outcome[R any] struct {
	Index int
	Value R
	Err   error
}

type ItemFunc[T, R any] func(ctx context.Context, index int, item T) (R, error)

// Run processes items in chunks of s.Size(requested). Chunks start in order
// with at most s.concurrency running; items inside a chunk run sequentially.
// A failing or panicking item only affects its own slot.
func Run[T, R any](ctx context.Context, s *Scheduler, items []T, requested int, fn ItemFunc[T, R]) ([]Outcome[R], error) {
	if err := s.Admit(len(items)); err != nil {
		return nil, err
	}

	size := s.Size(requested)
	out := make([]Outcome[R], len(items))
	for i := range out {
		out[i].Index = i
	}

	slots := make(chan struct{}, s.concurrency)
	var wg sync.WaitGroup
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))

		select {
		case slots <- struct{}{}:
		case <-ctx.Done():
			for i := start; i < len(items); i++ {
				out[i].Err = ctx.Err()
			}
			wg.Wait()
			return out, nil
		}

		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			defer func() { <-slots }()
			for i := start; i < end; i++ {
				if err := ctx.Err(); err != nil {
					out[i].Err = err
					continue
				}
				out[i].Value, out[i].Err = runItem(ctx, i, items[i], fn)
			}
		}(start, end)
	}
	wg.Wait()
	return out, nil
}

func runItem[T, R any](ctx context.Context, index int, item T, fn ItemFunc[T, R]) (value R, err error) {
	defer func() {
		if r := recover(); r != nil {
			var zero R
			value = zero
			err = fmt.Errorf("batch item %d panicked: %v", index, r)
		}
	}()
	return fn(ctx, index, item)
}
