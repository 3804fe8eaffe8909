package queue

import (
	"context"
	"hash/fnv"
	"strconv"
	"sync"

	"github.com/rs/zerolog"

	"github.com/99minutos/fleet-tracking/internal/api/metrics"
)

const (
	defaultWorkers = 8
	channelBuffer  = 256
)

// Dispatcher routes items to a fixed set of workers using consistent hashing
// on a key, guaranteeing per-key processing order.
type Dispatcher[T any] struct {
	name    string
	workers []chan T
	keyOf   func(T) string
	handle  func(context.Context, T)
	log     zerolog.Logger
}

// NewDispatcher creates a Dispatcher with numWorkers sharded workers.
// If numWorkers <= 0, defaultWorkers is used.
func NewDispatcher[T any](
	name string,
	numWorkers int,
	keyOf func(T) string,
	handle func(context.Context, T),
	log zerolog.Logger,
) *Dispatcher[T] {
	if numWorkers <= 0 {
		numWorkers = defaultWorkers
	}
	d := &Dispatcher[T]{
		name:    name,
		workers: make([]chan T, numWorkers),
		keyOf:   keyOf,
		handle:  handle,
		log:     log.With().Str("dispatcher", name).Logger(),
	}
	for i := range d.workers {
		d.workers[i] = make(chan T, channelBuffer)
	}
	return d
}

// Serve runs all workers until ctx is cancelled. Items left in the channels
// survive a restart of Serve.
func (d *Dispatcher[T]) Serve(ctx context.Context) error {
	var wg sync.WaitGroup
	for i, ch := range d.workers {
		wg.Add(1)
		go func(id int, ch <-chan T) {
			defer wg.Done()
			d.runWorker(ctx, id, ch)
		}(i, ch)
	}
	wg.Wait()
	return ctx.Err()
}

// Enqueue sends an item to the worker responsible for its key. It blocks
// while that worker's buffer is full, until ctx is done.
func (d *Dispatcher[T]) Enqueue(ctx context.Context, item T) error {
	idx := d.shardIndex(d.keyOf(item))
	select {
	case d.workers[idx] <- item:
		metrics.DispatcherQueueDepth.WithLabelValues(d.name, strconv.Itoa(idx)).Set(float64(len(d.workers[idx])))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// shardIndex maps a key deterministically to a worker index.
func (d *Dispatcher[T]) shardIndex(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(d.workers)))
}

func (d *Dispatcher[T]) runWorker(ctx context.Context, id int, ch <-chan T) {
	depth := metrics.DispatcherQueueDepth.WithLabelValues(d.name, strconv.Itoa(id))
	for {
		select {
		case <-ctx.Done():
			return
		case item, ok := <-ch:
			if !ok {
				return
			}
			depth.Set(float64(len(ch)))
			d.handle(ctx, item)
		}
	}
}

func (d *Dispatcher[T]) String() string {
	return d.name + "-dispatcher"
}
