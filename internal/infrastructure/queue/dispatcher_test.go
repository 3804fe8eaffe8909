package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/99minutos/fleet-tracking/internal/core/domain"
)

type keyed struct {
	key string
	n   int
}

func TestDispatcher_PreservesPerKeyOrder(t *testing.T) {
	var (
		mu   sync.Mutex
		seen = make(map[string][]int)
		wg   sync.WaitGroup
	)

	const keys, perKey = 6, 50
	wg.Add(keys * perKey)

	d := NewDispatcher("test", 4,
		func(k keyed) string { return k.key },
		func(_ context.Context, k keyed) {
			defer wg.Done()
			mu.Lock()
			seen[k.key] = append(seen[k.key], k.n)
			mu.Unlock()
		},
		zerolog.Nop(),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Serve(ctx)

	for i := 0; i < perKey; i++ {
		for k := 0; k < keys; k++ {
			if err := d.Enqueue(ctx, keyed{key: fmt.Sprintf("veh-%d", k), n: i}); err != nil {
				t.Fatalf("enqueue: %v", err)
			}
		}
	}

	waitGroup(t, &wg)

	for key, ns := range seen {
		for i, n := range ns {
			if n != i {
				t.Fatalf("%s processed out of order: %v", key, ns)
			}
		}
	}
}

func TestDispatcher_ShardIndexIsStable(t *testing.T) {
	d := NewDispatcher("test", 8, func(k keyed) string { return k.key }, func(context.Context, keyed) {}, zerolog.Nop())

	first := d.shardIndex("veh-1")
	for i := 0; i < 10; i++ {
		if d.shardIndex("veh-1") != first {
			t.Fatal("shard index changed for the same key")
		}
	}
	if first < 0 || first >= 8 {
		t.Fatalf("shard index %d out of range", first)
	}
}

func TestDispatcher_DefaultWorkers(t *testing.T) {
	d := NewDispatcher("test", 0, func(k keyed) string { return k.key }, func(context.Context, keyed) {}, zerolog.Nop())
	if len(d.workers) != defaultWorkers {
		t.Fatalf("expected %d workers, got %d", defaultWorkers, len(d.workers))
	}
}

func TestDispatcher_EnqueueHonoursContext(t *testing.T) {
	d := NewDispatcher("test", 1, func(k keyed) string { return k.key }, func(context.Context, keyed) {}, zerolog.Nop())

	// Without Serve the single buffer fills up.
	for i := 0; i < channelBuffer; i++ {
		if err := d.Enqueue(context.Background(), keyed{key: "k"}); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := d.Enqueue(ctx, keyed{key: "k"}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// SerialIngestor
// ---------------------------------------------------------------------------

// countingIngestion fails the test if two samples of one vehicle overlap.
type countingIngestion struct {
	t        *testing.T
	inFlight sync.Map // vehicle -> *atomic.Int32
	calls    atomic.Int32
}

func (c *countingIngestion) Ingest(_ context.Context, s domain.LocationSample) (domain.IngestResult, error) {
	v, _ := c.inFlight.LoadOrStore(s.VehicleID, new(atomic.Int32))
	n := v.(*atomic.Int32)
	if n.Add(1) > 1 {
		c.t.Errorf("concurrent ingest for %s", s.VehicleID)
	}
	time.Sleep(time.Millisecond)
	n.Add(-1)
	c.calls.Add(1)

	return domain.IngestResult{Outcome: domain.OutcomeAccepted, Sample: s, LastAcceptedAt: s.Timestamp}, nil
}

func (c *countingIngestion) LastAccepted(context.Context, string) (time.Time, error) {
	return time.Time{}, domain.ErrVehicleNotFound
}

func TestSerialIngestor_SerializesPerVehicle(t *testing.T) {
	inner := &countingIngestion{t: t}
	s := NewSerialIngestor(inner, 4, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Serve(ctx)

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sample := domain.LocationSample{VehicleID: fmt.Sprintf("veh-%d", i%3), ClientSequence: uint64(i)}
			res, err := s.Ingest(ctx, sample)
			if err != nil {
				t.Errorf("ingest: %v", err)
				return
			}
			if res.Sample.ClientSequence != uint64(i) {
				t.Errorf("reply routed to the wrong caller: want %d got %d", i, res.Sample.ClientSequence)
			}
		}(i)
	}
	waitGroup(t, &wg)

	if inner.calls.Load() != 40 {
		t.Fatalf("expected 40 calls, got %d", inner.calls.Load())
	}
}

func TestSerialIngestor_CancelledCallerIsNotProcessed(t *testing.T) {
	inner := &countingIngestion{t: t}
	s := NewSerialIngestor(inner, 1, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := s.Ingest(ctx, domain.LocationSample{VehicleID: "veh-1"}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	srvCtx, stop := context.WithCancel(context.Background())
	defer stop()
	go s.Serve(srvCtx)
	time.Sleep(10 * time.Millisecond)

	if inner.calls.Load() != 0 {
		t.Fatalf("cancelled sample must not reach the service")
	}
}

func TestSerialIngestor_LastAcceptedPassesThrough(t *testing.T) {
	s := NewSerialIngestor(&countingIngestion{t: t}, 1, zerolog.Nop())

	if _, err := s.LastAccepted(context.Background(), "veh-1"); !errors.Is(err, domain.ErrVehicleNotFound) {
		t.Fatalf("expected ErrVehicleNotFound, got %v", err)
	}
}

func waitGroup(t *testing.T, wg *sync.WaitGroup) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for workers")
	}
}
