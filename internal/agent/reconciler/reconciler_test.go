package reconciler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/99minutos/fleet-tracking/internal/core/domain"
	"github.com/99minutos/fleet-tracking/internal/core/ports"
	badgerqueue "github.com/99minutos/fleet-tracking/internal/infrastructure/db/badger"
	"github.com/99minutos/fleet-tracking/pkg/fleetapi"
)

var base = time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)

// fakeGateway applies the gateway's ordering rules in memory.
type fakeGateway struct {
	mu        sync.Mutex
	failures  int
	alwaysErr bool
	last      map[string]time.Time
	accepted  []domain.LocationSample
	submits   int
	block     chan struct{}
	entered   chan struct{}
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{last: make(map[string]time.Time)}
}

func (g *fakeGateway) SubmitBatch(ctx context.Context, vid string, samples []domain.LocationSample) (ports.BatchAck, error) {
	if g.block != nil {
		select {
		case g.entered <- struct{}{}:
		default:
		}
		select {
		case <-g.block:
		case <-ctx.Done():
			return ports.BatchAck{}, ctx.Err()
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.submits++
	if g.alwaysErr || g.failures > 0 {
		g.failures--
		return ports.BatchAck{}, fmt.Errorf("%w: connection refused", domain.ErrTransientNetwork)
	}

	ack := ports.BatchAck{}
	for _, s := range samples {
		item := ports.ItemAck{ClientSequence: s.ClientSequence}
		last, seen := g.last[vid]
		switch {
		case seen && s.Timestamp.Before(last):
			item.Outcome = domain.OutcomeRejectedInvalid
		case seen && s.Timestamp.Sub(last) < domain.MinSampleInterval:
			item.Outcome = domain.OutcomeRejectedTooFrequent
		default:
			item.Outcome = domain.OutcomeAccepted
			g.last[vid] = s.Timestamp
			g.accepted = append(g.accepted, s)
		}
		item.LastAcceptedAt = g.last[vid]
		ack.Items = append(ack.Items, item)
	}
	ack.LastAcceptedAt = g.last[vid]
	return ack, nil
}

func (g *fakeGateway) LastAccepted(_ context.Context, vid string) (time.Time, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.last[vid]
	return t, ok, nil
}

func (g *fakeGateway) acceptedSeqs() []uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]uint64, len(g.accepted))
	for i, s := range g.accepted {
		out[i] = s.ClientSequence
	}
	return out
}

type recordingReporter struct {
	mu      sync.Mutex
	entries []domain.QueueEntry
}

func (r *recordingReporter) ReportFailed(_ context.Context, e domain.QueueEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
}

func newQueue(t *testing.T, maxAttempts int) *badgerqueue.OfflineQueue {
	t.Helper()
	q, err := badgerqueue.Open(badgerqueue.Config{InMemory: true, MaxAttempts: maxAttempts}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func fill(t *testing.T, q *badgerqueue.OfflineQueue, vid string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := q.Enqueue(context.Background(), domain.LocationSample{
			VehicleID:      vid,
			Latitude:       19.43,
			Longitude:      -99.13,
			Timestamp:      base.Add(time.Duration(i) * 30 * time.Second),
			ClientSequence: uint64(i + 1),
		})
		require.NoError(t, err)
	}
}

func fastConfig() Config {
	return Config{BatchSize: 4, InitialBackoff: time.Millisecond, MaxBackoff: 4 * time.Millisecond}
}

func TestDrain_AfterOutageDeliversEverythingInOrder(t *testing.T) {
	q := newQueue(t, 5)
	fill(t, q, "veh-1", 10)

	gw := newFakeGateway()
	gw.failures = 2
	r := New(q, gw, &recordingReporter{}, nil, fastConfig(), zerolog.Nop())

	res, err := r.Drain(context.Background(), "veh-1")
	require.NoError(t, err)

	assert.Equal(t, 10, res.Sent)
	assert.Equal(t, 2, res.Retries)
	assert.Equal(t, []uint64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, gw.acceptedSeqs())
	assert.Equal(t, 0, q.Stats().Pending)
}

func TestDrain_DiscardsEntriesTheServerAlreadyPassed(t *testing.T) {
	q := newQueue(t, 5)
	fill(t, q, "veh-1", 10) // t = 0s .. 270s

	gw := newFakeGateway()
	gw.last["veh-1"] = base.Add(150 * time.Second)
	r := New(q, gw, nil, nil, fastConfig(), zerolog.Nop())

	res, err := r.Drain(context.Background(), "veh-1")
	require.NoError(t, err)

	assert.Equal(t, 6, res.Superseded)
	assert.Equal(t, 4, res.Sent)
	assert.Equal(t, []uint64{7, 8, 9, 10}, gw.acceptedSeqs())
}

func TestDrain_TooFrequentIsSettledNotRetried(t *testing.T) {
	q := newQueue(t, 5)
	ctx := context.Background()
	for i, off := range []time.Duration{0, 10 * time.Second, 40 * time.Second} {
		_, err := q.Enqueue(ctx, domain.LocationSample{
			VehicleID: "veh-1", Latitude: 1, Longitude: 1,
			Timestamp: base.Add(off), ClientSequence: uint64(i + 1),
		})
		require.NoError(t, err)
	}

	gw := newFakeGateway()
	r := New(q, gw, nil, nil, fastConfig(), zerolog.Nop())

	res, err := r.Drain(ctx, "veh-1")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Sent)
	assert.Equal(t, 1, res.Superseded)
	assert.Equal(t, 1, gw.submits)
	assert.Equal(t, 0, q.Stats().Pending)
}

func TestDrain_RetryCeilingMovesEntriesToFailed(t *testing.T) {
	q := newQueue(t, 2)
	fill(t, q, "veh-1", 3)

	gw := newFakeGateway()
	gw.alwaysErr = true
	rep := &recordingReporter{}
	r := New(q, gw, rep, nil, fastConfig(), zerolog.Nop())

	res, err := r.Drain(context.Background(), "veh-1")
	require.NoError(t, err)

	assert.Equal(t, 3, res.Failed)
	assert.Len(t, rep.entries, 3)
	assert.Equal(t, 3, q.Stats().Failed)
	assert.Equal(t, 3, gw.submits)
}

func TestDrain_StopsRetryingWhenOffline(t *testing.T) {
	q := newQueue(t, 5)
	fill(t, q, "veh-1", 3)

	gw := newFakeGateway()
	gw.alwaysErr = true
	r := New(q, gw, nil, func() bool { return false }, fastConfig(), zerolog.Nop())

	res, err := r.Drain(context.Background(), "veh-1")
	require.NoError(t, err)
	assert.True(t, res.Paused)
	assert.Equal(t, 1, gw.submits)
	assert.Equal(t, 3, q.Stats().Pending)
}

func TestDrain_CancelledSubmitKeepsEntriesPending(t *testing.T) {
	q := newQueue(t, 5)
	fill(t, q, "veh-1", 3)

	gw := newFakeGateway()
	gw.block = make(chan struct{})
	gw.entered = make(chan struct{}, 1)
	r := New(q, gw, nil, nil, fastConfig(), zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := r.Drain(ctx, "veh-1")
		done <- err
	}()

	<-gw.entered

	// A second drain for the same vehicle is a no-op while the first runs.
	res, err := r.Drain(context.Background(), "veh-1")
	require.NoError(t, err)
	assert.True(t, res.Skipped)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	batch, err := q.PeekBatch(context.Background(), "veh-1", 10)
	require.NoError(t, err)
	require.Len(t, batch, 3)
	for _, e := range batch {
		assert.Zero(t, e.AttemptCount)
	}
}

func TestDrainAll_PurgesSentEntries(t *testing.T) {
	q := newQueue(t, 5)
	fill(t, q, "veh-1", 3)
	fill(t, q, "veh-2", 2)

	gw := newFakeGateway()
	r := New(q, gw, nil, nil, fastConfig(), zerolog.Nop())

	r.DrainAll(context.Background())

	stats := q.Stats()
	assert.Equal(t, 0, stats.Pending)
	assert.Equal(t, 0, stats.Sent)
	assert.Len(t, gw.acceptedSeqs(), 5)
}

func TestNew_BatchSizeBounds(t *testing.T) {
	q := newQueue(t, 5)

	r := New(q, newFakeGateway(), nil, nil, Config{BatchSize: 600}, zerolog.Nop())
	assert.Equal(t, fleetapi.MaxBatchSize, r.cfg.BatchSize)

	r = New(q, newFakeGateway(), nil, nil, Config{}, zerolog.Nop())
	assert.Equal(t, defaultBatchSize, r.cfg.BatchSize)
}
