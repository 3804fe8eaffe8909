package badger

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/99minutos/fleet-tracking/internal/api/metrics"
	"github.com/99minutos/fleet-tracking/internal/core/domain"
	"github.com/99minutos/fleet-tracking/internal/core/ports"
)

const (
	defaultMaxEntries  = 1000
	defaultMaxAttempts = 5
	defaultGCInterval  = 5 * time.Minute
	gcDiscardRatio     = 0.5
	sequenceBandwidth  = 128
)

// Key layout. Entry keys embed a zero padded ordinal so prefix iteration
// yields enqueue order.
const (
	prefixPending = "q:pending:"
	prefixSent    = "q:sent:"
	prefixFailed  = "q:failed:"
	prefixRef     = "q:ref:"
	prefixSeq     = "q:seq:"
	keyOrdinal    = "q:ordinal"
)

// Config controls the on-device queue.
type Config struct {
	Path        string
	MaxEntries  int
	MaxAttempts int
	// InMemory skips the filesystem. Only meant for tests.
	InMemory   bool
	GCInterval time.Duration
}

type record struct {
	ID           string                `msgpack:"id"`
	Ordinal      uint64                `msgpack:"ord"`
	Sample       domain.LocationSample `msgpack:"sample"`
	EnqueuedAt   time.Time             `msgpack:"enqueued_at"`
	AttemptCount int                   `msgpack:"attempts"`
	State        domain.EntryState     `msgpack:"state"`
	UpdatedAt    time.Time             `msgpack:"updated_at"`
}

func (r record) entry() domain.QueueEntry {
	return domain.QueueEntry{
		ID:           r.ID,
		Sample:       r.Sample,
		EnqueuedAt:   r.EnqueuedAt,
		AttemptCount: r.AttemptCount,
		State:        r.State,
	}
}

// OfflineQueue is a BadgerDB backed DurableOfflineQueue. Every mutation runs
// under a single writer lock and is fsynced before returning.
type OfflineQueue struct {
	db  *badger.DB
	seq *badger.Sequence
	cfg Config
	log zerolog.Logger

	mu     sync.Mutex
	closed bool

	pending atomic.Int64
	sent    atomic.Int64
	failed  atomic.Int64
	evicted atomic.Int64
}

var _ ports.OfflineQueue = (*OfflineQueue)(nil)

// Open opens (or recovers) the queue at cfg.Path.
func Open(cfg Config, log zerolog.Logger) (*OfflineQueue, error) {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = defaultMaxEntries
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.GCInterval <= 0 {
		cfg.GCInterval = defaultGCInterval
	}

	opts := badger.DefaultOptions(cfg.Path)
	opts.SyncWrites = true
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else if cfg.Path == "" {
		return nil, errors.New("offline queue: path is required")
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open offline queue: %w", err)
	}

	seq, err := db.GetSequence([]byte(keyOrdinal), sequenceBandwidth)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open offline queue sequence: %w", err)
	}

	q := &OfflineQueue{db: db, seq: seq, cfg: cfg, log: log}
	if err := q.loadCounts(); err != nil {
		_ = seq.Release()
		_ = db.Close()
		return nil, err
	}

	log.Info().
		Str("path", cfg.Path).
		Int("max_entries", cfg.MaxEntries).
		Int64("pending", q.pending.Load()).
		Int64("failed", q.failed.Load()).
		Msg("offline queue opened")
	q.publishGauges()
	return q, nil
}

// Enqueue appends a Pending entry and returns once it is on disk. When the
// queue is full the oldest Pending entries are evicted first, then Sent,
// then Failed.
func (q *OfflineQueue) Enqueue(ctx context.Context, sample domain.LocationSample) (ports.EnqueueResult, error) {
	if err := ctx.Err(); err != nil {
		return ports.EnqueueResult{}, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ports.EnqueueResult{}, domain.ErrQueueClosed
	}

	ord, err := q.seq.Next()
	if err != nil {
		return ports.EnqueueResult{}, fmt.Errorf("%w: next ordinal: %v", domain.ErrQueueWrite, err)
	}

	now := time.Now().UTC()
	rec := record{
		ID:         uuid.NewString(),
		Ordinal:    ord,
		Sample:     sample,
		EnqueuedAt: now,
		State:      domain.EntryPending,
		UpdatedAt:  now,
	}
	data, err := msgpack.Marshal(&rec)
	if err != nil {
		return ports.EnqueueResult{}, fmt.Errorf("%w: encode entry: %v", domain.ErrQueueWrite, err)
	}

	var evicted []record
	err = q.db.Update(func(txn *badger.Txn) error {
		total := q.total()
		for total >= int64(q.cfg.MaxEntries) {
			victim, err := q.oldest(txn)
			if err != nil {
				return err
			}
			if victim == nil {
				break
			}
			if err := q.remove(txn, *victim); err != nil {
				return err
			}
			evicted = append(evicted, *victim)
			total--
		}

		key := entryKey(domain.EntryPending, ord)
		if err := txn.Set(key, data); err != nil {
			return err
		}
		if err := txn.Set([]byte(prefixRef+rec.ID), key); err != nil {
			return err
		}
		return q.bumpSequence(txn, sample.VehicleID, sample.ClientSequence)
	})
	if err != nil {
		return ports.EnqueueResult{}, fmt.Errorf("%w: %v", domain.ErrQueueWrite, err)
	}

	res := ports.EnqueueResult{Entry: rec.entry()}
	for _, v := range evicted {
		q.counter(v.State).Add(-1)
		res.Evicted = append(res.Evicted, v.entry())
	}
	q.pending.Add(1)

	if n := len(evicted); n > 0 {
		q.evicted.Add(int64(n))
		metrics.OfflineQueueEvictedTotal.Add(float64(n))
		q.log.Warn().
			Err(domain.ErrQueueCapacityExceeded).
			Int("evicted", n).
			Str("oldest_evicted_id", evicted[0].ID).
			Msg("offline queue full, oldest entries evicted")
	}
	q.publishGauges()
	return res, nil
}

// PeekBatch returns up to n oldest Pending entries of the vehicle in enqueue order.
func (q *OfflineQueue) PeekBatch(ctx context.Context, vehicleID string, n int) ([]domain.QueueEntry, error) {
	if n <= 0 {
		return nil, nil
	}
	var out []domain.QueueEntry
	err := q.scan(ctx, prefixPending, func(r record) bool {
		if r.Sample.VehicleID == vehicleID {
			out = append(out, r.entry())
		}
		return len(out) < n
	})
	if err != nil {
		return nil, fmt.Errorf("peek batch: %w", err)
	}
	return out, nil
}

// MarkSent moves Pending entries to Sent. Unknown ids (already evicted or
// purged) and entries that are no longer Pending are skipped.
func (q *OfflineQueue) MarkSent(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return domain.ErrQueueClosed
	}

	moved := 0
	err := q.db.Update(func(txn *badger.Txn) error {
		for _, id := range ids {
			r, err := q.lookup(txn, id)
			if errors.Is(err, domain.ErrEntryNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if r.State != domain.EntryPending {
				continue
			}
			if err := q.transition(txn, r, domain.EntrySent); err != nil {
				return err
			}
			moved++
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}

	q.pending.Add(int64(-moved))
	q.sent.Add(int64(moved))
	q.publishGauges()
	return nil
}

// MarkFailed records a failed delivery attempt. Past the attempt ceiling the
// entry moves to Failed and the returned error wraps
// domain.ErrRetryCeilingExceeded.
func (q *OfflineQueue) MarkFailed(ctx context.Context, id string) (domain.QueueEntry, error) {
	if err := ctx.Err(); err != nil {
		return domain.QueueEntry{}, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return domain.QueueEntry{}, domain.ErrQueueClosed
	}

	var out record
	err := q.db.Update(func(txn *badger.Txn) error {
		r, err := q.lookup(txn, id)
		if err != nil {
			return err
		}
		if r.State != domain.EntryPending {
			return fmt.Errorf("%w: entry %s is %s", domain.ErrEntryNotFound, id, r.State)
		}

		r.AttemptCount++
		next := domain.EntryPending
		if r.AttemptCount > q.cfg.MaxAttempts {
			next = domain.EntryFailed
		}
		if err := q.transition(txn, r, next); err != nil {
			return err
		}
		out = r
		out.State = next
		return nil
	})
	if err != nil {
		return domain.QueueEntry{}, fmt.Errorf("mark failed: %w", err)
	}

	if out.State == domain.EntryFailed {
		q.pending.Add(-1)
		q.failed.Add(1)
		q.publishGauges()
		return out.entry(), fmt.Errorf("entry %s after %d attempts: %w", id, out.AttemptCount, domain.ErrRetryCeilingExceeded)
	}
	return out.entry(), nil
}

// DiscardThrough marks the vehicle's Pending entries with a timestamp at or
// before t as Sent. They are superseded by newer server state.
func (q *OfflineQueue) DiscardThrough(ctx context.Context, vehicleID string, t time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0, domain.ErrQueueClosed
	}

	var victims []record
	err := q.scan(ctx, prefixPending, func(r record) bool {
		if r.Sample.VehicleID == vehicleID && !r.Sample.Timestamp.After(t) {
			victims = append(victims, r)
		}
		return true
	})
	if err != nil {
		return 0, fmt.Errorf("discard through: %w", err)
	}
	if len(victims) == 0 {
		return 0, nil
	}

	err = q.db.Update(func(txn *badger.Txn) error {
		for _, r := range victims {
			if err := q.transition(txn, r, domain.EntrySent); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("discard through: %w", err)
	}

	q.pending.Add(int64(-len(victims)))
	q.sent.Add(int64(len(victims)))
	q.publishGauges()
	return len(victims), nil
}

// PurgeSent deletes acknowledged entries.
func (q *OfflineQueue) PurgeSent(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0, domain.ErrQueueClosed
	}

	var sent []record
	if err := q.scan(ctx, prefixSent, func(r record) bool {
		sent = append(sent, r)
		return true
	}); err != nil {
		return 0, fmt.Errorf("purge sent: %w", err)
	}
	if len(sent) == 0 {
		return 0, nil
	}

	err := q.db.Update(func(txn *badger.Txn) error {
		for _, r := range sent {
			if err := q.remove(txn, r); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("purge sent: %w", err)
	}

	q.sent.Add(int64(-len(sent)))
	q.publishGauges()
	return len(sent), nil
}

// FailedEntries lists entries that exhausted their retries.
func (q *OfflineQueue) FailedEntries(ctx context.Context) ([]domain.QueueEntry, error) {
	var out []domain.QueueEntry
	err := q.scan(ctx, prefixFailed, func(r record) bool {
		out = append(out, r.entry())
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("failed entries: %w", err)
	}
	return out, nil
}

// Vehicles lists vehicles with Pending entries, by age of their oldest entry.
func (q *OfflineQueue) Vehicles(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	var out []string
	err := q.scan(ctx, prefixPending, func(r record) bool {
		if _, ok := seen[r.Sample.VehicleID]; !ok {
			seen[r.Sample.VehicleID] = struct{}{}
			out = append(out, r.Sample.VehicleID)
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("list vehicles: %w", err)
	}
	return out, nil
}

// LastSequence returns the highest client sequence ever enqueued for the
// vehicle, surviving eviction and purge.
func (q *OfflineQueue) LastSequence(_ context.Context, vehicleID string) (uint64, error) {
	var seq uint64
	err := q.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(prefixSeq + vehicleID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) == 8 {
				seq = binary.BigEndian.Uint64(val)
			}
			return nil
		})
	})
	if err != nil {
		return 0, fmt.Errorf("last sequence: %w", err)
	}
	return seq, nil
}

func (q *OfflineQueue) Stats() ports.QueueStats {
	return ports.QueueStats{
		Pending: int(q.pending.Load()),
		Sent:    int(q.sent.Load()),
		Failed:  int(q.failed.Load()),
		Evicted: q.evicted.Load(),
	}
}

// Serve runs value log garbage collection until ctx is cancelled.
func (q *OfflineQueue) Serve(ctx context.Context) error {
	if q.cfg.InMemory {
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(q.cfg.GCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for {
				err := q.db.RunValueLogGC(gcDiscardRatio)
				if err != nil {
					if !errors.Is(err, badger.ErrNoRewrite) {
						q.log.Warn().Err(err).Msg("offline queue gc failed")
					}
					break
				}
			}
		}
	}
}

func (q *OfflineQueue) String() string {
	return "offline-queue"
}

// Close releases the ordinal lease and closes the database.
func (q *OfflineQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true

	if err := q.seq.Release(); err != nil {
		q.log.Warn().Err(err).Msg("release ordinal sequence")
	}
	return q.db.Close()
}

// --- internals ---

func entryKey(state domain.EntryState, ord uint64) []byte {
	return []byte(fmt.Sprintf("q:%s:%020d", state, ord))
}

func (q *OfflineQueue) total() int64 {
	return q.pending.Load() + q.sent.Load() + q.failed.Load()
}

func (q *OfflineQueue) counter(state domain.EntryState) *atomic.Int64 {
	switch state {
	case domain.EntrySent:
		return &q.sent
	case domain.EntryFailed:
		return &q.failed
	default:
		return &q.pending
	}
}

// oldest returns the eviction victim: the first Pending entry, else the
// first Sent, else the first Failed.
func (q *OfflineQueue) oldest(txn *badger.Txn) (*record, error) {
	for _, prefix := range []string{prefixPending, prefixSent, prefixFailed} {
		r, err := firstWithPrefix(txn, prefix)
		if err != nil || r != nil {
			return r, err
		}
	}
	return nil, nil
}

func firstWithPrefix(txn *badger.Txn, prefix string) (*record, error) {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = []byte(prefix)
	it := txn.NewIterator(opts)
	defer it.Close()

	it.Seek([]byte(prefix))
	if !it.ValidForPrefix([]byte(prefix)) {
		return nil, nil
	}
	r, err := decode(it.Item())
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// lookup resolves an entry id through its ref key.
func (q *OfflineQueue) lookup(txn *badger.Txn, id string) (record, error) {
	ref, err := txn.Get([]byte(prefixRef + id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return record{}, fmt.Errorf("%w: %s", domain.ErrEntryNotFound, id)
	}
	if err != nil {
		return record{}, err
	}
	key, err := ref.ValueCopy(nil)
	if err != nil {
		return record{}, err
	}

	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return record{}, fmt.Errorf("%w: %s", domain.ErrEntryNotFound, id)
	}
	if err != nil {
		return record{}, err
	}
	return decode(item)
}

// transition rewrites the entry under the key of its next state.
func (q *OfflineQueue) transition(txn *badger.Txn, r record, next domain.EntryState) error {
	if !r.State.CanTransitionTo(next) {
		return fmt.Errorf("entry %s: invalid transition %s -> %s", r.ID, r.State, next)
	}

	oldKey := entryKey(r.State, r.Ordinal)
	r.State = next
	r.UpdatedAt = time.Now().UTC()
	data, err := msgpack.Marshal(&r)
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}

	newKey := entryKey(next, r.Ordinal)
	if err := txn.Set(newKey, data); err != nil {
		return err
	}
	if string(newKey) != string(oldKey) {
		if err := txn.Delete(oldKey); err != nil {
			return err
		}
		if err := txn.Set([]byte(prefixRef+r.ID), newKey); err != nil {
			return err
		}
	}
	return nil
}

func (q *OfflineQueue) remove(txn *badger.Txn, r record) error {
	if err := txn.Delete(entryKey(r.State, r.Ordinal)); err != nil {
		return err
	}
	return txn.Delete([]byte(prefixRef + r.ID))
}

func (q *OfflineQueue) bumpSequence(txn *badger.Txn, vehicleID string, seq uint64) error {
	key := []byte(prefixSeq + vehicleID)
	item, err := txn.Get(key)
	switch {
	case errors.Is(err, badger.ErrKeyNotFound):
	case err != nil:
		return err
	default:
		var current uint64
		if err := item.Value(func(val []byte) error {
			if len(val) == 8 {
				current = binary.BigEndian.Uint64(val)
			}
			return nil
		}); err != nil {
			return err
		}
		if current >= seq {
			return nil
		}
	}

	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, seq)
	return txn.Set(key, buf)
}

// scan decodes entries under prefix in key order until fn returns false.
func (q *OfflineQueue) scan(ctx context.Context, prefix string, fn func(record) bool) error {
	return q.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		p := []byte(prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			r, err := decode(it.Item())
			if err != nil {
				q.log.Warn().Err(err).Str("key", string(it.Item().Key())).Msg("skipping unreadable queue entry")
				continue
			}
			if !fn(r) {
				return nil
			}
		}
		return nil
	})
}

func (q *OfflineQueue) loadCounts() error {
	return q.db.View(func(txn *badger.Txn) error {
		for _, prefix := range []string{prefixPending, prefixSent, prefixFailed} {
			opts := badger.DefaultIteratorOptions
			opts.PrefetchValues = false
			opts.Prefix = []byte(prefix)
			it := txn.NewIterator(opts)

			var n int64
			p := []byte(prefix)
			for it.Seek(p); it.ValidForPrefix(p); it.Next() {
				n++
			}
			it.Close()

			state := domain.EntryState(strings.TrimSuffix(strings.TrimPrefix(prefix, "q:"), ":"))
			q.counter(state).Store(n)
		}
		return nil
	})
}

func (q *OfflineQueue) publishGauges() {
	metrics.OfflineQueueEntries.WithLabelValues(string(domain.EntryPending)).Set(float64(q.pending.Load()))
	metrics.OfflineQueueEntries.WithLabelValues(string(domain.EntrySent)).Set(float64(q.sent.Load()))
	metrics.OfflineQueueEntries.WithLabelValues(string(domain.EntryFailed)).Set(float64(q.failed.Load()))
}

func decode(item *badger.Item) (record, error) {
	var r record
	err := item.Value(func(val []byte) error {
		return msgpack.Unmarshal(val, &r)
	})
	return r, err
}
