package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/99minutos/fleet-tracking/internal/core/domain"
	"github.com/99minutos/fleet-tracking/internal/core/ports"
)

const (
	defaultBacklogSize = 256
	defaultHistorySize = 128
)

var ErrFeedClosed = errors.New("subscription closed")

// BroadcastConfig bounds the memory held per subscriber and per vehicle.
type BroadcastConfig struct {
	BacklogSize int
	HistorySize int
}

// vehicleChannel is the ordered stream of one vehicle.
type vehicleChannel struct {
	seq     uint64
	history []domain.Envelope
}

type BroadcastService struct {
	cfg BroadcastConfig
	log zerolog.Logger
	now func() time.Time

	mu       sync.Mutex
	channels map[string]*vehicleChannel
	feeds    map[string]*feed
}

var _ ports.Broadcaster = (*BroadcastService)(nil)

func NewBroadcastService(cfg BroadcastConfig, log zerolog.Logger) *BroadcastService {
	if cfg.BacklogSize <= 0 {
		cfg.BacklogSize = defaultBacklogSize
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = defaultHistorySize
	}
	return &BroadcastService{
		cfg:      cfg,
		log:      log,
		now:      time.Now,
		channels: make(map[string]*vehicleChannel),
		feeds:    make(map[string]*feed),
	}
}

func (b *BroadcastService) PublishSample(sample domain.LocationSample) domain.Envelope {
	return b.publish(domain.Envelope{VehicleID: sample.VehicleID, Kind: domain.KindLocation, Sample: &sample})
}

func (b *BroadcastService) PublishGeofenceEvent(event domain.GeofenceEvent) domain.Envelope {
	return b.publish(domain.Envelope{VehicleID: event.VehicleID, Kind: domain.KindGeofence, Event: &event})
}

// publish stamps the envelope with the next vehicle sequence and hands it to
// every matching feed. Delivery happens under the lock so concurrent
// subscribes see either the full replay or the live envelope, never both.
func (b *BroadcastService) publish(env domain.Envelope) domain.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.channels[env.VehicleID]
	if !ok {
		ch = &vehicleChannel{}
		b.channels[env.VehicleID] = ch
	}
	ch.seq++
	env.Seq = ch.seq
	env.PublishedAt = b.now().UTC()

	ch.history = append(ch.history, env)
	if len(ch.history) > b.cfg.HistorySize {
		ch.history = ch.history[len(ch.history)-b.cfg.HistorySize:]
	}

	for _, f := range b.feeds {
		if f.sub.Matches(env.VehicleID) {
			f.push(env)
		}
	}
	return env
}

// Subscribe registers a feed. A feed registered under an existing id
// replaces the previous one, which is closed.
func (b *BroadcastService) Subscribe(sub domain.Subscription, opts ports.SubscribeOptions) (ports.Feed, error) {
	if sub.SubscriberID == "" {
		sub.SubscriberID = uuid.NewString()
	}

	f := newFeed(sub, b.cfg.BacklogSize)

	b.mu.Lock()
	defer b.mu.Unlock()

	if prev, ok := b.feeds[sub.SubscriberID]; ok {
		prev.close()
	}

	vehicles := make([]string, 0, len(b.channels))
	for v := range b.channels {
		if sub.Matches(v) {
			vehicles = append(vehicles, v)
		}
	}
	sort.Strings(vehicles)

	for _, v := range vehicles {
		for _, env := range b.replayFor(v, opts) {
			f.push(env)
		}
	}

	b.feeds[sub.SubscriberID] = f
	b.log.Debug().Str("subscriber_id", sub.SubscriberID).Strs("vehicles", sub.VehicleFilter).Msg("subscribed")
	return f, nil
}

func (b *BroadcastService) replayFor(vehicleID string, opts ports.SubscribeOptions) []domain.Envelope {
	history := b.channels[vehicleID].history

	if last, ok := opts.ResumeFrom[vehicleID]; ok {
		i := sort.Search(len(history), func(i int) bool { return history[i].Seq > last })
		return history[i:]
	}
	if opts.ReplayLast > 0 {
		if opts.ReplayLast < len(history) {
			return history[len(history)-opts.ReplayLast:]
		}
		return history
	}
	return nil
}

func (b *BroadcastService) Unsubscribe(subscriberID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if f, ok := b.feeds[subscriberID]; ok {
		f.close()
		delete(b.feeds, subscriberID)
		b.log.Debug().Str("subscriber_id", subscriberID).Uint64("dropped", f.Dropped()).Msg("unsubscribed")
	}
}

// SubscriberCount returns the number of live feeds.
func (b *BroadcastService) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.feeds)
}

// feed is a bounded per-subscriber backlog. When full, the oldest envelopes
// are dropped so the consumer sees a gap, never a reordering.
type feed struct {
	sub   domain.Subscription
	limit int

	mu      sync.Mutex
	backlog []domain.Envelope
	closed  bool

	notify  chan struct{}
	done    chan struct{}
	dropped atomic.Uint64
}

func newFeed(sub domain.Subscription, limit int) *feed {
	return &feed{
		sub:    sub,
		limit:  limit,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (f *feed) ID() string {
	return f.sub.SubscriberID
}

func (f *feed) Dropped() uint64 {
	return f.dropped.Load()
}

func (f *feed) push(env domain.Envelope) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	if len(f.backlog) >= f.limit {
		n := len(f.backlog) - f.limit + 1
		f.backlog = f.backlog[n:]
		f.dropped.Add(uint64(n))
	}
	f.backlog = append(f.backlog, env)
	f.mu.Unlock()

	select {
	case f.notify <- struct{}{}:
	default:
	}
}

func (f *feed) Receive(ctx context.Context) ([]domain.Envelope, error) {
	for {
		f.mu.Lock()
		if len(f.backlog) > 0 {
			out := f.backlog
			f.backlog = nil
			f.mu.Unlock()
			return out, nil
		}
		closed := f.closed
		f.mu.Unlock()

		if closed {
			return nil, ErrFeedClosed
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-f.notify:
		case <-f.done:
		}
	}
}

func (f *feed) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	close(f.done)
}
