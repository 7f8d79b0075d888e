// Package progress fans deployment progress events out to live subscribers.
//
// Every subscription owns a bounded channel that is fed under the
// broadcaster's mutex, so each subscriber sees events in publish order. A
// subscriber that cannot keep up, or stops acknowledging heartbeats, is
// dropped and its channel closed; it must resubscribe to get a fresh
// snapshot.
package progress

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"deployd/internal/domain"
)

// Defaults applied when Options fields are unset.
const (
	defaultBufferSize = 64
	defaultHeartbeat  = 30 * time.Second
	defaultMaxMissed  = 3
)

// Options configures a Broadcaster.
type Options struct {
	BufferSize        int
	HeartbeatInterval time.Duration
	MaxMissed         int
	Logger            zerolog.Logger
}

// DropReason explains why a subscription was closed by the broadcaster.
type DropReason string

const (
	DropNone      DropReason = ""
	DropSlow      DropReason = "slow_consumer"
	DropHeartbeat DropReason = "missed_heartbeats"
	DropForgotten DropReason = "forgotten"
	DropShutdown  DropReason = "shutdown"
)

// Subscription is one consumer's feed for a single deployment.
type Subscription struct {
	DeploymentID string

	b      *Broadcaster
	ch     chan domain.ProgressEvent
	missed int
	acked  bool
	closed bool
	reason DropReason
}

// Events is closed when the subscription ends.
func (s *Subscription) Events() <-chan domain.ProgressEvent { return s.ch }

// Ack records consumer liveness for the current heartbeat period.
func (s *Subscription) Ack() {
	s.b.mu.Lock()
	s.acked = true
	s.missed = 0
	s.b.mu.Unlock()
}

// Reason reports why the broadcaster closed the subscription, if it did.
func (s *Subscription) Reason() DropReason {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	return s.reason
}

// Broadcaster keeps the latest event per deployment and the live subscriptions.
type Broadcaster struct {
	opts Options
	log  zerolog.Logger
	now  func() time.Time

	mu     sync.Mutex
	latest map[string]domain.ProgressEvent
	subs   map[string]map[*Subscription]struct{}
}

// New constructs a Broadcaster.
func New(opts Options) *Broadcaster {
	if opts.BufferSize <= 0 {
		opts.BufferSize = defaultBufferSize
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = defaultHeartbeat
	}
	if opts.MaxMissed <= 0 {
		opts.MaxMissed = defaultMaxMissed
	}
	return &Broadcaster{
		opts:   opts,
		log:    opts.Logger,
		now:    time.Now,
		latest: make(map[string]domain.ProgressEvent),
		subs:   make(map[string]map[*Subscription]struct{}),
	}
}

// HeartbeatInterval returns the configured interval.
func (b *Broadcaster) HeartbeatInterval() time.Duration { return b.opts.HeartbeatInterval }

// Publish records ev as the deployment's latest snapshot and delivers it to
// every subscriber of that deployment.
func (b *Broadcaster) Publish(ev domain.ProgressEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ev.Type == domain.EventProgress {
		b.latest[ev.DeploymentID] = ev
	}
	for s := range b.subs[ev.DeploymentID] {
		b.deliverLocked(s, ev)
	}
}

// Subscribe registers a subscription for id. The first event it yields is
// the latest published snapshot, or seed when nothing was published yet.
func (b *Broadcaster) Subscribe(id string, seed *domain.ProgressEvent) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := &Subscription{DeploymentID: id, b: b, acked: true, ch: make(chan domain.ProgressEvent, b.opts.BufferSize)}
	if ev, ok := b.latest[id]; ok {
		s.ch <- ev
	} else if seed != nil {
		s.ch <- *seed
	}
	set := b.subs[id]
	if set == nil {
		set = make(map[*Subscription]struct{})
		b.subs[id] = set
	}
	set[s] = struct{}{}
	subscribers.Inc()
	return s
}

// Unsubscribe ends s. Safe to call more than once.
func (b *Broadcaster) Unsubscribe(s *Subscription) {
	b.mu.Lock()
	b.dropLocked(s, DropNone)
	b.mu.Unlock()
}

// Latest returns the most recent progress event for id.
func (b *Broadcaster) Latest(id string) (domain.ProgressEvent, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ev, ok := b.latest[id]
	return ev, ok
}

// Subscribers returns the number of live subscriptions for id.
func (b *Broadcaster) Subscribers(id string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[id])
}

// Forget discards the snapshot for id and closes its subscriptions.
func (b *Broadcaster) Forget(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.latest, id)
	for s := range b.subs[id] {
		b.dropLocked(s, DropForgotten)
	}
}

// Close ends every subscription.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, set := range b.subs {
		for s := range set {
			b.dropLocked(s, DropShutdown)
		}
	}
}

// Run emits heartbeats until ctx ends, then closes all subscriptions.
func (b *Broadcaster) Run(ctx context.Context) {
	t := time.NewTicker(b.opts.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			b.Close()
			return
		case <-t.C:
			b.heartbeat()
		}
	}
}

func (b *Broadcaster) heartbeat() {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, set := range b.subs {
		for s := range set {
			if !s.acked {
				s.missed++
			}
			s.acked = false
			if s.missed > b.opts.MaxMissed {
				b.log.Debug().Str("event", "subscriber_dropped").Str("deployment", id).Int("missed", s.missed).Msg("heartbeats not acknowledged")
				b.dropLocked(s, DropHeartbeat)
				continue
			}
			b.deliverLocked(s, domain.Heartbeat(id, now))
		}
	}
}

func (b *Broadcaster) deliverLocked(s *Subscription, ev domain.ProgressEvent) {
	select {
	case s.ch <- ev:
	default:
		b.log.Debug().Str("event", "subscriber_dropped").Str("deployment", s.DeploymentID).Msg("subscriber buffer full")
		b.dropLocked(s, DropSlow)
	}
}

func (b *Broadcaster) dropLocked(s *Subscription, reason DropReason) {
	if s.closed {
		return
	}
	s.closed = true
	s.reason = reason
	close(s.ch)
	if set := b.subs[s.DeploymentID]; set != nil {
		delete(set, s)
		if len(set) == 0 {
			delete(b.subs, s.DeploymentID)
		}
	}
	subscribers.Dec()
	if reason != DropNone {
		drops.WithLabelValues(string(reason)).Inc()
	}
}

// Close unsubscribes s.
func (s *Subscription) Close() { s.b.Unsubscribe(s) }
