// Package stream maintains the exchange price stream. Exactly one engine
// instance holds the stream-leader lease and owns the websocket; the others
// consume ticks from the shared cache and the pub-sub bus.
package stream

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"spot-trading-engine/internal/cache"
	"spot-trading-engine/internal/monitoring"
)

// Lease is the leader record stored in the shared cache.
type Lease struct {
	InstanceID string    `json:"instance_id"`
	AcquiredAt time.Time `json:"acquired_at"`
	RenewedAt  time.Time `json:"renewed_at"`
}

// LeaseStore is the slice of the cache service the elector needs.
type LeaseStore interface {
	GetJSON(ctx context.Context, key string, dest interface{}) error
	SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	SetNXJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error
}

// Leader elects the stream owner through a TTL lease. A vacant lease is
// claimed with an atomic set-if-absent, so any number of instances racing an
// expired lease produce exactly one winner; renewal is a plain write gated on
// the stored instance identity still being ours.
type Leader struct {
	store      LeaseStore
	instanceID string
	ttl        time.Duration
	logger     zerolog.Logger

	mu       sync.RWMutex
	isLeader bool

	onElected func()
	onDemoted func()

	cancel context.CancelFunc
	done   chan struct{}
}

// NewLeader creates an elector with a fresh instance identity.
func NewLeader(store LeaseStore, ttl time.Duration, logger zerolog.Logger) *Leader {
	return &Leader{
		store:      store,
		instanceID: uuid.New().String(),
		ttl:        ttl,
		logger:     logger.With().Str("component", "leader").Logger(),
	}
}

// InstanceID returns this instance's identity.
func (l *Leader) InstanceID() string { return l.instanceID }

// IsLeader reports whether this instance currently holds the lease.
func (l *Leader) IsLeader() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.isLeader
}

// OnElected sets the callback fired when leadership is gained.
func (l *Leader) OnElected(fn func()) { l.onElected = fn }

// OnDemoted sets the callback fired when leadership is lost.
func (l *Leader) OnDemoted(fn func()) { l.onDemoted = fn }

// Become attempts one acquisition or renewal and returns whether this
// instance leads afterwards.
func (l *Leader) Become(ctx context.Context) bool {
	var lease Lease
	err := l.store.GetJSON(ctx, cache.StreamLeaderKey(), &lease)

	switch {
	case errors.Is(err, cache.ErrCacheMiss):
		// No leader; claim the vacant lease atomically. Losing the claim
		// means another instance's set-if-absent landed first.
		won := l.claimLease(ctx)
		l.setLeader(won)
		return won

	case err != nil:
		// Cache unreachable. A sitting leader keeps streaming so ticks keep
		// flowing; a follower cannot claim anything.
		return l.IsLeader()

	case lease.InstanceID == l.instanceID:
		if !l.renewLease(ctx, lease.AcquiredAt) {
			l.setLeader(false)
			return false
		}
		l.setLeader(true)
		return true

	default:
		l.setLeader(false)
		return false
	}
}

func (l *Leader) claimLease(ctx context.Context) bool {
	now := time.Now().UTC()
	lease := Lease{InstanceID: l.instanceID, AcquiredAt: now, RenewedAt: now}
	won, err := l.store.SetNXJSON(ctx, cache.StreamLeaderKey(), lease, l.ttl)
	if err != nil {
		l.logger.Warn().Err(err).Msg("Lease claim failed")
		return false
	}
	return won
}

// renewLease overwrites the lease this instance already holds. Become only
// calls it after reading the lease back and matching the instance identity.
func (l *Leader) renewLease(ctx context.Context, acquiredAt time.Time) bool {
	lease := Lease{InstanceID: l.instanceID, AcquiredAt: acquiredAt, RenewedAt: time.Now().UTC()}
	if err := l.store.SetJSON(ctx, cache.StreamLeaderKey(), lease, l.ttl); err != nil {
		l.logger.Warn().Err(err).Msg("Lease renewal failed")
		return false
	}
	return true
}

func (l *Leader) setLeader(leader bool) {
	l.mu.Lock()
	changed := l.isLeader != leader
	l.isLeader = leader
	l.mu.Unlock()

	if !changed {
		return
	}

	monitoring.SetStreamLeader(leader)
	if leader {
		l.logger.Info().Str("instance", l.instanceID).Msg("Elected stream leader")
		if l.onElected != nil {
			l.onElected()
		}
	} else {
		l.logger.Info().Str("instance", l.instanceID).Msg("Demoted from stream leader")
		if l.onDemoted != nil {
			l.onDemoted()
		}
	}
}

// Start runs the heartbeat loop. The interval is well under the lease TTL so
// a healthy leader renews long before followers see an expired lease.
func (l *Leader) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	l.done = make(chan struct{})

	interval := time.Duration(float64(l.ttl) * 0.3)

	go func() {
		defer close(l.done)
		l.Become(ctx)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.Become(ctx)
			}
		}
	}()
}

// Stop halts the heartbeat and releases the lease if held, so a graceful
// shutdown hands leadership over immediately instead of after TTL expiry.
func (l *Leader) Stop(ctx context.Context) {
	if l.cancel != nil {
		l.cancel()
	}
	if l.done != nil {
		<-l.done
	}

	if l.IsLeader() {
		if err := l.store.Delete(ctx, cache.StreamLeaderKey()); err != nil {
			l.logger.Warn().Err(err).Msg("Lease release failed, followers take over at TTL expiry")
		}
		l.setLeader(false)
	}
}
