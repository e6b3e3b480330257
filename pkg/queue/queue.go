// Package queue is the submission queue and module-proposal ticker (spec
// §4.2/§4.3): the only path an externally-submitted item or module/ticker
// proposal takes on its way into a running session. Grounded on the
// teacher's app/perp/txfeeder.go ticker-goroutine shape and the bounded-
// channel idea behind app/core/mempool, generalized from raw order bytes to
// ConsensusItem.
package queue

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/fedimint-go/guardian/pkg/consensus"
	"github.com/fedimint-go/guardian/pkg/keychain"
	"github.com/fedimint-go/guardian/pkg/module"
	"github.com/fedimint-go/guardian/pkg/store"
)

// Depth is the bounded channel capacity backing Queue, matching the
// capacity named in spec §4.2.
const Depth = 1000

// Queue is the bounded buffer of consensus items waiting to be proposed to
// the atomic broadcast. Submit is called by the federation's public API
// (out of scope here); Drain is called by the session runner's DataProvider.
type Queue struct {
	items chan consensus.ConsensusItem
}

func New() *Queue {
	return &Queue{items: make(chan consensus.ConsensusItem, Depth)}
}

// Submit enqueues item, blocking if the queue is full. Returns ctx.Err() if
// ctx is canceled first.
func (q *Queue) Submit(ctx context.Context, item consensus.ConsensusItem) error {
	select {
	case q.items <- item:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrySubmit enqueues item without blocking, reporting false if the queue is
// currently full.
func (q *Queue) TrySubmit(item consensus.ConsensusItem) bool {
	select {
	case q.items <- item:
		return true
	default:
		return false
	}
}

// Drain returns the next queued item, blocking until one is available or
// ctx is canceled.
func (q *Queue) Drain(ctx context.Context) (consensus.ConsensusItem, error) {
	select {
	case item := <-q.items:
		return item, nil
	case <-ctx.Done():
		return consensus.ConsensusItem{}, ctx.Err()
	}
}

// DrainAvailable blocks until at least one item is available (or ctx is
// canceled), then keeps draining without blocking until either the queue is
// empty or max items have been collected — the batch a round's leader
// proposes to the broadcast engine in one go, rather than one item at a time.
func (q *Queue) DrainAvailable(ctx context.Context, max int) ([]consensus.ConsensusItem, error) {
	first, err := q.Drain(ctx)
	if err != nil {
		return nil, err
	}
	items := []consensus.ConsensusItem{first}
	for len(items) < max {
		select {
		case item := <-q.items:
			items = append(items, item)
		default:
			return items, nil
		}
	}
	return items, nil
}

// Ticker runs the one-second module-proposal loop: each tick, it opens a
// read-only transaction, asks every registered module for its consensus
// proposal, and submits one ClientConfigSignatureShare item if this node
// hasn't already signed the client config.
type Ticker struct {
	db       *store.Database
	registry *module.Registry
	keys     *keychain.Keychain
	cfgHash  consensus.Hash
	queue    *Queue
	interval time.Duration
	log      *zap.SugaredLogger
}

func NewTicker(db *store.Database, registry *module.Registry, keys *keychain.Keychain, cfgHash consensus.Hash, q *Queue, log *zap.SugaredLogger) *Ticker {
	return &Ticker{db: db, registry: registry, keys: keys, cfgHash: cfgHash, queue: q, interval: time.Second, log: log}
}

// WithInterval overrides the default one-second period, for tests that
// can't wait a full second per tick.
func (t *Ticker) WithInterval(d time.Duration) *Ticker {
	t.interval = d
	return t
}

// Run blocks, ticking until ctx is canceled.
func (t *Ticker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.tick(ctx)
		}
	}
}

func (t *Ticker) tick(ctx context.Context) {
	rtx := t.db.BeginReadOnly()
	defer rtx.Discard()

	t.registry.Each(func(instanceID uint16, mod module.Module) {
		for _, item := range mod.ConsensusProposal(rtx.ModulePrefix(instanceID), instanceID) {
			if err := t.queue.Submit(ctx, consensus.NewModuleItem(item)); err != nil {
				t.log.Warnw("submission queue canceled while blocked on module proposal", "instance", instanceID, "error", err)
			}
		}
	})

	if _, ok := rtx.GetClientConfigSignature(); ok {
		return
	}
	if _, ok := rtx.GetClientConfigSignatureShare(t.keys.PeerId()); ok {
		return
	}
	share := t.keys.Sign(t.cfgHash[:])
	if err := t.queue.Submit(ctx, consensus.NewSignatureShareItem(consensus.Share(share))); err != nil {
		t.log.Warnw("submission queue canceled while blocked on client config signature share", "error", err)
	}
}
