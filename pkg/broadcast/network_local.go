package broadcast

import (
	"context"
	"fmt"
	"sync"

	"github.com/fedimint-go/guardian/pkg/consensus"
)

// LocalBus is an in-process Network fabric for tests: every engine sharing
// a bus can reach every other by PeerId, with no real transport underneath.
// It exists so the round-robin engine's ordering behavior can be exercised
// without standing up libp2p hosts.
type LocalBus struct {
	mu   sync.Mutex
	nets map[consensus.PeerId]*LocalNetwork
}

func NewLocalBus() *LocalBus {
	return &LocalBus{nets: map[consensus.PeerId]*LocalNetwork{}}
}

// Join registers self on the bus and returns its Network handle.
func (b *LocalBus) Join(self consensus.PeerId) *LocalNetwork {
	n := &LocalNetwork{self: self, bus: b}
	b.mu.Lock()
	b.nets[self] = n
	b.mu.Unlock()
	return n
}

type LocalNetwork struct {
	self consensus.PeerId
	bus  *LocalBus

	mu       sync.RWMutex
	handlers Handlers
}

var _ Network = (*LocalNetwork)(nil)

func (n *LocalNetwork) SetHandlers(h Handlers) {
	n.mu.Lock()
	n.handlers = h
	n.mu.Unlock()
}

func (n *LocalNetwork) others() []*LocalNetwork {
	n.bus.mu.Lock()
	defer n.bus.mu.Unlock()
	out := make([]*LocalNetwork, 0, len(n.bus.nets))
	for id, t := range n.bus.nets {
		if id != n.self {
			out = append(out, t)
		}
	}
	return out
}

func (n *LocalNetwork) BroadcastProposal(ctx context.Context, p Proposal) error {
	for _, t := range n.others() {
		t := t
		go t.deliverProposal(ctx, p)
	}
	return nil
}

func (n *LocalNetwork) SendVote(ctx context.Context, to consensus.PeerId, v Vote) error {
	n.bus.mu.Lock()
	target, ok := n.bus.nets[to]
	n.bus.mu.Unlock()
	if !ok {
		return fmt.Errorf("broadcast: no such peer on local bus: %s", to)
	}
	go target.deliverVote(ctx, v)
	return nil
}

func (n *LocalNetwork) BroadcastFinalize(ctx context.Context, f Finalize) error {
	for _, t := range n.others() {
		t := t
		go t.deliverFinalize(ctx, f)
	}
	return nil
}

func (n *LocalNetwork) deliverProposal(ctx context.Context, p Proposal) {
	n.mu.RLock()
	h := n.handlers.OnProposal
	n.mu.RUnlock()
	if h != nil {
		h(ctx, p)
	}
}

func (n *LocalNetwork) deliverVote(ctx context.Context, v Vote) {
	n.mu.RLock()
	h := n.handlers.OnVote
	n.mu.RUnlock()
	if h != nil {
		h(ctx, v)
	}
}

func (n *LocalNetwork) deliverFinalize(ctx context.Context, f Finalize) {
	n.mu.RLock()
	h := n.handlers.OnFinalize
	n.mu.RUnlock()
	if h != nil {
		h(ctx, f)
	}
}
