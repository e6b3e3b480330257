package block

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fedimint-go/guardian/pkg/consensus"
	"github.com/fedimint-go/guardian/pkg/keychain"
)

// PeerClient is the subset of federation.Client the catch-up fetcher needs,
// kept narrow so tests can supply fakes without standing up HTTP servers.
type PeerClient interface {
	AwaitSignedBlock(ctx context.Context, session consensus.SessionIndex) (consensus.SignedBlock, bool, error)
}

// stallDelay is how long the fetcher waits between sweeps over every peer —
// server.rs::request_signed_block sleeps 5 seconds before each attempt,
// on the theory that catch-up only matters once the session has stalled.
const stallDelay = 5 * time.Second

// Fetcher implements the federation-wide "ask anyone for this session's
// SignedBlock" contract: sweep every peer, accept the first response whose
// signatures are both complete (exactly threshold()) and individually
// valid against the session's own header.
type Fetcher struct {
	peers []PeerClient
	keys  *keychain.Keychain
	log   *zap.SugaredLogger
	delay time.Duration
}

func NewFetcher(peers []PeerClient, keys *keychain.Keychain, log *zap.SugaredLogger) *Fetcher {
	return &Fetcher{peers: peers, keys: keys, log: log, delay: stallDelay}
}

// WithDelay overrides the between-sweep delay, for tests.
func (f *Fetcher) WithDelay(d time.Duration) *Fetcher {
	f.delay = d
	return f
}

// RequestSignedBlock blocks until a validated SignedBlock for session
// arrives from some peer, or ctx is canceled.
func (f *Fetcher) RequestSignedBlock(ctx context.Context, session consensus.SessionIndex) (consensus.SignedBlock, error) {
	for {
		select {
		case <-ctx.Done():
			return consensus.SignedBlock{}, ctx.Err()
		case <-time.After(f.delay):
		}

		for _, peer := range f.peers {
			sb, ok, err := peer.AwaitSignedBlock(ctx, session)
			if err != nil {
				if f.log != nil {
					f.log.Warnw("catch-up request failed", "session", session, "error", err)
				}
				continue
			}
			if !ok {
				continue
			}
			if f.Validate(session, sb) {
				return sb, nil
			}
			if f.log != nil {
				f.log.Warnw("catch-up received signed block with invalid signatures", "session", session)
			}
		}
	}
}

// Validate checks that sb carries exactly threshold() signatures, each
// valid over session's header — the same check request_signed_block's
// filter_map performs before accepting a peer's answer.
func (f *Fetcher) Validate(session consensus.SessionIndex, sb consensus.SignedBlock) bool {
	if len(sb.Signatures) != f.keys.Threshold() {
		return false
	}
	header := Header(session, sb.Block)
	for peer, sig := range sb.Signatures {
		nodeIdx, ok := f.keys.ToNodeIndex(peer)
		if !ok || !f.keys.Verify(header[:], sig, nodeIdx) {
			return false
		}
	}
	return true
}

// ReconcilePrefix checks that a caught-up block's items start with exactly
// the items this node has already locally accepted, per the "prefix
// reconciliation" invariant catch-up relies on: complete_signed_block
// asserts the items it already processed are a prefix (possibly all) of
// what peers settled on. It returns the suffix of newly-accepted items this node must
// still process, or an error if partial, which means this node's local
// history diverged from the federation's.
func ReconcilePrefix(local consensus.Block, remote consensus.Block) ([]consensus.AcceptedItem, error) {
	if len(local.Items) > len(remote.Items) {
		return nil, fmt.Errorf("block: local block has more items than the federation's signed block")
	}
	for i, item := range local.Items {
		if !item.Item.Equal(remote.Items[i].Item) || item.Peer != remote.Items[i].Peer {
			return nil, fmt.Errorf("block: local item %d diverges from the federation's signed block", i)
		}
	}
	return remote.Items[len(local.Items):], nil
}
