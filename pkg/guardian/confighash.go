package guardian

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/fedimint-go/guardian/pkg/config"
	"github.com/fedimint-go/guardian/pkg/consensus"
)

// peerConfigSnapshot is the gob-encoded, hashed representation of one
// peer's entry in the client config — api/p2p addresses plus both public
// key shares, so that a mismatched key or address (not just a mismatched
// peer list) is caught by ConfirmConsensusConfigHash.
type peerConfigSnapshot struct {
	Id              consensus.PeerId
	ApiEndpoint     string
	P2PAddr         string
	BroadcastPubKey []byte
	AuthPubKey      []byte
}

type configSnapshot struct {
	Peers   []peerConfigSnapshot
	Modules []config.ModuleConfig
}

// ConfigHash computes the deterministic content hash of a client config's
// public material — everything a peer needs to agree matches before a
// session starts, matching consensus.consensus_hash() in purpose: it never
// includes any secret key.
func ConfigHash(cfg config.Config) (consensus.Hash, error) {
	ids := cfg.PeerIds()
	snap := configSnapshot{
		Peers:   make([]peerConfigSnapshot, 0, len(ids)),
		Modules: append([]config.ModuleConfig(nil), cfg.Modules...),
	}
	for _, id := range ids {
		peer, _ := cfg.Peer(id)
		entry := peerConfigSnapshot{Id: id, ApiEndpoint: peer.ApiEndpoint, P2PAddr: peer.P2PAddr}
		if pk, ok := cfg.BroadcastPublicKeys[id]; ok {
			raw, err := pk.MarshalBinary()
			if err != nil {
				return consensus.Hash{}, fmt.Errorf("guardian: marshal broadcast public key for %s: %w", id, err)
			}
			entry.BroadcastPubKey = raw
		}
		if pk, ok := cfg.AuthPublicKeys[id]; ok {
			raw, err := pk.MarshalBinary()
			if err != nil {
				return consensus.Hash{}, fmt.Errorf("guardian: marshal auth public key for %s: %w", id, err)
			}
			entry.AuthPubKey = raw
		}
		snap.Peers = append(snap.Peers, entry)
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(snap); err != nil {
		return consensus.Hash{}, fmt.Errorf("guardian: encode config snapshot: %w", err)
	}
	return consensus.HashBytes(buf.Bytes()), nil
}
