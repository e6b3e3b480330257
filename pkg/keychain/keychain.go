// Package keychain wraps the federation's threshold signature scheme: sign a
// message with this node's share, verify a peer's share or the combined
// signature, and map between PeerId and the BFT library's NodeIndex space.
//
// The scheme is realized with github.com/cloudflare/circl/sign/bls, the
// same "t-of-n signature over a common message" primitive the teacher wires
// for validator vote aggregation (pkg/crypto/bls.go) — see DESIGN.md for why
// this stands in for the spec's "threshold Schnorr" without a bespoke
// FROST/Schnorr implementation.
package keychain

import (
	"fmt"
	"sort"

	bls "github.com/cloudflare/circl/sign/bls"

	"github.com/fedimint-go/guardian/pkg/consensus"
)

type scheme = bls.KeyG1SigG2

// PublicKey is a peer's threshold public key share.
type PublicKey = bls.PublicKey[scheme]

// PrivateKey is this node's threshold secret key share.
type PrivateKey = bls.PrivateKey[scheme]

// Keychain answers the questions the session and item processor ask of the
// federation's key material: sign with our share, verify a peer's share or
// an aggregate, and translate PeerId <-> NodeIndex.
type Keychain struct {
	self    consensus.PeerId
	sk      *PrivateKey
	pubKeys map[consensus.PeerId]*PublicKey
	order   []consensus.PeerId // sorted peer ids; index is the NodeIndex
	index   map[consensus.PeerId]consensus.NodeIndex
}

// New builds a Keychain from this node's secret key share and the
// federation's public key shares (consensus.broadcast_public_keys /
// private.broadcast_secret_key in configuration terms).
func New(self consensus.PeerId, sk *PrivateKey, pubKeys map[consensus.PeerId]*PublicKey) *Keychain {
	order := make([]consensus.PeerId, 0, len(pubKeys))
	for id := range pubKeys {
		order = append(order, id)
	}
	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })

	index := make(map[consensus.PeerId]consensus.NodeIndex, len(order))
	for i, id := range order {
		index[id] = consensus.NodeIndex(i)
	}

	return &Keychain{self: self, sk: sk, pubKeys: pubKeys, order: order, index: index}
}

// PeerId is this node's own identity.
func (k *Keychain) PeerId() consensus.PeerId { return k.self }

// PeerCount is the number of federation members, n.
func (k *Keychain) PeerCount() int { return len(k.order) }

// Threshold returns the minimum number of valid shares for a combined
// signature (2f+1 where n = 3f+1).
func (k *Keychain) Threshold() int {
	n := k.PeerCount()
	f := (n - 1) / 3
	return 2*f + 1
}

// ToNodeIndex maps a PeerId into the BFT library's 0-based addressing space.
func (k *Keychain) ToNodeIndex(p consensus.PeerId) (consensus.NodeIndex, bool) {
	idx, ok := k.index[p]
	return idx, ok
}

// ToPeerId is the inverse of ToNodeIndex.
func (k *Keychain) ToPeerId(idx consensus.NodeIndex) (consensus.PeerId, bool) {
	if int(idx) < 0 || int(idx) >= len(k.order) {
		return 0, false
	}
	return k.order[idx], true
}

// Sign produces this node's share over msg.
func (k *Keychain) Sign(msg []byte) consensus.Signature {
	return consensus.Signature(bls.Sign(k.sk, msg))
}

// Verify checks one peer's share from the given NodeIndex over msg against
// that peer's public key; combined signatures go through VerifyAggregate.
func (k *Keychain) Verify(msg []byte, sig consensus.Signature, from consensus.NodeIndex) bool {
	peer, ok := k.ToPeerId(from)
	if !ok {
		return false
	}
	pub, ok := k.pubKeys[peer]
	if !ok {
		return false
	}
	return bls.Verify(pub, msg, bls.Signature(sig))
}

// VerifyAggregate checks a combined signature from a set of peers over the
// same message (used by the broadcast engine to check a Finalize's combined
// vote signature; the catch-up fetcher, item processor and session runner
// verify shares individually with Verify).
func (k *Keychain) VerifyAggregate(msg []byte, sig consensus.Signature, signers []consensus.PeerId) bool {
	pks := make([]*PublicKey, 0, len(signers))
	msgs := make([][]byte, 0, len(signers))
	for _, p := range signers {
		pub, ok := k.pubKeys[p]
		if !ok {
			return false
		}
		pks = append(pks, pub)
		msgs = append(msgs, msg)
	}
	return bls.VerifyAggregate(pks, msgs, bls.Signature(sig))
}

// Combine aggregates shares into a single signature the way a t-of-n
// threshold signature over a common message is reconstructed.
func Combine(shares []consensus.Signature) (consensus.Signature, error) {
	sigs := make([]bls.Signature, 0, len(shares))
	for _, s := range shares {
		if len(s) == 0 {
			continue
		}
		sigs = append(sigs, bls.Signature(s))
	}
	if len(sigs) == 0 {
		return nil, fmt.Errorf("keychain: no shares to combine")
	}
	agg, err := bls.Aggregate(bls.G1{}, sigs)
	if err != nil {
		return nil, fmt.Errorf("keychain: aggregate shares: %w", err)
	}
	return consensus.Signature(agg), nil
}

// GenerateForTest derives a deterministic keypair from a seed, for tests
// and local devnets (mirrors the teacher's NewBLSSignerFromSeed).
func GenerateForTest(seed []byte) (*PrivateKey, *PublicKey) {
	sk, err := bls.KeyGen[scheme](seed, nil, nil)
	if err != nil {
		panic(fmt.Errorf("keychain: test keygen: %w", err))
	}
	return sk, sk.PublicKey()
}
