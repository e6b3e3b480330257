package keychain

import (
	"testing"

	"github.com/fedimint-go/guardian/pkg/consensus"
)

func buildFederation(t *testing.T, n int) map[consensus.PeerId]*Keychain {
	t.Helper()
	pubKeys := map[consensus.PeerId]*PublicKey{}
	secretKeys := map[consensus.PeerId]*PrivateKey{}
	for i := 0; i < n; i++ {
		id := consensus.PeerId(i)
		sk, pk := GenerateForTest([]byte{byte(i), 'k', 'e', 'y'})
		secretKeys[id] = sk
		pubKeys[id] = pk
	}
	out := map[consensus.PeerId]*Keychain{}
	for id, sk := range secretKeys {
		out[id] = New(id, sk, pubKeys)
	}
	return out
}

func TestThresholdFormula(t *testing.T) {
	cases := []struct {
		n    int
		want int
	}{
		{1, 1},
		{4, 3},
		{7, 5},
		{10, 7},
	}
	for _, c := range cases {
		ks := buildFederation(t, c.n)
		if got := ks[0].Threshold(); got != c.want {
			t.Errorf("n=%d: Threshold() = %d, want %d", c.n, got, c.want)
		}
	}
}

func TestSignAndVerifyRoundtrip(t *testing.T) {
	ks := buildFederation(t, 4)
	msg := []byte("session header")

	sig := ks[1].Sign(msg)

	idx, ok := ks[0].ToNodeIndex(1)
	if !ok {
		t.Fatalf("ToNodeIndex(1) not found")
	}
	if !ks[0].Verify(msg, sig, idx) {
		t.Fatalf("peer 0 failed to verify peer 1's signature")
	}
}

func TestVerifyRejectsWrongMessage(t *testing.T) {
	ks := buildFederation(t, 4)
	sig := ks[1].Sign([]byte("correct message"))

	idx, _ := ks[0].ToNodeIndex(1)
	if ks[0].Verify([]byte("tampered message"), sig, idx) {
		t.Fatalf("verify should reject a signature over a different message")
	}
}

func TestPeerIdNodeIndexRoundtrip(t *testing.T) {
	ks := buildFederation(t, 4)
	for peer := consensus.PeerId(0); peer < 4; peer++ {
		idx, ok := ks[0].ToNodeIndex(peer)
		if !ok {
			t.Fatalf("ToNodeIndex(%s) not found", peer)
		}
		back, ok := ks[0].ToPeerId(idx)
		if !ok || back != peer {
			t.Fatalf("ToPeerId(ToNodeIndex(%s)) = %s, ok=%v", peer, back, ok)
		}
	}
	if _, ok := ks[0].ToPeerId(consensus.NodeIndex(99)); ok {
		t.Fatalf("out-of-range NodeIndex should not resolve")
	}
}

func TestCombineProducesVerifiableAggregate(t *testing.T) {
	ks := buildFederation(t, 4)
	msg := []byte("aggregate me")

	var shares []consensus.Signature
	var signers []consensus.PeerId
	for _, peer := range []consensus.PeerId{0, 1, 2} {
		shares = append(shares, ks[peer].Sign(msg))
		signers = append(signers, peer)
	}

	combined, err := Combine(shares)
	if err != nil {
		t.Fatalf("Combine: %v", err)
	}
	if !ks[0].VerifyAggregate(msg, combined, signers) {
		t.Fatalf("VerifyAggregate rejected a valid combined signature")
	}
}

func TestCombineRejectsEmptyShares(t *testing.T) {
	if _, err := Combine(nil); err == nil {
		t.Fatalf("expected error combining zero shares")
	}
}
