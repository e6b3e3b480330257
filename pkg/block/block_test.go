package block

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/fedimint-go/guardian/pkg/consensus"
	"github.com/fedimint-go/guardian/pkg/keychain"
	"github.com/fedimint-go/guardian/pkg/store"
)

func openTestDB(t *testing.T) *store.Database {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestAssembleOrdersByItemIndex(t *testing.T) {
	db := openTestDB(t)
	tx := db.Begin()
	defer tx.Discard()

	for i := 0; i < 5; i++ {
		tx.PutAcceptedItem(consensus.ItemIndex(i), consensus.AcceptedItem{
			Item: consensus.NewModuleItem(consensus.ModuleItem{ModuleInstanceID: 1, Payload: []byte{byte(i)}}),
			Peer: consensus.PeerId(i % 2),
		})
	}

	b := Assemble(tx)
	if len(b.Items) != 5 {
		t.Fatalf("expected 5 items, got %d", len(b.Items))
	}
	for i, item := range b.Items {
		if item.Item.Module.Payload[0] != byte(i) {
			t.Fatalf("item %d out of order: %v", i, item.Item.Module.Payload)
		}
	}
}

func TestCompleteClearsScratchAndIsOnceOnly(t *testing.T) {
	db := openTestDB(t)
	tx := db.Begin()
	tx.PutAcceptedItem(0, consensus.AcceptedItem{Item: consensus.NewModuleItem(consensus.ModuleItem{})})
	tx.AlephUnitsSave([]byte("progress"))

	sb := consensus.SignedBlock{Block: Assemble(tx)}
	Complete(tx, 0, sb)
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	rtx := db.Begin()
	defer rtx.Discard()
	if rtx.AcceptedItemCount() != 0 {
		t.Fatalf("expected accepted items cleared")
	}
	if _, ok := rtx.AlephUnitsLoad(); ok {
		t.Fatalf("expected aleph units cleared")
	}
	if _, ok := rtx.GetSignedBlock(0); !ok {
		t.Fatalf("expected signed block stored")
	}
}

func TestCompleteOverwritePanics(t *testing.T) {
	db := openTestDB(t)

	tx := db.Begin()
	Complete(tx, 0, consensus.SignedBlock{})
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	defer func() {
		if r := recover(); r == nil {
			t.Fatalf("expected panic on double-write of SignedBlock")
		}
	}()
	tx2 := db.Begin()
	defer tx2.Discard()
	Complete(tx2, 0, consensus.SignedBlock{})
}

type fakePeerClient struct {
	sb  consensus.SignedBlock
	has bool
}

func (f fakePeerClient) AwaitSignedBlock(ctx context.Context, session consensus.SessionIndex) (consensus.SignedBlock, bool, error) {
	return f.sb, f.has, nil
}

func TestFetcherValidatesThresholdSignatures(t *testing.T) {
	peers := []consensus.PeerId{0, 1, 2, 3}
	pubKeys := map[consensus.PeerId]*keychain.PublicKey{}
	secretKeys := map[consensus.PeerId]*keychain.PrivateKey{}
	for _, p := range peers {
		sk, pk := keychain.GenerateForTest([]byte{byte(p), 'b', 'l', 'k'})
		pubKeys[p] = pk
		secretKeys[p] = sk
	}
	keys := keychain.New(0, secretKeys[0], pubKeys)

	blk := consensus.Block{}
	header := Header(0, blk)

	sigs := map[consensus.PeerId]consensus.Signature{}
	for _, p := range peers[:keys.Threshold()] {
		kc := keychain.New(p, secretKeys[p], pubKeys)
		sigs[p] = kc.Sign(header[:])
	}
	sb := consensus.SignedBlock{Block: blk, Signatures: sigs}

	fetcher := NewFetcher([]PeerClient{fakePeerClient{sb: sb, has: true}}, keys, nil).WithDelay(time.Millisecond)
	if !fetcher.Validate(0, sb) {
		t.Fatalf("expected valid threshold signatures to pass validation")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := fetcher.RequestSignedBlock(ctx, 0)
	if err != nil {
		t.Fatalf("RequestSignedBlock: %v", err)
	}
	if len(got.Signatures) != keys.Threshold() {
		t.Fatalf("unexpected signature count: %d", len(got.Signatures))
	}
}

func TestReconcilePrefixDetectsDivergence(t *testing.T) {
	a := consensus.AcceptedItem{Item: consensus.NewModuleItem(consensus.ModuleItem{ModuleInstanceID: 1})}
	b := consensus.AcceptedItem{Item: consensus.NewModuleItem(consensus.ModuleItem{ModuleInstanceID: 2})}

	local := consensus.Block{Items: []consensus.AcceptedItem{a}}
	remote := consensus.Block{Items: []consensus.AcceptedItem{a, b}}

	suffix, err := ReconcilePrefix(local, remote)
	if err != nil {
		t.Fatalf("ReconcilePrefix: %v", err)
	}
	if len(suffix) != 1 {
		t.Fatalf("expected 1 item suffix, got %d", len(suffix))
	}

	diverged := consensus.Block{Items: []consensus.AcceptedItem{b}}
	if _, err := ReconcilePrefix(local, diverged); err == nil {
		t.Fatalf("expected divergence error")
	}
}
