package queue

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/fedimint-go/guardian/pkg/consensus"
	"github.com/fedimint-go/guardian/pkg/keychain"
	"github.com/fedimint-go/guardian/pkg/module"
	"github.com/fedimint-go/guardian/pkg/store"
)

// proposingModule always proposes one item per tick, so tests can fill the
// queue and observe whether the ticker blocks or drops under back-pressure.
type proposingModule struct{}

func (proposingModule) ConsensusProposal(tx *store.Tx, instanceID uint16) []consensus.ModuleItem {
	return []consensus.ModuleItem{{ModuleInstanceID: instanceID, Payload: []byte("proposal")}}
}
func (proposingModule) ProcessConsensusItem(tx *store.Tx, item consensus.ModuleItem, peer consensus.PeerId) error {
	return nil
}
func (proposingModule) Audit(tx *store.Tx, audit *module.Audit, instanceID uint16) {}
func (proposingModule) DatabaseVersion() uint32                                   { return 0 }
func (proposingModule) GetDatabaseMigrations() map[uint32]module.Migration        { return nil }
func (proposingModule) ApplyInput(tx *store.Tx, input consensus.TxInput, signerAddr [20]byte) error {
	return nil
}
func (proposingModule) ApplyOutput(tx *store.Tx, output consensus.TxOutput) error { return nil }

func openTestDB(t *testing.T) *store.Database {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func fillQueue(t *testing.T, q *Queue) {
	t.Helper()
	for i := 0; i < Depth; i++ {
		if !q.TrySubmit(consensus.NewModuleItem(consensus.ModuleItem{ModuleInstanceID: 1})) {
			t.Fatalf("expected to fill the queue to capacity, stalled at %d", i)
		}
	}
}

func TestSubmitBlocksUntilRoomOrCancel(t *testing.T) {
	q := New()
	fillQueue(t, q)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := q.Submit(ctx, consensus.NewModuleItem(consensus.ModuleItem{ModuleInstanceID: 1})); err == nil {
		t.Fatalf("expected Submit to block and then report ctx.Err() against a full queue")
	}

	if _, err := q.Drain(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}

	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	if err := q.Submit(ctx2, consensus.NewModuleItem(consensus.ModuleItem{ModuleInstanceID: 2})); err != nil {
		t.Fatalf("expected Submit to succeed once room was made: %v", err)
	}
}

func TestTickerBlocksInsteadOfDroppingUnderBackPressure(t *testing.T) {
	db := openTestDB(t)
	registry := module.NewRegistry()
	registry.Register(1, "proposing", proposingModule{})

	sk, pk := keychain.GenerateForTest([]byte("ticker-backpressure"))
	keys := keychain.New(0, sk, map[consensus.PeerId]*keychain.PublicKey{0: pk})
	cfgHash := consensus.HashBytes([]byte("ticker-test-config"))

	q := New()
	fillQueue(t, q)

	ticker := NewTicker(db, registry, keys, cfgHash, q, zap.NewNop().Sugar())

	tickDone := make(chan struct{})
	go func() {
		ticker.tick(context.Background())
		close(tickDone)
	}()

	select {
	case <-tickDone:
		t.Fatalf("tick returned while the queue was still full; it should have blocked in Submit")
	case <-time.After(50 * time.Millisecond):
	}

	// Draining two items makes room for the module proposal tick is blocked
	// on and for the client-config signature share it submits right after;
	// tick must then complete by actually enqueuing them rather than having
	// silently dropped them earlier.
	for i := 0; i < 2; i++ {
		if _, err := q.Drain(context.Background()); err != nil {
			t.Fatalf("drain: %v", err)
		}
	}

	select {
	case <-tickDone:
	case <-time.After(time.Second):
		t.Fatalf("tick never completed after room was made in the queue")
	}

	found := false
	for i := 0; i < Depth; i++ {
		item, err := q.Drain(context.Background())
		if err != nil {
			t.Fatalf("drain: %v", err)
		}
		if item.Kind == consensus.KindModule && string(item.Module.Payload) == "proposal" {
			found = true
			break
		}
	}
	if !found {
		t.Fatalf("expected the module proposal to have been enqueued once the queue had room, not dropped")
	}
}
