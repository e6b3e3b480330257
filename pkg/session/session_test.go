package session

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/fedimint-go/guardian/pkg/broadcast"
	"github.com/fedimint-go/guardian/pkg/consensus"
	"github.com/fedimint-go/guardian/pkg/keychain"
	"github.com/fedimint-go/guardian/pkg/module"
	"github.com/fedimint-go/guardian/pkg/module/ledger"
	"github.com/fedimint-go/guardian/pkg/processor"
	"github.com/fedimint-go/guardian/pkg/queue"
	"github.com/fedimint-go/guardian/pkg/store"
)

const ledgerInstance = 1

func openTestDB(t *testing.T) *store.Database {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestRunSingleGuardianCompletesSession(t *testing.T) {
	db := openTestDB(t)
	registry := module.NewRegistry()
	registry.Register(ledgerInstance, "ledger", ledger.New())

	sk, pk := keychain.GenerateForTest([]byte("solo-guardian"))
	keys := keychain.New(0, sk, map[consensus.PeerId]*keychain.PublicKey{0: pk})

	cfgHash := consensus.HashBytes([]byte("solo-config"))
	log := zap.NewNop().Sugar()
	q := queue.New()
	proc := processor.New(db, registry, keys, cfgHash, log)
	runner := NewRunner(db, keys, cfgHash, q, proc, nil, nil, log)

	var addr ledger.Address
	mintPayload := ledger.EncodeMint(ledger.Mint{To: addr, Amount: 42})
	if !q.TrySubmit(consensus.NewModuleItem(consensus.ModuleItem{ModuleInstanceID: ledgerInstance, Payload: mintPayload})) {
		t.Fatalf("submit mint")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	if err := runner.runSingleGuardianSession(ctx); err != nil {
		t.Fatalf("runSingleGuardianSession: %v", err)
	}

	rtx := db.Begin()
	defer rtx.Discard()
	sb, ok := rtx.GetSignedBlock(0)
	if !ok {
		t.Fatalf("expected session 0 to be signed")
	}
	if len(sb.Block.Items) != 1 {
		t.Fatalf("expected 1 item in signed block, got %d", len(sb.Block.Items))
	}
	if sig, ok := sb.Signatures[0]; !ok || len(sig) == 0 {
		t.Fatalf("expected our own signature on the signed block")
	}
}

func TestRunConsensusFourPeersAgreeOnSignedBlock(t *testing.T) {
	peers := []consensus.PeerId{0, 1, 2, 3}
	pubKeys := map[consensus.PeerId]*keychain.PublicKey{}
	secretKeys := map[consensus.PeerId]*keychain.PrivateKey{}
	for _, p := range peers {
		sk, pk := keychain.GenerateForTest([]byte{byte(p), 's', 'e', 's', 's'})
		pubKeys[p] = pk
		secretKeys[p] = sk
	}

	cfgHash := consensus.HashBytes([]byte("federation-config"))
	log := zap.NewNop().Sugar()
	bus := broadcast.NewLocalBus()

	runners := map[consensus.PeerId]*Runner{}
	for _, p := range peers {
		db := openTestDB(t)
		registry := module.NewRegistry()
		registry.Register(ledgerInstance, "ledger", ledger.New())
		keys := keychain.New(p, secretKeys[p], pubKeys)
		q := queue.New()
		proc := processor.New(db, registry, keys, cfgHash, log)
		runners[p] = NewRunner(db, keys, cfgHash, q, proc, bus.Join(p), nil, log).WithBatchTarget(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	errs := make(map[consensus.PeerId]error, len(peers))
	var mu sync.Mutex
	for _, p := range peers {
		p := p
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := runners[p].runSession(ctx, 0)
			mu.Lock()
			errs[p] = err
			mu.Unlock()
		}()
	}
	wg.Wait()

	var headers []consensus.Hash
	for _, p := range peers {
		if err := errs[p]; err != nil {
			t.Fatalf("peer %s runSession: %v", p, err)
		}
		rtx := runners[p].db.Begin()
		sb, ok := rtx.GetSignedBlock(0)
		_ = rtx.Discard()
		if !ok {
			t.Fatalf("peer %s did not complete session 0", p)
		}
		threshold := runners[p].keys.Threshold()
		if len(sb.Signatures) < threshold {
			t.Fatalf("peer %s signed block has %d signatures, want at least %d", p, len(sb.Signatures), threshold)
		}
		headers = append(headers, hashSignedBlock(sb))
	}
	for i := 1; i < len(headers); i++ {
		if headers[i] != headers[0] {
			t.Fatalf("peers disagree on signed block content")
		}
	}
}

func hashSignedBlock(sb consensus.SignedBlock) consensus.Hash {
	return consensus.Header(0, sb.Block)
}
