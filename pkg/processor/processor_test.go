package processor

import (
	"crypto/ecdsa"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	bls "github.com/cloudflare/circl/sign/bls"
	"go.uber.org/zap"

	"github.com/fedimint-go/guardian/pkg/consensus"
	"github.com/fedimint-go/guardian/pkg/keychain"
	"github.com/fedimint-go/guardian/pkg/module"
	"github.com/fedimint-go/guardian/pkg/module/ledger"
	"github.com/fedimint-go/guardian/pkg/store"
)

const ledgerInstance = 1

func newTestProcessor(t *testing.T) (*Processor, *store.Database) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "db")
	db, err := store.Open(dir)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	registry := module.NewRegistry()
	registry.Register(ledgerInstance, "ledger", ledger.New())

	peers := []consensus.PeerId{0, 1, 2, 3}
	pubKeys := map[consensus.PeerId]*keychain.PublicKey{}
	var selfSK *keychain.PrivateKey
	for _, p := range peers {
		sk, pk := keychain.GenerateForTest(peerSeed(p))
		pubKeys[p] = pk
		if p == 0 {
			selfSK = sk
		}
	}
	keys := keychain.New(0, selfSK, pubKeys)

	logger := zap.NewNop().Sugar()
	cfgHash := consensus.HashBytes([]byte("test-client-config"))
	return New(db, registry, keys, cfgHash, logger), db
}

func peerSeed(p consensus.PeerId) []byte {
	return []byte{byte(p), 'p', 'r', 'o', 'c'}
}

func mintItem(to ledger.Address, amount int64) consensus.ConsensusItem {
	payload := ledger.EncodeMint(ledger.Mint{To: to, Amount: amount})
	return consensus.NewModuleItem(consensus.ModuleItem{ModuleInstanceID: ledgerInstance, Payload: payload})
}

func signedTransferTx(t *testing.T, from, to ledger.Address, fromKey *ecdsa.PrivateKey, amount int64) consensus.Tx {
	t.Helper()
	unsigned := consensus.Tx{
		Inputs: []consensus.TxInput{
			{ModuleInstanceID: ledgerInstance, Payload: ledger.EncodeTransfer(ledger.Transfer{Account: from, Amount: amount})},
		},
		Outputs: []consensus.TxOutput{
			{ModuleInstanceID: ledgerInstance, Payload: ledger.EncodeTransfer(ledger.Transfer{Account: to, Amount: amount})},
		},
	}
	hash := unsigned.SignHash()
	sig, err := crypto.Sign(hash[:], fromKey)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	unsigned.Inputs[0].Signature = sig
	return unsigned
}

func TestProcessIdempotentReplay(t *testing.T) {
	p, _ := newTestProcessor(t)
	var addr ledger.Address
	item := mintItem(addr, 100)

	if err := p.Process(0, item, 7); err != nil {
		t.Fatalf("first process: %v", err)
	}
	if err := p.Process(0, item, 7); err != nil {
		t.Fatalf("idempotent replay should succeed, got: %v", err)
	}
}

func TestProcessDivergenceRejected(t *testing.T) {
	p, _ := newTestProcessor(t)
	var addrA, addrB ledger.Address
	addrB[0] = 1

	if err := p.Process(0, mintItem(addrA, 100), 7); err != nil {
		t.Fatalf("first process: %v", err)
	}
	if err := p.Process(0, mintItem(addrB, 100), 7); err == nil {
		t.Fatalf("expected divergence error, got nil")
	}
}

func TestProcessRejectsUnknownModule(t *testing.T) {
	p, _ := newTestProcessor(t)
	item := consensus.NewModuleItem(consensus.ModuleItem{ModuleInstanceID: 99, Payload: nil})
	if err := p.Process(0, item, 1); err == nil {
		t.Fatalf("expected unknown module error")
	}
}

func TestProcessDuplicateTransactionRejected(t *testing.T) {
	p, db := newTestProcessor(t)

	fromKey, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	from := ledger.Address(crypto.PubkeyToAddress(fromKey.PublicKey))
	var to ledger.Address
	to[0] = 0xAA

	if err := p.Process(0, mintItem(from, 50), 1); err != nil {
		t.Fatalf("mint: %v", err)
	}

	tx := signedTransferTx(t, from, to, fromKey, 20)
	txItem := consensus.NewTransactionItem(tx)

	if err := p.Process(1, txItem, 1); err != nil {
		t.Fatalf("first tx: %v", err)
	}
	if err := p.Process(2, txItem, 1); err == nil {
		t.Fatalf("expected duplicate transaction rejection")
	}

	rtx := db.Begin()
	defer rtx.Discard()
	mod := rtx.ModulePrefix(ledgerInstance)
	audit := &module.Audit{}
	ledger.New().Audit(mod, audit, ledgerInstance)
	if audit.NetAssets() != 50 {
		t.Fatalf("expected total balances unchanged by rejected duplicate, got %d", audit.NetAssets())
	}
}

func TestProcessSignatureShareThreshold(t *testing.T) {
	p, db := newTestProcessor(t)

	peers := []consensus.PeerId{0, 1, 2, 3}
	for i, peer := range peers {
		sk, _ := keychain.GenerateForTest(peerSeed(peer))
		share := bls.Sign(sk, p.cfgHash[:])
		item := consensus.NewSignatureShareItem(consensus.Share(share))
		if err := p.Process(consensus.ItemIndex(i), item, peer); err != nil {
			t.Fatalf("share %d: %v", i, err)
		}
	}

	rtx := db.Begin()
	defer rtx.Discard()
	sig, ok := rtx.GetClientConfigSignature()
	if !ok {
		t.Fatalf("expected combined client config signature once every peer contributed")
	}
	signers, ok := rtx.GetClientConfigSignatureSigners()
	if !ok {
		t.Fatalf("expected the signer set to be persisted alongside the combined signature")
	}
	if !p.keys.VerifyAggregate(p.cfgHash[:], sig, signers) {
		t.Fatalf("combined client config signature failed to verify against its persisted signer set")
	}
}

func TestProcessInvalidSignatureShareRejected(t *testing.T) {
	p, _ := newTestProcessor(t)
	item := consensus.NewSignatureShareItem(consensus.Share([]byte("not-a-real-share")))
	if err := p.Process(0, item, 1); err == nil {
		t.Fatalf("expected invalid share rejection")
	}
}
