package guardian

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/fedimint-go/guardian/pkg/config"
	"github.com/fedimint-go/guardian/pkg/consensus"
	"github.com/fedimint-go/guardian/pkg/keychain"
	"github.com/fedimint-go/guardian/pkg/module/ledger"
)

func soloConfig(t *testing.T) config.Config {
	t.Helper()
	bsk, bpk := keychain.GenerateForTest([]byte("solo-broadcast"))
	ask, apk := keychain.GenerateForTest([]byte("solo-auth"))
	return config.Config{
		Self:                0,
		BroadcastSecretKey:  bsk,
		BroadcastPublicKeys: map[consensus.PeerId]*keychain.PublicKey{0: bpk},
		AuthSecretKey:       ask,
		AuthPublicKeys:      map[consensus.PeerId]*keychain.PublicKey{0: apk},
		Peers:               []config.Peer{{Id: 0, ApiEndpoint: "http://127.0.0.1:0", P2PAddr: ""}},
		Modules:             []config.ModuleConfig{{InstanceID: 1, Kind: "ledger"}},
		DataDir:             t.TempDir(),
		SingleNode:          true,
	}
}

func TestNewRejectsUnknownModuleKind(t *testing.T) {
	cfg := soloConfig(t)
	cfg.Modules = []config.ModuleConfig{{InstanceID: 1, Kind: "nonexistent"}}

	_, err := New(context.Background(), cfg, "127.0.0.1:0", zap.NewNop().Sugar())
	if err == nil {
		t.Fatalf("expected an error constructing a guardian with an unknown module kind")
	}
}

func TestNewRejectsMissingKeyMaterial(t *testing.T) {
	cfg := soloConfig(t)
	cfg.BroadcastSecretKey = nil

	if _, err := New(context.Background(), cfg, "127.0.0.1:0", zap.NewNop().Sugar()); err == nil {
		t.Fatalf("expected an error constructing a guardian with no broadcast secret key")
	}
}

func TestConfigHashIsDeterministicAndSensitiveToKeys(t *testing.T) {
	cfg := soloConfig(t)
	h1, err := ConfigHash(cfg)
	if err != nil {
		t.Fatalf("ConfigHash: %v", err)
	}
	h2, err := ConfigHash(cfg)
	if err != nil {
		t.Fatalf("ConfigHash: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("ConfigHash is not deterministic across calls with the same config")
	}

	_, otherAuthPk := keychain.GenerateForTest([]byte("different-auth-key"))
	cfg.AuthPublicKeys[0] = otherAuthPk
	h3, err := ConfigHash(cfg)
	if err != nil {
		t.Fatalf("ConfigHash: %v", err)
	}
	if h3 == h1 {
		t.Fatalf("ConfigHash did not change when a peer's public key changed")
	}
}

func TestSingleGuardianEndToEndCompletesSession(t *testing.T) {
	cfg := soloConfig(t)
	srv, err := New(context.Background(), cfg, "127.0.0.1:0", zap.NewNop().Sugar())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer srv.Close()

	srv.runner.WithSingleGuardianTimeout(150 * time.Millisecond)

	var addr ledger.Address
	mintPayload := ledger.EncodeMint(ledger.Mint{To: addr, Amount: 7})
	item := consensus.NewModuleItem(consensus.ModuleItem{ModuleInstanceID: 1, Payload: mintPayload})
	if !srv.queue.TrySubmit(item) {
		t.Fatalf("submit mint")
	}

	runCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- srv.Run(runCtx) }()

	deadline := time.Now().Add(2 * time.Second)
	var sb consensus.SignedBlock
	var ok bool
	for time.Now().Before(deadline) {
		rtx := srv.db.Begin()
		sb, ok = rtx.GetSignedBlock(0)
		_ = rtx.Discard()
		if ok {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	cancel()
	<-done

	if !ok {
		t.Fatalf("expected session 0 to complete")
	}
	if len(sb.Block.Items) != 1 {
		t.Fatalf("expected 1 item in signed block, got %d", len(sb.Block.Items))
	}
	if sig, ok := sb.Signatures[0]; !ok || len(sig) == 0 {
		t.Fatalf("expected guardian's own signature on the signed block")
	}
}
