package federation

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/fedimint-go/guardian/pkg/consensus"
	"github.com/fedimint-go/guardian/pkg/store"
)

func newTestServerAndClient(t *testing.T) (*TestServer, *store.Database, *Client, func()) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	cfgHash := consensus.HashBytes([]byte("federation-test-config"))
	srv := NewTestServer(db, cfgHash)
	httpSrv := httptest.NewServer(srv.Handler())
	client := NewClient(httpSrv.URL)
	return srv, db, client, func() {
		httpSrv.Close()
		_ = db.Close()
	}
}

func TestConsensusConfigHashRoundTrip(t *testing.T) {
	_, _, client, cleanup := newTestServerAndClient(t)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	h, err := client.ConsensusConfigHash(ctx)
	if err != nil {
		t.Fatalf("ConsensusConfigHash: %v", err)
	}
	want := consensus.HashBytes([]byte("federation-test-config"))
	if h != want {
		t.Fatalf("hash mismatch: got %s want %s", h, want)
	}
}

func TestAwaitSignedBlockTimesOutWhenAbsent(t *testing.T) {
	srv, _, client, cleanup := newTestServerAndClient(t)
	defer cleanup()
	srv.pollStep = 5 * time.Millisecond

	// The context outlasts the server's 5-second long-poll window, so the
	// server answers 408 before the client gives up.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, ok, err := client.AwaitSignedBlock(ctx, 0)
	if err != nil {
		t.Fatalf("AwaitSignedBlock: %v", err)
	}
	if ok {
		t.Fatalf("expected no signed block yet")
	}
}

func TestAwaitSignedBlockReturnsOnceWritten(t *testing.T) {
	srv, db, client, cleanup := newTestServerAndClient(t)
	defer cleanup()
	srv.pollStep = 5 * time.Millisecond

	want := consensus.SignedBlock{
		Block:      consensus.Block{Items: []consensus.AcceptedItem{{Peer: 1}}},
		Signatures: map[consensus.PeerId]consensus.Signature{0: []byte("sig0")},
	}

	go func() {
		time.Sleep(30 * time.Millisecond)
		tx := db.Begin()
		tx.PutSignedBlockOnce(0, want)
		if err := tx.Commit(); err != nil {
			t.Errorf("commit: %v", err)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	got, ok, err := client.AwaitSignedBlock(ctx, 0)
	if err != nil {
		t.Fatalf("AwaitSignedBlock: %v", err)
	}
	if !ok {
		t.Fatalf("expected signed block to arrive")
	}
	if len(got.Signatures) != 1 {
		t.Fatalf("expected 1 signature, got %d", len(got.Signatures))
	}
}
