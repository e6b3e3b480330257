// Package processor is the item processor (spec §4.5): the single place
// where an ordered ConsensusItem, once the atomic broadcast has decided its
// ItemIndex, is turned into a database mutation. Grounded on the teacher's
// original_source counterpart, fedimint-server's
// process_consensus_item_with_db_transaction, which this package follows
// almost line for line: idempotency guard, dispatch by variant, audit, and
// a fatal assertion that the federation never holds negative net assets.
package processor

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/fedimint-go/guardian/pkg/consensus"
	"github.com/fedimint-go/guardian/pkg/keychain"
	"github.com/fedimint-go/guardian/pkg/module"
	"github.com/fedimint-go/guardian/pkg/store"
	"github.com/fedimint-go/guardian/pkg/txprocessor"
	"github.com/fedimint-go/guardian/pkg/util"
)

// Processor owns everything needed to turn one ordered item into a
// committed database transaction: the registry of business-logic modules,
// the keychain to verify client-config signature shares, and the database
// itself.
type Processor struct {
	db       *store.Database
	registry *module.Registry
	keys     *keychain.Keychain
	cfgHash  consensus.Hash
	log      *zap.SugaredLogger

	mu                 sync.Mutex
	latestContribution map[consensus.PeerId]consensus.SessionIndex
}

func New(db *store.Database, registry *module.Registry, keys *keychain.Keychain, cfgHash consensus.Hash, log *zap.SugaredLogger) *Processor {
	return &Processor{
		db:                 db,
		registry:           registry,
		keys:               keys,
		cfgHash:            cfgHash,
		log:                log,
		latestContribution: map[consensus.PeerId]consensus.SessionIndex{},
	}
}

// NoteContribution records that peer is alive as of session — used by
// liveness/catch-up bookkeeping, not by the processing decision itself.
func (p *Processor) NoteContribution(peer consensus.PeerId, session consensus.SessionIndex) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cur, ok := p.latestContribution[peer]; !ok || session > cur {
		p.latestContribution[peer] = session
	}
}

// LatestContribution returns the highest session peer is known to have
// contributed to.
func (p *Processor) LatestContribution(peer consensus.PeerId) (consensus.SessionIndex, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.latestContribution[peer]
	return s, ok
}

// Process is called once per item the atomic broadcast hands back, in
// strictly increasing ItemIndex order within a session. It is idempotent
// under replay at the same index: re-delivering the exact same (item, peer)
// that was already accepted at index is a silent no-op, which is what lets
// a restarted node resume mid-session without re-deriving agreement.
//
// Any other outcome at an already-occupied index (a different item, or the
// same item from a different peer) means this node's local history has
// diverged from what was finalized — that is unrecoverable without
// resyncing from a peer's SignedBlock, so it is returned as an error rather
// than silently overwritten.
func (p *Processor) Process(index consensus.ItemIndex, item consensus.ConsensusItem, peer consensus.PeerId) error {
	dbtx := p.db.Begin()

	if existing, ok := dbtx.GetAcceptedItem(index); ok {
		_ = dbtx.Discard()
		if existing.Peer == peer && existing.Item.Equal(item) {
			return nil
		}
		return fmt.Errorf("processor: item at index %d diverges from previously accepted item (recovery mismatch)", index)
	}

	if err := p.dispatch(dbtx, item, peer); err != nil {
		_ = dbtx.Discard()
		return err
	}

	dbtx.PutAcceptedItem(index, consensus.AcceptedItem{Item: item, Peer: peer})

	audit := &module.Audit{}
	p.registry.Each(func(instanceID uint16, mod module.Module) {
		mod.Audit(dbtx.ModulePrefix(instanceID), audit, instanceID)
	})
	if audit.NetAssets() < 0 {
		// Mirrors store.Tx.PutSignedBlockOnce: an in-transaction invariant
		// violation must not be allowed to commit, so it panics synchronously
		// here rather than logging and exiting after the fact.
		panic(fmt.Sprintf("processor: negative net assets after item %d: %s", index, audit.String()))
	}

	if err := dbtx.Commit(); err != nil {
		util.Fatal(p.log, "failed to commit item processor transaction", "index", index, "error", err)
	}
	return nil
}

// dispatch applies item's effect to dbtx without committing, returning an
// error (and leaving dbtx to be discarded) if item is invalid.
func (p *Processor) dispatch(dbtx *store.Tx, item consensus.ConsensusItem, peer consensus.PeerId) error {
	switch item.Kind {
	case consensus.KindModule:
		return p.processModuleItem(dbtx, *item.Module, peer)
	case consensus.KindTransaction:
		return p.processTransaction(dbtx, *item.Transaction)
	case consensus.KindClientConfigSignatureShare:
		return p.processSignatureShare(dbtx, item.SignatureShare, peer)
	default:
		return fmt.Errorf("processor: unknown consensus item kind %d", item.Kind)
	}
}

func (p *Processor) processModuleItem(dbtx *store.Tx, item consensus.ModuleItem, peer consensus.PeerId) error {
	mod, err := p.registry.Get(item.ModuleInstanceID)
	if err != nil {
		return err
	}
	if err := mod.ProcessConsensusItem(dbtx.ModulePrefix(item.ModuleInstanceID), item, peer); err != nil {
		return fmt.Errorf("processor: module %d rejected item: %w", item.ModuleInstanceID, err)
	}
	return nil
}

func (p *Processor) processTransaction(dbtx *store.Tx, tx consensus.Tx) error {
	txHash := tx.TxHash()
	if dbtx.HasAcceptedTransaction(txHash) {
		return fmt.Errorf("processor: transaction %s already accepted", txHash)
	}
	touchedIDs, err := txprocessor.Process(p.registry, dbtx, tx)
	if err != nil {
		return err
	}
	dbtx.PutAcceptedTransaction(txHash, touchedIDs)
	return nil
}

// processSignatureShare implements the client-config signing handshake:
// reject once the config is already signed or this peer's share is already
// on file, verify the share against the peer's key share, store it, and
// combine once more than threshold() shares are held.
func (p *Processor) processSignatureShare(dbtx *store.Tx, share consensus.Share, peer consensus.PeerId) error {
	if _, ok := dbtx.GetClientConfigSignature(); ok {
		return fmt.Errorf("processor: client config is already signed")
	}
	if _, ok := dbtx.GetClientConfigSignatureShare(peer); ok {
		return fmt.Errorf("processor: already have a signature share from %s", peer)
	}

	nodeIndex, ok := p.keys.ToNodeIndex(peer)
	if !ok {
		return fmt.Errorf("processor: %s is not a federation member", peer)
	}
	if !p.keys.Verify(p.cfgHash[:], consensus.Signature(share), nodeIndex) {
		return fmt.Errorf("processor: invalid client config signature share from %s", peer)
	}

	dbtx.PutClientConfigSignatureShare(peer, share)

	shares := dbtx.ClientConfigSignatureShares()
	if len(shares) <= p.keys.Threshold() {
		return nil
	}

	signers := make([]consensus.PeerId, 0, len(shares))
	flat := make([]consensus.Signature, 0, len(shares))
	for peer, s := range shares {
		signers = append(signers, peer)
		flat = append(flat, consensus.Signature(s))
	}
	combined, err := keychain.Combine(flat)
	if err != nil {
		return fmt.Errorf("processor: combine client config signature shares: %w", err)
	}
	dbtx.PutClientConfigSignature(combined)
	dbtx.PutClientConfigSignatureSigners(signers)
	dbtx.ClearClientConfigSignatureShares()
	return nil
}
