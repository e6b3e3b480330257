// Package block is the block assembler and signer (spec §4.6) and the
// catch-up fetcher (spec §4.7), grounded directly on
// original_source/fedimint-server/src/consensus/server.rs's
// build_block/complete_session and request_signed_block.
package block

import (
	"github.com/fedimint-go/guardian/pkg/consensus"
	"github.com/fedimint-go/guardian/pkg/store"
)

// Assemble reads every AcceptedItem recorded so far in tx into a Block, the
// same shape server.rs::build_block reads out of AcceptedItemPrefix.
func Assemble(tx *store.Tx) consensus.Block {
	return tx.BuildBlock()
}

// Header is the deterministic signing target for session's current block.
func Header(session consensus.SessionIndex, b consensus.Block) consensus.Hash {
	return consensus.Header(session, b)
}

// Complete finalizes a session: it records the SignedBlock exactly once,
// and clears both the accepted-item scratch space and the broadcast
// engine's own backup state, since neither is needed once the session's
// signatures are durable. Matches server.rs::complete_session — clearing
// AlephUnitsPrefix and AcceptedItemPrefix before the SignedBlock write is
// committed, in the same transaction, so a crash can never leave a
// half-cleared session.
func Complete(tx *store.Tx, session consensus.SessionIndex, sb consensus.SignedBlock) {
	tx.AlephUnitsClear()
	tx.ClearAcceptedItems()
	tx.PutSignedBlockOnce(session, sb)
}
