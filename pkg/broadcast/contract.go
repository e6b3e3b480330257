// Package broadcast is the pluggable atomic-broadcast module: the black
// box the session runner hands a DataProvider, FinalizationHandler,
// Network, backup loader/saver, and Terminator to, and which in exchange
// produces a totally ordered stream of (UnitData, PeerId) pairs. No Go
// port of aleph-BFT exists in the surrounding ecosystem, so this package
// reimplements that same contract with a simpler round-robin engine
// (engine.go) adapted from the teacher's HotStuff machinery — it does not
// reproduce aleph's own liveness/agreement proof, only the black-box shape
// the session runner depends on.
package broadcast

import (
	"context"

	"github.com/fedimint-go/guardian/pkg/consensus"
)

// UnitData is one opaque unit of payload the broadcast module orders. The
// session runner interprets the bytes as its gob-encoded unit: either a batch
// of consensus.ConsensusItem values or a block-header signature.
type UnitData []byte

// DataProvider supplies the next batch this node wants ordered. Called once
// per round this node leads.
type DataProvider interface {
	GetData(ctx context.Context) (UnitData, error)
}

// FinalizationHandler receives finalized units in order, each tagged with
// the peer whose round produced it.
type FinalizationHandler interface {
	Finalize(ctx context.Context, data UnitData, proposer consensus.PeerId)
}

// BackupLoader/BackupSaver persist the engine's own opaque progress state
// (the current round and anything needed to resume safely), the same
// keyspace store.Tx.AlephUnitsLoad/Save reserves for the broadcast library.
type BackupLoader interface {
	LoadBackup() ([]byte, bool)
}

type BackupSaver interface {
	SaveBackup([]byte)
}

// Terminator decides when the engine should stop starting new rounds. The
// session runner's implementation stops the engine once MAX_ROUND is
// reached; a completed session stops the engine by canceling its context.
type Terminator interface {
	ShouldTerminate() bool
}

// Proposal is one leader's offer for a round.
type Proposal struct {
	Round  uint64
	Leader consensus.PeerId
	Data   UnitData
}

// Vote is one follower's signature over a proposal's data hash.
type Vote struct {
	Round    uint64
	Voter    consensus.PeerId
	DataHash consensus.Hash
	Sig      consensus.Signature
}

// Finalize announces that a round reached quorum: Combined is a threshold
// aggregate of Signers' votes over DataHash.
type Finalize struct {
	Round    uint64
	DataHash consensus.Hash
	Signers  []consensus.PeerId
	Combined consensus.Signature
}

// Handlers are the engine's inbound message callbacks, set once via
// Network.SetHandlers — the same push-callback shape as the teacher's
// p2p.Libp2pNet (OnPropose/OnPrepare).
type Handlers struct {
	OnProposal func(ctx context.Context, p Proposal)
	OnVote     func(ctx context.Context, v Vote)
	OnFinalize func(ctx context.Context, f Finalize)
}

// Network is the transport contract the engine drives. A round's proposal
// is broadcast to everyone; votes are unicast to that round's leader;
// finalize announcements are broadcast once the leader reaches quorum.
type Network interface {
	SetHandlers(h Handlers)
	BroadcastProposal(ctx context.Context, p Proposal) error
	SendVote(ctx context.Context, to consensus.PeerId, v Vote) error
	BroadcastFinalize(ctx context.Context, f Finalize) error
}
