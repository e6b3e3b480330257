// Package consensus holds the data model shared by every consensus
// component: peer identities, the tagged consensus-item variants ordered by
// atomic broadcast, and the block/header/signature types a session produces.
package consensus

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"

	"golang.org/x/crypto/sha3"
)

// PeerId is an opaque integer identifier, unique per federation member.
type PeerId uint16

func (p PeerId) String() string { return fmt.Sprintf("peer#%d", uint16(p)) }

// NodeIndex is the BFT library's 0-based addressing space.
type NodeIndex uint16

// SessionIndex is monotonic and equals the count of already-finalized
// signed blocks.
type SessionIndex uint64

// ItemIndex is the per-session ordinal assigned to each accepted item.
type ItemIndex uint64

// Hash is a 32-byte content hash (Keccak-256, matching the teacher's
// address/EIP-712 hashing primitive).
type Hash [32]byte

func (h Hash) String() string { return fmt.Sprintf("%x", h[:]) }

func HashBytes(b []byte) Hash {
	h := sha3.NewLegacyKeccak256()
	h.Write(b)
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// ModuleItem is an opaque payload addressed to a module instance. The
// instance id selects which Module in the registry owns it; Payload is the
// module's own gob-encoded representation.
type ModuleItem struct {
	ModuleInstanceID uint16
	Payload          []byte
}

// TxInput references a prior balance owned by an address, spent by a
// transaction, authenticated by a per-input signature.
type TxInput struct {
	ModuleInstanceID uint16
	Payload          []byte // module-defined input description (e.g. account + amount)
	Signature        []byte // 65-byte secp256k1 signature over the tx's sign hash
}

// TxOutput credits a module-defined recipient.
type TxOutput struct {
	ModuleInstanceID uint16
	Payload          []byte
}

// Tx is a multi-input/output transaction routed across module instances.
type Tx struct {
	Inputs  []TxInput
	Outputs []TxOutput
}

// TxHash is the content hash of a transaction's inputs and outputs,
// excluding signatures (the sign hash), matching SignHash below.
func (t Tx) TxHash() Hash { return HashBytes(mustGob(withoutSignatures(t))) }

// SignHash is the hash each input's signature is computed over: the
// transaction with all signatures stripped, so no input's signature can
// depend on another input's signature.
func (t Tx) SignHash() Hash { return t.TxHash() }

func withoutSignatures(t Tx) Tx {
	out := Tx{Outputs: t.Outputs}
	out.Inputs = make([]TxInput, len(t.Inputs))
	for i, in := range t.Inputs {
		out.Inputs[i] = TxInput{ModuleInstanceID: in.ModuleInstanceID, Payload: in.Payload}
	}
	return out
}

// Share is a partial threshold signature over the federation's client
// config hash.
type Share []byte

// ConsensusItemKind discriminates the ConsensusItem tagged variant.
type ConsensusItemKind uint8

const (
	KindModule ConsensusItemKind = iota
	KindTransaction
	KindClientConfigSignatureShare
)

// ConsensusItem is the tagged variant ordered by atomic broadcast:
// Module(ModuleItem) | Transaction(Tx) | ClientConfigSignatureShare(Share).
type ConsensusItem struct {
	Kind           ConsensusItemKind
	Module         *ModuleItem
	Transaction    *Tx
	SignatureShare Share
}

func NewModuleItem(item ModuleItem) ConsensusItem {
	return ConsensusItem{Kind: KindModule, Module: &item}
}

func NewTransactionItem(tx Tx) ConsensusItem {
	return ConsensusItem{Kind: KindTransaction, Transaction: &tx}
}

func NewSignatureShareItem(share Share) ConsensusItem {
	return ConsensusItem{Kind: KindClientConfigSignatureShare, SignatureShare: share}
}

// Equal reports structural equality, used by the item processor's
// idempotency guard (re-delivery of the same (item, peer) at the same
// index must be a no-op).
func (c ConsensusItem) Equal(other ConsensusItem) bool {
	return bytes.Equal(mustGob(c), mustGob(other))
}

// AcceptedItem is what was accepted at an ItemIndex.
type AcceptedItem struct {
	Item ConsensusItem
	Peer PeerId
}

// Block is the ordered sequence of accepted items making up one session.
type Block struct {
	Items []AcceptedItem
}

// Header is the deterministic signing target for a session's block: a
// content hash of (SessionIndex, Block).
func Header(session SessionIndex, b Block) Hash {
	var buf bytes.Buffer
	var sessionBuf [8]byte
	binary.BigEndian.PutUint64(sessionBuf[:], uint64(session))
	buf.Write(sessionBuf[:])
	if err := gob.NewEncoder(&buf).Encode(b); err != nil {
		panic(fmt.Errorf("encode block for header: %w", err))
	}
	return HashBytes(buf.Bytes())
}

// Signature is a threshold-scheme signature (or share) over a Header.
type Signature []byte

// SignedBlock is a finished block together with a threshold of signatures.
type SignedBlock struct {
	Block      Block
	Signatures map[PeerId]Signature
}

func mustGob(v any) []byte {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		panic(fmt.Errorf("gob encode: %w", err))
	}
	return buf.Bytes()
}
