package store

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"

	"github.com/fedimint-go/guardian/pkg/consensus"
)

// Keyspace prefixes, one byte each, matching the table in spec §3. Ordered
// iteration within a prefix falls out of pebble's natural key ordering
// because every key after the prefix is a big-endian integer or raw bytes.
var (
	prefixAcceptedItem        = []byte{'i'}
	prefixAcceptedTransaction = []byte{'t'}
	prefixSignedBlock         = []byte{'b'}
	prefixAlephUnits          = []byte{'u'}
	prefixClientCfgSig        = []byte{'c'}
	prefixClientCfgSigSigners = []byte{'s'}
	prefixClientCfgSigShare   = []byte{'h'}
)

func encodeGob(v any) []byte {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		panic(fmt.Errorf("store: gob encode: %w", err))
	}
	return buf.Bytes()
}

func decodeGob(b []byte, v any) {
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(v); err != nil {
		panic(fmt.Errorf("store: gob decode: %w", err))
	}
}

func itemIndexKey(i consensus.ItemIndex) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], uint64(i))
	return append(append([]byte(nil), prefixAcceptedItem...), k[:]...)
}

func sessionIndexKey(s consensus.SessionIndex) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], uint64(s))
	return append(append([]byte(nil), prefixSignedBlock...), k[:]...)
}

func peerKey(prefix []byte, p consensus.PeerId) []byte {
	var k [2]byte
	binary.BigEndian.PutUint16(k[:], uint16(p))
	return append(append([]byte(nil), prefix...), k[:]...)
}

// GetAcceptedItem returns the item recorded at index, if any.
func (t *Tx) GetAcceptedItem(index consensus.ItemIndex) (consensus.AcceptedItem, bool) {
	v, ok := t.Get(itemIndexKey(index))
	if !ok {
		return consensus.AcceptedItem{}, false
	}
	var out consensus.AcceptedItem
	decodeGob(v, &out)
	return out, true
}

// PutAcceptedItem records the item accepted at index.
func (t *Tx) PutAcceptedItem(index consensus.ItemIndex, item consensus.AcceptedItem) {
	t.Set(itemIndexKey(index), encodeGob(item))
}

// AcceptedItemCount is the number of accepted items in the current,
// in-progress session (also the next ItemIndex to assign).
func (t *Tx) AcceptedItemCount() consensus.ItemIndex {
	return consensus.ItemIndex(t.Count(prefixAcceptedItem))
}

// BuildBlock streams AcceptedItem entries in key order (contiguous
// ItemIndex) into a Block.
func (t *Tx) BuildBlock() consensus.Block {
	kvs := t.Iterate(prefixAcceptedItem)
	block := consensus.Block{Items: make([]consensus.AcceptedItem, 0, len(kvs))}
	for _, kv := range kvs {
		var item consensus.AcceptedItem
		decodeGob(kv.Value, &item)
		block.Items = append(block.Items, item)
	}
	return block
}

func (t *Tx) ClearAcceptedItems() { t.DeletePrefix(prefixAcceptedItem) }

// HasAcceptedTransaction reports whether tx_hash has already been accepted.
func (t *Tx) HasAcceptedTransaction(txHash consensus.Hash) bool {
	_, ok := t.Get(append(append([]byte(nil), prefixAcceptedTransaction...), txHash[:]...))
	return ok
}

// PutAcceptedTransaction records which module instances a transaction
// touched, permanently forbidding re-acceptance of the same tx_hash.
func (t *Tx) PutAcceptedTransaction(txHash consensus.Hash, moduleIDs []uint16) {
	t.Set(append(append([]byte(nil), prefixAcceptedTransaction...), txHash[:]...), encodeGob(moduleIDs))
}

// SignedBlockCount is the number of finalized sessions, and therefore the
// next SessionIndex to run.
func (t *Tx) SignedBlockCount() consensus.SessionIndex {
	return consensus.SessionIndex(t.Count(prefixSignedBlock))
}

// GetSignedBlock returns the finalized block for a session, if any.
func (t *Tx) GetSignedBlock(session consensus.SessionIndex) (consensus.SignedBlock, bool) {
	v, ok := t.Get(sessionIndexKey(session))
	if !ok {
		return consensus.SignedBlock{}, false
	}
	var out consensus.SignedBlock
	decodeGob(v, &out)
	return out, true
}

// PutSignedBlockOnce writes SignedBlock[session] exactly once. Per the
// invariant in spec §3, overwriting an existing signed block is a fatal
// bug, so this panics instead of returning an error — there is no
// recoverable way to continue once it happens.
func (t *Tx) PutSignedBlockOnce(session consensus.SessionIndex, sb consensus.SignedBlock) {
	if _, exists := t.GetSignedBlock(session); exists {
		panic(fmt.Sprintf("store: attempted to overwrite SignedBlock[%d]", session))
	}
	t.Set(sessionIndexKey(session), encodeGob(sb))
}

// AlephUnitsLoad/Save manage the BFT library's opaque backup bytes, the one
// keyspace the server must not otherwise touch during a session.
func (t *Tx) AlephUnitsLoad() ([]byte, bool) { return t.Get(prefixAlephUnits) }
func (t *Tx) AlephUnitsSave(b []byte)        { t.Set(prefixAlephUnits, b) }
func (t *Tx) AlephUnitsClear()               { t.DeletePrefix(prefixAlephUnits) }

// GetClientConfigSignature returns the combined threshold signature, once set.
func (t *Tx) GetClientConfigSignature() (consensus.Signature, bool) {
	v, ok := t.Get(prefixClientCfgSig)
	if !ok {
		return nil, false
	}
	return consensus.Signature(v), true
}

func (t *Tx) PutClientConfigSignature(sig consensus.Signature) {
	t.Set(prefixClientCfgSig, []byte(sig))
}

// GetClientConfigSignatureSigners returns the exact subset of peers whose
// shares were combined into GetClientConfigSignature, once set. A BLS
// aggregate signature only verifies against the signer subset it was built
// from, so this must be kept alongside the combined signature for as long
// as the signature itself is kept.
func (t *Tx) GetClientConfigSignatureSigners() ([]consensus.PeerId, bool) {
	v, ok := t.Get(prefixClientCfgSigSigners)
	if !ok {
		return nil, false
	}
	var out []consensus.PeerId
	decodeGob(v, &out)
	return out, true
}

func (t *Tx) PutClientConfigSignatureSigners(signers []consensus.PeerId) {
	t.Set(prefixClientCfgSigSigners, encodeGob(signers))
}

// GetClientConfigSignatureShare returns peer's stored share, if any.
func (t *Tx) GetClientConfigSignatureShare(peer consensus.PeerId) (consensus.Share, bool) {
	v, ok := t.Get(peerKey(prefixClientCfgSigShare, peer))
	if !ok {
		return nil, false
	}
	return consensus.Share(v), true
}

func (t *Tx) PutClientConfigSignatureShare(peer consensus.PeerId, share consensus.Share) {
	t.Set(peerKey(prefixClientCfgSigShare, peer), []byte(share))
}

// ClientConfigSignatureShares returns every stored share, peer order
// unspecified (caller sorts if it matters for determinism).
func (t *Tx) ClientConfigSignatureShares() map[consensus.PeerId]consensus.Share {
	out := map[consensus.PeerId]consensus.Share{}
	for _, kv := range t.Iterate(prefixClientCfgSigShare) {
		suffix := kv.Key[len(prefixClientCfgSigShare):]
		if len(suffix) != 2 {
			continue
		}
		peer := consensus.PeerId(binary.BigEndian.Uint16(suffix))
		out[peer] = consensus.Share(kv.Value)
	}
	return out
}

func (t *Tx) ClearClientConfigSignatureShares() { t.DeletePrefix(prefixClientCfgSigShare) }

// ModulePrefix returns the sub-transaction a given module instance is
// scoped to, preventing cross-module key collisions while sharing one
// atomic commit with the rest of the item processor's transaction.
func (t *Tx) ModulePrefix(instanceID uint16) *Tx {
	var k [2]byte
	binary.BigEndian.PutUint16(k[:], instanceID)
	return t.WithPrefix(append([]byte{'m'}, k[:]...))
}
