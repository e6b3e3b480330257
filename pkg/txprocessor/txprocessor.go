// Package txprocessor is the external transaction processor contracted in
// spec §6: process_transaction(modules, tx_rw, Tx) -> Result. It validates
// every input's signature and routes inputs/outputs to their owning module
// instances, the same secp256k1 ECDSA scheme the teacher's
// pkg/crypto/signer.go uses for order signing, generalized from
// perp-DEX orders to the federation's generic input/output transaction.
package txprocessor

import (
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/fedimint-go/guardian/pkg/consensus"
	"github.com/fedimint-go/guardian/pkg/module"
	"github.com/fedimint-go/guardian/pkg/store"
)

// Process validates tx against registry and dbtx, and applies it if valid.
// On success it returns the distinct module instance ids the transaction
// touched (for AcceptedTransaction). On failure, dbtx may already contain
// partial writes for the inputs/outputs processed before the failure; the
// caller (the item processor) must not commit dbtx in that case — it holds
// the only commit point and discards the whole transaction on any error.
func Process(registry *module.Registry, dbtx *store.Tx, tx consensus.Tx) ([]uint16, error) {
	if len(tx.Inputs) == 0 {
		return nil, fmt.Errorf("txprocessor: transaction has no inputs")
	}

	signHash := tx.SignHash()
	touched := map[uint16]struct{}{}

	for i, in := range tx.Inputs {
		mod, err := registry.Get(in.ModuleInstanceID)
		if err != nil {
			return nil, fmt.Errorf("txprocessor: input %d: %w", i, err)
		}
		addr, err := recoverAddress(signHash, in.Signature)
		if err != nil {
			return nil, fmt.Errorf("txprocessor: input %d: bad signature: %w", i, err)
		}
		if err := mod.ApplyInput(dbtx.ModulePrefix(in.ModuleInstanceID), in, addr); err != nil {
			return nil, fmt.Errorf("txprocessor: input %d: %w", i, err)
		}
		touched[in.ModuleInstanceID] = struct{}{}
	}

	for i, out := range tx.Outputs {
		mod, err := registry.Get(out.ModuleInstanceID)
		if err != nil {
			return nil, fmt.Errorf("txprocessor: output %d: %w", i, err)
		}
		if err := mod.ApplyOutput(dbtx.ModulePrefix(out.ModuleInstanceID), out); err != nil {
			return nil, fmt.Errorf("txprocessor: output %d: %w", i, err)
		}
		touched[out.ModuleInstanceID] = struct{}{}
	}

	ids := make([]uint16, 0, len(touched))
	for id := range touched {
		ids = append(ids, id)
	}
	return ids, nil
}

// recoverAddress recovers the signer's 20-byte address from a 65-byte
// [R || S || V] secp256k1 signature over hash, the same recovery scheme as
// the teacher's crypto.RecoverAddress.
func recoverAddress(hash consensus.Hash, sig []byte) ([20]byte, error) {
	if len(sig) != 65 {
		return [20]byte{}, fmt.Errorf("signature must be 65 bytes, got %d", len(sig))
	}
	pub, err := crypto.Ecrecover(hash[:], sig)
	if err != nil {
		return [20]byte{}, err
	}
	pubKey, err := crypto.UnmarshalPubkey(pub)
	if err != nil {
		return [20]byte{}, err
	}
	return crypto.PubkeyToAddress(*pubKey), nil
}
