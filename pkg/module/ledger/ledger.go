// Package ledger is a minimal example Module: per-address integer
// balances, credited by transaction outputs and signed mints, debited by
// transaction inputs. It exists to exercise the item processor, the
// transaction processor, and the audit invariant end to end in tests —
// adapted from the teacher's pkg/app/core/account balance bookkeeping,
// stripped of everything perp-DEX specific (positions, orders, leverage).
package ledger

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"

	"github.com/fedimint-go/guardian/pkg/consensus"
	"github.com/fedimint-go/guardian/pkg/module"
	"github.com/fedimint-go/guardian/pkg/store"
)

var balancePrefix = []byte("bal:")

// Address is a 20-byte account identifier (an Ethereum-style address, the
// same shape the teacher's account package keys balances by).
type Address [20]byte

// Mint is a Module item: a federation-authorized credit out of thin air
// (e.g. peg-in proof processing in the real system). This port accepts any
// mint addressed to it — authorizing mints against an external proof is
// module semantics, explicitly out of scope.
type Mint struct {
	To     Address
	Amount int64
}

// Transfer is the payload carried by both TxInput (debit) and TxOutput
// (credit) for a ledger-routed transaction.
type Transfer struct {
	Account Address
	Amount  int64
}

type Ledger struct{}

func New() *Ledger { return &Ledger{} }

func (l *Ledger) ConsensusProposal(tx *store.Tx, instanceID uint16) []consensus.ModuleItem {
	return nil
}

func (l *Ledger) ProcessConsensusItem(tx *store.Tx, item consensus.ModuleItem, peer consensus.PeerId) error {
	var mint Mint
	if err := decode(item.Payload, &mint); err != nil {
		return fmt.Errorf("ledger: decode mint: %w", err)
	}
	if mint.Amount <= 0 {
		return fmt.Errorf("ledger: mint amount must be positive")
	}
	credit(tx, mint.To, mint.Amount)
	return nil
}

func (l *Ledger) Audit(tx *store.Tx, audit *module.Audit, instanceID uint16) {
	var total int64
	for _, kv := range tx.Iterate(balancePrefix) {
		total += int64(binary.BigEndian.Uint64(kv.Value))
	}
	audit.Add(instanceID, "ledger balances", total)
}

func (l *Ledger) DatabaseVersion() uint32 { return 1 }

func (l *Ledger) GetDatabaseMigrations() map[uint32]module.Migration { return nil }

// ApplyInput debits Transfer.Amount from Transfer.Account, rejecting the
// input if the signer doesn't match the account or the balance is
// insufficient.
func (l *Ledger) ApplyInput(tx *store.Tx, input consensus.TxInput, signerAddr [20]byte) error {
	var t Transfer
	if err := decode(input.Payload, &t); err != nil {
		return fmt.Errorf("ledger: decode input: %w", err)
	}
	if Address(signerAddr) != t.Account {
		return fmt.Errorf("ledger: input signature does not match account")
	}
	bal := balanceOf(tx, t.Account)
	if bal < t.Amount {
		return fmt.Errorf("ledger: insufficient balance: have %d, need %d", bal, t.Amount)
	}
	setBalance(tx, t.Account, bal-t.Amount)
	return nil
}

func (l *Ledger) ApplyOutput(tx *store.Tx, output consensus.TxOutput) error {
	var t Transfer
	if err := decode(output.Payload, &t); err != nil {
		return fmt.Errorf("ledger: decode output: %w", err)
	}
	if t.Amount < 0 {
		return fmt.Errorf("ledger: output amount must be non-negative")
	}
	credit(tx, t.Account, t.Amount)
	return nil
}

func balanceOf(tx *store.Tx, addr Address) int64 {
	v, ok := tx.Get(key(addr))
	if !ok {
		return 0
	}
	return int64(binary.BigEndian.Uint64(v))
}

func setBalance(tx *store.Tx, addr Address, amount int64) {
	var v [8]byte
	binary.BigEndian.PutUint64(v[:], uint64(amount))
	tx.Set(key(addr), v[:])
}

func credit(tx *store.Tx, addr Address, amount int64) {
	setBalance(tx, addr, balanceOf(tx, addr)+amount)
}

func key(addr Address) []byte {
	return append(append([]byte(nil), balancePrefix...), addr[:]...)
}

func decode(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}

// EncodeMint/EncodeTransfer are small helpers for callers (such as the
// tests) building ModuleItem/TxInput/TxOutput payloads.
func EncodeMint(m Mint) []byte {
	var buf bytes.Buffer
	_ = gob.NewEncoder(&buf).Encode(m)
	return buf.Bytes()
}

func EncodeTransfer(t Transfer) []byte {
	var buf bytes.Buffer
	_ = gob.NewEncoder(&buf).Encode(t)
	return buf.Bytes()
}

var _ module.Module = (*Ledger)(nil)
