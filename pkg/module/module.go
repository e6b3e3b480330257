// Package module defines the module contract (§6): the capability set a
// plug-in business-logic instance exposes to the consensus core. Module
// semantics themselves are explicitly out of scope (spec §1) — this
// package only specifies the interface and a registry, grounded on the
// teacher's pkg/abci.Application shape (a small interface the core calls
// into, implementation supplied by the embedding application).
package module

import (
	"fmt"

	"github.com/fedimint-go/guardian/pkg/consensus"
	"github.com/fedimint-go/guardian/pkg/store"
)

// Migration upgrades a module's on-disk schema from one database version to
// the next. Running migrations is out of scope here (an external
// collaborator per spec §1); the type exists so GetDatabaseMigrations has
// something to return.
type Migration func(tx *store.Tx) error

// Module is the capability set of one plug-in instance: propose items,
// process ordered items, contribute to the audit, and report its schema
// version. ApplyInput/ApplyOutput back the external transaction processor
// (§6) — the distilled module contract only lists the first five methods,
// but a transaction that moves value between modules needs something
// concrete to call into, so this port carries them as part of Module too.
type Module interface {
	ConsensusProposal(tx *store.Tx, instanceID uint16) []consensus.ModuleItem
	ProcessConsensusItem(tx *store.Tx, item consensus.ModuleItem, peer consensus.PeerId) error
	Audit(tx *store.Tx, audit *Audit, instanceID uint16)
	DatabaseVersion() uint32
	GetDatabaseMigrations() map[uint32]Migration

	ApplyInput(tx *store.Tx, input consensus.TxInput, signerAddr [20]byte) error
	ApplyOutput(tx *store.Tx, output consensus.TxOutput) error
}

// Instance is one registered module: its kind (implementation name) plus
// the concrete Module.
type Instance struct {
	Kind string
	Mod  Module
}

// Registry is the polymorphic collection of module instances, keyed by
// instance id, that the item processor and ticker dispatch into.
type Registry struct {
	instances map[uint16]Instance
}

func NewRegistry() *Registry { return &Registry{instances: map[uint16]Instance{}} }

func (r *Registry) Register(instanceID uint16, kind string, mod Module) {
	r.instances[instanceID] = Instance{Kind: kind, Mod: mod}
}

// Get returns the module at instanceID, or an error in reject-unknown-
// module mode: a peer-crafted item addressing an instance id we don't run
// must never panic (spec §6), so callers check this before dispatching.
func (r *Registry) Get(instanceID uint16) (Module, error) {
	inst, ok := r.instances[instanceID]
	if !ok {
		return nil, fmt.Errorf("module: unknown instance id %d (reject-unknown-module)", instanceID)
	}
	return inst.Mod, nil
}

// Each iterates every registered instance in a stable (ascending id) order.
func (r *Registry) Each(fn func(instanceID uint16, mod Module)) {
	ids := make([]uint16, 0, len(r.instances))
	for id := range r.instances {
		ids = append(ids, id)
	}
	// stable insertion order isn't guaranteed by map iteration; sort so
	// audits and proposals are deterministic across replays.
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j-1] > ids[j]; j-- {
			ids[j-1], ids[j] = ids[j], ids[j-1]
		}
	}
	for _, id := range ids {
		fn(id, r.instances[id].Mod)
	}
}
