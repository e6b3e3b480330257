package session

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/fedimint-go/guardian/pkg/broadcast"
	"github.com/fedimint-go/guardian/pkg/consensus"
)

// unitKind tags what a round's UnitData carries. The Rust original's
// UnitData enum (Batch | Signature) is folded into one wire struct here
// since Go gob has no tagged-union type the way Rust's enum encoding does.
type unitKind byte

const (
	unitBatch unitKind = iota
	unitSignature
)

// unit is the wire shape every broadcast.UnitData actually is: either a
// batch of consensus items this node wants ordered (phase A), or this
// node's header signature once phase B begins.
type unit struct {
	Kind      unitKind
	Batch     []consensus.ConsensusItem
	Signature consensus.Signature
}

func encodeUnit(u unit) broadcast.UnitData {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(u); err != nil {
		panic(fmt.Errorf("session: encode unit: %w", err))
	}
	return broadcast.UnitData(buf.Bytes())
}

// decodeUnit returns the zero unit (an empty batch) for malformed data
// rather than erroring — a round proposed by a misbehaving or crashed peer
// still needs to advance the engine, it just carries nothing useful.
func decodeUnit(data broadcast.UnitData) unit {
	var u unit
	if len(data) == 0 {
		return u
	}
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&u); err != nil {
		return unit{}
	}
	return u
}
