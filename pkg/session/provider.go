package session

import (
	"context"
	"sync"

	"github.com/fedimint-go/guardian/pkg/broadcast"
	"github.com/fedimint-go/guardian/pkg/consensus"
	"github.com/fedimint-go/guardian/pkg/queue"
)

// dataProvider is the session's broadcast.DataProvider: it proposes batches
// of queued items until SetSignature is called (phase B begins), at which
// point it proposes nothing but this node's own header signature — the same
// switch DataProvider::get_data makes in the original by selecting between
// its submission receiver and its signature watch channel.
type dataProvider struct {
	queue *queue.Queue

	mu        sync.Mutex
	signature consensus.Signature
}

// SetSignature switches the provider into phase B: every subsequent round
// this node leads proposes sig instead of a batch.
func (d *dataProvider) SetSignature(sig consensus.Signature) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.signature = sig
}

func (d *dataProvider) GetData(ctx context.Context) (broadcast.UnitData, error) {
	d.mu.Lock()
	sig := d.signature
	d.mu.Unlock()

	if sig != nil {
		return encodeUnit(unit{Kind: unitSignature, Signature: sig}), nil
	}

	items, err := d.queue.DrainAvailable(ctx, maxBatchItems)
	if err != nil {
		return nil, err
	}
	return encodeUnit(unit{Kind: unitBatch, Batch: items}), nil
}

// finalizedUnit is one round's decoded, ordered result together with the
// peer whose round produced it.
type finalizedUnit struct {
	kind      unitKind
	batch     []consensus.ConsensusItem
	signature consensus.Signature
	peer      consensus.PeerId
}

// finalizationHandler is the session's broadcast.FinalizationHandler: it
// decodes each finalized UnitData and forwards it to completeSignedBlock's
// select loop, mirroring the original's unit_data_sender channel.
type finalizationHandler struct {
	out chan<- finalizedUnit
}

func (h *finalizationHandler) Finalize(ctx context.Context, data broadcast.UnitData, proposer consensus.PeerId) {
	u := decodeUnit(data)
	fu := finalizedUnit{kind: u.Kind, batch: u.Batch, signature: u.Signature, peer: proposer}
	select {
	case h.out <- fu:
	case <-ctx.Done():
	}
}
