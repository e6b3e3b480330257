// Package session is the session runner (spec §4.4): it confirms every
// peer agrees on the federation's client config, then repeatedly drives one
// session to completion — either alone (run_single_guardian, for a
// single-member federation that has no use for atomic broadcast) or via the
// broadcast engine, racing ordinary item processing against a catch-up
// fetch from peers exactly the way
// original_source/fedimint-server/src/consensus/server.rs's
// complete_signed_block does.
package session

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/fedimint-go/guardian/pkg/block"
	"github.com/fedimint-go/guardian/pkg/broadcast"
	"github.com/fedimint-go/guardian/pkg/consensus"
	"github.com/fedimint-go/guardian/pkg/keychain"
	"github.com/fedimint-go/guardian/pkg/processor"
	"github.com/fedimint-go/guardian/pkg/queue"
	"github.com/fedimint-go/guardian/pkg/store"
	"github.com/fedimint-go/guardian/pkg/util"
)

// Round-delay schedule constants (spec §4.4), matching server.rs::run_session
// exactly: every round after round 0 waits ROUND_DELAY until
// EXPONENTIAL_SLOWDOWN_OFFSET, then the delay grows by BASE per round, so
// MAX_ROUND is not reached in any practical time — the bound exists to cap a session's memory use even under attack, not to
// ever actually fire in practice.
const (
	roundDelayMS              = 250.0
	roundDelayBase            = 1.01
	expectedRoundsPerSession  = 45 * 4
	exponentialSlowdownOffset = 3 * expectedRoundsPerSession
	maxRound                  = 5000

	// maxBatchItems bounds how many queued items one round's leader proposes
	// at once, keeping a single UnitData gob payload bounded in size.
	maxBatchItems = 256

	// singleGuardianSessionTimeout is how long a lone guardian waits on the
	// submission queue before closing out a session on whatever it has,
	// mirroring run_single_guardian's 60-second elapsed check.
	singleGuardianSessionTimeout = 60 * time.Second
)

func roundDelay(round uint64) time.Duration {
	if round == 0 {
		return 0
	}
	var offset uint64
	if round > exponentialSlowdownOffset {
		offset = round - exponentialSlowdownOffset
	}
	delay := roundDelayMS * math.Pow(roundDelayBase, float64(offset))
	return time.Duration(math.Round(delay)) * time.Millisecond
}

// batchesPerSession is reinterpreted relative to this port's round-robin
// engine: the original multiplies by peer_count because aleph-BFT's DAG
// lets every peer propose a unit in the same round, so n batches can land
// per round. This engine's round-robin leader produces exactly one batch
// per round no matter how many peers there are, so multiplying by
// peerCount here would inflate the target by a factor of n and turn the
// documented 45-60 second session (see run_session's comment) into
// n times that. Dropping the multiplier keeps the session's wall-clock
// length matched to the original despite the simpler engine.
func batchesPerSession(peerCount int) int {
	return expectedRoundsPerSession
}

// ConfigHashPeer is the subset of federation.Client the confirmation loop
// needs.
type ConfigHashPeer interface {
	ConsensusConfigHash(ctx context.Context) (consensus.Hash, error)
}

// Runner owns one guardian's session loop: it doesn't know whether it's
// running alone or as part of a federation until RunSingleGuardian or
// RunConsensus is called.
type Runner struct {
	db      *store.Database
	keys    *keychain.Keychain
	cfgHash consensus.Hash
	queue   *queue.Queue
	proc    *processor.Processor
	net     broadcast.Network
	fetcher *block.Fetcher
	log     *zap.SugaredLogger

	// batchTarget overrides batchesPerSession(), for tests that can't wait
	// out a full 45-60 second session. Zero means use the real schedule.
	batchTarget int

	// singleGuardianTimeout overrides singleGuardianSessionTimeout, for
	// tests that can't wait out a full 60-second lone-guardian session.
	// Zero means use the real timeout.
	singleGuardianTimeout time.Duration
}

// WithBatchTarget overrides how many batches phase A waits for before
// moving to phase B, for tests.
func (r *Runner) WithBatchTarget(n int) *Runner {
	r.batchTarget = n
	return r
}

// WithSingleGuardianTimeout overrides how long a lone guardian waits on the
// submission queue before closing out a session, for tests.
func (r *Runner) WithSingleGuardianTimeout(d time.Duration) *Runner {
	r.singleGuardianTimeout = d
	return r
}

func (r *Runner) target() int {
	if r.batchTarget > 0 {
		return r.batchTarget
	}
	return batchesPerSession(r.keys.PeerCount())
}

// NewRunner builds a session runner. net may be nil for a single-guardian
// federation, which never constructs a broadcast engine.
func NewRunner(db *store.Database, keys *keychain.Keychain, cfgHash consensus.Hash, q *queue.Queue, proc *processor.Processor, net broadcast.Network, fetcher *block.Fetcher, log *zap.SugaredLogger) *Runner {
	return &Runner{db: db, keys: keys, cfgHash: cfgHash, queue: q, proc: proc, net: net, fetcher: fetcher, log: log}
}

// ConfirmConsensusConfigHash blocks until every peer reports the same
// client-config hash as this node, retrying transport failures every 100ms —
// confirm_consensus_config_hash, down to the retry interval.
func (r *Runner) ConfirmConsensusConfigHash(ctx context.Context, peers []ConfigHashPeer) error {
	if r.log != nil {
		r.log.Infow("waiting for peers to confirm consensus config", "hash", r.cfgHash)
	}
	for {
		mismatched := false
		pending := false
		for _, p := range peers {
			hash, err := p.ConsensusConfigHash(ctx)
			if err != nil {
				if r.log != nil {
					r.log.Warnw("could not check peer consensus config hash", "error", err)
				}
				pending = true
				continue
			}
			if hash != r.cfgHash {
				mismatched = true
			}
		}
		if mismatched {
			return fmt.Errorf("session: a peer's consensus config does not match ours")
		}
		if !pending {
			if r.log != nil {
				r.log.Infow("confirmed peer consensus config", "hash", r.cfgHash)
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// RunSingleGuardian loops run_single_guardian: no atomic broadcast, just
// drain the submission queue directly and sign alone.
func (r *Runner) RunSingleGuardian(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := r.runSingleGuardianSession(ctx); err != nil {
			return err
		}
	}
}

func (r *Runner) runSingleGuardianSession(ctx context.Context) error {
	rtx := r.db.BeginReadOnly()
	session := rtx.SignedBlockCount()
	itemIndex := rtx.AcceptedItemCount()
	_ = rtx.Discard()

	timeout := singleGuardianSessionTimeout
	if r.singleGuardianTimeout > 0 {
		timeout = r.singleGuardianTimeout
	}
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		drainCtx, cancel := context.WithDeadline(ctx, deadline)
		item, err := r.queue.Drain(drainCtx)
		cancel()
		if err != nil {
			break
		}
		if procErr := r.proc.Process(itemIndex, item, r.keys.PeerId()); procErr == nil {
			itemIndex++
		} else if r.log != nil {
			r.log.Warnw("single-guardian item rejected", "error", procErr)
		}
	}

	wtx := r.db.Begin()
	blk := block.Assemble(wtx)
	header := block.Header(session, blk)
	sig := r.keys.Sign(header[:])
	sb := consensus.SignedBlock{Block: blk, Signatures: map[consensus.PeerId]consensus.Signature{r.keys.PeerId(): sig}}
	block.Complete(wtx, session, sb)
	if err := wtx.Commit(); err != nil {
		util.Fatal(r.log, "failed to commit completed single-guardian session", "session", session, "error", err)
	}
	if r.log != nil {
		r.log.Infow("session completed", "session", session, "items", len(blk.Items))
	}
	return nil
}

// RunConsensus loops run_consensus: repeatedly drive a broadcast-engine
// session to completion. It does not confirm the config hash itself; that
// is ConfirmConsensusConfigHash, which guardian.Server.Run calls first.
func (r *Runner) RunConsensus(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		rtx := r.db.BeginReadOnly()
		session := rtx.SignedBlockCount()
		_ = rtx.Discard()

		if err := r.runSession(ctx, session); err != nil {
			return err
		}
		if r.log != nil {
			r.log.Infow("session completed", "session", session)
		}
	}
}

type sessionBackup struct{ db *store.Database }

func (b sessionBackup) LoadBackup() ([]byte, bool) {
	tx := b.db.Begin()
	defer tx.Discard()
	return tx.AlephUnitsLoad()
}

func (b sessionBackup) SaveBackup(data []byte) {
	tx := b.db.Begin()
	tx.AlephUnitsSave(data)
	if err := tx.Commit(); err != nil {
		panic(fmt.Sprintf("session: failed to persist broadcast engine backup: %v", err))
	}
}

// maxRoundTerminator is a pure safety backstop: run_session's exponential
// round delay is engineered so MAX_ROUND is never reached in practice,
// racing completeSignedBlock's own ctx cancellation is what actually ends a
// session.
type maxRoundTerminator struct{ engine *broadcast.Engine }

func (t maxRoundTerminator) ShouldTerminate() bool { return t.engine.CurrentRound() >= maxRound }

func (r *Runner) runSession(ctx context.Context, session consensus.SessionIndex) error {
	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	dp := &dataProvider{queue: r.queue}
	finalized := make(chan finalizedUnit, 64)
	fh := &finalizationHandler{out: finalized}
	backup := sessionBackup{db: r.db}

	eng := broadcast.New(broadcast.Config{
		Self:       r.keys.PeerId(),
		Keys:       r.keys,
		Net:        r.net,
		Data:       dp,
		Final:      fh,
		BackupLoad: backup,
		BackupSave: backup,
		RoundDelay: roundDelay,
		Log:        r.log,
	})
	eng.SetTerminator(maxRoundTerminator{engine: eng})

	engDone := make(chan struct{})
	go func() {
		defer close(engDone)
		eng.Run(sessionCtx)
	}()

	sb, err := r.completeSignedBlock(sessionCtx, session, dp, finalized)
	cancel()
	<-engDone
	if err != nil {
		return err
	}

	wtx := r.db.Begin()
	block.Complete(wtx, session, sb)
	if err := wtx.Commit(); err != nil {
		util.Fatal(r.log, "failed to commit completed session", "session", session, "error", err)
	}
	return nil
}

type fetchOutcome struct {
	sb  consensus.SignedBlock
	err error
}

// completeSignedBlock is complete_signed_block: phase A orders batches of
// submitted items until batchesPerSession have been processed; phase B then
// collects header signatures until a threshold is reached. Both phases race
// against a catch-up SignedBlock arriving from a peer, which — if it
// arrives — short-circuits the session immediately.
func (r *Runner) completeSignedBlock(ctx context.Context, session consensus.SessionIndex, dp *dataProvider, finalized <-chan finalizedUnit) (consensus.SignedBlock, error) {
	fetchCtx, fetchCancel := context.WithCancel(ctx)
	defer fetchCancel()
	fetchResult := make(chan fetchOutcome, 1)
	if r.fetcher != nil {
		go func() {
			sb, err := r.fetcher.RequestSignedBlock(fetchCtx, session)
			select {
			case fetchResult <- fetchOutcome{sb: sb, err: err}:
			case <-fetchCtx.Done():
			}
		}()
	}

	target := r.target()
	numBatches := 0
	itemIndex := consensus.ItemIndex(0)

	for numBatches < target {
		select {
		case <-ctx.Done():
			return consensus.SignedBlock{}, ctx.Err()
		case u := <-finalized:
			if u.kind != unitBatch {
				continue
			}
			for _, item := range u.batch {
				if err := r.proc.Process(itemIndex, item, u.peer); err == nil {
					itemIndex++
				} else if r.log != nil {
					r.log.Warnw("batch item rejected", "session", session, "error", err)
				}
			}
			numBatches++
		case out := <-fetchResult:
			if out.err != nil {
				return consensus.SignedBlock{}, out.err
			}
			return r.reconcileCaughtUp(session, out.sb)
		}
	}

	rtx := r.db.BeginReadOnly()
	blk := block.Assemble(rtx)
	_ = rtx.Discard()
	header := block.Header(session, blk)
	mySig := r.keys.Sign(header[:])
	dp.SetSignature(mySig)

	signatures := map[consensus.PeerId]consensus.Signature{r.keys.PeerId(): mySig}
	threshold := r.keys.Threshold()

	for len(signatures) < threshold {
		select {
		case <-ctx.Done():
			return consensus.SignedBlock{}, ctx.Err()
		case u := <-finalized:
			if u.kind != unitSignature || len(u.signature) == 0 {
				continue
			}
			nodeIdx, ok := r.keys.ToNodeIndex(u.peer)
			if !ok || !r.keys.Verify(header[:], u.signature, nodeIdx) {
				if r.log != nil {
					r.log.Warnw("dropping invalid header signature", "session", session, "peer", u.peer)
				}
				continue
			}
			signatures[u.peer] = u.signature
		case out := <-fetchResult:
			if out.err != nil {
				return consensus.SignedBlock{}, out.err
			}
			if block.Header(session, out.sb.Block) != header {
				return consensus.SignedBlock{}, fmt.Errorf("session: caught-up block disagrees with our own block for session %d", session)
			}
			return out.sb, nil
		}
	}

	return consensus.SignedBlock{Block: blk, Signatures: signatures}, nil
}

// reconcileCaughtUp is complete_signed_block's catch-up branch: our own
// accepted items must be an exact prefix of the federation's settled block,
// then we process whatever suffix we're missing before accepting it.
func (r *Runner) reconcileCaughtUp(session consensus.SessionIndex, sb consensus.SignedBlock) (consensus.SignedBlock, error) {
	rtx := r.db.BeginReadOnly()
	local := block.Assemble(rtx)
	_ = rtx.Discard()

	suffix, err := block.ReconcilePrefix(local, sb.Block)
	if err != nil {
		return consensus.SignedBlock{}, err
	}
	itemIndex := consensus.ItemIndex(len(local.Items))
	for _, accepted := range suffix {
		if err := r.proc.Process(itemIndex, accepted.Item, accepted.Peer); err != nil {
			return consensus.SignedBlock{}, fmt.Errorf("session: failed to catch up item %d: %w", itemIndex, err)
		}
		itemIndex++
	}
	return sb, nil
}
