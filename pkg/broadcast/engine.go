package broadcast

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fedimint-go/guardian/pkg/consensus"
	"github.com/fedimint-go/guardian/pkg/keychain"
)

// roundTimeout bounds how long a round waits for a proposal/finalize before
// retrying — the teacher's HotStuff pacemaker derives this from view-change
// timers; this engine has no pacemaker, so a fixed timeout stands in (the
// session runner's own round-delay schedule is the thing spec §4.4 actually
// cares about pacing).
const roundTimeout = 2 * time.Second

// Engine is the round-robin broadcast engine: each round has one leader
// (round-robin over the keychain's NodeIndex order), who proposes a batch
// from the DataProvider; followers vote; once the leader holds more than
// threshold() matching votes it broadcasts a Finalize, and every node (including
// the leader) calls FinalizationHandler with the round's data.
//
// Adapted from the teacher's HotStuff engine/pacemaker/leader trio,
// collapsed into a single round-robin loop without HotStuff's own
// view-change safety machinery — this engine does not claim to reproduce
// aleph-BFT's liveness/agreement proof, only its black-box contract.
type Engine struct {
	self  consensus.PeerId
	keys  *keychain.Keychain
	net   Network
	data  DataProvider
	final FinalizationHandler
	term  Terminator
	log   *zap.SugaredLogger

	backupLoad BackupLoader
	backupSave BackupSaver

	// roundDelay is the per-round pacing hook the session runner installs
	// (spec §4.4's exponential round-delay schedule); nil means no delay.
	roundDelay func(round uint64) time.Duration

	mu         sync.Mutex
	round      uint64
	proposals  map[uint64]Proposal
	votes      map[uint64]map[consensus.Hash][]Vote
	roundDone  map[uint64]chan struct{}
	terminated chan struct{}
}

type Config struct {
	Self       consensus.PeerId
	Keys       *keychain.Keychain
	Net        Network
	Data       DataProvider
	Final      FinalizationHandler
	Term       Terminator
	BackupLoad BackupLoader
	BackupSave BackupSaver
	RoundDelay func(round uint64) time.Duration
	Log        *zap.SugaredLogger
}

func New(cfg Config) *Engine {
	return &Engine{
		self:       cfg.Self,
		keys:       cfg.Keys,
		net:        cfg.Net,
		data:       cfg.Data,
		final:      cfg.Final,
		term:       cfg.Term,
		log:        cfg.Log,
		backupLoad: cfg.BackupLoad,
		backupSave: cfg.BackupSave,
		roundDelay: cfg.RoundDelay,
		proposals:  map[uint64]Proposal{},
		votes:      map[uint64]map[consensus.Hash][]Vote{},
		roundDone:  map[uint64]chan struct{}{},
		terminated: make(chan struct{}),
	}
}

// SetTerminator installs the Terminator after construction, for callers
// that need a reference to the engine itself (e.g. CurrentRound) to decide
// when to stop.
func (e *Engine) SetTerminator(t Terminator) { e.term = t }

// CurrentRound returns the round the engine is presently running.
func (e *Engine) CurrentRound() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.round
}

func (e *Engine) leaderOf(round uint64) consensus.PeerId {
	idx := consensus.NodeIndex(round % uint64(e.keys.PeerCount()))
	peer, _ := e.keys.ToPeerId(idx)
	return peer
}

// Run drives rounds until Terminator says to stop or ctx is canceled.
func (e *Engine) Run(ctx context.Context) {
	e.net.SetHandlers(Handlers{
		OnProposal: e.onProposal,
		OnVote:     e.onVote,
		OnFinalize: e.onFinalize,
	})

	if e.backupLoad != nil {
		if raw, ok := e.backupLoad.LoadBackup(); ok && len(raw) == 8 {
			e.round = decodeRound(raw)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if e.term.ShouldTerminate() {
			close(e.terminated)
			return
		}
		e.runRound(ctx)
	}
}

// Terminated reports when Run has stopped starting new rounds.
func (e *Engine) Terminated() <-chan struct{} { return e.terminated }

func (e *Engine) runRound(ctx context.Context) {
	round := e.round
	done := e.doneChan(round)

	if e.leaderOf(round) == e.self {
		if e.roundDelay != nil {
			if d := e.roundDelay(round); d > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(d):
				}
			}
		}
		data, err := e.data.GetData(ctx)
		if err != nil {
			if e.log != nil {
				e.log.Warnw("data provider failed, proposing empty batch", "round", round, "error", err)
			}
			data = nil
		}
		prop := Proposal{Round: round, Leader: e.self, Data: data}
		e.storeProposal(prop)
		if err := e.net.BroadcastProposal(ctx, prop); err != nil && e.log != nil {
			e.log.Warnw("broadcast proposal failed", "round", round, "error", err)
		}
		e.onProposal(ctx, prop)
	}

	select {
	case <-ctx.Done():
		return
	case <-done:
		e.mu.Lock()
		e.round++
		e.mu.Unlock()
		if e.backupSave != nil {
			e.backupSave.SaveBackup(encodeRound(e.round))
		}
	case <-time.After(roundTimeout):
		// No quorum this round; the next loop iteration retries the same
		// round with the same leader (round doesn't advance).
	}
}

func (e *Engine) doneChan(round uint64) chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ch, ok := e.roundDone[round]; ok {
		return ch
	}
	ch := make(chan struct{})
	e.roundDone[round] = ch
	return ch
}

func (e *Engine) storeProposal(p Proposal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.proposals[p.Round] = p
}

func (e *Engine) onProposal(ctx context.Context, p Proposal) {
	e.mu.Lock()
	e.proposals[p.Round] = p
	e.mu.Unlock()

	hash := consensus.HashBytes(p.Data)
	sig := e.keys.Sign(hash[:])
	vote := Vote{Round: p.Round, Voter: e.self, DataHash: hash, Sig: sig}

	if p.Leader == e.self {
		e.onVote(ctx, vote)
		return
	}
	if err := e.net.SendVote(ctx, p.Leader, vote); err != nil && e.log != nil {
		e.log.Warnw("send vote failed", "round", p.Round, "error", err)
	}
}

func (e *Engine) onVote(ctx context.Context, v Vote) {
	if e.leaderOf(v.Round) != e.self {
		return // only the round's leader collects votes
	}

	nodeIdx, ok := e.keys.ToNodeIndex(v.Voter)
	if !ok || !e.keys.Verify(v.DataHash[:], v.Sig, nodeIdx) {
		if e.log != nil {
			e.log.Warnw("dropping vote with invalid signature", "round", v.Round, "voter", v.Voter)
		}
		return
	}

	e.mu.Lock()
	if e.votes[v.Round] == nil {
		e.votes[v.Round] = map[consensus.Hash][]Vote{}
	}
	e.votes[v.Round][v.DataHash] = append(e.votes[v.Round][v.DataHash], v)
	votes := append([]Vote(nil), e.votes[v.Round][v.DataHash]...)
	e.mu.Unlock()

	if len(votes) <= e.keys.Threshold() {
		return
	}

	sigs := make([]consensus.Signature, 0, len(votes))
	signers := make([]consensus.PeerId, 0, len(votes))
	for _, vv := range votes {
		sigs = append(sigs, vv.Sig)
		signers = append(signers, vv.Voter)
	}
	combined, err := keychain.Combine(sigs)
	if err != nil {
		if e.log != nil {
			e.log.Warnw("combine votes failed", "round", v.Round, "error", err)
		}
		return
	}

	f := Finalize{Round: v.Round, DataHash: v.DataHash, Signers: signers, Combined: combined}
	if err := e.net.BroadcastFinalize(ctx, f); err != nil && e.log != nil {
		e.log.Warnw("broadcast finalize failed", "round", v.Round, "error", err)
	}
	e.onFinalize(ctx, f)
}

func (e *Engine) onFinalize(ctx context.Context, f Finalize) {
	if !e.keys.VerifyAggregate(f.DataHash[:], f.Combined, f.Signers) {
		if e.log != nil {
			e.log.Warnw("dropping finalize with invalid aggregate signature", "round", f.Round)
		}
		return
	}

	e.mu.Lock()
	prop, ok := e.proposals[f.Round]
	already := e.roundFinalized(f.Round)
	e.mu.Unlock()
	if !ok || already {
		return
	}
	if consensus.HashBytes(prop.Data) != f.DataHash {
		if e.log != nil {
			e.log.Warnw("finalize data hash does not match stored proposal", "round", f.Round)
		}
		return
	}

	e.final.Finalize(ctx, prop.Data, prop.Leader)

	e.mu.Lock()
	done := e.roundDone[f.Round]
	if done == nil {
		done = make(chan struct{})
		e.roundDone[f.Round] = done
	}
	e.mu.Unlock()
	select {
	case <-done:
	default:
		close(done)
	}
}

// roundFinalized reports whether round's done channel is already closed.
// Caller must hold e.mu.
func (e *Engine) roundFinalized(round uint64) bool {
	ch, ok := e.roundDone[round]
	if !ok {
		return false
	}
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func encodeRound(r uint64) []byte {
	var b [8]byte
	for i := 0; i < 8; i++ {
		b[i] = byte(r >> (8 * i))
	}
	return b[:]
}

func decodeRound(b []byte) uint64 {
	var r uint64
	for i := 0; i < 8 && i < len(b); i++ {
		r |= uint64(b[i]) << (8 * i)
	}
	return r
}
