package broadcast

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"io"
	"sync"

	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/fedimint-go/guardian/pkg/consensus"
)

// Topics and the vote stream protocol, adapted from the teacher's
// p2p.Libp2pNet (topicPropose/topicPrepare/protocolVote), generalized from
// HotStuff's propose/prepare phases to this engine's propose/finalize
// phases; votes stay unicast streams exactly as the teacher sends them.
const (
	topicProposal = "guardian-broadcast-proposal"
	topicFinalize = "guardian-broadcast-finalize"
	protocolVote  = protocol.ID("/guardian/broadcast/vote/1.0.0")
)

// LibP2PNetwork implements Network over a libp2p host with gossipsub topics
// for the two broadcast message kinds and direct streams for unicast
// votes, the same transport shape as pkg/p2p.Libp2pNet.
type LibP2PNetwork struct {
	h   host.Host
	ps  *pubsub.PubSub
	log *zap.SugaredLogger

	peerIDs map[consensus.PeerId]peer.ID

	tProposal *pubsub.Topic
	tFinalize *pubsub.Topic
	sProposal *pubsub.Subscription
	sFinalize *pubsub.Subscription

	mu       sync.RWMutex
	handlers Handlers
}

// LibP2PConfig wires one node's listen address, its bootstrap peers, and
// the PeerId -> libp2p peer.ID mapping (derived from configured multiaddrs,
// config.Peer.P2PAddr in pkg/config terms).
type LibP2PConfig struct {
	ListenAddr string
	Bootstrap  []string
	PeerIDs    map[consensus.PeerId]peer.ID
	Logger     *zap.SugaredLogger
}

func NewLibP2PNetwork(ctx context.Context, cfg LibP2PConfig) (*LibP2PNetwork, error) {
	var opts []libp2p.Option
	if cfg.ListenAddr != "" {
		maddr, err := ma.NewMultiaddr(cfg.ListenAddr)
		if err != nil {
			return nil, err
		}
		opts = append(opts, libp2p.ListenAddrs(maddr))
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, err
	}
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		return nil, err
	}

	n := &LibP2PNetwork{h: h, ps: ps, log: cfg.Logger, peerIDs: cfg.PeerIDs}

	for _, bs := range cfg.Bootstrap {
		if err := connectMultiaddr(ctx, h, bs); err != nil && cfg.Logger != nil {
			cfg.Logger.Warnw("broadcast bootstrap connect failed", "addr", bs, "error", err)
		}
	}

	if n.tProposal, err = ps.Join(topicProposal); err != nil {
		return nil, err
	}
	if n.tFinalize, err = ps.Join(topicFinalize); err != nil {
		return nil, err
	}
	if n.sProposal, err = n.tProposal.Subscribe(); err != nil {
		return nil, err
	}
	if n.sFinalize, err = n.tFinalize.Subscribe(); err != nil {
		return nil, err
	}

	h.SetStreamHandler(protocolVote, n.handleVoteStream)

	go n.readLoop(ctx, n.sProposal, func(data []byte) {
		var p Proposal
		if err := gobDecode(data, &p); err == nil {
			n.mu.RLock()
			h := n.handlers.OnProposal
			n.mu.RUnlock()
			if h != nil {
				h(ctx, p)
			}
		}
	})
	go n.readLoop(ctx, n.sFinalize, func(data []byte) {
		var f Finalize
		if err := gobDecode(data, &f); err == nil {
			n.mu.RLock()
			h := n.handlers.OnFinalize
			n.mu.RUnlock()
			if h != nil {
				h(ctx, f)
			}
		}
	})

	if cfg.Logger != nil {
		cfg.Logger.Infow("broadcast libp2p ready", "peer", h.ID().String(), "listen", cfg.ListenAddr)
	}
	return n, nil
}

func connectMultiaddr(ctx context.Context, h host.Host, addr string) error {
	m, err := ma.NewMultiaddr(addr)
	if err != nil {
		return err
	}
	info, err := peer.AddrInfoFromP2pAddr(m)
	if err != nil {
		return err
	}
	return h.Connect(ctx, *info)
}

func (n *LibP2PNetwork) readLoop(ctx context.Context, sub *pubsub.Subscription, handle func([]byte)) {
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			return
		}
		handle(msg.Data)
	}
}

func (n *LibP2PNetwork) SetHandlers(h Handlers) {
	n.mu.Lock()
	n.handlers = h
	n.mu.Unlock()
}

func (n *LibP2PNetwork) BroadcastProposal(ctx context.Context, p Proposal) error {
	data, err := gobEncode(p)
	if err != nil {
		return err
	}
	return n.tProposal.Publish(ctx, data)
}

func (n *LibP2PNetwork) BroadcastFinalize(ctx context.Context, f Finalize) error {
	data, err := gobEncode(f)
	if err != nil {
		return err
	}
	return n.tFinalize.Publish(ctx, data)
}

func (n *LibP2PNetwork) SendVote(ctx context.Context, to consensus.PeerId, v Vote) error {
	target, ok := n.peerIDs[to]
	if !ok {
		return fmt.Errorf("broadcast: no libp2p peer id known for %s", to)
	}
	stream, err := n.h.NewStream(ctx, target, protocolVote)
	if err != nil {
		return err
	}
	defer stream.Close()

	data, err := gobEncode(v)
	if err != nil {
		return err
	}
	_, err = stream.Write(data)
	return err
}

func (n *LibP2PNetwork) handleVoteStream(s network.Stream) {
	defer s.Close()
	data, err := io.ReadAll(s)
	if err != nil {
		return
	}
	var v Vote
	if err := gobDecode(data, &v); err != nil {
		return
	}
	n.mu.RLock()
	h := n.handlers.OnVote
	n.mu.RUnlock()
	if h != nil {
		h(context.Background(), v)
	}
}

func gobEncode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gobDecode(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
