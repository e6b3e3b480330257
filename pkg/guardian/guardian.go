// Package guardian wires one federation member's full stack together: the
// database, the module registry, the dual keychains (broadcast voting vs
// client-config signing), the submission queue and ticker, the item
// processor, peer clients and catch-up fetcher, the broadcast transport,
// the session runner, and the REST surface peers and clients reach it
// through. Grounded on cmd/node/main.go's wiring order (config -> app ->
// network -> engine -> API server -> signal-driven run loop) and
// pkg/api/server.go's HTTP server shape.
package guardian

import (
	"context"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	ma "github.com/multiformats/go-multiaddr"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/fedimint-go/guardian/pkg/block"
	"github.com/fedimint-go/guardian/pkg/broadcast"
	"github.com/fedimint-go/guardian/pkg/config"
	"github.com/fedimint-go/guardian/pkg/consensus"
	"github.com/fedimint-go/guardian/pkg/federation"
	"github.com/fedimint-go/guardian/pkg/keychain"
	"github.com/fedimint-go/guardian/pkg/module"
	"github.com/fedimint-go/guardian/pkg/module/ledger"
	"github.com/fedimint-go/guardian/pkg/processor"
	"github.com/fedimint-go/guardian/pkg/queue"
	"github.com/fedimint-go/guardian/pkg/session"
	"github.com/fedimint-go/guardian/pkg/store"
)

// Server is one running guardian: everything cmd/guardian/main.go needs to
// start and stop a federation member.
type Server struct {
	cfg config.Config
	log *zap.SugaredLogger

	db       *store.Database
	registry *module.Registry
	queue    *queue.Queue
	ticker   *queue.Ticker
	proc     *processor.Processor
	runner   *session.Runner
	net      broadcast.Network
	httpAddr string
	http     *httpServer

	peers []*federation.Client
}

// New builds a Server from cfg without starting anything. It opens the
// on-disk database, constructs the module registry, derives the two
// keychains from cfg's distinct key material, computes the federation's
// config hash, and wires the session runner — either with no transport (a
// lone guardian never builds a broadcast engine) or with a libp2p network
// built from the other configured peers.
func New(ctx context.Context, cfg config.Config, httpAddr string, log *zap.SugaredLogger) (*Server, error) {
	if cfg.BroadcastSecretKey == nil {
		return nil, fmt.Errorf("guardian: no broadcast secret key share configured for %s", cfg.Self)
	}
	if cfg.AuthSecretKey == nil {
		return nil, fmt.Errorf("guardian: no auth secret key share configured for %s", cfg.Self)
	}

	db, err := store.Open(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("guardian: open database: %w", err)
	}

	registry, err := buildRegistry(cfg.Modules)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	broadcastKeys := keychain.New(cfg.Self, cfg.BroadcastSecretKey, cfg.BroadcastPublicKeys)
	authKeys := keychain.New(cfg.Self, cfg.AuthSecretKey, cfg.AuthPublicKeys)

	cfgHash, err := ConfigHash(cfg)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("guardian: compute consensus config hash: %w", err)
	}

	q := queue.New()
	ticker := queue.NewTicker(db, registry, authKeys, cfgHash, q, log)
	proc := processor.New(db, registry, authKeys, cfgHash, log)

	var peerClients []*federation.Client
	var fetcherPeers []block.PeerClient
	for _, p := range cfg.Peers {
		if p.Id == cfg.Self {
			continue
		}
		c := federation.NewClient(p.ApiEndpoint)
		peerClients = append(peerClients, c)
		fetcherPeers = append(fetcherPeers, c)
	}

	var fetcher *block.Fetcher
	var net broadcast.Network
	single := cfg.SingleNode || len(cfg.Peers) <= 1
	if !single {
		fetcher = block.NewFetcher(fetcherPeers, broadcastKeys, log)

		self, ok := cfg.Peer(cfg.Self)
		if !ok {
			_ = db.Close()
			return nil, fmt.Errorf("guardian: self id %s is not present in configured peers", cfg.Self)
		}
		// Only remote peers need a resolvable libp2p peer.ID here — votes are
		// only ever sent to another round's leader, never to ourselves, and
		// our own P2PAddr is just a local listen multiaddr with no /p2p/<id>
		// component to parse (our identity is generated fresh by libp2p.New,
		// not read out of config).
		var others []config.Peer
		for _, p := range cfg.Peers {
			if p.Id != cfg.Self {
				others = append(others, p)
			}
		}
		peerIDs, err := peerIDMap(others)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("guardian: derive libp2p peer ids: %w", err)
		}
		var bootstrap []string
		for _, p := range cfg.Peers {
			if p.Id != cfg.Self {
				bootstrap = append(bootstrap, p.P2PAddr)
			}
		}
		lp, err := broadcast.NewLibP2PNetwork(ctx, broadcast.LibP2PConfig{
			ListenAddr: self.P2PAddr,
			Bootstrap:  bootstrap,
			PeerIDs:    peerIDs,
			Logger:     log,
		})
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("guardian: start broadcast transport: %w", err)
		}
		net = lp
	}

	runner := session.NewRunner(db, broadcastKeys, cfgHash, q, proc, net, fetcher, log)

	srv := &Server{
		cfg:      cfg,
		log:      log,
		db:       db,
		registry: registry,
		queue:    q,
		ticker:   ticker,
		proc:     proc,
		runner:   runner,
		net:      net,
		httpAddr: httpAddr,
		http:     newHTTPServer(db, cfgHash, q, log),
		peers:    peerClients,
	}
	return srv, nil
}

// buildRegistry instantiates every configured module, failing closed on a
// kind this build doesn't know how to construct rather than silently
// dropping it (the reject-unknown-module posture module.Registry.Get takes
// at dispatch time, applied earlier at startup).
func buildRegistry(modules []config.ModuleConfig) (*module.Registry, error) {
	registry := module.NewRegistry()
	for _, m := range modules {
		switch m.Kind {
		case "ledger":
			registry.Register(m.InstanceID, m.Kind, ledger.New())
		default:
			return nil, fmt.Errorf("guardian: unknown module kind %q for instance %d", m.Kind, m.InstanceID)
		}
	}
	return registry, nil
}

// peerIDMap derives each peer's libp2p peer.ID from the /p2p/<id> component
// of its configured multiaddr, the same encoding a multiaddr-based
// bootstrap list already requires.
func peerIDMap(peers []config.Peer) (map[consensus.PeerId]peer.ID, error) {
	out := make(map[consensus.PeerId]peer.ID, len(peers))
	for _, p := range peers {
		maddr, err := ma.NewMultiaddr(p.P2PAddr)
		if err != nil {
			return nil, fmt.Errorf("peer %s: %w", p.Id, err)
		}
		info, err := peer.AddrInfoFromP2pAddr(maddr)
		if err != nil {
			return nil, fmt.Errorf("peer %s: %w", p.Id, err)
		}
		out[p.Id] = info.ID
	}
	return out, nil
}

// Run confirms the federation agrees on the config (skipped for a lone
// guardian), then drives sessions forever: run_single_guardian or
// run_consensus, plus the ticker and HTTP server as background goroutines,
// until ctx is canceled — the same shape as server.rs::run.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.httpAddr, Handler: s.http.handler()}
	go func() {
		s.log.Infow("guardian http server starting", "addr", s.httpAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Errorw("guardian http server stopped", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	go s.ticker.Run(ctx)

	single := s.cfg.SingleNode || len(s.cfg.Peers) <= 1
	if single {
		s.log.Infow("running as a single guardian, skipping config-hash confirmation")
		return s.runner.RunSingleGuardian(ctx)
	}

	confirmPeers := make([]session.ConfigHashPeer, 0, len(s.peers))
	for _, p := range s.peers {
		confirmPeers = append(confirmPeers, p)
	}
	if err := s.runner.ConfirmConsensusConfigHash(ctx, confirmPeers); err != nil {
		return fmt.Errorf("guardian: consensus config confirmation failed: %w", err)
	}
	return s.runner.RunConsensus(ctx)
}

// Close releases the database. Call after Run returns.
func (s *Server) Close() error {
	return s.db.Close()
}
