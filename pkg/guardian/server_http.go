package guardian

import (
	"bytes"
	"encoding/base64"
	"encoding/gob"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/fedimint-go/guardian/pkg/consensus"
	"github.com/fedimint-go/guardian/pkg/queue"
	"github.com/fedimint-go/guardian/pkg/store"
)

// httpServer is the guardian's federation-facing REST surface, grounded on
// the teacher's pkg/api/server.go (gorilla/mux router, rs/cors wrapping,
// a single JSON response helper) and speaking the exact contract
// pkg/federation.Client calls against, plus a submission endpoint the
// teacher's api.Server has no analogue for (there the mempool accepted
// signed orders directly over POST /orders; here external items enter
// through queue.Queue instead).
type httpServer struct {
	db       *store.Database
	cfgHash  consensus.Hash
	queue    *queue.Queue
	router   *mux.Router
	pollStep time.Duration
	log      *zap.SugaredLogger
}

func newHTTPServer(db *store.Database, cfgHash consensus.Hash, q *queue.Queue, log *zap.SugaredLogger) *httpServer {
	s := &httpServer{db: db, cfgHash: cfgHash, queue: q, router: mux.NewRouter(), pollStep: 20 * time.Millisecond, log: log}
	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/consensus_config_hash", s.handleConfigHash).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{session}/signed_block", s.handleSignedBlock).Methods(http.MethodGet)
	api.HandleFunc("/submit", s.handleSubmit).Methods(http.MethodPost)
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	return s
}

// handler returns the CORS-wrapped http.Handler the way Server.Start builds
// one, generalized from the browser-origin allowlist the DEX frontend
// needed to the wide-open GET/POST surface a federation member's peers and
// client wallets both need to reach.
func (s *httpServer) handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Content-Type"},
	})
	return c.Handler(s.router)
}

func (s *httpServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type configHashResponse struct {
	Hash string `json:"hash"`
}

func (s *httpServer) handleConfigHash(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, configHashResponse{Hash: base64.StdEncoding.EncodeToString(s.cfgHash[:])})
}

type signedBlockResponse struct {
	SignedBlock string `json:"signed_block"`
}

// handleSignedBlock implements AWAIT_SIGNED_BLOCK: if ?await=true, long-poll
// up to 5 seconds for the session to complete before answering 408, the
// same deadline federation.TestServer uses for catch-up tests.
func (s *httpServer) handleSignedBlock(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	n, err := strconv.ParseUint(vars["session"], 10, 64)
	if err != nil {
		http.Error(w, "bad session index", http.StatusBadRequest)
		return
	}
	session := consensus.SessionIndex(n)

	deadline := time.Now().Add(5 * time.Second)
	for {
		tx := s.db.Begin()
		sb, ok := tx.GetSignedBlock(session)
		_ = tx.Discard()
		if ok {
			var buf bytes.Buffer
			if err := gob.NewEncoder(&buf).Encode(sb); err != nil {
				http.Error(w, "encode signed block", http.StatusInternalServerError)
				return
			}
			respondJSON(w, signedBlockResponse{SignedBlock: base64.StdEncoding.EncodeToString(buf.Bytes())})
			return
		}
		if r.URL.Query().Get("await") != "true" || time.Now().After(deadline) {
			w.WriteHeader(http.StatusRequestTimeout)
			return
		}
		select {
		case <-r.Context().Done():
			return
		case <-time.After(s.pollStep):
		}
	}
}

type submitRequest struct {
	// Item is the base64 gob encoding of a consensus.ConsensusItem — a
	// client wallet or module-adjacent service constructs the typed item
	// (via consensus.NewModuleItem/NewTransactionItem/NewSignatureShareItem)
	// and gob-encodes it before posting here.
	Item string `json:"item"`
}

// handleSubmit enqueues an externally-submitted item for the next session
// to order, the one piece of the federation's public API this port commits
// to (submission), everything else staying an out-of-scope collaborator.
func (s *httpServer) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	raw, err := base64.StdEncoding.DecodeString(req.Item)
	if err != nil {
		http.Error(w, "malformed item encoding", http.StatusBadRequest)
		return
	}
	var item consensus.ConsensusItem
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&item); err != nil {
		http.Error(w, "malformed item", http.StatusBadRequest)
		return
	}
	if !s.queue.TrySubmit(item) {
		http.Error(w, "submission queue full", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func respondJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
