// Package federation implements the peer RPC contract spec §4.7/§6 relies
// on: fetching a peer's consensus config hash, and long-polling for a
// session's SignedBlock once the peer has it. The federation's public API
// itself is an out-of-scope collaborator (spec §1); this package gives the
// catch-up fetcher and config-hash confirmation loop something concrete to
// call, built on the same libraries the teacher's pkg/api/server.go uses
// for its REST surface: github.com/gorilla/mux for routing and
// github.com/rs/cors for the browser-facing server, net/http for the
// client side.
package federation

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/fedimint-go/guardian/pkg/consensus"
	"github.com/fedimint-go/guardian/pkg/store"
)

// Client talks to one peer's federation API.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{baseURL: baseURL, http: &http.Client{}}
}

type configHashResponse struct {
	Hash string `json:"hash"`
}

// ConsensusConfigHash fetches the peer's hash of its own client config, the
// value the confirmation loop in the session runner compares across peers
// before starting a session.
func (c *Client) ConsensusConfigHash(ctx context.Context) (consensus.Hash, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/consensus_config_hash", nil)
	if err != nil {
		return consensus.Hash{}, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return consensus.Hash{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return consensus.Hash{}, fmt.Errorf("federation: consensus_config_hash: unexpected status %d", resp.StatusCode)
	}
	var out configHashResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return consensus.Hash{}, err
	}
	raw, err := base64.StdEncoding.DecodeString(out.Hash)
	if err != nil || len(raw) != len(consensus.Hash{}) {
		return consensus.Hash{}, fmt.Errorf("federation: malformed consensus config hash")
	}
	var h consensus.Hash
	copy(h[:], raw)
	return h, nil
}

type signedBlockResponse struct {
	SignedBlock string `json:"signed_block"` // base64 gob encoding of consensus.SignedBlock
}

// AwaitSignedBlock long-polls a peer for SignedBlock[session], the
// AWAIT_SIGNED_BLOCK contract the catch-up fetcher relies on when this node
// has fallen behind. It blocks until the peer has the block, ctx is
// canceled, or the peer's own long-poll timeout elapses (in which case the
// caller is expected to retry).
func (c *Client) AwaitSignedBlock(ctx context.Context, session consensus.SessionIndex) (consensus.SignedBlock, bool, error) {
	url := fmt.Sprintf("%s/api/v1/sessions/%d/signed_block?await=true", c.baseURL, uint64(session))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return consensus.SignedBlock{}, false, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return consensus.SignedBlock{}, false, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var out signedBlockResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return consensus.SignedBlock{}, false, err
		}
		raw, err := base64.StdEncoding.DecodeString(out.SignedBlock)
		if err != nil {
			return consensus.SignedBlock{}, false, err
		}
		var sb consensus.SignedBlock
		if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&sb); err != nil {
			return consensus.SignedBlock{}, false, err
		}
		return sb, true, nil
	case http.StatusRequestTimeout:
		return consensus.SignedBlock{}, false, nil
	default:
		return consensus.SignedBlock{}, false, fmt.Errorf("federation: await_signed_block: unexpected status %d", resp.StatusCode)
	}
}

// TestServer is a minimal in-process peer used by catch-up tests: it
// exposes the exact contract Client speaks against, backed by a real
// store.Database, without any of the session/broadcast machinery around it.
type TestServer struct {
	db       *store.Database
	cfgHash  consensus.Hash
	router   *mux.Router
	pollStep time.Duration
}

func NewTestServer(db *store.Database, cfgHash consensus.Hash) *TestServer {
	s := &TestServer{db: db, cfgHash: cfgHash, router: mux.NewRouter(), pollStep: 20 * time.Millisecond}
	s.router.HandleFunc("/api/v1/consensus_config_hash", s.handleConfigHash).Methods(http.MethodGet)
	s.router.HandleFunc("/api/v1/sessions/{session}/signed_block", s.handleSignedBlock).Methods(http.MethodGet)
	return s
}

// Handler returns the CORS-wrapped http.Handler, the same wiring shape as
// the teacher's Server.Start.
func (s *TestServer) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedMethods: []string{http.MethodGet},
	})
	return c.Handler(s.router)
}

func (s *TestServer) handleConfigHash(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, configHashResponse{Hash: base64.StdEncoding.EncodeToString(s.cfgHash[:])})
}

func (s *TestServer) handleSignedBlock(w http.ResponseWriter, r *http.Request) {
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

func respondJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
