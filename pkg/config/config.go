// Package config loads a guardian's configuration the way the teacher's
// params.LoadFromEnv does: defaults, then an optional .env file via
// github.com/joho/godotenv, then environment variable overrides. It shapes
// already-distributed key material and peer addresses into a Config;
// provisioning that material (DKG ceremonies, certificate distribution) is
// an out-of-scope collaborator per spec §1.
package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"github.com/fedimint-go/guardian/pkg/consensus"
	"github.com/fedimint-go/guardian/pkg/keychain"
)

// Peer is one federation member's identity and network address, the local
// shape of consensus.api_endpoints / network_config().
type Peer struct {
	Id          consensus.PeerId
	ApiEndpoint string // e.g. "https://guardian2.example.org:8080"
	P2PAddr     string // libp2p multiaddr
}

// ModuleConfig is one entry of consensus.modules: which module
// implementation to instantiate at a given instance id.
type ModuleConfig struct {
	InstanceID uint16
	Kind       string
}

// Config is everything a guardian needs to join a running federation,
// corresponding to spec §6's "Configuration recognized" list.
type Config struct {
	// local.identity
	Self consensus.PeerId

	// consensus.broadcast_public_keys / private.broadcast_secret_key
	BroadcastPublicKeys map[consensus.PeerId]*keychain.PublicKey
	BroadcastSecretKey  *keychain.PrivateKey

	// consensus.auth_pk_set / private.auth_sks (client-config signing key
	// shares; realized with the same threshold scheme as the broadcast keys)
	AuthPublicKeys map[consensus.PeerId]*keychain.PublicKey
	AuthSecretKey  *keychain.PrivateKey

	// consensus.api_endpoints / network_config()
	Peers []Peer

	// consensus.modules
	Modules []ModuleConfig

	DataDir    string
	SingleNode bool
}

// Peer returns the Peer entry for id, if present in Peers.
func (c Config) Peer(id consensus.PeerId) (Peer, bool) {
	for _, p := range c.Peers {
		if p.Id == id {
			return p, true
		}
	}
	return Peer{}, false
}

// PeerIds returns every configured peer id, ascending.
func (c Config) PeerIds() []consensus.PeerId {
	ids := make([]consensus.PeerId, 0, len(c.Peers))
	for _, p := range c.Peers {
		ids = append(ids, p.Id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Load reads configuration the way params.LoadFromEnv does: an optional
// .env file at envPath (or the current directory's .env if envPath is
// empty) is loaded first, then environment variables override it. Unlike
// params.LoadFromEnv, there is no in-code default federation — broadcast
// and auth key material must come from the environment, since a guardian
// with no key material can't safely do anything.
func Load(envPath string) (Config, error) {
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	selfRaw := os.Getenv("GUARDIAN_SELF_ID")
	if selfRaw == "" {
		return Config{}, fmt.Errorf("config: GUARDIAN_SELF_ID is required")
	}
	selfID, err := strconv.ParseUint(selfRaw, 10, 16)
	if err != nil {
		return Config{}, fmt.Errorf("config: GUARDIAN_SELF_ID: %w", err)
	}

	dataDir := getEnv("GUARDIAN_DATA_DIR", "./data")
	singleNode := getEnv("GUARDIAN_SINGLE_NODE", "false") == "true"

	peers, err := parsePeers(os.Getenv("GUARDIAN_PEERS"))
	if err != nil {
		return Config{}, fmt.Errorf("config: GUARDIAN_PEERS: %w", err)
	}

	modules, err := parseModules(os.Getenv("GUARDIAN_MODULES"))
	if err != nil {
		return Config{}, fmt.Errorf("config: GUARDIAN_MODULES: %w", err)
	}

	cfg := Config{
		Self:       consensus.PeerId(selfID),
		Peers:      peers,
		Modules:    modules,
		DataDir:    dataDir,
		SingleNode: singleNode,
	}

	// Devnet/test key provisioning: a deterministic keypair per peer derived
	// from GUARDIAN_DEV_SEED_PREFIX, so a local federation can be brought up
	// from nothing but shared config. Real DKG-issued key material is an
	// out-of-scope collaborator (spec §1); this path only exists so
	// single-process devnets and tests don't need one.
	if seedPrefix := os.Getenv("GUARDIAN_DEV_SEED_PREFIX"); seedPrefix != "" {
		cfg.BroadcastPublicKeys = map[consensus.PeerId]*keychain.PublicKey{}
		cfg.AuthPublicKeys = map[consensus.PeerId]*keychain.PublicKey{}
		for _, p := range peers {
			bsk, bpk := keychain.GenerateForTest([]byte(fmt.Sprintf("%s-broadcast-%d", seedPrefix, p.Id)))
			cfg.BroadcastPublicKeys[p.Id] = bpk
			if p.Id == cfg.Self {
				cfg.BroadcastSecretKey = bsk
			}
			ask, apk := keychain.GenerateForTest([]byte(fmt.Sprintf("%s-auth-%d", seedPrefix, p.Id)))
			cfg.AuthPublicKeys[p.Id] = apk
			if p.Id == cfg.Self {
				cfg.AuthSecretKey = ask
			}
		}
	}

	return cfg, nil
}

// parsePeers decodes "id@apiEndpoint@p2pAddr,id@apiEndpoint@p2pAddr,...".
func parsePeers(raw string) ([]Peer, error) {
	if raw == "" {
		return nil, nil
	}
	var out []Peer
	for _, entry := range strings.Split(raw, ",") {
		fields := strings.Split(entry, "@")
		if len(fields) != 3 {
			return nil, fmt.Errorf("malformed peer entry %q, want id@apiEndpoint@p2pAddr", entry)
		}
		id, err := strconv.ParseUint(fields[0], 10, 16)
		if err != nil {
			return nil, fmt.Errorf("peer id in %q: %w", entry, err)
		}
		out = append(out, Peer{Id: consensus.PeerId(id), ApiEndpoint: fields[1], P2PAddr: fields[2]})
	}
	return out, nil
}

// parseModules decodes "instanceID:kind,instanceID:kind,...".
func parseModules(raw string) ([]ModuleConfig, error) {
	if raw == "" {
		return nil, nil
	}
	var out []ModuleConfig
	for _, entry := range strings.Split(raw, ",") {
		fields := strings.Split(entry, ":")
		if len(fields) != 2 {
			return nil, fmt.Errorf("malformed module entry %q, want instanceID:kind", entry)
		}
		id, err := strconv.ParseUint(fields[0], 10, 16)
		if err != nil {
			return nil, fmt.Errorf("module instance id in %q: %w", entry, err)
		}
		out = append(out, ModuleConfig{InstanceID: uint16(id), Kind: fields[1]})
	}
	return out, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
