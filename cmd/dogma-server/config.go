package main

import (
	"fmt"
	"net"
	"os"
	"time"

	"sigs.k8s.io/yaml"

	"github.com/dogma-io/dogma/internal/replication"
)

// Replication methods.
const (
	methodNone   = "NONE"
	methodQuorum = "QUORUM"
)

// Config is the server configuration, loadable from a YAML file and
// overridable by flags and DOGMA_* environment variables.
type Config struct {
	// ListenAddr serves the admin API and metrics.
	ListenAddr string `json:"listenAddr,omitempty"`
	// PeerAddr serves the replication endpoints to other replicas. It is
	// only bound when replication is enabled.
	PeerAddr string `json:"peerAddr,omitempty"`

	DataDir  string `json:"dataDir,omitempty"`
	LogLevel string `json:"logLevel,omitempty"`

	DB struct {
		Driver string `json:"driver,omitempty"`
		DSN    string `json:"dsn,omitempty"`
	} `json:"db,omitempty"`

	// Administrators lists usernames whose sessions carry admin rights.
	Administrators []string `json:"administrators,omitempty"`

	SessionTTLMillis int64 `json:"sessionTimeoutMillis,omitempty"`
	NumWorkers       int   `json:"numWorkers,omitempty"`

	// MaxRemovedRepositoryAgeMillis controls the purge sweeper; 0 disables
	// purging entirely.
	MaxRemovedRepositoryAgeMillis int64 `json:"maxRemovedRepositoryAgeMillis,omitempty"`

	Replication ReplicationConfig `json:"replication,omitempty"`
}

// ReplicationConfig configures the quorum cluster.
type ReplicationConfig struct {
	Method string `json:"method,omitempty"`

	// ServerID names this replica in Servers. Empty means auto-detect by
	// matching local interface addresses against the server hosts.
	ServerID string `json:"serverId,omitempty"`

	Secret  string                   `json:"secret,omitempty"`
	Servers map[string]ReplicaConfig `json:"servers,omitempty"`

	TimeoutMillis   int64 `json:"timeoutMillis,omitempty"`
	MaxLogCount     int   `json:"maxLogCount,omitempty"`
	MinLogAgeMillis int64 `json:"minLogAgeMillis,omitempty"`
}

// ReplicaConfig is one replica in the cluster.
type ReplicaConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	Zone string `json:"zone,omitempty"`
}

func defaultConfig() *Config {
	cfg := &Config{
		ListenAddr:                    ":36462",
		PeerAddr:                      ":36463",
		DataDir:                       "./data",
		LogLevel:                      "info",
		SessionTTLMillis:              int64(8 * time.Hour / time.Millisecond),
		NumWorkers:                    16,
		MaxRemovedRepositoryAgeMillis: int64(7 * 24 * time.Hour / time.Millisecond),
	}
	cfg.DB.Driver = "sqlite"
	cfg.DB.DSN = "./data/dogma.db"
	cfg.Replication = ReplicationConfig{
		Method:          methodNone,
		TimeoutMillis:   1000,
		MaxLogCount:     1024,
		MinLogAgeMillis: int64(24 * time.Hour / time.Millisecond),
	}
	return cfg
}

// loadConfig reads the YAML file over the defaults. An empty path keeps the
// defaults.
func loadConfig(path string) (*Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.UnmarshalStrict(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Replication.Method {
	case methodNone:
		return nil
	case methodQuorum:
	default:
		return fmt.Errorf("replication.method must be %s or %s, got %q", methodNone, methodQuorum, c.Replication.Method)
	}
	if len(c.Replication.Servers) == 0 {
		return fmt.Errorf("replication.method is %s but replication.servers is empty", methodQuorum)
	}
	if c.Replication.Secret == "" {
		return fmt.Errorf("replication.secret is required with method %s", methodQuorum)
	}
	return nil
}

// resolveServerID returns the configured replica ID, auto-detecting it from
// local interface addresses when unset. Ambiguity is fatal: a replica that
// guesses wrong would vote and ack under another replica's identity.
func (c *ReplicationConfig) resolveServerID() (string, error) {
	if c.ServerID != "" {
		if _, ok := c.Servers[c.ServerID]; !ok {
			return "", fmt.Errorf("replication.serverId %q is not in replication.servers", c.ServerID)
		}
		return c.ServerID, nil
	}
	local, err := localAddresses()
	if err != nil {
		return "", err
	}
	var matches []string
	for id, s := range c.Servers {
		if local[s.Host] {
			matches = append(matches, id)
		}
	}
	switch len(matches) {
	case 1:
		return matches[0], nil
	case 0:
		return "", fmt.Errorf("no replication.servers entry matches a local address; set replication.serverId")
	default:
		return "", fmt.Errorf("%d replication.servers entries match local addresses; set replication.serverId", len(matches))
	}
}

func localAddresses() (map[string]bool, error) {
	out := map[string]bool{}
	if hostname, err := os.Hostname(); err == nil {
		out[hostname] = true
	}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, fmt.Errorf("list interface addresses: %w", err)
	}
	for _, a := range addrs {
		if ipn, ok := a.(*net.IPNet); ok {
			out[ipn.IP.String()] = true
		}
	}
	return out, nil
}

// peers converts the config into the cluster's peer map.
func (c *ReplicationConfig) peers() map[string]replication.Peer {
	out := make(map[string]replication.Peer, len(c.Servers))
	for id, s := range c.Servers {
		out[id] = replication.Peer{Host: s.Host, Port: s.Port, Zone: s.Zone}
	}
	return out
}
