package config

import (
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"time"

	"github.com/ghodss/yaml"
	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/afero"

	"github.com/sidkik/peersync/pkg/errors"
)

const (
	// ConfigPath is the default path to the peersync config.
	ConfigPath = "~/.peersync.yaml"

	// InitialConfigVersion is the first version of the config. Config files
	// that don't specify a version default to this version.
	InitialConfigVersion = "1.0"

	// CurrentConfigVersion is the version written by this binary.
	CurrentConfigVersion = "1.0"

	// SupportedConfigVersions is the range of config versions understood by
	// this binary.
	SupportedConfigVersions = ">= 1.0, < 2.0"
)

// Duration is a time.Duration that's written in config files as a string
// such as "5s".
type Duration struct {
	time.Duration
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(d.String())), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	str, err := strconv.Unquote(string(b))
	if err != nil {
		return errors.New(fmt.Sprintf("duration must be a string, got %s", b))
	}

	d.Duration, err = time.ParseDuration(str)
	return err
}

// Node contains the configuration for a peer and for the rendezvous service.
type Node struct {
	Version string `json:"version,omitempty"`

	// Name identifies the peer to the rendezvous service and to other peers.
	// A name is generated if it's empty.
	Name string `json:"name,omitempty"`

	// SyncRoot is the directory that's replicated. It defaults to a directory
	// derived from the peer's name.
	SyncRoot string `json:"syncRoot,omitempty"`

	RendezvousHost string `json:"rendezvousHost"`
	RendezvousPort int    `json:"rendezvousPort"`

	// DataPort is the port that the peer listens for other peers on. 0 picks
	// an ephemeral port.
	DataPort int `json:"dataPort"`

	// AdvertiseHost is the address other peers should use to reach this
	// peer. If it's empty, the rendezvous service uses the address that the
	// peer connected from.
	AdvertiseHost string `json:"advertiseHost,omitempty"`

	HeartbeatInterval Duration `json:"heartbeatInterval"`
	SuppressionGuard  Duration `json:"suppressionGuard"`
	ConnectTimeout    Duration `json:"connectTimeout"`
	ChunkTimeout      Duration `json:"chunkTimeout"`
	MaxConnections    int      `json:"maxConnections"`

	// RendezvousListen and PeerTTL are only used by the rendezvous service.
	RendezvousListen string   `json:"rendezvousListen"`
	PeerTTL          Duration `json:"peerTTL"`
}

func (cfg Node) getVersion() string {
	return cfg.Version
}

// Default returns the configuration used when there's no config file.
func Default() Node {
	return Node{
		Version:           CurrentConfigVersion,
		RendezvousHost:    "127.0.0.1",
		RendezvousPort:    13000,
		DataPort:          0,
		HeartbeatInterval: Duration{5 * time.Second},
		SuppressionGuard:  Duration{500 * time.Millisecond},
		ConnectTimeout:    Duration{2 * time.Second},
		ChunkTimeout:      Duration{30 * time.Second},
		MaxConnections:    64,
		RendezvousListen:  "0.0.0.0:13000",
	}
}

// RendezvousAddress returns the address peers register with.
func (cfg Node) RendezvousAddress() string {
	return net.JoinHostPort(cfg.RendezvousHost, strconv.Itoa(cfg.RendezvousPort))
}

// SetRendezvousAddress sets the rendezvous host and port from a "host:port"
// string.
func (cfg *Node) SetRendezvousAddress(address string) error {
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return errors.WithContext(err, "parse rendezvous address")
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return errors.WithContext(err, "parse rendezvous port")
	}

	cfg.RendezvousHost = host
	cfg.RendezvousPort = port
	return nil
}

// Validate returns a friendly error describing the first invalid field.
func (cfg Node) Validate() error {
	invalid := func(field, reason string) error {
		return errors.NewFriendlyError("Invalid configuration: %s %s.", field, reason)
	}

	switch {
	case cfg.RendezvousHost == "":
		return invalid("rendezvousHost", "is required")
	case cfg.RendezvousPort <= 0 || cfg.RendezvousPort > 65535:
		return invalid("rendezvousPort", "must be between 1 and 65535")
	case cfg.DataPort < 0 || cfg.DataPort > 65535:
		return invalid("dataPort", "must be between 0 and 65535")
	case cfg.HeartbeatInterval.Duration <= 0:
		return invalid("heartbeatInterval", "must be positive")
	case cfg.SuppressionGuard.Duration < 0:
		return invalid("suppressionGuard", "must not be negative")
	case cfg.ConnectTimeout.Duration <= 0:
		return invalid("connectTimeout", "must be positive")
	case cfg.ChunkTimeout.Duration <= 0:
		return invalid("chunkTimeout", "must be positive")
	case cfg.MaxConnections <= 0:
		return invalid("maxConnections", "must be positive")
	case cfg.PeerTTL.Duration < 0:
		return invalid("peerTTL", "must not be negative")
	}
	return nil
}

// homedirExpand will be overridden in mock tests
var homedirExpand = homedir.Expand

// Parse reads the config at `path`, or at the default path if `path` is
// empty. Fields missing from the file keep their defaults, and a missing file
// yields the default config.
func Parse(path string) (Node, error) {
	path, err := expandPath(path)
	if err != nil {
		return Node{}, errors.WithContext(err, "expand config path")
	}

	config := Default()
	config.Version = InitialConfigVersion
	if err := parseConfig(path, &config, SupportedConfigVersions); err != nil {
		if _, ok := err.(errors.FileNotFound); ok {
			return Default(), nil
		}
		return Node{}, errors.WithContext(err, "parse")
	}

	config.SyncRoot, err = homedir.Expand(config.SyncRoot)
	if err != nil {
		return Node{}, errors.WithContext(err, "expand sync root")
	}

	// Evaluate relative paths relative to the config path.
	if config.SyncRoot != "" && !filepath.IsAbs(config.SyncRoot) {
		config.SyncRoot = filepath.Join(filepath.Dir(path), config.SyncRoot)
	}
	return config, nil
}

// Write writes the given config to `path`, or to the default path if `path`
// is empty.
func Write(path string, cfg Node) error {
	cfg.Version = CurrentConfigVersion
	path, err := expandPath(path)
	if err != nil {
		return errors.WithContext(err, "expand config path")
	}

	yamlBytes, err := yaml.Marshal(cfg)
	if err != nil {
		return errors.WithContext(err, "marshal")
	}

	if err := afero.WriteFile(fs, path, yamlBytes, 0644); err != nil {
		return errors.WithContext(err, "write")
	}
	return nil
}

// GetConfigPath returns the path to the default config. This path is
// expanded, so it can be directly passed to file operations.
func GetConfigPath() (string, error) {
	return homedirExpand(ConfigPath)
}

func expandPath(path string) (string, error) {
	if path == "" {
		return GetConfigPath()
	}
	return homedirExpand(path)
}
