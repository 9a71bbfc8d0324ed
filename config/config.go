// Package config holds the nsnet configuration.
package config

import (
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/containerd/log"
	"github.com/moby/nsnet/errdefs"
	"github.com/moby/nsnet/topology"
	"github.com/pelletier/go-toml"
)

const (
	// DefaultNetnsDir is where named network namespaces are bind-mounted.
	DefaultNetnsDir = "/run/netns"
	// LegacyNetnsDir is the historical alias of DefaultNetnsDir.
	LegacyNetnsDir = "/var/run/netns"
	// DefaultDataDir holds the environment database.
	DefaultDataDir = "/var/lib/nsnet"

	DefaultBridgeName = "nsbr0"
	DefaultBridgeAddr = "10.0.0.254"
	DefaultHostAddr   = "10.0.0.1"
	DefaultPeerAddr   = "10.0.0.2"
	DefaultPrefixLen  = 24
)

// Slirp modes, deciding when slirp4netns gives an environment its own
// route to the outside.
const (
	SlirpNever  = "never"
	SlirpAlways = "always"
	// SlirpAuto runs slirp4netns when running under RootlessKit.
	SlirpAuto = "auto"
)

// Config encapsulates the configuration of the nsnet components.
type Config struct {
	Debug    bool   `toml:"debug"`
	LogLevel string `toml:"log-level"`
	NetnsDir string `toml:"netns-dir"`
	DataDir  string `toml:"data-dir"`
	Network  NetworkCfg
}

// NetworkCfg describes the topology built for every environment.
type NetworkCfg struct {
	Bridge     string `toml:"bridge"`
	BridgeAddr string `toml:"bridge-addr"`
	HostAddr   string `toml:"host-addr"`
	PeerAddr   string `toml:"peer-addr"`
	PrefixLen  int    `toml:"prefix-len"`
	// Strategy selects how the peer interface is configured from inside
	// the namespace: "netlink", "command" or "auto".
	Strategy string `toml:"strategy"`
	// Strict makes topology setup fail on the first error and remove the
	// device it was configuring, instead of logging and continuing.
	Strict bool `toml:"strict"`
	// EnableIPForward turns on net.ipv4.ip_forward when a bridge is created.
	EnableIPForward bool `toml:"enable-ip-forward"`
	// Slirp decides when slirp4netns is started for the namespace: "never",
	// "always" or "auto".
	Slirp string `toml:"slirp"`
	// SlirpBinary is the slirp4netns executable, looked up in PATH if empty.
	SlirpBinary string `toml:"slirp-binary"`
}

// New returns a Config populated with defaults, after applying opts.
func New(opts ...Option) *Config {
	cfg := &Config{
		LogLevel: "info",
		NetnsDir: DefaultNetnsDir,
		DataDir:  DefaultDataDir,
		Network: NetworkCfg{
			Bridge:          DefaultBridgeName,
			BridgeAddr:      DefaultBridgeAddr,
			HostAddr:        DefaultHostAddr,
			PeerAddr:        DefaultPeerAddr,
			PrefixLen:       DefaultPrefixLen,
			Strategy:        topology.StrategyAuto,
			Slirp:           SlirpNever,
			EnableIPForward: true,
		},
	}
	cfg.ProcessOptions(opts...)
	return cfg
}

// ParseConfig parses a TOML configuration file on top of the defaults.
func ParseConfig(tomlCfgFile string, opts ...Option) (*Config, error) {
	cfg := New()
	data, err := os.ReadFile(tomlCfgFile)
	if err != nil {
		return nil, err
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, errdefs.InvalidParameter(fmt.Errorf("invalid configuration file %s: %w", tomlCfgFile, err))
	}
	cfg.ProcessOptions(opts...)
	return cfg, nil
}

// Option is an option setter function type used to pass various
// configurations to the components.
type Option func(c *Config)

// ProcessOptions processes options and stores it in config.
func (c *Config) ProcessOptions(options ...Option) {
	for _, opt := range options {
		if opt != nil {
			opt(c)
		}
	}
}

// OptionNetnsDir returns an option setter for the namespace directory.
func OptionNetnsDir(dir string) Option {
	return func(c *Config) {
		log.L.Debugf("Option NetnsDir: %s", dir)
		c.NetnsDir = strings.TrimSpace(dir)
	}
}

// OptionDataDir returns an option setter for the data directory.
func OptionDataDir(dir string) Option {
	return func(c *Config) {
		log.L.Debugf("Option DataDir: %s", dir)
		c.DataDir = strings.TrimSpace(dir)
	}
}

// OptionBridge returns an option setter for the bridge name and address.
func OptionBridge(name, addr string) Option {
	return func(c *Config) {
		log.L.Debugf("Option Bridge: %s %s", name, addr)
		c.Network.Bridge = strings.TrimSpace(name)
		c.Network.BridgeAddr = strings.TrimSpace(addr)
	}
}

// OptionAddresses returns an option setter for the veth addresses.
func OptionAddresses(hostAddr, peerAddr string, prefixLen int) Option {
	return func(c *Config) {
		log.L.Debugf("Option Addresses: %s %s/%d", hostAddr, peerAddr, prefixLen)
		c.Network.HostAddr = strings.TrimSpace(hostAddr)
		c.Network.PeerAddr = strings.TrimSpace(peerAddr)
		c.Network.PrefixLen = prefixLen
	}
}

// OptionStrategy returns an option setter for the peer configuration strategy.
func OptionStrategy(strategy string) Option {
	return func(c *Config) {
		c.Network.Strategy = strings.ToLower(strings.TrimSpace(strategy))
	}
}

// OptionStrict returns an option setter for the strict topology policy.
func OptionStrict(strict bool) Option {
	return func(c *Config) {
		c.Network.Strict = strict
	}
}

// OptionSlirp returns an option setter for the slirp mode.
func OptionSlirp(mode string) Option {
	return func(c *Config) {
		c.Network.Slirp = strings.ToLower(strings.TrimSpace(mode))
	}
}

// OptionLogLevel returns an option setter for the log level.
func OptionLogLevel(level string) Option {
	return func(c *Config) {
		c.LogLevel = level
	}
}

// Validate checks that the configuration can be used to build an environment.
func (c *Config) Validate() error {
	if c.NetnsDir == "" {
		return errdefs.InvalidParameter(fmt.Errorf("netns-dir must not be empty"))
	}
	if c.DataDir == "" {
		return errdefs.InvalidParameter(fmt.Errorf("data-dir must not be empty"))
	}
	n := c.Network
	if n.PrefixLen < 1 || n.PrefixLen > 32 {
		return errdefs.InvalidParameter(fmt.Errorf("invalid prefix length %d", n.PrefixLen))
	}
	for name, addr := range map[string]string{
		"bridge-addr": n.BridgeAddr,
		"host-addr":   n.HostAddr,
		"peer-addr":   n.PeerAddr,
	} {
		if ip := net.ParseIP(addr); ip == nil || ip.To4() == nil {
			return errdefs.InvalidParameter(fmt.Errorf("%s: invalid IPv4 address %q", name, addr))
		}
	}
	switch n.Strategy {
	case topology.StrategyAuto, topology.StrategyNetlink, topology.StrategyCommand:
	default:
		return errdefs.InvalidParameter(fmt.Errorf("unknown peer configuration strategy %q", n.Strategy))
	}
	switch n.Slirp {
	case SlirpNever, SlirpAlways, SlirpAuto:
	default:
		return errdefs.InvalidParameter(fmt.Errorf("unknown slirp mode %q", n.Slirp))
	}
	return nil
}
