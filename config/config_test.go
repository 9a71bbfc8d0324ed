package config

import (
	"os"
	"path/filepath"
	"testing"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/moby/nsnet/topology"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

func TestDefaults(t *testing.T) {
	c := New()
	assert.Check(t, is.Equal(c.NetnsDir, DefaultNetnsDir))
	assert.Check(t, is.Equal(c.Network.PrefixLen, 24))
	assert.Check(t, is.Equal(c.Network.Strategy, topology.StrategyAuto))
	assert.Check(t, is.Equal(c.Network.Slirp, SlirpNever))
	assert.NilError(t, c.Validate())
}

func TestOptions(t *testing.T) {
	c := New(
		OptionNetnsDir(" /tmp/netns "),
		OptionBridge("br-test", "192.168.5.1"),
		OptionAddresses("192.168.5.2", "192.168.5.3", 28),
		OptionStrategy("NETLINK"),
		OptionStrict(true),
		OptionSlirp(" Auto"),
		nil,
	)
	assert.Check(t, is.Equal(c.NetnsDir, "/tmp/netns"))
	assert.Check(t, is.Equal(c.Network.Bridge, "br-test"))
	assert.Check(t, is.Equal(c.Network.PeerAddr, "192.168.5.3"))
	assert.Check(t, is.Equal(c.Network.PrefixLen, 28))
	assert.Check(t, is.Equal(c.Network.Strategy, topology.StrategyNetlink))
	assert.Check(t, is.Equal(c.Network.Slirp, SlirpAuto))
	assert.Check(t, c.Network.Strict)
	assert.NilError(t, c.Validate())
}

func TestParseConfig(t *testing.T) {
	cfgFile := filepath.Join(t.TempDir(), "nsnet.toml")
	err := os.WriteFile(cfgFile, []byte(`
log-level = "debug"
netns-dir = "/var/run/netns"

[Network]
bridge = "br1"
peer-addr = "10.1.0.2"
strategy = "command"
slirp = "always"
`), 0o644)
	assert.NilError(t, err)

	c, err := ParseConfig(cfgFile, OptionDataDir("/tmp/data"))
	assert.NilError(t, err)
	assert.Check(t, is.Equal(c.LogLevel, "debug"))
	assert.Check(t, is.Equal(c.NetnsDir, LegacyNetnsDir))
	assert.Check(t, is.Equal(c.DataDir, "/tmp/data"))
	assert.Check(t, is.Equal(c.Network.Bridge, "br1"))
	assert.Check(t, is.Equal(c.Network.PeerAddr, "10.1.0.2"))
	// Untouched keys keep their default.
	assert.Check(t, is.Equal(c.Network.HostAddr, DefaultHostAddr))
	assert.Check(t, is.Equal(c.Network.Strategy, topology.StrategyCommand))
	assert.Check(t, is.Equal(c.Network.Slirp, SlirpAlways))
}

func TestParseConfigInvalid(t *testing.T) {
	cfgFile := filepath.Join(t.TempDir(), "nsnet.toml")
	assert.NilError(t, os.WriteFile(cfgFile, []byte("netns-dir = [\n"), 0o644))
	_, err := ParseConfig(cfgFile)
	assert.Check(t, is.ErrorType(err, cerrdefs.IsInvalidArgument))

	_, err = ParseConfig(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Check(t, is.ErrorIs(err, os.ErrNotExist))
}

func TestValidate(t *testing.T) {
	for _, tc := range []struct {
		name string
		opt  Option
	}{
		{"prefix too small", OptionAddresses(DefaultHostAddr, DefaultPeerAddr, 0)},
		{"prefix too large", OptionAddresses(DefaultHostAddr, DefaultPeerAddr, 33)},
		{"bad peer", OptionAddresses(DefaultHostAddr, "10.0.0", 24)},
		{"ipv6 host", OptionAddresses("fd00::1", DefaultPeerAddr, 24)},
		{"bad strategy", OptionStrategy("carrier-pigeon")},
		{"bad slirp mode", OptionSlirp("sometimes")},
		{"empty netns dir", OptionNetnsDir("")},
	} {
		t.Run(tc.name, func(t *testing.T) {
			err := New(tc.opt).Validate()
			assert.Check(t, is.ErrorType(err, cerrdefs.IsInvalidArgument))
		})
	}
}
