package main

import (
	"context"
	"fmt"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/containerd/log"
	"github.com/moby/nsnet/config"
	"github.com/moby/nsnet/datastore"
	"github.com/moby/nsnet/provision"
	"github.com/moby/nsnet/userns"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

const flagConfigFile = "config"

type cliOptions struct {
	configFile string
	logLevel   string
	netnsDir   string
	dataDir    string
	bridge     string
	bridgeAddr string
	hostAddr   string
	peerAddr   string
	prefixLen  int
	strategy   string
	strict     bool
	slirp      string
	remove     bool
	list       bool
	flags      *pflag.FlagSet
}

func newRootCommand() *cobra.Command {
	return newCommand(&cliOptions{})
}

func newCommand(opts *cliOptions) *cobra.Command {
	defaults := config.New()

	cmd := &cobra.Command{
		Use:   "nsnet [OPTIONS] NAMESPACE",
		Short: "Create a network namespace wired to a host bridge",
		Long: `Create the named network namespace, connect it to a host bridge through a
veth pair, and configure the namespace end of the pair from inside it.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.flags = cmd.Flags()
			return run(cmd, opts, args)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.configFile, flagConfigFile, "", "Configuration file (TOML)")
	flags.StringVarP(&opts.logLevel, "log-level", "l", defaults.LogLevel, `Set the logging level ("debug"|"info"|"warn"|"error"|"fatal")`)
	flags.StringVar(&opts.netnsDir, "netns-dir", defaults.NetnsDir, "Directory holding named network namespaces")
	flags.StringVar(&opts.dataDir, "data-dir", defaults.DataDir, "Directory holding the environment records")
	flags.StringVar(&opts.bridge, "bridge", defaults.Network.Bridge, "Name of the host bridge")
	flags.StringVar(&opts.bridgeAddr, "bridge-addr", defaults.Network.BridgeAddr, "IPv4 address of the host bridge")
	flags.StringVar(&opts.hostAddr, "veth-addr", defaults.Network.HostAddr, "IPv4 address of the host end of the veth pair, used as gateway")
	flags.StringVar(&opts.peerAddr, "peer-addr", defaults.Network.PeerAddr, "IPv4 address of the namespace end of the veth pair")
	flags.IntVar(&opts.prefixLen, "prefix-len", defaults.Network.PrefixLen, "Prefix length of the addresses")
	flags.StringVar(&opts.strategy, "strategy", defaults.Network.Strategy, `Peer configuration strategy ("auto"|"netlink"|"command")`)
	flags.BoolVar(&opts.strict, "strict", defaults.Network.Strict, "Fail on the first topology error instead of logging and continuing")
	flags.StringVar(&opts.slirp, "slirp", defaults.Network.Slirp, `When to connect the namespace to the outside through slirp4netns ("never"|"always"|"auto")`)
	flags.BoolVar(&opts.remove, "rm", false, "Tear down the named environments instead of creating one")
	flags.BoolVar(&opts.list, "list", false, "List recorded environments")

	return cmd
}

// loadConfig builds the configuration from the defaults, the configuration
// file if any, and the flags set on the command line, in that order.
func loadConfig(opts *cliOptions) (*config.Config, error) {
	var cfgOpts []config.Option
	changed := func(name string) bool {
		return opts.flags != nil && opts.flags.Changed(name)
	}
	if changed("log-level") {
		cfgOpts = append(cfgOpts, config.OptionLogLevel(opts.logLevel))
	}
	if changed("netns-dir") {
		cfgOpts = append(cfgOpts, config.OptionNetnsDir(opts.netnsDir))
	}
	if changed("data-dir") {
		cfgOpts = append(cfgOpts, config.OptionDataDir(opts.dataDir))
	}
	if changed("bridge") || changed("bridge-addr") {
		cfgOpts = append(cfgOpts, func(c *config.Config) {
			if changed("bridge") {
				c.Network.Bridge = opts.bridge
			}
			if changed("bridge-addr") {
				c.Network.BridgeAddr = opts.bridgeAddr
			}
		})
	}
	if changed("veth-addr") || changed("peer-addr") || changed("prefix-len") {
		cfgOpts = append(cfgOpts, func(c *config.Config) {
			if changed("veth-addr") {
				c.Network.HostAddr = opts.hostAddr
			}
			if changed("peer-addr") {
				c.Network.PeerAddr = opts.peerAddr
			}
			if changed("prefix-len") {
				c.Network.PrefixLen = opts.prefixLen
			}
		})
	}
	if changed("strategy") {
		cfgOpts = append(cfgOpts, config.OptionStrategy(opts.strategy))
	}
	if changed("strict") {
		cfgOpts = append(cfgOpts, config.OptionStrict(opts.strict))
	}
	if changed("slirp") {
		cfgOpts = append(cfgOpts, config.OptionSlirp(opts.slirp))
	}

	var (
		cfg *config.Config
		err error
	)
	if opts.configFile != "" {
		cfg, err = config.ParseConfig(opts.configFile, cfgOpts...)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = config.New(cfgOpts...)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func configureLogging(cfg *config.Config) error {
	level := cfg.LogLevel
	if cfg.Debug {
		level = "debug"
	}
	if err := log.SetLevel(level); err != nil {
		return fmt.Errorf("unable to parse logging level: %s", level)
	}
	return log.SetFormat(log.TextFormat)
}

func run(cmd *cobra.Command, opts *cliOptions, args []string) error {
	if !opts.list && (len(args) == 0 || (!opts.remove && len(args) != 1)) {
		// A wrong number of arguments is not treated as an error.
		return cmd.Usage()
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	if err := configureLogging(cfg); err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if userns.InUserNamespace() {
		log.G(ctx).Warn("running in a user namespace: sysfs remount and sysctls may fail")
	}

	store, err := datastore.Open(filepath.Join(cfg.DataDir, datastore.FileName))
	if err != nil {
		return err
	}
	defer store.Close()
	p := provision.New(cfg, store)

	switch {
	case opts.list:
		envs, err := p.List(ctx)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "NAME\tBRIDGE\tHOST IFACE\tPEER ADDRESS\tCREATED")
		for _, env := range envs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s/%d\t%s\n", env.Name, env.Bridge, env.HostIface, env.PeerAddr, env.PrefixLen, env.Created.Format(time.RFC3339))
		}
		return w.Flush()
	case opts.remove:
		return p.Teardown(ctx, args...)
	default:
		env, err := p.Provision(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %s/%d via %s (bridge %s)\n", env.Name, env.PeerAddr, env.PrefixLen, env.HostAddr, env.Bridge)
		return nil
	}
}
