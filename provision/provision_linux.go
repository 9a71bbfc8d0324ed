// Package provision sets up and tears down isolated network environments:
// a named network namespace connected to a host bridge through a veth
// pair, with its end of the pair configured from inside the namespace.
package provision

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/containerd/log"
	"github.com/moby/nsnet/config"
	"github.com/moby/nsnet/datastore"
	"github.com/moby/nsnet/errdefs"
	"github.com/moby/nsnet/internal/rootless"
	"github.com/moby/nsnet/kernel"
	"github.com/moby/nsnet/namespace"
	"github.com/moby/nsnet/nsexec"
	"github.com/moby/nsnet/topology"
	"github.com/moby/nsnet/userns"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
)

// Provisioner builds environments following a [config.Config].
type Provisioner struct {
	cfg        *config.Config
	store      *datastore.Store
	namespaces *namespace.Manager
	builder    *topology.Builder
	runner     *nsexec.Runner
	knobs      kernel.Knobs
	slirp      *topology.Slirp
	checkCaps  func() error
	// rootlessDriver reports the RootlessKit network driver, if running
	// under RootlessKit.
	rootlessDriver func(context.Context) (string, bool, error)
}

// New returns a Provisioner. store may be nil, in which case nothing is
// recorded.
func New(cfg *config.Config, store *datastore.Store) *Provisioner {
	namespaces := namespace.NewManager(cfg.NetnsDir)
	return &Provisioner{
		cfg:        cfg,
		store:      store,
		namespaces: namespaces,
		builder:    topology.New(topology.WithStrict(cfg.Network.Strict)),
		runner: &nsexec.Runner{
			Namespaces: namespaces,
			Strategy:   cfg.Network.Strategy,
			PrefixLen:  cfg.Network.PrefixLen,
		},
		knobs:          kernel.Default,
		slirp:          &topology.Slirp{Binary: cfg.Network.SlirpBinary},
		checkCaps:      namespace.CheckCapabilities,
		rootlessDriver: rootlessKitDriver,
	}
}

func rootlessKitDriver(ctx context.Context) (string, bool, error) {
	if !rootless.RunningWithRootlessKit() {
		return "", false, nil
	}
	driver, err := rootless.NetworkDriver(ctx)
	return driver, true, err
}

// Provision creates the environment called name: the namespace, the host
// bridge if missing, and the veth pair name/name_peer whose host end is
// attached to the bridge and whose peer end is moved into the namespace
// and configured there. With slirp enabled, the namespace reaches the
// outside through slirp4netns instead of a default route via the host end.
// On failure, whatever was created is removed again.
func (p *Provisioner) Provision(ctx context.Context, name string) (_ *datastore.Environment, retErr error) {
	ctx, span := otel.Tracer("").Start(ctx, "provision.Provision")
	span.SetAttributes(attribute.String("netns", name))
	defer func() {
		if retErr != nil {
			span.RecordError(retErr)
			span.SetStatus(codes.Error, retErr.Error())
		}
		span.End()
	}()
	ctx = log.WithLogger(ctx, log.G(ctx).WithField("netns", name))

	if err := p.checkCaps(); err != nil {
		return nil, err
	}
	if err := topology.ValidateIfaceName(name + topology.PeerSuffix); err != nil {
		return nil, err
	}
	nw := p.cfg.Network

	useSlirp := p.slirpEnabled(ctx)
	gateway := nw.HostAddr
	if useSlirp {
		gateway = ""
	}

	if _, err := p.namespaces.Create(ctx, name); err != nil {
		return nil, err
	}
	var (
		vethCreated bool
		slirpPID    int
	)
	defer func() {
		if retErr == nil {
			return
		}
		var errs []error
		if slirpPID > 0 {
			errs = append(errs, p.slirp.Stop(ctx, slirpPID))
		}
		if vethCreated {
			errs = append(errs, p.deleteHostIface(ctx, name))
		}
		errs = append(errs, p.removeNamespace(ctx, name))
		if err := errors.Join(errs...); err != nil {
			log.G(ctx).WithError(err).Warn("failed to clean up after failed provisioning")
		}
	}()

	br, err := p.ensureBridge(ctx)
	if err != nil {
		return nil, err
	}
	pair, err := p.builder.CreateVethPair(ctx, name, nw.HostAddr, nw.PeerAddr, nw.PrefixLen)
	if err != nil {
		return nil, err
	}
	vethCreated = true
	if err := p.builder.AttachToBridge(ctx, pair.HostIndex, br.Index); err != nil {
		return nil, err
	}
	if err := p.movePeer(ctx, name, pair.PeerIndex); err != nil {
		return nil, err
	}
	if err := p.runner.RunInNamespace(ctx, name, gateway, nw.PeerAddr); err != nil {
		return nil, err
	}
	if useSlirp {
		s := *p.slirp
		s.LogPath = p.slirpLogPath(name)
		if slirpPID, err = s.Start(ctx, topology.PathTarget(p.namespaces.Path(name))); err != nil {
			return nil, err
		}
	}

	env := &datastore.Environment{
		Name:      name,
		Bridge:    nw.Bridge,
		HostIface: pair.HostName,
		PeerIface: pair.PeerName,
		HostAddr:  nw.HostAddr,
		PeerAddr:  nw.PeerAddr,
		PrefixLen: nw.PrefixLen,
		SlirpPID:  slirpPID,
		Created:   time.Now().UTC(),
	}
	if p.store != nil {
		if err := p.store.Put(*env); err != nil {
			return nil, err
		}
	}
	log.G(ctx).WithFields(log.Fields{"veth": pair.HostName, "peer": pair.PeerName, "bridge": nw.Bridge}).Info("provisioned environment")
	return env, nil
}

// ensureBridge returns the configured bridge, creating it if it does not
// exist yet.
func (p *Provisioner) ensureBridge(ctx context.Context) (topology.Bridge, error) {
	nw := p.cfg.Network
	idx, err := p.builder.LinkIndex(ctx, nw.Bridge)
	if err == nil {
		return topology.Bridge{Name: nw.Bridge, Index: idx}, nil
	}
	if !cerrdefs.IsNotFound(err) {
		return topology.Bridge{}, err
	}
	idx, err = p.builder.CreateBridge(ctx, nw.Bridge, nw.BridgeAddr, nw.PrefixLen)
	if err != nil {
		return topology.Bridge{}, err
	}
	if nw.EnableIPForward {
		if userns.InUserNamespace() {
			log.G(ctx).Debug("running in a user namespace, not enabling IP forwarding")
		} else {
			if err := p.knobs.EnableIPForward(ctx); err != nil {
				log.G(ctx).WithError(err).Warn("failed to enable IP forwarding")
			}
		}
	}
	return topology.Bridge{Name: nw.Bridge, Index: idx}, nil
}

func (p *Provisioner) movePeer(ctx context.Context, name string, peerIndex int) error {
	h, err := p.namespaces.Open(name)
	if err != nil {
		return err
	}
	defer h.Close()
	return p.builder.MoveToNamespace(ctx, peerIndex, topology.FDTarget(h.Fd()))
}

// Teardown removes the environments called names. Pieces already gone
// are ignored. slirp4netns processes and host interfaces are removed one
// after the other from the calling goroutine; namespaces and records are
// removed concurrently. Every failure is reported.
func (p *Provisioner) Teardown(ctx context.Context, names ...string) error {
	ctx, span := otel.Tracer("").Start(ctx, "provision.Teardown")
	defer span.End()

	var errs []error
	for _, name := range names {
		if err := p.stopSlirp(ctx, name); err != nil {
			errs = append(errs, err)
		}
		if err := p.deleteHostIface(ctx, name); err != nil {
			errs = append(errs, err)
		}
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(4)
	for _, name := range names {
		g.Go(func() error {
			if err := p.removeNamespace(ctx, name); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	if err := errors.Join(errs...); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

// slirpEnabled tells whether slirp4netns serves new environments.
func (p *Provisioner) slirpEnabled(ctx context.Context) bool {
	switch p.cfg.Network.Slirp {
	case config.SlirpAlways:
		return true
	case config.SlirpAuto:
		driver, ok, err := p.rootlessDriver(ctx)
		if !ok {
			return false
		}
		if err != nil {
			log.G(ctx).WithError(err).Warn("cannot query the RootlessKit network driver, starting slirp4netns")
			return true
		}
		log.G(ctx).WithField("driver", driver).Debug("running under RootlessKit")
		// RootlessKit without a network driver shares the host network.
		return driver != ""
	default:
		return false
	}
}

func (p *Provisioner) slirpLogPath(name string) string {
	return filepath.Join(p.cfg.DataDir, "slirp", name+".log")
}

// stopSlirp stops the slirp4netns process recorded for name, if any.
func (p *Provisioner) stopSlirp(ctx context.Context, name string) error {
	if p.store == nil {
		return nil
	}
	env, err := p.store.Get(name)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return nil
		}
		return err
	}
	if env.SlirpPID == 0 {
		return nil
	}
	if err := p.slirp.Stop(ctx, env.SlirpPID); err != nil {
		return fmt.Errorf("error stopping slirp4netns of %s: %w", name, err)
	}
	if err := os.Remove(p.slirpLogPath(name)); err != nil && !os.IsNotExist(err) {
		log.G(ctx).WithError(err).Debug("failed to remove slirp4netns log")
	}
	return nil
}

func (p *Provisioner) deleteHostIface(ctx context.Context, name string) error {
	if err := p.builder.DeleteLink(ctx, name); err != nil && !cerrdefs.IsNotFound(err) {
		return err
	}
	return nil
}

func (p *Provisioner) removeNamespace(ctx context.Context, name string) error {
	if err := p.namespaces.Delete(ctx, name); err != nil && !cerrdefs.IsNotFound(err) {
		return err
	}
	if p.store != nil {
		if err := p.store.Delete(name); err != nil {
			return fmt.Errorf("error removing record of %s: %w", name, err)
		}
	}
	log.G(ctx).WithField("netns", name).Info("removed environment")
	return nil
}

// List returns the recorded environments.
func (p *Provisioner) List(ctx context.Context) ([]datastore.Environment, error) {
	if p.store == nil {
		return nil, errdefs.InvalidParameter(errors.New("no datastore configured"))
	}
	return p.store.List()
}
