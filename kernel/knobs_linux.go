// Package kernel reads and writes kernel parameters under /proc/sys.
package kernel

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/containerd/log"
	"github.com/moby/nsnet/errdefs"
	"github.com/pkg/errors"
)

const ipForwardKey = "net.ipv4.ip_forward"

// Knobs reads and writes sysctl keys such as "net.ipv4.ip_forward" in the
// /proc/sys style tree rooted at Root.
type Knobs struct {
	Root string
}

// Default operates on the host's /proc/sys.
var Default = Knobs{Root: "/proc/sys"}

func (k Knobs) path(key string) (string, error) {
	parts := strings.Split(key, ".")
	for _, p := range parts {
		if p == "" || strings.ContainsRune(p, '/') {
			return "", errdefs.InvalidParameter(fmt.Errorf("invalid kernel parameter %q", key))
		}
	}
	return filepath.Join(append([]string{k.Root}, parts...)...), nil
}

// Get returns the value of key with surrounding whitespace removed.
func (k Knobs) Get(key string) (string, error) {
	p, err := k.path(key)
	if err != nil {
		return "", err
	}
	b, err := os.ReadFile(p)
	if err != nil {
		return "", errdefs.FromErrno(errors.Wrapf(err, "error reading kernel parameter %s", key))
	}
	return strings.TrimSpace(string(b)), nil
}

// Set writes value to key.
func (k Knobs) Set(key, value string) error {
	p, err := k.path(key)
	if err != nil {
		return err
	}
	if err := os.WriteFile(p, []byte(value), 0o644); err != nil {
		return errdefs.FromErrno(errors.Wrapf(err, "error setting kernel parameter %s = %s", key, value))
	}
	return nil
}

// EnableIPForward turns on IPv4 forwarding unless it is already on.
func (k Knobs) EnableIPForward(ctx context.Context) error {
	old, err := k.Get(ipForwardKey)
	if err != nil {
		return err
	}
	if old == "1" {
		return nil
	}
	if err := k.Set(ipForwardKey, "1"); err != nil {
		return err
	}
	log.G(ctx).Debugf("updated kernel parameter %s = 1 (was %s)", ipForwardKey, old)
	return nil
}
