package topology

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/moby/nsnet/errdefs"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// MaxIfaceNameLen is the longest interface name the kernel accepts
// (IFNAMSIZ minus the terminating NUL).
const MaxIfaceNameLen = 15

// ValidateIfaceName checks that name can be used as a network interface
// name.
func ValidateIfaceName(name string) error {
	if name == "" || name == "." || name == ".." {
		return errdefs.InvalidParameter(fmt.Errorf("invalid interface name %q", name))
	}
	if len(name) > MaxIfaceNameLen {
		return errdefs.InvalidParameter(fmt.Errorf("interface name %q is longer than %d bytes", name, MaxIfaceNameLen))
	}
	if strings.ContainsAny(name, "/: \t\n") {
		return errdefs.InvalidParameter(fmt.Errorf("interface name %q contains invalid characters", name))
	}
	return nil
}

// generateRandomName returns a string of the form prefix plus length
// random hex characters.
func generateRandomName(prefix string, length int) (string, error) {
	id := make([]byte, (length+1)/2)
	if _, err := rand.Read(id); err != nil {
		return "", err
	}
	return prefix + hex.EncodeToString(id)[:length], nil
}

// GenerateIfaceName returns an interface name, made of prefix and length
// random hex characters, that is not in use in the caller's network
// namespace.
func (b *Builder) GenerateIfaceName(prefix string, length int) (string, error) {
	if err := ValidateIfaceName(prefix + strings.Repeat("0", length)); err != nil {
		return "", err
	}
	nlh, err := b.handle()
	if err != nil {
		return "", err
	}
	defer nlh.Close()

	for i := 0; i < 3; i++ {
		name, err := generateRandomName(prefix, length)
		if err != nil {
			return "", err
		}
		_, err = nlh.LinkByName(name)
		if err != nil {
			if errors.As(err, &netlink.LinkNotFoundError{}) || errors.Is(err, unix.ENODEV) {
				return name, nil
			}
			return "", nlError("lookup", name, err)
		}
	}
	return "", errdefs.System(errors.New("could not generate interface name"))
}
