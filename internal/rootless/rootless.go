// Package rootless detects RootlessKit and queries its API.
package rootless

import (
	"context"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/rootless-containers/rootlesskit/v2/pkg/api/client"
)

const stateDirEnv = "ROOTLESSKIT_STATE_DIR"

// RunningWithRootlessKit returns true if running under RootlessKit namespaces.
func RunningWithRootlessKit() bool {
	return os.Getenv(stateDirEnv) != ""
}

// GetRootlessKitClient returns RootlessKit client
func GetRootlessKitClient() (client.Client, error) {
	stateDir := os.Getenv(stateDirEnv)
	if stateDir == "" {
		return nil, errors.New("environment variable `ROOTLESSKIT_STATE_DIR` is not set")
	}
	apiSock := filepath.Join(stateDir, "api.sock")
	return client.New(apiSock)
}

// NetworkDriver returns the network driver RootlessKit runs the current
// network namespace with, such as "slirp4netns" or "pasta". It returns ""
// when RootlessKit shares the host network.
func NetworkDriver(ctx context.Context) (string, error) {
	c, err := GetRootlessKitClient()
	if err != nil {
		return "", err
	}
	info, err := c.Info(ctx)
	if err != nil {
		return "", errors.Wrap(err, "failed to query RootlessKit")
	}
	if info.NetworkDriver == nil {
		return "", nil
	}
	return info.NetworkDriver.Driver, nil
}
