package rootless

import (
	"context"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"testing"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

// fakeRootlessKit serves info on an api.sock in a new state directory and
// points the environment at it.
func fakeRootlessKit(t *testing.T, info string) {
	t.Helper()
	stateDir := t.TempDir()
	l, err := net.Listen("unix", filepath.Join(stateDir, "api.sock"))
	assert.NilError(t, err)
	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, info)
	})}
	go srv.Serve(l)
	t.Cleanup(func() { srv.Close() })
	t.Setenv(stateDirEnv, stateDir)
}

func TestNotRunningWithRootlessKit(t *testing.T) {
	t.Setenv(stateDirEnv, "")
	assert.Check(t, !RunningWithRootlessKit())
	_, err := GetRootlessKitClient()
	assert.Check(t, is.ErrorContains(err, stateDirEnv))
	_, err = NetworkDriver(context.Background())
	assert.Check(t, is.ErrorContains(err, stateDirEnv))
}

func TestNetworkDriver(t *testing.T) {
	for _, tc := range []struct {
		name string
		info string
		want string
	}{
		{
			name: "slirp4netns",
			info: `{"apiVersion":"1.1.1","version":"2.3.6","networkDriver":{"driver":"slirp4netns","childIP":"10.0.2.100"}}`,
			want: "slirp4netns",
		},
		{
			name: "host network",
			info: `{"apiVersion":"1.1.1","version":"2.3.6"}`,
			want: "",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			fakeRootlessKit(t, tc.info)
			assert.Check(t, RunningWithRootlessKit())
			driver, err := NetworkDriver(context.Background())
			assert.NilError(t, err)
			assert.Check(t, is.Equal(driver, tc.want))
		})
	}
}
