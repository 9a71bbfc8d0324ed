package datastore

import (
	"path/filepath"
	"testing"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/google/go-cmp/cmp"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data", FileName)
	s, err := Open(path)
	assert.NilError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, path
}

func testEnv(name string) Environment {
	return Environment{
		Name:      name,
		Bridge:    "nsbr0",
		HostIface: name,
		PeerIface: name + "_peer",
		HostAddr:  "10.0.0.1",
		PeerAddr:  "10.0.0.2",
		PrefixLen: 24,
		Created:   time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestPutGet(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)

	_, err := s.Get("ns1")
	assert.Check(t, is.ErrorType(err, cerrdefs.IsNotFound))

	want := testEnv("ns1")
	assert.NilError(t, s.Put(want))
	got, err := s.Get("ns1")
	assert.NilError(t, err)
	assert.DeepEqual(t, got, want)

	want.PeerAddr = "10.0.0.3"
	assert.NilError(t, s.Put(want))
	got, err = s.Get("ns1")
	assert.NilError(t, err)
	assert.Check(t, is.Equal(got.PeerAddr, "10.0.0.3"))

	assert.Check(t, is.ErrorType(s.Put(Environment{}), cerrdefs.IsInvalidArgument))
}

func TestDeleteAndList(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)

	for _, name := range []string{"ns2", "ns1", "ns3"} {
		assert.NilError(t, s.Put(testEnv(name)))
	}
	assert.NilError(t, s.Delete("ns3"))
	assert.NilError(t, s.Delete("ns3"))

	envs, err := s.List()
	assert.NilError(t, err)
	assert.DeepEqual(t, envs, []Environment{testEnv("ns1"), testEnv("ns2")}, cmp.Comparer(func(a, b time.Time) bool {
		return a.Equal(b)
	}))
}

func TestReopen(t *testing.T) {
	t.Parallel()
	s, path := newTestStore(t)
	assert.NilError(t, s.Put(testEnv("ns1")))
	assert.NilError(t, s.Close())

	s, err := Open(path)
	assert.NilError(t, err)
	defer s.Close()
	got, err := s.Get("ns1")
	assert.NilError(t, err)
	assert.Check(t, is.Equal(got.Name, "ns1"))
}

func TestOpenLocked(t *testing.T) {
	t.Parallel()
	_, path := newTestStore(t)

	// bbolt holds an exclusive flock on the file while open.
	_, err := Open(path)
	assert.Check(t, is.ErrorType(err, cerrdefs.IsConflict))
}
