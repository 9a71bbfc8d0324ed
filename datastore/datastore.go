// Package datastore keeps a record of the environments provisioned on the
// host in a local bbolt database.
package datastore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/moby/nsnet/errdefs"
	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

// FileName is the name of the database file inside the data directory.
const FileName = "nsnet.db"

var environmentsBucket = []byte("environments")

// Environment records a provisioned namespace and the interfaces wiring
// it to the host bridge. Interface indexes are not recorded: they are
// resolved by name whenever needed.
type Environment struct {
	Name      string `json:"name"`
	Bridge    string `json:"bridge"`
	HostIface string `json:"host_iface"`
	PeerIface string `json:"peer_iface"`
	HostAddr  string `json:"host_addr"`
	PeerAddr  string `json:"peer_addr"`
	PrefixLen int    `json:"prefix_len"`
	// SlirpPID is the slirp4netns process serving the namespace, if any.
	SlirpPID int       `json:"slirp_pid,omitempty"`
	Created  time.Time `json:"created"`
}

// Store is a bbolt-backed store of environments.
type Store struct {
	db *bolt.DB
}

// Open opens, creating it if needed, the database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, errdefs.FromErrno(err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		if errors.Is(err, bolt.ErrTimeout) {
			return nil, errdefs.Conflict(errors.Wrapf(err, "database %s is in use", path))
		}
		return nil, errors.Wrapf(err, "error opening database %s", path)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(environmentsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "error creating environments bucket")
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put stores env, replacing any record with the same name.
func (s *Store) Put(env Environment) error {
	if env.Name == "" {
		return errdefs.InvalidParameter(errors.New("environment name is empty"))
	}
	b, err := json.Marshal(env)
	if err != nil {
		return errors.Wrap(err, "error encoding environment")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(environmentsBucket).Put([]byte(env.Name), b)
	})
}

// Get returns the record for name.
func (s *Store) Get(name string) (Environment, error) {
	var env Environment
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(environmentsBucket).Get([]byte(name))
		if b == nil {
			return errdefs.NotFound(fmt.Errorf("no environment named %q", name))
		}
		return errors.Wrapf(json.Unmarshal(b, &env), "error decoding environment %s", name)
	})
	return env, err
}

// Delete removes the record for name. Deleting a missing record is not an
// error.
func (s *Store) Delete(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(environmentsBucket).Delete([]byte(name))
	})
}

// List returns every record, ordered by name.
func (s *Store) List() ([]Environment, error) {
	var envs []Environment
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(environmentsBucket).ForEach(func(k, v []byte) error {
			var env Environment
			if err := json.Unmarshal(v, &env); err != nil {
				return errors.Wrapf(err, "error decoding environment %s", k)
			}
			envs = append(envs, env)
			return nil
		})
	})
	return envs, err
}
