// Package state manages fleet's persistent state using BoltDB.
// All writes are transactional and replace whole records; reads use read-only
// transactions to minimise contention. The DB is safe for concurrent use by
// per-host and per-secret tasks.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.etcd.io/bbolt"

	v1 "github.com/f9-o/fleet/api/v1"
)

// Bucket names
var (
	bucketHostSecrets   = []byte("host_secrets")
	bucketSharedSecrets = []byte("shared_secrets")
	bucketHostKeys      = []byte("host_keys")
	bucketDeployments   = []byte("deployments")
)

// DB wraps a BoltDB instance with typed accessor methods.
type DB struct {
	bolt *bbolt.DB
}

// Open opens (or creates) the state database at the given path.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open state db %q: %w", path, err)
	}

	// Ensure all buckets exist
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketHostSecrets, bucketSharedSecrets, bucketHostKeys, bucketDeployments} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %q: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init buckets: %w", err)
	}

	return &DB{bolt: db}, nil
}

// Close closes the underlying BoltDB file.
func (db *DB) Close() error {
	return db.bolt.Close()
}

// ─────────────────────────────────────────────────────────────────────────────
// Host secrets, keyed by "<host>/<name>"
// ─────────────────────────────────────────────────────────────────────────────

func hostSecretKey(host, name string) string {
	return host + "/" + name
}

// PutHostSecret replaces the host secret record.
func (db *DB) PutHostSecret(host, name string, secret v1.FleetHostSecret) error {
	return db.putJSON(bucketHostSecrets, hostSecretKey(host, name), secret)
}

// GetHostSecret retrieves a host secret. Returns nil, nil if not found.
func (db *DB) GetHostSecret(host, name string) (*v1.FleetHostSecret, error) {
	var s v1.FleetHostSecret
	found, err := db.getJSON(bucketHostSecrets, hostSecretKey(host, name), &s)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &s, nil
}

// DeleteHostSecret removes a host secret. Removing a missing record is not an error.
func (db *DB) DeleteHostSecret(host, name string) error {
	return db.delete(bucketHostSecrets, hostSecretKey(host, name))
}

// ListHostSecrets returns every secret stored for host, keyed by secret name.
func (db *DB) ListHostSecrets(host string) (map[string]v1.FleetHostSecret, error) {
	out := map[string]v1.FleetHostSecret{}
	prefix := []byte(host + "/")
	err := db.bolt.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketHostSecrets).Cursor()
		for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
			var s v1.FleetHostSecret
			if err := json.Unmarshal(v, &s); err != nil {
				return fmt.Errorf("unmarshal host secret %q: %w", k, err)
			}
			out[strings.TrimPrefix(string(k), string(prefix))] = s
		}
		return nil
	})
	return out, err
}

// HostSecretNames returns the names of every secret stored for host.
func (db *DB) HostSecretNames(host string) (v1.NameSet, error) {
	secrets, err := db.ListHostSecrets(host)
	if err != nil {
		return nil, err
	}
	names := make(v1.NameSet, len(secrets))
	for name := range secrets {
		names[name] = struct{}{}
	}
	return names, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Shared secrets, keyed by name
// ─────────────────────────────────────────────────────────────────────────────

// PutSharedSecret replaces the shared secret record.
func (db *DB) PutSharedSecret(name string, secret v1.FleetSharedSecret) error {
	return db.putJSON(bucketSharedSecrets, name, secret)
}

// GetSharedSecret retrieves a shared secret. Returns nil, nil if not found.
func (db *DB) GetSharedSecret(name string) (*v1.FleetSharedSecret, error) {
	var s v1.FleetSharedSecret
	found, err := db.getJSON(bucketSharedSecrets, name, &s)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &s, nil
}

// DeleteSharedSecret removes a shared secret.
func (db *DB) DeleteSharedSecret(name string) error {
	return db.delete(bucketSharedSecrets, name)
}

// ListSharedSecrets returns every stored shared secret keyed by name.
func (db *DB) ListSharedSecrets() (map[string]v1.FleetSharedSecret, error) {
	out := map[string]v1.FleetSharedSecret{}
	err := db.bolt.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSharedSecrets).ForEach(func(k, v []byte) error {
			var s v1.FleetSharedSecret
			if err := json.Unmarshal(v, &s); err != nil {
				return fmt.Errorf("unmarshal shared secret %q: %w", k, err)
			}
			out[string(k)] = s
			return nil
		})
	})
	return out, err
}

// ─────────────────────────────────────────────────────────────────────────────
// Host keys
// ─────────────────────────────────────────────────────────────────────────────

// PutHostKey records a host's public key.
func (db *DB) PutHostKey(rec v1.HostKeyRecord) error {
	return db.putJSON(bucketHostKeys, rec.Host, rec)
}

// GetHostKey retrieves a cached host key. Returns nil, nil if not found.
func (db *DB) GetHostKey(host string) (*v1.HostKeyRecord, error) {
	var rec v1.HostKeyRecord
	found, err := db.getJSON(bucketHostKeys, host, &rec)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &rec, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Deployment history
// ─────────────────────────────────────────────────────────────────────────────

// PutDeployment appends a deployment record to the history.
func (db *DB) PutDeployment(rec v1.DeploymentRecord) error {
	return db.putJSON(bucketDeployments, rec.ID, rec)
}

// ListDeployments returns deployment records for a given host, oldest first.
// Pass empty string to return all deployments.
func (db *DB) ListDeployments(host string) ([]v1.DeploymentRecord, error) {
	var recs []v1.DeploymentRecord
	err := db.bolt.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketDeployments).ForEach(func(k, v []byte) error {
			var r v1.DeploymentRecord
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			if host == "" || r.Host == host {
				recs = append(recs, r)
			}
			return nil
		})
	})
	sort.Slice(recs, func(i, j int) bool { return recs[i].StartedAt.Before(recs[j].StartedAt) })
	return recs, err
}

// ─────────────────────────────────────────────────────────────────────────────
// Generic helpers
// ─────────────────────────────────────────────────────────────────────────────

func (db *DB) putJSON(bucket []byte, key string, val any) error {
	data, err := json.Marshal(val)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return db.bolt.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucket).Put([]byte(key), data)
	})
}

func (db *DB) getJSON(bucket []byte, key string, out any) (bool, error) {
	var found bool
	err := db.bolt.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucket).Get([]byte(key))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, out)
	})
	return found, err
}

func (db *DB) delete(bucket []byte, key string) error {
	return db.bolt.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucket).Delete([]byte(key))
	})
}
