// Host key registry: recipient keys cached in BoltDB via the state package.
package remote

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/crypto/ssh"

	v1 "github.com/f9-o/fleet/api/v1"
	"github.com/f9-o/fleet/internal/core/state"
	"github.com/f9-o/fleet/pkg/errs"
)

// KeyRegistry wraps state.DB for host key operations.
type KeyRegistry struct {
	db *state.DB
}

// NewKeyRegistry constructs a KeyRegistry.
func NewKeyRegistry(db *state.DB) *KeyRegistry {
	return &KeyRegistry{db: db}
}

// Known returns the cached key for host. Suitable as PoolOptions.PinnedKey.
func (r *KeyRegistry) Known(host string) (string, bool) {
	rec, err := r.db.GetHostKey(host)
	if err != nil || rec == nil {
		return "", false
	}
	return rec.Key, true
}

// Recipient returns the encryption recipient of host.
func (r *KeyRegistry) Recipient(host string) (string, error) {
	key, ok := r.Known(host)
	if !ok {
		return "", errs.Newf(errs.ErrHostKey, "keys.recipient", "no host key recorded").
			WithHost(host).
			WithAdvice("run `fleet secret force-keys` to record host keys")
	}
	return key, nil
}

// Recipients returns the recipients of every host, in the given order.
func (r *KeyRegistry) Recipients(hosts []string) ([]string, error) {
	out := make([]string, 0, len(hosts))
	for _, h := range hosts {
		key, err := r.Recipient(h)
		if err != nil {
			return nil, err
		}
		out = append(out, key)
	}
	return out, nil
}

// Refresh fetches the key of h and records it, replacing any previous record.
func (r *KeyRegistry) Refresh(ctx context.Context, h Host) (v1.HostKeyRecord, error) {
	key, err := h.HostKey(ctx)
	if err != nil {
		return v1.HostKeyRecord{}, errs.Wrap(err, errs.ErrHostKey, "keys.refresh").WithHost(h.Name())
	}
	pub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(key))
	if err != nil {
		return v1.HostKeyRecord{}, errs.Wrap(fmt.Errorf("parse host key: %w", err), errs.ErrHostKey, "keys.refresh").WithHost(h.Name())
	}
	rec := v1.HostKeyRecord{
		Host:        h.Name(),
		Key:         key,
		Fingerprint: ssh.FingerprintSHA256(pub),
		RecordedAt:  time.Now().UTC(),
	}
	if err := r.db.PutHostKey(rec); err != nil {
		return v1.HostKeyRecord{}, errs.Wrap(err, errs.ErrStateWrite, "keys.refresh").WithHost(h.Name())
	}
	return rec, nil
}
