package secrets

import (
	"bytes"
	"fmt"
	"strings"

	"filippo.io/age"
	"filippo.io/age/agessh"

	v1 "github.com/f9-o/fleet/api/v1"
	"github.com/f9-o/fleet/pkg/errs"
)

// Sealer encrypts operator-supplied plaintext to host recipients on the deployer.
type Sealer func(plain []byte, recipients []string) (v1.SecretData, error)

// AgeSeal encrypts plain to every recipient. Recipients are either native age
// X25519 keys (age1...) or SSH host keys (ssh-ed25519, ssh-rsa) in
// authorized_keys form.
func AgeSeal(plain []byte, recipients []string) (v1.SecretData, error) {
	if len(recipients) == 0 {
		return v1.SecretData{}, errs.Newf(errs.ErrEncrypt, "secret.seal", "at least one recipient is required")
	}

	parsed := make([]age.Recipient, 0, len(recipients))
	for _, key := range recipients {
		r, err := parseRecipient(key)
		if err != nil {
			return v1.SecretData{}, errs.Wrap(err, errs.ErrEncrypt, "secret.seal")
		}
		parsed = append(parsed, r)
	}

	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, parsed...)
	if err != nil {
		return v1.SecretData{}, errs.Wrap(err, errs.ErrEncrypt, "secret.seal")
	}
	if _, err := w.Write(plain); err != nil {
		return v1.SecretData{}, errs.Wrap(err, errs.ErrEncrypt, "secret.seal")
	}
	if err := w.Close(); err != nil {
		return v1.SecretData{}, errs.Wrap(err, errs.ErrEncrypt, "secret.seal")
	}
	return v1.SecretData{Data: buf.Bytes(), Encrypted: true}, nil
}

func parseRecipient(key string) (age.Recipient, error) {
	key = strings.TrimSpace(key)
	if strings.HasPrefix(key, "age1") {
		r, err := age.ParseX25519Recipient(key)
		if err != nil {
			return nil, fmt.Errorf("parse recipient %q: %w", key, err)
		}
		return r, nil
	}
	r, err := agessh.ParseRecipient(key)
	if err != nil {
		return nil, fmt.Errorf("parse ssh recipient %q: %w", key, err)
	}
	return r, nil
}
