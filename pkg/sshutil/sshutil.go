// Package sshutil provides reusable SSH client helpers for fleet's remote layer.
package sshutil

import (
	"bytes"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// DefaultPort is the standard SSH port.
const DefaultPort = 22

// ConnectTimeout is the default dial timeout for SSH connections.
const ConnectTimeout = 15 * time.Second

// KeepAliveInterval is how often a keepalive packet is sent to the server.
const KeepAliveInterval = 15 * time.Second

// ClientConfig builds an ssh.ClientConfig from a private key file.
// If knownHostsFile is non-empty, strict host key verification is enabled.
func ClientConfig(user, keyPath, knownHostsFile string) (*ssh.ClientConfig, error) {
	keyData, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("read key %q: %w", keyPath, err)
	}

	signer, err := ssh.ParsePrivateKey(keyData)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	cfg := &ssh.ClientConfig{
		User:    user,
		Auth:    []ssh.AuthMethod{ssh.PublicKeys(signer)},
		Timeout: ConnectTimeout,
	}

	if knownHostsFile != "" {
		hostKeyCallback, err := knownhosts.New(knownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("load known_hosts %q: %w", knownHostsFile, err)
		}
		cfg.HostKeyCallback = hostKeyCallback
	} else {
		// Insecure: only used until force-keys has recorded the host key
		cfg.HostKeyCallback = ssh.InsecureIgnoreHostKey() //nolint:gosec
	}

	return cfg, nil
}

// PinnedHostKey returns a callback accepting only the given authorized_keys-form key.
func PinnedHostKey(authorized string) (ssh.HostKeyCallback, error) {
	want, _, _, _, err := ssh.ParseAuthorizedKey([]byte(authorized))
	if err != nil {
		return nil, fmt.Errorf("parse pinned host key: %w", err)
	}
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		if !bytes.Equal(key.Marshal(), want.Marshal()) {
			return fmt.Errorf("host key mismatch for %s: got %s, expected %s",
				hostname, ssh.FingerprintSHA256(key), ssh.FingerprintSHA256(want))
		}
		return nil
	}, nil
}

// Dial establishes an SSH connection to addr (host:port) using cfg.
// cfg.Timeout bounds both the TCP connect and the SSH handshake, so a peer
// that accepts TCP but never speaks SSH cannot stall the caller.
func Dial(addr string, cfg *ssh.ClientConfig) (*ssh.Client, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = ConnectTimeout
	}
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("ssh dial %q: %w", addr, err)
	}
	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh dial %q: %w", addr, err)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake %q: %w", addr, err)
	}
	_ = conn.SetDeadline(time.Time{})
	return ssh.NewClient(c, chans, reqs), nil
}

// RunCommand executes a shell command on the remote host, feeding stdin when non-nil.
// Stdout and stderr are returned separately; exit is -1 when the command never ran.
func RunCommand(client *ssh.Client, cmd string, stdin []byte) (stdout, stderr []byte, exit int, err error) {
	session, err := client.NewSession()
	if err != nil {
		return nil, nil, -1, fmt.Errorf("new session: %w", err)
	}
	defer session.Close()

	var outBuf, errBuf bytes.Buffer
	session.Stdout = &outBuf
	session.Stderr = &errBuf
	if stdin != nil {
		session.Stdin = bytes.NewReader(stdin)
	}

	if err := session.Run(cmd); err != nil {
		if exitErr, ok := err.(*ssh.ExitError); ok {
			return outBuf.Bytes(), errBuf.Bytes(), exitErr.ExitStatus(), err
		}
		return outBuf.Bytes(), errBuf.Bytes(), -1, err
	}
	return outBuf.Bytes(), errBuf.Bytes(), 0, nil
}

// AuthorizedKey serialises an ssh.PublicKey to the single-line "<type> <base64>" form.
func AuthorizedKey(key ssh.PublicKey) string {
	return strings.TrimSpace(string(ssh.MarshalAuthorizedKey(key)))
}

// GatherHostKey dials addr and retrieves the server's host key without authentication.
// Used by `fleet secret force-keys` to record host recipients.
func GatherHostKey(addr string, timeout time.Duration) (ssh.PublicKey, error) {
	var capturedKey ssh.PublicKey

	cfg := &ssh.ClientConfig{
		User: "fleet-probe",
		Auth: []ssh.AuthMethod{ssh.Password("")},
		HostKeyCallback: func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			capturedKey = key
			return nil // intentionally accept to capture key
		},
		// age can only encrypt to ed25519 and rsa host keys.
		HostKeyAlgorithms: []string{ssh.KeyAlgoED25519, ssh.KeyAlgoRSASHA512, ssh.KeyAlgoRSASHA256},
		Timeout:           timeout,
	}

	// The connection will fail (auth), but we capture the key beforehand.
	conn, err := Dial(addr, cfg)
	if conn != nil {
		conn.Close()
	}
	if capturedKey == nil {
		return nil, fmt.Errorf("could not capture host key from %s: %w", addr, err)
	}
	return capturedKey, nil
}
