// Package remotetest provides scripted in-memory hosts for tests.
package remotetest

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"

	v1 "github.com/f9-o/fleet/api/v1"
	"github.com/f9-o/fleet/internal/remote"
)

type failure struct {
	prefix    string
	remaining int // -1 = forever
	err       error
}

// FakeHost is an in-memory remote.Host that records every call.
// Calls are recorded as "<op> <arg>", e.g. "run sudo systemctl ..." or "rm /etc/x".
type FakeHost struct {
	mu       sync.Mutex
	name     string
	local    bool
	calls    []string
	failures []*failure
	files    map[string]string
	dirs     map[string]bool
	tempSeq  int

	// Generations maps a profile namespace to its listing.
	Generations map[string][]v1.Generation
	// Key is returned by HostKey.
	Key string
	// DerivationPath overrides the path RemoteDerivation reports.
	DerivationPath string
	// RunHook scripts Run. It is called without the fake's lock held.
	RunHook func(h *FakeHost, cmd remote.Command) ([]byte, error)
}

var _ remote.Host = (*FakeHost)(nil)

// New returns a remote fake host.
func New(name string) *FakeHost {
	return &FakeHost{
		name:        name,
		files:       map[string]string{},
		dirs:        map[string]bool{},
		Generations: map[string][]v1.Generation{},
		Key:         "ssh-ed25519 AAAA" + name,
	}
}

// NewLocal returns a fake for the deployer itself.
func NewLocal(name string) *FakeHost {
	h := New(name)
	h.local = true
	return h
}

// FailOn makes every call starting with prefix fail with err.
func (f *FakeHost) FailOn(prefix string, err error) {
	f.FailTimes(prefix, -1, err)
}

// FailTimes makes the next n calls starting with prefix fail with err.
func (f *FakeHost) FailTimes(prefix string, n int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, &failure{prefix: prefix, remaining: n, err: err})
}

// WriteFile stores a file.
func (f *FakeHost) WriteFile(p, content string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[p] = content
}

// File returns a stored file.
func (f *FakeHost) File(p string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.files[p]
	return c, ok
}

// Calls returns a copy of the recorded calls.
func (f *FakeHost) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// Count returns how many recorded calls start with prefix.
func (f *FakeHost) Count(prefix string) int {
	n := 0
	for _, c := range f.Calls() {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

// Called reports whether any recorded call starts with prefix.
func (f *FakeHost) Called(prefix string) bool {
	return f.Count(prefix) > 0
}

// Index returns the position of the first call starting with prefix, or -1.
func (f *FakeHost) Index(prefix string) int {
	for i, c := range f.Calls() {
		if strings.HasPrefix(c, prefix) {
			return i
		}
	}
	return -1
}

// record logs a call and returns the injected failure, if any. Caller holds f.mu.
func (f *FakeHost) record(call string) error {
	f.calls = append(f.calls, call)
	for _, fl := range f.failures {
		if fl.remaining == 0 || !strings.HasPrefix(call, fl.prefix) {
			continue
		}
		if fl.remaining > 0 {
			fl.remaining--
		}
		return fl.err
	}
	return nil
}

func (f *FakeHost) Name() string  { return f.name }
func (f *FakeHost) IsLocal() bool { return f.local }

func (f *FakeHost) Run(ctx context.Context, cmd remote.Command) ([]byte, error) {
	f.mu.Lock()
	err := f.record("run " + cmd.Shell())
	hook := f.RunHook
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if hook != nil {
		return hook(f, cmd)
	}
	return nil, nil
}

func (f *FakeHost) ReadFileText(ctx context.Context, p string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("read " + p); err != nil {
		return "", err
	}
	c, ok := f.files[p]
	if !ok {
		return "", fmt.Errorf("%s: %s: no such file", f.name, p)
	}
	return c, nil
}

func (f *FakeHost) ReadDir(ctx context.Context, p string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("readdir " + p); err != nil {
		return nil, err
	}
	var names []string
	for name := range f.files {
		if path.Dir(name) == p {
			names = append(names, path.Base(name))
		}
	}
	sort.Strings(names)
	return names, nil
}

func (f *FakeHost) FileExists(ctx context.Context, p string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("exists " + p); err != nil {
		return false, err
	}
	if _, ok := f.files[p]; ok || f.dirs[p] {
		return true, nil
	}
	return false, nil
}

func (f *FakeHost) RmFile(ctx context.Context, p string, ignoreMissing bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("rm " + p); err != nil {
		return err
	}
	if _, ok := f.files[p]; !ok && !ignoreMissing {
		return fmt.Errorf("%s: rm %s: no such file", f.name, p)
	}
	delete(f.files, p)
	return nil
}

func (f *FakeHost) MkTempDir(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("mktemp"); err != nil {
		return "", err
	}
	f.tempSeq++
	dir := fmt.Sprintf("/tmp/fleet.%d", f.tempSeq)
	f.dirs[dir] = true
	return dir, nil
}

func (f *FakeHost) RmDir(ctx context.Context, p string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("rmdir " + p); err != nil {
		return err
	}
	for name := range f.files {
		if strings.HasPrefix(name, p+"/") {
			delete(f.files, name)
		}
	}
	for d := range f.dirs {
		if d == p || strings.HasPrefix(d, p+"/") {
			delete(f.dirs, d)
		}
	}
	return nil
}

// TempDirsLeft reports directories created by MkTempDir and not yet removed.
func (f *FakeHost) TempDirsLeft() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for d := range f.dirs {
		if strings.HasPrefix(d, "/tmp/fleet.") {
			n++
		}
	}
	return n
}

func (f *FakeHost) ListGenerations(ctx context.Context, profile string) ([]v1.Generation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("generations " + profile); err != nil {
		return nil, err
	}
	return append([]v1.Generation(nil), f.Generations[profile]...), nil
}

func (f *FakeHost) SystemctlStart(ctx context.Context, unit string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.record("systemctl start " + unit)
}

func (f *FakeHost) SystemctlStop(ctx context.Context, unit string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.record("systemctl stop " + unit)
}

func (f *FakeHost) Decrypt(ctx context.Context, data v1.SecretData) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("decrypt"); err != nil {
		return nil, err
	}
	return Open(data)
}

func (f *FakeHost) Reencrypt(ctx context.Context, data v1.SecretData, recipients []string) (v1.SecretData, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("reencrypt " + strings.Join(recipients, ",")); err != nil {
		return v1.SecretData{}, err
	}
	plain, err := Open(data)
	if err != nil {
		return v1.SecretData{}, err
	}
	return Seal(string(plain), recipients...), nil
}

func (f *FakeHost) RemoteDerivation(ctx context.Context, storePath string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("copy " + storePath); err != nil {
		return "", err
	}
	if f.DerivationPath != "" {
		return f.DerivationPath, nil
	}
	return storePath, nil
}

func (f *FakeHost) HostKey(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("hostkey"); err != nil {
		return "", err
	}
	return f.Key, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Fake sealing
// ─────────────────────────────────────────────────────────────────────────────

// Seal produces readable fake ciphertext: "sealed[r1,r2]:plain".
func Seal(plain string, recipients ...string) v1.SecretData {
	return v1.SecretData{
		Data:      []byte("sealed[" + strings.Join(recipients, ",") + "]:" + plain),
		Encrypted: true,
	}
}

// Open reverses Seal. Plain data passes through.
func Open(data v1.SecretData) ([]byte, error) {
	if !data.Encrypted {
		return data.Data, nil
	}
	_, plain, ok := strings.Cut(string(data.Data), "]:")
	if !ok || !strings.HasPrefix(string(data.Data), "sealed[") {
		return nil, fmt.Errorf("not fake-sealed data")
	}
	return []byte(plain), nil
}

// SealedFor returns the recipient list recorded in fake ciphertext.
func SealedFor(data v1.SecretData) []string {
	s := strings.TrimPrefix(string(data.Data), "sealed[")
	list, _, _ := strings.Cut(s, "]")
	if list == "" {
		return nil
	}
	return strings.Split(list, ",")
}

// ─────────────────────────────────────────────────────────────────────────────
// FakeFleet
// ─────────────────────────────────────────────────────────────────────────────

// FakeFleet is a remote.Resolver over fake hosts.
type FakeFleet struct {
	LocalHost *FakeHost
	Hosts     map[string]*FakeHost
}

var _ remote.Resolver = (*FakeFleet)(nil)

// NewFleet builds a fleet with a local "deployer" host and the named remote hosts.
func NewFleet(names ...string) *FakeFleet {
	f := &FakeFleet{LocalHost: NewLocal("deployer"), Hosts: map[string]*FakeHost{}}
	for _, n := range names {
		f.Hosts[n] = New(n)
	}
	return f
}

func (f *FakeFleet) Host(name string) (remote.Host, error) {
	if name == f.LocalHost.Name() {
		return f.LocalHost, nil
	}
	h, ok := f.Hosts[name]
	if !ok {
		return nil, fmt.Errorf("unknown host %q", name)
	}
	return h, nil
}

func (f *FakeFleet) Local() remote.Host {
	return f.LocalHost
}

// Get returns the named fake, panicking when absent.
func (f *FakeFleet) Get(name string) *FakeHost {
	if name == f.LocalHost.Name() {
		return f.LocalHost
	}
	h, ok := f.Hosts[name]
	if !ok {
		panic("remotetest: unknown host " + name)
	}
	return h
}
