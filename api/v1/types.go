// Package v1 defines the public data types shared across all fleet layers.
package v1

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ─────────────────────────────────────────────────────────────────────────────
// Deploy enumerations
// ─────────────────────────────────────────────────────────────────────────────

// DeployAction is what a deploy does with an uploaded system closure.
type DeployAction string

const (
	// ActionUpload uploads the closure, but does not execute the update.
	ActionUpload DeployAction = "upload"
	// ActionTest executes the activation script; the old version is used after reboot.
	ActionTest DeployAction = "test"
	// ActionBoot sets the system profile, but does not execute the activation script.
	ActionBoot DeployAction = "boot"
	// ActionSwitch sets the system profile and executes the activation script.
	ActionSwitch DeployAction = "switch"
)

// DeployActions lists every action in CLI order.
var DeployActions = []DeployAction{ActionUpload, ActionTest, ActionBoot, ActionSwitch}

// ParseDeployAction maps a CLI word to a DeployAction.
func ParseDeployAction(s string) (DeployAction, error) {
	for _, a := range DeployActions {
		if string(a) == s {
			return a, nil
		}
	}
	return "", fmt.Errorf("unknown deploy action %q (expected upload, test, boot or switch)", s)
}

// Name is the argument passed to switch-to-configuration. Upload has none.
func (a DeployAction) Name() (string, bool) {
	switch a {
	case ActionTest, ActionBoot, ActionSwitch:
		return string(a), true
	default:
		return "", false
	}
}

// ShouldSwitchProfile reports whether the system profile is pointed at the new closure.
func (a DeployAction) ShouldSwitchProfile() bool {
	return a == ActionSwitch || a == ActionBoot
}

// ShouldActivate reports whether switch-to-configuration is executed.
func (a DeployAction) ShouldActivate() bool {
	return a == ActionSwitch || a == ActionTest || a == ActionBoot
}

// ShouldCreateRollbackMarker reports whether a rollback marker is written before mutation.
// Upload does nothing on the target machine other than uploading the closure; boot still
// needs the marker so the machine may roll itself back on the next boot.
func (a DeployAction) ShouldCreateRollbackMarker() bool {
	return a != ActionUpload
}

// ShouldScheduleRollbackRun reports whether the watchdog timer is armed for this deploy.
func (a DeployAction) ShouldScheduleRollbackRun() bool {
	return a == ActionSwitch || a == ActionTest
}

// DeployKind describes how a host is brought to its declared configuration.
type DeployKind string

const (
	// KindFleet is a normal managed host.
	KindFleet DeployKind = "fleet"
	// KindNixosInstall is the first-time installation flow (target mounted at /mnt).
	KindNixosInstall DeployKind = "nixos-install"
	// KindNixosLustrate migrates a foreign system in place.
	KindNixosLustrate DeployKind = "nixos-lustrate"
)

// ParseDeployKind maps a catalog value to a DeployKind. Empty means KindFleet.
func ParseDeployKind(s string) (DeployKind, error) {
	switch DeployKind(s) {
	case "", KindFleet:
		return KindFleet, nil
	case KindNixosInstall, KindNixosLustrate:
		return DeployKind(s), nil
	}
	return "", fmt.Errorf("unknown deploy kind %q", s)
}

// AllowsAction reports whether action may be used with this deploy kind.
func (k DeployKind) AllowsAction(action DeployAction) bool {
	if k == KindNixosInstall || k == KindNixosLustrate {
		return action == ActionBoot || action == ActionUpload
	}
	return true
}

// ─────────────────────────────────────────────────────────────────────────────
// Generations
// ─────────────────────────────────────────────────────────────────────────────

// GenerationStorage tells where a generation's closure is retained.
type GenerationStorage string

const (
	// StorageMachine is a generation present in the managed host's own profile.
	StorageMachine GenerationStorage = "machine"
	// StorageDeployer is a generation only retained as a GC root on the deployer.
	StorageDeployer GenerationStorage = "deployer"
	// StoragePusher is a generation held by a push cache. Not enabled in this version.
	StoragePusher GenerationStorage = "pusher"
)

// Generation is one addressable snapshot of a host's system profile.
type Generation struct {
	ID        string            `json:"id"`
	Datetime  time.Time         `json:"datetime"`
	StorePath string            `json:"store_path"`
	Current   bool              `json:"current"`
	Location  GenerationStorage `json:"location"`
}

// RollbackID is the user-facing identifier of a rollback target.
// Deployer-held ids are prefixed because both profiles number from 1.
func (g Generation) RollbackID() string {
	if g.Location == StorageDeployer {
		return "deployer-" + g.ID
	}
	return g.ID
}

// ─────────────────────────────────────────────────────────────────────────────
// Hosts
// ─────────────────────────────────────────────────────────────────────────────

// HostSpec is the connection description of a managed host.
type HostSpec struct {
	Name    string `yaml:"name"    json:"name"    mapstructure:"name"`
	Address string `yaml:"address" json:"address" mapstructure:"address"`
	User    string `yaml:"user"    json:"user"    mapstructure:"user"`
	Port    int    `yaml:"port"    json:"port"    mapstructure:"port"`
	Key     string `yaml:"key"     json:"key"     mapstructure:"key"`
	Local   bool   `yaml:"local"   json:"local"   mapstructure:"local"`
}

// Destination returns the user@address form used by nix copy.
func (h HostSpec) Destination() string {
	addr := h.Address
	if addr == "" {
		addr = h.Name
	}
	if h.User == "" {
		return addr
	}
	return h.User + "@" + addr
}

// ─────────────────────────────────────────────────────────────────────────────
// Secrets
// ─────────────────────────────────────────────────────────────────────────────

const (
	encryptedPrefix = "<ENCRYPTED>"
	plaintextPrefix = "<PLAINTEXT>"
)

// SecretData is an opaque blob, either ciphertext for a set of recipients or plain data.
type SecretData struct {
	Data      []byte `json:"data"`
	Encrypted bool   `json:"encrypted"`
}

// String renders the text form understood by generators and fleet-install-secrets.
func (d SecretData) String() string {
	prefix := plaintextPrefix
	if d.Encrypted {
		prefix = encryptedPrefix
	}
	return prefix + base64.StdEncoding.EncodeToString(d.Data)
}

// ParseSecretData parses the text form produced by SecretData.String.
func ParseSecretData(s string) (SecretData, error) {
	s = strings.TrimSpace(s)
	var out SecretData
	var body string
	switch {
	case strings.HasPrefix(s, encryptedPrefix):
		out.Encrypted = true
		body = strings.TrimPrefix(s, encryptedPrefix)
	case strings.HasPrefix(s, plaintextPrefix):
		body = strings.TrimPrefix(s, plaintextPrefix)
	default:
		return SecretData{}, fmt.Errorf("secret data should start with %s or %s", encryptedPrefix, plaintextPrefix)
	}
	data, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		return SecretData{}, fmt.Errorf("decode secret data: %w", err)
	}
	out.Data = data
	return out, nil
}

// SecretPart is one named part of a secret.
type SecretPart struct {
	Raw SecretData `json:"raw"`
}

// FleetSecretData is the stored material of a secret plus its fingerprints.
type FleetSecretData struct {
	CreatedAt      time.Time             `json:"created_at"`
	ExpiresAt      *time.Time            `json:"expires_at,omitempty"`
	Parts          map[string]SecretPart `json:"parts"`
	GenerationData any                   `json:"generation_data"`
}

// PartNames returns the sorted part names.
func (d FleetSecretData) PartNames() NameSet {
	names := make(NameSet, len(d.Parts))
	for name := range d.Parts {
		names[name] = struct{}{}
	}
	return names
}

// FleetHostSecret is a secret private to one host.
type FleetHostSecret struct {
	Managed bool            `json:"managed"`
	Secret  FleetSecretData `json:"secret"`
}

// FleetSharedSecret is one ciphertext instance decryptable by several hosts.
type FleetSharedSecret struct {
	Managed bool            `json:"managed"`
	Owners  NameSet         `json:"owners"`
	Secret  FleetSecretData `json:"secret"`
}

// ─────────────────────────────────────────────────────────────────────────────
// Name sets
// ─────────────────────────────────────────────────────────────────────────────

// NameSet is a set of host or part names. Iteration helpers are always sorted.
type NameSet map[string]struct{}

// NewNameSet builds a set from names.
func NewNameSet(names ...string) NameSet {
	s := make(NameSet, len(names))
	for _, n := range names {
		s[n] = struct{}{}
	}
	return s
}

// Has reports membership.
func (s NameSet) Has(name string) bool {
	_, ok := s[name]
	return ok
}

// Sorted returns members in ascending order.
func (s NameSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for n := range s {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Difference returns members of s absent from other.
func (s NameSet) Difference(other NameSet) NameSet {
	out := NameSet{}
	for n := range s {
		if !other.Has(n) {
			out[n] = struct{}{}
		}
	}
	return out
}

// Union returns members of either set.
func (s NameSet) Union(other NameSet) NameSet {
	out := make(NameSet, len(s)+len(other))
	for n := range s {
		out[n] = struct{}{}
	}
	for n := range other {
		out[n] = struct{}{}
	}
	return out
}

// Equal reports set equality.
func (s NameSet) Equal(other NameSet) bool {
	if len(s) != len(other) {
		return false
	}
	for n := range s {
		if !other.Has(n) {
			return false
		}
	}
	return true
}

// Clone returns an independent copy.
func (s NameSet) Clone() NameSet {
	return NewNameSet(s.Sorted()...)
}

// String renders the set as {a, b}.
func (s NameSet) String() string {
	return "{" + strings.Join(s.Sorted(), ", ") + "}"
}

// MarshalJSON stores the set as a sorted list.
func (s NameSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Sorted())
}

// UnmarshalJSON reads a list of names.
func (s *NameSet) UnmarshalJSON(data []byte) error {
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return err
	}
	*s = NewNameSet(names...)
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Runtime records (persisted in BoltDB)
// ─────────────────────────────────────────────────────────────────────────────

// DeploymentRecord is an immutable audit record of one host deploy.
type DeploymentRecord struct {
	ID          string       `json:"id"`
	Host        string       `json:"host"`
	Action      DeployAction `json:"action"`
	StorePath   string       `json:"store_path"`
	StartedAt   time.Time    `json:"started_at"`
	CompletedAt time.Time    `json:"completed_at"`
	Result      string       `json:"result"` // success | failure | rolledback
	DurationMS  int64        `json:"duration_ms"`
	Error       string       `json:"error,omitempty"`
}

// HostKeyRecord is a cached SSH host public key, used as the host's encryption recipient.
type HostKeyRecord struct {
	Host        string    `json:"host"`
	Key         string    `json:"key"` // authorized_keys form: "<type> <base64>"
	Fingerprint string    `json:"fingerprint"`
	RecordedAt  time.Time `json:"recorded_at"`
}
