package remote

import (
	"fmt"
	"sort"
	"sync"

	v1 "github.com/f9-o/fleet/api/v1"
	"github.com/f9-o/fleet/internal/core/logger"
	"github.com/f9-o/fleet/pkg/errs"
)

// LocalHostName names the deployer when the config does not set local_host.
const LocalHostName = "local"

// Resolver hands out hosts by name.
type Resolver interface {
	Host(name string) (Host, error)
	Local() Host
}

// Fleet resolves catalog host specs to Machines sharing one SSH pool.
type Fleet struct {
	mu        sync.Mutex
	specs     map[string]v1.HostSpec
	localName string
	pool      *Pool
	sshUser   string
	machines  map[string]*Machine
	log       *logger.Logger
}

// NewFleet builds a resolver. A spec marked Local, or named localName, runs through os/exec.
func NewFleet(specs []v1.HostSpec, localName string, pool *Pool, sshUser string, log *logger.Logger) *Fleet {
	if localName == "" {
		localName = LocalHostName
	}
	byName := make(map[string]v1.HostSpec, len(specs))
	for _, s := range specs {
		byName[s.Name] = s
	}
	return &Fleet{
		specs:     byName,
		localName: localName,
		pool:      pool,
		sshUser:   sshUser,
		machines:  map[string]*Machine{},
		log:       log,
	}
}

// Names returns every known host name, sorted.
func (f *Fleet) Names() []string {
	names := make([]string, 0, len(f.specs))
	for n := range f.specs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Host returns the named host.
func (f *Fleet) Host(name string) (Host, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if m, ok := f.machines[name]; ok {
		return m, nil
	}
	spec, ok := f.specs[name]
	if !ok {
		if name != f.localName {
			return nil, errs.Newf(errs.ErrHostNotFound, "remote.host", "unknown host %q", name).
				WithAdvice("check the host list in the catalog")
		}
		spec = v1.HostSpec{Name: name, Local: true}
	}

	local := LocalExecutor{Name: f.localName}
	var m *Machine
	if spec.Local || name == f.localName {
		m = NewMachine(spec, true, LocalExecutor{Name: name}, local, f.sshUser)
	} else {
		m = NewMachine(spec, false, &SSHExecutor{Pool: f.pool, Spec: spec}, local, f.sshUser)
	}
	f.machines[name] = m
	return m, nil
}

// Local returns the deployer host.
func (f *Fleet) Local() Host {
	h, err := f.Host(f.localName)
	if err != nil {
		// The local name always resolves; see Host.
		panic(fmt.Sprintf("resolve local host: %v", err))
	}
	return h
}

// Close releases pooled connections.
func (f *Fleet) Close() {
	if f.pool != nil {
		f.pool.Close()
	}
}
