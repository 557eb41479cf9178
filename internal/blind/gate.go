package blind

import "sync"

// HostGate coordinates probes against the same host. Ordinary probes hold
// the gate shared; a timing re-confirmation holds it exclusively so that it
// does not compete with other scanner traffic to that host. A nil gate does
// nothing.
type HostGate struct {
	mu    sync.Mutex
	hosts map[string]*sync.RWMutex
}

// NewHostGate returns an empty gate.
func NewHostGate() *HostGate {
	return &HostGate{hosts: make(map[string]*sync.RWMutex)}
}

func (g *HostGate) lock(host string) *sync.RWMutex {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.hosts[host]
	if !ok {
		l = &sync.RWMutex{}
		g.hosts[host] = l
	}
	return l
}

// Shared blocks until no exclusive holder is active for host and returns
// the release function.
func (g *HostGate) Shared(host string) func() {
	if g == nil {
		return func() {}
	}
	l := g.lock(host)
	l.RLock()
	return l.RUnlock
}

// Exclusive blocks until all other probes to host are done.
func (g *HostGate) Exclusive(host string) func() {
	if g == nil {
		return func() {}
	}
	l := g.lock(host)
	l.Lock()
	return l.Unlock
}
