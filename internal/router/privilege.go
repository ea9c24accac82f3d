package router

import "sync"

// Privilege tracks which single server currently holds the "manager"
// role: the first server to send `{"manager":{"op":"IAmManager"}}` is
// recorded, and only that server may invoke ClearStatistics or
// IsyHasRestarted afterward. Shared across every per-server Router for
// one Manager instance.
type Privilege struct {
	mu     sync.Mutex
	holder string
}

// NewPrivilege returns an unclaimed Privilege tracker.
func NewPrivilege() *Privilege {
	return &Privilege{}
}

// ClaimIfFirst records baseKey as the manager if no one holds the role
// yet, or confirms it already does. Reports whether baseKey now holds
// (or already held) the role.
func (p *Privilege) ClaimIfFirst(baseKey string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.holder == "" {
		p.holder = baseKey
	}
	return p.holder == baseKey
}

// Is reports whether baseKey currently holds the manager role.
func (p *Privilege) Is(baseKey string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.holder != "" && p.holder == baseKey
}

// Revoke clears the manager role if baseKey currently holds it — called
// on that ServerRecord's transition to DEAD.
func (p *Privilege) Revoke(baseKey string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.holder == baseKey {
		p.holder = ""
	}
}
