package agentpool

import "sync"

// HostSet is the set of discovered agent hosts that currently have no
// live pooled connection. A popped host stays claimed, and Add ignores
// it, until Release or Drop. It is safe for concurrent use.
type HostSet struct {
	mu      sync.Mutex
	hosts   []string
	claimed map[string]struct{}
}

// NewHostSet creates a set holding the given hosts, in order, without duplicates.
func NewHostSet(hosts ...string) *HostSet {
	s := &HostSet{claimed: make(map[string]struct{})}
	s.Add(hosts...)
	return s
}

// Pop removes the first unbound host and claims it.
func (s *HostSet) Pop() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.hosts) == 0 {
		return "", false
	}
	host := s.hosts[0]
	s.hosts = s.hosts[1:]
	s.claimed[host] = struct{}{}
	return host, true
}

// Add appends hosts that are neither present nor claimed.
func (s *HostSet) Add(hosts ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, h := range hosts {
		if _, bound := s.claimed[h]; h == "" || bound || s.containsLocked(h) {
			continue
		}
		s.hosts = append(s.hosts, h)
	}
}

// Release unclaims a popped host and makes it available again.
func (s *HostSet) Release(host string) {
	s.mu.Lock()
	delete(s.claimed, host)
	s.mu.Unlock()
	s.Add(host)
}

// Drop unclaims a popped host without returning it to the set. A later
// Add can rediscover it.
func (s *HostSet) Drop(host string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.claimed, host)
}

// Remove deletes a host from the set. It reports whether the host was present.
func (s *HostSet) Remove(host string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, h := range s.hosts {
		if h == host {
			s.hosts = append(s.hosts[:i], s.hosts[i+1:]...)
			return true
		}
	}
	return false
}

// Len returns the number of unbound hosts.
func (s *HostSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.hosts)
}

// Snapshot returns a copy of the unbound hosts.
func (s *HostSet) Snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.hosts...)
}

func (s *HostSet) containsLocked(host string) bool {
	for _, h := range s.hosts {
		if h == host {
			return true
		}
	}
	return false
}
