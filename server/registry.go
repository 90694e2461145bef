package server

import (
	"sort"
	"sync"
)

// Registry is the set of live connections, authenticated or not. All
// methods are safe for concurrent use and return snapshots.
type Registry struct {
	mu    sync.RWMutex
	conns map[*Conn]struct{}
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[*Conn]struct{})}
}

func (r *Registry) Register(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c] = struct{}{}
}

// Unregister removes c and reports whether this call removed it, so
// teardown work runs once even if several paths try to unregister.
// userGone is true when c was authenticated and was the last connection of
// its user.
func (r *Registry) Unregister(c *Conn) (removed, userGone bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[c]; !ok {
		return false, false
	}
	delete(r.conns, c)

	p, ok := c.Principal()
	if !ok {
		return true, false
	}
	return true, !r.hasUserLocked(p.UserID)
}

// Authenticate binds p to c. ok is false if c already has a principal or is
// no longer registered; first is true when no other connection of the same
// user is live.
func (r *Registry) Authenticate(c *Conn, p Principal) (ok, first bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, live := r.conns[c]; !live {
		return false, false
	}
	first = !r.hasUserLocked(p.UserID)
	if !c.setPrincipal(p) {
		return false, false
	}
	return true, first
}

func (r *Registry) hasUserLocked(userID int64) bool {
	for other := range r.conns {
		if p, ok := other.Principal(); ok && p.UserID == userID {
			return true
		}
	}
	return false
}

// FindByUsername returns every live connection logged in as username.
func (r *Registry) FindByUsername(username string) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Conn
	for c := range r.conns {
		if p, ok := c.Principal(); ok && p.Username == username {
			out = append(out, c)
		}
	}
	return out
}

// AllExcept returns every live connection other than c, authenticated or not.
func (r *Registry) AllExcept(c *Conn) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Conn, 0, len(r.conns))
	for other := range r.conns {
		if other != c {
			out = append(out, other)
		}
	}
	return out
}

// AuthenticatedExcept is AllExcept restricted to logged-in connections.
func (r *Registry) AuthenticatedExcept(c *Conn) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Conn
	for other := range r.conns {
		if other == c {
			continue
		}
		if _, ok := other.Principal(); ok {
			out = append(out, other)
		}
	}
	return out
}

// ByUserIDs returns every live connection whose principal is in ids.
func (r *Registry) ByUserIDs(ids []int64) []*Conn {
	want := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Conn
	for c := range r.conns {
		if p, ok := c.Principal(); ok {
			if _, hit := want[p.UserID]; hit {
				out = append(out, c)
			}
		}
	}
	return out
}

// OnlineUsernames returns the sorted, de-duplicated usernames of
// authenticated connections.
func (r *Registry) OnlineUsernames() []string {
	r.mu.RLock()
	seen := make(map[string]struct{}, len(r.conns))
	for c := range r.conns {
		if p, ok := c.Principal(); ok {
			seen[p.Username] = struct{}{}
		}
	}
	r.mu.RUnlock()

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

func (r *Registry) Snapshot() []*Conn {
	return r.AllExcept(nil)
}

// CloseAll closes every live connection. Each connection's reader then
// runs its own teardown.
func (r *Registry) CloseAll() {
	for _, c := range r.Snapshot() {
		c.Close()
	}
}
