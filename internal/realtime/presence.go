package realtime

import (
	"sort"
	"sync"
)

// Presence maps each online user to their single live connection.
type Presence struct {
	mu    sync.RWMutex
	conns map[int64]Conn

	// observe, when set, receives the online count after every mutation.
	observe func(online int)
}

// NewPresence returns an empty registry.
func NewPresence() *Presence {
	return &Presence{conns: make(map[int64]Conn)}
}

func (p *Presence) changedLocked() {
	if p.observe != nil {
		p.observe(len(p.conns))
	}
}

// Register makes c the connection of its user and returns the connection it
// replaced, if any. The caller is responsible for closing the old one.
func (p *Presence) Register(c Conn) (previous Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	previous = p.conns[c.UserID()]
	if previous == c {
		return nil
	}
	p.conns[c.UserID()] = c
	p.changedLocked()
	return previous
}

// Unregister removes whatever connection userID holds and returns it.
func (p *Presence) Unregister(userID int64) (Conn, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.conns[userID]
	if ok {
		delete(p.conns, userID)
		p.changedLocked()
	}
	return c, ok
}

// UnregisterConn removes c only if it is still the user's current connection,
// so a replaced session cannot evict its successor. It reports whether an
// entry was removed.
func (p *Presence) UnregisterConn(c Conn) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cur, ok := p.conns[c.UserID()]; ok && cur == c {
		delete(p.conns, c.UserID())
		p.changedLocked()
		return true
	}
	return false
}

// Lookup returns the live connection of userID.
func (p *Presence) Lookup(userID int64) (Conn, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.conns[userID]
	return c, ok
}

// Online returns the ids of all online users in ascending order.
func (p *Presence) Online() []int64 {
	p.mu.RLock()
	ids := make([]int64, 0, len(p.conns))
	for id := range p.conns {
		ids = append(ids, id)
	}
	p.mu.RUnlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Count returns the number of online users.
func (p *Presence) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.conns)
}
