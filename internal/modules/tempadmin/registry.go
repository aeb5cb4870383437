package tempadmin

import (
	"sync"
	"time"
)

// Grant is a time-boxed admin allowance handed out after a quarantine
// release. While a grant is live the action tracker lets the holder
// through without counting toward thresholds.
type Grant struct {
	GuildID   string
	UserID    string
	ExpiresAt time.Time
}

type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

type Registry struct {
	mu     sync.Mutex
	clock  Clock
	grants map[string]Grant
}

func NewRegistry() *Registry {
	return &Registry{
		clock:  realClock{},
		grants: make(map[string]Grant),
	}
}

func (r *Registry) WithClock(clock Clock) {
	r.clock = clock
}

func (r *Registry) Grant(guildID, userID string, duration time.Duration) Grant {
	r.mu.Lock()
	defer r.mu.Unlock()

	grant := Grant{
		GuildID:   guildID,
		UserID:    userID,
		ExpiresAt: r.clock.Now().Add(duration),
	}
	r.grants[guildID+":"+userID] = grant
	return grant
}

// IsActive reports whether the member holds a live grant. Expired
// grants are pruned on the way out so the map never holds stale keys.
func (r *Registry) IsActive(guildID, userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := guildID + ":" + userID
	grant, ok := r.grants[key]
	if !ok {
		return false
	}
	if !r.clock.Now().Before(grant.ExpiresAt) {
		delete(r.grants, key)
		return false
	}
	return true
}

func (r *Registry) Remove(guildID, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.grants, guildID+":"+userID)
}

// Expired drains grants whose deadline has passed and returns them for
// the suspicion check.
func (r *Registry) Expired() []Grant {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	var expired []Grant
	for key, grant := range r.grants {
		if !now.Before(grant.ExpiresAt) {
			expired = append(expired, grant)
			delete(r.grants, key)
		}
	}
	return expired
}
