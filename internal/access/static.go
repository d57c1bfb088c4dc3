package access

import (
	"context"
	"sync"
)

// StaticProvider is an in-memory Gate and ScopeResolver. Users without an
// entry are denied everything, matching the deny-by-default posture of the
// real permission service.
type StaticProvider struct {
	mu    sync.RWMutex
	users map[string]staticUser
}

type staticUser struct {
	admin       bool
	collections map[string]bool
	facilities  []string
}

// NewStaticProvider returns an empty provider.
func NewStaticProvider() *StaticProvider {
	return &StaticProvider{users: make(map[string]staticUser)}
}

// AllowAll grants a user unrestricted access to every collection and
// facility.
func (p *StaticProvider) AllowAll(userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.users[userID] = staticUser{admin: true}
}

// Allow grants a user access to the given collections within the given
// facilities. Empty facilities means unrestricted facility scope.
func (p *StaticProvider) Allow(userID string, collections []string, facilities []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cols := make(map[string]bool, len(collections))
	for _, c := range collections {
		cols[c] = true
	}
	p.users[userID] = staticUser{collections: cols, facilities: facilities}
}

// CanAccessCollection implements Gate.
func (p *StaticProvider) CanAccessCollection(ctx context.Context, userID, collection string, op Operation) (bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	u, ok := p.users[userID]
	if !ok {
		return false, nil
	}
	if u.admin {
		return true, nil
	}
	return u.collections[collection], nil
}

// FacilityScope implements ScopeResolver.
func (p *StaticProvider) FacilityScope(ctx context.Context, userID string) (Scope, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	u, ok := p.users[userID]
	if !ok {
		return Scope{}, nil
	}
	if u.admin || len(u.facilities) == 0 {
		return Scope{All: true}, nil
	}
	return Scope{Facilities: append([]string(nil), u.facilities...)}, nil
}

// Compile-time interface checks.
var (
	_ Gate          = (*StaticProvider)(nil)
	_ ScopeResolver = (*StaticProvider)(nil)
)
