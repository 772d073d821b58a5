package session

import (
	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
)

// ErrClaimed is returned when a device id is already attached to another coordinator.
var ErrClaimed = errors.New("device already claimed")

// Registry tracks which coordinator owns each device id. Claims never expire;
// they are released when the owning coordinator tears its device down.
type Registry struct {
	claims *cache.Cache
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	// A zero cleanup interval keeps go-cache from starting its janitor.
	return &Registry{claims: cache.New(cache.NoExpiration, 0)}
}

// DefaultRegistry is shared by coordinators that do not bring their own.
var DefaultRegistry = NewRegistry()

// Claim records owner as the user of id.
func (r *Registry) Claim(id string, owner interface{}) error {
	if err := r.claims.Add(id, owner, cache.NoExpiration); err != nil {
		return errors.Wrapf(ErrClaimed, "device %s", id)
	}
	return nil
}

// Release drops the claim on id if owner holds it.
func (r *Registry) Release(id string, owner interface{}) {
	if cur, ok := r.claims.Get(id); ok && cur == owner {
		r.claims.Delete(id)
	}
}

// Owner returns the current owner of id.
func (r *Registry) Owner(id string) (interface{}, bool) {
	return r.claims.Get(id)
}

// Claimed returns the number of claimed device ids.
func (r *Registry) Claimed() int {
	return r.claims.ItemCount()
}
