package provider

import (
	mapset "github.com/deckarep/golang-set/v2"
)

// LockRegistry tracks origins with an unlock or connect prompt in flight.
// Add on a thread-safe set is the atomic check-and-set.
type LockRegistry struct {
	unlocking  mapset.Set[string]
	connecting mapset.Set[string]
}

// NewLockRegistry creates an empty registry
func NewLockRegistry() *LockRegistry {
	return &LockRegistry{
		unlocking:  mapset.NewSet[string](),
		connecting: mapset.NewSet[string](),
	}
}

// TryAcquireUnlock returns false if origin already has an unlock in flight
func (l *LockRegistry) TryAcquireUnlock(origin string) bool {
	return l.unlocking.Add(origin)
}

// ReleaseUnlock is a no-op when origin is absent
func (l *LockRegistry) ReleaseUnlock(origin string) {
	l.unlocking.Remove(origin)
}

// HoldsUnlock reports whether origin has an unlock in flight
func (l *LockRegistry) HoldsUnlock(origin string) bool {
	return l.unlocking.Contains(origin)
}

// TryAcquireConnect returns false if origin already has a connect in flight
func (l *LockRegistry) TryAcquireConnect(origin string) bool {
	return l.connecting.Add(origin)
}

// ReleaseConnect is a no-op when origin is absent
func (l *LockRegistry) ReleaseConnect(origin string) {
	l.connecting.Remove(origin)
}

// HoldsConnect reports whether origin has a connect in flight
func (l *LockRegistry) HoldsConnect(origin string) bool {
	return l.connecting.Contains(origin)
}
