// Package status tracks per-user security status and enforces the
// transition policy: the automated path moves a user straight to LOCKED,
// and LOCKED is terminal for automated transitions. FLAGGED and MONITORED
// exist for manual-review workflows driven from outside the engine.
package status

import (
	"errors"
	"fmt"
	"sync"

	"gami-sentinel/internal/schema"
)

// ErrUnknownUser is returned when querying a user that has never been seen.
var ErrUnknownUser = errors.New("status: unknown user")

// ErrIllegalTransition is returned for transitions the policy forbids,
// such as unlocking through the automated path.
var ErrIllegalTransition = errors.New("status: illegal transition")

// DefaultReputation is the reputation score assigned on first sight.
const DefaultReputation = 50.0

// Registry holds one security record per user. Records are created on
// first sight with status ACTIVE and mutated only through the registry.
type Registry struct {
	mu    sync.RWMutex
	users map[string]*schema.UserSecurityStatus
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		users: make(map[string]*schema.UserSecurityStatus),
	}
}

// Observe registers a user on first sight. Called for every ingested
// event so that a user is never without a status.
func (r *Registry) Observe(userID string) {
	if userID == "" {
		return
	}

	r.mu.RLock()
	_, ok := r.users[userID]
	r.mu.RUnlock()
	if ok {
		return
	}

	r.mu.Lock()
	if _, ok := r.users[userID]; !ok {
		r.users[userID] = &schema.UserSecurityStatus{
			UserID:          userID,
			Status:          schema.StatusActive,
			ReputationScore: DefaultReputation,
		}
	}
	r.mu.Unlock()
}

// Get returns a copy of the user's record.
func (r *Registry) Get(userID string) (schema.UserSecurityStatus, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.users[userID]
	if !ok {
		return schema.UserSecurityStatus{}, fmt.Errorf("%w: %s", ErrUnknownUser, userID)
	}
	return *rec, nil
}

// IsLocked reports whether the user is currently locked. Unknown users
// are not locked.
func (r *Registry) IsLocked(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.users[userID]
	return ok && rec.Status == schema.StatusLocked
}

// Lock applies the automated fraud response: the user moves directly to
// LOCKED and their reputation drops to zero. Returns true when the call
// performed the transition, false when the user was already locked, so
// the caller can emit exactly one alert per lock.
func (r *Registry) Lock(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.users[userID]
	if !ok {
		rec = &schema.UserSecurityStatus{
			UserID:          userID,
			Status:          schema.StatusActive,
			ReputationScore: DefaultReputation,
		}
		r.users[userID] = rec
	}

	if rec.Status == schema.StatusLocked {
		return false
	}

	rec.Status = schema.StatusLocked
	rec.ReputationScore = 0
	return true
}

// SetManual applies an externally driven transition (manual review or
// administrative reset). The automated policy never calls it; it is the
// only path that can move a user out of LOCKED.
func (r *Registry) SetManual(userID string, to schema.SecurityStatus) error {
	if !to.IsValid() {
		return fmt.Errorf("%w: invalid status %q", ErrIllegalTransition, to)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.users[userID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownUser, userID)
	}

	rec.Status = to
	if to == schema.StatusActive {
		rec.ReputationScore = DefaultReputation
	}
	return nil
}

// Count returns the number of users per status.
func (r *Registry) Count() map[schema.SecurityStatus]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[schema.SecurityStatus]int, 4)
	for _, rec := range r.users {
		counts[rec.Status]++
	}
	return counts
}

// Len returns the number of tracked users.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}
