// Package user provides the caller identity passed into every service
// operation. Authentication itself happens outside the engine; services only
// see the resolved identity.
package user

// User identifies a person known to the engine.
type User struct {
	ID string
}

// Caller is the identity driving an operation.
type Caller struct {
	// UserID of the authenticated user, empty for system callers.
	UserID string
	// System marks internal callers (sweep, event handlers) that act with
	// the owning currency's admin authority.
	System bool
}

// System returns the internal system caller.
func System() Caller {
	return Caller{System: true}
}

// ByUser returns a caller for the given user id.
func ByUser(id string) Caller {
	return Caller{UserID: id}
}
