// Package transfer provides the transfer domain model and its state machine.
package transfer

import (
	"time"
)

// State of a transfer.
type State string

const (
	StateNew       State = "new"
	StatePending   State = "pending"
	StateSubmitted State = "submitted"
	StateFailed    State = "failed"
	StateRejected  State = "rejected"
	StateCommitted State = "committed"
	StateDeleted   State = "deleted"
)

// AuthorizationTypeTag is the only supported pre-authorization type.
const AuthorizationTypeTag = "tag"

// Authorization is an optional tag-based pre-authorization attached to a
// payment request. Value is only present on input; only the hash is stored.
type Authorization struct {
	Type  string `json:"type"`
	Value string `json:"value,omitempty"`
	Hash  string `json:"hash,omitempty"`
}

// Meta carries the user-supplied transfer metadata. Description is required.
type Meta struct {
	Description string `json:"description"`
}

// Transfer moves a positive amount of scaled currency units between two
// distinct accounts. Hash is the settlement transaction hash, set once the
// transfer commits on the ledger.
type Transfer struct {
	ID         string
	CurrencyID string

	State  State
	Amount int64

	PayerID string
	PayeeID string

	Meta          Meta
	Authorization *Authorization

	Hash string

	// UserID is the user driving the current transition.
	UserID string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// userTransitions is the table of caller-requestable state transitions.
// submitted is transient and reachable only internally.
var userTransitions = map[State][]State{
	StateNew:      {StateCommitted, StateDeleted},
	StatePending:  {StateRejected, StateCommitted, StateDeleted},
	StateRejected: {StateDeleted},
	StateFailed:   {StateDeleted},
}

// CanTransition reports whether a caller may request moving a transfer from
// one state to another. Identity transitions are allowed (and are no-ops).
func CanTransition(from, to State) bool {
	if from == to {
		return true
	}
	for _, s := range userTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsRequestable reports whether a state may appear as the requested target
// of a caller-driven transition. The remaining states are set only by the
// engine itself.
func IsRequestable(s State) bool {
	switch s {
	case StateCommitted, StateRejected, StateDeleted, StateNew:
		return true
	}
	return false
}
