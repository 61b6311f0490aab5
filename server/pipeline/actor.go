// Package pipeline implements the chat completion pipeline: quota
// metering, context budgeting and compression, provider request
// assembly and execution, and usage reconciliation.
package pipeline

import (
	"strconv"

	"github.com/parleyhq/parley/store"
)

// Actor is the closed set of identities that can submit a completion.
type Actor interface {
	isActor()
}

// AuthenticatedActor is a signed-in user.
type AuthenticatedActor struct {
	UserID int32
}

// AnonymousActor is an unauthenticated caller, identified only by a
// transport-level key (client IP).
type AnonymousActor struct {
	Key string
}

func (AuthenticatedActor) isActor() {}
func (AnonymousActor) isActor()     {}

// anonymousPoolIdentifier is the single quota identifier shared by every
// anonymous actor. Per-key anonymous records would make the daily limit
// trivially evadable by rotating keys.
const anonymousPoolIdentifier = "anonymous"

// ResolveScope maps an actor to its quota partition and identifier.
func ResolveScope(actor Actor) (store.QuotaScope, string) {
	switch a := actor.(type) {
	case AuthenticatedActor:
		return store.QuotaScopeUser, userIdentifier(a.UserID)
	case AnonymousActor:
		return store.QuotaScopeAnonymous, anonymousPoolIdentifier
	default:
		return store.QuotaScopeAnonymous, anonymousPoolIdentifier
	}
}

func userIdentifier(userID int32) string {
	return "user-" + strconv.FormatInt(int64(userID), 10)
}
