// Package caller carries the identity of whoever triggered an engine operation
// through context.Context.
package caller

import "context"

// Kind classifies the origin of a request.
type Kind string

const (
	KindUser   Kind = "user"
	KindAdmin  Kind = "admin"
	KindSystem Kind = "system"
)

// IsValid reports whether k is a known caller kind.
func (k Kind) IsValid() bool {
	switch k {
	case KindUser, KindAdmin, KindSystem:
		return true
	}
	return false
}

// Actor is the acting party for one call chain.
type Actor struct {
	Kind   Kind
	UserID uint
}

// IsOperator reports whether the actor may act on orders it does not own.
func (a Actor) IsOperator() bool {
	return a.Kind == KindAdmin || a.Kind == KindSystem
}

// Owns reports whether the actor may act on a resource owned by userID.
func (a Actor) Owns(userID uint) bool {
	return a.IsOperator() || a.UserID == userID
}

type actorKey struct{}

// WithActor returns a copy of ctx carrying actor.
func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// User is shorthand for a self-service customer context.
func User(ctx context.Context, userID uint) context.Context {
	return WithActor(ctx, Actor{Kind: KindUser, UserID: userID})
}

// Admin is shorthand for an operator context.
func Admin(ctx context.Context, userID uint) context.Context {
	return WithActor(ctx, Actor{Kind: KindAdmin, UserID: userID})
}

// System is shorthand for background work (task handlers, sweeps).
func System(ctx context.Context) context.Context {
	return WithActor(ctx, Actor{Kind: KindSystem})
}

// FromContext returns the actor stored in ctx. Contexts without an actor are
// treated as system calls.
func FromContext(ctx context.Context) Actor {
	if actor, ok := ctx.Value(actorKey{}).(Actor); ok {
		return actor
	}
	return Actor{Kind: KindSystem}
}
