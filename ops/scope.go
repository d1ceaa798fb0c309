// Package ops carries the logging identity of an in-flight delivery across
// asynchronous boundaries, and emits structured log records which always
// include that identity.
package ops

import (
	"context"
)

// Scope is the logging identity of a delivery. A Scope is immutable:
// With derives a new Scope from the one already on the context, and the
// prior Scope is restored by simply using the parent context.
type Scope struct {
	TraceID  string
	JobID    string
	EntityID string
	TaskKind string
	// Tags are arbitrary additional fields carried by every log record
	// emitted under this Scope.
	Tags map[string]string
}

type scopeKey struct{}

// Option mutates a Scope being derived by With.
type Option func(*Scope)

func WithTrace(traceID string) Option {
	return func(s *Scope) { s.TraceID = traceID }
}

func WithJob(jobID string) Option {
	return func(s *Scope) { s.JobID = jobID }
}

func WithEntity(entityID string) Option {
	return func(s *Scope) { s.EntityID = entityID }
}

func WithTask(taskKind string) Option {
	return func(s *Scope) { s.TaskKind = taskKind }
}

// WithTag attaches an arbitrary tag. Tags of the parent Scope are retained
// unless shadowed by key.
func WithTag(key, value string) Option {
	return func(s *Scope) {
		var tags = make(map[string]string, len(s.Tags)+1)
		for k, v := range s.Tags {
			tags[k] = v
		}
		tags[key] = value
		s.Tags = tags
	}
}

// With derives a child context whose Scope is the current Scope updated by
// `opts`. Scopes nest: the parent context still holds the prior Scope.
func With(ctx context.Context, opts ...Option) context.Context {
	var scope = ScopeOf(ctx)
	for _, opt := range opts {
		opt(&scope)
	}
	return context.WithValue(ctx, scopeKey{}, scope)
}

// ScopeOf returns the Scope of the context, or a zero Scope if none is set.
// The returned Scope is a copy; mutating it does not affect the context.
func ScopeOf(ctx context.Context) Scope {
	if s, ok := ctx.Value(scopeKey{}).(Scope); ok {
		return s
	}
	return Scope{}
}
