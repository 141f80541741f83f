package graphs

import (
	"context"
	"errors"
)

// ErrNotRegistered is returned for graph ids unknown to the registry.
var ErrNotRegistered = errors.New("graph is not registered")

// Registration is a read-only snapshot of one registered graph script.
type Registration struct {
	GraphID     string
	ScriptPath  string
	Interpreter string
	Owner       string
}

// Registry is the externally owned set of registered graph scripts.
// The collector only reads snapshots from it and re-reads the latest
// state at merge time, never trusting state captured at spawn time.
type Registry interface {
	// Snapshot returns the current registrations keyed by graph id.
	Snapshot(ctx context.Context) (map[string]Registration, error)
	// Code returns the current script code together with its content
	// hash, or ErrNotRegistered.
	Code(ctx context.Context, graphID string) (code string, hash string, err error)
	// ContentHash returns the hash of the current script content,
	// or ErrNotRegistered. Implementations are expected to cache so
	// unchanged scripts are not re-hashed on every flush.
	ContentHash(ctx context.Context, graphID string) (string, error)
}
