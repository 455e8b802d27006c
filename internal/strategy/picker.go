// Package strategy implements the pluggable backend-selection algorithms.
//
// None of the Picker implementations in this package lock anything
// themselves: spec.md §4.1 requires the dispatcher to acquire the registry
// mutex and perform shed-check, sticky-lookup, strategy-pick and counter
// updates as one atomic sequence, so every Pick call here assumes the
// caller already holds registry.Registry's lock. A Picker's own cursor
// state (round-robin offset, WRR sequence index, ...) is therefore only
// ever touched under that same lock and needs no mutex of its own.
package strategy

import (
	"errors"
	"fmt"

	"l7lb/internal/registry"
)

// ErrNoHealthyBackend is returned when every backend is unhealthy.
var ErrNoHealthyBackend = errors.New("strategy: no healthy backend available")

// Context carries the per-connection information a strategy may need
// beyond the backend list itself.
type Context struct {
	// SourceIP is the client's address, used only by HashRing.
	SourceIP string
}

// Picker selects a backend for an incoming connection. Implementations are
// not safe for concurrent use on their own; callers serialize access via
// registry.Registry's lock.
type Picker interface {
	Pick(ctx Context) (*registry.Backend, error)
}

// New constructs the Picker named by name over backends. Valid names:
// "round_robin", "weighted_round_robin", "least_connections",
// "least_response_time", "hash". replicas is only used by "hash"; a value
// less than 1 defaults to 10 (see NewHashRing).
func New(name string, backends []*registry.Backend, replicas int) (Picker, error) {
	if len(backends) == 0 {
		return nil, fmt.Errorf("strategy: at least one backend required")
	}
	switch name {
	case "round_robin", "":
		return NewRoundRobin(backends), nil
	case "weighted_round_robin":
		return NewWeightedRoundRobin(backends), nil
	case "least_connections":
		return NewLeastConnections(backends), nil
	case "least_response_time":
		return NewLeastResponseTime(backends), nil
	case "hash":
		return NewHashRing(backends, replicas), nil
	default:
		return nil, fmt.Errorf("strategy: unknown algorithm %q", name)
	}
}

// healthy returns the subset of backends currently marked Healthy.
func healthy(backends []*registry.Backend) []*registry.Backend {
	out := make([]*registry.Backend, 0, len(backends))
	for _, b := range backends {
		if b.Healthy {
			out = append(out, b)
		}
	}
	return out
}
