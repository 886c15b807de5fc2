package graph

import (
	"context"
	"errors"
)

var (
	ErrGraphNotFound = errors.New("graph not found")
	ErrNodeNotFound  = errors.New("graph node not found")
)

// Store is the read surface the flow engine depends on.
type Store interface {
	// DefaultGraph returns the tenant's default graph.
	DefaultGraph(ctx context.Context, tenantID string) (Graph, error)
	// StartNode returns the graph's entry node.
	StartNode(ctx context.Context, graphID string) (Node, error)
	// Node returns one node by id.
	Node(ctx context.Context, nodeID string) (Node, error)
	// Options lists a node's options ordered by ordinal.
	Options(ctx context.Context, nodeID string) ([]Option, error)
	// EdgesFrom lists outgoing edges ordered by priority.
	EdgesFrom(ctx context.Context, nodeID string) ([]Edge, error)
}
