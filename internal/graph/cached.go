package graph

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/botwalk/botwalk/internal/cache"
)

// CachedStore keeps graph reads hot in a cache.Cache. Misses and cache
// failures fall through to the inner store; only hits are served from
// the cache, so a broken cache degrades to direct reads.
type CachedStore struct {
	inner Store
	cache cache.Cache
	ttl   time.Duration
	log   *slog.Logger
}

func NewCachedStore(inner Store, c cache.Cache, ttl time.Duration, log *slog.Logger) *CachedStore {
	return &CachedStore{
		inner: inner,
		cache: c,
		ttl:   ttl,
		log:   log.With(slog.String("component", "graph_cache")),
	}
}

func (s *CachedStore) DefaultGraph(ctx context.Context, tenantID string) (Graph, error) {
	var graph Graph
	if s.lookup(ctx, "graph:default:"+tenantID, &graph) {
		return graph, nil
	}
	graph, err := s.inner.DefaultGraph(ctx, tenantID)
	if err != nil {
		return Graph{}, err
	}
	s.store(ctx, "graph:default:"+tenantID, graph)
	return graph, nil
}

func (s *CachedStore) StartNode(ctx context.Context, graphID string) (Node, error) {
	var node Node
	if s.lookup(ctx, "graph:start:"+graphID, &node) {
		return node, nil
	}
	node, err := s.inner.StartNode(ctx, graphID)
	if err != nil {
		return Node{}, err
	}
	s.store(ctx, "graph:start:"+graphID, node)
	return node, nil
}

func (s *CachedStore) Node(ctx context.Context, nodeID string) (Node, error) {
	var node Node
	if s.lookup(ctx, "graph:node:"+nodeID, &node) {
		return node, nil
	}
	node, err := s.inner.Node(ctx, nodeID)
	if err != nil {
		return Node{}, err
	}
	s.store(ctx, "graph:node:"+nodeID, node)
	return node, nil
}

func (s *CachedStore) Options(ctx context.Context, nodeID string) ([]Option, error) {
	var options []Option
	if s.lookup(ctx, "graph:opts:"+nodeID, &options) {
		return options, nil
	}
	options, err := s.inner.Options(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	s.store(ctx, "graph:opts:"+nodeID, options)
	return options, nil
}

func (s *CachedStore) EdgesFrom(ctx context.Context, nodeID string) ([]Edge, error) {
	var edges []Edge
	if s.lookup(ctx, "graph:edges:"+nodeID, &edges) {
		return edges, nil
	}
	edges, err := s.inner.EdgesFrom(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	s.store(ctx, "graph:edges:"+nodeID, edges)
	return edges, nil
}

func (s *CachedStore) lookup(ctx context.Context, key string, out any) bool {
	raw, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		s.log.Debug("cache get failed", slog.String("key", key), slog.Any("error", err))
		return false
	}
	if !ok {
		return false
	}
	if err := json.Unmarshal(raw, out); err != nil {
		s.log.Debug("cache entry corrupt", slog.String("key", key), slog.Any("error", err))
		return false
	}
	return true
}

func (s *CachedStore) store(ctx context.Context, key string, value any) {
	raw, err := json.Marshal(value)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, key, raw, s.ttl); err != nil {
		s.log.Debug("cache set failed", slog.String("key", key), slog.Any("error", err))
	}
}
