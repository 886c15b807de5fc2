package graph

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	dbpkg "github.com/botwalk/botwalk/internal/db"
)

// PGStore reads graphs from postgres.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) DefaultGraph(ctx context.Context, tenantID string) (Graph, error) {
	tenantUUID, err := dbpkg.ParseUUID(tenantID)
	if err != nil {
		return Graph{}, err
	}

	row := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, name, is_default
		FROM graphs
		WHERE tenant_id = $1 AND is_default
		ORDER BY created_at
		LIMIT 1`, tenantUUID)

	graph, err := scanGraph(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Graph{}, fmt.Errorf("tenant %s: %w", tenantID, ErrGraphNotFound)
		}
		return Graph{}, fmt.Errorf("query default graph: %w", err)
	}
	return graph, nil
}

func (s *PGStore) StartNode(ctx context.Context, graphID string) (Node, error) {
	graphUUID, err := dbpkg.ParseUUID(graphID)
	if err != nil {
		return Node{}, err
	}

	row := s.pool.QueryRow(ctx, `
		SELECT id, graph_id, kind, content, media_url, is_start, is_end
		FROM graph_nodes
		WHERE graph_id = $1 AND is_start
		ORDER BY created_at
		LIMIT 1`, graphUUID)

	node, err := scanNode(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Node{}, fmt.Errorf("graph %s start: %w", graphID, ErrNodeNotFound)
		}
		return Node{}, fmt.Errorf("query start node: %w", err)
	}
	return node, nil
}

func (s *PGStore) Node(ctx context.Context, nodeID string) (Node, error) {
	nodeUUID, err := dbpkg.ParseUUID(nodeID)
	if err != nil {
		return Node{}, err
	}

	row := s.pool.QueryRow(ctx, `
		SELECT id, graph_id, kind, content, media_url, is_start, is_end
		FROM graph_nodes
		WHERE id = $1`, nodeUUID)

	node, err := scanNode(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Node{}, fmt.Errorf("node %s: %w", nodeID, ErrNodeNotFound)
		}
		return Node{}, fmt.Errorf("query node: %w", err)
	}
	return node, nil
}

func (s *PGStore) Options(ctx context.Context, nodeID string) ([]Option, error) {
	nodeUUID, err := dbpkg.ParseUUID(nodeID)
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, node_id, ordinal, label, target_node_id
		FROM graph_options
		WHERE node_id = $1
		ORDER BY ordinal`, nodeUUID)
	if err != nil {
		return nil, fmt.Errorf("query options: %w", err)
	}
	defer rows.Close()

	var options []Option
	for rows.Next() {
		var (
			id, rowNodeID, target pgtype.UUID
			ordinal               int
			label                 string
		)
		if err := rows.Scan(&id, &rowNodeID, &ordinal, &label, &target); err != nil {
			return nil, fmt.Errorf("scan option: %w", err)
		}
		options = append(options, Option{
			ID:           dbpkg.UUIDToString(id),
			NodeID:       dbpkg.UUIDToString(rowNodeID),
			Ordinal:      ordinal,
			Label:        label,
			TargetNodeID: dbpkg.UUIDToString(target),
		})
	}
	return options, rows.Err()
}

func (s *PGStore) EdgesFrom(ctx context.Context, nodeID string) ([]Edge, error) {
	nodeUUID, err := dbpkg.ParseUUID(nodeID)
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, source_node_id, target_node_id, option_id, condition, priority
		FROM graph_edges
		WHERE source_node_id = $1
		ORDER BY priority, created_at`, nodeUUID)
	if err != nil {
		return nil, fmt.Errorf("query edges: %w", err)
	}
	defer rows.Close()

	var edges []Edge
	for rows.Next() {
		var (
			id, source, target, option pgtype.UUID
			condition                  pgtype.Text
			priority                   int
		)
		if err := rows.Scan(&id, &source, &target, &option, &condition, &priority); err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		edges = append(edges, Edge{
			ID:           dbpkg.UUIDToString(id),
			SourceNodeID: dbpkg.UUIDToString(source),
			TargetNodeID: dbpkg.UUIDToString(target),
			OptionID:     dbpkg.UUIDToString(option),
			Condition:    dbpkg.TextToString(condition),
			Priority:     priority,
		})
	}
	return edges, rows.Err()
}

func scanGraph(row pgx.Row) (Graph, error) {
	var (
		id, tenant pgtype.UUID
		name       string
		isDefault  bool
	)
	if err := row.Scan(&id, &tenant, &name, &isDefault); err != nil {
		return Graph{}, err
	}
	return Graph{
		ID:        dbpkg.UUIDToString(id),
		TenantID:  dbpkg.UUIDToString(tenant),
		Name:      name,
		IsDefault: isDefault,
	}, nil
}

func scanNode(row pgx.Row) (Node, error) {
	var (
		id, graphID pgtype.UUID
		kind        string
		content     string
		mediaURL    pgtype.Text
		isStart     bool
		isEnd       bool
	)
	if err := row.Scan(&id, &graphID, &kind, &content, &mediaURL, &isStart, &isEnd); err != nil {
		return Node{}, err
	}
	return Node{
		ID:       dbpkg.UUIDToString(id),
		GraphID:  dbpkg.UUIDToString(graphID),
		Kind:     ParseKind(kind),
		Content:  content,
		MediaURL: dbpkg.TextToString(mediaURL),
		IsStart:  isStart,
		IsEnd:    isEnd,
	}, nil
}
