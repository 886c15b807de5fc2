package graph

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// FileStore serves graphs parsed from a directory of YAML fixtures. It
// backs development and tests; node ids are free-form strings there.
type FileStore struct {
	defaults map[string]Graph
	starts   map[string]Node
	nodes    map[string]Node
	options  map[string][]Option
	edges    map[string][]Edge
}

type fileGraph struct {
	ID       string     `yaml:"id"`
	TenantID string     `yaml:"tenant_id"`
	Name     string     `yaml:"name"`
	Default  bool       `yaml:"default"`
	Nodes    []fileNode `yaml:"nodes"`
	Edges    []fileEdge `yaml:"edges"`
}

type fileNode struct {
	ID       string       `yaml:"id"`
	Kind     string       `yaml:"kind"`
	Content  string       `yaml:"content"`
	MediaURL string       `yaml:"media_url"`
	Start    bool         `yaml:"start"`
	End      bool         `yaml:"end"`
	Options  []fileOption `yaml:"options"`
}

type fileOption struct {
	ID     string `yaml:"id"`
	Label  string `yaml:"label"`
	Target string `yaml:"target"`
}

type fileEdge struct {
	From      string `yaml:"from"`
	To        string `yaml:"to"`
	Option    string `yaml:"option"`
	Condition string `yaml:"condition"`
	Priority  int    `yaml:"priority"`
}

func NewFileStore(dir string) (*FileStore, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read graph dir: %w", err)
	}

	store := &FileStore{
		defaults: make(map[string]Graph),
		starts:   make(map[string]Node),
		nodes:    make(map[string]Node),
		options:  make(map[string][]Option),
		edges:    make(map[string][]Edge),
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		if err := store.loadFile(filepath.Join(dir, entry.Name())); err != nil {
			return nil, err
		}
	}
	return store, nil
}

func (s *FileStore) loadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read graph file %s: %w", path, err)
	}

	var fg fileGraph
	if err := yaml.Unmarshal(raw, &fg); err != nil {
		return fmt.Errorf("parse graph file %s: %w", path, err)
	}
	if fg.ID == "" {
		fg.ID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}

	graph := Graph{ID: fg.ID, TenantID: fg.TenantID, Name: fg.Name, IsDefault: fg.Default}
	if fg.Default || s.defaults[fg.TenantID].ID == "" {
		s.defaults[fg.TenantID] = graph
	}

	for _, fn := range fg.Nodes {
		node := Node{
			ID:       fn.ID,
			GraphID:  fg.ID,
			Kind:     ParseKind(fn.Kind),
			Content:  fn.Content,
			MediaURL: fn.MediaURL,
			IsStart:  fn.Start,
			IsEnd:    fn.End,
		}
		if _, dup := s.nodes[node.ID]; dup {
			return fmt.Errorf("graph file %s: duplicate node id %q", path, node.ID)
		}
		s.nodes[node.ID] = node
		if node.IsStart {
			s.starts[fg.ID] = node
		}

		for i, fo := range fn.Options {
			option := Option{
				ID:           fo.ID,
				NodeID:       node.ID,
				Ordinal:      i + 1,
				Label:        fo.Label,
				TargetNodeID: fo.Target,
			}
			if option.ID == "" {
				option.ID = fmt.Sprintf("%s:opt%d", node.ID, option.Ordinal)
			}
			s.options[node.ID] = append(s.options[node.ID], option)
		}
	}

	for i, fe := range fg.Edges {
		edge := Edge{
			ID:           fmt.Sprintf("%s:edge%d", fg.ID, i+1),
			SourceNodeID: fe.From,
			TargetNodeID: fe.To,
			OptionID:     fe.Option,
			Condition:    fe.Condition,
			Priority:     fe.Priority,
		}
		s.edges[edge.SourceNodeID] = append(s.edges[edge.SourceNodeID], edge)
	}
	return nil
}

func (s *FileStore) DefaultGraph(_ context.Context, tenantID string) (Graph, error) {
	graph, ok := s.defaults[tenantID]
	if !ok {
		return Graph{}, fmt.Errorf("tenant %s: %w", tenantID, ErrGraphNotFound)
	}
	return graph, nil
}

func (s *FileStore) StartNode(_ context.Context, graphID string) (Node, error) {
	node, ok := s.starts[graphID]
	if !ok {
		return Node{}, fmt.Errorf("graph %s start: %w", graphID, ErrNodeNotFound)
	}
	return node, nil
}

func (s *FileStore) Node(_ context.Context, nodeID string) (Node, error) {
	node, ok := s.nodes[nodeID]
	if !ok {
		return Node{}, fmt.Errorf("node %s: %w", nodeID, ErrNodeNotFound)
	}
	return node, nil
}

func (s *FileStore) Options(_ context.Context, nodeID string) ([]Option, error) {
	return s.options[nodeID], nil
}

func (s *FileStore) EdgesFrom(_ context.Context, nodeID string) ([]Edge, error) {
	return s.edges[nodeID], nil
}
